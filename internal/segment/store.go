package segment

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/xid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// ErrHandleUnknown is returned when a handle has already been consumed,
// discarded, or never existed.
var ErrHandleUnknown = errors.New("segment: unknown handle")

// Store keeps segment payloads in memory keyed by handle. A payload is
// owned by exactly one consumer: Take removes it, so double consumption
// surfaces as ErrHandleUnknown instead of silently reprocessing audio.
type Store struct {
	mu       sync.Mutex
	payloads map[Handle][]byte
}

func NewStore() *Store {
	s := &Store{payloads: make(map[Handle][]byte)}
	s.initMetrics()
	return s
}

func (s *Store) initMetrics() {
	meter := otel.Meter("github.com/ayahlabs/tilawa-core/segment")
	gauge, err := meter.Int64ObservableGauge("tilawa.segments.live",
		metric.WithDescription("Audio segment payloads currently held in memory"))
	if err != nil {
		return
	}
	_, _ = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, int64(s.Len()))
		return nil
	}, gauge)
}

// Put stores a copy of pcm and returns its handle.
func (s *Store) Put(pcm []byte) Handle {
	h := Handle(xid.New().String())
	buf := append([]byte(nil), pcm...)
	s.mu.Lock()
	s.payloads[h] = buf
	s.mu.Unlock()
	return h
}

// Take returns the payload for h and reclaims its storage.
func (s *Store) Take(h Handle) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pcm, ok := s.payloads[h]
	if !ok {
		return nil, ErrHandleUnknown
	}
	delete(s.payloads, h)
	return pcm, nil
}

// Discard drops the payload for h without returning it. Discarding an
// already-consumed handle is a no-op.
func (s *Store) Discard(h Handle) {
	s.mu.Lock()
	delete(s.payloads, h)
	s.mu.Unlock()
}

// Len reports the number of live payloads.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}
