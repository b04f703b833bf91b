// Package session implements the recognition scheduler: it bounds
// concurrent classification requests, arbitrates races between segment
// outcomes, escalates to adaptive listening once, and guarantees exactly
// one terminal callback per session.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ayahlabs/tilawa-core/internal/config"
	"github.com/ayahlabs/tilawa-core/internal/eventstore"
	"github.com/ayahlabs/tilawa-core/internal/resolve"
	"github.com/ayahlabs/tilawa-core/internal/segment"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"
)

// Status is the session state machine. Transitions are the single source
// of truth: once the status leaves Matching, no new request is dispatched
// and every late outcome is discarded.
type Status int

const (
	StatusIdle Status = iota
	StatusMatching
	StatusResolved
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusMatching:
		return "matching"
	case StatusResolved:
		return "resolved"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Evaluator runs the matching layers over one audio window.
// *resolve.Engine is the production implementation.
type Evaluator interface {
	Evaluate(ctx context.Context, pcm []byte, sampleRate, channels int) (resolve.Resolution, error)
}

// Extender supplies additional audio when the pipeline escalates. The
// returned PCM is appended to what was already captured.
type Extender interface {
	Extend(ctx context.Context, minMS, maxMS int) ([]byte, error)
}

// ExtendFunc adapts a function to the Extender interface.
type ExtendFunc func(ctx context.Context, minMS, maxMS int) ([]byte, error)

func (f ExtendFunc) Extend(ctx context.Context, minMS, maxMS int) ([]byte, error) {
	return f(ctx, minMS, maxMS)
}

// Scheduler drives one recognition session at a time.
type Scheduler struct {
	cfg            config.RecognitionConfig
	engine         Evaluator
	store          *segment.Store
	events         *eventstore.Store
	extender       Extender
	logger         *slog.Logger
	clock          func() time.Time
	requestTimeout time.Duration
	sampleRate     int
	channels       int

	mu          sync.Mutex
	sessionID   string
	status      Status
	sem         *semaphore.Weighted
	pending     map[string]struct{}
	onOutcome   func(Outcome)
	onProgress  func(Progress)
	bestPartial *resolve.Scored
	accumulated []byte
	totalMS     int
	escalated   bool
	wg          sync.WaitGroup

	droppedCounter metric.Int64Counter
	lateCounter    metric.Int64Counter
}

// NewScheduler builds a scheduler. events and extender may be nil: without
// an event store nothing is persisted, without an extender an ambiguous
// session terminates in user selection instead of requesting more audio.
func NewScheduler(cfg config.RecognitionConfig, engine Evaluator, store *segment.Store, events *eventstore.Store, extender Extender, sampleRate, channels int, logger *slog.Logger) *Scheduler {
	s := &Scheduler{
		cfg:            cfg,
		engine:         engine,
		store:          store,
		events:         events,
		extender:       extender,
		logger:         logger.With(slog.String("component", "recognition-scheduler")),
		clock:          time.Now,
		requestTimeout: 10 * time.Second,
		sampleRate:     sampleRate,
		channels:       channels,
		status:         StatusIdle,
		pending:        make(map[string]struct{}),
	}
	s.initMetrics()
	return s
}

// SetRequestTimeout overrides the per-classification-call timeout.
func (s *Scheduler) SetRequestTimeout(d time.Duration) {
	if d > 0 {
		s.requestTimeout = d
	}
}

func (s *Scheduler) initMetrics() {
	meter := otel.Meter("github.com/ayahlabs/tilawa-core/session")
	if c, err := meter.Int64Counter("tilawa.segments.dropped",
		metric.WithDescription("Segments dropped by the concurrency bound")); err == nil {
		s.droppedCounter = c
	}
	if c, err := meter.Int64Counter("tilawa.outcomes.late",
		metric.WithDescription("Outcomes discarded after session termination")); err == nil {
		s.lateCounter = c
	}
	pendingGauge, err := meter.Int64ObservableGauge("tilawa.requests.pending",
		metric.WithDescription("Classification requests currently in flight"))
	if err != nil {
		return
	}
	_, _ = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(pendingGauge, int64(s.Pending()))
		return nil
	}, pendingGauge)
}

// StartSession opens a new session in Matching state. onOutcome is invoked
// at most once with the terminal result; onProgress (optional) receives
// non-terminal best-partial updates. Any previous session must have
// terminated; its pending bookkeeping is cleared here.
func (s *Scheduler) StartSession(onOutcome func(Outcome), onProgress func(Progress)) string {
	s.mu.Lock()
	id := segment.NewID()
	s.sessionID = id
	s.status = StatusMatching
	s.sem = semaphore.NewWeighted(int64(s.cfg.MaxConcurrentRequests))
	s.pending = make(map[string]struct{})
	s.onOutcome = onOutcome
	s.onProgress = onProgress
	s.bestPartial = nil
	s.accumulated = nil
	s.totalMS = 0
	s.escalated = false
	s.mu.Unlock()

	s.recordEvent(id, eventstore.EventSessionStarted, nil)
	s.logger.Info("session started", slog.String("session_id", id))
	return id
}

// Submit hands a captured segment to the pipeline. It is a no-op when the
// session is not matching, and a logged drop when the concurrency bound is
// reached: slow classification sheds excess segments instead of queuing.
func (s *Scheduler) Submit(seg segment.Segment) {
	s.mu.Lock()
	if s.status != StatusMatching {
		s.mu.Unlock()
		s.store.Discard(seg.Handle)
		return
	}
	// TryAcquire under mu makes check-and-insert a single atomic step, so
	// |pending| <= MaxConcurrentRequests holds at every instant.
	if !s.sem.TryAcquire(1) {
		id := s.sessionID
		s.mu.Unlock()
		s.store.Discard(seg.Handle)
		if s.droppedCounter != nil {
			s.droppedCounter.Add(context.Background(), 1)
		}
		s.logger.Info("segment dropped by backpressure",
			slog.String("session_id", id),
			slog.Int("sequence_index", seg.SequenceIndex))
		s.recordEvent(id, eventstore.EventSegmentDropped, []byte(seg.ID))
		return
	}

	pcm, err := s.store.Take(seg.Handle)
	if err != nil {
		s.sem.Release(1)
		s.mu.Unlock()
		s.logger.Warn("segment payload missing", slog.String("segment_id", seg.ID))
		return
	}

	s.pending[seg.ID] = struct{}{}
	s.accumulated = append(s.accumulated, pcm...)
	s.totalMS += seg.DurationMS
	id := s.sessionID
	sem := s.sem
	overCap := s.totalMS > s.cfg.SessionMaxMS
	s.mu.Unlock()

	s.recordEvent(id, eventstore.EventSegmentSubmitted, []byte(seg.ID))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.pending, seg.ID)
			s.mu.Unlock()
			sem.Release(1)
		}()

		ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
		defer cancel()

		res, err := s.engine.Evaluate(ctx, pcm, s.sampleRate, s.channels)
		if err != nil {
			// A single failed or timed-out classification drops the
			// segment, not the session.
			s.logger.Warn("classification failed",
				slog.String("session_id", id),
				slog.String("segment_id", seg.ID),
				slog.String("error", err.Error()))
			return
		}
		s.handleResolution(id, res)
	}()

	if overCap {
		s.enforceCap(id)
	}
}

// handleResolution applies a segment's evaluation under the session state
// machine. Late results (session already terminated) are discarded.
func (s *Scheduler) handleResolution(id string, res resolve.Resolution) {
	if len(res.Candidates) == 0 {
		return
	}

	s.mu.Lock()
	if s.status != StatusMatching || s.sessionID != id {
		s.mu.Unlock()
		if s.lateCounter != nil {
			s.lateCounter.Add(context.Background(), 1)
		}
		s.recordEvent(id, eventstore.EventLateOutcome, nil)
		return
	}

	if res.Resolved && res.Best.Combined >= s.cfg.ConfidenceThreshold {
		s.terminateLocked(Outcome{
			SessionID:  id,
			Kind:       OutcomeResolved,
			Location:   res.Best.Location,
			Confidence: res.Best.Combined,
			Candidates: resolve.Top(res.Candidates, 3),
		})
		return
	}

	if res.Resolved {
		// Below threshold: keep matching, surface the best partial.
		s.updateBestPartialLocked(id, res.Best)
		return
	}

	// Ambiguous after the sequence layer: escalate once, then give up.
	if s.extender == nil {
		s.terminateLocked(Outcome{
			SessionID:  id,
			Kind:       OutcomeNeedsUserSelection,
			Candidates: resolve.Top(res.Candidates, 3),
		})
		return
	}
	if s.escalated {
		// The single extension attempt owns the terminal decision. A
		// concurrent ambiguous result arriving while it runs is discarded
		// like a late outcome, not allowed to preempt it.
		s.mu.Unlock()
		if s.lateCounter != nil {
			s.lateCounter.Add(context.Background(), 1)
		}
		s.recordEvent(id, eventstore.EventLateOutcome, nil)
		return
	}
	s.escalated = true
	audio := append([]byte(nil), s.accumulated...)
	remainingMS := s.cfg.SessionMaxMS - s.totalMS
	s.mu.Unlock()

	s.recordEvent(id, eventstore.EventEscalated, nil)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.extendAndRetry(id, audio, remainingMS, res.Candidates)
	}()
}

// extendAndRetry is the adaptive listening path: request bounded extra
// audio, concatenate, and re-run the matching layers exactly once.
func (s *Scheduler) extendAndRetry(id string, audio []byte, remainingMS int, prior []resolve.Scored) {
	fallback := func(reason string) {
		s.mu.Lock()
		s.terminateLocked(Outcome{
			SessionID:  id,
			Kind:       OutcomeNeedsUserSelection,
			Candidates: resolve.Top(prior, 3),
			Reason:     reason,
		})
	}

	if remainingMS <= 0 {
		fallback("session duration cap reached")
		return
	}
	maxMS := s.cfg.ExtendMaxMS
	if maxMS > remainingMS {
		maxMS = remainingMS
	}
	minMS := s.cfg.ExtendMinMS
	if minMS > maxMS {
		minMS = maxMS
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(maxMS)*time.Millisecond+s.requestTimeout)
	defer cancel()

	extra, err := s.extender.Extend(ctx, minMS, maxMS)
	if err != nil || len(extra) == 0 {
		if err != nil {
			s.logger.Warn("audio extension failed",
				slog.String("session_id", id),
				slog.String("error", err.Error()))
		}
		fallback("no additional audio available")
		return
	}

	s.mu.Lock()
	if s.status != StatusMatching || s.sessionID != id {
		s.mu.Unlock()
		return
	}
	extraMS := pcmDurationMS(len(extra), s.sampleRate, s.channels)
	s.accumulated = append(s.accumulated, extra...)
	s.totalMS += extraMS
	combined := append(audio, extra...)
	s.mu.Unlock()

	res, err := s.engine.Evaluate(ctx, combined, s.sampleRate, s.channels)
	if err != nil || len(res.Candidates) == 0 {
		if err != nil {
			s.logger.Warn("post-extension classification failed",
				slog.String("session_id", id),
				slog.String("error", err.Error()))
		}
		fallback("classification failed after extension")
		return
	}

	s.mu.Lock()
	if s.status != StatusMatching || s.sessionID != id {
		s.mu.Unlock()
		return
	}
	if res.Resolved && res.Best.Combined >= s.cfg.ConfidenceThreshold {
		s.terminateLocked(Outcome{
			SessionID:  id,
			Kind:       OutcomeResolved,
			Location:   res.Best.Location,
			Confidence: res.Best.Combined,
			Candidates: resolve.Top(res.Candidates, 3),
		})
		return
	}
	// One escalation is the hard limit. Anything short of a confident
	// resolution ends in user selection: the pipeline never loops.
	s.terminateLocked(Outcome{
		SessionID:  id,
		Kind:       OutcomeNeedsUserSelection,
		Candidates: resolve.Top(res.Candidates, 3),
	})
}

// enforceCap forces a terminal outcome once captured audio exceeds the
// session hard cap.
func (s *Scheduler) enforceCap(id string) {
	s.mu.Lock()
	if s.status != StatusMatching || s.sessionID != id {
		s.mu.Unlock()
		return
	}
	if s.bestPartial != nil {
		s.terminateLocked(Outcome{
			SessionID:  id,
			Kind:       OutcomeNeedsUserSelection,
			Candidates: []resolve.Scored{*s.bestPartial},
			Reason:     "session duration cap reached",
		})
		return
	}
	s.terminateLocked(Outcome{
		SessionID: id,
		Kind:      OutcomeFailed,
		Reason:    "session duration cap reached without a match",
	})
}

// updateBestPartialLocked records a below-threshold leader and surfaces it
// through the progress callback. Must be called with mu held; unlocks.
func (s *Scheduler) updateBestPartialLocked(id string, best resolve.Scored) {
	if s.bestPartial == nil || best.Combined > s.bestPartial.Combined {
		copied := best
		s.bestPartial = &copied
	}
	onProgress := s.onProgress
	current := *s.bestPartial
	s.mu.Unlock()

	s.recordEvent(id, eventstore.EventProgress, nil)
	if onProgress != nil {
		onProgress(Progress{
			SessionID:  id,
			Location:   current.Location,
			Confidence: current.Combined,
		})
	}
}

// terminateLocked transitions the session out of Matching and fires the
// terminal callback exactly once. Must be called with mu held; unlocks.
func (s *Scheduler) terminateLocked(out Outcome) {
	if s.status != StatusMatching {
		s.mu.Unlock()
		return
	}
	if out.Kind == OutcomeResolved {
		s.status = StatusResolved
	} else {
		s.status = StatusFailed
	}
	onOutcome := s.onOutcome
	s.mu.Unlock()

	eventType := eventstore.EventFailed
	if out.Kind == OutcomeResolved {
		eventType = eventstore.EventResolved
	}
	s.recordEvent(out.SessionID, eventType, []byte(out.Kind.String()))
	s.logger.Info("session terminated",
		slog.String("session_id", out.SessionID),
		slog.String("outcome", out.Kind.String()))
	if onOutcome != nil {
		onOutcome(out)
	}
}

// EndSession closes the session without a terminal callback: segments and
// outcomes still in flight become late and are discarded on arrival.
func (s *Scheduler) EndSession() {
	s.mu.Lock()
	if s.status != StatusMatching {
		s.mu.Unlock()
		return
	}
	s.status = StatusFailed
	id := s.sessionID
	s.mu.Unlock()

	s.recordEvent(id, eventstore.EventFailed, []byte("ended by caller"))
	s.logger.Info("session ended", slog.String("session_id", id))
}

// Status reports the session state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Pending reports the number of classification requests in flight.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// BestPartial exposes the strongest below-threshold candidate seen so far.
func (s *Scheduler) BestPartial() (resolve.Scored, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bestPartial == nil {
		return resolve.Scored{}, false
	}
	return *s.bestPartial, true
}

// Wait blocks until in-flight work has drained. Intended for shutdown and
// tests.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) recordEvent(sessionID, eventType string, payload []byte) {
	if s.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.events.AppendEvent(ctx, eventstore.Event{
		SessionID: sessionID,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: s.clock().UTC(),
	})
	if err != nil {
		s.logger.Warn("failed to record session event", slog.String("error", err.Error()))
	}
}

func pcmDurationMS(byteLen, sampleRate, channels int) int {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	return byteLen / 2 / channels * 1000 / sampleRate
}
