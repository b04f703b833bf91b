package capture

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/ayahlabs/tilawa-core/internal/bus"
	"github.com/ayahlabs/tilawa-core/internal/protocol"
	"github.com/ayahlabs/tilawa-core/internal/segment"
	"github.com/nats-io/nats.go"
)

// Publisher runs local continuous capture and streams segment frames onto
// the bus under one recognition session. When an extend request for that
// session arrives, the next emitted segment is flagged as extension audio
// instead of a fresh segment.
type Publisher struct {
	cfg        segmentFormat
	controller *Controller
	store      *segment.Store
	bus        *bus.Client
	log        *slog.Logger
	deviceID   string
	sessionID  string

	extendPending atomic.Bool
	stopped       atomic.Bool
	extendSub     *nats.Subscription
	outcomeSub    *nats.Subscription
}

type segmentFormat struct {
	sampleRate int
	channels   int
	intervalMS int
}

func NewPublisher(controller *Controller, store *segment.Store, busClient *bus.Client, deviceID string, sampleRate, channels, intervalMS int, log *slog.Logger) *Publisher {
	return &Publisher{
		cfg:        segmentFormat{sampleRate: sampleRate, channels: channels, intervalMS: intervalMS},
		controller: controller,
		store:      store,
		bus:        busClient,
		log:        log.With(slog.String("component", "capture-publisher")),
		deviceID:   deviceID,
		sessionID:  segment.NewID(),
	}
}

// SessionID is the recognition session this publisher streams into.
func (p *Publisher) SessionID() string {
	return p.sessionID
}

// Start configures the controller for continuous capture and begins
// streaming. The publisher also watches the outcome subject so that a
// terminal outcome for its session stops the stream instead of feeding a
// decided session forever.
func (p *Publisher) Start() error {
	subject := fmt.Sprintf("%s.%s", protocol.SubjectExtendPrefix, p.sessionID)
	extendSub, err := bus.SubscribeJSON(p.bus, subject, func(protocol.ExtendRequest) {
		p.extendPending.Store(true)
	})
	if err != nil {
		return fmt.Errorf("subscribe extend requests: %w", err)
	}
	p.extendSub = extendSub

	outcomeSub, err := bus.SubscribeJSON(p.bus, protocol.SubjectOutcome, func(m protocol.OutcomeMessage) {
		if m.SessionID != p.sessionID {
			return
		}
		p.log.Info("session terminated, stopping capture",
			slog.String("session_id", p.sessionID),
			slog.String("outcome", m.Kind))
		p.halt(false)
	})
	if err != nil {
		_ = extendSub.Drain()
		return fmt.Errorf("subscribe outcomes: %w", err)
	}
	p.outcomeSub = outcomeSub

	if err := p.controller.Configure(p.cfg.intervalMS, true, p.publish, p.reportError); err != nil {
		p.drainSubs()
		return err
	}
	if err := p.controller.Start(); err != nil {
		p.drainSubs()
		return err
	}
	p.log.Info("capture streaming started",
		slog.String("session_id", p.sessionID),
		slog.String("device_id", p.deviceID))
	return nil
}

// Close stops capture and publishes the final in-flight segment, if any.
func (p *Publisher) Close() {
	p.halt(true)
}

// Stopped reports whether the publisher has stopped streaming.
func (p *Publisher) Stopped() bool {
	return p.stopped.Load()
}

// halt stops capture exactly once. The final harvest goes on the bus only
// while the session is still undecided; after a terminal outcome the
// leftover audio is discarded.
func (p *Publisher) halt(publishFinal bool) {
	if p.stopped.Swap(true) {
		return
	}
	seg, err := p.controller.Stop()
	if err != nil {
		p.log.Warn("final capture harvest failed", slog.String("error", err.Error()))
	} else if seg != nil {
		if publishFinal {
			p.publishFrame(*seg, true)
		} else {
			p.store.Discard(seg.Handle)
		}
	}
	p.drainSubs()
}

func (p *Publisher) drainSubs() {
	if p.extendSub != nil {
		_ = p.extendSub.Drain()
	}
	if p.outcomeSub != nil {
		_ = p.outcomeSub.Drain()
	}
}

func (p *Publisher) publish(seg segment.Segment) {
	p.publishFrame(seg, false)
}

func (p *Publisher) publishFrame(seg segment.Segment, final bool) {
	pcm, err := p.store.Take(seg.Handle)
	if err != nil {
		p.log.Warn("segment payload missing", slog.String("segment_id", seg.ID))
		return
	}
	frame := protocol.SegmentFrame{
		SessionID:     p.sessionID,
		SegmentID:     seg.ID,
		SequenceIndex: seg.SequenceIndex,
		StartOffsetMS: seg.StartOffsetMS,
		DurationMS:    seg.DurationMS,
		SampleRate:    p.cfg.sampleRate,
		Channels:      p.cfg.channels,
		PCM:           pcm,
		Extension:     p.extendPending.Swap(false),
		Final:         final,
	}
	subject := fmt.Sprintf("%s.%s", protocol.SubjectSegmentPrefix, p.deviceID)
	if err := p.bus.PublishJSON(subject, frame); err != nil {
		p.log.Warn("failed to publish segment frame",
			slog.String("segment_id", seg.ID),
			slog.String("error", err.Error()))
	}
}

func (p *Publisher) reportError(err error) {
	p.log.Warn("capture pipeline error", slog.String("error", err.Error()))
}
