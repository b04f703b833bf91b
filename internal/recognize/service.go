// Package recognize is the bus-facing recognition surface: it consumes
// capture segment frames, drives a scheduler per session, and publishes
// progress and terminal outcomes.
package recognize

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ayahlabs/tilawa-core/internal/bus"
	"github.com/ayahlabs/tilawa-core/internal/config"
	"github.com/ayahlabs/tilawa-core/internal/eventstore"
	"github.com/ayahlabs/tilawa-core/internal/protocol"
	"github.com/ayahlabs/tilawa-core/internal/resolve"
	"github.com/ayahlabs/tilawa-core/internal/segment"
	"github.com/ayahlabs/tilawa-core/internal/session"
	"github.com/nats-io/nats.go"
)

// terminatedHistory bounds how many terminated session ids are remembered
// to reject frames still in flight on the bus.
const terminatedHistory = 1024

// Service owns one scheduler per active session, keyed by the session id
// the capture side chose. Sessions are created lazily on the first frame
// and removed once a terminal outcome has been published.
type Service struct {
	cfg    config.RecognitionConfig
	engine session.Evaluator
	store  *segment.Store
	events *eventstore.Store
	bus    *bus.Client
	log    *slog.Logger

	requestTimeout time.Duration

	mu        sync.Mutex
	sessions  map[string]*activeSession
	done      map[string]struct{}
	doneOrder []string
	subs      []*nats.Subscription
}

type activeSession struct {
	sched     *session.Scheduler
	extension chan []byte
	seen      map[string]struct{}
	sealed    bool
}

func NewService(cfg config.RecognitionConfig, engine session.Evaluator, events *eventstore.Store, busClient *bus.Client, log *slog.Logger) *Service {
	return &Service{
		cfg:      cfg,
		engine:   engine,
		store:    segment.NewStore(),
		events:   events,
		bus:      busClient,
		log:      log.With(slog.String("component", "recognize-service")),
		sessions: make(map[string]*activeSession),
		done:     make(map[string]struct{}),
	}
}

// SetRequestTimeout bounds each classification call for sessions created
// after this point.
func (s *Service) SetRequestTimeout(d time.Duration) {
	if d > 0 {
		s.requestTimeout = d
	}
}

// Start subscribes to the capture subjects. Frames start flowing into the
// schedulers as soon as this returns.
func (s *Service) Start() error {
	sub, err := bus.SubscribeJSON(s.bus, protocol.SubjectSegmentPrefix+".>", s.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe segments: %w", err)
	}
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
	return nil
}

// Close drains subscriptions and waits for in-flight classifications.
func (s *Service) Close() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	actives := make([]*activeSession, 0, len(s.sessions))
	for _, a := range s.sessions {
		actives = append(actives, a)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Drain()
	}
	for _, a := range actives {
		a.sched.EndSession()
		a.sched.Wait()
	}
}

// Healthy reports whether the bus connection is usable.
func (s *Service) Healthy() bool {
	return s.bus.Healthy()
}

// ActiveSessions reports how many sessions are currently matching.
func (s *Service) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Service) handleFrame(frame protocol.SegmentFrame) {
	if frame.SessionID == "" || len(frame.PCM) == 0 {
		return
	}

	a := s.sessionFor(frame)
	if a == nil {
		return
	}

	if frame.Extension {
		// Extension audio answers a pending extend request instead of
		// entering the scheduler as a fresh segment.
		select {
		case a.extension <- frame.PCM:
		default:
			s.log.Warn("unsolicited extension frame dropped",
				slog.String("session_id", frame.SessionID))
		}
		return
	}

	s.mu.Lock()
	if a.sealed {
		s.mu.Unlock()
		return
	}
	if _, dup := a.seen[frame.SegmentID]; dup {
		s.mu.Unlock()
		return
	}
	a.seen[frame.SegmentID] = struct{}{}
	if frame.Final {
		a.sealed = true
	}
	s.mu.Unlock()

	a.sched.Submit(segment.Segment{
		ID:            frame.SegmentID,
		Handle:        s.store.Put(frame.PCM),
		DurationMS:    frame.DurationMS,
		SequenceIndex: frame.SequenceIndex,
		StartOffsetMS: frame.StartOffsetMS,
		Format:        segment.FormatPCM16,
	})

	if frame.Final {
		go s.settleSealed(frame.SessionID, a)
	}
}

// settleSealed drives a session whose capture has ended to a terminal
// outcome. The final segment may still resolve the session on its own; if
// it does not, the session settles on its best partial or fails.
func (s *Service) settleSealed(sessionID string, a *activeSession) {
	a.sched.Wait()

	s.mu.Lock()
	_, active := s.sessions[sessionID]
	s.mu.Unlock()
	if !active {
		return
	}

	out := session.Outcome{
		Kind:   session.OutcomeFailed,
		Reason: "capture ended without a match",
	}
	if best, ok := a.sched.BestPartial(); ok {
		out = session.Outcome{
			Kind:       session.OutcomeNeedsUserSelection,
			Confidence: best.Combined,
			Candidates: []resolve.Scored{best},
			Reason:     "capture ended below the confidence threshold",
		}
	}
	a.sched.EndSession()
	s.publishOutcome(sessionID, out)
}

// sessionFor returns the active session for a frame, creating it on first
// contact. Frames for already-terminated sessions return nil.
func (s *Service) sessionFor(frame protocol.SegmentFrame) *activeSession {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.sessions[frame.SessionID]; ok {
		return a
	}
	if _, terminated := s.done[frame.SessionID]; terminated {
		// Redelivered or straggling frames must not reopen the session
		// and publish a second terminal outcome.
		return nil
	}
	if frame.Extension {
		// Never open a session from extension audio alone.
		return nil
	}

	a := &activeSession{
		extension: make(chan []byte, 1),
		seen:      make(map[string]struct{}),
	}
	sampleRate := frame.SampleRate
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	channels := frame.Channels
	if channels <= 0 {
		channels = 1
	}

	externalID := frame.SessionID
	a.sched = session.NewScheduler(s.cfg, s.engine, s.store, s.events, s.extenderFor(externalID, a), sampleRate, channels, s.log)
	a.sched.SetRequestTimeout(s.requestTimeout)
	a.sched.StartSession(
		func(out session.Outcome) { s.publishOutcome(externalID, out) },
		func(p session.Progress) { s.publishProgress(externalID, p) },
	)
	s.sessions[externalID] = a

	if s.events != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := s.events.AppendSession(ctx, externalID, ""); err != nil {
			s.log.Warn("failed to record session", slog.String("error", err.Error()))
		}
		cancel()
	}
	return a
}

// extenderFor publishes an extend request for the session and waits for the
// capture side to answer with an extension frame.
func (s *Service) extenderFor(sessionID string, a *activeSession) session.Extender {
	return session.ExtendFunc(func(ctx context.Context, minMS, maxMS int) ([]byte, error) {
		req := protocol.ExtendRequest{
			SessionID: sessionID,
			MinMS:     minMS,
			MaxMS:     maxMS,
			Timestamp: time.Now().UTC(),
		}
		subject := fmt.Sprintf("%s.%s", protocol.SubjectExtendPrefix, sessionID)
		if err := s.bus.PublishJSON(subject, req); err != nil {
			return nil, fmt.Errorf("publish extend request: %w", err)
		}
		select {
		case pcm := <-a.extension:
			return pcm, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}

func (s *Service) publishOutcome(sessionID string, out session.Outcome) {
	msg := protocol.OutcomeMessage{
		SessionID:  sessionID,
		Kind:       out.Kind.String(),
		Confidence: out.Confidence,
		Candidates: out.Candidates,
		Reason:     out.Reason,
		Timestamp:  time.Now().UTC(),
	}
	if out.Kind == session.OutcomeResolved {
		loc := out.Location
		msg.Location = &loc
	}
	if err := s.bus.PublishJSON(protocol.SubjectOutcome, msg); err != nil {
		s.log.Warn("failed to publish outcome",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
	}

	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.markTerminatedLocked(sessionID)
	s.mu.Unlock()
}

// markTerminatedLocked records a terminated session id, evicting the
// oldest entry once the history bound is reached. Caller holds mu.
func (s *Service) markTerminatedLocked(sessionID string) {
	if _, ok := s.done[sessionID]; ok {
		return
	}
	s.done[sessionID] = struct{}{}
	s.doneOrder = append(s.doneOrder, sessionID)
	if len(s.doneOrder) > terminatedHistory {
		delete(s.done, s.doneOrder[0])
		s.doneOrder = s.doneOrder[1:]
	}
}

func (s *Service) publishProgress(sessionID string, p session.Progress) {
	msg := protocol.ProgressMessage{
		SessionID:  sessionID,
		Location:   p.Location,
		Confidence: p.Confidence,
		Timestamp:  time.Now().UTC(),
	}
	if err := s.bus.PublishJSON(protocol.SubjectProgress, msg); err != nil {
		s.log.Warn("failed to publish progress",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
	}
}
