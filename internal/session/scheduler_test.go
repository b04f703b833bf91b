package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ayahlabs/tilawa-core/internal/classify"
	"github.com/ayahlabs/tilawa-core/internal/config"
	"github.com/ayahlabs/tilawa-core/internal/quran"
	"github.com/ayahlabs/tilawa-core/internal/resolve"
	"github.com/ayahlabs/tilawa-core/internal/segment"
)

type evalFunc func(ctx context.Context, pcm []byte, sampleRate, channels int) (resolve.Resolution, error)

func (f evalFunc) Evaluate(ctx context.Context, pcm []byte, sampleRate, channels int) (resolve.Resolution, error) {
	return f(ctx, pcm, sampleRate, channels)
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testRecCfg() config.RecognitionConfig {
	return config.RecognitionConfig{
		MaxConcurrentRequests: 2,
		ConfidenceThreshold:   0.5,
		AmbiguityWindow:       0.05,
		OnsetMatchThreshold:   0.8,
		ExtendMinMS:           100,
		ExtendMaxMS:           500,
		SessionMaxMS:          15000,
	}
}

func scored(surah, ayah int, combined float64) resolve.Scored {
	return resolve.Scored{
		Candidate: classify.Candidate{
			Location: quran.Location{Surah: surah, Ayah: ayah},
			RawScore: combined,
		},
		Combined: combined,
	}
}

func resolvedAt(surah, ayah int, combined float64) resolve.Resolution {
	best := scored(surah, ayah, combined)
	return resolve.Resolution{Resolved: true, Best: best, Candidates: []resolve.Scored{best}}
}

func ambiguousPair() resolve.Resolution {
	return resolve.Resolution{
		Resolved:        false,
		Candidates:      []resolve.Scored{scored(55, 13, 0.72), scored(55, 16, 0.70)},
		SequenceApplied: true,
	}
}

func makeSegment(t *testing.T, store *segment.Store, durationMS int) segment.Segment {
	t.Helper()
	pcm := make([]byte, 16000*durationMS/1000*2)
	return segment.Segment{
		ID:         segment.NewID(),
		Handle:     store.Put(pcm),
		DurationMS: durationMS,
		Format:     segment.FormatPCM16,
	}
}

func TestResolvedAboveThresholdFiresTerminalCallback(t *testing.T) {
	store := segment.NewStore()
	engine := evalFunc(func(context.Context, []byte, int, int) (resolve.Resolution, error) {
		return resolvedAt(2, 255, 0.93), nil
	})
	s := NewScheduler(testRecCfg(), engine, store, nil, nil, 16000, 1, newLogger())

	outcomes := make(chan Outcome, 4)
	id := s.StartSession(func(o Outcome) { outcomes <- o }, nil)

	s.Submit(makeSegment(t, store, 2000))
	s.Wait()

	select {
	case out := <-outcomes:
		if out.Kind != OutcomeResolved {
			t.Fatalf("expected resolved outcome, got %s", out.Kind)
		}
		if out.SessionID != id {
			t.Fatalf("outcome for wrong session: %s", out.SessionID)
		}
		if out.Location != (quran.Location{Surah: 2, Ayah: 255}) {
			t.Fatalf("unexpected location %s", out.Location)
		}
		if out.Confidence != 0.93 {
			t.Fatalf("unexpected confidence %f", out.Confidence)
		}
	default:
		t.Fatal("no terminal outcome delivered")
	}
	if s.Status() != StatusResolved {
		t.Fatalf("expected resolved status, got %s", s.Status())
	}
	if store.Len() != 0 {
		t.Fatalf("segment payloads must be reclaimed, %d live", store.Len())
	}
}

func TestTerminalCallbackFiresAtMostOnce(t *testing.T) {
	store := segment.NewStore()
	engine := evalFunc(func(context.Context, []byte, int, int) (resolve.Resolution, error) {
		return resolvedAt(2, 255, 0.9), nil
	})
	s := NewScheduler(testRecCfg(), engine, store, nil, nil, 16000, 1, newLogger())

	var calls atomic.Int64
	s.StartSession(func(Outcome) { calls.Add(1) }, nil)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		seg := makeSegment(t, store, 1000)
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Submit(seg)
		}()
	}
	wg.Wait()
	s.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("terminal callback fired %d times, want exactly 1", got)
	}
}

func TestBackpressureDropsExcessSegments(t *testing.T) {
	store := segment.NewStore()
	started := make(chan struct{})
	release := make(chan struct{})
	engine := evalFunc(func(context.Context, []byte, int, int) (resolve.Resolution, error) {
		close(started)
		<-release
		return resolvedAt(2, 255, 0.9), nil
	})
	cfg := testRecCfg()
	cfg.MaxConcurrentRequests = 1
	s := NewScheduler(cfg, engine, store, nil, nil, 16000, 1, newLogger())

	var calls atomic.Int64
	s.StartSession(func(Outcome) { calls.Add(1) }, nil)

	s.Submit(makeSegment(t, store, 1000))
	<-started

	// These exceed the in-flight bound and must be shed, not queued.
	s.Submit(makeSegment(t, store, 1000))
	s.Submit(makeSegment(t, store, 1000))

	if got := s.Pending(); got != 1 {
		t.Fatalf("pending must stay at the bound, got %d", got)
	}
	if store.Len() != 0 {
		t.Fatalf("dropped segments must release their payloads, %d live", store.Len())
	}

	close(release)
	s.Wait()
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected one terminal callback, got %d", got)
	}
}

func TestLateOutcomeDiscardedAfterEndSession(t *testing.T) {
	store := segment.NewStore()
	started := make(chan struct{})
	release := make(chan struct{})
	engine := evalFunc(func(context.Context, []byte, int, int) (resolve.Resolution, error) {
		close(started)
		<-release
		return resolvedAt(2, 255, 0.95), nil
	})
	s := NewScheduler(testRecCfg(), engine, store, nil, nil, 16000, 1, newLogger())

	var calls atomic.Int64
	s.StartSession(func(Outcome) { calls.Add(1) }, nil)

	s.Submit(makeSegment(t, store, 1000))
	<-started
	s.EndSession()
	close(release)
	s.Wait()

	if got := calls.Load(); got != 0 {
		t.Fatalf("session ended by caller must fire no callback, got %d", got)
	}
	if s.Status() != StatusFailed {
		t.Fatalf("expected failed status after EndSession, got %s", s.Status())
	}
}

func TestAmbiguityWithoutExtenderNeedsUserSelection(t *testing.T) {
	store := segment.NewStore()
	engine := evalFunc(func(context.Context, []byte, int, int) (resolve.Resolution, error) {
		return ambiguousPair(), nil
	})
	s := NewScheduler(testRecCfg(), engine, store, nil, nil, 16000, 1, newLogger())

	outcomes := make(chan Outcome, 1)
	s.StartSession(func(o Outcome) { outcomes <- o }, nil)
	s.Submit(makeSegment(t, store, 2000))
	s.Wait()

	select {
	case out := <-outcomes:
		if out.Kind != OutcomeNeedsUserSelection {
			t.Fatalf("expected user selection, got %s", out.Kind)
		}
		if len(out.Candidates) != 2 {
			t.Fatalf("expected both candidates surfaced, got %d", len(out.Candidates))
		}
	default:
		t.Fatal("no terminal outcome delivered")
	}
}

func TestEscalationResolvesAfterExtension(t *testing.T) {
	store := segment.NewStore()
	var evals atomic.Int64
	var firstLen, secondLen atomic.Int64
	engine := evalFunc(func(_ context.Context, pcm []byte, _, _ int) (resolve.Resolution, error) {
		switch evals.Add(1) {
		case 1:
			firstLen.Store(int64(len(pcm)))
			return ambiguousPair(), nil
		default:
			secondLen.Store(int64(len(pcm)))
			return resolvedAt(55, 13, 0.88), nil
		}
	})
	extender := ExtendFunc(func(_ context.Context, minMS, maxMS int) ([]byte, error) {
		if minMS > maxMS {
			t.Errorf("extend window inverted: min %d > max %d", minMS, maxMS)
		}
		return make([]byte, 16000*maxMS/1000*2), nil
	})
	s := NewScheduler(testRecCfg(), engine, store, nil, extender, 16000, 1, newLogger())

	outcomes := make(chan Outcome, 1)
	s.StartSession(func(o Outcome) { outcomes <- o }, nil)
	s.Submit(makeSegment(t, store, 2000))
	s.Wait()

	select {
	case out := <-outcomes:
		if out.Kind != OutcomeResolved {
			t.Fatalf("expected resolved after extension, got %s", out.Kind)
		}
		if out.Location != (quran.Location{Surah: 55, Ayah: 13}) {
			t.Fatalf("unexpected location %s", out.Location)
		}
	default:
		t.Fatal("no terminal outcome delivered")
	}
	if got := evals.Load(); got != 2 {
		t.Fatalf("expected exactly 2 evaluations, got %d", got)
	}
	if secondLen.Load() <= firstLen.Load() {
		t.Fatalf("re-evaluation must see extended audio: first %d, second %d",
			firstLen.Load(), secondLen.Load())
	}
}

func TestEscalationNeverLoops(t *testing.T) {
	store := segment.NewStore()
	var evals atomic.Int64
	engine := evalFunc(func(context.Context, []byte, int, int) (resolve.Resolution, error) {
		evals.Add(1)
		return ambiguousPair(), nil
	})
	extender := ExtendFunc(func(_ context.Context, _, maxMS int) ([]byte, error) {
		return make([]byte, 16000*maxMS/1000*2), nil
	})
	s := NewScheduler(testRecCfg(), engine, store, nil, extender, 16000, 1, newLogger())

	outcomes := make(chan Outcome, 1)
	s.StartSession(func(o Outcome) { outcomes <- o }, nil)
	s.Submit(makeSegment(t, store, 2000))
	s.Wait()

	select {
	case out := <-outcomes:
		if out.Kind != OutcomeNeedsUserSelection {
			t.Fatalf("still ambiguous after one extension must end in user selection, got %s", out.Kind)
		}
	default:
		t.Fatal("no terminal outcome delivered")
	}
	if got := evals.Load(); got != 2 {
		t.Fatalf("one escalation is the limit, got %d evaluations", got)
	}
}

func TestConcurrentAmbiguityDoesNotPreemptExtension(t *testing.T) {
	store := segment.NewStore()
	var evals atomic.Int64
	extensionStarted := make(chan struct{})
	releaseExtension := make(chan struct{})
	engine := evalFunc(func(context.Context, []byte, int, int) (resolve.Resolution, error) {
		switch evals.Add(1) {
		case 1, 2:
			return ambiguousPair(), nil
		default:
			return resolvedAt(55, 13, 0.9), nil
		}
	})
	extender := ExtendFunc(func(_ context.Context, _, maxMS int) ([]byte, error) {
		close(extensionStarted)
		<-releaseExtension
		return make([]byte, 16000*maxMS/1000*2), nil
	})
	s := NewScheduler(testRecCfg(), engine, store, nil, extender, 16000, 1, newLogger())

	outcomes := make(chan Outcome, 4)
	s.StartSession(func(o Outcome) { outcomes <- o }, nil)

	s.Submit(makeSegment(t, store, 2000))
	<-extensionStarted

	// A second ambiguous result while the extension is pending must be
	// discarded, not turned into a premature user-selection outcome.
	s.Submit(makeSegment(t, store, 2000))
	deadline := time.After(2 * time.Second)
	for evals.Load() < 2 || s.Pending() != 0 {
		select {
		case <-deadline:
			t.Fatal("second evaluation did not finish")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if s.Status() != StatusMatching {
		t.Fatalf("concurrent ambiguity preempted the pending extension, status %s", s.Status())
	}

	close(releaseExtension)
	s.Wait()

	select {
	case out := <-outcomes:
		if out.Kind != OutcomeResolved {
			t.Fatalf("extension result must decide the session, got %s", out.Kind)
		}
		if out.Location != (quran.Location{Surah: 55, Ayah: 13}) {
			t.Fatalf("unexpected location %s", out.Location)
		}
	default:
		t.Fatal("no terminal outcome delivered")
	}
	if len(outcomes) != 0 {
		t.Fatalf("expected exactly one terminal outcome, %d extra", len(outcomes))
	}
	if got := evals.Load(); got != 3 {
		t.Fatalf("expected 3 evaluations, got %d", got)
	}
}

func TestExtenderFailureFallsBackToUserSelection(t *testing.T) {
	store := segment.NewStore()
	engine := evalFunc(func(context.Context, []byte, int, int) (resolve.Resolution, error) {
		return ambiguousPair(), nil
	})
	extender := ExtendFunc(func(context.Context, int, int) ([]byte, error) {
		return nil, errors.New("device went away")
	})
	s := NewScheduler(testRecCfg(), engine, store, nil, extender, 16000, 1, newLogger())

	outcomes := make(chan Outcome, 1)
	s.StartSession(func(o Outcome) { outcomes <- o }, nil)
	s.Submit(makeSegment(t, store, 2000))
	s.Wait()

	select {
	case out := <-outcomes:
		if out.Kind != OutcomeNeedsUserSelection {
			t.Fatalf("expected user selection fallback, got %s", out.Kind)
		}
		if out.Reason == "" {
			t.Fatal("fallback outcome must carry a reason")
		}
	default:
		t.Fatal("no terminal outcome delivered")
	}
}

func TestHardCapForcesTermination(t *testing.T) {
	store := segment.NewStore()
	release := make(chan struct{})
	engine := evalFunc(func(context.Context, []byte, int, int) (resolve.Resolution, error) {
		<-release
		return resolvedAt(2, 255, 0.95), nil
	})
	cfg := testRecCfg()
	cfg.SessionMaxMS = 1000
	s := NewScheduler(cfg, engine, store, nil, nil, 16000, 1, newLogger())

	outcomes := make(chan Outcome, 1)
	s.StartSession(func(o Outcome) { outcomes <- o }, nil)
	s.Submit(makeSegment(t, store, 2000))

	select {
	case out := <-outcomes:
		if out.Kind != OutcomeFailed {
			t.Fatalf("cap without a partial match must fail, got %s", out.Kind)
		}
		if out.Reason == "" {
			t.Fatal("cap outcome must carry a reason")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cap enforcement did not terminate the session")
	}

	close(release)
	s.Wait()
	if s.Status() != StatusFailed {
		t.Fatalf("expected failed status, got %s", s.Status())
	}
}

func TestBelowThresholdSurfacesProgress(t *testing.T) {
	store := segment.NewStore()
	engine := evalFunc(func(context.Context, []byte, int, int) (resolve.Resolution, error) {
		return resolvedAt(36, 1, 0.42), nil
	})
	s := NewScheduler(testRecCfg(), engine, store, nil, nil, 16000, 1, newLogger())

	var calls atomic.Int64
	progress := make(chan Progress, 1)
	s.StartSession(func(Outcome) { calls.Add(1) }, func(p Progress) { progress <- p })
	s.Submit(makeSegment(t, store, 2000))
	s.Wait()

	select {
	case p := <-progress:
		if p.Location != (quran.Location{Surah: 36, Ayah: 1}) {
			t.Fatalf("unexpected progress location %s", p.Location)
		}
		if p.Confidence != 0.42 {
			t.Fatalf("unexpected progress confidence %f", p.Confidence)
		}
	default:
		t.Fatal("no progress update delivered")
	}
	if got := calls.Load(); got != 0 {
		t.Fatalf("below-threshold match must not terminate, got %d callbacks", got)
	}
	if s.Status() != StatusMatching {
		t.Fatalf("session must keep matching, got %s", s.Status())
	}
	if best, ok := s.BestPartial(); !ok || best.Combined != 0.42 {
		t.Fatalf("best partial not recorded: %+v ok=%v", best, ok)
	}

	s.EndSession()
	if got := calls.Load(); got != 0 {
		t.Fatalf("EndSession must fire no callback, got %d", got)
	}
}
