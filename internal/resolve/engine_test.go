package resolve

import (
	"context"
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/ayahlabs/tilawa-core/internal/adjacency"
	"github.com/ayahlabs/tilawa-core/internal/classify"
	"github.com/ayahlabs/tilawa-core/internal/config"
	"github.com/ayahlabs/tilawa-core/internal/features"
	"github.com/ayahlabs/tilawa-core/internal/quran"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func loc(surah, ayah int) quran.Location {
	return quran.Location{Surah: surah, Ayah: ayah}
}

func testEngine(t *testing.T, source classify.Source, extractor features.Extractor) *Engine {
	t.Helper()
	kb, err := adjacency.Load("")
	if err != nil {
		t.Fatalf("load kb: %v", err)
	}
	cfg := config.Default().Recognition
	return NewEngine(source, extractor, kb, cfg, 10, newLogger())
}

func TestSingleStrongCandidateResolvesWithoutSequenceLayer(t *testing.T) {
	extractorCalled := false
	extractor := extractorFunc(func(context.Context, []byte, int, int) (features.Boundary, error) {
		extractorCalled = true
		return features.Boundary{}, nil
	})
	source := classify.NewMockSource([]classify.Candidate{
		{Location: loc(2, 255), RawScore: 0.93},
	})
	eng := testEngine(t, source, extractor)

	res, err := eng.Evaluate(context.Background(), nil, 16000, 1)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !res.Resolved {
		t.Fatal("expected resolved")
	}
	if res.Best.Location != loc(2, 255) {
		t.Fatalf("unexpected best: %s", res.Best.Location)
	}
	// 0.93*0.40 + 0.5*(0.25+0.15+0.10+0.10)
	want := 0.93*0.40 + 0.5*0.60
	if math.Abs(res.Best.Combined-want) > 1e-9 {
		t.Fatalf("confidence = %v, want %v", res.Best.Combined, want)
	}
	if extractorCalled {
		t.Fatal("sequence layer must not run for an unambiguous set")
	}
	if res.SequenceApplied {
		t.Fatal("sequence must not be marked applied")
	}
}

func TestCloseScoresAreAmbiguousAndInvokeSequenceLayer(t *testing.T) {
	extractorCalled := false
	extractor := extractorFunc(func(context.Context, []byte, int, int) (features.Boundary, error) {
		extractorCalled = true
		return features.Boundary{PauseBefore: true, PauseAfter: true, TrailingTranscript: "khalaqa alinsana min salsalin"}, nil
	})
	source := classify.NewMockSource([]classify.Candidate{
		{Location: loc(55, 13), RawScore: 0.90, KnownRepeated: true},
		{Location: loc(55, 16), RawScore: 0.88, KnownRepeated: true},
	})
	eng := testEngine(t, source, extractor)

	res, err := eng.Evaluate(context.Background(), nil, 16000, 1)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !extractorCalled {
		t.Fatal("ambiguous set must invoke the sequence layer")
	}
	if !res.SequenceApplied {
		t.Fatal("expected sequence layer applied")
	}
	// The trailing onset matches 55:13's expected next verse, so it must
	// pull ahead and resolve despite the raw-score near-tie.
	if !res.Resolved || res.Best.Location != loc(55, 13) {
		t.Fatalf("expected 55:13 resolved, got resolved=%v best=%s", res.Resolved, res.Best.Location)
	}
	if res.Best.SequenceScore != 0.9 { // 0.5 base + 0.15 pause + 0.25 onset
		t.Fatalf("unexpected sequence score %v", res.Best.SequenceScore)
	}
}

func TestOpeningFormulaNeverResolvesAlone(t *testing.T) {
	extractor := extractorFunc(func(context.Context, []byte, int, int) (features.Boundary, error) {
		return features.Boundary{}, nil
	})
	source := classify.NewMockSource([]classify.Candidate{
		{Location: loc(1, 1), RawScore: 0.95, KnownRepeated: true},
	})
	eng := testEngine(t, source, extractor)

	res, err := eng.Evaluate(context.Background(), nil, 16000, 1)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Resolved {
		t.Fatal("the opening formula must never resolve on its own")
	}
}

func TestAmbiguityRuleIsDeterministic(t *testing.T) {
	eng := testEngine(t, classify.NewMockSource(), features.NewMockExtractor(features.Boundary{}))
	list := []Scored{
		{Candidate: classify.Candidate{Location: loc(9, 3), RawScore: 0.8}, Combined: 0.71},
		{Candidate: classify.Candidate{Location: loc(4, 3), RawScore: 0.8}, Combined: 0.69},
	}
	first := eng.Ambiguous(list)
	for i := 0; i < 50; i++ {
		if eng.Ambiguous(list) != first {
			t.Fatal("ambiguity rule must be a pure function of the score list")
		}
	}
	if !first {
		t.Fatal("gap 0.02 < window 0.05 must be ambiguous")
	}
}

func TestSequenceLayerSkipsUnknownLocations(t *testing.T) {
	extractor := features.NewMockExtractor(features.Boundary{PauseBefore: true, PauseAfter: true, TrailingTranscript: "anything"})
	// Neither location has a knowledge-base entry: both keep neutral
	// sequence scores, so the set stays ambiguous.
	source := classify.NewMockSource([]classify.Candidate{
		{Location: loc(12, 4), RawScore: 0.80},
		{Location: loc(40, 11), RawScore: 0.79},
	})
	eng := testEngine(t, source, extractor)

	res, err := eng.Evaluate(context.Background(), nil, 16000, 1)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Resolved {
		t.Fatal("expected still ambiguous")
	}
	for _, c := range res.Candidates {
		if c.SequenceScore != 0.5 {
			t.Fatalf("unknown location must keep neutral sequence score, got %v", c.SequenceScore)
		}
	}
}

func TestExtractorFailureKeepsNeutralScores(t *testing.T) {
	source := classify.NewMockSource([]classify.Candidate{
		{Location: loc(55, 13), RawScore: 0.90},
		{Location: loc(55, 16), RawScore: 0.89},
	})
	eng := testEngine(t, source, features.NewFailingExtractor(context.DeadlineExceeded))

	res, err := eng.Evaluate(context.Background(), nil, 16000, 1)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Resolved {
		t.Fatal("expected ambiguity to survive a failed extraction")
	}
}

func TestSortOrdering(t *testing.T) {
	list := []Scored{
		{Candidate: classify.Candidate{Location: loc(9, 1), RawScore: 0.5}, Combined: 0.6},
		{Candidate: classify.Candidate{Location: loc(1, 1), RawScore: 0.5}, Combined: 0.6},
		{Candidate: classify.Candidate{Location: loc(3, 1), RawScore: 0.7}, Combined: 0.6},
		{Candidate: classify.Candidate{Location: loc(2, 1), RawScore: 0.5}, Combined: 0.8},
	}
	Sort(list)
	want := []quran.Location{loc(2, 1), loc(3, 1), loc(1, 1), loc(9, 1)}
	for i, w := range want {
		if list[i].Location != w {
			t.Fatalf("position %d: got %s, want %s", i, list[i].Location, w)
		}
	}
}

type extractorFunc func(context.Context, []byte, int, int) (features.Boundary, error)

func (f extractorFunc) ExtractBoundary(ctx context.Context, pcm []byte, sampleRate, channels int) (features.Boundary, error) {
	return f(ctx, pcm, sampleRate, channels)
}
