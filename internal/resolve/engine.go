// Package resolve implements the matching layers: single-shot scoring of
// classifier candidates and sequence-aware re-scoring of ties using
// boundary evidence against the adjacency knowledge base.
package resolve

import (
	"context"
	"log/slog"

	"github.com/antzucaro/matchr"
	"github.com/ayahlabs/tilawa-core/internal/adjacency"
	"github.com/ayahlabs/tilawa-core/internal/classify"
	"github.com/ayahlabs/tilawa-core/internal/confidence"
	"github.com/ayahlabs/tilawa-core/internal/config"
	"github.com/ayahlabs/tilawa-core/internal/features"
)

// Sequence score contributions. Base applies to every ambiguous candidate
// with a knowledge-base entry; the bonuses reward matching pause structure
// and a trailing onset that matches the candidate's expected next verse.
const (
	sequenceBase    = 0.5
	pauseMatchBonus = 0.15
	onsetMatchBonus = 0.25
)

// Resolution is the engine's verdict for one audio window.
type Resolution struct {
	// Resolved is true when exactly one candidate leads by a safe margin.
	Resolved bool
	// Best is the leading candidate (zero value when Candidates is empty).
	Best Scored
	// Candidates is the full scored ranking, best first.
	Candidates []Scored
	// SequenceApplied is true when the sequence layer re-scored the set.
	SequenceApplied bool
}

// Engine runs the classification and sequence layers over an audio window.
type Engine struct {
	source    classify.Source
	extractor features.Extractor
	kb        *adjacency.KB
	weights   confidence.Weights
	cfg       config.RecognitionConfig
	topK      int
	logger    *slog.Logger
}

func NewEngine(source classify.Source, extractor features.Extractor, kb *adjacency.KB, cfg config.RecognitionConfig, topK int, logger *slog.Logger) *Engine {
	if topK <= 0 {
		topK = classify.DefaultTopK
	}
	return &Engine{
		source:    source,
		extractor: extractor,
		kb:        kb,
		weights:   confidence.WeightsFromConfig(cfg.Weights),
		cfg:       cfg,
		topK:      topK,
		logger:    logger.With(slog.String("component", "resolve-engine")),
	}
}

// Ambiguous applies the tie rule to a sorted candidate list: the set is
// ambiguous when a second candidate sits within the configured window of
// the top score. A top candidate that is the opening formula is ambiguous
// unconditionally; it is never an answer on its own.
func (e *Engine) Ambiguous(list []Scored) bool {
	if len(list) == 0 {
		return false
	}
	if list[0].Location.IsOpeningFormula() {
		return true
	}
	if len(list) == 1 {
		return false
	}
	return list[0].Combined-list[1].Combined < e.cfg.AmbiguityWindow
}

// Evaluate runs Layer 1 (classify + confidence blend) and, when the result
// is ambiguous, Layer 2 (sequence re-scoring) over the audio window.
func (e *Engine) Evaluate(ctx context.Context, pcm []byte, sampleRate, channels int) (Resolution, error) {
	raw, err := e.source.Classify(ctx, pcm, sampleRate, channels)
	if err != nil {
		return Resolution{}, err
	}
	cands, err := classify.Normalize(raw, e.topK)
	if err != nil {
		return Resolution{}, err
	}
	if len(cands) == 0 {
		return Resolution{}, nil
	}

	scored := make([]Scored, 0, len(cands))
	for _, c := range cands {
		in := confidence.NeutralInputs()
		in.Raw = c.RawScore
		scored = append(scored, Scored{
			Candidate:     c,
			SequenceScore: confidence.Neutral,
			Combined:      e.weights.Combine(in),
		})
	}
	Sort(scored)

	if !e.Ambiguous(scored) {
		return Resolution{Resolved: true, Best: scored[0], Candidates: scored}, nil
	}

	resolved := e.applySequence(ctx, scored, pcm, sampleRate, channels)
	res := Resolution{
		Best:            resolved[0],
		Candidates:      resolved,
		SequenceApplied: true,
	}
	res.Resolved = !e.Ambiguous(resolved)
	return res, nil
}

// applySequence re-scores the ambiguous set using boundary evidence.
// Candidates without a knowledge-base entry are not known repeated
// locations and keep their neutral sequence score.
func (e *Engine) applySequence(ctx context.Context, scored []Scored, pcm []byte, sampleRate, channels int) []Scored {
	boundary, err := e.extractor.ExtractBoundary(ctx, pcm, sampleRate, channels)
	if err != nil {
		e.logger.Warn("boundary extraction failed, keeping neutral sequence scores",
			slog.String("error", err.Error()))
		return scored
	}

	out := make([]Scored, len(scored))
	copy(out, scored)
	for i, c := range out {
		exp, ok := e.kb.ExpectationsFor(c.Location)
		if !ok {
			continue
		}
		seq := sequenceBase
		if boundary.PauseBefore == exp.ExpectsPauseBefore && boundary.PauseAfter == exp.ExpectsPauseAfter {
			seq += pauseMatchBonus
		}
		if e.onsetMatches(boundary.TrailingTranscript, exp.NextOnsetText) {
			seq += onsetMatchBonus
		}
		in := confidence.NeutralInputs()
		in.Raw = c.RawScore
		in.Sequence = seq
		out[i].SequenceScore = seq
		out[i].Combined = e.weights.Combine(in)
	}
	Sort(out)
	return out
}

func (e *Engine) onsetMatches(trailing, expected string) bool {
	if trailing == "" || expected == "" {
		return false
	}
	return matchr.JaroWinkler(trailing, expected, false) >= e.cfg.OnsetMatchThreshold
}
