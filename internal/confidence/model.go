// Package confidence blends the pipeline's evidence signals into one
// normalized score. Pure functions only: no I/O, no state, same inputs
// always produce the same score.
package confidence

import "github.com/ayahlabs/tilawa-core/internal/config"

// Neutral is the value a signal takes when its producer supplied nothing.
// With every optional signal neutral, the model degrades to a weighted
// blend of raw and sequence scores.
const Neutral = 0.5

// Weights holds the blend coefficients. All inputs are normalized to
// [0,1] by their producers.
type Weights struct {
	Raw                float64
	Sequence           float64
	DurationFit        float64
	ReciterConsistency float64
	AudioQuality       float64
}

// DefaultWeights returns the working defaults (0.40/0.25/0.15/0.10/0.10).
func DefaultWeights() Weights {
	return Weights{
		Raw:                0.40,
		Sequence:           0.25,
		DurationFit:        0.15,
		ReciterConsistency: 0.10,
		AudioQuality:       0.10,
	}
}

// WeightsFromConfig maps configured weights into the model.
func WeightsFromConfig(cfg config.WeightsConfig) Weights {
	return Weights{
		Raw:                cfg.Raw,
		Sequence:           cfg.Sequence,
		DurationFit:        cfg.DurationFit,
		ReciterConsistency: cfg.ReciterConsistency,
		AudioQuality:       cfg.AudioQuality,
	}
}

// Inputs carries the five evidence signals for one candidate.
type Inputs struct {
	Raw                float64
	Sequence           float64
	DurationFit        float64
	ReciterConsistency float64
	AudioQuality       float64
}

// NeutralInputs returns Inputs with every signal at Neutral. Producers
// overwrite the signals they actually have.
func NeutralInputs() Inputs {
	return Inputs{
		Raw:                Neutral,
		Sequence:           Neutral,
		DurationFit:        Neutral,
		ReciterConsistency: Neutral,
		AudioQuality:       Neutral,
	}
}

// Combine blends the signals and clamps the result to [0,1].
func (w Weights) Combine(in Inputs) float64 {
	score := w.Raw*in.Raw +
		w.Sequence*in.Sequence +
		w.DurationFit*in.DurationFit +
		w.ReciterConsistency*in.ReciterConsistency +
		w.AudioQuality*in.AudioQuality
	return clamp01(score)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
