// Package classify defines the boundary to the external verse
// classification capability. Implementations return ranked candidate
// locations for an audio segment; everything past validation and ranking
// is somebody else's model.
package classify

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/ayahlabs/tilawa-core/internal/quran"
)

// ErrUnavailable indicates the classification backend cannot serve calls
// right now. A single unavailable call drops the segment, not the session.
var ErrUnavailable = errors.New("classify: backend unavailable")

// DefaultTopK caps the ranked candidate list exchanged with the pipeline.
const DefaultTopK = 10

// Candidate is one scored location from the classifier. Never mutated
// after construction.
type Candidate struct {
	Location      quran.Location `json:"location"`
	RawScore      float64        `json:"raw_score"`
	KnownRepeated bool           `json:"known_repeated"`
}

// Source abstracts the verse classification backend.
type Source interface {
	Classify(ctx context.Context, pcm []byte, sampleRate, channels int) ([]Candidate, error)
}

// Normalize validates a raw candidate list at the collaborator boundary,
// sorts it by raw score descending (location ascending on ties, for
// determinism) and caps it at topK.
func Normalize(cands []Candidate, topK int) ([]Candidate, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}
	for _, c := range cands {
		if !c.Location.Valid() {
			return nil, fmt.Errorf("classify: invalid location %s", c.Location)
		}
		if c.RawScore < 0 || c.RawScore > 1 {
			return nil, fmt.Errorf("classify: raw score %v out of range for %s", c.RawScore, c.Location)
		}
	}
	out := append([]Candidate(nil), cands...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].RawScore != out[j].RawScore {
			return out[i].RawScore > out[j].RawScore
		}
		return out[i].Location.Less(out[j].Location)
	})
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}
