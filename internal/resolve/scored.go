package resolve

import (
	"sort"

	"github.com/ayahlabs/tilawa-core/internal/classify"
)

// Scored is a candidate carrying the sequence evidence and the blended
// confidence computed for it.
type Scored struct {
	classify.Candidate
	SequenceScore float64 `json:"sequence_score"`
	Combined      float64 `json:"combined_score"`
}

// Sort orders candidates by combined score descending; ties break by raw
// score descending, then by lowest location. The ordering is total, so a
// fixed input always ranks the same way.
func Sort(list []Scored) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Combined != list[j].Combined {
			return list[i].Combined > list[j].Combined
		}
		if list[i].RawScore != list[j].RawScore {
			return list[i].RawScore > list[j].RawScore
		}
		return list[i].Location.Less(list[j].Location)
	})
}

// Top returns up to n leading candidates from an already sorted list.
func Top(list []Scored, n int) []Scored {
	if len(list) < n {
		n = len(list)
	}
	return append([]Scored(nil), list[:n]...)
}
