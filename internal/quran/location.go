// Package quran defines verse addressing shared across the pipeline.
package quran

import "fmt"

const (
	// SurahCount is the number of chapters.
	SurahCount = 114
)

// Location addresses a single ayah as (surah, ayah), both 1-based.
type Location struct {
	Surah int `json:"surah" yaml:"surah"`
	Ayah  int `json:"ayah" yaml:"ayah"`
}

// OpeningFormula is the Bismillah, recited at the head of 113 of the 114
// surahs. It is addressed canonically as 1:1 but is never a sufficient
// answer on its own: which surah it opens has to come from what follows it.
var OpeningFormula = Location{Surah: 1, Ayah: 1}

func (l Location) String() string {
	return fmt.Sprintf("%d:%d", l.Surah, l.Ayah)
}

// Valid reports whether the location is inside the addressable range.
// Per-surah ayah counts are not checked here; the candidate source is
// trusted for that.
func (l Location) Valid() bool {
	return l.Surah >= 1 && l.Surah <= SurahCount && l.Ayah >= 1
}

// Less orders locations numerically, surah first. Used as the final
// deterministic tie-breaker when ranking candidates.
func (l Location) Less(other Location) bool {
	if l.Surah != other.Surah {
		return l.Surah < other.Surah
	}
	return l.Ayah < other.Ayah
}

// IsOpeningFormula reports whether the location is the Bismillah.
func (l Location) IsOpeningFormula() bool {
	return l == OpeningFormula
}
