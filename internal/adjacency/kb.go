// Package adjacency holds precomputed expectations about what surrounds a
// verified repeated-text location: pause structure at its boundaries and
// the opening words of the verse that should follow it. The sequence
// resolver scores boundary evidence against these expectations to split
// candidates whose text is identical.
package adjacency

import (
	"fmt"
	"os"

	"github.com/ayahlabs/tilawa-core/internal/quran"
	"gopkg.in/yaml.v3"
)

// Expectation describes the verified surroundings of a repeated location.
type Expectation struct {
	ExpectsPauseBefore bool   `yaml:"expects_pause_before"`
	ExpectsPauseAfter  bool   `yaml:"expects_pause_after"`
	NextOnsetText      string `yaml:"next_onset_text"`
}

// KB is a static lookup of expectations keyed by location. A location with
// no entry is not a known repeated location and skips sequence resolution
// entirely.
type KB struct {
	entries map[quran.Location]Expectation
}

type kbFile struct {
	Entries []kbEntry `yaml:"entries"`
}

type kbEntry struct {
	Surah       int `yaml:"surah"`
	Ayah        int `yaml:"ayah"`
	Expectation `yaml:",inline"`
}

// Load builds a KB from the built-in table, extended (and overridden) by
// the optional YAML file at path. An empty path yields the built-ins only.
func Load(path string) (*KB, error) {
	entries := make(map[quran.Location]Expectation, len(builtin))
	for loc, exp := range builtin {
		entries[loc] = exp
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read adjacency file: %w", err)
		}
		var file kbFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse adjacency file: %w", err)
		}
		for _, e := range file.Entries {
			loc := quran.Location{Surah: e.Surah, Ayah: e.Ayah}
			if !loc.Valid() {
				return nil, fmt.Errorf("adjacency entry has invalid location %s", loc)
			}
			entries[loc] = e.Expectation
		}
	}

	return &KB{entries: entries}, nil
}

// ExpectationsFor returns the expectation for loc, if it is a known
// repeated location.
func (kb *KB) ExpectationsFor(loc quran.Location) (Expectation, bool) {
	exp, ok := kb.entries[loc]
	return exp, ok
}

// Len reports the number of known repeated locations.
func (kb *KB) Len() int {
	return len(kb.entries)
}

// builtin covers the opening formula and the most frequently repeated
// refrains. Deployments extend this with the full verified table via the
// adjacency file. Onset texts are simplified transliterations matching
// what the feature extractor emits.
var builtin = map[quran.Location]Expectation{
	// The opening formula. The resolver never accepts it on its own; the
	// next-onset text here covers the one case where it is a full ayah.
	{Surah: 1, Ayah: 1}: {ExpectsPauseBefore: true, ExpectsPauseAfter: true, NextOnsetText: "alhamdu lillahi rabbi alalamin"},
	// The Ar-Rahman refrain: "which of your Lord's favors will you deny".
	{Surah: 55, Ayah: 13}: {ExpectsPauseBefore: true, ExpectsPauseAfter: true, NextOnsetText: "khalaqa alinsana min salsalin"},
	{Surah: 55, Ayah: 16}: {ExpectsPauseBefore: true, ExpectsPauseAfter: true, NextOnsetText: "rabbu almashriqayni"},
	{Surah: 55, Ayah: 18}: {ExpectsPauseBefore: true, ExpectsPauseAfter: true, NextOnsetText: "maraja albahrayni yaltaqiyan"},
	{Surah: 55, Ayah: 21}: {ExpectsPauseBefore: true, ExpectsPauseAfter: true, NextOnsetText: "yakhruju minhuma allulu"},
	// The Al-Mursalat refrain: "woe that day to the deniers".
	{Surah: 77, Ayah: 15}: {ExpectsPauseBefore: true, ExpectsPauseAfter: true, NextOnsetText: "alam nuhliki alawwalin"},
	{Surah: 77, Ayah: 19}: {ExpectsPauseBefore: true, ExpectsPauseAfter: true, NextOnsetText: "alam nakhluqkum min main mahin"},
	{Surah: 77, Ayah: 24}: {ExpectsPauseBefore: true, ExpectsPauseAfter: true, NextOnsetText: "alam najali alarda kifatan"},
	// Near-identical pair in Al-Baqarah.
	{Surah: 2, Ayah: 48}:  {ExpectsPauseBefore: true, ExpectsPauseAfter: true, NextOnsetText: "waith najjaynakum min ali firawna"},
	{Surah: 2, Ayah: 123}: {ExpectsPauseBefore: true, ExpectsPauseAfter: true, NextOnsetText: "waithi ibtala ibrahima rabbuhu"},
}
