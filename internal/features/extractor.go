// Package features derives boundary evidence from captured audio: pauses
// around the segment edges and a transcript of the trailing audio. The
// heavy lifting happens in an external tool; this package is the contract
// plus its backends.
package features

import "context"

// Boundary describes what the extractor heard around a segment's edges.
// TrailingTranscript is the recognized text of the audio just past the
// segment boundary, used to test a candidate's expected next-verse onset.
type Boundary struct {
	PauseBefore        bool   `json:"pause_before"`
	PauseAfter         bool   `json:"pause_after"`
	TrailingTranscript string `json:"trailing_transcript"`
}

// Extractor abstracts boundary feature extraction backends.
type Extractor interface {
	ExtractBoundary(ctx context.Context, pcm []byte, sampleRate, channels int) (Boundary, error)
}
