// Package segment holds captured audio segments and the in-memory store
// that owns their PCM payloads until they are consumed.
package segment

import "github.com/rs/xid"

// Format identifies the encoding of a stored payload.
type Format int

const (
	FormatPCM16 Format = iota
	FormatWAV
)

func (f Format) String() string {
	switch f {
	case FormatPCM16:
		return "pcm16"
	case FormatWAV:
		return "wav"
	default:
		return "unknown"
	}
}

// Handle is an opaque reference into a Store. The audio bytes behind a
// handle are reclaimed the moment they are taken or discarded.
type Handle string

// Segment is the immutable unit of audio handed to the recognition
// pipeline. The PCM itself lives in the Store; Segment carries only the
// handle and bookkeeping the scheduler needs.
type Segment struct {
	ID            string
	Handle        Handle
	DurationMS    int
	SequenceIndex int
	StartOffsetMS int
	Format        Format
}

// NewID returns a fresh globally unique segment or session identifier.
func NewID() string {
	return xid.New().String()
}
