// Package capture turns a live microphone stream into a deterministic
// sequence of bounded audio segments.
package capture

import "errors"

// Error kinds surfaced by the controller and recorder backends.
var (
	// ErrPermissionDenied means microphone access was not granted.
	ErrPermissionDenied = errors.New("capture: microphone permission denied")
	// ErrAlreadyRecording means Start was called while recording.
	ErrAlreadyRecording = errors.New("capture: already recording")
	// ErrConfiguration means the controller was configured with invalid
	// options, or started without being configured.
	ErrConfiguration = errors.New("capture: invalid configuration")
	// ErrDurationOutOfBounds means an emitted segment fell outside the
	// configured min/max duration. The audio is discarded; whether that
	// matters is the caller's call.
	ErrDurationOutOfBounds = errors.New("capture: segment duration out of bounds")
)

// Recorder abstracts the hardware recording backend. Exactly one recording
// exists at a time; Stop returns everything captured since Start as 16-bit
// little-endian PCM.
type Recorder interface {
	Start() error
	Stop() ([]byte, error)
	Close() error
}
