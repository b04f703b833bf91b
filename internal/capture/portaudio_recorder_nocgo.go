//go:build !cgo

package capture

import "fmt"

// NewPortaudioRecorder requires cgo; without it the portaudio backend is
// unavailable and selecting it is a configuration error.
func NewPortaudioRecorder(sampleRate, channels int) (Recorder, error) {
	return nil, fmt.Errorf("%w: portaudio backend requires cgo", ErrConfiguration)
}
