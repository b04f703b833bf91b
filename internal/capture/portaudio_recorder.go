//go:build cgo

package capture

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
)

const framesPerBuffer = 1024

// portaudioRecorder captures mono 16-bit PCM from the default input
// device. A background loop drains the stream into an in-memory buffer
// until Stop.
type portaudioRecorder struct {
	sampleRate int
	channels   int

	mu      sync.Mutex
	stream  *portaudio.Stream
	buffer  []int16
	samples []int16
	running bool
	done    chan struct{}
}

// NewPortaudioRecorder initializes portaudio and returns a microphone
// recorder. Close terminates portaudio.
func NewPortaudioRecorder(sampleRate, channels int) (Recorder, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return &portaudioRecorder{
		sampleRate: sampleRate,
		channels:   channels,
		buffer:     make([]int16, framesPerBuffer),
	}, nil
}

func (r *portaudioRecorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return ErrAlreadyRecording
	}

	r.samples = r.samples[:0]
	r.done = make(chan struct{})

	stream, err := portaudio.OpenDefaultStream(r.channels, 0, float64(r.sampleRate), framesPerBuffer, r.buffer)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	r.stream = stream
	r.running = true

	if err := stream.Start(); err != nil {
		stream.Close()
		r.stream = nil
		r.running = false
		return fmt.Errorf("start input stream: %w", err)
	}

	go r.recordLoop()
	return nil
}

func (r *portaudioRecorder) recordLoop() {
	defer close(r.done)

	for {
		r.mu.Lock()
		running := r.running
		stream := r.stream
		r.mu.Unlock()
		if !running || stream == nil {
			return
		}

		available, err := stream.AvailableToRead()
		if err != nil || available == 0 {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if err := stream.Read(); err != nil {
			time.Sleep(10 * time.Millisecond)
			continue
		}

		r.mu.Lock()
		if r.running {
			r.samples = append(r.samples, r.buffer...)
		}
		r.mu.Unlock()
	}
}

func (r *portaudioRecorder) Stop() ([]byte, error) {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil, nil
	}
	r.running = false
	stream := r.stream
	r.stream = nil
	samples := r.samples
	r.samples = nil
	done := r.done
	r.mu.Unlock()

	// The loop checks the running flag every 10ms; give it a beat to exit
	// before the stream goes away underneath it.
	if done != nil {
		select {
		case <-done:
		case <-time.After(100 * time.Millisecond):
		}
	}
	if stream != nil {
		if err := stream.Stop(); err != nil {
			stream.Close()
			return nil, fmt.Errorf("stop input stream: %w", err)
		}
		stream.Close()
	}

	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}
	return pcm, nil
}

func (r *portaudioRecorder) Close() error {
	_, _ = r.Stop()
	return portaudio.Terminate()
}
