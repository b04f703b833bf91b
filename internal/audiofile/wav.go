// Package audiofile converts raw PCM payloads into WAV files for the
// exec-based collaborators.
package audiofile

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// EncodePCM16 writes 16-bit little-endian PCM into file as WAV.
func EncodePCM16(file *os.File, pcm []byte, sampleRate, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// DecodePCM16 reads a WAV file back into 16-bit little-endian PCM,
// returning the payload with its sample rate and channel count.
func DecodePCM16(path string) ([]byte, int, int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("open wav: %w", err)
	}
	defer file.Close()

	dec := wav.NewDecoder(file)
	buffer, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, 0, fmt.Errorf("decode wav: %w", err)
	}
	if buffer.Format == nil {
		return nil, 0, 0, fmt.Errorf("wav file has no format chunk")
	}

	pcm := make([]byte, len(buffer.Data)*2)
	for i, sample := range buffer.Data {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(sample)))
	}
	return pcm, buffer.Format.SampleRate, buffer.Format.NumChannels, nil
}

// WriteTemp dumps pcm to a temporary WAV file and returns its path.
// The caller removes the file when done.
func WriteTemp(prefix string, pcm []byte, sampleRate, channels int) (string, error) {
	file, err := os.CreateTemp(os.TempDir(), prefix+"_*.wav")
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	defer file.Close()

	if err := EncodePCM16(file, pcm, sampleRate, channels); err != nil {
		os.Remove(file.Name())
		return "", err
	}
	return file.Name(), nil
}
