package capture

import "sync"

// mockRecorder replays scripted PCM payloads, one per Start/Stop cycle,
// repeating the last script once exhausted. Used by the mock backend and
// in tests.
type mockRecorder struct {
	mu       sync.Mutex
	scripts  [][]byte
	startErr error
	stopErr  error
	cycles   int
	running  bool
}

func NewMockRecorder(scripts ...[]byte) Recorder {
	return &mockRecorder{scripts: scripts}
}

// NewFailingRecorder returns a recorder whose Start or Stop fails with the
// given errors (nil to succeed).
func NewFailingRecorder(startErr, stopErr error) Recorder {
	return &mockRecorder{startErr: startErr, stopErr: stopErr}
}

func (m *mockRecorder) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	if m.running {
		return ErrAlreadyRecording
	}
	m.running = true
	return nil
}

func (m *mockRecorder) Stop() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return nil, nil
	}
	m.running = false
	if m.stopErr != nil {
		return nil, m.stopErr
	}
	if len(m.scripts) == 0 {
		return nil, nil
	}
	idx := m.cycles
	if idx >= len(m.scripts) {
		idx = len(m.scripts) - 1
	}
	m.cycles++
	return append([]byte(nil), m.scripts[idx]...), nil
}

func (m *mockRecorder) Close() error {
	_, _ = m.Stop()
	return nil
}
