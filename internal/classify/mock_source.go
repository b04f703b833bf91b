package classify

import (
	"context"
	"sync"
)

// mockSource replays scripted candidate lists, one per call, repeating the
// last script once exhausted. Used in development mode and tests.
type mockSource struct {
	mu      sync.Mutex
	scripts [][]Candidate
	calls   int
}

func NewMockSource(scripts ...[]Candidate) Source {
	return &mockSource{scripts: scripts}
}

func (m *mockSource) Classify(ctx context.Context, _ []byte, _ int, _ int) ([]Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.scripts) == 0 {
		return nil, nil
	}
	idx := m.calls
	if idx >= len(m.scripts) {
		idx = len(m.scripts) - 1
	}
	m.calls++
	return append([]Candidate(nil), m.scripts[idx]...), nil
}
