package features

import "context"

type mockExtractor struct {
	boundary Boundary
	err      error
}

// NewMockExtractor returns an extractor that always reports boundary.
func NewMockExtractor(boundary Boundary) Extractor {
	return &mockExtractor{boundary: boundary}
}

// NewFailingExtractor returns an extractor that always fails with err.
func NewFailingExtractor(err error) Extractor {
	return &mockExtractor{err: err}
}

func (m *mockExtractor) ExtractBoundary(ctx context.Context, _ []byte, _ int, _ int) (Boundary, error) {
	if err := ctx.Err(); err != nil {
		return Boundary{}, err
	}
	if m.err != nil {
		return Boundary{}, m.err
	}
	return m.boundary, nil
}
