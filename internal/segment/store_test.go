package segment

import (
	"errors"
	"testing"
)

func TestPutTakeReclaims(t *testing.T) {
	s := NewStore()
	h := s.Put([]byte{1, 2, 3})
	if s.Len() != 1 {
		t.Fatalf("expected 1 live payload, got %d", s.Len())
	}

	pcm, err := s.Take(h)
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if len(pcm) != 3 || pcm[2] != 3 {
		t.Fatalf("unexpected payload: %v", pcm)
	}
	if s.Len() != 0 {
		t.Fatalf("expected storage reclaimed, %d left", s.Len())
	}

	if _, err := s.Take(h); !errors.Is(err, ErrHandleUnknown) {
		t.Fatalf("expected ErrHandleUnknown on second take, got %v", err)
	}
}

func TestPutCopiesInput(t *testing.T) {
	s := NewStore()
	src := []byte{9, 9}
	h := s.Put(src)
	src[0] = 0

	pcm, err := s.Take(h)
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if pcm[0] != 9 {
		t.Fatal("store must not alias caller buffer")
	}
}

func TestDiscard(t *testing.T) {
	s := NewStore()
	h := s.Put([]byte{1})
	s.Discard(h)
	s.Discard(h) // idempotent
	if _, err := s.Take(h); !errors.Is(err, ErrHandleUnknown) {
		t.Fatalf("expected ErrHandleUnknown, got %v", err)
	}
}
