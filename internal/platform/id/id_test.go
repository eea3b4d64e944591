package id

import (
	"testing"

	"github.com/google/uuid"
)

func TestNewIDIsRandomV4(t *testing.T) {
	first, err := NewID()
	if err != nil {
		t.Fatalf("new id: %v", err)
	}
	second, err := NewID()
	if err != nil {
		t.Fatalf("new id: %v", err)
	}
	if first == uuid.Nil {
		t.Fatal("expected non-nil id")
	}
	if first == second {
		t.Fatal("expected distinct ids")
	}
	if first.Version() != 4 {
		t.Fatalf("version = %d, want 4", first.Version())
	}
}

func TestSequence(t *testing.T) {
	a := uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	b := uuid.MustParse("00000000-0000-0000-0000-00000000000b")
	next := Sequence(a, b)

	for _, want := range []uuid.UUID{a, b} {
		got, err := next()
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if got != want {
			t.Fatalf("next = %s, want %s", got, want)
		}
	}
	if _, err := next(); err == nil {
		t.Fatal("expected exhausted sequence error")
	}
}
