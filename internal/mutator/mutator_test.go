package mutator

import (
	"bytes"
	"testing"
)

func TestRegistry_RegisterGetAllNames(t *testing.T) {
	r := NewRegistry()
	r.Register(NewBitFlipMutator(1))
	r.Register(NewDeleteMutator())

	if _, ok := r.Get("bitflip/1"); !ok {
		t.Fatalf("expected bitflip/1 to be registered")
	}
	if _, ok := r.Get("nonexistent"); ok {
		t.Fatalf("expected nonexistent lookup to fail")
	}

	names := r.Names()
	if len(names) != 2 || names[0] != "bitflip/1" || names[1] != "delete" {
		t.Fatalf("expected insertion order [bitflip/1 delete], got %v", names)
	}

	if len(r.All()) != 2 {
		t.Fatalf("expected 2 registered mutators")
	}
}

func TestRegistry_Remove(t *testing.T) {
	r := NewRegistry()
	r.Register(NewDeleteMutator())

	if !r.Remove("delete") {
		t.Fatalf("expected removal to succeed")
	}
	if r.Remove("delete") {
		t.Fatalf("expected second removal to fail")
	}
	if len(r.Names()) != 0 {
		t.Fatalf("expected empty registry after removal")
	}
}

func TestStack_HavocChangesInput(t *testing.T) {
	s := NewStack()
	input := []byte("the quick brown fox jumps over the lazy dog")

	out := s.Havoc(input, 16)
	if bytes.Equal(out, input) {
		t.Fatalf("expected havoc to mutate input after 16 rounds (may rarely be flaky)")
	}
}

func TestOperators_EmptyInputBoundary(t *testing.T) {
	s := NewStack()
	for _, m := range s.Registry().All() {
		out, err := m.Mutate(nil)
		if err != nil {
			t.Fatalf("%s: unexpected error on empty input: %v", m.Name(), err)
		}
		if len(out) > 1 {
			t.Fatalf("%s: empty input must yield at most one byte, got %d", m.Name(), len(out))
		}
	}
}

func TestStack_HavocEmptyInput(t *testing.T) {
	s := NewStack()
	// Must never panic, regardless of the operator chain it picks.
	for i := 0; i < 50; i++ {
		_ = s.Havoc(nil, 16)
	}
}

func TestStack_HavocDefaultsIterations(t *testing.T) {
	s := NewStack()
	out := s.Havoc([]byte("seed"), 0)
	if out == nil {
		t.Fatalf("expected non-nil output")
	}
}

func TestStack_SpliceViaPeerSource(t *testing.T) {
	s := NewStack()
	peer := []byte("PEERDATA")
	s.SetPeerSource(func() ([]byte, bool) {
		return peer, true
	})

	// Run enough rounds that splice is very likely to be exercised at
	// least once; we only assert Havoc keeps behaving, not that splice
	// specifically fired.
	out := s.Havoc([]byte("ORIGDATA"), 64)
	if len(out) == 0 {
		t.Fatalf("expected non-empty output")
	}
}

func TestStack_PeerSourceUnavailable(t *testing.T) {
	s := NewStack()
	s.SetPeerSource(func() ([]byte, bool) {
		return nil, false
	})
	// Splice candidate always reports unavailable; Havoc must fall back
	// to other operators without failing.
	out := s.Havoc([]byte("data"), 16)
	if out == nil {
		t.Fatalf("expected non-nil output even when splice never succeeds")
	}
}

func TestStack_TokenInsert(t *testing.T) {
	s := NewStack()
	s.SetTokens([][]byte{[]byte("TOKEN")})

	grew := false
	for i := 0; i < 100; i++ {
		out := s.Havoc([]byte("x"), 8)
		if len(out) > 1 {
			grew = true
			break
		}
	}
	if !grew {
		t.Fatalf("expected at least one havoc pass to grow the input via insert/token-insert")
	}
}

func TestSplice(t *testing.T) {
	a := []byte("AAAA")
	b := []byte("BBBB")

	for i := 0; i < 100; i++ {
		out := Splice(a, b)
		if len(out) > len(a)+len(b) {
			t.Fatalf("splice output longer than both inputs combined: %d", len(out))
		}
		// Output is a (possibly empty) run of A-bytes followed by a
		// (possibly empty) run of B-bytes.
		seenB := false
		for _, c := range out {
			switch {
			case c == 'B':
				seenB = true
			case c == 'A' && seenB:
				t.Fatalf("expected prefix-of-a then suffix-of-b, got %q", out)
			}
		}
	}

	if got := Splice(nil, b); !bytes.Equal(got, b) {
		t.Fatalf("splice with empty a must return b, got %v", got)
	}
	if got := Splice(a, nil); !bytes.Equal(got, a) {
		t.Fatalf("splice with empty b must return a, got %v", got)
	}
}

func TestSecureRandomInt_Bounds(t *testing.T) {
	for i := 0; i < 200; i++ {
		n := secureRandomInt(10)
		if n < 0 || n >= 10 {
			t.Fatalf("secureRandomInt(10) out of bounds: %d", n)
		}
	}
	if secureRandomInt(0) != 0 {
		t.Fatalf("secureRandomInt(0) must return 0")
	}
}
