package mutator

import (
	"bytes"
	"testing"
)

func TestBitFlipMutator_Name(t *testing.T) {
	cases := []struct {
		flipBits int
		expected string
	}{
		{1, "bitflip/1"},
		{2, "bitflip/2"},
		{4, "bitflip/4"},
		{8, "bitflip/1"}, // invalid width defaults to 1
	}
	for _, tc := range cases {
		m := NewBitFlipMutator(tc.flipBits)
		if got := m.Name(); got != tc.expected {
			t.Errorf("flipBits=%d: expected %s, got %s", tc.flipBits, tc.expected, got)
		}
	}
}

func TestBitFlipMutator_Mutate(t *testing.T) {
	m := NewBitFlipMutator(1)
	input := []byte{0x00, 0x00, 0x00, 0x00}

	out, err := m.Mutate(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bytes.Equal(out, input) {
		t.Fatalf("expected mutation to change input")
	}
	if len(out) != len(input) {
		t.Fatalf("bit flip must not change length")
	}
}

func TestBitFlipMutator_EmptyInput(t *testing.T) {
	m := NewBitFlipMutator(4)
	out, err := m.Mutate(nil)
	if err != nil {
		t.Fatalf("unexpected error on empty input: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected empty output for empty input")
	}
}

func TestBitFlipMutator_MutateAt(t *testing.T) {
	m := NewBitFlipMutator(1)
	input := []byte{0x00}
	out, err := m.MutateAt(input, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out[0] != 0x80 {
		t.Fatalf("expected top bit set, got %08b", out[0])
	}

	if _, err := m.MutateAt(input, 8); err == nil {
		t.Fatalf("expected out-of-range error")
	}
}

func TestByteFlipMutator_Mutate(t *testing.T) {
	m := NewByteFlipMutator(1)
	input := []byte{0x00, 0x00}
	out, err := m.Mutate(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	found := false
	for _, b := range out {
		if b == 0xFF {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected one byte flipped to 0xFF, got %v", out)
	}
}

func TestByteFlipMutator_ShortInput(t *testing.T) {
	m := NewByteFlipMutator(4)
	input := []byte{0x01, 0x02}
	out, err := m.Mutate(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(out, input) {
		t.Fatalf("input shorter than width must pass through unchanged")
	}
}

func TestArithmeticMutator_Mutate(t *testing.T) {
	m := NewArithmeticMutator(1, 35)
	input := []byte{100}
	out, err := m.Mutate(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("arithmetic mutation must not change length")
	}
}

func TestArithmeticMutator_MutateAt(t *testing.T) {
	m := NewArithmeticMutator(1, 35)
	out, err := m.MutateAt([]byte{10}, 0, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out[0] != 15 {
		t.Fatalf("expected 15, got %d", out[0])
	}
}

func TestInterestingMutator_Mutate(t *testing.T) {
	m := NewInterestingMutator(1)
	input := make([]byte, 8)
	out, err := m.Mutate(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != len(input) {
		t.Fatalf("interesting mutation must not change length")
	}
}

func TestInterestingMutator_MutateAt(t *testing.T) {
	m := NewInterestingMutator(1)
	out, err := m.MutateAt([]byte{0}, 0, 0, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if int8(out[0]) != interesting8[0] {
		t.Fatalf("expected interesting8[0]=%d, got %d", interesting8[0], int8(out[0]))
	}
}

func TestDeleteMutator_Mutate(t *testing.T) {
	m := NewDeleteMutator()
	input := []byte("hello world")
	out, err := m.Mutate(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) >= len(input) {
		t.Fatalf("expected delete to shrink input, got len %d >= %d", len(out), len(input))
	}
}

func TestDeleteMutator_ShortInput(t *testing.T) {
	m := NewDeleteMutator()
	for _, input := range [][]byte{nil, {0x01}} {
		out, err := m.Mutate(input)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !bytes.Equal(out, input) {
			t.Fatalf("inputs of length <= 1 must pass through unchanged")
		}
	}
}

func TestInsertMutator_Mutate(t *testing.T) {
	m := NewInsertMutator()
	input := []byte("hello")
	out, err := m.Mutate(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) <= len(input) {
		t.Fatalf("expected insert to grow input, got len %d <= %d", len(out), len(input))
	}
}

func TestInsertMutator_EmptyInput(t *testing.T) {
	m := NewInsertMutator()
	out, err := m.Mutate(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) == 0 {
		t.Fatalf("expected insert into empty input to produce non-empty output")
	}
}
