// Package mutator: AFL-style mutation operators.
package mutator

import (
	"encoding/binary"
	"errors"
)

// AFL-inspired interesting values for fuzzing.
var (
	interesting8 = []int8{
		-128, // INT8_MIN
		-1,   // 0xFF
		0,    // Zero
		1,    // One
		16,   // Common boundary
		32,   // Space, common boundary
		64,   // Common boundary
		100,  // Common test value
		127,  // INT8_MAX
	}

	interesting16 = []int16{
		-32768, // INT16_MIN
		-129,   // Just below INT8_MIN
		128,    // Just above INT8_MAX
		255,    // UINT8_MAX
		256,    // UINT8_MAX + 1
		512,    // Common boundary
		1000,   // Common test value
		1024,   // Common boundary (2^10)
		4096,   // Common boundary (2^12)
		32767,  // INT16_MAX
	}

	interesting32 = []int32{
		-2147483648, // INT32_MIN
		-100663046,  // Large negative
		-32769,      // Just below INT16_MIN
		32768,       // Just above INT16_MAX
		65535,       // UINT16_MAX
		65536,       // UINT16_MAX + 1
		100663045,   // Large positive
		2147483647,  // INT32_MAX
	}
)

// --- BitFlipMutator ---

// BitFlipMutator flips a run of consecutive bits at a random position.
type BitFlipMutator struct {
	flipBits int // 1, 2, or 4
}

// NewBitFlipMutator creates a BitFlipMutator flipping the given run length.
func NewBitFlipMutator(flipBits int) *BitFlipMutator {
	if flipBits != 1 && flipBits != 2 && flipBits != 4 {
		flipBits = 1
	}
	return &BitFlipMutator{flipBits: flipBits}
}

func (m *BitFlipMutator) Name() string {
	switch m.flipBits {
	case 2:
		return "bitflip/2"
	case 4:
		return "bitflip/4"
	default:
		return "bitflip/1"
	}
}

// Mutate flips flipBits consecutive bits at a random bit offset. Empty
// input is returned unchanged.
func (m *BitFlipMutator) Mutate(input []byte) ([]byte, error) {
	if len(input) == 0 {
		return input, nil
	}

	result := make([]byte, len(input))
	copy(result, input)

	totalBits := len(input) * 8
	span := m.flipBits
	if span > totalBits {
		span = totalBits
	}
	pos := secureRandomInt(totalBits - span + 1)

	for i := 0; i < span; i++ {
		bitPos := pos + i
		byteIdx := bitPos / 8
		bitIdx := bitPos % 8
		result[byteIdx] ^= 1 << (7 - bitIdx)
	}

	return result, nil
}

// MutateAt flips bits at a specific bit offset; used by tests to pin down
// deterministic behavior.
func (m *BitFlipMutator) MutateAt(input []byte, bitPosition int) ([]byte, error) {
	if len(input) == 0 {
		return input, nil
	}

	totalBits := len(input) * 8
	if bitPosition < 0 || bitPosition+m.flipBits > totalBits {
		return nil, errors.New("bit position out of range")
	}

	result := make([]byte, len(input))
	copy(result, input)

	for i := 0; i < m.flipBits; i++ {
		bitPos := bitPosition + i
		byteIdx := bitPos / 8
		bitIdx := bitPos % 8
		result[byteIdx] ^= 1 << (7 - bitIdx)
	}

	return result, nil
}

// --- ByteFlipMutator ---

// ByteFlipMutator XORs a run of consecutive bytes with 0xFF.
type ByteFlipMutator struct {
	flipBytes int // 1, 2, or 4
}

func NewByteFlipMutator(flipBytes int) *ByteFlipMutator {
	if flipBytes != 1 && flipBytes != 2 && flipBytes != 4 {
		flipBytes = 1
	}
	return &ByteFlipMutator{flipBytes: flipBytes}
}

func (m *ByteFlipMutator) Name() string {
	switch m.flipBytes {
	case 2:
		return "byteflip/2"
	case 4:
		return "byteflip/4"
	default:
		return "byteflip/1"
	}
}

func (m *ByteFlipMutator) Mutate(input []byte) ([]byte, error) {
	if len(input) < m.flipBytes {
		return input, nil
	}

	result := make([]byte, len(input))
	copy(result, input)

	pos := secureRandomInt(len(input) - m.flipBytes + 1)
	for i := 0; i < m.flipBytes; i++ {
		result[pos+i] ^= 0xFF
	}

	return result, nil
}

// --- ArithmeticMutator ---

// ArithmeticMutator adds or subtracts a small random delta from an
// integer read out of the buffer at a random position, AFL's ARITH stage.
type ArithmeticMutator struct {
	width    int // 1, 2, or 4
	maxDelta int
}

// NewArithmeticMutator creates an ArithmeticMutator. maxDelta defaults to
// AFL's ARITH_MAX of 35 when <= 0.
func NewArithmeticMutator(width, maxDelta int) *ArithmeticMutator {
	if width != 1 && width != 2 && width != 4 {
		width = 1
	}
	if maxDelta <= 0 {
		maxDelta = 35
	}
	return &ArithmeticMutator{width: width, maxDelta: maxDelta}
}

func (m *ArithmeticMutator) Name() string {
	switch m.width {
	case 2:
		return "arith/16"
	case 4:
		return "arith/32"
	default:
		return "arith/8"
	}
}

func (m *ArithmeticMutator) Mutate(input []byte) ([]byte, error) {
	if len(input) < m.width {
		return input, nil
	}

	result := make([]byte, len(input))
	copy(result, input)

	pos := secureRandomInt(len(input) - m.width + 1)
	delta := secureRandomInt(m.maxDelta*2+1) - m.maxDelta
	if delta == 0 {
		delta = 1
	}

	switch m.width {
	case 1:
		result[pos] = byte(int(result[pos]) + delta)
	case 2:
		val := binary.BigEndian.Uint16(result[pos:])
		binary.BigEndian.PutUint16(result[pos:], uint16(int(val)+delta))
	case 4:
		val := binary.BigEndian.Uint32(result[pos:])
		binary.BigEndian.PutUint32(result[pos:], uint32(int64(val)+int64(delta)))
	}

	return result, nil
}

// MutateAt applies a specific delta at a specific position; used by tests.
func (m *ArithmeticMutator) MutateAt(input []byte, pos, delta int) ([]byte, error) {
	if len(input) < m.width {
		return input, nil
	}
	if pos < 0 || pos+m.width > len(input) {
		return nil, errors.New("position out of range")
	}

	result := make([]byte, len(input))
	copy(result, input)

	switch m.width {
	case 1:
		result[pos] = byte(int(result[pos]) + delta)
	case 2:
		val := binary.BigEndian.Uint16(result[pos:])
		binary.BigEndian.PutUint16(result[pos:], uint16(int(val)+delta))
	case 4:
		val := binary.BigEndian.Uint32(result[pos:])
		binary.BigEndian.PutUint32(result[pos:], uint32(int64(val)+int64(delta)))
	}

	return result, nil
}

// --- InterestingMutator ---

// InterestingMutator overwrites an integer at a random position with one
// of AFL's table of boundary-condition-triggering values.
type InterestingMutator struct {
	width int // 1, 2, or 4
}

func NewInterestingMutator(width int) *InterestingMutator {
	if width != 1 && width != 2 && width != 4 {
		width = 1
	}
	return &InterestingMutator{width: width}
}

func (m *InterestingMutator) Name() string {
	switch m.width {
	case 2:
		return "interest/16"
	case 4:
		return "interest/32"
	default:
		return "interest/8"
	}
}

func (m *InterestingMutator) Mutate(input []byte) ([]byte, error) {
	if len(input) < m.width {
		return input, nil
	}

	result := make([]byte, len(input))
	copy(result, input)

	pos := secureRandomInt(len(input) - m.width + 1)

	switch m.width {
	case 1:
		idx := secureRandomInt(len(interesting8))
		result[pos] = byte(interesting8[idx])
	case 2:
		idx := secureRandomInt(len(interesting16))
		val := interesting16[idx]
		if secureRandomInt(2) == 0 {
			binary.BigEndian.PutUint16(result[pos:], uint16(val))
		} else {
			binary.LittleEndian.PutUint16(result[pos:], uint16(val))
		}
	case 4:
		idx := secureRandomInt(len(interesting32))
		val := interesting32[idx]
		if secureRandomInt(2) == 0 {
			binary.BigEndian.PutUint32(result[pos:], uint32(val))
		} else {
			binary.LittleEndian.PutUint32(result[pos:], uint32(val))
		}
	}

	return result, nil
}

// MutateAt places a specific interesting-table entry at a specific
// position; used by tests.
func (m *InterestingMutator) MutateAt(input []byte, pos, valueIdx int, bigEndian bool) ([]byte, error) {
	if len(input) < m.width {
		return input, nil
	}
	if pos < 0 || pos+m.width > len(input) {
		return nil, errors.New("position out of range")
	}

	result := make([]byte, len(input))
	copy(result, input)

	switch m.width {
	case 1:
		if valueIdx >= len(interesting8) {
			valueIdx = 0
		}
		result[pos] = byte(interesting8[valueIdx])
	case 2:
		if valueIdx >= len(interesting16) {
			valueIdx = 0
		}
		val := interesting16[valueIdx]
		if bigEndian {
			binary.BigEndian.PutUint16(result[pos:], uint16(val))
		} else {
			binary.LittleEndian.PutUint16(result[pos:], uint16(val))
		}
	case 4:
		if valueIdx >= len(interesting32) {
			valueIdx = 0
		}
		val := interesting32[valueIdx]
		if bigEndian {
			binary.BigEndian.PutUint32(result[pos:], uint32(val))
		} else {
			binary.LittleEndian.PutUint32(result[pos:], uint32(val))
		}
	}

	return result, nil
}

// --- DeleteMutator ---

// DeleteMutator removes one random byte.
type DeleteMutator struct{}

func NewDeleteMutator() *DeleteMutator {
	return &DeleteMutator{}
}

func (m *DeleteMutator) Name() string { return "delete" }

// Mutate removes one byte at a random position. Inputs of length <= 1
// are returned unchanged, since deleting the last byte would
// special-case an empty result for no real coverage benefit.
func (m *DeleteMutator) Mutate(input []byte) ([]byte, error) {
	if len(input) <= 1 {
		return input, nil
	}

	pos := secureRandomInt(len(input))

	result := make([]byte, len(input)-1)
	copy(result[:pos], input[:pos])
	copy(result[pos:], input[pos+1:])

	return result, nil
}

// --- InsertMutator ---

// InsertMutator inserts one random byte at a random position.
type InsertMutator struct{}

func NewInsertMutator() *InsertMutator {
	return &InsertMutator{}
}

func (m *InsertMutator) Name() string { return "insert" }

// Mutate inserts one random byte, including into an empty buffer.
// Buffers already at the growth guard pass through unchanged.
func (m *InsertMutator) Mutate(input []byte) ([]byte, error) {
	if len(input) >= maxGrowthGuard {
		return input, nil
	}

	pos := secureRandomInt(len(input) + 1)
	b := secureRandomBytes(1)

	result := make([]byte, len(input)+1)
	copy(result[:pos], input[:pos])
	result[pos] = b[0]
	copy(result[pos+1:], input[pos:])

	return result, nil
}
