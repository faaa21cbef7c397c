package arm64asm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeLogicalImmediate64_roundTripsKnownPatterns(t *testing.T) {
	values := []uint64{
		0x0000000000000001,
		0x0101010101010101,
		0x00000000ffffff00,
		0x3333333333333333,
		0xfffffffffffffffe,
	}
	for _, v := range values {
		packed, ok := EncodeLogicalImmediate64(v)
		require.True(t, ok, "expected %#x to be encodable", v)
		n := (packed >> 12) & 1
		immr := (packed >> 6) & 0x3f
		imms := packed & 0x3f
		decoded, derr := decodeLogicalImmediate(n, immr, imms, true)
		require.NoError(t, derr)
		require.Equal(t, v, decoded, "round trip for %#x", v)
	}
}

func TestEncodeLogicalImmediate_rejectsAllZeroAndAllOne(t *testing.T) {
	_, ok := EncodeLogicalImmediate(0, false)
	require.False(t, ok)
	_, ok = EncodeLogicalImmediate(^uint32(0), false)
	require.False(t, ok)
}

func TestFitsShiftedImm12(t *testing.T) {
	require.True(t, FitsShiftedImm12(0))
	require.True(t, FitsShiftedImm12(0xfff))
	require.True(t, FitsShiftedImm12(0x1000))
	require.True(t, FitsShiftedImm12(0xfff000))
	require.False(t, FitsShiftedImm12(0x1001))
	require.False(t, FitsShiftedImm12(0xfff001))
}

func TestFMOVImmEncodable_zero(t *testing.T) {
	_, ok := FMOVImmEncodable(0, true)
	require.True(t, ok)
}

// decodeLogicalImmediate is the ARM decode algorithm's inverse of
// encodeLogicalImmediate, used only by this test to validate round-trips
// (spec.md §8.1 property 6).
func decodeLogicalImmediate(n, immr, imms uint32, is64 bool) (uint64, error) {
	width := 64
	if !is64 {
		width = 32
	}
	// len = HighestSetBit(immN:NOT(imms)), a 7-bit concatenation.
	concat := (n << 6) | (^imms & 0x3f)
	length := -1
	for bit := 6; bit >= 0; bit-- {
		if concat&(1<<uint(bit)) != 0 {
			length = bit
			break
		}
	}
	esize := 1 << uint(length)
	sizeMask := uint32(esize - 1)
	ones := (imms & sizeMask) + 1
	rot := immr & sizeMask

	var elem uint64
	if ones >= uint32(esize) {
		elem = ^uint64(0) >> uint(64-esize)
	} else {
		elem = uint64(1)<<uint(ones) - 1
	}
	elem = rotateRight(elem, int(rot), esize)

	var result uint64
	for shift := 0; shift < width; shift += esize {
		result |= elem << uint(shift)
	}
	if width < 64 {
		result &= uint64(1)<<uint(width) - 1
	}
	return result, nil
}
