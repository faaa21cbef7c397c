package arm64asm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGPR_containsNativeReturnRegNearEnd(t *testing.T) {
	gpr := GPR()
	idx := -1
	for i, r := range gpr {
		if r == NativeReturnReg {
			idx = i
		}
	}
	require.GreaterOrEqual(t, idx, 0, "native return register must be in gpr[]")
	require.GreaterOrEqual(t, idx, len(gpr)-5, "native return register must be among the last 5 entries")
}

func TestDedicatedRegistersNeverInPool(t *testing.T) {
	for _, r := range []Reg{LinMemReg, JobMemReg, MemSizeReg, SP, LR, ZR, R29} {
		require.False(t, IsGPR(r))
		require.False(t, IsFPR(r))
	}
}

func TestIsGPR_IsFPR_disjoint(t *testing.T) {
	for _, r := range GPR() {
		require.True(t, IsGPR(r))
		require.False(t, IsFPR(r))
	}
	for _, r := range FPR() {
		require.True(t, IsFPR(r))
		require.False(t, IsGPR(r))
	}
}
