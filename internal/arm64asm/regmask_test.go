package arm64asm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegMask_basic(t *testing.T) {
	m := Of(R19, R20)
	require.True(t, m.Has(R19))
	require.True(t, m.Has(R20))
	require.False(t, m.Has(R21))
	require.Equal(t, 2, m.Count())

	m2 := m.With(R21)
	require.True(t, m2.Has(R21))
	require.Equal(t, 3, m2.Count())

	m3 := m2.Sub(Of(R20))
	require.False(t, m3.Has(R20))
	require.True(t, m3.Has(R19))
	require.True(t, m3.Has(R21))
}

func TestRegMask_ignoresNonAllocatable(t *testing.T) {
	m := Of(SP, LR, ZR, LinMemReg, JobMemReg)
	require.True(t, m.IsNone())
	require.False(t, m.Has(SP))
}

func TestRegMask_AllRegs(t *testing.T) {
	all := AllRegs()
	for _, r := range GPR() {
		require.True(t, all.Has(r))
	}
	for _, r := range FPR() {
		require.True(t, all.Has(r))
	}
}

func TestRegMask_Union(t *testing.T) {
	a := Of(R1, R2)
	b := Of(R2, R3)
	u := a.Union(b)
	require.True(t, u.Has(R1))
	require.True(t, u.Has(R2))
	require.True(t, u.Has(R3))
	require.Equal(t, 3, u.Count())
}
