package synth

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompileNopShape(t *testing.T) {
	real := Compile(5, AbstractInstruction{Dst: 3, Src: 4, NZ: 2, Z: EXIT})
	require.Equal(t, RegDiscard, real[0].Dst)
	require.Equal(t, RegDiscard, real[0].Src)
	require.Equal(t, real[0].NZ, real[0].Z, "NOP1 must fall through unconditionally")
	require.Equal(t, 16, real[0].NZ) // 3*5+1

	require.Equal(t, RegDiscard, real[1].Dst)
	require.Equal(t, real[1].NZ, real[1].Z, "NOP2 must fall through unconditionally")
	require.Equal(t, 17, real[1].NZ) // 3*5+2

	require.Equal(t, RegID(3), real[2].Dst)
	require.Equal(t, RegID(4), real[2].Src)
}

func TestCompileRetargetsBranches(t *testing.T) {
	real := Compile(0, AbstractInstruction{Dst: 1, Src: 2, NZ: 7, Z: EXIT})
	require.Equal(t, 21, real[2].NZ) // 3*7
	require.Equal(t, EXIT, real[2].Z)
}

func TestCompileSuccessorsAreAlwaysNops(t *testing.T) {
	// Property: every branch target produced by retarget (nz->3t, z->3t+1)
	// names the first or second real instruction of its group, never the
	// third - so any successor's own Compile output always has
	// Src == Dst == RegDiscard. This is what lets block.Build treat a
	// successor's source register page as fixed (Build's doc comment in
	// block.go).
	for t0 := 0; t0 < 10; t0++ {
		for abs := 0; abs < 10; abs++ {
			real := Compile(abs, AbstractInstruction{Dst: 9, Src: 9, NZ: t0, Z: t0})
			nzReal := Compile(t0, AbstractInstruction{Dst: 1, Src: 1, NZ: EXIT, Z: EXIT})
			require.Equal(t, RegDiscard, nzReal[retargetParity(real[2].NZ, t0)].Src)
			require.Equal(t, RegDiscard, nzReal[retargetParity(real[2].Z, t0)].Src)
		}
	}
}

// retargetParity recovers which of the 3 sub-instructions idx refers to
// relative to group t0, for the test above.
func retargetParity(idx, t0 int) int {
	return idx - 3*t0
}

func TestSlotOfMatchesLayout(t *testing.T) {
	require.Equal(t, uint16(0x1FF8), SlotOf(0))
	require.Equal(t, uint16(0x2FF8), SlotOf(1))
	require.Equal(t, uint16(0x3FF8), SlotOf(2))
	require.Equal(t, SlotOf(0), SlotOf(3))
}

func TestConstantIDRoundTrip(t *testing.T) {
	for i := 0; i < 5; i++ {
		id := ConstantID(i)
		require.True(t, IsConstant(id))
		require.Equal(t, i, ConstantIndex(id))
	}
	require.False(t, IsConstant(RegDiscard))
	require.False(t, IsConstant(RegConstOne))
}
