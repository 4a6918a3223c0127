package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/movdbz/pfvm/pkg/layout"
	"github.com/movdbz/pfvm/pkg/synth"
)

// stubCPU records calls without interpreting anything; it is not a CPU
// backend, only a witness for the state-machine tests in this file. Its
// FarJump runs no cascade: it records the selector and returns the
// configured result or error.
type stubCPU struct {
	farJumpSelector uint16
	farJumpResult   uint16
	farJumpErr      error
}

func (s *stubCPU) LoadGDTR(gdt []byte, base uintptr) error { return nil }
func (s *stubCPU) LoadIDTR(idt []byte, base uintptr) error { return nil }
func (s *stubCPU) LoadTR(selector uint16) error            { return nil }
func (s *stubCPU) SwitchCR3(pd uintptr) error              { return nil }
func (s *stubCPU) FarJump(selector uint16) (uint16, error) {
	s.farJumpSelector = selector
	if s.farJumpErr != nil {
		return 0, s.farJumpErr
	}
	return s.farJumpResult, nil
}

func TestSetupRequiresUninit(t *testing.T) {
	e := New(&stubCPU{})
	require.NoError(t, e.Setup())
	require.ErrorIs(t, e.Setup(), ErrPrecondition)
}

func TestAllocRegisterRequiresSetup(t *testing.T) {
	e := New(&stubCPU{})
	_, err := e.AllocRegister(0)
	require.ErrorIs(t, err, ErrPrecondition)
}

func TestEmitRejectsUnknownOperand(t *testing.T) {
	e := New(&stubCPU{})
	require.NoError(t, e.Setup())

	_, err := e.Emit(synth.AbstractInstruction{Dst: synth.RegID(99), Src: synth.RegDiscard, NZ: synth.EXIT, Z: synth.EXIT})
	require.Error(t, err)
}

func TestEmitRejectsOutOfRangeBranchTarget(t *testing.T) {
	e := New(&stubCPU{})
	require.NoError(t, e.Setup())
	a, err := e.AllocRegister(0)
	require.NoError(t, err)

	_, err = e.Emit(synth.AbstractInstruction{Dst: a, Src: a, NZ: 999999, Z: synth.EXIT})
	require.Error(t, err)
}

func TestFinaliseRequiresAtLeastOneInstruction(t *testing.T) {
	e := New(&stubCPU{})
	require.NoError(t, e.Setup())
	require.ErrorIs(t, e.Finalise(), ErrPrecondition)
}

func TestLaunchRequiresFinalise(t *testing.T) {
	e := New(&stubCPU{})
	require.NoError(t, e.Setup())
	a, err := e.AllocRegister(0)
	require.NoError(t, err)
	_, err = e.Emit(synth.AbstractInstruction{Dst: a, Src: a, NZ: synth.EXIT, Z: synth.EXIT})
	require.NoError(t, err)

	require.ErrorIs(t, e.Launch(), ErrPrecondition, "launch before finalise must fail, since the bootstrap block does not exist yet")
}

func TestLaunchUsesSlotZeroAndReportsUnexpectedExit(t *testing.T) {
	cpu := &stubCPU{farJumpResult: 0x1234}
	e := New(cpu)
	require.NoError(t, e.Setup())
	a, err := e.AllocRegister(0)
	require.NoError(t, err)
	_, err = e.Emit(synth.AbstractInstruction{Dst: a, Src: a, NZ: synth.EXIT, Z: synth.EXIT})
	require.NoError(t, err)
	require.NoError(t, e.Finalise())

	err = e.Launch()
	require.ErrorIs(t, err, ErrUnrecoverable)
	require.Equal(t, uint16(0x1FF8), cpu.farJumpSelector)
}

func TestReadWriteRegisterRejectsWhileRunning(t *testing.T) {
	cpu := &stubCPU{farJumpErr: errors.New("never returns")}
	e := New(cpu)
	require.NoError(t, e.Setup())
	a, err := e.AllocRegister(0)
	require.NoError(t, err)
	_, err = e.Emit(synth.AbstractInstruction{Dst: a, Src: a, NZ: synth.EXIT, Z: synth.EXIT})
	require.NoError(t, err)
	require.NoError(t, e.Finalise())

	require.Error(t, e.Launch())
	require.Equal(t, Running, e.State())

	_, err = e.ReadRegister(a)
	require.ErrorIs(t, err, ErrPrecondition)
	require.ErrorIs(t, e.WriteRegister(a, 1), ErrPrecondition)
}

func TestAllocConstantCapacityExceeded(t *testing.T) {
	e := New(&stubCPU{})
	require.NoError(t, e.Setup())
	for i := 0; i < layout.MaxConstants; i++ {
		_, err := e.AllocConstant(1)
		require.NoError(t, err)
	}
	_, err := e.AllocConstant(1)
	require.Error(t, err)
}
