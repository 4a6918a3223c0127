package engine_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/movdbz/pfvm/pkg/engine"
	"github.com/movdbz/pfvm/pkg/engine/cascade"
	"github.com/movdbz/pfvm/pkg/synth"
)

// newScenarioEngine builds an Engine wired to a fresh cascade backend,
// already past Setup, mirroring cascade_test.go's newRunning but exported
// to this package since it exercises engine.Engine end to end rather than
// the cascade.Interpreter's internals.
func newScenarioEngine(t *testing.T) *engine.Engine {
	t.Helper()
	mem := engine.NewMemory()
	cpu := cascade.New(mem)
	e := engine.NewWithMemory(cpu, mem)
	require.NoError(t, e.Setup())
	return e
}

// add38Bias is the saturation budget runAdd38 biases its accumulator
// against (cmd/pfvm/programs.go), large enough that neither S1's nor S2's
// operand pair can exhaust it.
const add38Bias = 1024

// emitSaturatedAddition is the 8-instruction saturated-addition shape from
// cmd/pfvm/programs.go's runAdd38: acc and room both seed from the same
// 1024-biased constant, then count down in lockstep once per unit consumed
// from a and b, saturating the logical sum at add38Bias. It returns the
// accumulator register so the caller can read back add38Bias-acc as the
// logical sum.
func emitSaturatedAddition(t *testing.T, e *engine.Engine, aVal, bVal uint32) (acc synth.RegID) {
	t.Helper()
	a, err := e.AllocRegister(aVal)
	require.NoError(t, err)
	b, err := e.AllocRegister(bVal)
	require.NoError(t, err)
	room, err := e.AllocRegister(0)
	require.NoError(t, err)
	acc, err = e.AllocRegister(0)
	require.NoError(t, err)
	bias, err := e.AllocConstant(add38Bias + 1)
	require.NoError(t, err)

	const (
		seedAcc  = 0
		seedRoom = 1
		aCheck   = 2
		aDecAcc  = 3
		aDecRoom = 4
		bCheck   = 5
		bDecAcc  = 6
		bDecRoom = 7
	)
	emits := []synth.AbstractInstruction{
		seedAcc:  {Dst: acc, Src: bias, NZ: seedRoom, Z: seedRoom},
		seedRoom: {Dst: room, Src: bias, NZ: aCheck, Z: aCheck},
		aCheck:   {Dst: a, Src: a, NZ: aDecAcc, Z: bCheck},
		aDecAcc:  {Dst: acc, Src: acc, NZ: aDecRoom, Z: aDecRoom},
		aDecRoom: {Dst: room, Src: room, NZ: aCheck, Z: synth.EXIT},
		bCheck:   {Dst: b, Src: b, NZ: bDecAcc, Z: synth.EXIT},
		bDecAcc:  {Dst: acc, Src: acc, NZ: bDecRoom, Z: bDecRoom},
		bDecRoom: {Dst: room, Src: room, NZ: bCheck, Z: synth.EXIT},
	}
	for _, instr := range emits {
		_, err := e.Emit(instr)
		require.NoError(t, err)
	}
	return acc
}

// TestScenarioS1SaturatedAdditionThreePlusFive is S1: 3 + 5 = 8 via the
// 1024-biased accumulator.
func TestScenarioS1SaturatedAdditionThreePlusFive(t *testing.T) {
	e := newScenarioEngine(t)
	acc := emitSaturatedAddition(t, e, 3, 5)

	require.NoError(t, e.Finalise())
	require.NoError(t, e.Launch())
	require.Equal(t, engine.Exited, e.State())

	raw, err := e.ReadRegister(acc)
	require.NoError(t, err)
	require.EqualValues(t, add38Bias-8, raw)
	require.EqualValues(t, 8, add38Bias-int(raw))
}

// TestScenarioS2SaturatedAdditionZeroPlusZero is S2: the same program with
// both operands zero, expecting a logical sum of 0.
func TestScenarioS2SaturatedAdditionZeroPlusZero(t *testing.T) {
	e := newScenarioEngine(t)
	acc := emitSaturatedAddition(t, e, 0, 0)

	require.NoError(t, e.Finalise())
	require.NoError(t, e.Launch())

	raw, err := e.ReadRegister(acc)
	require.NoError(t, err)
	require.EqualValues(t, add38Bias, raw, "no units consumed means acc never left its biased seed")
	require.EqualValues(t, 0, add38Bias-int(raw))
}

// TestScenarioS4ReplCommandSequence is S4: the 7-instruction REPL shape
// from cmd/pfvm/programs.go's runRepl, launched once and resumed three
// times, expecting the command-code sequence [1, 3, 4, 1] - the loop-back
// phase re-enters the first pair, so its EXIT reports the same code the
// initial launch did.
func TestScenarioS4ReplCommandSequence(t *testing.T) {
	e := newScenarioEngine(t)
	cmd, err := e.AllocRegister(0)
	require.NoError(t, err)
	data, err := e.AllocRegister(0)
	require.NoError(t, err)
	cmd1, err := e.AllocConstant(2)
	require.NoError(t, err)
	cmd3, err := e.AllocConstant(4)
	require.NoError(t, err)
	cmd4, err := e.AllocConstant(5)
	require.NoError(t, err)
	dataByte, err := e.AllocConstant(1)
	require.NoError(t, err)

	const (
		setCmd1  = 0
		setData0 = 1
		setCmd3  = 2
		setData1 = 3
		setCmd4  = 4
		setData2 = 5
		loopBack = 6
	)
	emits := []synth.AbstractInstruction{
		setCmd1:  {Dst: cmd, Src: cmd1, NZ: setData0, Z: setData0},
		setData0: {Dst: data, Src: dataByte, NZ: synth.EXIT, Z: synth.EXIT},
		setCmd3:  {Dst: cmd, Src: cmd3, NZ: setData1, Z: setData1},
		setData1: {Dst: data, Src: dataByte, NZ: synth.EXIT, Z: synth.EXIT},
		setCmd4:  {Dst: cmd, Src: cmd4, NZ: setData2, Z: setData2},
		setData2: {Dst: data, Src: dataByte, NZ: synth.EXIT, Z: synth.EXIT},
		loopBack: {Dst: synth.RegDiscard, Src: synth.RegDiscard, NZ: setCmd1, Z: setCmd1},
	}
	for _, instr := range emits {
		_, err := e.Emit(instr)
		require.NoError(t, err)
	}
	require.NoError(t, e.Finalise())

	report := func() int {
		v, err := e.ReadRegister(cmd)
		require.NoError(t, err)
		return int(v)
	}

	var seq []int
	require.NoError(t, e.Launch())
	seq = append(seq, report())
	for _, phase := range []int{setCmd3, setCmd4, loopBack} {
		require.NoError(t, e.Resume(phase))
		seq = append(seq, report())
	}

	require.Equal(t, []int{1, 3, 4, 1}, seq)
}
