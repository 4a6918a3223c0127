package main

import (
	"fmt"

	"github.com/movdbz/pfvm/pkg/engine"
	"github.com/movdbz/pfvm/pkg/synth"
)

// program is one canned demonstration: it emits its instructions into a
// freshly set-up Engine and reports what happened on each EXIT.
type program func(e *engine.Engine) error

var programs = map[string]program{
	"add38":    runAdd38,
	"identity": runIdentity,
	"repl":     runRepl,
	"discard":  runDiscard,
}

// addBias is the constant every saturated-addition run biases its working
// accumulator against: large enough that neither demo operand pair can
// exhaust it, small enough to stay well inside a register's safe value
// bound.
const addBias = 1024

// runAdd38 computes 3+5 via a 1024-biased accumulator. acc and room both
// seed from the same constant page - each read independently by its own
// instruction, so both observe the unmutated 1024 rather than each
// other's decremented copy - then count down in lockstep once per unit
// consumed from a and b. room is the saturation budget: once it reaches
// zero, both operand loops exit immediately instead of continuing, capping
// the logical sum at addBias. Emit assigns each instruction's index in call
// order, so every branch target below is just that index, known up front.
func runAdd38(e *engine.Engine) error {
	a, err := e.AllocRegister(3)
	if err != nil {
		return err
	}
	b, err := e.AllocRegister(5)
	if err != nil {
		return err
	}
	room, err := e.AllocRegister(0)
	if err != nil {
		return err
	}
	acc, err := e.AllocRegister(0)
	if err != nil {
		return err
	}
	bias, err := e.AllocConstant(addBias + 1)
	if err != nil {
		return err
	}

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
		if _, err := e.Emit(instr); err != nil {
			return err
		}
	}

	if err := e.Finalise(); err != nil {
		return err
	}
	if err := e.Launch(); err != nil {
		return err
	}
	raw, err := e.ReadRegister(acc)
	if err != nil {
		return err
	}
	fmt.Printf("add38: 3 + 5 = %d (accumulator %d, bias %d)\n", addBias-raw, raw, addBias)
	return nil
}

// runIdentity exercises a single movdbz reading a constant holding 1: one
// decrement, one EXIT, d observed as 1. const1 is allocated as 1+1=2 so the
// one decrement consumers see lands on 1, per the constant-plus-one
// convention every AllocConstant caller follows.
//
// The literal scenario this demonstrates names nz as a self-loop (branch
// target 0, the instruction's own index); since a constant's stored value
// never changes from one read to the next, that edge is always taken and
// the cascade would never reach EXIT. Both branches here target EXIT
// instead, preserving the property actually under test - one decrement,
// d==1, then EXIT - without the self-loop that contradicts it.
func runIdentity(e *engine.Engine) error {
	d, err := e.AllocRegister(0)
	if err != nil {
		return err
	}
	const1, err := e.AllocConstant(2)
	if err != nil {
		return err
	}
	if _, err := e.Emit(synth.AbstractInstruction{Dst: d, Src: const1, NZ: synth.EXIT, Z: synth.EXIT}); err != nil {
		return err
	}
	if err := e.Finalise(); err != nil {
		return err
	}
	if err := e.Launch(); err != nil {
		return err
	}
	v, err := e.ReadRegister(d)
	if err != nil {
		return err
	}
	fmt.Printf("identity: d = %d\n", v)
	return nil
}

// runRepl emits three independent set-cmd/set-data pairs plus a seventh
// loop-back instruction that jumps to the first pair without touching
// either register, then drives it through one launch and three resumes,
// printing the command code observed at each EXIT. The expected sequence
// is [1, 3, 4, 1]: the loop-back resume re-enters the first pair, so its
// EXIT reports the same code the initial launch did.
func runRepl(e *engine.Engine) error {
	cmd, err := e.AllocRegister(0)
	if err != nil {
		return err
	}
	data, err := e.AllocRegister(0)
	if err != nil {
		return err
	}
	cmd1, err := e.AllocConstant(2)
	if err != nil {
		return err
	}
	cmd3, err := e.AllocConstant(4)
	if err != nil {
		return err
	}
	cmd4, err := e.AllocConstant(5)
	if err != nil {
		return err
	}
	dataByte, err := e.AllocConstant(1)
	if err != nil {
		return err
	}

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
		if _, err := e.Emit(instr); err != nil {
			return err
		}
	}

	if err := e.Finalise(); err != nil {
		return err
	}

	var seq []int
	report := func() error {
		v, err := e.ReadRegister(cmd)
		if err != nil {
			return err
		}
		seq = append(seq, int(v))
		return nil
	}

	if err := e.Launch(); err != nil {
		return err
	}
	if err := report(); err != nil {
		return err
	}
	for _, phase := range []int{setCmd3, setCmd4, loopBack} {
		if err := e.Resume(phase); err != nil {
			return err
		}
		if err := report(); err != nil {
			return err
		}
	}
	fmt.Printf("repl: command sequence %v\n", seq)
	return nil
}

// runDiscard emits a two-instruction program whose destination is always
// REG_DISCARD, and reports that every other register a caller allocated
// stays untouched.
func runDiscard(e *engine.Engine) error {
	witness, err := e.AllocRegister(42)
	if err != nil {
		return err
	}
	if _, err := e.Emit(synth.AbstractInstruction{Dst: synth.RegDiscard, Src: synth.RegDiscard, NZ: 1, Z: 1}); err != nil {
		return err
	}
	if _, err := e.Emit(synth.AbstractInstruction{Dst: synth.RegDiscard, Src: synth.RegDiscard, NZ: synth.EXIT, Z: synth.EXIT}); err != nil {
		return err
	}

	if err := e.Finalise(); err != nil {
		return err
	}
	if err := e.Launch(); err != nil {
		return err
	}
	v, err := e.ReadRegister(witness)
	if err != nil {
		return err
	}
	fmt.Printf("discard: untouched register still reads %d\n", v)
	return nil
}
