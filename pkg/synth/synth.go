// Package synth implements the instruction synthesiser: it expands each
// abstract movdbz into its three real instructions and materialises, for
// each real instruction, the page directory, page table, TSS-head page,
// and IDT page that make entering that TSS perform the intended
// save-decrement-branch step.
package synth

import (
	"fmt"

	"github.com/movdbz/pfvm/pkg/layout"
)

// RegID names a register, constant, or one of the two reserved registers
// every program gets for free. It is a flat namespace: user registers use
// the small integers alloc_register hands out, constants live in a disjoint
// high range so a register id and a constant id can never collide.
type RegID uint32

const (
	// RegDiscard is the write sink NOP real instructions target; reads of
	// it are undefined by contract.
	RegDiscard RegID = 0xFFFFFFFF
	// RegConstOne is materialised at Setup holding 1+1=2, so that one use
	// as a source turns any destination into the literal constant 1.
	RegConstOne RegID = 0xFFFFFFFE

	constantIDBase RegID = 0x10000000
)

// ConstantID maps a zero-based constant index to its RegID.
func ConstantID(i int) RegID { return constantIDBase + RegID(i) }

// IsConstant reports whether id names a user constant (not a user register
// and not one of the two reserved registers).
func IsConstant(id RegID) bool {
	return id >= constantIDBase && id != RegConstOne && id != RegDiscard
}

// ConstantIndex is the inverse of ConstantID; it panics if id is not a
// constant id, the same contract strconv-style accessors use.
func ConstantIndex(id RegID) int {
	if !IsConstant(id) {
		panic(fmt.Sprintf("synth: RegID %#x is not a constant", uint32(id)))
	}
	return int(id - constantIDBase)
}

// EXIT is the sentinel branch target that leaves the cascade and resumes
// normal execution.
const EXIT = -1

// AbstractInstruction is one movdbz dst, src, nz, z.
type AbstractInstruction struct {
	Dst, Src RegID
	NZ, Z    int // abstract instruction index; EXIT for either field means "exit"
}

// RealInstruction is one of the three hardware task switches a movdbz
// compiles to. NZ and Z are already real-instruction indices (or EXIT).
type RealInstruction struct {
	Dst, Src RegID
	NZ, Z    int
}

// retarget turns an abstract branch target into a real instruction index:
// nz target t becomes 3t (parity 0), z target t becomes 3t+1 (parity 1);
// EXIT passes through unchanged.
func retarget(t int, parity int) int {
	if t == EXIT {
		return EXIT
	}
	return 3*t + parity
}

// Compile expands abstract instruction i into its three real instructions,
// indexed 3i, 3i+1, 3i+2.
//
// The first two are fault-absorbing NOPs: they decrement and discard
// RegDiscard and fall through unconditionally (NZ == Z == the next real
// index in this group), so the rotating-slot invariant holds regardless
// of the abstract instruction's own branch parity. Only the third,
// dataflow, real instruction carries the movdbz's actual Dst/Src and its
// (retargeted) branches.
func Compile(i int, instr AbstractInstruction) [3]RealInstruction {
	nop1Next := 3*i + 1
	nop2Next := 3*i + 2
	return [3]RealInstruction{
		{Dst: RegDiscard, Src: RegDiscard, NZ: nop1Next, Z: nop1Next},
		{Dst: RegDiscard, Src: RegDiscard, NZ: nop2Next, Z: nop2Next},
		{Dst: instr.Dst, Src: instr.Src, NZ: retarget(instr.NZ, 0), Z: retarget(instr.Z, 1)},
	}
}

// SlotOf re-exports layout.SlotOf for callers that only import synth.
func SlotOf(i int) uint16 { return layout.SlotOf(i) }

// successorSelector returns the GDT selector a real instruction's IDT task
// gate must name to reach target j (or the host-return selector for EXIT).
func successorSelector(j int) uint16 {
	if j == EXIT {
		return layout.SelReturnTSS
	}
	return layout.SlotOf(j)
}
