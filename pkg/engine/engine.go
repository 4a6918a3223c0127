// Package engine implements the driver: the public
// setup/alloc/emit/finalise/launch/resume/read_register/write_register API,
// its Uninit/Ready/Running/Exited state machine, and the CPU collaborator
// boundary that separates the driver from whatever actually performs the
// privileged task switches.
//
// Engine itself owns only bookkeeping: the page arena, the register and
// constant tables, and the list of abstract instructions emitted so far.
// All byte-level encoding lives in pkg/desc; all address arithmetic lives
// in pkg/layout; all block materialisation lives in pkg/synth. Engine's
// job is sequencing those three packages in the fixed lifecycle order and
// refusing calls that arrive out of order.
package engine

import (
	"fmt"

	"github.com/movdbz/pfvm/pkg/desc"
	"github.com/movdbz/pfvm/pkg/layout"
	"github.com/movdbz/pfvm/pkg/synth"
)

// State is one of the driver's four lifecycle states.
type State int

const (
	Uninit State = iota
	Ready
	Running
	Exited
)

func (s State) String() string {
	switch s {
	case Uninit:
		return "Uninit"
	case Ready:
		return "Ready"
	case Running:
		return "Running"
	case Exited:
		return "Exited"
	default:
		return "Invalid"
	}
}

// CPU is the privileged-instruction boundary. The engine never issues
// lgdt/lidt/ltr/far-jmp itself; it calls through CPU so that a pure-Go
// cascade simulator and a real hardware (or hypervisor) backend can both
// drive the same byte-exact pages pkg/synth produced.
type CPU interface {
	LoadGDTR(gdt []byte, base uintptr) error
	LoadIDTR(idt []byte, base uintptr) error
	LoadTR(selector uint16) error
	SwitchCR3(pd uintptr) error
	FarJump(selector uint16) (exitSelector uint16, err error)
}

// Memory is the flat, never-shrinking page store every component addresses
// by PageIndex. Pages are allocated lazily on first touch; a never-touched
// index reads as all zero, matching what a freshly identity-mapped,
// zeroed physical region would read as. It is exported so a CPU backend
// (pkg/engine/cascade, pkg/kvmharness) can be constructed against the same
// page store the engine writes into.
type Memory struct {
	pages map[layout.PageIndex]*[4096]byte
}

// NewMemory returns an empty page store.
func NewMemory() *Memory {
	return &Memory{pages: make(map[layout.PageIndex]*[4096]byte)}
}

// Page returns the (lazily zero-allocated) page at idx. The returned
// pointer is stable for the life of the program.
func (m *Memory) Page(idx layout.PageIndex) *[4096]byte {
	p, ok := m.pages[idx]
	if !ok {
		p = new([4096]byte)
		m.pages[idx] = p
	}
	return p
}

// Touched returns every page index written so far, for a backend (e.g.
// pkg/kvmharness) that must mirror this store into a flat guest physical
// address space rather than address it directly.
func (m *Memory) Touched() map[layout.PageIndex]*[4096]byte {
	return m.pages
}

// Engine is the driver. Its zero value is not usable; construct one with
// New. Engine is not goroutine safe: a single goroutine should manage it,
// since the cascade itself is never concurrent.
type Engine struct {
	cpu   CPU
	mem   *Memory
	arena *layout.Arena

	state State

	registers []layout.PageIndex // RegID -> page, indexed 0..N-1
	constants []layout.PageIndex // constant index -> page

	discardPage  layout.PageIndex
	constOnePage layout.PageIndex

	insts    []synth.AbstractInstruction
	blocks   []synth.Block
	gdtPages []layout.PageIndex // the 4 GDT-window pages
	stackPT  layout.PageIndex
	gdtPT    layout.PageIndex
	bootPD   layout.PageIndex
	bootPT   layout.PageIndex
}

// New constructs an Engine with its own private page store, bound to the
// given CPU backend. The Engine starts in Uninit; call Setup before
// anything else.
func New(cpu CPU) *Engine {
	return NewWithMemory(cpu, NewMemory())
}

// NewWithMemory constructs an Engine against a caller-supplied page store,
// for backends (pkg/engine/cascade) that must be constructed against that
// same store before the Engine exists to hand it out.
func NewWithMemory(cpu CPU, mem *Memory) *Engine {
	return &Engine{cpu: cpu, mem: mem, arena: layout.NewArena(), state: Uninit}
}

// State returns the engine's current lifecycle state.
func (e *Engine) State() State { return e.state }

// Memory returns the engine's page store, for backends that need direct
// access to the bytes written (e.g. to load them into a guest physical
// address space).
func (e *Engine) Memory() *Memory { return e.mem }

func (e *Engine) require(want State) error {
	if e.state != want {
		return fmt.Errorf("%w: expected state %s, have %s", ErrPrecondition, want, e.state)
	}
	return nil
}

// Setup reserves the fixed boot pages (stack,
// stack PT, GDT PT, 4 GDT pages, const-one, discard) ahead of the register
// lifecycle, and installs the two reserved registers. It does not yet
// touch the CPU; the GDTR/IDTR/TR loads happen at Finalise, once the
// program's shape - and hence the rotating descriptors - are known.
func (e *Engine) Setup() error {
	if err := e.require(Uninit); err != nil {
		return err
	}
	stackPage := e.arena.AllocStatic()
	e.stackPT = e.arena.AllocStatic()
	e.gdtPT = e.arena.AllocStatic()
	e.gdtPages = make([]layout.PageIndex, 4)
	for i := range e.gdtPages {
		e.gdtPages[i] = e.arena.AllocStatic()
	}
	e.constOnePage = e.arena.AllocStatic()
	e.discardPage = e.arena.AllocStatic()

	// The stack is a single present page mapped at StackBase; its own
	// content is never read as a register tail.
	*e.mem.Page(stackPage) = [4096]byte{}
	stackPT := e.mem.Page(e.stackPT)
	*stackPT = [4096]byte{}
	desc.PutEntry(stackPT, desc.PTEIndex(layout.StackBase), desc.PTE(uint32(stackPage)))

	gdtPT := e.mem.Page(e.gdtPT)
	*gdtPT = [4096]byte{}
	for i, p := range e.gdtPages {
		desc.PutEntry(gdtPT, desc.PTEIndex(layout.GDTWindowBase)+i, desc.PTE(uint32(p)))
	}

	// RegConstOne is materialised holding 1+1=2, since every use
	// decrements once before the consumer observes it; RegDiscard's
	// initial value is irrelevant.
	desc.RegisterTail(e.mem.Page(e.constOnePage), 2)
	desc.RegisterTail(e.mem.Page(e.discardPage), 0)

	e.state = Ready
	return nil
}

// AllocRegister assigns the next user register, writing its tail with the
// given initial value. Returns the RegID the caller must use in
// subsequent Emit/ReadRegister/WriteRegister calls.
func (e *Engine) AllocRegister(value uint32) (synth.RegID, error) {
	if err := e.require(Ready); err != nil {
		return 0, err
	}
	if len(e.insts) > 0 {
		return 0, fmt.Errorf("%w: register allocated after the first Emit", ErrPrecondition)
	}
	page, err := e.arena.AllocRegister()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrCapacityExceeded, err)
	}
	idx := layout.PageIndex(page)
	desc.RegisterTail(e.mem.Page(idx), value)
	id := synth.RegID(len(e.registers))
	e.registers = append(e.registers, idx)
	return id, nil
}

// AllocConstant assigns the next constant. Pass value+1 if consumers
// should observe value: every read decrements once before the consumer
// sees the result.
func (e *Engine) AllocConstant(valuePlusOne uint32) (synth.RegID, error) {
	if err := e.require(Ready); err != nil {
		return 0, err
	}
	if len(e.insts) > 0 {
		return 0, fmt.Errorf("%w: constant allocated after the first Emit", ErrPrecondition)
	}
	page, err := e.arena.AllocConstant()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrCapacityExceeded, err)
	}
	idx := layout.PageIndex(page)
	desc.RegisterTail(e.mem.Page(idx), valuePlusOne)
	id := synth.ConstantID(len(e.constants))
	e.constants = append(e.constants, idx)
	return id, nil
}

// Page resolves any RegID - user register, constant, or one of the two
// reserved ids - to its backing page, implementing the synth.Registry
// interface Build needs.
func (e *Engine) Page(id synth.RegID) (layout.PageIndex, error) {
	switch {
	case id == synth.RegDiscard:
		return e.discardPage, nil
	case id == synth.RegConstOne:
		return e.constOnePage, nil
	case synth.IsConstant(id):
		i := synth.ConstantIndex(id)
		if i < 0 || i >= len(e.constants) {
			return 0, fmt.Errorf("%w: constant id %d out of range", ErrPrecondition, i)
		}
		return e.constants[i], nil
	default:
		i := int(id)
		if i < 0 || i >= len(e.registers) {
			return 0, fmt.Errorf("%w: register id %d out of range", ErrPrecondition, i)
		}
		return e.registers[i], nil
	}
}

// Emit records abstract instruction i and synthesises its three real
// blocks immediately, via pkg/synth.
func (e *Engine) Emit(instr synth.AbstractInstruction) (index int, err error) {
	if err := e.require(Ready); err != nil {
		return 0, err
	}
	if e.bootPD != 0 {
		return 0, fmt.Errorf("%w: emit after finalise", ErrPrecondition)
	}
	if len(e.insts) >= layout.MaxAsmInsts {
		return 0, fmt.Errorf("%w: instruction %d exceeds MaxAsmInsts=%d", ErrCapacityExceeded, len(e.insts), layout.MaxAsmInsts)
	}
	if err := e.validate(instr); err != nil {
		return 0, err
	}
	i := len(e.insts)
	e.insts = append(e.insts, instr)

	reals := synth.Compile(i, instr)
	shared := synth.SharedMappings{
		StackPT:   e.stackPT,
		GDTPT:     e.gdtPT,
		GDTPageOf: e.gdtPageOf,
	}
	// Only NOP2 (real index 3i+1) has a successor - the group's own
	// dataflow instruction, 3i+2 - whose source page isn't RegDiscard;
	// every other real instruction's successors are ordinary NOPs.
	dataflowIndex := 3*i + 2
	// The arena fixes FirstInstPage only when the program's first block is
	// allocated; before that, the next free page is where that block lands.
	firstInstPage := e.arena.FirstInstPage()
	if i == 0 {
		firstInstPage = e.arena.TotalPages()
	}
	for k, real := range reals {
		realIndex := 3*i + k
		groupDataflowIndex, groupDataflowSrc := -1, synth.RegDiscard
		if k == 1 {
			groupDataflowIndex, groupDataflowSrc = dataflowIndex, instr.Src
		}
		blk, err := synth.Build(e.mem, e, shared, e.arena, firstInstPage, realIndex, real, groupDataflowIndex, groupDataflowSrc)
		if err != nil {
			return 0, err
		}
		e.blocks = append(e.blocks, blk)
	}
	return i, nil
}

// validate checks operand and branch-target ranges before any descriptor
// is written.
func (e *Engine) validate(instr synth.AbstractInstruction) error {
	for _, id := range []synth.RegID{instr.Dst, instr.Src} {
		if _, err := e.Page(id); err != nil {
			return fmt.Errorf("%w: emit operand: %v", ErrPrecondition, err)
		}
	}
	for _, t := range []int{instr.NZ, instr.Z} {
		if t != synth.EXIT && (t < 0 || t >= layout.MaxAsmInsts) {
			return fmt.Errorf("%w: branch target %d out of range", ErrPrecondition, t)
		}
	}
	return nil
}

// gdtPageOf resolves a selector to its physical GDT page and in-page byte
// offset. Selectors double as byte offsets into the 4-page GDT window;
// the host's null/code/data/return-TSS selectors all land in the first
// page, while each rotating slot's descriptor lands at offset 0xFF8 of
// its own page - one rotating slot per GDT page.
func (e *Engine) gdtPageOf(selector uint16) (layout.PageIndex, int) {
	byteOff := int(selector)
	page := byteOff / layout.PageSize
	off := byteOff % layout.PageSize
	return e.gdtPages[page], off
}

// Finalise materialises the bootstrap block and the program's GDT pages,
// marking the engine ready to launch. It is an error to finalise without
// having emitted any instruction.
func (e *Engine) Finalise() error {
	if err := e.require(Ready); err != nil {
		return err
	}
	if len(e.insts) == 0 {
		return fmt.Errorf("%w: finalise called without any instruction", ErrPrecondition)
	}

	pd, pt, err := e.arena.AllocBoot()
	if err != nil {
		return err
	}
	e.bootPD, e.bootPT = pd, pt

	bootPD := e.mem.Page(pd)
	bootPT := e.mem.Page(pt)
	*bootPD, *bootPT = [4096]byte{}, [4096]byte{}
	desc.PutEntry(bootPD, desc.PDEIndex(layout.StackBase), desc.PTE(uint32(e.stackPT)))
	desc.PutEntry(bootPD, desc.PDEIndex(layout.InstWindowBase), desc.PTE(uint32(pt)))
	desc.PutEntry(bootPD, desc.PDEIndex(layout.HostKernelBase), desc.PDE4M(uint32(layout.HostKernelBase)))
	desc.PutEntry(bootPD, desc.PDEIndex(layout.GDTWindowBase), desc.PTE(uint32(e.gdtPT)))
	desc.PutEntry(bootPD, desc.PDEIndex(layout.IdentityMapBase), desc.PDE4M(uint32(layout.IdentityMapBase)))

	// The initial entry point is real instruction 0, slot 0; the bootstrap
	// PT maps that slot's TSS-head page and instruction 0's source
	// register page into the instruction window. Real instruction 0 always
	// sits in slot 0 (SlotOf(0) is fixed), so the cascade backend reads its
	// CR3/EIP/EFLAGS at slot 0's in-page offset rather than offset 0 -
	// matching every other slot-0 landing, which shares its head with the
	// landing block's own IDT page. The bootstrap head has no IDT role of
	// its own, but carries the same offset copy so that read is uniform.
	firstBase := e.blocks[0].Base
	srcPage, err := e.Page(e.blocks[0].Real.Src)
	if err != nil {
		return err
	}
	slot0Off := int(layout.SlotTSSAddr(0) % layout.PageSize)
	desc.TSSHeadAt(e.mem.Page(firstBase.TSSHead()), slot0Off, firstBase.PD().Addr(), layout.EIPUnmapped, 0x00000002)
	idx := desc.PTEIndex(layout.SlotTSSAddr(0))
	desc.PutEntry(bootPT, idx, desc.PTE(uint32(firstBase.TSSHead())))
	desc.PutEntry(bootPT, idx+1, desc.PTE(uint32(srcPage)))

	for k := 0; k < 3; k++ {
		page, off := e.gdtPageOf(layout.SlotOf(k))
		desc.PutDescriptor(e.mem.Page(page), off, desc.TSSDescriptor(layout.SlotTSSAddr(k)))
	}
	e.writeHostGDT()

	// GDTR, IDTR, and TR are loaded exactly once here, not per task switch:
	// the GDT window and the IDT's in-window offset sit at the same fixed
	// virtual address in every block's PD, so one load covers the whole
	// cascade. TR is set to the reserved return selector, since the host is
	// itself represented as a task the first FarJump switches away from.
	var gdt []byte
	for _, p := range e.gdtPages {
		gdt = append(gdt, e.mem.Page(p)[:]...)
	}
	if err := e.cpu.LoadGDTR(gdt, layout.GDTWindowBase); err != nil {
		return fmt.Errorf("engine: loading GDTR: %w", err)
	}
	idt := e.mem.Page(e.blocks[0].Base.IDT())
	if err := e.cpu.LoadIDTR(idt[:], layout.InstWindowBase); err != nil {
		return fmt.Errorf("engine: loading IDTR: %w", err)
	}
	if err := e.cpu.LoadTR(layout.SelReturnTSS); err != nil {
		return fmt.Errorf("engine: loading TR: %w", err)
	}
	return nil
}

// writeHostGDT installs the host's own null/code/data/return-TSS
// descriptors into the GDT window's fixed offsets.
func (e *Engine) writeHostGDT() {
	page := e.mem.Page(e.gdtPages[0])
	desc.PutDescriptor(page, int(layout.SelNull), desc.NullDescriptor())
	desc.PutDescriptor(page, int(layout.SelCode), desc.FlatCodeDescriptor())
	desc.PutDescriptor(page, int(layout.SelData), desc.FlatDataDescriptor())
	desc.PutDescriptor(page, int(layout.SelReturnTSS), desc.TSSDescriptor(0))
}

// Launch switches CR3 to the bootstrap PD and far-jumps to slot 0,
// entering the cascade at real instruction 0. It returns once the
// cascade reaches EXIT.
func (e *Engine) Launch() error {
	if err := e.require(Ready); err != nil {
		return err
	}
	// Page 0 is Setup's stack page, so a zero bootPD means Finalise has not
	// run yet.
	if e.bootPD == 0 {
		return fmt.Errorf("%w: launch before finalise", ErrPrecondition)
	}
	e.state = Running
	if err := e.cpu.SwitchCR3(e.bootPD.Addr()); err != nil {
		return fmt.Errorf("%w: %v", ErrUnrecoverable, err)
	}
	exitSel, err := e.cpu.FarJump(layout.SlotOf(0))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnrecoverable, err)
	}
	if exitSel != layout.SelReturnTSS {
		return fmt.Errorf("%w: unexpected exit selector %#x", ErrUnrecoverable, exitSel)
	}
	e.state = Exited
	return nil
}

// Resume re-enters the cascade at abstract instruction index's first real
// sub-instruction (3*index): same semantics as Launch. The entry selector
// is SlotOf(3*index), which is always slot 0, so Resume first points the
// bootstrap PT's slot-0 pair at that real instruction's block.
func (e *Engine) Resume(index int) error {
	if e.state != Ready && e.state != Exited {
		return fmt.Errorf("%w: resume requires Ready or Exited, have %s", ErrPrecondition, e.state)
	}
	if index < 0 || index >= len(e.insts) {
		return fmt.Errorf("%w: resume index %d out of range", ErrPrecondition, index)
	}
	if e.bootPD == 0 {
		return fmt.Errorf("%w: resume before finalise", ErrPrecondition)
	}
	entry := e.blocks[3*index]
	srcPage, err := e.Page(entry.Real.Src)
	if err != nil {
		return err
	}
	desc.TSSHeadAt(e.mem.Page(entry.Base.TSSHead()), int(layout.SlotTSSAddr(0)%layout.PageSize), entry.Base.PD().Addr(), layout.EIPUnmapped, 0x00000002)
	idx := desc.PTEIndex(layout.SlotTSSAddr(0))
	desc.PutEntry(e.mem.Page(e.bootPT), idx, desc.PTE(uint32(entry.Base.TSSHead())))
	desc.PutEntry(e.mem.Page(e.bootPT), idx+1, desc.PTE(uint32(srcPage)))
	e.state = Running
	if err := e.cpu.SwitchCR3(e.bootPD.Addr()); err != nil {
		return fmt.Errorf("%w: %v", ErrUnrecoverable, err)
	}
	exitSel, err := e.cpu.FarJump(layout.SlotOf(3 * index))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnrecoverable, err)
	}
	if exitSel != layout.SelReturnTSS {
		return fmt.Errorf("%w: unexpected exit selector %#x", ErrUnrecoverable, exitSel)
	}
	e.state = Exited
	return nil
}

// ReadRegister reads a register's current value directly from its tail
// page. Safe only while the cascade is not running.
func (e *Engine) ReadRegister(id synth.RegID) (uint32, error) {
	if e.state == Running {
		return 0, fmt.Errorf("%w: cannot read a register while running", ErrPrecondition)
	}
	idx, err := e.Page(id)
	if err != nil {
		return 0, err
	}
	return desc.RegisterValue(e.mem.Page(idx)), nil
}

// WriteRegister writes a register's value directly, bypassing the
// cascade. Safe only while not running.
func (e *Engine) WriteRegister(id synth.RegID, value uint32) error {
	if e.state == Running {
		return fmt.Errorf("%w: cannot write a register while running", ErrPrecondition)
	}
	idx, err := e.Page(id)
	if err != nil {
		return err
	}
	desc.RegisterTail(e.mem.Page(idx), value)
	return nil
}
