// Package cascade implements a pure-Go software task-switch interpreter:
// the default engine.CPU backend, and the one every test in this repository
// drives. Given the exact bytes pkg/synth wrote for a block's PD, PT,
// TSS-head, and IDT pages, it walks them the way the CPU's own
// fault-dispatch microcode would, rather than reimplementing movdbz
// directly - it is a task-switch replay, not an interpreter of the
// abstract instruction set.
//
// The one place this backend does not model real hardware byte for byte
// is the error-code push that performs the decrement: instead of
// translating a linear stack address through the active page tables to
// discover whether the push over/underflows, CPU reads the source tail's
// stored value directly and takes the nz/z edge accordingly. Every other
// step - GDT/IDT/TSS-head/PT resolution - walks the exact pages the
// synthesiser produced.
package cascade

import (
	"fmt"

	"github.com/movdbz/pfvm/pkg/desc"
	"github.com/movdbz/pfvm/pkg/layout"
)

// Memory is the page store a CPU reads and writes through; satisfied by
// *engine.Memory.
type Memory interface {
	Page(idx layout.PageIndex) *[4096]byte
}

// Interpreter implements engine.CPU by interpreting the data products of
// pkg/synth and pkg/engine directly, with no privileged instructions and
// no real address translation.
type Interpreter struct {
	mem Memory
	cr3 layout.PageIndex
}

// New returns a CPU reading and writing pages through mem.
func New(mem Memory) *Interpreter {
	return &Interpreter{mem: mem}
}

// LoadGDTR is a no-op: the interpreter never walks GDT descriptors; task
// switches here resolve TSS locations via the instruction-window PT,
// not via a literal GDT lookup.
func (c *Interpreter) LoadGDTR(gdt []byte, base uintptr) error {
	return nil
}

// LoadIDTR is a no-op: this interpreter locates the active IDT through the
// instruction-window PT of whichever PD is current, mirroring how a fixed
// virtual IDTR base resolves differently per PD on real hardware, since
// the IDT sits at the start of the same window in every block.
func (c *Interpreter) LoadIDTR(idt []byte, base uintptr) error {
	return nil
}

// LoadTR is a no-op: the interpreter tracks the active task purely via cr3.
func (c *Interpreter) LoadTR(selector uint16) error {
	return nil
}

// SwitchCR3 sets the page directory every subsequent resolution walks.
func (c *Interpreter) SwitchCR3(pd uintptr) error {
	c.cr3 = layout.PageIndex(pd / layout.PageSize)
	return nil
}

// FarJump replays the cascade starting at selector, following task gates
// until one names the host-return selector. It returns that selector
// once reached.
func (c *Interpreter) FarJump(selector uint16) (uint16, error) {
	cur := selector
	for {
		if cur == layout.SelReturnTSS {
			return cur, nil
		}

		// Load phase: resolve cur's TSS-head and source-tail pages via the
		// instruction-window PT of the PD being left (c.cr3).
		headIdx, tailIdx, err := c.resolveSlot(c.cr3, cur)
		if err != nil {
			return 0, fmt.Errorf("cascade: resolving selector %#x: %w", cur, err)
		}
		headPage := c.mem.Page(headIdx)
		srcValue := desc.RegisterValue(c.mem.Page(tailIdx))
		c.cr3 = layout.PageIndex(desc.TSSCR3At(headPage, headOffset(cur)) / layout.PageSize)

		// First fetch in cur's own PD faults. Read cur's own IDT (vectors
		// 8/14) and cur's own-slot mapping (dest register page) - both
		// live in cur's own PD, now active.
		nzSel, zSel, err := c.readIDT(c.cr3)
		if err != nil {
			return 0, fmt.Errorf("cascade: reading IDT for selector %#x: %w", cur, err)
		}
		_, destIdx, err := c.resolveSlot(c.cr3, cur)
		if err != nil {
			return 0, fmt.Errorf("cascade: resolving own slot %#x: %w", cur, err)
		}
		destPage := c.mem.Page(destIdx)

		if srcValue > 0 {
			desc.SetRegisterValue(destPage, srcValue-1)
			cur = nzSel
		} else {
			desc.SetRegisterValue(destPage, 0)
			cur = zSel
		}
	}
}

// resolveSlot walks pd's instruction-window PT and returns the physical
// pages mapped at the given slot's two consecutive PT entries: head,
// then tail.
func (c *Interpreter) resolveSlot(pd layout.PageIndex, slot uint16) (head, tail layout.PageIndex, err error) {
	pt, err := c.windowPT(pd)
	if err != nil {
		return 0, 0, err
	}
	idx := desc.PTEIndex(layout.SlotTSSAddr(slotIndex(slot)))
	head = layout.PageIndex(desc.GetEntry(pt, idx) >> 12)
	tail = layout.PageIndex(desc.GetEntry(pt, idx+1) >> 12)
	if head == 0 || tail == 0 {
		return 0, 0, fmt.Errorf("unmapped slot %#x under pd %d", slot, pd)
	}
	return head, tail, nil
}

// readIDT walks pd's instruction-window PT to find its IDT page (mapped
// at the window's first PT entry) and decodes the nz (vector 14) and z
// (vector 8) task-gate selectors.
func (c *Interpreter) readIDT(pd layout.PageIndex) (nzSel, zSel uint16, err error) {
	pt, err := c.windowPT(pd)
	if err != nil {
		return 0, 0, err
	}
	idtEntry := desc.GetEntry(pt, desc.PTEIndex(layout.InstWindowBase))
	idtIdx := layout.PageIndex(idtEntry >> 12)
	if idtIdx == 0 {
		return 0, 0, fmt.Errorf("pd %d has no IDT page mapped", pd)
	}
	idt := c.mem.Page(idtIdx)
	var pfGate, dfGate [8]byte
	copy(pfGate[:], idt[desc.VectorPageFault*desc.IDTEntrySize:])
	copy(dfGate[:], idt[desc.VectorDoubleFault*desc.IDTEntrySize:])
	return desc.TaskGateSelector(pfGate), desc.TaskGateSelector(dfGate), nil
}

// windowPT resolves the instruction-window PT page for pd: PD -> PDE at
// PDEIndex(InstWindowBase) -> PT.
func (c *Interpreter) windowPT(pd layout.PageIndex) (*[4096]byte, error) {
	pdPage := c.mem.Page(pd)
	ptEntry := desc.GetEntry(pdPage, desc.PDEIndex(layout.InstWindowBase))
	ptIdx := layout.PageIndex(ptEntry >> 12)
	if ptIdx == 0 {
		return nil, fmt.Errorf("pd %d has no instruction-window PT mapped", pd)
	}
	return c.mem.Page(ptIdx), nil
}

// headOffset returns the in-page byte offset a slot's TSS-head fields live
// at. Slot 0's head shares its physical page with the landing block's own
// IDT (SlotTSSAddr(0) and InstWindowBase resolve to the same PT entry), so
// its fields are written at that slot's actual in-page offset rather than
// the page's start; every other slot's head owns a dedicated page.
func headOffset(slot uint16) int {
	if slot == layout.Slot0 {
		return int(layout.SlotTSSAddr(0) % layout.PageSize)
	}
	return 0
}

func slotIndex(slot uint16) int {
	switch slot {
	case layout.Slot0:
		return 0
	case layout.Slot1:
		return 1
	case layout.Slot2:
		return 2
	default:
		panic(fmt.Sprintf("cascade: unknown rotating slot %#x", slot))
	}
}
