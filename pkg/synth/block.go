package synth

import (
	"fmt"

	"github.com/movdbz/pfvm/pkg/desc"
	"github.com/movdbz/pfvm/pkg/layout"
)

// Memory is the page store every block is written through: a sparse,
// never-shrinking array of physical pages, addressed by index, shared by
// the whole program. No page is ever freed.
type Memory interface {
	// Page returns the (lazily zero-allocated) page at idx. The returned
	// pointer is stable for the life of the program.
	Page(idx layout.PageIndex) *[4096]byte
}

// SharedMappings are the boot-allocated pages every per-instruction page
// directory maps identically: the stack PT and the GDT-window PT (the two
// 4 MiB identity regions are plain PDEs and need no page of their own).
// They do not vary per instruction, unlike the instruction-window PT that
// is this block's own.
type SharedMappings struct {
	StackPT layout.PageIndex
	GDTPT   layout.PageIndex
	// GDTPageOf resolves a rotating selector to the physical GDT page and
	// in-page byte offset holding its descriptor.
	GDTPageOf func(selector uint16) (page layout.PageIndex, offset int)
}

// Registry resolves a RegID to the physical page that backs it.
type Registry interface {
	Page(id RegID) (layout.PageIndex, error)
}

// Block is the materialised result of building one real instruction: its
// four pages (PD, PT, TSS-head, IDT), plus the index it was built at.
type Block struct {
	Index int
	Base  layout.BlockBase
	Real  RealInstruction
}

// Build materialises real instruction i's four-page block into mem: a
// fresh PD mapping the common regions plus this instruction's own
// instruction-window PT, that PT itself, a TSS-head page, and an IDT
// page whose vector-14/vector-8 task gates route to nz/z.
//
// firstInstPage is the arena's fixed base for instruction blocks; it lets
// Build address any successor block (already materialised or not yet
// emitted) purely arithmetically, because every real instruction's block
// lives at firstInstPage + 4*index regardless of emission order.
// dataflowIndex and dataflowSrc let a NOP's successor mapping name the
// right source page when that successor is the dataflow real instruction
// of the same abstract movdbz (NOP2's target): every other successor any
// real instruction can have is itself a NOP, whose Src is always
// RegDiscard, so dataflowIndex is -1 (never matched) for every call
// except the one building a group's NOP2.
func Build(
	mem Memory,
	reg Registry,
	shared SharedMappings,
	arena *layout.Arena,
	firstInstPage layout.PageIndex,
	i int,
	real RealInstruction,
	dataflowIndex int,
	dataflowSrc RegID,
) (Block, error) {
	base, err := arena.AllocBlock()
	if err != nil {
		return Block{}, err
	}

	pd := mem.Page(base.PD())
	pt := mem.Page(base.PT())
	tssHead := mem.Page(base.TSSHead())
	idt := mem.Page(base.IDT())
	*pd, *pt, *tssHead, *idt = [4096]byte{}, [4096]byte{}, [4096]byte{}, [4096]byte{}

	// Common region mappings, identical in every block.
	desc.PutEntry(pd, desc.PDEIndex(layout.StackBase), desc.PTE(uint32(shared.StackPT)))
	desc.PutEntry(pd, desc.PDEIndex(layout.InstWindowBase), desc.PTE(uint32(base.PT())))
	desc.PutEntry(pd, desc.PDEIndex(layout.HostKernelBase), desc.PDE4M(uint32(layout.HostKernelBase)))
	desc.PutEntry(pd, desc.PDEIndex(layout.GDTWindowBase), desc.PTE(uint32(shared.GDTPT)))
	desc.PutEntry(pd, desc.PDEIndex(layout.IdentityMapBase), desc.PDE4M(uint32(layout.IdentityMapBase)))

	// IDT: vector 14 (#PF) routes on src>0 (nz), vector 8 (#DF) on
	// src==0 (z). Written before the successor mappings below so a slot-0
	// landing's TSS-head copy (same page, different offset) survives it.
	idtPage := desc.IDTPage(successorSelector(real.NZ), successorSelector(real.Z))
	copy(idt[:], idtPage[:])

	// Own slot: (slot_of(i), slot_of(i)+1) -> head, then i's destination
	// register page. This is what turns the save half of the next task
	// switch out of i into a write of the decremented ESP into Dst. Slot
	// 0's head is this block's own IDT page (see below); every other
	// slot's head is the GDT page holding S_i's descriptor, a value the
	// cascade backend never reads back (only the tail matters there).
	dstPage, err := reg.Page(real.Dst)
	if err != nil {
		return Block{}, fmt.Errorf("synth: real instruction %d destination: %w", i, err)
	}
	gdtPage, _ := shared.GDTPageOf(SlotOf(i))
	ownHead := gdtPage
	if SlotOf(i) == layout.Slot0 {
		ownHead = base.IDT()
	}
	mapSlotPair(pt, SlotOf(i), ownHead, dstPage)

	// Each live successor j: (slot_of(j), slot_of(j)+1) -> head, then j's
	// source register page. j is either a NOP belonging to some other
	// abstract instruction (Src always RegDiscard, by Compile's NOP
	// shape) or - only when this block is a group's NOP2 - the group's
	// own dataflow instruction, whose Src is whatever the abstract
	// movdbz actually named.
	//
	// When j lands in slot 0, its head can't be j's own TSS-head page:
	// slot 0's virtual address (SlotTSSAddr(0)) and the instruction
	// window's fixed IDT address (InstWindowBase) resolve to the very
	// same PT entry in every block, so whichever page that entry names
	// must double as this block's own IDT too. The fix is to carry j's
	// CR3/EIP/EFLAGS as a second copy written into this block's own IDT
	// page, at the in-page offset SlotTSSAddr(0) actually falls at,
	// rather than pointing at a separate page the final IDT mapping
	// below would just overwrite.
	slot0Off := int(layout.SlotTSSAddr(0) % layout.PageSize)
	for _, j := range []int{real.NZ, real.Z} {
		if j == EXIT {
			continue
		}
		succBase := layout.BlockBase(firstInstPage + layout.PageIndex(layout.PagesPerBlock*j))
		succSrc := RegDiscard
		if j == dataflowIndex {
			succSrc = dataflowSrc
		}
		srcPage, err := reg.Page(succSrc)
		if err != nil {
			return Block{}, err
		}
		succHead := succBase.TSSHead()
		if SlotOf(j) == layout.Slot0 {
			desc.TSSHeadAt(idt, slot0Off, succBase.PD().Addr(), layout.EIPUnmapped, 0x00000002)
			succHead = base.IDT()
		}
		mapSlotPair(pt, SlotOf(j), succHead, srcPage)
	}

	// TSS-head: CR3 for this block's own PD, an EIP in the unmapped hole
	// so the first fetch after entry faults, and current EFLAGS. desc.TSSHead
	// does not set IOPB/EFLAGS beyond the reserved bit; callers running
	// under real hardware are expected to OR in IF as appropriate. This is
	// the page every non-slot-0 successor mapping above points at; slot 0
	// landings carry their own copy inside the target's IDT page instead.
	desc.TSSHead(tssHead, base.PD().Addr(), layout.EIPUnmapped, 0x00000002)

	// The IDT sits at the start of the instruction window: IDTR is loaded
	// once, at a fixed virtual address, and it is this PT entry - not
	// IDTR - that makes each PD supply its own IDT contents. Every write
	// above that targeted slot 0's head wrote this same page, so this is
	// a no-op in that case, not an overwrite.
	desc.PutEntry(pt, desc.PTEIndex(layout.InstWindowBase), desc.PTE(uint32(base.IDT())))

	// Refresh this slot's GDT descriptor. Its base is the fixed virtual
	// address of the slot, unaffected by which real instruction currently
	// owns it; rewriting it (always type 0x89, never 0x8B) is what keeps
	// the busy bit clear the next time this slot is entered.
	_, off := shared.GDTPageOf(SlotOf(i))
	desc.PutDescriptor(mem.Page(gdtPage), off, desc.TSSDescriptor(layout.SlotTSSAddr(i%3)))

	return Block{Index: i, Base: base, Real: real}, nil
}

// mapSlotPair writes the instruction-window PT's two entries for the given
// slot: head at (A>>12)&0x3FF, tail at the next entry.
func mapSlotPair(pt *[4096]byte, slot uint16, head, tail layout.PageIndex) {
	idx := desc.PTEIndex(layout.SlotTSSAddr(slotIndex(slot)))
	desc.PutEntry(pt, idx, desc.PTE(uint32(head)))
	desc.PutEntry(pt, idx+1, desc.PTE(uint32(tail)))
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
		panic(fmt.Sprintf("synth: unknown rotating slot %#x", slot))
	}
}
