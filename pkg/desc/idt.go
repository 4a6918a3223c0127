package desc

// TaskGate encodes an IDT task-gate entry targeting the given GDT selector.
// Per Intel SDM Vol. 3 §6.12.1: offset fields are unused for task gates,
// only the selector (bytes 2-3) and the type/flags byte (byte 5, value
// 0x85: present, DPL 0, type 0x5) matter.
func TaskGate(selector uint16) [8]byte {
	var g [8]byte
	g[2] = byte(selector)
	g[3] = byte(selector >> 8)
	g[5] = 0x85
	return g
}

// TaskGateSelector decodes the selector a task gate entry targets, the
// inverse of TaskGate (used by pkg/engine/cascade to follow an IDT entry).
func TaskGateSelector(entry [8]byte) uint16 {
	return uint16(entry[2]) | uint16(entry[3])<<8
}

// Vector numbers the engine installs task gates for; every other vector
// reaching the engine at run time is a bug.
const (
	VectorDoubleFault = 8
	VectorPageFault   = 14
)

// IDTEntrySize is the byte size of one IDT gate descriptor.
const IDTEntrySize = 8

// IDTPage builds the 4 KiB IDT page for one real instruction's block.
// Only vectors 8 (#DF) and 14 (#PF) are populated; all other entries are
// left zeroed (not-present), so any other vector reaching the CPU while
// this PD is live triple-faults rather than being silently handled -
// this is deliberate: the whole computation is IDT entries 8 and 14 doing
// exactly one job each.
func IDTPage(pageFaultSelector, doubleFaultSelector uint16) [4096]byte {
	var page [4096]byte
	pf, df := TaskGate(pageFaultSelector), TaskGate(doubleFaultSelector)
	copy(page[VectorPageFault*IDTEntrySize:], pf[:])
	copy(page[VectorDoubleFault*IDTEntrySize:], df[:])
	return page
}
