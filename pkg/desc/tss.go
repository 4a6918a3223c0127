package desc

import "encoding/binary"

// TSS field byte offsets within the 104-byte 32-bit TSS (Intel SDM Vol. 3
// §8.7, Figure 8-10). The engine splits the structure across two pages:
// head carries CR3/EIP/EFLAGS and the general registers it cares about;
// tail carries ESP plus the segment selectors.
const (
	offPrevTaskLink = 0x00
	offESP0         = 0x04
	offSS0          = 0x08
	offCR3          = 0x1C
	offEIP          = 0x20
	offEFLAGS       = 0x24
	offEAX          = 0x28
	offESP          = 0x38
	offES           = 0x48
	offCS           = 0x4C
	offSS           = 0x50
	offDS           = 0x54
	offFS           = 0x58
	offGS           = 0x5C
	offLDT          = 0x60
)

// TSSSize is the byte size of one 32-bit TSS: limit is 0x67, i.e. 104
// bytes, one past the last valid offset 0x67.
const TSSSize = 0x68

// Flat ring-0 selectors every register tail carries (the same values as
// layout.SelNull, layout.SelCode and layout.SelData).
const (
	SelNull uint16 = 0x00
	SelCode uint16 = 0x08
	SelData uint16 = 0x10
)

// RegisterTail writes the tail fields of a register's TSS into a 4 KiB
// page: ESP = value<<2, the register's defining encoding, and the flat
// ring-0 segment selectors the register keeps for its whole lifetime.
func RegisterTail(page *[4096]byte, value uint32) {
	putu32(page, offESP, value<<2)
	putu16(page, offES, SelData)
	putu16(page, offCS, SelCode)
	putu16(page, offSS, SelData)
	putu16(page, offDS, SelData)
	putu16(page, offFS, SelData)
	putu16(page, offGS, SelData)
}

// RegisterValue reads back the value (ESP>>2) stored in a register page, the
// inverse of RegisterTail.
func RegisterValue(page *[4096]byte) uint32 {
	return getu32(page, offESP) >> 2
}

// SetRegisterValue updates only the ESP slot of an already-initialised
// register page: the part of RegisterTail a decrement-on-push actually
// mutates, leaving the fixed segment selectors untouched.
func SetRegisterValue(page *[4096]byte, value uint32) {
	putu32(page, offESP, value<<2)
}

// TSSCR3 reads back the CR3 field written by TSSHead: the page directory a
// task switch into this TSS installs.
func TSSCR3(page *[4096]byte) uintptr {
	return TSSCR3At(page, 0)
}

// TSSHead writes the head fields of the TSS a real instruction is switched
// into: the CR3 that selects its page directory, an EIP deliberately
// unmapped so the first fetch faults, and the current EFLAGS. The caller
// is responsible for writing a freshly encoded non-busy TSS descriptor
// for this instruction's own rotating selector, at the GDT-window offset
// the instruction-window PT currently maps for that selector.
func TSSHead(page *[4096]byte, cr3 uintptr, eip uintptr, eflags uint32) {
	TSSHeadAt(page, 0, cr3, eip, eflags)
}

// TSSCR3At is TSSCR3 for a head stored at in-page offset off, rather than
// offset 0: rotating slot 0's TSS head shares its physical page with that
// slot's own IDT (SlotTSSAddr(0) and InstWindowBase resolve to the same PT
// entry), so its fields live at that slot's actual in-page offset instead
// of the page's start.
func TSSCR3At(page *[4096]byte, off int) uintptr {
	return uintptr(getu32(page, off+offCR3))
}

// TSSHeadAt is TSSHead for a head written at in-page offset off. The LDT
// selector field falls past the page boundary when off is slot 0's
// 0xFD0 (the TSS straddles two pages there, the head/tail split described
// above); it is skipped in that case, which is harmless
// since the page was already zeroed and SelNull is zero.
func TSSHeadAt(page *[4096]byte, off int, cr3 uintptr, eip uintptr, eflags uint32) {
	putu32(page, off+offCR3, uint32(cr3))
	putu32(page, off+offEIP, uint32(eip))
	putu32(page, off+offEFLAGS, eflags)
	if off+offLDT+2 <= len(page) {
		putu16(page, off+offLDT, SelNull)
	}
}

func putu32(page *[4096]byte, off int, v uint32) {
	binary.LittleEndian.PutUint32(page[off:], v)
}

func putu16(page *[4096]byte, off int, v uint16) {
	binary.LittleEndian.PutUint16(page[off:], v)
}

func getu32(page *[4096]byte, off int) uint32 {
	return binary.LittleEndian.Uint32(page[off:])
}
