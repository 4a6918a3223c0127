//go:build linux && amd64

// Package kvmharness implements engine.CPU on top of real Linux KVM: the
// same GDT/IDT/PD/PT/TSS bytes pkg/synth writes are mirrored into a guest's
// physical memory and the actual hardware task-switch and fault machinery
// performs the cascade, rather than pkg/engine/cascade's logical replay.
//
// The guest never runs a single fetched instruction of its own: FarJump
// patches a one-instruction far-jmp stub living in the identity-mapped host
// region (layout.HostKernelBase, mapped into every block's PD) and lets
// KVM_RUN free-run from there. The far jmp immediately task-switches away
// from the host task; every EIP the cascade visits afterward is
// deliberately unmapped (layout.EIPUnmapped), so the guest's very next
// fetch always faults into the next task switch, all inside the kernel's
// own task-gate dispatch, until a switch lands back on the reserved
// return-TSS selector and the host task resumes at a halt.
package kvmharness

import (
	"fmt"
	"os"
	"syscall"
	"unsafe"

	"github.com/bobuhiro11/gokvm/kvm"
	"golang.org/x/arch/x86/x86asm"

	"github.com/movdbz/pfvm/pkg/layout"
)

const devKVMPath = "/dev/kvm"

// guestMemSize comfortably covers a maximal program: 3*MaxAsmInsts real
// instructions at PagesPerBlock pages each, plus PagesPerBoot and the
// static boot pages, all well under a 64 MiB guest.
const guestMemSize = 64 << 20

// stubAddr is where the far-jmp entry stub lives: the start of the 4 MiB
// host-kernel region every block's PD identity-maps (layout.HostKernelBase),
// so it is reachable regardless of which PD is current.
const stubAddr = uint64(layout.HostKernelBase)

// haltAddr is where the host task's saved EIP points: one byte past the
// stub's far-jmp, a single HLT that KVM reports as EXITHLT once the
// cascade switches back into the return TSS.
const haltAddr = stubAddr + 7

// Source is the page store a CPU backend mirrors into guest physical
// memory; satisfied by *engine.Memory.
type Source interface {
	Touched() map[layout.PageIndex]*[4096]byte
}

// CPU is the real-hardware engine.CPU backend. Construct with New once the
// Memory it mirrors exists (the same two-step pattern pkg/engine/cascade
// uses), and discard it with Close when done with the vCPU.
type CPU struct {
	kvmFd, vmFd, vcpuFd uintptr
	run                 *kvm.RunData
	guest               []byte
	mem                 Source
}

// New opens /dev/kvm, creates a VM with one vCPU and a flat guest physical
// address space, and writes the far-jmp entry stub. It does not yet mirror
// mem's pages; the first SwitchCR3 call does that.
func New(mem Source) (*CPU, error) {
	devKVM, err := os.OpenFile(devKVMPath, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("kvmharness: open %s: %w", devKVMPath, err)
	}
	kvmFd := devKVM.Fd()

	vmFd, err := kvm.CreateVM(kvmFd)
	if err != nil {
		return nil, fmt.Errorf("kvmharness: CreateVM: %w", err)
	}
	if err := kvm.SetTSSAddr(vmFd); err != nil {
		return nil, fmt.Errorf("kvmharness: SetTSSAddr: %w", err)
	}
	if err := kvm.SetIdentityMapAddr(vmFd); err != nil {
		return nil, fmt.Errorf("kvmharness: SetIdentityMapAddr: %w", err)
	}
	if err := kvm.CreateIRQChip(vmFd); err != nil {
		return nil, fmt.Errorf("kvmharness: CreateIRQChip: %w", err)
	}

	mmapSize, err := kvm.GetVCPUMMmapSize(kvmFd)
	if err != nil {
		return nil, fmt.Errorf("kvmharness: GetVCPUMMmapSize: %w", err)
	}
	vcpuFd, err := kvm.CreateVCPU(vmFd, 0)
	if err != nil {
		return nil, fmt.Errorf("kvmharness: CreateVCPU: %w", err)
	}
	r, err := syscall.Mmap(int(vcpuFd), 0, int(mmapSize), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("kvmharness: mmap kvm_run: %w", err)
	}

	guest, err := syscall.Mmap(-1, 0, guestMemSize, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED|syscall.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("kvmharness: mmap guest memory: %w", err)
	}
	if err := kvm.SetUserMemoryRegion(vmFd, &kvm.UserspaceMemoryRegion{
		Slot: 0, Flags: 0, GuestPhysAddr: 0, MemorySize: uint64(guestMemSize),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&guest[0]))),
	}); err != nil {
		return nil, fmt.Errorf("kvmharness: SetUserMemoryRegion: %w", err)
	}

	c := &CPU{
		kvmFd:  kvmFd,
		vmFd:   vmFd,
		vcpuFd: vcpuFd,
		run:    (*kvm.RunData)(unsafe.Pointer(&r[0])),
		guest:  guest,
		mem:    mem,
	}
	c.writeStub()
	if err := c.initRegs(); err != nil {
		return nil, err
	}
	return c, nil
}

// writeStub places `ljmp $0,$0` (opcode 0xEA, a 32-bit offset, a 16-bit
// selector patched per FarJump) at stubAddr, followed by a single HLT at
// haltAddr.
func (c *CPU) writeStub() {
	stub := []byte{0xEA, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0xF4}
	copy(c.guest[stubAddr:], stub)
}

// initRegs puts the vCPU into 32-bit protected mode, flat-segmented, RIP
// parked on the halt byte until the first FarJump moves it to the stub.
func (c *CPU) initRegs() error {
	regs, err := kvm.GetRegs(c.vcpuFd)
	if err != nil {
		return fmt.Errorf("kvmharness: GetRegs: %w", err)
	}
	regs.RFLAGS = 0x2
	regs.RIP = haltAddr
	if err := kvm.SetRegs(c.vcpuFd, regs); err != nil {
		return fmt.Errorf("kvmharness: SetRegs: %w", err)
	}

	sregs, err := kvm.GetSregs(c.vcpuFd)
	if err != nil {
		return fmt.Errorf("kvmharness: GetSregs: %w", err)
	}
	flat := kvm.Segment{Base: 0, Limit: 0xFFFFFFFF, Selector: layout.SelCode, Typ: 11, Present: 1, DPL: 0, DB: 1, S: 1, G: 1}
	sregs.CS = flat
	flat.Typ, flat.Selector = 3, layout.SelData
	sregs.DS, sregs.ES, sregs.FS, sregs.GS, sregs.SS = flat, flat, flat, flat, flat
	sregs.CR0 |= 1 // protected mode, no paging: every layout address is a physical one
	if err := kvm.SetSregs(c.vcpuFd, sregs); err != nil {
		return fmt.Errorf("kvmharness: SetSregs: %w", err)
	}
	return nil
}

// LoadGDTR installs the host GDT's base and limit. gdt is the byte slice
// backing engine's GDT-window pages; base is the virtual address
// (layout.GDTWindowBase) at which every PD maps those pages through the
// shared GDT-window PT.
func (c *CPU) LoadGDTR(gdt []byte, base uintptr) error {
	sregs, err := kvm.GetSregs(c.vcpuFd)
	if err != nil {
		return fmt.Errorf("kvmharness: GetSregs: %w", err)
	}
	sregs.GDT.Base = uint64(base)
	sregs.GDT.Limit = uint32(len(gdt) - 1)
	return kvm.SetSregs(c.vcpuFd, sregs)
}

// LoadIDTR installs the IDT's base and limit. The base is the fixed
// virtual address layout.InstWindowBase; once SwitchCR3 has enabled paging,
// each block's PD translates it to that block's own IDT page, the same
// resolution cascade performs through the PT, so one load suffices.
func (c *CPU) LoadIDTR(idt []byte, base uintptr) error {
	sregs, err := kvm.GetSregs(c.vcpuFd)
	if err != nil {
		return fmt.Errorf("kvmharness: GetSregs: %w", err)
	}
	sregs.IDT.Base = uint64(base)
	sregs.IDT.Limit = uint32(len(idt) - 1)
	return kvm.SetSregs(c.vcpuFd, sregs)
}

// LoadTR points TR at the reserved return-TSS selector: the host's own
// current task, so that the first far jmp performs a hardware task switch
// out of a task the processor already considers itself running.
func (c *CPU) LoadTR(selector uint16) error {
	sregs, err := kvm.GetSregs(c.vcpuFd)
	if err != nil {
		return fmt.Errorf("kvmharness: GetSregs: %w", err)
	}
	sregs.TR.Selector = selector
	sregs.TR.Typ = 11 // busy 32-bit TSS
	sregs.TR.Present = 1
	sregs.TR.S = 0
	return kvm.SetSregs(c.vcpuFd, sregs)
}

// SwitchCR3 mirrors every touched page of mem into guest physical memory at
// its own page index (the arena is already one flat identity-mapped
// region, so PageIndex*PageSize is the guest physical address) and loads
// CR3. Every touched page is re-copied on each call, so pages changed
// between calls (register tails written by WriteRegister, the bootstrap
// PT entries Resume repoints) reach the guest. Nothing is copied back from
// the guest into mem.
func (c *CPU) SwitchCR3(pd uintptr) error {
	for idx, page := range c.mem.Touched() {
		off := idx.Addr()
		if off+layout.PageSize > uintptr(len(c.guest)) {
			return fmt.Errorf("kvmharness: page %d at %#x exceeds guest memory size %#x", idx, off, len(c.guest))
		}
		copy(c.guest[off:off+layout.PageSize], page[:])
	}
	sregs, err := kvm.GetSregs(c.vcpuFd)
	if err != nil {
		return fmt.Errorf("kvmharness: GetSregs: %w", err)
	}
	sregs.CR3 = uint64(pd)
	sregs.CR0 |= (1 << 31) | 1 // PG | PE
	return kvm.SetSregs(c.vcpuFd, sregs)
}

// FarJump patches the stub's selector operand, points RIP at the stub, and
// lets the vCPU run until it halts (the cascade reached the return TSS and
// resumed host execution at haltAddr) or KVM reports something this
// backend cannot interpret as part of the cascade.
func (c *CPU) FarJump(selector uint16) (uint16, error) {
	c.guest[stubAddr+5] = byte(selector)
	c.guest[stubAddr+6] = byte(selector >> 8)

	regs, err := kvm.GetRegs(c.vcpuFd)
	if err != nil {
		return 0, fmt.Errorf("kvmharness: GetRegs: %w", err)
	}
	regs.RIP = stubAddr
	if err := kvm.SetRegs(c.vcpuFd, regs); err != nil {
		return 0, fmt.Errorf("kvmharness: SetRegs: %w", err)
	}

	for {
		if err := kvm.Run(c.vcpuFd); err != nil {
			return 0, fmt.Errorf("kvmharness: KVM_RUN: %w", err)
		}

		switch kvm.ExitType(c.run.ExitReason) {
		case kvm.EXITHLT:
			return layout.SelReturnTSS, nil
		case kvm.EXITINTR:
			continue
		default:
			return 0, c.faultError()
		}
	}
}

// faultError builds a diagnostic for an exit reason this backend never
// expects mid-cascade: every real instruction block only ever faults its
// way into the next task switch, so landing here means the synthesiser
// produced something the CPU itself rejected. It decodes the faulting
// RIP's bytes with x86asm for a human-readable instruction alongside the
// raw exit reason.
func (c *CPU) faultError() error {
	reason := kvm.ExitType(c.run.ExitReason).String()
	regs, err := kvm.GetRegs(c.vcpuFd)
	if err != nil {
		return fmt.Errorf("kvmharness: unexpected exit reason %s (regs unavailable: %v)", reason, err)
	}
	rip := regs.RIP
	if rip+16 > uint64(len(c.guest)) {
		return fmt.Errorf("kvmharness: unexpected exit reason %s at rip %#x", reason, rip)
	}
	inst, decErr := x86asm.Decode(c.guest[rip:rip+16], 32)
	if decErr != nil {
		return fmt.Errorf("kvmharness: unexpected exit reason %s at rip %#x (undecodable: %v)", reason, rip, decErr)
	}
	return fmt.Errorf("kvmharness: unexpected exit reason %s at rip %#x: %s", reason, rip, inst.String())
}

// Close releases the vCPU, VM, and /dev/kvm file descriptors and unmaps
// guest memory. Safe to call once after the CPU is no longer in use.
func (c *CPU) Close() error {
	if err := syscall.Munmap(c.guest); err != nil {
		return fmt.Errorf("kvmharness: munmap guest memory: %w", err)
	}
	for _, fd := range []uintptr{c.vcpuFd, c.vmFd, c.kvmFd} {
		syscall.Close(int(fd))
	}
	return nil
}
