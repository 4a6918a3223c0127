package engine

import "errors"

// ErrPrecondition is returned when a call arrives out of the lifecycle
// order the engine requires: registers and constants must be allocated
// before Emit, Emit before Finalise, Finalise before Launch.
var ErrPrecondition = errors.New("engine: precondition violated")

// ErrCapacityExceeded is returned when a static maximum (MaxRegisters,
// MaxConstants, MaxAsmInsts) would be exceeded. AllocRegister and
// AllocConstant wrap both this sentinel and the layout.ErrCapacityExceeded
// that layout.Arena returns, so errors.Is succeeds against either.
var ErrCapacityExceeded = errors.New("engine: capacity exceeded")

// ErrUnrecoverable is returned by Launch and Resume when the CPU backend's
// SwitchCR3 or FarJump fails (for the cascade backend: a PD, PT entry or
// IDT page it cannot resolve), or when the cascade ends on a selector other
// than the host-return one. These indicate a bug in this package, not in a
// guest program, and are never expected to occur.
var ErrUnrecoverable = errors.New("engine: unrecoverable fault")
