//go:build linux && amd64

package main

import (
	"github.com/movdbz/pfvm/pkg/engine"
	"github.com/movdbz/pfvm/pkg/kvmharness"
)

func newKVMBackend(mem *engine.Memory) (engine.CPU, func() error, error) {
	cpu, err := kvmharness.New(mem)
	if err != nil {
		return nil, nil, err
	}
	return cpu, cpu.Close, nil
}
