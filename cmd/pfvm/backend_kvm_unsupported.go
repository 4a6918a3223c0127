//go:build !(linux && amd64)

package main

import (
	"fmt"

	"github.com/movdbz/pfvm/pkg/engine"
)

func newKVMBackend(mem *engine.Memory) (engine.CPU, func() error, error) {
	return nil, nil, fmt.Errorf("kvm backend requires linux/amd64")
}
