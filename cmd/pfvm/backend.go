package main

import (
	"fmt"

	"github.com/movdbz/pfvm/pkg/engine"
	"github.com/movdbz/pfvm/pkg/engine/cascade"
)

// newBackend constructs the engine.CPU named by -backend and returns a
// closer to release any resources it holds (a no-op for cascade).
func newBackend(name string, mem *engine.Memory) (engine.CPU, func() error, error) {
	switch name {
	case "cascade":
		return cascade.New(mem), func() error { return nil }, nil
	case "kvm":
		return newKVMBackend(mem)
	default:
		return nil, nil, fmt.Errorf("unknown backend %q: want cascade or kvm", name)
	}
}
