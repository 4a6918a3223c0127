// Command pfvm runs one of a handful of canned movdbz programs against
// either the pure-Go cascade interpreter or real KVM hardware, and reports
// the registers it cares about once the cascade reaches EXIT.
package main

import (
	"flag"
	"log"
	"sort"

	"github.com/movdbz/pfvm/pkg/engine"
)

func main() {
	log.SetFlags(0)
	programName := flag.String("program", "add38", "which canned program to run: add38, identity, repl, discard")
	backendName := flag.String("backend", "cascade", "which engine.CPU backend to drive: cascade or kvm")
	verbose := flag.Bool("v", false, "print the engine's state before and after the run")
	flag.Parse()

	run, ok := programs[*programName]
	if !ok {
		names := make([]string, 0, len(programs))
		for name := range programs {
			names = append(names, name)
		}
		sort.Strings(names)
		log.Fatalf("pfvm: unknown program %q, want one of %v", *programName, names)
	}

	mem := engine.NewMemory()
	cpu, closeBackend, err := newBackend(*backendName, mem)
	if err != nil {
		log.Fatal(err)
	}
	defer closeBackend()

	e := engine.NewWithMemory(cpu, mem)
	if err := e.Setup(); err != nil {
		log.Fatal(err)
	}
	if *verbose {
		log.Printf("pfvm: %s on %s backend, state=%s", *programName, *backendName, e.State())
	}

	if err := run(e); err != nil {
		log.Fatal(err)
	}

	if *verbose {
		log.Printf("pfvm: done, state=%s", e.State())
	}
}
