// Grimoire CLI - loads compiled .grb programs and drives the VM.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/Zenohate/grimoire/lib/std"
	"github.com/Zenohate/grimoire/manifest"
	"github.com/Zenohate/grimoire/vm"
	"github.com/Zenohate/grimoire/vm/dist"
)

var log = commonlog.GetLogger("grim")

func main() {
	verbose := flag.Int("v", 0, "Log verbosity")
	disasm := flag.Bool("d", false, "Disassemble the program instead of running it")
	entry := flag.String("e", "", "Entry event (default: manifest entry or 'main')")
	manifestDir := flag.String("m", "", "Project directory holding grimoire.toml")
	maxRounds := flag.Int("max-rounds", 0, "Abort after N scheduling rounds (0 = unlimited)")
	storePath := flag.String("store", "", "Put the program into this dist chunk store and exit")
	profileDB := flag.String("profile-db", "", "Write an execution profile to this DuckDB file")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: grim [options] program.grb\n\n")
		fmt.Fprintf(os.Stderr, "Runs a compiled Grimoire program.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  grim game.grb                  # Spawn main and run to completion\n")
		fmt.Fprintf(os.Stderr, "  grim -d game.grb               # Print a disassembly listing\n")
		fmt.Fprintf(os.Stderr, "  grim -e on_boot game.grb       # Start from a named event\n")
		fmt.Fprintf(os.Stderr, "  grim -store chunks.db game.grb # Archive into a dist store\n")
		fmt.Fprintf(os.Stderr, "  grim -profile-db prof.db game.grb\n")
	}
	flag.Parse()

	commonlog.Configure(*verbose, nil)

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	path := flag.Arg(0)

	prog, err := readProgram(path)
	if err != nil {
		fatal(err)
	}
	log.Infof("loaded %s: %d instructions, %d events", path, len(prog.Opcodes), len(prog.Events))

	if *disasm {
		fmt.Println(vm.Disassemble(prog.Opcodes))
		return
	}

	if *storePath != "" {
		if err := archive(prog, path, *storePath); err != nil {
			fatal(err)
		}
		return
	}

	cfg := vm.DefaultConfig()
	entryEvent := "main"
	if *manifestDir != "" {
		m, err := manifest.Load(*manifestDir)
		if err != nil {
			fatal(err)
		}
		cfg = m.VMOptions()
		entryEvent = m.Entry()
	}
	if *entry != "" {
		entryEvent = *entry
	}

	v := vm.NewWithConfig(cfg)
	v.AddLibrary(std.New(os.Stdout))
	if err := v.Load(prog); err != nil {
		fatal(err)
	}

	var prof *vm.Profile
	if *profileDB != "" {
		prof = v.EnableProfile()
	}

	if entryEvent == "main" {
		err = v.Spawn()
	} else {
		err = v.SpawnEvent(entryEvent)
	}
	if err != nil {
		fatal(err)
	}

	rounds := 0
	for v.HasCoroutines() && v.IsRunning() {
		v.Process()
		rounds++
		if *maxRounds > 0 && rounds >= *maxRounds {
			log.Errorf("aborting after %d rounds", rounds)
			v.SetRunning(false)
		}
	}
	log.Infof("finished in %d rounds", rounds)

	if prof != nil {
		if err := writeProfile(*profileDB, path, prof.ByFunction(prog)); err != nil {
			fatal(err)
		}
		log.Infof("profile written to %s", *profileDB)
	}

	if v.IsPanicking() {
		fmt.Fprintf(os.Stderr, "panic: %s\n", v.PanicMessage())
		if trace := v.PanicTrace(); trace != "" {
			fmt.Fprintln(os.Stderr, trace)
		}
		os.Exit(1)
	}
}

func readProgram(path string) (*vm.Program, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return vm.ReadProgram(f)
}

// archive chunks the program and puts it into a dist store.
func archive(prog *vm.Program, name, storePath string) error {
	chunk, err := dist.ChunkProgram(name, prog)
	if err != nil {
		return err
	}
	store, err := dist.OpenStore(storePath)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Put(chunk); err != nil {
		return err
	}
	log.Infof("stored %s as %x", name, chunk.Hash[:8])
	return nil
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "grim: %v\n", err)
	os.Exit(1)
}
