// Package manifest handles grimoire.toml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue/cuecontext"
	"github.com/BurntSushi/toml"

	"github.com/Zenohate/grimoire/vm"
)

// FileName is the manifest file looked up in a project directory.
const FileName = "grimoire.toml"

// Manifest represents a grimoire.toml project configuration.
type Manifest struct {
	Project Project  `toml:"project" json:"project"`
	Source  Source   `toml:"source" json:"source"`
	VM      VMConfig `toml:"vm" json:"vm"`
	Dist    Dist     `toml:"dist" json:"dist"`

	// Dir is the directory containing the grimoire.toml file (set at
	// load time).
	Dir string `toml:"-" json:"-"`
}

// Project contains project metadata.
type Project struct {
	Name    string `toml:"name" json:"name"`
	Version string `toml:"version" json:"version"`
}

// Source configures source file locations and the program entry event.
type Source struct {
	Dirs  []string `toml:"dirs" json:"dirs"`
	Entry string   `toml:"entry" json:"entry"`
}

// VMConfig tunes the virtual machine's initial capacities.
type VMConfig struct {
	StackWords int `toml:"stack-words" json:"stackWords"`
	LocalWords int `toml:"local-words" json:"localWords"`
	CallDepth  int `toml:"call-depth" json:"callDepth"`
}

// Dist configures the chunk store used by the distribution commands.
type Dist struct {
	Store string `toml:"store" json:"store"`
}

// manifestSchema is the CUE schema a loaded manifest must satisfy.
const manifestSchema = `
{
	project: {
		name:    string & !=""
		version: string
	}
	source: {
		dirs:  [...string]
		entry: string
	}
	vm: {
		"stackWords": int & >=0
		"localWords": int & >=0
		"callDepth":  int & >=0
	}
	dist: {
		store: string
	}
}
`

// Load parses a grimoire.toml file from the given directory and
// validates it against the schema.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	m := &Manifest{}
	if err := toml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("manifest: parse %s: %w", path, err)
	}
	m.Dir = dir
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks the manifest against the CUE schema.
func (m *Manifest) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(manifestSchema)
	if err := schema.Err(); err != nil {
		return fmt.Errorf("manifest: schema: %w", err)
	}
	val := ctx.Encode(m)
	if err := val.Err(); err != nil {
		return fmt.Errorf("manifest: encode: %w", err)
	}
	if err := schema.Unify(val).Validate(); err != nil {
		return fmt.Errorf("manifest: %s invalid: %w", FileName, err)
	}
	return nil
}

// Entry returns the entry event name, defaulting to "main".
func (m *Manifest) Entry() string {
	if m.Source.Entry == "" {
		return "main"
	}
	return m.Source.Entry
}

// VMOptions maps the manifest's vm section onto a VM config, leaving
// zero fields to the VM's defaults.
func (m *Manifest) VMOptions() vm.Config {
	return vm.Config{
		StackWords: m.VM.StackWords,
		LocalWords: m.VM.LocalWords,
		CallDepth:  m.VM.CallDepth,
	}
}

// StorePath resolves the dist store path relative to the manifest
// directory, or "" when no store is configured.
func (m *Manifest) StorePath() string {
	if m.Dist.Store == "" {
		return ""
	}
	if filepath.IsAbs(m.Dist.Store) {
		return m.Dist.Store
	}
	return filepath.Join(m.Dir, m.Dist.Store)
}
