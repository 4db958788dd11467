package vm

import "sort"

// ---------------------------------------------------------------------------
// Profile: per-function executed-instruction counters
// ---------------------------------------------------------------------------

// Profile accumulates one counter per pc while enabled. Counters are
// aggregated per function through debug info only when read, keeping the
// dispatch loop to a single slice increment.
type Profile struct {
	counts []uint64
}

// FuncCount is one aggregated profile row.
type FuncCount struct {
	Name  string
	Count uint64
}

// EnableProfile attaches a profile to the VM. Must be called after Load.
func (vm *VM) EnableProfile() *Profile {
	if vm.prog == nil {
		return nil
	}
	vm.profile = &Profile{counts: make([]uint64, len(vm.code))}
	return vm.profile
}

// DisableProfile detaches the profile; counters collected so far remain
// readable on the returned value from EnableProfile.
func (vm *VM) DisableProfile() { vm.profile = nil }

// ByFunction aggregates the counters per debug-info function, sorted by
// descending count. Instructions outside every known function are grouped
// under "Unknown Function".
func (p *Profile) ByFunction(prog *Program) []FuncCount {
	agg := make(map[string]uint64)
	for pc, n := range p.counts {
		if n == 0 {
			continue
		}
		name := "Unknown Function"
		if f := prog.FuncAt(pc); f != nil {
			name = f.Name
		}
		agg[name] += n
	}
	out := make([]FuncCount, 0, len(agg))
	for name, n := range agg {
		out = append(out, FuncCount{Name: name, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	return out
}
