package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Stack traces
// ---------------------------------------------------------------------------

// frameLabel resolves one pc against the program's debug info. Frames
// outside every known function render as "Unknown Function instr <pc>".
func (vm *VM) frameLabel(pc int) string {
	if vm.prog != nil {
		if f := vm.prog.FuncAt(pc); f != nil {
			return fmt.Sprintf("%s instr %d", f.Name, pc)
		}
	}
	return fmt.Sprintf("Unknown Function instr %d", pc)
}

// stackTrace renders the instruction being executed and every return
// address on the coroutine's call stack, innermost first. It runs from
// inside dispatch, where cor.pc already points past the current
// instruction.
func (vm *VM) stackTrace(cor *Coroutine) string {
	var b strings.Builder
	b.WriteString(vm.frameLabel(cor.pc - 1))
	for fp := cor.fp; fp > 0; fp-- {
		b.WriteByte('\n')
		b.WriteString(vm.frameLabel(cor.frames[fp].RetPC))
	}
	return b.String()
}
