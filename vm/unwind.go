package vm

// ---------------------------------------------------------------------------
// Unwinder: raise, defer, try/catch and kill across frames
// ---------------------------------------------------------------------------

// Script-level exception messages raised by the VM itself.
const (
	ErrZeroDivision = "ZeroDivisionError"
	ErrIndex        = "IndexError"
	ErrNull         = "NullError"
	ErrChannel      = "ChannelError"
	ErrSelect       = "SelectError"
)

// raise starts propagating a script exception with the given message and
// runs the unwinding sequence until control lands on a handler, a deferred
// block, or the panic escalates.
func (vm *VM) raise(cor *Coroutine, msg string) {
	cor.panicking = true
	cor.panicMsg = msg
	cor.panicTrace = vm.stackTrace(cor)
	vm.unwindPanic(cor)
}

// unwindPanic is the single live unwinding sequence. It is entered from
// the raise opcode, from unwind, and from return/kill once those turn into
// a propagating panic. Handlers win over defers within a frame; outer
// frames are torn down only after both stacks are empty.
func (vm *VM) unwindPanic(cor *Coroutine) {
	for {
		f := cor.currentFrame()
		if n := len(f.Handlers); n > 0 {
			// catch pops the handler and decides whether to resume.
			cor.pc = f.Handlers[n-1]
			return
		}
		if n := len(f.Defers); n > 0 {
			cor.pc = f.Defers[n-1]
			f.Defers = f.Defers[:n-1]
			return
		}
		if cor.fp > 0 {
			cor.popFrame()
			continue
		}
		vm.escalate(cor)
		return
	}
}

// finishKill continues a cooperative kill: run the current frame's defers
// one at a time, then tear the frame down, until no frames remain.
func (vm *VM) finishKill(cor *Coroutine) {
	for {
		f := cor.currentFrame()
		if n := len(f.Defers); n > 0 {
			cor.pc = f.Defers[n-1]
			f.Defers = f.Defers[:n-1]
			return
		}
		if cor.fp > 0 {
			cor.popFrame()
			continue
		}
		cor.removed = true
		return
	}
}

// finishReturn continues a return in progress: run remaining defers, then
// restore the caller. A return from the root frame removes the coroutine.
func (vm *VM) finishReturn(cor *Coroutine) {
	f := cor.currentFrame()
	if n := len(f.Defers); n > 0 {
		cor.pc = f.Defers[n-1]
		f.Defers = f.Defers[:n-1]
		return
	}
	if cor.fp == 0 {
		cor.removed = true
		return
	}
	retPC := f.RetPC
	cor.popFrame()
	cor.pc = retPC
}

// continueUnwind resumes whatever exit is pending: a propagating panic, a
// cooperative kill, or a normal return whose defers are still draining.
func (vm *VM) continueUnwind(cor *Coroutine) {
	switch {
	case cor.panicking:
		vm.unwindPanic(cor)
	case cor.killed:
		vm.finishKill(cor)
	default:
		if !cor.currentFrame().Returning {
			panic("unwind outside a pending return")
		}
		vm.finishReturn(cor)
	}
}

// escalate handles a panic that left a root frame: the VM records the
// panic, every other coroutine is killed and pointed at the terminal
// unwind, the spawn queue is dropped, and the panicking coroutine is
// removed.
func (vm *VM) escalate(cor *Coroutine) {
	vm.panicking = true
	vm.panicMsg = cor.panicMsg
	vm.trace = cor.panicTrace
	vm.qString.push(cor.panicMsg)

	for _, other := range vm.coroutines {
		if other == cor || other.removed {
			continue
		}
		other.killed = true
		other.pc = vm.terminalUnwindPC
	}
	vm.spawnQueue = vm.spawnQueue[:0]
	cor.removed = true
}
