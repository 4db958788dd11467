package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// VM: The Grimoire Virtual Machine
// ---------------------------------------------------------------------------

// Config tunes the initial capacities of per-coroutine state. All of them
// grow by doubling at runtime; these only set the starting points.
type Config struct {
	StackWords int // initial slots per value stack
	LocalWords int // initial slots per local arena
	CallDepth  int // initial call-stack frames
}

// DefaultConfig returns the capacities used when the host does not tune
// the VM through a manifest.
func DefaultConfig() Config {
	return Config{StackWords: 64, LocalWords: 64, CallDepth: 16}
}

// mailbox is one type partition of the cross-coroutine argument queues.
// Producers append to out; consumers read in through a cursor; Process
// swaps the buffers at the top of every round.
type mailbox[T any] struct {
	in   []T
	head int
	out  []T
}

func (q *mailbox[T]) swap() {
	q.in, q.out = q.out, q.in[:0]
	q.head = 0
}

func (q *mailbox[T]) push(v T) { q.out = append(q.out, v) }

func (q *mailbox[T]) take() (T, bool) {
	if q.head >= len(q.in) {
		var zero T
		return zero, false
	}
	v := q.in[q.head]
	q.head++
	return v, true
}

// Context identifies a spawnable entry point, used by hosts and primitives
// to seed coroutines outside the event table.
type Context struct {
	PC int
}

// VM is the Grimoire virtual machine: one program, its global state, and a
// pool of cooperatively scheduled coroutines. All methods must be called
// from a single thread.
type VM struct {
	prog *Program

	// code is the VM-owned opcode stream: the program's opcodes plus one
	// trailing unwind word that killed coroutines are pointed at.
	code             []Instr
	terminalUnwindPC int

	iGlobals []int32
	fGlobals []float32
	sGlobals []string
	oGlobals []Ref

	qInt    mailbox[int32]
	qFloat  mailbox[float32]
	qString mailbox[string]
	qObject mailbox[Ref]

	coroutines []*Coroutine
	spawnQueue []*Coroutine

	callbacks map[string]PrimitiveFunc
	primFuncs []PrimitiveFunc

	running   bool
	panicking bool
	panicMsg  string
	trace     string

	profile *Profile

	cfg Config
}

// New creates a VM with default capacities.
func New() *VM { return NewWithConfig(DefaultConfig()) }

// NewWithConfig creates a VM with explicit initial capacities.
func NewWithConfig(cfg Config) *VM {
	if cfg.StackWords <= 0 {
		cfg.StackWords = 64
	}
	if cfg.LocalWords <= 0 {
		cfg.LocalWords = 64
	}
	if cfg.CallDepth <= 0 {
		cfg.CallDepth = 16
	}
	return &VM{
		callbacks: make(map[string]PrimitiveFunc),
		running:   true,
		cfg:       cfg,
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load installs a program. Primitive names are resolved against the
// libraries added so far; static operands are validated so dispatch can
// trust them.
func (vm *VM) Load(p *Program) error {
	if vm.prog != nil {
		return fmt.Errorf("vm: program already loaded")
	}
	primFuncs := make([]PrimitiveFunc, len(p.Primitives))
	for i, prim := range p.Primitives {
		fn, ok := vm.callbacks[prim.Name]
		if !ok {
			return fmt.Errorf("vm: unresolved primitive %q (index %d)", prim.Name, i)
		}
		if err := checkSignature(prim); err != nil {
			return err
		}
		primFuncs[i] = fn
	}
	if err := validateOperands(p); err != nil {
		return err
	}
	for name, pc := range p.Events {
		if int(pc) >= len(p.Opcodes) {
			return fmt.Errorf("vm: event %q points past the opcode stream", name)
		}
	}

	vm.prog = p
	vm.primFuncs = primFuncs
	vm.code = make([]Instr, len(p.Opcodes)+1)
	copy(vm.code, p.Opcodes)
	vm.terminalUnwindPC = len(p.Opcodes)
	vm.code[vm.terminalUnwindPC] = MakeInstr(OpUnwind, 0)

	vm.iGlobals = make([]int32, p.IntGlobals)
	vm.fGlobals = make([]float32, p.FloatGlobals)
	vm.sGlobals = make([]string, p.StringGlobals)
	vm.oGlobals = make([]Ref, p.ObjectGlobals)
	return nil
}

// validateOperands checks every statically indexed operand once at load
// time: constant-pool pushes, global slots, class and primitive indices.
func validateOperands(p *Program) error {
	for pc, w := range p.Opcodes {
		switch w.Op() {
		case OpPushConstInt:
			if w.Uval() >= len(p.IntConsts) {
				return fmt.Errorf("vm: instr %d: int constant %d out of range", pc, w.Uval())
			}
		case OpPushConstFloat:
			if w.Uval() >= len(p.FloatConsts) {
				return fmt.Errorf("vm: instr %d: float constant %d out of range", pc, w.Uval())
			}
		case OpPushConstString:
			if w.Uval() >= len(p.StringConsts) {
				return fmt.Errorf("vm: instr %d: string constant %d out of range", pc, w.Uval())
			}
		case OpPrimitiveCall:
			if w.Uval() >= len(p.Primitives) {
				return fmt.Errorf("vm: instr %d: primitive %d out of range", pc, w.Uval())
			}
		case OpNew:
			if w.Uval() >= len(p.Classes) {
				return fmt.Errorf("vm: instr %d: class %d out of range", pc, w.Uval())
			}
		case OpLoadGlobalInt, OpStoreGlobalInt:
			if uint32(w.Uval()) >= p.IntGlobals {
				return fmt.Errorf("vm: instr %d: int global %d out of range", pc, w.Uval())
			}
		case OpLoadGlobalFloat, OpStoreGlobalFloat:
			if uint32(w.Uval()) >= p.FloatGlobals {
				return fmt.Errorf("vm: instr %d: float global %d out of range", pc, w.Uval())
			}
		case OpLoadGlobalString, OpStoreGlobalString:
			if uint32(w.Uval()) >= p.StringGlobals {
				return fmt.Errorf("vm: instr %d: string global %d out of range", pc, w.Uval())
			}
		case OpLoadGlobalObject, OpStoreGlobalObject:
			if uint32(w.Uval()) >= p.ObjectGlobals {
				return fmt.Errorf("vm: instr %d: object global %d out of range", pc, w.Uval())
			}
		}
	}
	return nil
}

// Program returns the loaded program, or nil.
func (vm *VM) Program() *Program { return vm.prog }

// ---------------------------------------------------------------------------
// Spawning
// ---------------------------------------------------------------------------

// Spawn seeds the root coroutine at the main entry.
func (vm *VM) Spawn() error {
	if vm.prog == nil {
		return fmt.Errorf("vm: no program loaded")
	}
	if vm.panicking {
		return fmt.Errorf("vm: panicking: %s", vm.panicMsg)
	}
	pc, ok := vm.prog.Events["main"]
	if !ok {
		return fmt.Errorf("vm: missing main entry")
	}
	vm.spawnAt(int(pc))
	return nil
}

// SpawnEvent enqueues a coroutine at the named event's pc. Event arguments
// are expected on the mailboxes before the next Process round.
func (vm *VM) SpawnEvent(name string) error {
	if vm.prog == nil {
		return fmt.Errorf("vm: no program loaded")
	}
	if vm.panicking {
		return fmt.Errorf("vm: panicking: %s", vm.panicMsg)
	}
	pc, ok := vm.prog.Events[name]
	if !ok {
		return fmt.Errorf("vm: unknown event %q", name)
	}
	vm.spawnAt(int(pc))
	return nil
}

// PushContext enqueues a coroutine at the context's pc. Primitives use it
// through the Call handle to spawn tasks.
func (vm *VM) PushContext(c *Context) {
	vm.spawnAt(c.PC)
}

func (vm *VM) spawnAt(pc int) {
	vm.spawnQueue = append(vm.spawnQueue, newCoroutine(pc, vm.cfg))
}

// ---------------------------------------------------------------------------
// Scheduling
// ---------------------------------------------------------------------------

// Process drives one scheduling round: swap the mailboxes, admit pending
// spawns, walk the ready list giving each coroutine one run up to its next
// suspension point, then sweep removed coroutines.
func (vm *VM) Process() {
	if vm.prog == nil || !vm.running {
		return
	}

	vm.qInt.swap()
	vm.qFloat.swap()
	vm.qString.swap()
	vm.qObject.swap()

	for i := len(vm.spawnQueue) - 1; i >= 0; i-- {
		vm.coroutines = append(vm.coroutines, vm.spawnQueue[i])
	}
	vm.spawnQueue = vm.spawnQueue[:0]

	for idx := 0; idx < len(vm.coroutines); idx++ {
		if !vm.running {
			break
		}
		cor := vm.coroutines[idx]
		if cor.removed {
			continue
		}
		cor.locked = false
		vm.run(cor)
	}

	alive := vm.coroutines[:0]
	for _, cor := range vm.coroutines {
		if !cor.removed {
			alive = append(alive, cor)
		}
	}
	for i := len(alive); i < len(vm.coroutines); i++ {
		vm.coroutines[i] = nil
	}
	vm.coroutines = alive
}

// HasCoroutines reports whether any coroutine is ready or pending.
func (vm *VM) HasCoroutines() bool {
	if len(vm.spawnQueue) > 0 {
		return true
	}
	for _, cor := range vm.coroutines {
		if !cor.removed {
			return true
		}
	}
	return false
}

// IsPanicking reports whether an unhandled script panic reached a root
// frame and halted the VM.
func (vm *VM) IsPanicking() bool { return vm.panicking }

// PanicMessage returns the escalated panic message.
func (vm *VM) PanicMessage() string { return vm.panicMsg }

// PanicTrace returns the stack trace captured when the panic escalated,
// or the empty string.
func (vm *VM) PanicTrace() string { return vm.trace }

// SetRunning flips the host cancellation flag. With running=false every
// coroutine stays in place with its pc intact and Process returns
// immediately.
func (vm *VM) SetRunning(running bool) { vm.running = running }

// IsRunning reports the host cancellation flag.
func (vm *VM) IsRunning() bool { return vm.running }

// ---------------------------------------------------------------------------
// Mailbox access for hosts
// ---------------------------------------------------------------------------

// PushIntArg appends an integer to the outgoing mailbox, visible to
// coroutines starting next round.
func (vm *VM) PushIntArg(v int32) { vm.qInt.push(v) }

// PushFloatArg appends a float to the outgoing mailbox.
func (vm *VM) PushFloatArg(v float32) { vm.qFloat.push(v) }

// PushStringArg appends a string to the outgoing mailbox.
func (vm *VM) PushStringArg(v string) { vm.qString.push(v) }

// PushObjectArg appends an object to the outgoing mailbox.
func (vm *VM) PushObjectArg(v Ref) { vm.qObject.push(v) }
