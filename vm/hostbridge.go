package vm

import (
	"fmt"
	"unsafe"
)

// ---------------------------------------------------------------------------
// Libraries and the primitive ABI
// ---------------------------------------------------------------------------

// PrimitiveFunc is one host callback reachable through primitive_call.
// Primitives run to completion synchronously inside the calling
// coroutine's step and must not block.
type PrimitiveFunc func(*Call)

// Library is a named callback table merged into the VM with AddLibrary
// before Load.
type Library struct {
	Name  string
	funcs map[string]PrimitiveFunc
}

// NewLibrary creates an empty library.
func NewLibrary(name string) *Library {
	return &Library{Name: name, funcs: make(map[string]PrimitiveFunc)}
}

// Register adds a callback under its mangled primitive name.
func (l *Library) Register(name string, fn PrimitiveFunc) {
	l.funcs[name] = fn
}

// AddLibrary merges a library's callback table. Later registrations of
// the same name win, matching pre-load override behavior.
func (vm *VM) AddLibrary(lib *Library) {
	for name, fn := range lib.funcs {
		vm.callbacks[name] = fn
	}
}

// checkSignature validates the kind letters of a primitive descriptor.
func checkSignature(p PrimitiveDesc) error {
	for _, part := range []string{p.Params, p.Result} {
		for i := 0; i < len(part); i++ {
			if _, ok := KindFromLetter(part[i]); !ok {
				return fmt.Errorf("vm: primitive %q: bad signature letter %q", p.Name, part[i])
			}
		}
	}
	return nil
}

// Call is the handle a primitive receives: typed access to the arguments
// popped from the calling coroutine's stacks, typed result pushes, and
// task spawning.
type Call struct {
	vm  *VM
	cor *Coroutine

	params  string
	argInt  []int32
	argFlt  []float32
	argStr  []string
	argObj  []Ref
	argSlot []int // per param: index within its kind's slice
}

// newCall pops the declared parameters off the coroutine's stacks.
func (vm *VM) newCall(cor *Coroutine, desc PrimitiveDesc) *Call {
	c := &Call{vm: vm, cor: cor, params: desc.Params}
	c.argSlot = make([]int, len(desc.Params))

	// Count per kind, then pop right-to-left so slot order matches the
	// order the arguments were pushed.
	var ni, nf, ns, no int
	for i := 0; i < len(desc.Params); i++ {
		k, _ := KindFromLetter(desc.Params[i])
		switch k {
		case KindInt:
			c.argSlot[i] = ni
			ni++
		case KindFloat:
			c.argSlot[i] = nf
			nf++
		case KindString:
			c.argSlot[i] = ns
			ns++
		case KindObject:
			c.argSlot[i] = no
			no++
		}
	}
	c.argInt = make([]int32, ni)
	c.argFlt = make([]float32, nf)
	c.argStr = make([]string, ns)
	c.argObj = make([]Ref, no)
	for i := len(desc.Params) - 1; i >= 0; i-- {
		k, _ := KindFromLetter(desc.Params[i])
		switch k {
		case KindInt:
			ni--
			c.argInt[ni] = cor.popInt()
		case KindFloat:
			nf--
			c.argFlt[nf] = cor.popFloat()
		case KindString:
			ns--
			c.argStr[ns] = cor.popString()
		case KindObject:
			no--
			c.argObj[no] = cor.popObject()
		}
	}
	return c
}

func (c *Call) param(i int, want Kind) int {
	if i < 0 || i >= len(c.params) {
		panic(fmt.Sprintf("primitive param %d out of range", i))
	}
	k, _ := KindFromLetter(c.params[i])
	if k != want {
		panic(fmt.Sprintf("primitive param %d is %s, asked for %s", i, k, want))
	}
	return c.argSlot[i]
}

// GetInt returns the i-th declared parameter, which must be an int.
func (c *Call) GetInt(i int) int32 { return c.argInt[c.param(i, KindInt)] }

// GetFloat returns the i-th declared parameter, which must be a float.
func (c *Call) GetFloat(i int) float32 { return c.argFlt[c.param(i, KindFloat)] }

// GetString returns the i-th declared parameter, which must be a string.
func (c *Call) GetString(i int) string { return c.argStr[c.param(i, KindString)] }

// GetObject returns the i-th declared parameter, which must be an object.
func (c *Call) GetObject(i int) Ref { return c.argObj[c.param(i, KindObject)] }

// SetInt pushes an integer result.
func (c *Call) SetInt(v int32) { c.cor.pushInt(v) }

// SetFloat pushes a float result.
func (c *Call) SetFloat(v float32) { c.cor.pushFloat(v) }

// SetString pushes a string result.
func (c *Call) SetString(v string) { c.cor.pushString(v) }

// SetObject pushes an object result.
func (c *Call) SetObject(v Ref) { c.cor.pushObject(v) }

// PushContext spawns a coroutine at the context's pc on the next round.
func (c *Call) PushContext(ctx *Context) { c.vm.PushContext(ctx) }

// ---------------------------------------------------------------------------
// Typed global variables
// ---------------------------------------------------------------------------

func (vm *VM) globalDesc(name string, mask uint8) (GlobalDesc, error) {
	if vm.prog == nil {
		return GlobalDesc{}, fmt.Errorf("vm: no program loaded")
	}
	g, ok := vm.prog.Globals[name]
	if !ok {
		return GlobalDesc{}, fmt.Errorf("vm: unknown global variable %q", name)
	}
	if g.Mask&mask == 0 {
		return GlobalDesc{}, fmt.Errorf("vm: global variable %q: type mask mismatch", name)
	}
	return g, nil
}

// GetIntVariable reads an integer-partition global by name.
func (vm *VM) GetIntVariable(name string) (int32, error) {
	g, err := vm.globalDesc(name, MaskInt)
	if err != nil {
		return 0, err
	}
	return vm.iGlobals[g.Index], nil
}

// SetIntVariable writes an integer-partition global by name.
func (vm *VM) SetIntVariable(name string, v int32) error {
	g, err := vm.globalDesc(name, MaskInt)
	if err != nil {
		return err
	}
	vm.iGlobals[g.Index] = v
	return nil
}

// GetBoolVariable reads a boolean from the integer partition.
func (vm *VM) GetBoolVariable(name string) (bool, error) {
	v, err := vm.GetIntVariable(name)
	return v != 0, err
}

// SetBoolVariable writes a boolean into the integer partition.
func (vm *VM) SetBoolVariable(name string, v bool) error {
	var iv int32
	if v {
		iv = 1
	}
	return vm.SetIntVariable(name, iv)
}

// GetFloatVariable reads a float-partition global by name.
func (vm *VM) GetFloatVariable(name string) (float32, error) {
	g, err := vm.globalDesc(name, MaskFloat)
	if err != nil {
		return 0, err
	}
	return vm.fGlobals[g.Index], nil
}

// SetFloatVariable writes a float-partition global by name.
func (vm *VM) SetFloatVariable(name string, v float32) error {
	g, err := vm.globalDesc(name, MaskFloat)
	if err != nil {
		return err
	}
	vm.fGlobals[g.Index] = v
	return nil
}

// GetStringVariable reads a string-partition global by name.
func (vm *VM) GetStringVariable(name string) (string, error) {
	g, err := vm.globalDesc(name, MaskString)
	if err != nil {
		return "", err
	}
	return vm.sGlobals[g.Index], nil
}

// SetStringVariable writes a string-partition global by name.
func (vm *VM) SetStringVariable(name string, v string) error {
	g, err := vm.globalDesc(name, MaskString)
	if err != nil {
		return err
	}
	vm.sGlobals[g.Index] = v
	return nil
}

// GetObjectVariable reads an object-partition global by name. Arrays,
// channels and user objects all live here.
func (vm *VM) GetObjectVariable(name string) (Ref, error) {
	g, err := vm.globalDesc(name, MaskObject)
	if err != nil {
		return nil, err
	}
	return vm.oGlobals[g.Index], nil
}

// SetObjectVariable writes an object-partition global by name.
func (vm *VM) SetObjectVariable(name string, v Ref) error {
	g, err := vm.globalDesc(name, MaskObject)
	if err != nil {
		return err
	}
	vm.oGlobals[g.Index] = v
	return nil
}

// GetPointerVariable reads a raw pointer stored in the object partition.
func (vm *VM) GetPointerVariable(name string) (unsafe.Pointer, error) {
	r, err := vm.GetObjectVariable(name)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, nil
	}
	p, ok := r.(unsafe.Pointer)
	if !ok {
		return nil, fmt.Errorf("vm: global variable %q does not hold a raw pointer", name)
	}
	return p, nil
}

// SetPointerVariable stores a raw pointer in the object partition.
func (vm *VM) SetPointerVariable(name string, p unsafe.Pointer) error {
	return vm.SetObjectVariable(name, p)
}
