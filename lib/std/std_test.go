package std

import (
	"bytes"
	"testing"

	"github.com/Zenohate/grimoire/vm"
)

// runMain loads the program with the std library attached, spawns main
// and drives the VM until it goes quiet.
func runMain(t *testing.T, p *vm.Program) (*vm.VM, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	v := vm.New()
	v.AddLibrary(New(&out))
	if err := v.Load(p); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := v.Spawn(); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	for rounds := 0; v.HasCoroutines(); rounds++ {
		if rounds > 100 {
			t.Fatal("program did not terminate")
		}
		v.Process()
	}
	return v, &out
}

func TestHelloWorld(t *testing.T) {
	// main { printl("hi") }
	b := vm.NewCodeBuilder()
	b.EmitU(vm.OpPushConstString, 0)
	b.EmitU(vm.OpPrimitiveCall, Printl)
	b.Emit(vm.OpReturn)

	v, out := runMain(t, &vm.Program{
		StringConsts: []string{"hi"},
		Opcodes:      b.Code(),
		Primitives:   Primitives(),
		Events:       map[string]uint32{"main": 0},
	})

	if out.String() != "hi\n" {
		t.Errorf("output = %q, want %q", out.String(), "hi\n")
	}
	if v.HasCoroutines() {
		t.Error("has_coroutines after completion")
	}
	if v.IsPanicking() {
		t.Errorf("unexpected panic: %s", v.PanicMessage())
	}
}

func TestArithmeticAndTypecast(t *testing.T) {
	// main { print(string(1 + 2) ++ " " ++ string(3.5 / 2.0)) }
	b := vm.NewCodeBuilder()
	b.EmitU(vm.OpPushConstInt, 0)
	b.EmitU(vm.OpPushConstInt, 1)
	b.Emit(vm.OpAddInt)
	b.Emit(vm.OpIntToString)
	b.EmitU(vm.OpPushConstString, 0)
	b.Emit(vm.OpConcatString)
	b.EmitU(vm.OpPushConstFloat, 0)
	b.EmitU(vm.OpPushConstFloat, 1)
	b.Emit(vm.OpDivFloat)
	b.Emit(vm.OpFloatToString)
	b.Emit(vm.OpConcatString)
	b.EmitU(vm.OpPrimitiveCall, Print)
	b.Emit(vm.OpReturn)

	_, out := runMain(t, &vm.Program{
		IntConsts:    []int32{1, 2},
		FloatConsts:  []float32{3.5, 2.0},
		StringConsts: []string{" "},
		Opcodes:      b.Code(),
		Primitives:   Primitives(),
		Events:       map[string]uint32{"main": 0},
	})

	if out.String() != "3 1.75" {
		t.Errorf("output = %q, want %q", out.String(), "3 1.75")
	}
}

func TestDivisionByZeroPanicsTheVM(t *testing.T) {
	// main { var x = 10 / 0 }
	b := vm.NewCodeBuilder()
	b.EmitU(vm.OpPushConstInt, 0)
	b.EmitU(vm.OpPushConstInt, 1)
	b.Emit(vm.OpDivInt)
	b.Emit(vm.OpReturn)

	v, _ := runMain(t, &vm.Program{
		IntConsts:  []int32{10, 0},
		Opcodes:    b.Code(),
		Primitives: Primitives(),
		Events:     map[string]uint32{"main": 0},
	})

	if !v.IsPanicking() {
		t.Fatal("VM not panicking")
	}
	if v.PanicMessage() != "ZeroDivisionError" {
		t.Errorf("panic_message = %q, want ZeroDivisionError", v.PanicMessage())
	}
}
