package vm

import (
	"bytes"
	"math"
	"reflect"
	"testing"
)

func sampleProgram() *Program {
	b := NewCodeBuilder()
	b.EmitU(OpPushConstInt, 0)
	b.EmitU(OpPushConstInt, 1)
	b.Emit(OpAddInt)
	b.EmitU(OpStoreGlobalInt, 0)
	b.Emit(OpReturn)

	return &Program{
		IntConsts:    []int32{1, 2, -7},
		FloatConsts:  []float32{3.5, -0.25, float32(math.Pi)},
		StringConsts: []string{"hi", "", "grimoire é世"},
		Opcodes:      b.Code(),
		IntGlobals:   2,
		ObjectGlobals: 1,
		Primitives: []PrimitiveDesc{
			{Library: 0, Name: "print", Params: "s", Result: ""},
			{Library: 1, Name: "clock", Params: "", Result: "i"},
		},
		Events: map[string]uint32{"main": 0, "on_tick_i": 2},
		Classes: []*ClassDesc{
			{Name: "Point", Fields: []FieldDesc{
				{Name: "x", Kind: KindInt},
				{Name: "y", Kind: KindInt},
				{Name: "label", Kind: KindString},
			}},
		},
		Globals: map[string]GlobalDesc{
			"score": {Index: 0, Mask: MaskInt},
			"board": {Index: 0, Mask: MaskObject},
		},
		Funcs: []FuncDesc{
			{Name: "main", Pos: 0, Len: 5},
			{Name: "helper", Pos: 2, Len: 2},
		},
	}
}

func TestProgramRoundTrip(t *testing.T) {
	p := sampleProgram()

	var buf bytes.Buffer
	if err := WriteProgram(&buf, p); err != nil {
		t.Fatalf("WriteProgram: %v", err)
	}
	got, err := ReadProgram(&buf)
	if err != nil {
		t.Fatalf("ReadProgram: %v", err)
	}

	if !reflect.DeepEqual(got, p) {
		t.Errorf("round trip mismatch:\n got %#v\nwant %#v", got, p)
	}
}

func TestProgramRoundTripEmpty(t *testing.T) {
	p := &Program{
		Events:  map[string]uint32{},
		Globals: map[string]GlobalDesc{},
	}
	var buf bytes.Buffer
	if err := WriteProgram(&buf, p); err != nil {
		t.Fatalf("WriteProgram: %v", err)
	}
	got, err := ReadProgram(&buf)
	if err != nil {
		t.Fatalf("ReadProgram: %v", err)
	}
	if len(got.Opcodes) != 0 || len(got.IntConsts) != 0 {
		t.Errorf("empty program round trip grew fields: %#v", got)
	}
}

func TestReadProgramTruncated(t *testing.T) {
	p := sampleProgram()
	var buf bytes.Buffer
	if err := WriteProgram(&buf, p); err != nil {
		t.Fatalf("WriteProgram: %v", err)
	}
	raw := buf.Bytes()
	if _, err := ReadProgram(bytes.NewReader(raw[:len(raw)/2])); err == nil {
		t.Error("expected error for truncated program")
	}
	if _, err := ReadProgram(bytes.NewReader(raw[:3])); err == nil {
		t.Error("expected error for truncated header")
	}
}

func TestReadProgramBogusCount(t *testing.T) {
	// A header claiming 2^31 int constants must fail fast, not allocate.
	raw := []byte{
		0, 0, 0, 0x80,
		0, 0, 0, 0,
		0, 0, 0, 0,
		0, 0, 0, 0,
	}
	if _, err := ReadProgram(bytes.NewReader(raw)); err == nil {
		t.Error("expected error for bogus section count")
	}
}

func TestFuncAtShortestEnclosing(t *testing.T) {
	p := &Program{Funcs: []FuncDesc{
		{Name: "outer", Pos: 0, Len: 10},
		{Name: "inner", Pos: 2, Len: 3},
	}}
	if f := p.FuncAt(3); f == nil || f.Name != "inner" {
		t.Errorf("FuncAt(3) = %v, want inner", f)
	}
	if f := p.FuncAt(7); f == nil || f.Name != "outer" {
		t.Errorf("FuncAt(7) = %v, want outer", f)
	}
	if f := p.FuncAt(42); f != nil {
		t.Errorf("FuncAt(42) = %v, want nil", f)
	}
}
