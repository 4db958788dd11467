package vm

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"
	"unicode/utf16"
)

// ---------------------------------------------------------------------------
// Binary program format
// ---------------------------------------------------------------------------
//
// All fields are little-endian; every count precedes its payload:
//
//	header   : u32[4] = [n_iconst, n_fconst, n_sconst, n_opcodes]
//	iconsts  : i32 x n_iconst
//	fconsts  : f32 x n_fconst
//	sconsts  : (u32 len, u16 x len) x n_sconst       UTF-16 code units
//	opcodes  : u32 x n_opcodes
//	events   : u32 n, then (name, u32 pc) x n        sorted by name
//	globals  : u32[4] partition sizes
//	prims    : u32 n, then (u32 lib, name, params, result) x n
//	classes  : u32 n, then (name, u32 nfields, (name, u8 kind) x nfields) x n
//	vartable : u32 n, then (name, u32 index, u8 mask) x n   sorted by name
//	funcs    : u32 n, then (name, u32 pos, u32 len) x n
//
// Strings outside the constant pool use the same wide encoding as sconsts.

// sanity bound on every deserialized count; a malformed header is a host
// error, not an allocation storm.
const maxSectionCount = 1 << 26

type programWriter struct {
	w   *bufio.Writer
	err error
}

func (pw *programWriter) u8(v uint8) {
	if pw.err == nil {
		pw.err = pw.w.WriteByte(v)
	}
}

func (pw *programWriter) u16(v uint16) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	if pw.err == nil {
		_, pw.err = pw.w.Write(buf[:])
	}
}

func (pw *programWriter) u32(v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	if pw.err == nil {
		_, pw.err = pw.w.Write(buf[:])
	}
}

func (pw *programWriter) wstring(s string) {
	units := utf16.Encode([]rune(s))
	pw.u32(uint32(len(units)))
	for _, u := range units {
		pw.u16(u)
	}
}

// WriteProgram serializes a program in the binary file format.
func WriteProgram(w io.Writer, p *Program) error {
	pw := &programWriter{w: bufio.NewWriter(w)}

	pw.u32(uint32(len(p.IntConsts)))
	pw.u32(uint32(len(p.FloatConsts)))
	pw.u32(uint32(len(p.StringConsts)))
	pw.u32(uint32(len(p.Opcodes)))

	for _, v := range p.IntConsts {
		pw.u32(uint32(v))
	}
	for _, v := range p.FloatConsts {
		pw.u32(math.Float32bits(v))
	}
	for _, s := range p.StringConsts {
		pw.wstring(s)
	}
	for _, w := range p.Opcodes {
		pw.u32(uint32(w))
	}

	events := make([]string, 0, len(p.Events))
	for name := range p.Events {
		events = append(events, name)
	}
	sort.Strings(events)
	pw.u32(uint32(len(events)))
	for _, name := range events {
		pw.wstring(name)
		pw.u32(p.Events[name])
	}

	pw.u32(p.IntGlobals)
	pw.u32(p.FloatGlobals)
	pw.u32(p.StringGlobals)
	pw.u32(p.ObjectGlobals)

	pw.u32(uint32(len(p.Primitives)))
	for _, prim := range p.Primitives {
		pw.u32(prim.Library)
		pw.wstring(prim.Name)
		pw.wstring(prim.Params)
		pw.wstring(prim.Result)
	}

	pw.u32(uint32(len(p.Classes)))
	for _, c := range p.Classes {
		pw.wstring(c.Name)
		pw.u32(uint32(len(c.Fields)))
		for _, f := range c.Fields {
			pw.wstring(f.Name)
			pw.u8(uint8(f.Kind))
		}
	}

	vars := make([]string, 0, len(p.Globals))
	for name := range p.Globals {
		vars = append(vars, name)
	}
	sort.Strings(vars)
	pw.u32(uint32(len(vars)))
	for _, name := range vars {
		g := p.Globals[name]
		pw.wstring(name)
		pw.u32(g.Index)
		pw.u8(g.Mask)
	}

	pw.u32(uint32(len(p.Funcs)))
	for _, f := range p.Funcs {
		pw.wstring(f.Name)
		pw.u32(f.Pos)
		pw.u32(f.Len)
	}

	if pw.err != nil {
		return fmt.Errorf("vm: write program: %w", pw.err)
	}
	return pw.w.Flush()
}

type programReader struct {
	r   *bufio.Reader
	err error
}

func (pr *programReader) u8() uint8 {
	if pr.err != nil {
		return 0
	}
	b, err := pr.r.ReadByte()
	if err != nil {
		pr.err = err
		return 0
	}
	return b
}

func (pr *programReader) u16() uint16 {
	var buf [2]byte
	if pr.err != nil {
		return 0
	}
	if _, err := io.ReadFull(pr.r, buf[:]); err != nil {
		pr.err = err
		return 0
	}
	return binary.LittleEndian.Uint16(buf[:])
}

func (pr *programReader) u32() uint32 {
	var buf [4]byte
	if pr.err != nil {
		return 0
	}
	if _, err := io.ReadFull(pr.r, buf[:]); err != nil {
		pr.err = err
		return 0
	}
	return binary.LittleEndian.Uint32(buf[:])
}

func (pr *programReader) count() int {
	n := pr.u32()
	if pr.err == nil && n > maxSectionCount {
		pr.err = fmt.Errorf("section count %d exceeds limit", n)
	}
	return int(n)
}

func (pr *programReader) wstring() string {
	n := pr.count()
	if pr.err != nil {
		return ""
	}
	units := make([]uint16, n)
	for i := range units {
		units[i] = pr.u16()
	}
	if pr.err != nil {
		return ""
	}
	return string(utf16.Decode(units))
}

// ReadProgram deserializes a program from the binary file format. A
// malformed header or truncated payload is reported as a host-level error.
func ReadProgram(r io.Reader) (*Program, error) {
	pr := &programReader{r: bufio.NewReader(r)}
	p := &Program{}

	nIconst := pr.count()
	nFconst := pr.count()
	nSconst := pr.count()
	nOpcodes := pr.count()
	if pr.err != nil {
		return nil, fmt.Errorf("vm: malformed program header: %w", pr.err)
	}

	p.IntConsts = make([]int32, nIconst)
	for i := range p.IntConsts {
		p.IntConsts[i] = int32(pr.u32())
	}
	p.FloatConsts = make([]float32, nFconst)
	for i := range p.FloatConsts {
		p.FloatConsts[i] = math.Float32frombits(pr.u32())
	}
	p.StringConsts = make([]string, nSconst)
	for i := range p.StringConsts {
		p.StringConsts[i] = pr.wstring()
	}
	p.Opcodes = make([]Instr, nOpcodes)
	for i := range p.Opcodes {
		p.Opcodes[i] = Instr(pr.u32())
	}

	nEvents := pr.count()
	p.Events = make(map[string]uint32, nEvents)
	for i := 0; i < nEvents && pr.err == nil; i++ {
		name := pr.wstring()
		p.Events[name] = pr.u32()
	}

	p.IntGlobals = pr.u32()
	p.FloatGlobals = pr.u32()
	p.StringGlobals = pr.u32()
	p.ObjectGlobals = pr.u32()

	nPrims := pr.count()
	if pr.err == nil {
		p.Primitives = make([]PrimitiveDesc, nPrims)
		for i := range p.Primitives {
			p.Primitives[i].Library = pr.u32()
			p.Primitives[i].Name = pr.wstring()
			p.Primitives[i].Params = pr.wstring()
			p.Primitives[i].Result = pr.wstring()
		}
	}

	nClasses := pr.count()
	if pr.err == nil {
		p.Classes = make([]*ClassDesc, nClasses)
		for i := range p.Classes {
			c := &ClassDesc{Name: pr.wstring()}
			nFields := pr.count()
			if pr.err != nil {
				break
			}
			c.Fields = make([]FieldDesc, nFields)
			for j := range c.Fields {
				c.Fields[j].Name = pr.wstring()
				c.Fields[j].Kind = Kind(pr.u8())
			}
			p.Classes[i] = c
		}
	}

	nVars := pr.count()
	p.Globals = make(map[string]GlobalDesc, nVars)
	for i := 0; i < nVars && pr.err == nil; i++ {
		name := pr.wstring()
		idx := pr.u32()
		mask := pr.u8()
		p.Globals[name] = GlobalDesc{Index: idx, Mask: mask}
	}

	nFuncs := pr.count()
	if pr.err == nil {
		p.Funcs = make([]FuncDesc, nFuncs)
		for i := range p.Funcs {
			p.Funcs[i].Name = pr.wstring()
			p.Funcs[i].Pos = pr.u32()
			p.Funcs[i].Len = pr.u32()
		}
	}

	if pr.err != nil {
		return nil, fmt.Errorf("vm: malformed program: %w", pr.err)
	}
	return p, nil
}
