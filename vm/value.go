package vm

import "fmt"

// ---------------------------------------------------------------------------
// Kinds: the four type partitions
// ---------------------------------------------------------------------------

// Kind identifies one of the four type partitions the VM keeps separate.
type Kind uint8

const (
	KindInt Kind = iota
	KindFloat
	KindString
	KindObject
)

var kindNames = [...]string{"int", "float", "string", "object"}

// String implements the Stringer interface.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Letter returns the signature letter for a kind.
func (k Kind) Letter() byte { return "ifso"[k] }

// KindFromLetter maps a signature letter back to a kind.
func KindFromLetter(c byte) (Kind, bool) {
	switch c {
	case 'i':
		return KindInt, true
	case 'f':
		return KindFloat, true
	case 's':
		return KindString, true
	case 'o':
		return KindObject, true
	}
	return 0, false
}

// Ref is any value that can live on the object stack or in an object
// partition slot: arrays, objects, channels, slot references, or nil.
type Ref = any

// ---------------------------------------------------------------------------
// Typed arrays
// ---------------------------------------------------------------------------

// Array is a mutable typed sequence. The VM instantiates it for the four
// element kinds; element access always goes through wrap-checked indexing
// in the dispatcher.
type Array[T any] struct {
	Elems []T
}

// IntArray, FloatArray, StringArray and ObjectArray name the four
// instantiations the instruction set operates on.
type (
	IntArray    = Array[int32]
	FloatArray  = Array[float32]
	StringArray = Array[string]
	ObjectArray = Array[Ref]
)

// NewArray allocates an array of n default-initialized elements.
func NewArray[T any](n int) *Array[T] {
	return &Array[T]{Elems: make([]T, n)}
}

// Len returns the element count.
func (a *Array[T]) Len() int { return len(a.Elems) }

// Append adds a value at the end.
func (a *Array[T]) Append(v T) { a.Elems = append(a.Elems, v) }

// Prepend inserts a value at the front.
func (a *Array[T]) Prepend(v T) {
	a.Elems = append(a.Elems, v)
	copy(a.Elems[1:], a.Elems)
	a.Elems[0] = v
}

// concatArrays builds a fresh array holding a's elements followed by b's.
func concatArrays[T any](a, b *Array[T]) *Array[T] {
	out := &Array[T]{Elems: make([]T, 0, len(a.Elems)+len(b.Elems))}
	out.Elems = append(out.Elems, a.Elems...)
	out.Elems = append(out.Elems, b.Elems...)
	return out
}

// arraysEqual reports structural equality. Object elements compare by
// identity, which is what == gives us for the pointer types stored there.
func arraysEqual[T comparable](a, b *Array[T]) bool {
	if len(a.Elems) != len(b.Elems) {
		return false
	}
	for i, v := range a.Elems {
		if v != b.Elems[i] {
			return false
		}
	}
	return true
}

// wrapIndex applies the single negative wrap and bounds-checks the result.
// The boolean is false when the index is outside [0, n).
func wrapIndex(idx int32, n int) (int, bool) {
	i := int(idx)
	if i < 0 {
		i += n
	}
	if i < 0 || i >= n {
		return 0, false
	}
	return i, true
}

// ---------------------------------------------------------------------------
// Classes and objects
// ---------------------------------------------------------------------------

// FieldDesc declares one object field.
type FieldDesc struct {
	Name string
	Kind Kind
}

// ClassDesc describes an object layout: the class name and its ordered,
// typed fields. Field indices in fieldLoad/fieldStore opcodes count within
// the field's kind partition.
type ClassDesc struct {
	Name   string
	Fields []FieldDesc
}

// counts returns the number of fields per kind partition.
func (c *ClassDesc) counts() (ni, nf, ns, no int) {
	for _, f := range c.Fields {
		switch f.Kind {
		case KindInt:
			ni++
		case KindFloat:
			nf++
		case KindString:
			ns++
		case KindObject:
			no++
		}
	}
	return
}

// Object is an instance of a ClassDesc with per-kind field banks, all
// default-initialized at allocation.
type Object struct {
	Class   *ClassDesc
	Ints    []int32
	Floats  []float32
	Strings []string
	Refs    []Ref
}

// NewObject allocates an instance of the given class.
func NewObject(c *ClassDesc) *Object {
	ni, nf, ns, no := c.counts()
	return &Object{
		Class:   c,
		Ints:    make([]int32, ni),
		Floats:  make([]float32, nf),
		Strings: make([]string, ns),
		Refs:    make([]Ref, no),
	}
}
