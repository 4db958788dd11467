// Package std provides the seed standard library for Grimoire hosts: the
// print primitives the toolchain assumes and the default sink wiring.
package std

import (
	"fmt"
	"io"

	"github.com/Zenohate/grimoire/vm"
)

// New builds the std library writing to the given sink. The compiler
// emits the string conversions itself, so print takes a string.
func New(out io.Writer) *vm.Library {
	lib := vm.NewLibrary("std")
	lib.Register("print", func(c *vm.Call) {
		fmt.Fprint(out, c.GetString(0))
	})
	lib.Register("printl", func(c *vm.Call) {
		fmt.Fprintln(out, c.GetString(0))
	})
	return lib
}

// Primitives returns the primitive descriptor table matching this
// library, in the order the code generator indexes it.
func Primitives() []vm.PrimitiveDesc {
	return []vm.PrimitiveDesc{
		{Library: 0, Name: "print", Params: "s", Result: ""},
		{Library: 0, Name: "printl", Params: "s", Result: ""},
	}
}

// Print is the primitive index of print.
const Print = 0

// Printl is the primitive index of printl.
const Printl = 1
