// Package vm implements the Grimoire virtual machine.
//
// This package contains:
//   - The immutable Program artifact and its binary file format
//   - Type-partitioned value stacks and local arenas per coroutine
//   - A cooperative scheduler over an indexed coroutine pool
//   - Bounded typed channels with select evaluation
//   - Exception unwinding with per-frame defer and handler stacks
//   - The host bridge: typed global variables and the primitive ABI
package vm
