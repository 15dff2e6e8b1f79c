// Package interpreter is the Executor from spec.md §4.4: a direct,
// tree-walking interpreter that operates over a Store, a ModuleInstance
// handle, and a per-call frame holding locals and an explicit label stack.
//
// This is the "direct interpreter (label stack)" option named by spec.md §9
// ("Control flow of structured blocks"), as opposed to a
// threaded/dispatch-table engine. The teacher (wazero) ships several engines
// (a direct interpreter, a native-code compiler, and an SSA backend); this
// implementation corresponds to its interpreter engine, rebuilt against
// this repo's simpler (non-wazeroir) Module IR — see
// internal/engine/interpreter/interpreter_test.go in the teacher for the
// naming this package's tests are grounded on.
package interpreter

import wasm "github.com/rnxpyke/wasm/internal/wasm"

// label is one entry of a frame's control label stack (spec.md §4.4
// "Frames"): its branch arity, the operand-stack height to unwind to, and
// whether branching here restarts a loop or resumes after a block/if.
//
// id is a per-frame monotonically increasing identifier, stable across a
// loop's repeated re-entry, used by runBlock/runConstruct to recognize
// "this branch targets the label I pushed" after the operand/label stacks
// have already been unwound by the branching instruction itself.
type label struct {
	id     int
	arity  int
	height int
	isLoop bool
}

// frame holds one function call's locals, per-call operand stack, and label
// stack, per spec.md §3 "Frame" and §4.4. Frames are scoped to a single
// call and destroyed on return or trap.
type frame struct {
	locals []uint64
	mi     *wasm.ModuleInstance
	stack  []uint64
	labels []label

	nextLabelID int
	debugName   string
}

func (fr *frame) push(v uint64) { fr.stack = append(fr.stack, v) }

func (fr *frame) pop() uint64 {
	v := fr.stack[len(fr.stack)-1]
	fr.stack = fr.stack[:len(fr.stack)-1]
	return v
}

// popN pops and returns the top n values, preserving their original
// (bottom-to-top) order.
func (fr *frame) popN(n int) []uint64 {
	if n == 0 {
		return nil
	}
	start := len(fr.stack) - n
	out := make([]uint64, n)
	copy(out, fr.stack[start:])
	fr.stack = fr.stack[:start]
	return out
}

func (fr *frame) peek() uint64 { return fr.stack[len(fr.stack)-1] }
