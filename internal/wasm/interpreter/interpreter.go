package interpreter

import (
	"fmt"

	"github.com/rnxpyke/wasm/api"
	wasm "github.com/rnxpyke/wasm/internal/wasm"
	"github.com/sirupsen/logrus"
)

// DefaultMaxCallDepth is the call-stack depth ceiling applied when a
// RuntimeConfig doesn't override it, per SPEC_FULL.md §4.4 supplement.
const DefaultMaxCallDepth = 2000

// Interpreter is the Executor: the interpreter loop and call mechanism
// described in spec.md §4.4, operating over a single Store.
type Interpreter struct {
	Store        *wasm.Store
	MaxCallDepth int
	Log          logrus.FieldLogger

	// EnableBulkMemory gates memory.copy/memory.fill (SPEC_FULL.md's
	// bulk-memory supplement); defaults to true via New. A RuntimeConfig
	// with WithBulkMemory(false) traps any module that uses them instead of
	// rejecting it at decode time, matching the core spec's framing of
	// bulk-memory as a runtime feature rather than a syntactic one.
	EnableBulkMemory bool

	depth int
}

// New returns an Interpreter bound to store. maxCallDepth <= 0 selects
// DefaultMaxCallDepth.
func New(store *wasm.Store, maxCallDepth int) *Interpreter {
	if maxCallDepth <= 0 {
		maxCallDepth = DefaultMaxCallDepth
	}
	return &Interpreter{Store: store, MaxCallDepth: maxCallDepth, Log: logrus.StandardLogger(), EnableBulkMemory: true}
}

// Invoke calls the function at addr with args encoded per api.ValueType
// rules, returning its results or a *wasm.Trap / argument-mismatch error.
// This is the "invoke(funcAddr, args) -> results-or-trap" entry point named
// by spec.md §6.
func (it *Interpreter) Invoke(addr wasm.FuncAddr, args []uint64) ([]uint64, error) {
	fn := it.Store.Functions[addr]
	if len(args) != len(fn.Type.Params) {
		return nil, fmt.Errorf("wrong number of arguments: want %d, got %d", len(fn.Type.Params), len(args))
	}
	return it.call(fn, args)
}

// control-flow signal kinds returned by runBlock/runConstruct, implementing
// spec.md §4.4's branch/return semantics without an exception-based escape
// (spec.md §9 design note).
type sigKind int

const (
	sigNormal sigKind = iota
	sigBranch
	sigReturn
)

type ctrlSignal struct {
	kind     sigKind
	targetID int
}

// call implements spec.md §4.4 "Function call" steps 1-5.
func (it *Interpreter) call(fn *wasm.FunctionInstance, args []uint64) ([]uint64, error) {
	it.depth++
	defer func() { it.depth-- }()
	if it.depth > it.MaxCallDepth {
		return nil, it.trapf(wasm.TrapCallStackExhausted, "call stack exhausted (depth %d)", it.depth)
	}

	if fn.IsHost() {
		results, err := fn.GoFunc(args)
		if err != nil {
			if t, ok := err.(*wasm.Trap); ok {
				return nil, t
			}
			t := &wasm.Trap{Code: wasm.TrapHostFunction, Msg: fn.DebugName, Cause: err}
			it.Log.WithError(err).WithField("func", fn.DebugName).Debug("host function trap")
			return nil, t
		}
		return results, nil
	}

	locals := make([]uint64, len(args)+int(fn.Code.NumLocals()))
	copy(locals, args)
	li := len(args)
	for _, l := range fn.Code.Locals {
		for i := uint32(0); i < l.Count; i++ {
			locals[li] = zeroValue(l.Type)
			li++
		}
	}

	fr := &frame{locals: locals, mi: fn.Module, debugName: fn.DebugName}
	sig, err := it.runBlock(fr, fn.Code.Body)
	if err != nil {
		return nil, err
	}
	arity := len(fn.Type.Results)
	switch sig.kind {
	case sigReturn, sigNormal:
		return fr.popN(arity), nil
	default:
		// A branch signal escaping the function body means a malformed
		// module branched past its own outermost label; spec.md §4.4 treats
		// the function body itself as carrying an implicit outermost label,
		// so this path is unreachable for well-formed input.
		return nil, fmt.Errorf("internal error: unresolved branch to label %d escaped function body", sig.targetID)
	}
}

func zeroValue(t api.ValueType) uint64 {
	if t == api.ValueTypeFuncref || t == api.ValueTypeExternref {
		return api.NullReference
	}
	return 0
}

// trapf builds a Trap and logs it via it.Log, the boundary that produces it
// per SPEC_FULL.md §7 ("traps ... logged via logrus at the boundary that
// produces them, then returned").
func (it *Interpreter) trapf(code wasm.TrapCode, format string, args ...interface{}) *wasm.Trap {
	t := &wasm.Trap{Code: code, Msg: fmt.Sprintf(format, args...)}
	it.Log.WithField("trap", code.String()).Debug(t.Msg)
	return t
}

// blockFuncType resolves a BlockType's FunctionType, treating the absence of
// an explicit type (nil Block, the common case for WebAssembly 1.0's
// inline-only result-type encoding) as `() -> ()`.
func blockFuncType(bt *wasm.BlockType) *wasm.FunctionType {
	if bt == nil || bt.Type == nil {
		return &wasm.FunctionType{}
	}
	return bt.Type
}

// runBlock executes instrs sequentially within fr, implementing the control
// instructions of spec.md §4.4. It returns once instrs completes normally,
// or a branch/return signal needs to propagate to an enclosing construct.
func (it *Interpreter) runBlock(fr *frame, instrs []wasm.Instruction) (ctrlSignal, error) {
	for i := 0; i < len(instrs); i++ {
		instr := instrs[i]
		switch instr.Opcode {
		case wasm.OpUnreachable:
			return ctrlSignal{}, it.trapf(wasm.TrapUnreachable, "unreachable executed")
		case wasm.OpNop:
			// no-op

		case wasm.OpBlock:
			sig, err := it.runConstruct(fr, instr.Block, false, instr.Then)
			if err != nil || sig.kind != sigNormal {
				return sig, err
			}
		case wasm.OpLoop:
			sig, err := it.runConstruct(fr, instr.Block, true, instr.Then)
			if err != nil || sig.kind != sigNormal {
				return sig, err
			}
		case wasm.OpIf:
			cond := fr.pop()
			body := instr.Else
			if api.DecodeI32(cond) != 0 {
				body = instr.Then
			}
			sig, err := it.runConstruct(fr, instr.Block, false, body)
			if err != nil || sig.kind != sigNormal {
				return sig, err
			}

		case wasm.OpBr:
			return it.branch(fr, instr.LabelIdx)
		case wasm.OpBrIf:
			cond := fr.pop()
			if api.DecodeI32(cond) != 0 {
				return it.branch(fr, instr.LabelIdx)
			}
		case wasm.OpBrTable:
			idx := api.DecodeI32(fr.pop())
			targets := instr.LabelIdxs
			k := len(targets) - 1
			n := targets[k]
			if idx >= 0 && int(idx) < k {
				n = targets[idx]
			}
			return it.branch(fr, n)
		case wasm.OpReturn:
			return ctrlSignal{kind: sigReturn}, nil

		case wasm.OpCall:
			callee := it.Store.Functions[fr.mi.FunctionAddrs[instr.FuncIdx]]
			args := fr.popN(len(callee.Type.Params))
			results, err := it.call(callee, args)
			if err != nil {
				return ctrlSignal{}, err
			}
			for _, r := range results {
				fr.push(r)
			}
		case wasm.OpCallIndirect:
			if err := it.callIndirect(fr, instr); err != nil {
				return ctrlSignal{}, err
			}

		case wasm.OpDrop:
			fr.pop()
		case wasm.OpSelect:
			c := api.DecodeI32(fr.pop())
			v2 := fr.pop()
			v1 := fr.pop()
			if c != 0 {
				fr.push(v1)
			} else {
				fr.push(v2)
			}

		case wasm.OpLocalGet:
			fr.push(fr.locals[instr.LocalIdx])
		case wasm.OpLocalSet:
			fr.locals[instr.LocalIdx] = fr.pop()
		case wasm.OpLocalTee:
			fr.locals[instr.LocalIdx] = fr.peek()
		case wasm.OpGlobalGet:
			fr.push(it.Store.Globals[fr.mi.GlobalAddrs[instr.GlobalIdx]].Val)
		case wasm.OpGlobalSet:
			it.Store.Globals[fr.mi.GlobalAddrs[instr.GlobalIdx]].Val = fr.pop()

		case wasm.OpI32Const:
			fr.push(api.EncodeI32(instr.I32))
		case wasm.OpI64Const:
			fr.push(api.EncodeI64(instr.I64))
		case wasm.OpF32Const:
			fr.push(api.EncodeF32(instr.F32))
		case wasm.OpF64Const:
			fr.push(api.EncodeF64(instr.F64))

		case wasm.OpMemorySize:
			fr.push(api.EncodeI32(int32(it.memory(fr).PageSize())))
		case wasm.OpMemoryGrow:
			delta := uint32(api.DecodeI32(fr.pop()))
			prev, ok := it.memory(fr).Grow(delta)
			if !ok {
				fr.push(api.EncodeI32(-1))
			} else {
				fr.push(api.EncodeI32(int32(prev)))
			}

		case wasm.OpPrefixed:
			if err := it.execBulkMemory(fr, instr); err != nil {
				return ctrlSignal{}, err
			}

		default:
			if isMemoryOp(instr.Opcode) {
				if err := it.execMemory(fr, instr); err != nil {
					return ctrlSignal{}, err
				}
			} else if err := it.execNumeric(fr, instr.Opcode); err != nil {
				return ctrlSignal{}, err
			}
		}
	}
	return ctrlSignal{}, nil
}

// runConstruct implements spec.md §4.4's block/loop/if semantics: push a
// label, execute body, and on a branch targeting this construct either
// restart (loop) or resume normally (block/if).
func (it *Interpreter) runConstruct(fr *frame, bt *wasm.BlockType, isLoop bool, body []wasm.Instruction) (ctrlSignal, error) {
	t := blockFuncType(bt)
	arity := len(t.Results)
	if isLoop {
		arity = len(t.Params)
	}
	height := len(fr.stack) - len(t.Params)
	id := fr.nextLabelID
	fr.nextLabelID++

	for {
		fr.labels = append(fr.labels, label{id: id, arity: arity, height: height, isLoop: isLoop})
		sig, err := it.runBlock(fr, body)
		if err != nil {
			return ctrlSignal{}, err
		}
		switch sig.kind {
		case sigNormal:
			fr.labels = fr.labels[:len(fr.labels)-1]
			return sig, nil
		case sigReturn:
			return sig, nil
		default: // sigBranch
			if sig.targetID != id {
				return sig, nil // not mine: propagate
			}
			if isLoop {
				continue // restart the loop body
			}
			return ctrlSignal{}, nil // resume after this block/if
		}
	}
}

// branch implements spec.md §4.4 "br n": resolve the (n+1)-th enclosing
// label, save/restore its arity of values across an unwound stack, and
// signal the owning runConstruct to resume or restart.
func (it *Interpreter) branch(fr *frame, n wasm.LabelIdx) (ctrlSignal, error) {
	targetIdx := len(fr.labels) - 1 - int(n)
	if targetIdx == -1 {
		// The function body's implicit outermost label: same as return.
		return ctrlSignal{kind: sigReturn}, nil
	}
	if targetIdx < 0 {
		return ctrlSignal{}, fmt.Errorf("internal error: branch label index %d out of range", n)
	}
	target := fr.labels[targetIdx]
	saved := fr.popN(target.arity)
	fr.stack = fr.stack[:target.height]
	fr.stack = append(fr.stack, saved...)
	fr.labels = fr.labels[:targetIdx]
	return ctrlSignal{kind: sigBranch, targetID: target.id}, nil
}

func (it *Interpreter) callIndirect(fr *frame, instr wasm.Instruction) error {
	idx := api.DecodeI32(fr.pop())
	table := it.Store.Tables[fr.mi.TableAddrs[instr.TableIdx]]
	if idx < 0 || int(idx) >= len(table.Elements) {
		return it.trapf(wasm.TrapTableOutOfBounds, "index %d out of bounds (table size %d)", idx, len(table.Elements))
	}
	ref := table.Elements[idx]
	if ref == api.NullReference {
		return it.trapf(wasm.TrapUninitializedElement, "table element %d is uninitialized", idx)
	}
	callee := it.Store.Functions[ref]
	want := fr.mi.Types[instr.TypeIdx]
	if !want.EqualTo(callee.Type) {
		return it.trapf(wasm.TrapIndirectCallTypeMismatch, "want %s, got %s", want, callee.Type)
	}
	args := fr.popN(len(callee.Type.Params))
	results, err := it.call(callee, args)
	if err != nil {
		return err
	}
	for _, r := range results {
		fr.push(r)
	}
	return nil
}

func (it *Interpreter) memory(fr *frame) *wasm.MemoryInstance {
	return it.Store.Memories[fr.mi.MemoryAddrs[0]]
}
