package interpreter

import (
	"math"
	"testing"

	"github.com/rnxpyke/wasm/api"
	wasm "github.com/rnxpyke/wasm/internal/wasm"
	"github.com/stretchr/testify/require"
)

func i32i32i32() *wasm.FunctionType {
	return &wasm.FunctionType{
		Params:  []api.ValueType{api.ValueTypeI32, api.ValueTypeI32},
		Results: []api.ValueType{api.ValueTypeI32},
	}
}

// instantiateFunc builds a one-function module (optionally with a memory or
// table) and returns its Store, FuncAddr, and Interpreter, without going
// through a decoder — these end-to-end scenarios are grounded directly on
// spec.md §8.
func instantiateFunc(t *testing.T, mod *wasm.Module) (*wasm.Store, wasm.FuncAddr, *Interpreter) {
	t.Helper()
	store := wasm.NewStore()
	mi, err := wasm.Instantiate(store, mod, wasm.NewExternals(), "test")
	require.NoError(t, err)
	addr, ok := mi.ExportedFunction("main")
	require.True(t, ok)
	return store, addr, New(store, 0)
}

// 1. add: (i32,i32) -> i32, wraps on overflow.
func TestScenarioAdd(t *testing.T) {
	mod := &wasm.Module{
		TypeSection:     []*wasm.FunctionType{i32i32i32()},
		FunctionSection: []wasm.TypeIdx{0},
		CodeSection: []*wasm.Code{{
			Body: []wasm.Instruction{
				{Opcode: wasm.OpLocalGet, LocalIdx: 0},
				{Opcode: wasm.OpLocalGet, LocalIdx: 1},
				{Opcode: wasm.OpI32Add},
			},
		}},
		ExportSection: []*wasm.Export{{Name: "main", Type: api.ExternTypeFunc, Index: 0}},
	}
	_, addr, it := instantiateFunc(t, mod)

	results, err := it.Invoke(addr, []uint64{api.EncodeI32(2), api.EncodeI32(3)})
	require.NoError(t, err)
	require.Equal(t, int32(5), api.DecodeI32(results[0]))

	results, err = it.Invoke(addr, []uint64{api.EncodeI32(0x7FFFFFFF), api.EncodeI32(1)})
	require.NoError(t, err)
	require.Equal(t, int32(-0x80000000), api.DecodeI32(results[0])) // 0x80000000 as int32
}

// 2. br_if loop counter.
func TestScenarioBrIfLoopCounter(t *testing.T) {
	// local 0: c, initialized to 0 by the zero-value rule.
	loopBody := []wasm.Instruction{
		{Opcode: wasm.OpLocalGet, LocalIdx: 0},
		{Opcode: wasm.OpI32Const, I32: 1},
		{Opcode: wasm.OpI32Add},
		{Opcode: wasm.OpLocalTee, LocalIdx: 0},
		{Opcode: wasm.OpI32Const, I32: 10},
		{Opcode: wasm.OpI32LtS},
		{Opcode: wasm.OpBrIf, LabelIdx: 0},
	}
	mod := &wasm.Module{
		TypeSection:     []*wasm.FunctionType{{Results: []api.ValueType{api.ValueTypeI32}}},
		FunctionSection: []wasm.TypeIdx{0},
		CodeSection: []*wasm.Code{{
			Locals: []wasm.Local{{Count: 1, Type: api.ValueTypeI32}},
			Body: []wasm.Instruction{
				{Opcode: wasm.OpLoop, Block: &wasm.BlockType{}, Then: loopBody},
				{Opcode: wasm.OpLocalGet, LocalIdx: 0},
			},
		}},
		ExportSection: []*wasm.Export{{Name: "main", Type: api.ExternTypeFunc, Index: 0}},
	}
	_, addr, it := instantiateFunc(t, mod)

	results, err := it.Invoke(addr, nil)
	require.NoError(t, err)
	require.Equal(t, int32(10), api.DecodeI32(results[0]))
}

// 3. trap on div: IntegerDivideByZero and IntegerOverflow.
func TestScenarioTrapOnDiv(t *testing.T) {
	mod := &wasm.Module{
		TypeSection:     []*wasm.FunctionType{i32i32i32()},
		FunctionSection: []wasm.TypeIdx{0},
		CodeSection: []*wasm.Code{{
			Body: []wasm.Instruction{
				{Opcode: wasm.OpLocalGet, LocalIdx: 0},
				{Opcode: wasm.OpLocalGet, LocalIdx: 1},
				{Opcode: wasm.OpI32DivS},
			},
		}},
		ExportSection: []*wasm.Export{{Name: "main", Type: api.ExternTypeFunc, Index: 0}},
	}
	_, addr, it := instantiateFunc(t, mod)

	_, err := it.Invoke(addr, []uint64{api.EncodeI32(1), api.EncodeI32(0)})
	var trap *wasm.Trap
	require.ErrorAs(t, err, &trap)
	require.Equal(t, wasm.TrapIntegerDivideByZero, trap.Code)

	_, err = it.Invoke(addr, []uint64{api.EncodeI32(math.MinInt32), api.EncodeI32(-1)})
	require.ErrorAs(t, err, &trap)
	require.Equal(t, wasm.TrapIntegerOverflow, trap.Code)
}

// 4. memory store/load, and out-of-bounds trap.
func TestScenarioMemoryStoreLoad(t *testing.T) {
	body := []wasm.Instruction{
		{Opcode: wasm.OpLocalGet, LocalIdx: 0}, // addr
		{Opcode: wasm.OpI32Const, I32: -0x21524111}, // 0xDEADBEEF as int32
		{Opcode: wasm.OpI32Store, Mem: wasm.MemArg{}},
		{Opcode: wasm.OpLocalGet, LocalIdx: 0},
		{Opcode: wasm.OpI32Load, Mem: wasm.MemArg{}},
	}
	mod := &wasm.Module{
		TypeSection:     []*wasm.FunctionType{{Params: []api.ValueType{api.ValueTypeI32}, Results: []api.ValueType{api.ValueTypeI32}}},
		FunctionSection: []wasm.TypeIdx{0},
		CodeSection:     []*wasm.Code{{Body: body}},
		MemorySection:   []*wasm.MemoryType{{Limits: wasm.Limits{Min: 1}}},
		ExportSection:   []*wasm.Export{{Name: "main", Type: api.ExternTypeFunc, Index: 0}},
	}
	_, addr, it := instantiateFunc(t, mod)

	results, err := it.Invoke(addr, []uint64{api.EncodeI32(16)})
	require.NoError(t, err)
	require.Equal(t, uint32(0xDEADBEEF), uint32(api.DecodeI32(results[0])))

	_, err = it.Invoke(addr, []uint64{api.EncodeI32(65533)})
	var trap *wasm.Trap
	require.ErrorAs(t, err, &trap)
	require.Equal(t, wasm.TrapMemoryOutOfBounds, trap.Code)
}

// 5. indirect call: table of size 2, out-of-bounds index traps.
func TestScenarioIndirectCall(t *testing.T) {
	retSeven := &wasm.Code{Body: []wasm.Instruction{{Opcode: wasm.OpI32Const, I32: 7}}}
	retNine := &wasm.Code{Body: []wasm.Instruction{{Opcode: wasm.OpI32Const, I32: 9}}}
	nullaryI32 := &wasm.FunctionType{Results: []api.ValueType{api.ValueTypeI32}}

	body := []wasm.Instruction{
		{Opcode: wasm.OpLocalGet, LocalIdx: 0},
		{Opcode: wasm.OpCallIndirect, TypeIdx: 0, TableIdx: 0},
	}
	mod := &wasm.Module{
		TypeSection: []*wasm.FunctionType{
			nullaryI32,
			{Params: []api.ValueType{api.ValueTypeI32}, Results: []api.ValueType{api.ValueTypeI32}},
		},
		FunctionSection: []wasm.TypeIdx{0, 0, 1},
		CodeSection:     []*wasm.Code{retSeven, retNine, {Body: body}},
		TableSection:    []*wasm.TableType{{ElemType: api.ValueTypeFuncref, Limits: wasm.Limits{Min: 2}}},
		ElementSection: []*wasm.ElementSegment{{
			TableIdx: 0,
			Offset:   wasm.ConstExpr{Opcode: wasm.OpI32Const, I32Value: 0},
			Init:     []wasm.FuncIdx{0, 1},
		}},
		ExportSection: []*wasm.Export{{Name: "main", Type: api.ExternTypeFunc, Index: 2}},
	}
	_, addr, it := instantiateFunc(t, mod)

	results, err := it.Invoke(addr, []uint64{api.EncodeI32(0)})
	require.NoError(t, err)
	require.Equal(t, int32(7), api.DecodeI32(results[0]))

	results, err = it.Invoke(addr, []uint64{api.EncodeI32(1)})
	require.NoError(t, err)
	require.Equal(t, int32(9), api.DecodeI32(results[0]))

	_, err = it.Invoke(addr, []uint64{api.EncodeI32(2)})
	var trap *wasm.Trap
	require.ErrorAs(t, err, &trap)
	require.Equal(t, wasm.TrapTableOutOfBounds, trap.Code)
}

// 6. host import, re-exported through a wrapper.
func TestScenarioHostImport(t *testing.T) {
	hostType := i32i32i32()
	wrapperBody := []wasm.Instruction{
		{Opcode: wasm.OpLocalGet, LocalIdx: 0},
		{Opcode: wasm.OpLocalGet, LocalIdx: 1},
		{Opcode: wasm.OpCall, FuncIdx: 0},
	}
	mod := &wasm.Module{
		TypeSection: []*wasm.FunctionType{hostType},
		ImportSection: []*wasm.Import{
			{Module: "env", Name: "add", Type: api.ExternTypeFunc, DescFunc: 0},
		},
		FunctionSection: []wasm.TypeIdx{0},
		CodeSection:     []*wasm.Code{{Body: wrapperBody}},
		ExportSection:   []*wasm.Export{{Name: "main", Type: api.ExternTypeFunc, Index: 1}},
	}

	store := wasm.NewStore()
	ext := wasm.NewExternals()
	ext.AddHostFunc(store, "env", "add", hostType, func(args []uint64) ([]uint64, error) {
		sum := api.DecodeI32(args[0]) + api.DecodeI32(args[1])
		return []uint64{api.EncodeI32(sum + 1)}, nil
	})
	mi, err := wasm.Instantiate(store, mod, ext, "test")
	require.NoError(t, err)
	addr, ok := mi.ExportedFunction("main")
	require.True(t, ok)

	it := New(store, 0)
	results, err := it.Invoke(addr, []uint64{api.EncodeI32(2), api.EncodeI32(3)})
	require.NoError(t, err)
	require.Equal(t, int32(6), api.DecodeI32(results[0]))
}

// Boundary: i32 shift by 33 behaves like shift by 1.
func TestShiftByMoreThanWidthWraps(t *testing.T) {
	mod := &wasm.Module{
		TypeSection:     []*wasm.FunctionType{{Params: []api.ValueType{api.ValueTypeI32}, Results: []api.ValueType{api.ValueTypeI32}}},
		FunctionSection: []wasm.TypeIdx{0},
		CodeSection: []*wasm.Code{{Body: []wasm.Instruction{
			{Opcode: wasm.OpLocalGet, LocalIdx: 0},
			{Opcode: wasm.OpI32Const, I32: 33},
			{Opcode: wasm.OpI32Shl},
		}}},
		ExportSection: []*wasm.Export{{Name: "main", Type: api.ExternTypeFunc, Index: 0}},
	}
	_, addr, it := instantiateFunc(t, mod)
	results, err := it.Invoke(addr, []uint64{api.EncodeI32(1)})
	require.NoError(t, err)
	require.Equal(t, int32(2), api.DecodeI32(results[0]))
}

// Boundary: memory.grow failing (beyond declared max) returns -1.
func TestMemoryGrowFailureReturnsMinusOne(t *testing.T) {
	one := uint32(1)
	mod := &wasm.Module{
		TypeSection:     []*wasm.FunctionType{{Results: []api.ValueType{api.ValueTypeI32}}},
		FunctionSection: []wasm.TypeIdx{0},
		CodeSection: []*wasm.Code{{Body: []wasm.Instruction{
			{Opcode: wasm.OpI32Const, I32: 1},
			{Opcode: wasm.OpMemoryGrow},
		}}},
		MemorySection: []*wasm.MemoryType{{Limits: wasm.Limits{Min: 1, Max: &one}}},
		ExportSection: []*wasm.Export{{Name: "main", Type: api.ExternTypeFunc, Index: 0}},
	}
	_, addr, it := instantiateFunc(t, mod)
	results, err := it.Invoke(addr, nil)
	require.NoError(t, err)
	require.Equal(t, int32(-1), api.DecodeI32(results[0]))
}

// Call-stack exhaustion via unbounded recursion.
func TestCallStackExhaustion(t *testing.T) {
	mod := &wasm.Module{
		TypeSection:     []*wasm.FunctionType{{}},
		FunctionSection: []wasm.TypeIdx{0},
		CodeSection: []*wasm.Code{{Body: []wasm.Instruction{
			{Opcode: wasm.OpCall, FuncIdx: 0},
		}}},
		ExportSection: []*wasm.Export{{Name: "main", Type: api.ExternTypeFunc, Index: 0}},
	}
	store := wasm.NewStore()
	mi, err := wasm.Instantiate(store, mod, wasm.NewExternals(), "test")
	require.NoError(t, err)
	addr, ok := mi.ExportedFunction("main")
	require.True(t, ok)

	it := New(store, 100)
	_, err = it.Invoke(addr, nil)
	var trap *wasm.Trap
	require.ErrorAs(t, err, &trap)
	require.Equal(t, wasm.TrapCallStackExhausted, trap.Code)
}
