package wasm

import (
	"errors"
	"testing"

	"github.com/rnxpyke/wasm/api"
	internalwasm "github.com/rnxpyke/wasm/internal/wasm"
	"github.com/stretchr/testify/require"
)

func TestHostModuleBuilder_WithGoFunction(t *testing.T) {
	rt := NewRuntime()
	defer rt.Close(rt.Context())

	rt.NewHostModuleBuilder("env").
		WithGoFunction("double", []api.ValueType{api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32},
			func(args []uint64) ([]uint64, error) {
				return []uint64{api.EncodeI32(api.DecodeI32(args[0]) * 2)}, nil
			}).
		Instantiate()

	compiled, err := rt.CompileModule([]byte(`(module
	  (import "env" "double" (func $double (param i32) (result i32)))
	  (func (export "quadruple") (param i32) (result i32)
	    (call $double (call $double (local.get 0)))))`))
	require.NoError(t, err)
	mod, err := rt.InstantiateModule(compiled, "m")
	require.NoError(t, err)

	results, err := mod.ExportedFunction("quadruple", 3)
	require.NoError(t, err)
	require.Equal(t, int32(12), api.DecodeI32(results[0]))
}

func TestHostModuleBuilder_WithFunc(t *testing.T) {
	rt := NewRuntime()
	defer rt.Close(rt.Context())

	rt.NewHostModuleBuilder("env").
		WithFunc("add", func(a, b int32) int32 { return a + b }).
		Instantiate()

	compiled, err := rt.CompileModule([]byte(`(module
	  (import "env" "add" (func $add (param i32 i32) (result i32)))
	  (func (export "main") (result i32) (call $add (i32.const 10) (i32.const 32))))`))
	require.NoError(t, err)
	mod, err := rt.InstantiateModule(compiled, "m")
	require.NoError(t, err)

	results, err := mod.ExportedFunction("main")
	require.NoError(t, err)
	require.Equal(t, int32(42), api.DecodeI32(results[0]))
}

func TestHostModuleBuilder_WithFuncErrorBecomesTrap(t *testing.T) {
	rt := NewRuntime()
	defer rt.Close(rt.Context())

	sentinel := errors.New("boom")
	rt.NewHostModuleBuilder("env").
		WithFunc("fail", func() (int32, error) { return 0, sentinel }).
		Instantiate()

	compiled, err := rt.CompileModule([]byte(`(module
	  (import "env" "fail" (func $fail (result i32)))
	  (func (export "main") (result i32) (call $fail)))`))
	require.NoError(t, err)
	mod, err := rt.InstantiateModule(compiled, "m")
	require.NoError(t, err)

	_, err = mod.ExportedFunction("main")
	require.Error(t, err)
	var trap *internalwasm.Trap
	require.ErrorAs(t, err, &trap)
	require.Equal(t, internalwasm.TrapHostFunction, trap.Code)
	require.ErrorIs(t, err, sentinel)
}
