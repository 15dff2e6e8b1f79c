package wasm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRuntime_CompileAndRunWAT(t *testing.T) {
	rt := NewRuntime()
	defer rt.Close(rt.Context())

	compiled, err := rt.CompileModule([]byte(`(module
	  (func $add (export "add") (param i32 i32) (result i32)
	    (i32.add (local.get 0) (local.get 1))))`))
	require.NoError(t, err)

	mod, err := rt.InstantiateModule(compiled, "adder")
	require.NoError(t, err)

	results, err := mod.ExportedFunction("add", 2, 3)
	require.NoError(t, err)
	require.Equal(t, uint64(5), results[0])
}

func TestRuntime_StartFunctionRunsOnInstantiate(t *testing.T) {
	rt := NewRuntime()
	defer rt.Close(rt.Context())

	compiled, err := rt.CompileModule([]byte(`(module
	  (global $g (mut i32) (i32.const 0))
	  (func $init (global.set $g (i32.const 7)))
	  (start $init)
	  (func (export "get") (result i32) (global.get $g)))`))
	require.NoError(t, err)

	mod, err := rt.InstantiateModule(compiled, "starter")
	require.NoError(t, err)

	results, err := mod.ExportedFunction("get")
	require.NoError(t, err)
	require.Equal(t, uint64(7), results[0])
}

func TestRuntime_RegisterModuleSatisfiesImport(t *testing.T) {
	rt := NewRuntime()
	defer rt.Close(rt.Context())

	producerCompiled, err := rt.CompileModule([]byte(`(module
	  (func (export "const42") (result i32) (i32.const 42)))`))
	require.NoError(t, err)
	producer, err := rt.InstantiateModule(producerCompiled, "producer")
	require.NoError(t, err)
	rt.RegisterModule("producer", producer)

	consumerCompiled, err := rt.CompileModule([]byte(`(module
	  (import "producer" "const42" (func $imported (result i32)))
	  (func (export "main") (result i32) (call $imported)))`))
	require.NoError(t, err)
	consumer, err := rt.InstantiateModule(consumerCompiled, "consumer")
	require.NoError(t, err)

	results, err := consumer.ExportedFunction("main")
	require.NoError(t, err)
	require.Equal(t, uint64(42), results[0])
}

func TestRuntime_CompileModuleAcceptsBinary(t *testing.T) {
	rt := NewRuntime()
	defer rt.Close(rt.Context())

	// \0asm magic + version, no sections: the empty module.
	bin := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	_, err := rt.CompileModule(bin)
	require.NoError(t, err)
}

func TestRuntime_MemoryMaxPagesRejectsOversizedModule(t *testing.T) {
	cfg := NewRuntimeConfig().WithMemoryMaxPages(1)
	rt := NewRuntimeWithConfig(cfg)
	defer rt.Close(rt.Context())

	_, err := rt.CompileModule([]byte(`(module (memory 2))`))
	require.Error(t, err)
}

func TestRuntime_BulkMemoryCanBeDisabled(t *testing.T) {
	cfg := NewRuntimeConfig().WithBulkMemory(false)
	rt := NewRuntimeWithConfig(cfg)
	defer rt.Close(rt.Context())

	compiled, err := rt.CompileModule([]byte(`(module
	  (memory 1)
	  (func (export "copy")
	    (memory.copy (i32.const 0) (i32.const 0) (i32.const 1))))`))
	require.NoError(t, err)
	mod, err := rt.InstantiateModule(compiled, "m")
	require.NoError(t, err)

	_, err = mod.ExportedFunction("copy")
	require.Error(t, err)
}
