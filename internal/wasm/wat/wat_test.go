package wat

import (
	"testing"

	"github.com/rnxpyke/wasm/api"
	wasm "github.com/rnxpyke/wasm/internal/wasm"
	"github.com/rnxpyke/wasm/internal/wasm/interpreter"
	"github.com/stretchr/testify/require"
)

// decodeAndRun is a small helper mirroring the interpreter package's
// instantiateFunc: decode src, instantiate with no externals, invoke the
// export named "main".
func decodeAndRun(t *testing.T, src string, args ...uint64) ([]uint64, error) {
	t.Helper()
	mod, err := DecodeModule([]byte(src))
	require.NoError(t, err)
	store := wasm.NewStore()
	mi, err := wasm.Instantiate(store, mod, wasm.NewExternals(), "test")
	require.NoError(t, err)
	addr, ok := mi.ExportedFunction("main")
	require.True(t, ok)
	it := interpreter.New(store, 0)
	return it.Invoke(addr, args)
}

// spec.md §8 scenario 1 ("add"), expressed as WAT text instead of raw bytes
// (see internal/wasm/binary's TestDecodeModule_AddFunction for the binary
// equivalent).
func TestDecodeModule_Add(t *testing.T) {
	src := `(module
	  (func $add (export "main") (param $x i32) (param $y i32) (result i32)
	    (local.get $x)
	    (local.get $y)
	    (i32.add)))`
	results, err := decodeAndRun(t, src, api.EncodeI32(2), api.EncodeI32(3))
	require.NoError(t, err)
	require.Equal(t, int32(5), api.DecodeI32(results[0]))

	results, err = decodeAndRun(t, src, api.EncodeI32(0x7FFFFFFF), api.EncodeI32(1))
	require.NoError(t, err)
	require.Equal(t, int32(-0x80000000), api.DecodeI32(results[0]))
}

// $name resolution: a forward reference to a function declared later in the
// module, and a backward reference to a global declared earlier.
func TestDecodeModule_ForwardAndBackwardNameReferences(t *testing.T) {
	src := `(module
	  (global $g (mut i32) (i32.const 10))
	  (func $main (export "main") (result i32)
	    (call $helper)
	    (global.get $g)
	    (i32.add))
	  (func $helper (result i32)
	    (i32.const 32)))`
	results, err := decodeAndRun(t, src)
	require.NoError(t, err)
	require.Equal(t, int32(42), api.DecodeI32(results[0]))
}

// Folded-expression lowering: operands nested as child s-expressions rather
// than a flat instruction sequence.
func TestDecodeModule_FoldedExpression(t *testing.T) {
	src := `(module
	  (func (export "main") (param $x i32) (result i32)
	    (i32.mul (i32.add (local.get $x) (i32.const 1)) (i32.const 2))))`
	results, err := decodeAndRun(t, src, api.EncodeI32(4))
	require.NoError(t, err)
	require.Equal(t, int32(10), api.DecodeI32(results[0])) // (4+1)*2
}

// block/loop/br_if with named labels, folded condition expression.
func TestDecodeModule_NamedLabelLoop(t *testing.T) {
	src := `(module
	  (func (export "main") (result i32)
	    (local $i i32)
	    (local $acc i32)
	    (block $done
	      (loop $top
	        (br_if $done (i32.ge_s (local.get $i) (i32.const 5)))
	        (local.set $acc (i32.add (local.get $acc) (local.get $i)))
	        (local.set $i (i32.add (local.get $i) (i32.const 1)))
	        (br $top)))
	    (local.get $acc)))`
	results, err := decodeAndRun(t, src)
	require.NoError(t, err)
	require.Equal(t, int32(0+1+2+3+4), api.DecodeI32(results[0]))
}

// if/then/else, folded condition.
func TestDecodeModule_IfThenElse(t *testing.T) {
	src := `(module
	  (func (export "main") (param $x i32) (result i32)
	    (if (result i32) (i32.gt_s (local.get $x) (i32.const 0))
	      (then (i32.const 1))
	      (else (i32.const -1)))))`
	results, err := decodeAndRun(t, src, api.EncodeI32(5))
	require.NoError(t, err)
	require.Equal(t, int32(1), api.DecodeI32(results[0]))

	results, err = decodeAndRun(t, src, uint64(uint32(0xFFFFFFFF))) // -1
	require.NoError(t, err)
	require.Equal(t, int32(-1), api.DecodeI32(results[0]))
}

// call_indirect through a table built from an elem segment.
func TestDecodeModule_CallIndirect(t *testing.T) {
	src := `(module
	  (type $binop (func (param i32 i32) (result i32)))
	  (table 2 funcref)
	  (elem (i32.const 0) $add $mul)
	  (func $add (type $binop) (local.get 0) (local.get 1) (i32.add))
	  (func $mul (type $binop) (local.get 0) (local.get 1) (i32.mul))
	  (func (export "main") (param $which i32) (result i32)
	    (call_indirect (type $binop) (i32.const 6) (i32.const 7) (local.get $which))))`
	results, err := decodeAndRun(t, src, api.EncodeI32(0))
	require.NoError(t, err)
	require.Equal(t, int32(13), api.DecodeI32(results[0]))

	results, err = decodeAndRun(t, src, api.EncodeI32(1))
	require.NoError(t, err)
	require.Equal(t, int32(42), api.DecodeI32(results[0]))
}

// Malformed input: mismatched parens must fail at the reader stage.
func TestDecodeModule_Malformed(t *testing.T) {
	_, err := DecodeModule([]byte(`(module (func (export "main"`))
	require.Error(t, err)
	var decErr *wasm.DecodeError
	require.ErrorAs(t, err, &decErr)
}

// Malformed input: reference to an undefined identifier fails at lowering.
func TestDecodeModule_UndefinedIdentifier(t *testing.T) {
	_, err := DecodeModule([]byte(`(module
	  (func (export "main") (result i32)
	    (call $nonexistent)))`))
	require.Error(t, err)
}

// Numeric literal parsing: hex, underscores, and signed forms.
func TestParseNumberLiterals(t *testing.T) {
	v, err := parseUint64("0x1_00")
	require.NoError(t, err)
	require.Equal(t, uint64(0x100), v)

	sv, err := parseInt64("-42")
	require.NoError(t, err)
	require.Equal(t, int64(-42), sv)

	fv, err := parseFloat64("nan:0x1")
	require.NoError(t, err)
	require.True(t, fv != fv) // NaN
}
