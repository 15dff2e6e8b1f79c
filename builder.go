package wasm

import (
	"fmt"
	"reflect"

	"github.com/rnxpyke/wasm/api"
	internalwasm "github.com/rnxpyke/wasm/internal/wasm"
)

// HostModuleBuilder collects host (embedder-provided) functions under a
// single module name, then Instantiate()s them into a Runtime's Externals
// table so wasm imports can resolve against them — a trimmed form of the
// teacher's HostFunctionBuilder (builder.go): that one also supports
// WithGoModuleFunction (a Go function taking the calling module's memory)
// and multi-value host returns beyond what this interpreter's GoFunc
// contract needs, so only WithGoFunction and the reflective WithFunc
// convenience survive here.
type HostModuleBuilder struct {
	r       *Runtime
	name    string
	entries []hostFuncEntry
}

type hostFuncEntry struct {
	export string
	t      *internalwasm.FunctionType
	fn     internalwasm.GoFunc
}

// NewHostModuleBuilder starts a host module named name. name is the import
// module-name wasm modules reference, e.g. (import "env" "log" ...).
func (r *Runtime) NewHostModuleBuilder(name string) *HostModuleBuilder {
	return &HostModuleBuilder{r: r, name: name}
}

// WithGoFunction exports fn under exportName with the explicit signature
// (params, results). fn receives/returns values already encoded per
// api.EncodeI32 etc., matching internal/wasm.GoFunc's contract directly —
// no reflection, no allocation beyond the args slice.
func (b *HostModuleBuilder) WithGoFunction(exportName string, params, results []api.ValueType, fn internalwasm.GoFunc) *HostModuleBuilder {
	b.entries = append(b.entries, hostFuncEntry{
		export: exportName,
		t:      &internalwasm.FunctionType{Params: params, Results: results},
		fn:     fn,
	})
	return b
}

// WithFunc exports fn, a Go func value, under exportName. Its signature is
// derived by reflection: int32/uint32 -> i32, int64/uint64 -> i64,
// float32 -> f32, float64 -> f64. fn may optionally return a trailing error
// in addition to its value results; a non-nil error becomes a
// TrapHostFunction trap (per spec.md §4.3 "a host function may itself
// trap"). This mirrors the convenience the teacher's WithFunc provides
// (builder.go), trimmed to the numeric kinds this spec covers.
func (b *HostModuleBuilder) WithFunc(exportName string, fn interface{}) *HostModuleBuilder {
	rv := reflect.ValueOf(fn)
	rt := rv.Type()
	if rt.Kind() != reflect.Func {
		panic(fmt.Sprintf("WithFunc(%q): not a func: %v", exportName, rt))
	}

	params := make([]api.ValueType, rt.NumIn())
	for i := range params {
		params[i] = valueTypeForGoType(rt.In(i))
	}

	numOut := rt.NumOut()
	returnsErr := numOut > 0 && rt.Out(numOut-1) == reflect.TypeOf((*error)(nil)).Elem()
	resultCount := numOut
	if returnsErr {
		resultCount--
	}
	results := make([]api.ValueType, resultCount)
	for i := range results {
		results[i] = valueTypeForGoType(rt.Out(i))
	}

	goFunc := func(args []uint64) ([]uint64, error) {
		in := make([]reflect.Value, len(args))
		for i, a := range args {
			in[i] = decodeArg(a, rt.In(i))
		}
		out := rv.Call(in)
		if returnsErr {
			if errV := out[numOut-1]; !errV.IsNil() {
				return nil, errV.Interface().(error)
			}
			out = out[:numOut-1]
		}
		results := make([]uint64, len(out))
		for i, v := range out {
			results[i] = encodeResult(v)
		}
		return results, nil
	}

	return b.WithGoFunction(exportName, params, results, goFunc)
}

func valueTypeForGoType(t reflect.Type) api.ValueType {
	switch t.Kind() {
	case reflect.Int32, reflect.Uint32:
		return api.ValueTypeI32
	case reflect.Int64, reflect.Uint64, reflect.Int, reflect.Uint:
		return api.ValueTypeI64
	case reflect.Float32:
		return api.ValueTypeF32
	case reflect.Float64:
		return api.ValueTypeF64
	}
	panic(fmt.Sprintf("WithFunc: unsupported Go type %v", t))
}

func decodeArg(v uint64, t reflect.Type) reflect.Value {
	switch t.Kind() {
	case reflect.Int32:
		return reflect.ValueOf(api.DecodeI32(v)).Convert(t)
	case reflect.Uint32:
		return reflect.ValueOf(uint32(v)).Convert(t)
	case reflect.Int64, reflect.Int:
		return reflect.ValueOf(api.DecodeI64(v)).Convert(t)
	case reflect.Uint64, reflect.Uint:
		return reflect.ValueOf(v).Convert(t)
	case reflect.Float32:
		return reflect.ValueOf(api.DecodeF32(v)).Convert(t)
	case reflect.Float64:
		return reflect.ValueOf(api.DecodeF64(v)).Convert(t)
	}
	panic(fmt.Sprintf("decodeArg: unsupported Go type %v", t))
}

func encodeResult(v reflect.Value) uint64 {
	switch v.Kind() {
	case reflect.Int32:
		return api.EncodeI32(int32(v.Int()))
	case reflect.Uint32:
		return uint64(uint32(v.Uint()))
	case reflect.Int64, reflect.Int:
		return api.EncodeI64(v.Int())
	case reflect.Uint64, reflect.Uint:
		return v.Uint()
	case reflect.Float32:
		return api.EncodeF32(float32(v.Float()))
	case reflect.Float64:
		return api.EncodeF64(v.Float())
	}
	panic(fmt.Sprintf("encodeResult: unsupported kind %v", v.Kind()))
}

// Instantiate allocates every collected host function into the Runtime's
// Store and registers it in the Runtime's Externals table under this
// builder's module name, so a later CompileModule/InstantiateModule's
// imports can resolve against it.
func (b *HostModuleBuilder) Instantiate() {
	for _, e := range b.entries {
		b.r.externals.AddHostFunc(b.r.store, b.name, e.export, e.t, e.fn)
	}
}
