package script

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/rnxpyke/wasm/api"
	"github.com/rnxpyke/wasm/internal/wasm"
	"github.com/rnxpyke/wasm/internal/wasm/binary"
	"github.com/rnxpyke/wasm/internal/wasm/interpreter"
	"github.com/rnxpyke/wasm/internal/wasm/wat"
)

// CallStackDepth is the Executor's call-depth ceiling used by scripts run
// through this driver, matching SPEC_FULL.md §4.4's default.
const CallStackDepth = 2000

// Outcome reports one top-level form's execution result, in source order.
type Outcome struct {
	Form string // the form's head keyword, e.g. "assert_return"
	Pos  int    // byte offset in the script source
	OK   bool
	Err  error // nil if OK
}

// Runner holds the state a script accumulates as it runs: one Store shared
// by every module in the script (so register/import linking across modules
// works, per spec.md §6's "(register ...)" form), the named-module table,
// and the most recently defined module (the implicit target of a bare
// invoke/assert_return).
type Runner struct {
	Store   *wasm.Store
	Externals *wasm.Externals
	it      *interpreter.Interpreter

	named   map[string]*wasm.ModuleInstance
	current *wasm.ModuleInstance
}

// NewRunner returns a Runner with an empty Store, ready to run a script.
func NewRunner() *Runner {
	store := wasm.NewStore()
	return &Runner{
		Store:     store,
		Externals: wasm.NewExternals(),
		it:        interpreter.New(store, CallStackDepth),
		named:     map[string]*wasm.ModuleInstance{},
	}
}

// Run parses and executes every top-level form in src in order, returning
// one Outcome per form. A malformed script (unparseable source) is a
// returned error, not an Outcome, since no form could be identified.
func (r *Runner) Run(src []byte) ([]Outcome, error) {
	forms, err := readTopForms(src)
	if err != nil {
		return nil, fmt.Errorf("script: %w", err)
	}
	var out []Outcome
	for _, f := range forms {
		o := Outcome{Form: f.head(), Pos: f.start}
		err := r.runForm(src, f)
		if err != nil {
			o.Err = err
		} else {
			o.OK = true
		}
		out = append(out, o)
	}
	return out, nil
}

func (r *Runner) runForm(src []byte, f *snode) error {
	switch f.head() {
	case "module":
		return r.cmdModule(src, f)
	case "register":
		return r.cmdRegister(f)
	case "invoke":
		_, err := r.cmdInvoke(f)
		return err
	case "assert_return":
		return r.cmdAssertReturn(f)
	case "assert_trap":
		return r.cmdAssertTrap(f)
	case "assert_exhaustion":
		return r.cmdAssertExhaustion(f)
	case "assert_malformed", "assert_invalid":
		return r.cmdAssertMalformed(src, f)
	case "assert_unlinkable":
		return r.cmdAssertUnlinkable(src, f)
	default:
		return fmt.Errorf("unknown top-level form %q", f.head())
	}
}

// cmdModule decodes and instantiates a `(module $name? ...)` form, setting
// it as the script's current module and, if named, registering that name
// for `$name.invoke`-style later references (distinct from the external
// name a `register` form assigns).
func (r *Runner) cmdModule(src []byte, f *snode) error {
	rest := f.rest()
	name := ""
	if len(rest) > 0 && !rest[0].isList && strings.HasPrefix(rest[0].text, "$") {
		name = rest[0].text
	}
	mod, err := wat.DecodeModule(src[f.start:f.end])
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	mi, err := wasm.Instantiate(r.Store, mod, r.Externals, name)
	if err != nil {
		return fmt.Errorf("instantiate: %w", err)
	}
	if mod.StartSection != nil {
		addr := mi.FunctionAddrs[*mod.StartSection]
		if _, err := r.it.Invoke(addr, nil); err != nil {
			return fmt.Errorf("start function: %w", err)
		}
	}
	r.current = mi
	if name != "" {
		r.named[name] = mi
	}
	return nil
}

// cmdRegister assigns an external module name (the first import-resolution
// key component) to a previously instantiated module, so later `(module
// ...)` forms can import from it.
func (r *Runner) cmdRegister(f *snode) error {
	rest := f.rest()
	if len(rest) == 0 || !rest[0].isString {
		return fmt.Errorf("register: expected a string name")
	}
	as := rest[0].text
	mi := r.current
	if len(rest) > 1 && !rest[1].isList {
		named, ok := r.named[rest[1].text]
		if !ok {
			return fmt.Errorf("register: unknown module %s", rest[1].text)
		}
		mi = named
	}
	if mi == nil {
		return fmt.Errorf("register: no module to register")
	}
	r.registerExports(as, mi)
	return nil
}

func (r *Runner) registerExports(as string, mi *wasm.ModuleInstance) {
	for name, ex := range mi.Exports {
		switch ex.Type {
		case api.ExternTypeFunc:
			addr := mi.FunctionAddrs[ex.Index]
			r.Externals.AddFunc(as, name, addr, r.Store.Functions[addr].Type)
		case api.ExternTypeTable:
			addr := mi.TableAddrs[ex.Index]
			t := r.Store.Tables[addr]
			r.Externals.AddTable(as, name, addr, &wasm.TableType{ElemType: t.ElemType, Limits: wasm.Limits{Min: uint32(len(t.Elements)), Max: t.Max}})
		case api.ExternTypeMemory:
			addr := mi.MemoryAddrs[ex.Index]
			m := r.Store.Memories[addr]
			r.Externals.AddMemory(as, name, addr, &wasm.MemoryType{Limits: wasm.Limits{Min: uint32(len(m.Bytes) / wasm.MemoryPageSize), Max: m.Max}})
		case api.ExternTypeGlobal:
			addr := mi.GlobalAddrs[ex.Index]
			g := r.Store.Globals[addr]
			r.Externals.AddGlobal(as, name, addr, g.Type)
		}
	}
}

// invokeTarget resolves which ModuleInstance a bare invoke/assert_* form
// targets: an explicit leading $id, or the current (most recently defined)
// module.
func (r *Runner) invokeTarget(rest []*snode) (*wasm.ModuleInstance, []*snode, error) {
	if len(rest) > 0 && !rest[0].isList && strings.HasPrefix(rest[0].text, "$") {
		mi, ok := r.named[rest[0].text]
		if !ok {
			return nil, nil, fmt.Errorf("invoke: unknown module %s", rest[0].text)
		}
		return mi, rest[1:], nil
	}
	if r.current == nil {
		return nil, nil, fmt.Errorf("invoke: no current module")
	}
	return r.current, rest, nil
}

// cmdInvoke runs `(invoke $id? "name" arg...)` and returns its results.
func (r *Runner) cmdInvoke(f *snode) ([]uint64, error) {
	mi, rest, err := r.invokeTarget(f.rest())
	if err != nil {
		return nil, err
	}
	if len(rest) == 0 || !rest[0].isString {
		return nil, fmt.Errorf("invoke: expected a function name string")
	}
	fieldName := rest[0].text
	addr, ok := mi.ExportedFunction(fieldName)
	if !ok {
		return nil, fmt.Errorf("invoke: no exported function %q", fieldName)
	}
	args, err := evalArgs(rest[1:])
	if err != nil {
		return nil, err
	}
	return r.it.Invoke(addr, args)
}

// evalArgs lowers a sequence of `(TYPE.const N)` forms into encoded
// operand-stack values.
func evalArgs(nodes []*snode) ([]uint64, error) {
	var out []uint64
	for _, n := range nodes {
		v, err := evalConst(n)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func evalConst(n *snode) (uint64, error) {
	if !n.isList || len(n.kids) < 2 {
		return 0, fmt.Errorf("expected a TYPE.const form")
	}
	kind := n.kids[0].text
	lit := n.kids[1].text
	switch kind {
	case "i32.const":
		v, err := parseIntLiteral(lit, 32)
		return api.EncodeI32(int32(v)), err
	case "i64.const":
		v, err := parseIntLiteral(lit, 64)
		return api.EncodeI64(v), err
	case "f32.const":
		v, err := parseFloatLiteral(lit)
		return api.EncodeF32(float32(v)), err
	case "f64.const":
		v, err := parseFloatLiteral(lit)
		return api.EncodeF64(v), err
	}
	return 0, fmt.Errorf("unsupported const form %q", kind)
}

func parseIntLiteral(text string, bits int) (int64, error) {
	t := strings.ReplaceAll(text, "_", "")
	neg := false
	if strings.HasPrefix(t, "-") {
		neg = true
		t = t[1:]
	} else if strings.HasPrefix(t, "+") {
		t = t[1:]
	}
	base := 10
	if strings.HasPrefix(t, "0x") || strings.HasPrefix(t, "0X") {
		base = 16
		t = t[2:]
	}
	v, err := strconv.ParseUint(t, base, bits)
	if err != nil {
		return 0, err
	}
	if neg {
		return -int64(v), nil
	}
	return int64(v), nil
}

func parseFloatLiteral(text string) (float64, error) {
	t := strings.ReplaceAll(text, "_", "")
	switch t {
	case "inf", "+inf":
		return math.Inf(1), nil
	case "-inf":
		return math.Inf(-1), nil
	case "nan", "nan:canonical", "nan:arithmetic":
		return math.NaN(), nil
	}
	return strconv.ParseFloat(t, 64)
}

// cmdAssertReturn runs the wrapped invoke and compares its results against
// the expected value forms, per spec.md §6's `assert_return`.
func (r *Runner) cmdAssertReturn(f *snode) error {
	rest := f.rest()
	if len(rest) == 0 || rest[0].head() != "invoke" {
		return fmt.Errorf("assert_return: expected (invoke ...) as first argument")
	}
	results, err := r.cmdInvoke(rest[0])
	if err != nil {
		return fmt.Errorf("assert_return: invoke trapped: %w", err)
	}
	expected := rest[1:]
	if len(results) != len(expected) {
		return fmt.Errorf("assert_return: got %d results, expected %d", len(results), len(expected))
	}
	for i, e := range expected {
		if err := compareExpected(results[i], e); err != nil {
			return fmt.Errorf("assert_return: result %d: %w", i, err)
		}
	}
	return nil
}

func compareExpected(actual uint64, expected *snode) error {
	if !expected.isList || len(expected.kids) < 1 {
		return fmt.Errorf("malformed expected value")
	}
	kind := expected.kids[0].text
	switch kind {
	case "i32.const":
		want, err := parseIntLiteral(expected.kids[1].text, 32)
		if err != nil {
			return err
		}
		if got := api.DecodeI32(actual); got != int32(want) {
			return fmt.Errorf("want i32 %d, got %d", int32(want), got)
		}
	case "i64.const":
		want, err := parseIntLiteral(expected.kids[1].text, 64)
		if err != nil {
			return err
		}
		if got := api.DecodeI64(actual); got != want {
			return fmt.Errorf("want i64 %d, got %d", want, got)
		}
	case "f32.const":
		lit := expected.kids[1].text
		got := api.DecodeF32(actual)
		if strings.HasPrefix(lit, "nan") {
			if !math.IsNaN(float64(got)) {
				return fmt.Errorf("want NaN, got %v", got)
			}
			return nil
		}
		want, err := parseFloatLiteral(lit)
		if err != nil {
			return err
		}
		if got != float32(want) {
			return fmt.Errorf("want f32 %v, got %v", want, got)
		}
	case "f64.const":
		lit := expected.kids[1].text
		got := api.DecodeF64(actual)
		if strings.HasPrefix(lit, "nan") {
			if !math.IsNaN(got) {
				return fmt.Errorf("want NaN, got %v", got)
			}
			return nil
		}
		want, err := parseFloatLiteral(lit)
		if err != nil {
			return err
		}
		if got != want {
			return fmt.Errorf("want f64 %v, got %v", want, got)
		}
	default:
		return fmt.Errorf("unsupported expected-value form %q", kind)
	}
	return nil
}

// cmdAssertTrap runs the wrapped invoke and requires it to trap.
func (r *Runner) cmdAssertTrap(f *snode) error {
	rest := f.rest()
	if len(rest) == 0 || rest[0].head() != "invoke" {
		return fmt.Errorf("assert_trap: expected (invoke ...) as first argument")
	}
	_, err := r.cmdInvoke(rest[0])
	if err == nil {
		return fmt.Errorf("assert_trap: expected a trap, call succeeded")
	}
	var trap *wasm.Trap
	if !asTrap(err, &trap) {
		return fmt.Errorf("assert_trap: expected a trap, got: %w", err)
	}
	return nil
}

// cmdAssertExhaustion runs the wrapped invoke and requires a call-stack
// exhaustion trap specifically.
func (r *Runner) cmdAssertExhaustion(f *snode) error {
	rest := f.rest()
	if len(rest) == 0 || rest[0].head() != "invoke" {
		return fmt.Errorf("assert_exhaustion: expected (invoke ...) as first argument")
	}
	_, err := r.cmdInvoke(rest[0])
	if err == nil {
		return fmt.Errorf("assert_exhaustion: expected a trap, call succeeded")
	}
	var trap *wasm.Trap
	if !asTrap(err, &trap) || trap.Code != wasm.TrapCallStackExhausted {
		return fmt.Errorf("assert_exhaustion: expected call-stack exhaustion, got: %w", err)
	}
	return nil
}

// cmdAssertMalformed / cmdAssertUnlinkable decode (and for unlinkable,
// instantiate) a `(module ...)` form that is expected to fail, in one of
// the three module-source kinds the real `.wast` format allows: the
// default text form, `binary` (raw byte-string literals fed straight to
// the binary decoder), and `quote` (string literals concatenated back into
// WAT source text).
func (r *Runner) cmdAssertMalformed(src []byte, f *snode) error {
	rest := f.rest()
	if len(rest) == 0 || rest[0].head() != "module" {
		return fmt.Errorf("assert_malformed: expected (module ...) as first argument")
	}
	_, err := decodeModuleForm(src, rest[0])
	if err == nil {
		return fmt.Errorf("assert_malformed: expected a decode error, decoding succeeded")
	}
	return nil
}

func (r *Runner) cmdAssertUnlinkable(src []byte, f *snode) error {
	rest := f.rest()
	if len(rest) == 0 || rest[0].head() != "module" {
		return fmt.Errorf("assert_unlinkable: expected (module ...) as first argument")
	}
	mod, err := decodeModuleForm(src, rest[0])
	if err != nil {
		return fmt.Errorf("assert_unlinkable: module failed to decode: %w", err)
	}
	_, err = wasm.Instantiate(r.Store, mod, r.Externals, "")
	if err == nil {
		return fmt.Errorf("assert_unlinkable: expected a link error, instantiation succeeded")
	}
	var linkErr *wasm.LinkError
	if !asLinkError(err, &linkErr) {
		return fmt.Errorf("assert_unlinkable: expected a link error, got: %w", err)
	}
	return nil
}

// decodeModuleForm dispatches on the module form's source kind: a second
// atom child of "binary" or "quote" selects those; otherwise it's ordinary
// WAT text, re-sliced from src by the form's byte span.
func decodeModuleForm(src []byte, f *snode) (*wasm.Module, error) {
	rest := f.rest()
	if len(rest) > 0 && !rest[0].isList && strings.HasPrefix(rest[0].text, "$") {
		rest = rest[1:]
	}
	if len(rest) > 0 && !rest[0].isList && rest[0].text == "binary" {
		var buf strings.Builder
		for _, s := range rest[1:] {
			if !s.isString {
				return nil, fmt.Errorf("module binary: expected string literals")
			}
			buf.WriteString(s.text)
		}
		return binary.DecodeModule([]byte(buf.String()))
	}
	if len(rest) > 0 && !rest[0].isList && rest[0].text == "quote" {
		var buf strings.Builder
		for _, s := range rest[1:] {
			if !s.isString {
				return nil, fmt.Errorf("module quote: expected string literals")
			}
			buf.WriteString(s.text)
			buf.WriteString("\n")
		}
		return wat.DecodeModule([]byte(buf.String()))
	}
	return wat.DecodeModule(src[f.start:f.end])
}

// asTrap/asLinkError mirror errors.As without importing it solely for a
// two-line helper, since both error types are concrete pointer types
// defined in internal/wasm.
func asTrap(err error, target **wasm.Trap) bool {
	for err != nil {
		if t, ok := err.(*wasm.Trap); ok {
			*target = t
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func asLinkError(err error, target **wasm.LinkError) bool {
	for err != nil {
		if t, ok := err.(*wasm.LinkError); ok {
			*target = t
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
