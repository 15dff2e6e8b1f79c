// Package wasm is the public embedder API described in spec.md §6: compile
// a module from its binary or text encoding, instantiate it against a set
// of host-provided externals, and call its exported functions. It wires
// internal/wasm (Module IR, Store, Instantiator) to
// internal/wasm/interpreter (Executor), matching the teacher's split
// between its public wazero package and its internal engine packages.
package wasm

import (
	"context"
	"fmt"

	"github.com/rnxpyke/wasm/api"
	internalwasm "github.com/rnxpyke/wasm/internal/wasm"
	"github.com/rnxpyke/wasm/internal/wasm/binary"
	"github.com/rnxpyke/wasm/internal/wasm/interpreter"
	"github.com/rnxpyke/wasm/internal/wasm/wat"
	"github.com/sirupsen/logrus"
)

// Runtime is a single embedding session: one Store (so every instantiated
// module can call into every other, per spec.md §3's append-only, shared
// Store), one Externals table host functions and cross-module registration
// populate, and one Executor.
type Runtime struct {
	cfg *RuntimeConfig

	store     *internalwasm.Store
	externals *internalwasm.Externals
	it        *interpreter.Interpreter
	log       logrus.FieldLogger
}

// NewRuntime returns a Runtime with default configuration, mirroring the
// teacher's NewRuntime() (runtime_test.go).
func NewRuntime() *Runtime {
	return NewRuntimeWithConfig(NewRuntimeConfig())
}

// NewRuntimeWithConfig returns a Runtime configured by cfg. A nil cfg is
// rejected the way the teacher's NewRuntimeWithConfig panics on an
// unsupported RuntimeConfig implementation (runtime_test.go): this package
// has a single concrete RuntimeConfig, so the failure mode is simpler (a
// nil check) rather than a type assertion.
func NewRuntimeWithConfig(cfg *RuntimeConfig) *Runtime {
	if cfg == nil {
		panic("wasm: NewRuntimeWithConfig: nil RuntimeConfig")
	}
	store := internalwasm.NewStore()
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	it := interpreter.New(store, cfg.maxCallDepth)
	it.EnableBulkMemory = cfg.enableBulkMemory
	return &Runtime{
		cfg:       cfg,
		store:     store,
		externals: internalwasm.NewExternals(),
		it:        it,
		log:       log,
	}
}

// Context returns the context.Context installed by RuntimeConfig.WithContext
// (context.Background() if none was set), for embedders that want to thread
// it through their own host function closures.
func (r *Runtime) Context() context.Context {
	return r.cfg.ctx
}

// Close releases the Runtime. There is nothing external to tear down (no
// file descriptors, no WASI preopens: see DESIGN.md's deleted-subtrees
// notes), but the method is kept for API parity with the teacher's
// io.Closer-shaped Runtime.Close(ctx), and as a hook for future resource
// ownership.
func (r *Runtime) Close(ctx context.Context) error {
	return nil
}

// CompiledModule is a decoded, not-yet-instantiated Module IR plus the name
// recorded in its optional name section (binary) or module identifier
// (text), matching the teacher's internal compiledModule shape
// (runtime_test.go).
type CompiledModule struct {
	module *internalwasm.Module
	name   string
}

// isProbablyText reports whether src looks like the WAT text format (as
// opposed to the binary format's "\0asm" magic), per spec.md §4.1/§4.2: a
// text module, once whitespace/comments are skipped, starts with '('; a
// binary module starts with the 4-byte magic number.
func isProbablyText(src []byte) bool {
	for _, b := range src {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case ';': // line or block comment
			return true
		case '(':
			return true
		default:
			return false
		}
	}
	return false
}

// CompileModule decodes src, auto-detecting the binary format (leading
// "\0asm" magic) versus the text format (leading '(' or comment), per
// spec.md §4's "two decoders producing the same Module IR" design.
func (r *Runtime) CompileModule(src []byte) (*CompiledModule, error) {
	var mod *internalwasm.Module
	var err error
	if isProbablyText(src) {
		mod, err = wat.DecodeModule(src)
	} else {
		mod, err = binary.DecodeModule(src)
	}
	if err != nil {
		return nil, err
	}
	if err := r.checkMemoryLimits(mod); err != nil {
		return nil, err
	}
	var name string
	if mod.NameSection != nil {
		name = mod.NameSection.ModuleName
	}
	return &CompiledModule{module: mod, name: name}, nil
}

// checkMemoryLimits enforces RuntimeConfig.WithMemoryMaxPages as an
// embedder-side ceiling independent of what a module itself declares
// (SPEC_FULL.md §4.3 supplement), and applies WithMemorySizer (if set) to
// rewrite each declared memory's bounds before instantiation allocates it.
func (r *Runtime) checkMemoryLimits(mod *internalwasm.Module) error {
	for _, mt := range mod.MemorySection {
		if mt.Limits.Min > r.cfg.memoryMaxPages {
			r.log.WithField("min", mt.Limits.Min).WithField("max", r.cfg.memoryMaxPages).Error("memory minimum exceeds configured maximum")
			return fmt.Errorf("wasm: memory minimum %d pages exceeds configured maximum %d pages", mt.Limits.Min, r.cfg.memoryMaxPages)
		}
		if mt.Limits.Max != nil && *mt.Limits.Max > r.cfg.memoryMaxPages {
			capped := r.cfg.memoryMaxPages
			mt.Limits.Max = &capped
		}
		if r.cfg.memorySizer != nil {
			min, _, max := r.cfg.memorySizer(mt.Limits.Min, mt.Limits.Max)
			mt.Limits.Min = min
			mt.Limits.Max = &max
		}
	}
	return nil
}

// Module is an instantiated module: the address-translation tables and
// exports described by spec.md §3's ModuleInstance, bound to the Runtime
// that created it so exported functions can be invoked.
type Module struct {
	r  *Runtime
	mi *internalwasm.ModuleInstance
}

// InstantiateModule resolves compiled's imports against every host module
// and previously instantiated Module registered on r, allocates its
// locally-defined tables/memories/globals/functions, initializes them from
// its element/data segments, and — spec.md §4.3 step 8 — invokes its start
// function if one is declared. name identifies this instance for later
// cross-module imports (see RegisterModule) and for trap/debug messages; an
// empty name falls back to the module name decoded from its binary name
// section, if any.
func (r *Runtime) InstantiateModule(compiled *CompiledModule, name string) (*Module, error) {
	if name == "" {
		name = compiled.name
	}
	mi, err := internalwasm.Instantiate(r.store, compiled.module, r.externals, name)
	if err != nil {
		return nil, err
	}
	if compiled.module.StartSection != nil {
		addr := mi.FunctionAddrs[*compiled.module.StartSection]
		if _, err := r.it.Invoke(addr, nil); err != nil {
			return nil, fmt.Errorf("wasm: start function: %w", err)
		}
	}
	r.log.WithField("module", name).Debug("instantiated")
	return &Module{r: r, mi: mi}, nil
}

// RegisterModule exposes m's exports under moduleName so a module
// instantiated afterwards can import them, mirroring the `.wast` `register`
// command (spec.md §6) and the teacher's Namespace-wide export visibility.
func (r *Runtime) RegisterModule(moduleName string, m *Module) {
	for exportName, ex := range m.mi.Exports {
		switch ex.Type {
		case api.ExternTypeFunc:
			addr := m.mi.FunctionAddrs[ex.Index]
			r.externals.AddFunc(moduleName, exportName, addr, r.store.Functions[addr].Type)
		case api.ExternTypeTable:
			addr := m.mi.TableAddrs[ex.Index]
			table := r.store.Tables[addr]
			r.externals.AddTable(moduleName, exportName, addr, &internalwasm.TableType{ElemType: table.ElemType, Limits: internalwasm.Limits{Min: uint32(len(table.Elements)), Max: table.Max}})
		case api.ExternTypeMemory:
			addr := m.mi.MemoryAddrs[ex.Index]
			mem := r.store.Memories[addr]
			r.externals.AddMemory(moduleName, exportName, addr, &internalwasm.MemoryType{Limits: internalwasm.Limits{Min: mem.PageSize(), Max: mem.Max}})
		case api.ExternTypeGlobal:
			addr := m.mi.GlobalAddrs[ex.Index]
			g := r.store.Globals[addr]
			r.externals.AddGlobal(moduleName, exportName, addr, g.Type)
		}
	}
}

// ExportedFunction calls the exported function name with args, returning
// its results or a *internalwasm.Trap (see DESIGN.md / spec.md §7) on
// failure.
func (m *Module) ExportedFunction(name string, args ...uint64) ([]uint64, error) {
	addr, ok := m.mi.ExportedFunction(name)
	if !ok {
		m.r.log.WithField("func", name).WithField("module", m.mi.Name).Debug("no such exported function")
		return nil, fmt.Errorf("wasm: no exported function %q", name)
	}
	return m.r.it.Invoke(addr, args)
}

// Memory returns the live bytes backing the module's exported memory named
// name, or (nil, false) if there is no such export.
func (m *Module) Memory(name string) (*internalwasm.MemoryInstance, bool) {
	addr, ok := m.mi.ExportedMemory(name)
	if !ok {
		return nil, false
	}
	return m.r.store.Memories[addr], true
}

// Close is a no-op, kept for parity with the teacher's per-module Close.
func (m *Module) Close(ctx context.Context) error { return nil }
