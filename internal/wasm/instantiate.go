package wasm

import (
	"fmt"

	"github.com/rnxpyke/wasm/api"
)

// ExternalFunc wraps the information needed to import either a local or
// host function: its address in the providing Store.
type ExternalFunc struct {
	Addr FuncAddr
	Type *FunctionType
}

// ExternalTable/ExternalMemory/ExternalGlobal are the import-table entries
// for the non-function extern kinds.
type ExternalTable struct {
	Addr TableAddr
	Type *TableType
}

type ExternalMemory struct {
	Addr MemAddr
	Type *MemoryType
}

type ExternalGlobal struct {
	Addr GlobalAddr
	Type *GlobalType
}

// Externals is the host-provided name-resolution table used by Instantiate,
// per spec.md §4.3 / §6 ("an Externals map keyed by (moduleName,
// fieldName)"). A single combined map keeps the (module, field) key shape
// spec.md specifies while letting each kind carry its own typed value.
type Externals struct {
	Funcs   map[[2]string]ExternalFunc
	Tables  map[[2]string]ExternalTable
	Memories map[[2]string]ExternalMemory
	Globals map[[2]string]ExternalGlobal
}

// NewExternals returns an empty Externals ready for Add* calls.
func NewExternals() *Externals {
	return &Externals{
		Funcs:    map[[2]string]ExternalFunc{},
		Tables:   map[[2]string]ExternalTable{},
		Memories: map[[2]string]ExternalMemory{},
		Globals:  map[[2]string]ExternalGlobal{},
	}
}

func (e *Externals) AddHostFunc(store *Store, module, name string, t *FunctionType, fn GoFunc) {
	addr := store.AllocHostFunc(t, fn, module+"."+name)
	e.Funcs[[2]string{module, name}] = ExternalFunc{Addr: addr, Type: t}
}

func (e *Externals) AddFunc(module, name string, addr FuncAddr, t *FunctionType) {
	e.Funcs[[2]string{module, name}] = ExternalFunc{Addr: addr, Type: t}
}

func (e *Externals) AddTable(module, name string, addr TableAddr, t *TableType) {
	e.Tables[[2]string{module, name}] = ExternalTable{Addr: addr, Type: t}
}

func (e *Externals) AddMemory(module, name string, addr MemAddr, t *MemoryType) {
	e.Memories[[2]string{module, name}] = ExternalMemory{Addr: addr, Type: t}
}

func (e *Externals) AddGlobal(module, name string, addr GlobalAddr, t *GlobalType) {
	e.Globals[[2]string{module, name}] = ExternalGlobal{Addr: addr, Type: t}
}

// evalConstExpr evaluates a ConstExpr in a module instance whose
// globals are already wired (active element/data offsets and global
// initializers may reference an imported global, per the core spec's
// "constant expression" rule).
func evalConstExpr(store *Store, mi *ModuleInstance, ce ConstExpr) (uint64, error) {
	switch ce.Opcode {
	case OpI32Const:
		return api.EncodeI32(ce.I32Value), nil
	case OpI64Const:
		return api.EncodeI64(ce.I64Value), nil
	case OpF32Const:
		return api.EncodeF32(ce.F32Value), nil
	case OpF64Const:
		return api.EncodeF64(ce.F64Value), nil
	case OpGlobalGet:
		if int(ce.GlobalIdx) >= len(mi.GlobalAddrs) {
			return 0, errIndexOutOfRange("global", ce.GlobalIdx)
		}
		return store.Globals[mi.GlobalAddrs[ce.GlobalIdx]].Val, nil
	}
	return 0, fmt.Errorf("invalid constant expression opcode %#x", ce.Opcode)
}

// limitsSatisfy reports whether an externally-supplied limits pair (actualMin,
// actualMax) is a valid instance of the declared (wantMin, wantMax), per the
// core spec's import subtyping rule (SPEC_FULL.md §4.3 supplement): the
// external's min must be >= the declared min, and if the declared type
// bounds a max, the external must also bound one that's <= it.
func limitsSatisfy(want, actual Limits) bool {
	if actual.Min < want.Min {
		return false
	}
	if want.Max != nil {
		if actual.Max == nil || *actual.Max > *want.Max {
			return false
		}
	}
	return true
}

// Instantiate implements spec.md §4.3's 8-step algorithm: resolve imports
// against ext, allocate locally-defined tables/memories/globals/functions,
// and initialize tables from element segments and memories from data
// segments. It does not call the start function; callers that run the start
// function (Runtime.InstantiateModule, the script runner's module command)
// do so on the returned instance.
//
// On any error, the partially-built ModuleInstance is discarded and never
// returned to the caller — instantiation is transactional from the caller's
// point of view (spec.md §4.3 closing paragraph), even though the
// already-allocated Store entries (if any) remain, per the Store's
// append-only, address-stable contract (spec.md §3 "Store").
func Instantiate(store *Store, mod *Module, ext *Externals, name string) (*ModuleInstance, error) {
	mi := &ModuleInstance{
		Types:   mod.TypeSection,
		Exports: map[string]*Export{},
		Name:    name,
	}

	// Step 3: resolve imports in declaration order, appending to the
	// matching address table.
	for _, im := range mod.ImportSection {
		key := [2]string{im.Module, im.Name}
		switch im.Type {
		case api.ExternTypeFunc:
			ef, ok := ext.Funcs[key]
			if !ok {
				return nil, newLinkError("unknown import: function %s.%s", im.Module, im.Name)
			}
			want := mod.TypeSection[im.DescFunc]
			if !want.EqualTo(ef.Type) {
				return nil, newLinkError("import type mismatch: function %s.%s: want %s, got %s", im.Module, im.Name, want, ef.Type)
			}
			mi.FunctionAddrs = append(mi.FunctionAddrs, ef.Addr)
		case api.ExternTypeTable:
			et, ok := ext.Tables[key]
			if !ok {
				return nil, newLinkError("unknown import: table %s.%s", im.Module, im.Name)
			}
			if et.Type.ElemType != im.DescTable.ElemType || !limitsSatisfy(im.DescTable.Limits, et.Type.Limits) {
				return nil, newLinkError("import type mismatch: table %s.%s", im.Module, im.Name)
			}
			mi.TableAddrs = append(mi.TableAddrs, et.Addr)
		case api.ExternTypeMemory:
			em, ok := ext.Memories[key]
			if !ok {
				return nil, newLinkError("unknown import: memory %s.%s", im.Module, im.Name)
			}
			if !limitsSatisfy(im.DescMem.Limits, em.Type.Limits) {
				return nil, newLinkError("import type mismatch: memory %s.%s", im.Module, im.Name)
			}
			mi.MemoryAddrs = append(mi.MemoryAddrs, em.Addr)
		case api.ExternTypeGlobal:
			eg, ok := ext.Globals[key]
			if !ok {
				return nil, newLinkError("unknown import: global %s.%s", im.Module, im.Name)
			}
			if eg.Type.ValType != im.DescGlobal.ValType || eg.Type.Mutable != im.DescGlobal.Mutable {
				return nil, newLinkError("import type mismatch: global %s.%s", im.Module, im.Name)
			}
			mi.GlobalAddrs = append(mi.GlobalAddrs, eg.Addr)
		default:
			return nil, newLinkError("unknown import kind %#x", im.Type)
		}
	}

	// Step 4: allocate locally-defined tables/memories.
	for _, tt := range mod.TableSection {
		mi.TableAddrs = append(mi.TableAddrs, store.AllocTable(tt))
	}
	for _, mt := range mod.MemorySection {
		mi.MemoryAddrs = append(mi.MemoryAddrs, store.AllocMemory(mt))
	}
	// Globals: evaluated in declaration order; a global's initializer may
	// reference an already-resolved import global (never a later or local
	// global, per the core spec).
	for _, g := range mod.GlobalSection {
		v, err := evalConstExpr(store, mi, g.Init)
		if err != nil {
			return nil, wrapLinkError(err, "evaluating global initializer")
		}
		mi.GlobalAddrs = append(mi.GlobalAddrs, store.AllocGlobal(g.Type, v))
	}

	// Step 5: allocate locally-defined functions.
	nImportedFuncs := mod.NumImportedFunctions()
	for i, typeIdx := range mod.FunctionSection {
		t := mod.TypeSection[typeIdx]
		var code *Code
		if i < len(mod.CodeSection) {
			code = mod.CodeSection[i]
		}
		debugName := fmt.Sprintf("%s.$%d", name, nImportedFuncs+uint32(i))
		mi.FunctionAddrs = append(mi.FunctionAddrs, store.AllocFunc(mi, t, code, debugName))
	}

	// Exports.
	for _, ex := range mod.ExportSection {
		mi.Exports[ex.Name] = ex
	}

	// Step 6: active element segments.
	for _, el := range mod.ElementSection {
		if int(el.TableIdx) >= len(mi.TableAddrs) {
			return nil, newLinkError("element segment: table index %d out of range", el.TableIdx)
		}
		offVal, err := evalConstExpr(store, mi, el.Offset)
		if err != nil {
			return nil, wrapLinkError(err, "evaluating element offset")
		}
		off := api.DecodeI32(offVal)
		table := store.Tables[mi.TableAddrs[el.TableIdx]]
		if off < 0 || int(off)+len(el.Init) > len(table.Elements) {
			return nil, newLinkError("element segment out of bounds: offset %d, len %d, table size %d", off, len(el.Init), len(table.Elements))
		}
		for i, fidx := range el.Init {
			if int(fidx) >= len(mi.FunctionAddrs) {
				return nil, newLinkError("element segment: function index %d out of range", fidx)
			}
			table.Elements[int(off)+i] = uint64(mi.FunctionAddrs[fidx])
		}
	}

	// Step 7: active data segments.
	for _, d := range mod.DataSection {
		if int(d.MemIdx) >= len(mi.MemoryAddrs) {
			return nil, newLinkError("data segment: memory index %d out of range", d.MemIdx)
		}
		offVal, err := evalConstExpr(store, mi, d.Offset)
		if err != nil {
			return nil, wrapLinkError(err, "evaluating data offset")
		}
		off := api.DecodeI32(offVal)
		mem := store.Memories[mi.MemoryAddrs[d.MemIdx]]
		if off < 0 || int(off)+len(d.Init) > len(mem.Bytes) {
			return nil, newLinkError("data segment out of bounds: offset %d, len %d, memory size %d", off, len(d.Init), len(mem.Bytes))
		}
		copy(mem.Bytes[off:], d.Init)
	}

	return mi, nil
}
