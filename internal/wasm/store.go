package wasm

import "github.com/rnxpyke/wasm/api"

// Addresses are indices into the Store's parallel instance vectors. They are
// stable for the Store's lifetime (spec.md §3 "Store"): the Store never
// moves or deletes an instance.
type (
	FuncAddr   = uint32
	TableAddr  = uint32
	MemAddr    = uint32
	GlobalAddr = uint32
)

// FunctionInstance is a runtime function: either local (ModuleInstance +
// Code) or host (GoFunc). It holds a direct pointer to its defining
// ModuleInstance; the ModuleInstance refers back to it only by FuncAddr
// into the Store.
type FunctionInstance struct {
	Type *FunctionType

	// Module is the ModuleInstance that defines this function. It is nil for
	// host functions (they have no defining instance).
	Module  *ModuleInstance
	Code    *Code
	GoFunc  GoFunc
	DebugName string
}

func (f *FunctionInstance) IsHost() bool { return f.GoFunc != nil }

// TableInstance is a runtime vector of references, all initialized to the
// typed null of ElemType until written by an element segment or table.set
// (not exposed as an instruction in this spec's scope, only via
// instantiation).
type TableInstance struct {
	ElemType api.ValueType
	Max      *uint32
	// Elements stores function addresses; api.NullReference marks an empty
	// slot, per spec.md §3 "Table ... all slots initialized to the typed
	// null of that kind".
	Elements []uint64
}

// MemoryInstance is a runtime byte vector with a minimum and optional
// maximum page bound.
type MemoryInstance struct {
	Max   *uint32
	Bytes []byte
}

// PageSize returns the current size in pages.
func (m *MemoryInstance) PageSize() uint32 { return uint32(len(m.Bytes) / MemoryPageSize) }

// Grow attempts to grow by delta pages, subject to Max (and the hard
// MemoryMaxPages ceiling). Returns the previous page size and true on
// success, per spec.md §4.4 "memory.grow".
func (m *MemoryInstance) Grow(delta uint32) (previous uint32, ok bool) {
	previous = m.PageSize()
	next := previous + delta
	if next < previous { // overflow
		return previous, false
	}
	if next > MemoryMaxPages {
		return previous, false
	}
	if m.Max != nil && next > *m.Max {
		return previous, false
	}
	grown := make([]byte, next*MemoryPageSize)
	copy(grown, m.Bytes)
	m.Bytes = grown
	return previous, true
}

// GlobalInstance is a runtime global value cell.
type GlobalInstance struct {
	Type *GlobalType
	Val  uint64
}

// ModuleInstance is the runtime counterpart of a Module: four
// index-translation tables (func/table/mem/global addresses in the Store)
// plus a copy of the module's declared types, per spec.md §3.
type ModuleInstance struct {
	Types         []*FunctionType
	FunctionAddrs []FuncAddr
	TableAddrs    []TableAddr
	MemoryAddrs   []MemAddr
	GlobalAddrs   []GlobalAddr
	Exports       map[string]*Export
	Name          string
}

// ExportedFunction resolves a FuncAddr for an exported name, or (0, false)
// if there is no such export or it isn't a function.
func (mi *ModuleInstance) ExportedFunction(name string) (FuncAddr, bool) {
	e, ok := mi.Exports[name]
	if !ok || e.Type != api.ExternTypeFunc {
		return 0, false
	}
	return mi.FunctionAddrs[e.Index], true
}

func (mi *ModuleInstance) ExportedMemory(name string) (MemAddr, bool) {
	e, ok := mi.Exports[name]
	if !ok || e.Type != api.ExternTypeMemory {
		return 0, false
	}
	return mi.MemoryAddrs[e.Index], true
}

func (mi *ModuleInstance) ExportedGlobal(name string) (GlobalAddr, bool) {
	e, ok := mi.Exports[name]
	if !ok || e.Type != api.ExternTypeGlobal {
		return 0, false
	}
	return mi.GlobalAddrs[e.Index], true
}

func (mi *ModuleInstance) ExportedTable(name string) (TableAddr, bool) {
	e, ok := mi.Exports[name]
	if !ok || e.Type != api.ExternTypeTable {
		return 0, false
	}
	return mi.TableAddrs[e.Index], true
}

// Store is the process-wide, append-only container of all runtime
// instances (spec.md §4.5). There is exactly one per embedding session;
// addresses are simply indices into its slices.
type Store struct {
	Functions []*FunctionInstance
	Tables    []*TableInstance
	Memories  []*MemoryInstance
	Globals   []*GlobalInstance
}

// NewStore returns an empty Store.
func NewStore() *Store { return &Store{} }

func (s *Store) AllocFunc(mod *ModuleInstance, t *FunctionType, code *Code, debugName string) FuncAddr {
	addr := FuncAddr(len(s.Functions))
	s.Functions = append(s.Functions, &FunctionInstance{Type: t, Module: mod, Code: code, DebugName: debugName})
	return addr
}

func (s *Store) AllocHostFunc(t *FunctionType, fn GoFunc, debugName string) FuncAddr {
	addr := FuncAddr(len(s.Functions))
	s.Functions = append(s.Functions, &FunctionInstance{Type: t, GoFunc: fn, DebugName: debugName})
	return addr
}

func (s *Store) AllocTable(t *TableType) TableAddr {
	addr := TableAddr(len(s.Tables))
	elems := make([]uint64, t.Limits.Min)
	for i := range elems {
		elems[i] = api.NullReference
	}
	s.Tables = append(s.Tables, &TableInstance{ElemType: t.ElemType, Max: t.Limits.Max, Elements: elems})
	return addr
}

func (s *Store) AllocMemory(t *MemoryType) MemAddr {
	addr := MemAddr(len(s.Memories))
	s.Memories = append(s.Memories, &MemoryInstance{
		Max:   t.Limits.Max,
		Bytes: make([]byte, t.Limits.Min*MemoryPageSize),
	})
	return addr
}

func (s *Store) AllocGlobal(t *GlobalType, init uint64) GlobalAddr {
	addr := GlobalAddr(len(s.Globals))
	s.Globals = append(s.Globals, &GlobalInstance{Type: t, Val: init})
	return addr
}
