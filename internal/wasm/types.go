// Package wasm holds the Module IR (the decoded, in-memory representation of
// a WebAssembly module), the Store (the process-wide runtime heap of
// instances), and the instantiation algorithm that wires the two together.
//
// This package is pure data plus the instantiation algorithm; the decoders
// that produce a Module (internal/wasm/binary, internal/wasm/wat) and the
// executor that runs a ModuleInstance (internal/wasm/interpreter) are
// separate packages, matching spec.md §2's component split.
package wasm

import "github.com/rnxpyke/wasm/api"

// Index types. All are plain uint32 aliases; the distinct names exist so
// call sites read as what kind of index they hold, matching spec.md §3
// ("Indices into these lists are typed").
type (
	TypeIdx   = uint32
	FuncIdx   = uint32
	TableIdx  = uint32
	MemIdx    = uint32
	GlobalIdx = uint32
	LocalIdx  = uint32
	LabelIdx  = uint32
)

// FunctionType is an ordered sequence of parameter value kinds and an
// ordered sequence of result value kinds.
type FunctionType struct {
	Params  []api.ValueType
	Results []api.ValueType
}

// EqualTo reports whether two function types have identical param/result
// sequences. Used by call_indirect's type check and import matching.
func (t *FunctionType) EqualTo(o *FunctionType) bool {
	if t == o {
		return true
	}
	if t == nil || o == nil {
		return false
	}
	return bytesEqual(t.Params, o.Params) && bytesEqual(t.Results, o.Results)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// String renders the function type the way the text format would, e.g.
// "(i32 i32) -> (i32)".
func (t *FunctionType) String() string {
	s := "("
	for i, p := range t.Params {
		if i > 0 {
			s += " "
		}
		s += api.ValueTypeName(p)
	}
	s += ") -> ("
	for i, r := range t.Results {
		if i > 0 {
			s += " "
		}
		s += api.ValueTypeName(r)
	}
	return s + ")"
}

// Limits is the min/max page or element-count bound shared by Memory and
// Table declarations.
type Limits struct {
	Min uint32
	Max *uint32 // nil means unbounded.
}

// MemoryPageSize is the fixed page size of linear memory: 64KiB.
const MemoryPageSize = 65536

// MemoryMaxPages is the hard ceiling on memory size (2^16 pages = 4GiB of
// 32-bit-addressable space).
const MemoryMaxPages = 65536

// MemoryType declares a memory's size bounds, in pages.
type MemoryType struct {
	Limits Limits
}

// TableType declares a table's reference kind and size bounds.
type TableType struct {
	ElemType api.ValueType // api.ValueTypeFuncref (only kind exercised; see DESIGN.md)
	Limits   Limits
}

// GlobalType declares a global's value kind and mutability.
type GlobalType struct {
	ValType api.ValueType
	Mutable bool
}

// Local is a declared local-variable group: Count locals, all of kind Type.
type Local struct {
	Count uint32
	Type  api.ValueType
}

// Code is a local function's body: its declared locals and instruction
// sequence. Function.GoFunc is nil for these; see Function.
type Code struct {
	Locals []Local
	Body   []Instruction
}

// NumLocals returns the total count of declared locals (not counting
// params).
func (c *Code) NumLocals() uint32 {
	var n uint32
	for _, l := range c.Locals {
		n += l.Count
	}
	return n
}

// GoFunc is the embedder-supplied callable backing a host function, per
// spec.md §4.3's "Host provides ... typed function callables" and §9's
// "Dynamic dispatch across imports" design note: a single opaque contract
// `args -> results|error` (a returned *Trap is passed through unchanged),
// not an interface hierarchy.
//
// args and the returned slice are encoded per api.ValueType conversion
// rules (see api.EncodeI32 etc.).
type GoFunc func(args []uint64) ([]uint64, error)

// Function is either a local function (Type + Code) or a host function
// (Type + GoFunc), per spec.md §3 "Function: either local ... or host".
type Function struct {
	Type *FunctionType

	// Code is non-nil for a local function.
	Code *Code

	// GoFunc is non-nil for a host function.
	GoFunc GoFunc

	// DebugName identifies this function for traps/CLI output, matching the
	// teacher's FunctionDefinition.DebugName convention.
	DebugName string
}

// IsHost reports whether this is a host (embedder-supplied) function.
func (f *Function) IsHost() bool { return f.GoFunc != nil }

// Global is a module-level mutable or immutable value.
type Global struct {
	Type *GlobalType
	Init ConstExpr
}

// ConstExpr is a restricted instruction sequence usable where the spec
// requires a compile-time-evaluable initializer (global init, element/data
// segment offsets): a single constant or global.get, per the WebAssembly
// core spec's definition of constant expressions.
type ConstExpr struct {
	Opcode Opcode
	// Exactly one of these is populated, selected by Opcode.
	I32Value  int32
	I64Value  int64
	F32Value  float32
	F64Value  float64
	GlobalIdx GlobalIdx
}

// ElementSegment initializes a range of a table with function indices.
type ElementSegment struct {
	TableIdx TableIdx
	Offset   ConstExpr
	Init     []FuncIdx
}

// DataSegment initializes a range of memory with literal bytes.
type DataSegment struct {
	MemIdx MemIdx
	Offset ConstExpr
	Init   []byte
}

// Import declares an externally-resolved func/table/mem/global.
type Import struct {
	Module, Name string
	Type         api.ExternType

	// Exactly one of these is populated, selected by Type.
	DescFunc   TypeIdx
	DescTable  *TableType
	DescMem    *MemoryType
	DescGlobal *GlobalType
}

// Export names a func/table/mem/global in this module's own index space.
type Export struct {
	Name string
	Type api.ExternType
	Index uint32
}

// NameSection is the best-effort debug-symbol custom section; see
// SPEC_FULL.md §4.1 supplement. A decode failure populating this is
// non-fatal.
type NameSection struct {
	ModuleName    string
	FunctionNames map[FuncIdx]string
	LocalNames    map[FuncIdx]map[LocalIdx]string
}

// Module is the Module IR: pure data produced by a decoder, immutable
// thereafter (spec.md §3 Lifecycles).
//
// FuncIdx is a single flat namespace: imported functions (from
// ImportSection) come first, then the locally defined functions of
// FunctionSection.
type Module struct {
	TypeSection   []*FunctionType
	ImportSection []*Import
	// FunctionSection holds only the locally-defined functions (their type
	// indices); imported functions are not in it.
	FunctionSection []TypeIdx
	CodeSection     []*Code // index-aligned with FunctionSection.
	TableSection    []*TableType
	MemorySection   []*MemoryType
	GlobalSection   []*Global
	ExportSection   []*Export
	StartSection    *FuncIdx
	ElementSection  []*ElementSegment
	DataSection     []*DataSegment
	DataCount       *uint32

	CustomSections map[string][]byte
	NameSection    *NameSection
}

// NumImportedFunctions returns how many entries of the function index space
// are imports (and thus precede CodeSection-backed functions).
func (m *Module) NumImportedFunctions() uint32 {
	var n uint32
	for _, im := range m.ImportSection {
		if im.Type == api.ExternTypeFunc {
			n++
		}
	}
	return n
}

func (m *Module) NumImportedTables() (n uint32) {
	for _, im := range m.ImportSection {
		if im.Type == api.ExternTypeTable {
			n++
		}
	}
	return
}

func (m *Module) NumImportedMemories() (n uint32) {
	for _, im := range m.ImportSection {
		if im.Type == api.ExternTypeMemory {
			n++
		}
	}
	return
}

func (m *Module) NumImportedGlobals() (n uint32) {
	for _, im := range m.ImportSection {
		if im.Type == api.ExternTypeGlobal {
			n++
		}
	}
	return
}

// TypeOfFunction resolves the FunctionType for a FuncIdx in this module's
// own index space (imports first).
func (m *Module) TypeOfFunction(idx FuncIdx) (*FunctionType, error) {
	nImported := m.NumImportedFunctions()
	if idx < nImported {
		var i uint32
		for _, im := range m.ImportSection {
			if im.Type != api.ExternTypeFunc {
				continue
			}
			if i == idx {
				return m.TypeSection[im.DescFunc], nil
			}
			i++
		}
		return nil, errIndexOutOfRange("function", idx)
	}
	local := idx - nImported
	if int(local) >= len(m.FunctionSection) {
		return nil, errIndexOutOfRange("function", idx)
	}
	return m.TypeSection[m.FunctionSection[local]], nil
}
