// Package api includes constants and value conversions shared by the public
// Runtime surface and the internal decoder/executor packages.
package api

import (
	"fmt"
	"math"
)

// ExternType classifies imports and exports with their respective types.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#external-types%E2%91%A0
type ExternType = byte

const (
	ExternTypeFunc   ExternType = 0x00
	ExternTypeTable  ExternType = 0x01
	ExternTypeMemory ExternType = 0x02
	ExternTypeGlobal ExternType = 0x03
)

const (
	ExternTypeFuncName   = "func"
	ExternTypeTableName  = "table"
	ExternTypeMemoryName = "memory"
	ExternTypeGlobalName = "global"
)

// ExternTypeName returns the text format field name of the given type.
func ExternTypeName(et ExternType) string {
	switch et {
	case ExternTypeFunc:
		return ExternTypeFuncName
	case ExternTypeTable:
		return ExternTypeTableName
	case ExternTypeMemory:
		return ExternTypeMemoryName
	case ExternTypeGlobal:
		return ExternTypeGlobalName
	}
	return fmt.Sprintf("%#x", et)
}

// ValueType describes a numeric type used in WebAssembly 1.0. Function
// parameters, results, and locals are only definable as a value type.
//
// Conversion between Wasm and Go types:
//
//   - ValueTypeI32 - uint64(uint32(int32))
//   - ValueTypeI64 - uint64(int64)
//   - ValueTypeF32 - EncodeF32 / DecodeF32 from float32
//   - ValueTypeF64 - EncodeF64 / DecodeF64 from float64
//   - ValueTypeFuncref - an address into the Store's function instances, or
//     the null funcref sentinel.
//
// Note: this is a type alias so it is trivial to encode/decode in the
// binary format.
type ValueType = byte

const (
	ValueTypeI32 ValueType = 0x7f
	ValueTypeI64 ValueType = 0x7e
	ValueTypeF32 ValueType = 0x7d
	ValueTypeF64 ValueType = 0x7c

	// ValueTypeFuncref is a reference to a function in the Store, or null.
	ValueTypeFuncref ValueType = 0x70

	// ValueTypeExternref is an opaque host reference, or null.
	//
	// Note: tables of externref and mixed element segments aren't exercised
	// by this implementation (see DESIGN.md Open Question decisions); the
	// constant is retained so host function signatures stay representable.
	ValueTypeExternref ValueType = 0x6f
)

// ValueTypeName returns the type name of the given ValueType as used in the
// text format. Returns "unknown" for an undefined value.
func ValueTypeName(t ValueType) string {
	switch t {
	case ValueTypeI32:
		return "i32"
	case ValueTypeI64:
		return "i64"
	case ValueTypeF32:
		return "f32"
	case ValueTypeF64:
		return "f64"
	case ValueTypeFuncref:
		return "funcref"
	case ValueTypeExternref:
		return "externref"
	}
	return "unknown"
}

// IsNumeric reports whether t is one of the four numeric value kinds (as
// opposed to a reference kind).
func IsNumeric(t ValueType) bool {
	switch t {
	case ValueTypeI32, ValueTypeI64, ValueTypeF32, ValueTypeF64:
		return true
	}
	return false
}

// NullReference is the sentinel uint64 value representing a null funcref or
// externref on the operand stack and in table slots.
const NullReference uint64 = math.MaxUint64

// EncodeI32 encodes the input as a ValueTypeI32.
func EncodeI32(input int32) uint64 { return uint64(uint32(input)) }

// DecodeI32 decodes the input as a ValueTypeI32.
func DecodeI32(input uint64) int32 { return int32(uint32(input)) }

// EncodeI64 encodes the input as a ValueTypeI64.
func EncodeI64(input int64) uint64 { return uint64(input) }

// DecodeI64 decodes the input as a ValueTypeI64.
func DecodeI64(input uint64) int64 { return int64(input) }

// EncodeF32 encodes the input as a ValueTypeF32.
func EncodeF32(input float32) uint64 { return uint64(math.Float32bits(input)) }

// DecodeF32 decodes the input as a ValueTypeF32.
func DecodeF32(input uint64) float32 { return math.Float32frombits(uint32(input)) }

// EncodeF64 encodes the input as a ValueTypeF64.
func EncodeF64(input float64) uint64 { return math.Float64bits(input) }

// DecodeF64 decodes the input as a ValueTypeF64.
func DecodeF64(input uint64) float64 { return math.Float64frombits(input) }

// MemorySizer applies after a module has been decoded but before it is
// instantiated, determining the capacity (in pages) to preallocate for a
// memory instance. 65536 bytes per page.
type MemorySizer func(minPages uint32, maxPages *uint32) (min, capacity, max uint32)
