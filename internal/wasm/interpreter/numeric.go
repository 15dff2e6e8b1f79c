package interpreter

import (
	"math"
	"math/bits"

	"github.com/rnxpyke/wasm/api"
	wasm "github.com/rnxpyke/wasm/internal/wasm"
)

// Exclusive upper bounds for the float-to-int truncation range checks
// (see truncToInt/truncToUint): each is a power of two, and so unlike
// math.MaxInt64/math.MaxUint64 is exactly representable as a float64.
const (
	twoPow31 = 1 << 31 // i32 signed truncation: valid range is [-2^31, 2^31).
	twoPow32 = 1 << 32 // i32 unsigned truncation: valid range is [0, 2^32).
	twoPow63 = 1 << 63 // i64 signed truncation: valid range is [-2^63, 2^63).
	twoPow64 = 1 << 64 // i64 unsigned truncation: valid range is [0, 2^64).
)

// execNumeric implements spec.md §4.4 "Numeric semantics": wrapping
// arithmetic, trapping division/remainder, IEEE-754 float ops, comparisons,
// and conversions, over the four numeric value kinds.
func (it *Interpreter) execNumeric(fr *frame, op wasm.Opcode) error {
	switch op {
	// --- i32 ---
	case wasm.OpI32Eqz:
		fr.push(b2i(api.DecodeI32(fr.pop()) == 0))
	case wasm.OpI32Eq, wasm.OpI32Ne, wasm.OpI32LtS, wasm.OpI32LtU, wasm.OpI32GtS, wasm.OpI32GtU,
		wasm.OpI32LeS, wasm.OpI32LeU, wasm.OpI32GeS, wasm.OpI32GeU:
		b := fr.pop()
		a := fr.pop()
		fr.push(i32Compare(op, int32(api.DecodeI32(a)), int32(api.DecodeI32(b))))
	case wasm.OpI32Clz:
		fr.push(api.EncodeI32(int32(bits.LeadingZeros32(uint32(api.DecodeI32(fr.pop()))))))
	case wasm.OpI32Ctz:
		fr.push(api.EncodeI32(int32(bits.TrailingZeros32(uint32(api.DecodeI32(fr.pop()))))))
	case wasm.OpI32Popcnt:
		fr.push(api.EncodeI32(int32(bits.OnesCount32(uint32(api.DecodeI32(fr.pop()))))))
	case wasm.OpI32Add, wasm.OpI32Sub, wasm.OpI32Mul, wasm.OpI32And, wasm.OpI32Or, wasm.OpI32Xor,
		wasm.OpI32Shl, wasm.OpI32ShrS, wasm.OpI32ShrU, wasm.OpI32Rotl, wasm.OpI32Rotr:
		b := uint32(api.DecodeI32(fr.pop()))
		a := uint32(api.DecodeI32(fr.pop()))
		fr.push(api.EncodeI32(int32(i32Binop(op, a, b))))
	case wasm.OpI32DivS:
		b := api.DecodeI32(fr.pop())
		a := api.DecodeI32(fr.pop())
		if b == 0 {
			return it.trapf(wasm.TrapIntegerDivideByZero, "i32.div_s by zero")
		}
		if a == math.MinInt32 && b == -1 {
			return it.trapf(wasm.TrapIntegerOverflow, "i32.div_s overflow")
		}
		fr.push(api.EncodeI32(a / b))
	case wasm.OpI32DivU:
		b := uint32(api.DecodeI32(fr.pop()))
		a := uint32(api.DecodeI32(fr.pop()))
		if b == 0 {
			return it.trapf(wasm.TrapIntegerDivideByZero, "i32.div_u by zero")
		}
		fr.push(api.EncodeI32(int32(a / b)))
	case wasm.OpI32RemS:
		b := api.DecodeI32(fr.pop())
		a := api.DecodeI32(fr.pop())
		if b == 0 {
			return it.trapf(wasm.TrapIntegerDivideByZero, "i32.rem_s by zero")
		}
		if a == math.MinInt32 && b == -1 {
			fr.push(api.EncodeI32(0))
		} else {
			fr.push(api.EncodeI32(a % b))
		}
	case wasm.OpI32RemU:
		b := uint32(api.DecodeI32(fr.pop()))
		a := uint32(api.DecodeI32(fr.pop()))
		if b == 0 {
			return it.trapf(wasm.TrapIntegerDivideByZero, "i32.rem_u by zero")
		}
		fr.push(api.EncodeI32(int32(a % b)))

	// --- i64 ---
	case wasm.OpI64Eqz:
		fr.push(b2i(api.DecodeI64(fr.pop()) == 0))
	case wasm.OpI64Eq, wasm.OpI64Ne, wasm.OpI64LtS, wasm.OpI64LtU, wasm.OpI64GtS, wasm.OpI64GtU,
		wasm.OpI64LeS, wasm.OpI64LeU, wasm.OpI64GeS, wasm.OpI64GeU:
		b := fr.pop()
		a := fr.pop()
		fr.push(i64Compare(op, api.DecodeI64(a), api.DecodeI64(b)))
	case wasm.OpI64Clz:
		fr.push(api.EncodeI64(int64(bits.LeadingZeros64(uint64(api.DecodeI64(fr.pop()))))))
	case wasm.OpI64Ctz:
		fr.push(api.EncodeI64(int64(bits.TrailingZeros64(uint64(api.DecodeI64(fr.pop()))))))
	case wasm.OpI64Popcnt:
		fr.push(api.EncodeI64(int64(bits.OnesCount64(uint64(api.DecodeI64(fr.pop()))))))
	case wasm.OpI64Add, wasm.OpI64Sub, wasm.OpI64Mul, wasm.OpI64And, wasm.OpI64Or, wasm.OpI64Xor,
		wasm.OpI64Shl, wasm.OpI64ShrS, wasm.OpI64ShrU, wasm.OpI64Rotl, wasm.OpI64Rotr:
		b := uint64(api.DecodeI64(fr.pop()))
		a := uint64(api.DecodeI64(fr.pop()))
		fr.push(api.EncodeI64(int64(i64Binop(op, a, b))))
	case wasm.OpI64DivS:
		b := api.DecodeI64(fr.pop())
		a := api.DecodeI64(fr.pop())
		if b == 0 {
			return it.trapf(wasm.TrapIntegerDivideByZero, "i64.div_s by zero")
		}
		if a == math.MinInt64 && b == -1 {
			return it.trapf(wasm.TrapIntegerOverflow, "i64.div_s overflow")
		}
		fr.push(api.EncodeI64(a / b))
	case wasm.OpI64DivU:
		b := uint64(api.DecodeI64(fr.pop()))
		a := uint64(api.DecodeI64(fr.pop()))
		if b == 0 {
			return it.trapf(wasm.TrapIntegerDivideByZero, "i64.div_u by zero")
		}
		fr.push(api.EncodeI64(int64(a / b)))
	case wasm.OpI64RemS:
		b := api.DecodeI64(fr.pop())
		a := api.DecodeI64(fr.pop())
		if b == 0 {
			return it.trapf(wasm.TrapIntegerDivideByZero, "i64.rem_s by zero")
		}
		if a == math.MinInt64 && b == -1 {
			fr.push(api.EncodeI64(0))
		} else {
			fr.push(api.EncodeI64(a % b))
		}
	case wasm.OpI64RemU:
		b := uint64(api.DecodeI64(fr.pop()))
		a := uint64(api.DecodeI64(fr.pop()))
		if b == 0 {
			return it.trapf(wasm.TrapIntegerDivideByZero, "i64.rem_u by zero")
		}
		fr.push(api.EncodeI64(int64(a % b)))

	// --- f32 ---
	case wasm.OpF32Eq, wasm.OpF32Ne, wasm.OpF32Lt, wasm.OpF32Gt, wasm.OpF32Le, wasm.OpF32Ge:
		b := api.DecodeF32(fr.pop())
		a := api.DecodeF32(fr.pop())
		fr.push(f64Compare(op32to64(op), float64(a), float64(b)))
	case wasm.OpF32Abs:
		fr.push(api.EncodeF32(float32(math.Abs(float64(api.DecodeF32(fr.pop()))))))
	case wasm.OpF32Neg:
		fr.push(api.EncodeF32(-api.DecodeF32(fr.pop())))
	case wasm.OpF32Ceil:
		fr.push(api.EncodeF32(float32(math.Ceil(float64(api.DecodeF32(fr.pop()))))))
	case wasm.OpF32Floor:
		fr.push(api.EncodeF32(float32(math.Floor(float64(api.DecodeF32(fr.pop()))))))
	case wasm.OpF32Trunc:
		fr.push(api.EncodeF32(float32(math.Trunc(float64(api.DecodeF32(fr.pop()))))))
	case wasm.OpF32Nearest:
		fr.push(api.EncodeF32(float32(math.RoundToEven(float64(api.DecodeF32(fr.pop()))))))
	case wasm.OpF32Sqrt:
		fr.push(api.EncodeF32(float32(math.Sqrt(float64(api.DecodeF32(fr.pop()))))))
	case wasm.OpF32Add:
		b := api.DecodeF32(fr.pop())
		a := api.DecodeF32(fr.pop())
		fr.push(api.EncodeF32(a + b))
	case wasm.OpF32Sub:
		b := api.DecodeF32(fr.pop())
		a := api.DecodeF32(fr.pop())
		fr.push(api.EncodeF32(a - b))
	case wasm.OpF32Mul:
		b := api.DecodeF32(fr.pop())
		a := api.DecodeF32(fr.pop())
		fr.push(api.EncodeF32(a * b))
	case wasm.OpF32Div:
		b := api.DecodeF32(fr.pop())
		a := api.DecodeF32(fr.pop())
		fr.push(api.EncodeF32(a / b))
	case wasm.OpF32Min:
		b := api.DecodeF32(fr.pop())
		a := api.DecodeF32(fr.pop())
		fr.push(api.EncodeF32(float32(fMin(float64(a), float64(b)))))
	case wasm.OpF32Max:
		b := api.DecodeF32(fr.pop())
		a := api.DecodeF32(fr.pop())
		fr.push(api.EncodeF32(float32(fMax(float64(a), float64(b)))))
	case wasm.OpF32Copysign:
		b := api.DecodeF32(fr.pop())
		a := api.DecodeF32(fr.pop())
		fr.push(api.EncodeF32(float32(math.Copysign(float64(a), float64(b)))))

	// --- f64 ---
	case wasm.OpF64Eq, wasm.OpF64Ne, wasm.OpF64Lt, wasm.OpF64Gt, wasm.OpF64Le, wasm.OpF64Ge:
		b := api.DecodeF64(fr.pop())
		a := api.DecodeF64(fr.pop())
		fr.push(f64Compare(op, a, b))
	case wasm.OpF64Abs:
		fr.push(api.EncodeF64(math.Abs(api.DecodeF64(fr.pop()))))
	case wasm.OpF64Neg:
		fr.push(api.EncodeF64(-api.DecodeF64(fr.pop())))
	case wasm.OpF64Ceil:
		fr.push(api.EncodeF64(math.Ceil(api.DecodeF64(fr.pop()))))
	case wasm.OpF64Floor:
		fr.push(api.EncodeF64(math.Floor(api.DecodeF64(fr.pop()))))
	case wasm.OpF64Trunc:
		fr.push(api.EncodeF64(math.Trunc(api.DecodeF64(fr.pop()))))
	case wasm.OpF64Nearest:
		fr.push(api.EncodeF64(math.RoundToEven(api.DecodeF64(fr.pop()))))
	case wasm.OpF64Sqrt:
		fr.push(api.EncodeF64(math.Sqrt(api.DecodeF64(fr.pop()))))
	case wasm.OpF64Add:
		b := api.DecodeF64(fr.pop())
		a := api.DecodeF64(fr.pop())
		fr.push(api.EncodeF64(a + b))
	case wasm.OpF64Sub:
		b := api.DecodeF64(fr.pop())
		a := api.DecodeF64(fr.pop())
		fr.push(api.EncodeF64(a - b))
	case wasm.OpF64Mul:
		b := api.DecodeF64(fr.pop())
		a := api.DecodeF64(fr.pop())
		fr.push(api.EncodeF64(a * b))
	case wasm.OpF64Div:
		b := api.DecodeF64(fr.pop())
		a := api.DecodeF64(fr.pop())
		fr.push(api.EncodeF64(a / b))
	case wasm.OpF64Min:
		b := api.DecodeF64(fr.pop())
		a := api.DecodeF64(fr.pop())
		fr.push(api.EncodeF64(fMin(a, b)))
	case wasm.OpF64Max:
		b := api.DecodeF64(fr.pop())
		a := api.DecodeF64(fr.pop())
		fr.push(api.EncodeF64(fMax(a, b)))
	case wasm.OpF64Copysign:
		b := api.DecodeF64(fr.pop())
		a := api.DecodeF64(fr.pop())
		fr.push(api.EncodeF64(math.Copysign(a, b)))

	// --- conversions ---
	case wasm.OpI32WrapI64:
		fr.push(api.EncodeI32(int32(api.DecodeI64(fr.pop()))))
	case wasm.OpI64ExtendI32S:
		fr.push(api.EncodeI64(int64(api.DecodeI32(fr.pop()))))
	case wasm.OpI64ExtendI32U:
		fr.push(api.EncodeI64(int64(uint32(api.DecodeI32(fr.pop())))))
	case wasm.OpF32DemoteF64:
		fr.push(api.EncodeF32(float32(api.DecodeF64(fr.pop()))))
	case wasm.OpF64PromoteF32:
		fr.push(api.EncodeF64(float64(api.DecodeF32(fr.pop()))))
	case wasm.OpI32ReinterpretF32:
		fr.push(uint64(uint32(fr.pop())))
	case wasm.OpI64ReinterpretF64:
		fr.push(fr.pop())
	case wasm.OpF32ReinterpretI32:
		fr.push(uint64(uint32(fr.pop())))
	case wasm.OpF64ReinterpretI64:
		fr.push(fr.pop())

	case wasm.OpF32ConvertI32S:
		fr.push(api.EncodeF32(float32(api.DecodeI32(fr.pop()))))
	case wasm.OpF32ConvertI32U:
		fr.push(api.EncodeF32(float32(uint32(api.DecodeI32(fr.pop())))))
	case wasm.OpF32ConvertI64S:
		fr.push(api.EncodeF32(float32(api.DecodeI64(fr.pop()))))
	case wasm.OpF32ConvertI64U:
		fr.push(api.EncodeF32(float32(uint64(api.DecodeI64(fr.pop())))))
	case wasm.OpF64ConvertI32S:
		fr.push(api.EncodeF64(float64(api.DecodeI32(fr.pop()))))
	case wasm.OpF64ConvertI32U:
		fr.push(api.EncodeF64(float64(uint32(api.DecodeI32(fr.pop())))))
	case wasm.OpF64ConvertI64S:
		fr.push(api.EncodeF64(float64(api.DecodeI64(fr.pop()))))
	case wasm.OpF64ConvertI64U:
		fr.push(api.EncodeF64(float64(uint64(api.DecodeI64(fr.pop())))))

	case wasm.OpI32TruncF32S:
		v := float64(api.DecodeF32(fr.pop()))
		r, err := it.truncToInt(v, math.MinInt32, twoPow31)
		if err != nil {
			return err
		}
		fr.push(api.EncodeI32(int32(r)))
	case wasm.OpI32TruncF32U:
		v := float64(api.DecodeF32(fr.pop()))
		r, err := it.truncToInt(v, 0, twoPow32)
		if err != nil {
			return err
		}
		fr.push(api.EncodeI32(int32(uint32(r))))
	case wasm.OpI32TruncF64S:
		v := api.DecodeF64(fr.pop())
		r, err := it.truncToInt(v, math.MinInt32, twoPow31)
		if err != nil {
			return err
		}
		fr.push(api.EncodeI32(int32(r)))
	case wasm.OpI32TruncF64U:
		v := api.DecodeF64(fr.pop())
		r, err := it.truncToInt(v, 0, twoPow32)
		if err != nil {
			return err
		}
		fr.push(api.EncodeI32(int32(uint32(r))))
	case wasm.OpI64TruncF32S:
		v := float64(api.DecodeF32(fr.pop()))
		r, err := it.truncToInt(v, math.MinInt64, twoPow63)
		if err != nil {
			return err
		}
		fr.push(api.EncodeI64(int64(r)))
	case wasm.OpI64TruncF32U:
		v := float64(api.DecodeF32(fr.pop()))
		r, err := it.truncToUint(v, twoPow64)
		if err != nil {
			return err
		}
		fr.push(api.EncodeI64(int64(r)))
	case wasm.OpI64TruncF64S:
		v := api.DecodeF64(fr.pop())
		r, err := it.truncToInt(v, math.MinInt64, twoPow63)
		if err != nil {
			return err
		}
		fr.push(api.EncodeI64(int64(r)))
	case wasm.OpI64TruncF64U:
		v := api.DecodeF64(fr.pop())
		r, err := it.truncToUint(v, twoPow64)
		if err != nil {
			return err
		}
		fr.push(api.EncodeI64(int64(r)))

	default:
		return it.trapf(wasm.TrapUnreachable, "unknown opcode %#x", op)
	}
	return nil
}

func b2i(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func i32Compare(op wasm.Opcode, a, b int32) uint64 {
	switch op {
	case wasm.OpI32Eq:
		return b2i(a == b)
	case wasm.OpI32Ne:
		return b2i(a != b)
	case wasm.OpI32LtS:
		return b2i(a < b)
	case wasm.OpI32LtU:
		return b2i(uint32(a) < uint32(b))
	case wasm.OpI32GtS:
		return b2i(a > b)
	case wasm.OpI32GtU:
		return b2i(uint32(a) > uint32(b))
	case wasm.OpI32LeS:
		return b2i(a <= b)
	case wasm.OpI32LeU:
		return b2i(uint32(a) <= uint32(b))
	case wasm.OpI32GeS:
		return b2i(a >= b)
	case wasm.OpI32GeU:
		return b2i(uint32(a) >= uint32(b))
	}
	return 0
}

func i64Compare(op wasm.Opcode, a, b int64) uint64 {
	switch op {
	case wasm.OpI64Eq:
		return b2i(a == b)
	case wasm.OpI64Ne:
		return b2i(a != b)
	case wasm.OpI64LtS:
		return b2i(a < b)
	case wasm.OpI64LtU:
		return b2i(uint64(a) < uint64(b))
	case wasm.OpI64GtS:
		return b2i(a > b)
	case wasm.OpI64GtU:
		return b2i(uint64(a) > uint64(b))
	case wasm.OpI64LeS:
		return b2i(a <= b)
	case wasm.OpI64LeU:
		return b2i(uint64(a) <= uint64(b))
	case wasm.OpI64GeS:
		return b2i(a >= b)
	case wasm.OpI64GeU:
		return b2i(uint64(a) >= uint64(b))
	}
	return 0
}

// f64Compare implements spec.md's float comparison rule: NaN compares false
// except `ne`, which is true.
func f64Compare(op wasm.Opcode, a, b float64) uint64 {
	switch op {
	case wasm.OpF32Eq, wasm.OpF64Eq:
		return b2i(a == b)
	case wasm.OpF32Ne, wasm.OpF64Ne:
		return b2i(a != b)
	case wasm.OpF32Lt, wasm.OpF64Lt:
		return b2i(a < b)
	case wasm.OpF32Gt, wasm.OpF64Gt:
		return b2i(a > b)
	case wasm.OpF32Le, wasm.OpF64Le:
		return b2i(a <= b)
	case wasm.OpF32Ge, wasm.OpF64Ge:
		return b2i(a >= b)
	}
	return 0
}

// op32to64 normalizes an f32 comparison opcode to its f64 mnemonic so
// f64Compare's switch can serve both widths (Go float comparisons against
// NaN already give the IEEE-754 answer regardless of the original width).
func op32to64(op wasm.Opcode) wasm.Opcode {
	switch op {
	case wasm.OpF32Eq:
		return wasm.OpF64Eq
	case wasm.OpF32Ne:
		return wasm.OpF64Ne
	case wasm.OpF32Lt:
		return wasm.OpF64Lt
	case wasm.OpF32Gt:
		return wasm.OpF64Gt
	case wasm.OpF32Le:
		return wasm.OpF64Le
	case wasm.OpF32Ge:
		return wasm.OpF64Ge
	}
	return op
}

// fMin/fMax implement IEEE-754 minNum/maxNum-like behavior where either
// operand being NaN propagates NaN (Go's math.Min/Max already do this).
func fMin(a, b float64) float64 { return math.Min(a, b) }
func fMax(a, b float64) float64 { return math.Max(a, b) }

// i32Binop/i64Binop implement the wrapping arithmetic, bitwise, shift, and
// rotate ops shared between the comma-separated opcode groups above. Shift
// counts are taken modulo the operand width per spec.md.
func i32Binop(op wasm.Opcode, a, b uint32) uint32 {
	switch op {
	case wasm.OpI32Add:
		return a + b
	case wasm.OpI32Sub:
		return a - b
	case wasm.OpI32Mul:
		return a * b
	case wasm.OpI32And:
		return a & b
	case wasm.OpI32Or:
		return a | b
	case wasm.OpI32Xor:
		return a ^ b
	case wasm.OpI32Shl:
		return a << (b % 32)
	case wasm.OpI32ShrS:
		return uint32(int32(a) >> (b % 32))
	case wasm.OpI32ShrU:
		return a >> (b % 32)
	case wasm.OpI32Rotl:
		return bits.RotateLeft32(a, int(b%32))
	case wasm.OpI32Rotr:
		return bits.RotateLeft32(a, -int(b%32))
	}
	return 0
}

func i64Binop(op wasm.Opcode, a, b uint64) uint64 {
	switch op {
	case wasm.OpI64Add:
		return a + b
	case wasm.OpI64Sub:
		return a - b
	case wasm.OpI64Mul:
		return a * b
	case wasm.OpI64And:
		return a & b
	case wasm.OpI64Or:
		return a | b
	case wasm.OpI64Xor:
		return a ^ b
	case wasm.OpI64Shl:
		return a << (b % 64)
	case wasm.OpI64ShrS:
		return uint64(int64(a) >> (b % 64))
	case wasm.OpI64ShrU:
		return a >> (b % 64)
	case wasm.OpI64Rotl:
		return bits.RotateLeft64(a, int(b%64))
	case wasm.OpI64Rotr:
		return bits.RotateLeft64(a, -int(b%64))
	}
	return 0
}

// truncToInt implements spec.md's float-to-int truncation rule: trap on
// NaN/Infinity and on out-of-range values (signed destination).
//
// hiExclusive is the exclusive upper bound (one past the largest valid
// value), not the largest valid value itself: math.MaxInt64 (2^63-1) isn't
// exactly representable as a float64 and rounds up to exactly 2^63 on
// conversion, so a `t > float64(math.MaxInt64)` comparison would silently
// admit t == 2^63 — a value that overflows int64 on the subsequent
// conversion instead of trapping. Callers pass the nearest power of two
// above the valid range (itself always exactly representable) and this
// function rejects t >= hiExclusive.
func (it *Interpreter) truncToInt(v float64, lo, hiExclusive float64) (int64, error) {
	if math.IsNaN(v) {
		return 0, it.trapf(wasm.TrapInvalidConversionToInteger, "invalid conversion: NaN")
	}
	if math.IsInf(v, 0) {
		return 0, it.trapf(wasm.TrapInvalidConversionToInteger, "invalid conversion: infinity")
	}
	t := math.Trunc(v)
	if t < lo || t >= hiExclusive {
		return 0, it.trapf(wasm.TrapIntegerOverflow, "truncation out of range: %v", v)
	}
	return int64(t), nil
}

// truncToUint is truncToInt's unsigned-destination counterpart (0..max,
// same hiExclusive boundary-rounding caveat as truncToInt).
func (it *Interpreter) truncToUint(v float64, hiExclusive float64) (uint64, error) {
	if math.IsNaN(v) {
		return 0, it.trapf(wasm.TrapInvalidConversionToInteger, "invalid conversion: NaN")
	}
	if math.IsInf(v, 0) {
		return 0, it.trapf(wasm.TrapInvalidConversionToInteger, "invalid conversion: infinity")
	}
	t := math.Trunc(v)
	if t < 0 || t >= hiExclusive {
		return 0, it.trapf(wasm.TrapIntegerOverflow, "truncation out of range: %v", v)
	}
	return uint64(t), nil
}
