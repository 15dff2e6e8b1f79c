package interpreter

import (
	"encoding/binary"

	"github.com/rnxpyke/wasm/api"
	wasm "github.com/rnxpyke/wasm/internal/wasm"
)

func isMemoryOp(op wasm.Opcode) bool {
	switch op {
	case wasm.OpI32Load, wasm.OpI64Load, wasm.OpF32Load, wasm.OpF64Load,
		wasm.OpI32Load8S, wasm.OpI32Load8U, wasm.OpI32Load16S, wasm.OpI32Load16U,
		wasm.OpI64Load8S, wasm.OpI64Load8U, wasm.OpI64Load16S, wasm.OpI64Load16U,
		wasm.OpI64Load32S, wasm.OpI64Load32U,
		wasm.OpI32Store, wasm.OpI64Store, wasm.OpF32Store, wasm.OpF64Store,
		wasm.OpI32Store8, wasm.OpI32Store16, wasm.OpI64Store8, wasm.OpI64Store16, wasm.OpI64Store32:
		return true
	}
	return false
}

// effectiveAddress implements spec.md §4.4 "Addressing": ea = base +
// memarg.offset, both u32, any overflow traps. Returns the validated ea,
// whose width bytes are checked to lie within mem, or a trap.
func (it *Interpreter) effectiveAddress(fr *frame, mem *wasm.MemoryInstance, arg wasm.MemArg, width uint32) (uint32, error) {
	base := uint32(api.DecodeI32(fr.pop()))
	ea64 := uint64(base) + uint64(arg.Offset)
	if ea64 > 0xFFFFFFFF {
		return 0, it.trapf(wasm.TrapMemoryOutOfBounds, "address overflow: base %d + offset %d", base, arg.Offset)
	}
	ea := uint32(ea64)
	if uint64(ea)+uint64(width) > uint64(len(mem.Bytes)) {
		return 0, it.trapf(wasm.TrapMemoryOutOfBounds, "access at %d+%d exceeds memory size %d", ea, width, len(mem.Bytes))
	}
	return ea, nil
}

func (it *Interpreter) execMemory(fr *frame, instr wasm.Instruction) error {
	mem := it.memory(fr)
	switch instr.Opcode {
	case wasm.OpI32Load:
		ea, err := it.effectiveAddress(fr, mem, instr.Mem, 4)
		if err != nil {
			return err
		}
		fr.push(api.EncodeI32(int32(binary.LittleEndian.Uint32(mem.Bytes[ea:]))))
	case wasm.OpI64Load:
		ea, err := it.effectiveAddress(fr, mem, instr.Mem, 8)
		if err != nil {
			return err
		}
		fr.push(binary.LittleEndian.Uint64(mem.Bytes[ea:]))
	case wasm.OpF32Load:
		ea, err := it.effectiveAddress(fr, mem, instr.Mem, 4)
		if err != nil {
			return err
		}
		fr.push(uint64(binary.LittleEndian.Uint32(mem.Bytes[ea:])))
	case wasm.OpF64Load:
		ea, err := it.effectiveAddress(fr, mem, instr.Mem, 8)
		if err != nil {
			return err
		}
		fr.push(binary.LittleEndian.Uint64(mem.Bytes[ea:]))

	case wasm.OpI32Load8S:
		ea, err := it.effectiveAddress(fr, mem, instr.Mem, 1)
		if err != nil {
			return err
		}
		fr.push(api.EncodeI32(int32(int8(mem.Bytes[ea]))))
	case wasm.OpI32Load8U:
		ea, err := it.effectiveAddress(fr, mem, instr.Mem, 1)
		if err != nil {
			return err
		}
		fr.push(api.EncodeI32(int32(mem.Bytes[ea])))
	case wasm.OpI32Load16S:
		ea, err := it.effectiveAddress(fr, mem, instr.Mem, 2)
		if err != nil {
			return err
		}
		fr.push(api.EncodeI32(int32(int16(binary.LittleEndian.Uint16(mem.Bytes[ea:])))))
	case wasm.OpI32Load16U:
		ea, err := it.effectiveAddress(fr, mem, instr.Mem, 2)
		if err != nil {
			return err
		}
		fr.push(api.EncodeI32(int32(binary.LittleEndian.Uint16(mem.Bytes[ea:]))))

	case wasm.OpI64Load8S:
		ea, err := it.effectiveAddress(fr, mem, instr.Mem, 1)
		if err != nil {
			return err
		}
		fr.push(api.EncodeI64(int64(int8(mem.Bytes[ea]))))
	case wasm.OpI64Load8U:
		ea, err := it.effectiveAddress(fr, mem, instr.Mem, 1)
		if err != nil {
			return err
		}
		fr.push(api.EncodeI64(int64(mem.Bytes[ea])))
	case wasm.OpI64Load16S:
		ea, err := it.effectiveAddress(fr, mem, instr.Mem, 2)
		if err != nil {
			return err
		}
		fr.push(api.EncodeI64(int64(int16(binary.LittleEndian.Uint16(mem.Bytes[ea:])))))
	case wasm.OpI64Load16U:
		ea, err := it.effectiveAddress(fr, mem, instr.Mem, 2)
		if err != nil {
			return err
		}
		fr.push(api.EncodeI64(int64(binary.LittleEndian.Uint16(mem.Bytes[ea:]))))
	case wasm.OpI64Load32S:
		ea, err := it.effectiveAddress(fr, mem, instr.Mem, 4)
		if err != nil {
			return err
		}
		fr.push(api.EncodeI64(int64(int32(binary.LittleEndian.Uint32(mem.Bytes[ea:])))))
	case wasm.OpI64Load32U:
		ea, err := it.effectiveAddress(fr, mem, instr.Mem, 4)
		if err != nil {
			return err
		}
		fr.push(api.EncodeI64(int64(binary.LittleEndian.Uint32(mem.Bytes[ea:]))))

	case wasm.OpI32Store:
		v := fr.pop()
		ea, err := it.effectiveAddress(fr, mem, instr.Mem, 4)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(mem.Bytes[ea:], uint32(api.DecodeI32(v)))
	case wasm.OpI64Store:
		v := fr.pop()
		ea, err := it.effectiveAddress(fr, mem, instr.Mem, 8)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint64(mem.Bytes[ea:], v)
	case wasm.OpF32Store:
		v := fr.pop()
		ea, err := it.effectiveAddress(fr, mem, instr.Mem, 4)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(mem.Bytes[ea:], uint32(v))
	case wasm.OpF64Store:
		v := fr.pop()
		ea, err := it.effectiveAddress(fr, mem, instr.Mem, 8)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint64(mem.Bytes[ea:], v)

	case wasm.OpI32Store8:
		v := fr.pop()
		ea, err := it.effectiveAddress(fr, mem, instr.Mem, 1)
		if err != nil {
			return err
		}
		mem.Bytes[ea] = byte(v)
	case wasm.OpI32Store16:
		v := fr.pop()
		ea, err := it.effectiveAddress(fr, mem, instr.Mem, 2)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint16(mem.Bytes[ea:], uint16(v))
	case wasm.OpI64Store8:
		v := fr.pop()
		ea, err := it.effectiveAddress(fr, mem, instr.Mem, 1)
		if err != nil {
			return err
		}
		mem.Bytes[ea] = byte(v)
	case wasm.OpI64Store16:
		v := fr.pop()
		ea, err := it.effectiveAddress(fr, mem, instr.Mem, 2)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint16(mem.Bytes[ea:], uint16(v))
	case wasm.OpI64Store32:
		v := fr.pop()
		ea, err := it.effectiveAddress(fr, mem, instr.Mem, 4)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(mem.Bytes[ea:], uint32(v))
	}
	return nil
}

// execBulkMemory implements the SPEC_FULL.md bulk-memory supplement
// (memory.copy, memory.fill) under the 0xFC-prefixed opcode space.
func (it *Interpreter) execBulkMemory(fr *frame, instr wasm.Instruction) error {
	if !it.EnableBulkMemory {
		return it.trapf(wasm.TrapUnreachable, "bulk-memory operations disabled by RuntimeConfig")
	}
	mem := it.memory(fr)
	switch instr.Sub {
	case wasm.SubMemoryCopy:
		n := uint32(api.DecodeI32(fr.pop()))
		src := uint32(api.DecodeI32(fr.pop()))
		dst := uint32(api.DecodeI32(fr.pop()))
		if uint64(src)+uint64(n) > uint64(len(mem.Bytes)) || uint64(dst)+uint64(n) > uint64(len(mem.Bytes)) {
			return it.trapf(wasm.TrapMemoryOutOfBounds, "memory.copy out of bounds")
		}
		copy(mem.Bytes[dst:dst+n], mem.Bytes[src:src+n])
	case wasm.SubMemoryFill:
		n := uint32(api.DecodeI32(fr.pop()))
		val := byte(api.DecodeI32(fr.pop()))
		dst := uint32(api.DecodeI32(fr.pop()))
		if uint64(dst)+uint64(n) > uint64(len(mem.Bytes)) {
			return it.trapf(wasm.TrapMemoryOutOfBounds, "memory.fill out of bounds")
		}
		for i := uint32(0); i < n; i++ {
			mem.Bytes[dst+i] = val
		}
	default:
		return it.trapf(wasm.TrapUnreachable, "unsupported prefixed opcode %#x", instr.Sub)
	}
	return nil
}
