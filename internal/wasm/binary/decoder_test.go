package binary

import (
	"bytes"
	"testing"

	"github.com/rnxpyke/wasm/api"
	wasm "github.com/rnxpyke/wasm/internal/wasm"
	"github.com/stretchr/testify/require"
)

func preamble() []byte {
	return []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
}

func TestDecodeModule_InvalidMagic(t *testing.T) {
	_, err := DecodeModule([]byte{0x00, 0x00, 0x00, 0x00})
	require.Error(t, err)
	var de *wasm.DecodeError
	require.ErrorAs(t, err, &de)
}

func TestDecodeModule_Empty(t *testing.T) {
	mod, err := DecodeModule(preamble())
	require.NoError(t, err)
	require.Empty(t, mod.TypeSection)
}

// A minimal module exporting a function (i32,i32)->i32 computing local.get 0
// + local.get 1, matching spec.md §8 scenario 1's shape.
func TestDecodeModule_AddFunction(t *testing.T) {
	b := append(preamble(),
		// type section: id 1
		1, 7,
		1,                            // 1 type
		0x60, 2, 0x7f, 0x7f, 1, 0x7f, // (i32 i32) -> (i32)

		// function section: id 3
		3, 2,
		1, 0, // 1 function, type 0

		// export section: id 7
		7, 8,
		1, // 1 export
		4, 'm', 'a', 'i', 'n',
		0x00, 0, // func, index 0

		// code section: id 10
		10, 9,
		1,       // 1 function body
		7,       // body size
		0,       // 0 local decls
		0x20, 0, // local.get 0
		0x20, 1, // local.get 1
		0x6a, // i32.add
		0x0b, // end
	)
	mod, err := DecodeModule(b)
	require.NoError(t, err)
	require.Len(t, mod.TypeSection, 1)
	require.Equal(t, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, mod.TypeSection[0].Params)
	require.Equal(t, []api.ValueType{api.ValueTypeI32}, mod.TypeSection[0].Results)
	require.Len(t, mod.CodeSection, 1)
	require.Equal(t, []wasm.Instruction{
		{Opcode: wasm.OpLocalGet, LocalIdx: 0},
		{Opcode: wasm.OpLocalGet, LocalIdx: 1},
		{Opcode: wasm.OpI32Add},
	}, mod.CodeSection[0].Body)
	require.Equal(t, "main", mod.ExportSection[0].Name)
}

func TestDecodeModule_UnknownSectionID(t *testing.T) {
	b := append(preamble(), 200, 0)
	_, err := DecodeModule(b)
	require.Error(t, err)
}

func TestDecodeModule_TruncatedSection(t *testing.T) {
	b := append(preamble(), 1, 5, 1) // declares 5 bytes, only 1 present
	_, err := DecodeModule(b)
	require.Error(t, err)
}

func TestDecodeModule_SectionsOutOfOrder(t *testing.T) {
	b := append(preamble(),
		3, 2, 1, 0, // function section (id 3)
		1, 4, 1, 0x60, 0, 0, // type section (id 1) after function: out of order
	)
	mod, err := DecodeModule(b)
	require.NoError(t, err)
	require.Len(t, mod.TypeSection, 1)
	require.Equal(t, []wasm.TypeIdx{0}, mod.FunctionSection)
}

// block/loop/if decode into the nested Then/Else tree.
func TestDecodeInstructions_If(t *testing.T) {
	// (if (then i32.const 1) (else i32.const 2))
	body := []byte{
		0x04, 0x7f, // if, result i32
		0x41, 1, // i32.const 1
		0x05,    // else
		0x41, 2, // i32.const 2
		0x0b, // end (if)
		0x0b, // end (body)
	}
	instrs, err := decodeInstructions(bytes.NewReader(body))
	require.NoError(t, err)
	require.Len(t, instrs, 1)
	require.Equal(t, wasm.OpIf, instrs[0].Opcode)
	require.Equal(t, []wasm.Instruction{{Opcode: wasm.OpI32Const, I32: 1}}, instrs[0].Then)
	require.Equal(t, []wasm.Instruction{{Opcode: wasm.OpI32Const, I32: 2}}, instrs[0].Else)
}

func TestDecodeInstructions_BrTable(t *testing.T) {
	body := []byte{
		0x0e, 2, 0, 1, 2, // br_table 0 1 2 (2 labels + default)
		0x0b,
	}
	instrs, err := decodeInstructions(bytes.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, []wasm.LabelIdx{0, 1, 2}, instrs[0].LabelIdxs)
}

func TestDecodeModule_LEB128Overlong(t *testing.T) {
	// section id 1 (type), size declared via a 6-byte overlong LEB128 u32.
	b := append(preamble(), 1, 0x80, 0x80, 0x80, 0x80, 0x80, 0x01)
	_, err := DecodeModule(b)
	require.Error(t, err)
}
