package wat

import (
	"fmt"
	"strconv"
	"strings"

	wasm "github.com/rnxpyke/wasm/internal/wasm"
)

// funcCtx lowers one function body (or a standalone const-expr) into
// []wasm.Instruction, resolving local and label `$name`s against the
// module-level name maps built by lowerModule's first pass.
//
// Only the folded (s-expression-per-instruction) text-format syntax is
// supported: every instruction is its own parenthesized list, with nested
// operand expressions folded as child lists. This is the form the teacher's
// wat/parser_test.go fixtures exercise and covers every instruction
// SPEC_FULL.md names; the flat/unfolded linear syntax is not implemented
// (Open Question decision, see DESIGN.md).
type funcCtx struct {
	*moduleCtx
	localIdx map[string]uint32
	labels   []string // innermost last; "" for an unnamed label.
}

func (fc *funcCtx) lowerInstrSeq(nodes []*node) ([]wasm.Instruction, error) {
	var out []wasm.Instruction
	for _, n := range nodes {
		instrs, err := fc.lowerInstr(n)
		if err != nil {
			return nil, err
		}
		out = append(out, instrs...)
	}
	return out, nil
}

func (fc *funcCtx) lowerInstr(n *node) ([]wasm.Instruction, error) {
	if !n.isList {
		return nil, fmt.Errorf("expected an instruction, got bare atom %q", n.tok.text)
	}
	op := n.head()
	switch op {
	case "block", "loop":
		return fc.lowerBlockLike(op, n.rest())
	case "if":
		return fc.lowerIf(n.rest())
	case "call_indirect":
		return fc.lowerCallIndirect(n.rest())
	}
	return fc.lowerPlain(op, n.rest())
}

// lowerBlockLike handles block and loop: optional $label, optional
// (result t)* signature, then the body.
func (fc *funcCtx) lowerBlockLike(op string, rest []*node) ([]wasm.Instruction, error) {
	label, rest := leadingID(rest)
	sig, rest, err := fc.parseBlockSig(rest)
	if err != nil {
		return nil, err
	}
	fc.labels = append(fc.labels, label)
	body, err := fc.lowerInstrSeq(rest)
	fc.labels = fc.labels[:len(fc.labels)-1]
	if err != nil {
		return nil, err
	}
	opcode := wasm.OpBlock
	if op == "loop" {
		opcode = wasm.OpLoop
	}
	return []wasm.Instruction{{Opcode: opcode, Block: &wasm.BlockType{Type: sig}, Then: body}}, nil
}

// lowerIf handles: optional $label, optional (result t)* signature, zero or
// more folded condition expressions, then (then ...) and optional (else
// ...).
func (fc *funcCtx) lowerIf(rest []*node) ([]wasm.Instruction, error) {
	label, rest := leadingID(rest)
	sig, rest, err := fc.parseBlockSig(rest)
	if err != nil {
		return nil, err
	}
	var cond []wasm.Instruction
	for len(rest) > 0 && rest[0].head() != "then" {
		sub, err := fc.lowerInstr(rest[0])
		if err != nil {
			return nil, err
		}
		cond = append(cond, sub...)
		rest = rest[1:]
	}
	if len(rest) == 0 {
		return nil, fmt.Errorf("if: missing (then ...) clause")
	}
	thenNode := rest[0]
	rest = rest[1:]

	fc.labels = append(fc.labels, label)
	thenBody, err := fc.lowerInstrSeq(thenNode.rest())
	if err != nil {
		fc.labels = fc.labels[:len(fc.labels)-1]
		return nil, err
	}
	var elseBody []wasm.Instruction
	if len(rest) > 0 && rest[0].head() == "else" {
		elseBody, err = fc.lowerInstrSeq(rest[0].rest())
		if err != nil {
			fc.labels = fc.labels[:len(fc.labels)-1]
			return nil, err
		}
	}
	fc.labels = fc.labels[:len(fc.labels)-1]

	out := append([]wasm.Instruction{}, cond...)
	out = append(out, wasm.Instruction{Opcode: wasm.OpIf, Block: &wasm.BlockType{Type: sig}, Then: thenBody, Else: elseBody})
	return out, nil
}

// parseBlockSig consumes leading (result t)* forms, returning the
// accumulated FunctionType and the unconsumed remainder. Block types with
// params (the multi-value extension) aren't supported, matching the binary
// decoder's decodeBlockType restriction (see DESIGN.md).
func (fc *funcCtx) parseBlockSig(rest []*node) (*wasm.FunctionType, []*node, error) {
	ft := &wasm.FunctionType{}
	for len(rest) > 0 && rest[0].head() == "result" {
		for _, a := range rest[0].rest() {
			vt, err := valueTypeFromAtom(a.tok.text)
			if err != nil {
				return nil, nil, err
			}
			ft.Results = append(ft.Results, vt)
		}
		rest = rest[1:]
	}
	return ft, rest, nil
}

func (fc *funcCtx) lowerCallIndirect(rest []*node) ([]wasm.Instruction, error) {
	var typeIdx wasm.TypeIdx
	var operands []*node
	for _, c := range rest {
		if c.isList && c.head() == "type" {
			idx, err := fc.resolveIdx(c.rest()[0], fc.typeIdx)
			if err != nil {
				return nil, err
			}
			typeIdx = idx
			continue
		}
		operands = append(operands, c)
	}
	var out []wasm.Instruction
	for _, c := range operands {
		sub, err := fc.lowerInstr(c)
		if err != nil {
			return nil, err
		}
		out = append(out, sub...)
	}
	out = append(out, wasm.Instruction{Opcode: wasm.OpCallIndirect, TypeIdx: typeIdx, TableIdx: 0})
	return out, nil
}

func (fc *funcCtx) resolveLocal(n *node) (wasm.LocalIdx, error) {
	if n.isList {
		return 0, fmt.Errorf("expected a local index")
	}
	if n.tok.typ == tokenID {
		idx, ok := fc.localIdx[n.tok.text]
		if !ok {
			return 0, fmt.Errorf("undefined local %s", n.tok.text)
		}
		return idx, nil
	}
	v, err := parseUint64(n.tok.text)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

func (fc *funcCtx) resolveLabel(n *node) (wasm.LabelIdx, error) {
	if n.isList {
		return 0, fmt.Errorf("expected a label index")
	}
	if n.tok.typ == tokenID {
		for i := len(fc.labels) - 1; i >= 0; i-- {
			if fc.labels[i] == n.tok.text {
				return uint32(len(fc.labels) - 1 - i), nil
			}
		}
		return 0, fmt.Errorf("undefined label %s", n.tok.text)
	}
	v, err := parseUint64(n.tok.text)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

// lowerPlain handles every instruction other than block/loop/if/call_indirect:
// fold nested operand expressions (list children) first, in order, then
// append this instruction built from its leading atom immediates.
func (fc *funcCtx) lowerPlain(op string, rest []*node) ([]wasm.Instruction, error) {
	var immAtoms []*node
	var operands []*node
	for _, c := range rest {
		if c.isList {
			operands = append(operands, c)
		} else {
			immAtoms = append(immAtoms, c)
		}
	}
	var out []wasm.Instruction
	for _, c := range operands {
		sub, err := fc.lowerInstr(c)
		if err != nil {
			return nil, err
		}
		out = append(out, sub...)
	}
	instr, err := fc.buildPlainInstr(op, immAtoms)
	if err != nil {
		return nil, err
	}
	return append(out, instr), nil
}

func (fc *funcCtx) buildPlainInstr(op string, imm []*node) (wasm.Instruction, error) {
	switch op {
	case "local.get":
		idx, err := fc.resolveLocal(imm[0])
		return wasm.Instruction{Opcode: wasm.OpLocalGet, LocalIdx: idx}, err
	case "local.set":
		idx, err := fc.resolveLocal(imm[0])
		return wasm.Instruction{Opcode: wasm.OpLocalSet, LocalIdx: idx}, err
	case "local.tee":
		idx, err := fc.resolveLocal(imm[0])
		return wasm.Instruction{Opcode: wasm.OpLocalTee, LocalIdx: idx}, err
	case "global.get":
		idx, err := fc.resolveIdx(imm[0], fc.globalIdx)
		return wasm.Instruction{Opcode: wasm.OpGlobalGet, GlobalIdx: idx}, err
	case "global.set":
		idx, err := fc.resolveIdx(imm[0], fc.globalIdx)
		return wasm.Instruction{Opcode: wasm.OpGlobalSet, GlobalIdx: idx}, err
	case "call":
		idx, err := fc.resolveIdx(imm[0], fc.funcIdx)
		return wasm.Instruction{Opcode: wasm.OpCall, FuncIdx: idx}, err
	case "br":
		idx, err := fc.resolveLabel(imm[0])
		return wasm.Instruction{Opcode: wasm.OpBr, LabelIdx: idx}, err
	case "br_if":
		idx, err := fc.resolveLabel(imm[0])
		return wasm.Instruction{Opcode: wasm.OpBrIf, LabelIdx: idx}, err
	case "br_table":
		if len(imm) == 0 {
			return wasm.Instruction{}, fmt.Errorf("br_table: expected at least a default label")
		}
		var idxs []wasm.LabelIdx
		for _, a := range imm {
			idx, err := fc.resolveLabel(a)
			if err != nil {
				return wasm.Instruction{}, err
			}
			idxs = append(idxs, idx)
		}
		return wasm.Instruction{Opcode: wasm.OpBrTable, LabelIdxs: idxs}, nil
	case "i32.const":
		v, err := parseInt64(imm[0].tok.text)
		return wasm.Instruction{Opcode: wasm.OpI32Const, I32: int32(v)}, err
	case "i64.const":
		v, err := parseInt64(imm[0].tok.text)
		return wasm.Instruction{Opcode: wasm.OpI64Const, I64: v}, err
	case "f32.const":
		v, err := parseFloat64(imm[0].tok.text)
		return wasm.Instruction{Opcode: wasm.OpF32Const, F32: float32(v)}, err
	case "f64.const":
		v, err := parseFloat64(imm[0].tok.text)
		return wasm.Instruction{Opcode: wasm.OpF64Const, F64: v}, err
	}
	if opcode, ok := opcodeByName[op]; ok {
		if isMemoryMnemonic(op) {
			mem, err := parseMemArg(imm)
			return wasm.Instruction{Opcode: opcode, Mem: mem}, err
		}
		return wasm.Instruction{Opcode: opcode}, nil
	}
	if sub, ok := bulkMemoryByName[op]; ok {
		return wasm.Instruction{Opcode: wasm.OpPrefixed, Sub: sub}, nil
	}
	return wasm.Instruction{}, fmt.Errorf("unknown instruction %q", op)
}

func isMemoryMnemonic(op string) bool {
	return strings.HasSuffix(op, "load") || strings.Contains(op, "load8") ||
		strings.Contains(op, "load16") || strings.Contains(op, "load32") ||
		strings.HasSuffix(op, "store") || strings.Contains(op, "store8") ||
		strings.Contains(op, "store16") || strings.Contains(op, "store32")
}

// parseMemArg reads the optional "offset=N" / "align=N" attribute atoms a
// load/store carries before its folded address operand.
func parseMemArg(imm []*node) (wasm.MemArg, error) {
	var m wasm.MemArg
	for _, a := range imm {
		text := a.tok.text
		switch {
		case strings.HasPrefix(text, "offset="):
			v, err := strconv.ParseUint(stripUnderscores(text[len("offset="):]), 10, 32)
			if err != nil {
				return m, fmt.Errorf("invalid offset=: %w", err)
			}
			m.Offset = uint32(v)
		case strings.HasPrefix(text, "align="):
			v, err := strconv.ParseUint(stripUnderscores(text[len("align="):]), 10, 32)
			if err != nil {
				return m, fmt.Errorf("invalid align=: %w", err)
			}
			m.Align = uint32(v)
		default:
			return m, fmt.Errorf("unexpected memory instruction attribute %q", text)
		}
	}
	return m, nil
}

// lowerConstExpr lowers a restricted constant-expression instruction: a
// single numeric const or global.get, per the core spec's definition of
// constant expressions (used for global initializers and segment offsets).
func (fc *funcCtx) lowerConstExpr(n *node) (wasm.ConstExpr, error) {
	if !n.isList {
		return wasm.ConstExpr{}, fmt.Errorf("expected a constant expression")
	}
	switch n.head() {
	case "i32.const":
		v, err := parseInt64(n.rest()[0].tok.text)
		return wasm.ConstExpr{Opcode: wasm.OpI32Const, I32Value: int32(v)}, err
	case "i64.const":
		v, err := parseInt64(n.rest()[0].tok.text)
		return wasm.ConstExpr{Opcode: wasm.OpI64Const, I64Value: v}, err
	case "f32.const":
		v, err := parseFloat64(n.rest()[0].tok.text)
		return wasm.ConstExpr{Opcode: wasm.OpF32Const, F32Value: float32(v)}, err
	case "f64.const":
		v, err := parseFloat64(n.rest()[0].tok.text)
		return wasm.ConstExpr{Opcode: wasm.OpF64Const, F64Value: v}, err
	case "global.get":
		idx, err := fc.resolveIdx(n.rest()[0], fc.globalIdx)
		return wasm.ConstExpr{Opcode: wasm.OpGlobalGet, GlobalIdx: idx}, err
	}
	return wasm.ConstExpr{}, fmt.Errorf("invalid constant expression: %q is not const-evaluable", n.head())
}

// opcodeByName covers every niladic-immediate instruction (comparisons,
// arithmetic, conversions, memory.size/grow, drop/select/nop/unreachable/
// return) plus the memory loads/stores whose only immediate is the
// offset=/align= attribute pair handled above.
var opcodeByName = map[string]wasm.Opcode{
	"unreachable": wasm.OpUnreachable,
	"nop":         wasm.OpNop,
	"return":      wasm.OpReturn,
	"drop":        wasm.OpDrop,
	"select":      wasm.OpSelect,

	"i32.load": wasm.OpI32Load, "i64.load": wasm.OpI64Load,
	"f32.load": wasm.OpF32Load, "f64.load": wasm.OpF64Load,
	"i32.load8_s": wasm.OpI32Load8S, "i32.load8_u": wasm.OpI32Load8U,
	"i32.load16_s": wasm.OpI32Load16S, "i32.load16_u": wasm.OpI32Load16U,
	"i64.load8_s": wasm.OpI64Load8S, "i64.load8_u": wasm.OpI64Load8U,
	"i64.load16_s": wasm.OpI64Load16S, "i64.load16_u": wasm.OpI64Load16U,
	"i64.load32_s": wasm.OpI64Load32S, "i64.load32_u": wasm.OpI64Load32U,
	"i32.store": wasm.OpI32Store, "i64.store": wasm.OpI64Store,
	"f32.store": wasm.OpF32Store, "f64.store": wasm.OpF64Store,
	"i32.store8": wasm.OpI32Store8, "i32.store16": wasm.OpI32Store16,
	"i64.store8": wasm.OpI64Store8, "i64.store16": wasm.OpI64Store16, "i64.store32": wasm.OpI64Store32,

	"memory.size": wasm.OpMemorySize, "memory.grow": wasm.OpMemoryGrow,

	"i32.eqz": wasm.OpI32Eqz, "i32.eq": wasm.OpI32Eq, "i32.ne": wasm.OpI32Ne,
	"i32.lt_s": wasm.OpI32LtS, "i32.lt_u": wasm.OpI32LtU, "i32.gt_s": wasm.OpI32GtS, "i32.gt_u": wasm.OpI32GtU,
	"i32.le_s": wasm.OpI32LeS, "i32.le_u": wasm.OpI32LeU, "i32.ge_s": wasm.OpI32GeS, "i32.ge_u": wasm.OpI32GeU,

	"i64.eqz": wasm.OpI64Eqz, "i64.eq": wasm.OpI64Eq, "i64.ne": wasm.OpI64Ne,
	"i64.lt_s": wasm.OpI64LtS, "i64.lt_u": wasm.OpI64LtU, "i64.gt_s": wasm.OpI64GtS, "i64.gt_u": wasm.OpI64GtU,
	"i64.le_s": wasm.OpI64LeS, "i64.le_u": wasm.OpI64LeU, "i64.ge_s": wasm.OpI64GeS, "i64.ge_u": wasm.OpI64GeU,

	"f32.eq": wasm.OpF32Eq, "f32.ne": wasm.OpF32Ne, "f32.lt": wasm.OpF32Lt, "f32.gt": wasm.OpF32Gt, "f32.le": wasm.OpF32Le, "f32.ge": wasm.OpF32Ge,
	"f64.eq": wasm.OpF64Eq, "f64.ne": wasm.OpF64Ne, "f64.lt": wasm.OpF64Lt, "f64.gt": wasm.OpF64Gt, "f64.le": wasm.OpF64Le, "f64.ge": wasm.OpF64Ge,

	"i32.clz": wasm.OpI32Clz, "i32.ctz": wasm.OpI32Ctz, "i32.popcnt": wasm.OpI32Popcnt,
	"i32.add": wasm.OpI32Add, "i32.sub": wasm.OpI32Sub, "i32.mul": wasm.OpI32Mul,
	"i32.div_s": wasm.OpI32DivS, "i32.div_u": wasm.OpI32DivU, "i32.rem_s": wasm.OpI32RemS, "i32.rem_u": wasm.OpI32RemU,
	"i32.and": wasm.OpI32And, "i32.or": wasm.OpI32Or, "i32.xor": wasm.OpI32Xor,
	"i32.shl": wasm.OpI32Shl, "i32.shr_s": wasm.OpI32ShrS, "i32.shr_u": wasm.OpI32ShrU,
	"i32.rotl": wasm.OpI32Rotl, "i32.rotr": wasm.OpI32Rotr,

	"i64.clz": wasm.OpI64Clz, "i64.ctz": wasm.OpI64Ctz, "i64.popcnt": wasm.OpI64Popcnt,
	"i64.add": wasm.OpI64Add, "i64.sub": wasm.OpI64Sub, "i64.mul": wasm.OpI64Mul,
	"i64.div_s": wasm.OpI64DivS, "i64.div_u": wasm.OpI64DivU, "i64.rem_s": wasm.OpI64RemS, "i64.rem_u": wasm.OpI64RemU,
	"i64.and": wasm.OpI64And, "i64.or": wasm.OpI64Or, "i64.xor": wasm.OpI64Xor,
	"i64.shl": wasm.OpI64Shl, "i64.shr_s": wasm.OpI64ShrS, "i64.shr_u": wasm.OpI64ShrU,
	"i64.rotl": wasm.OpI64Rotl, "i64.rotr": wasm.OpI64Rotr,

	"f32.abs": wasm.OpF32Abs, "f32.neg": wasm.OpF32Neg, "f32.ceil": wasm.OpF32Ceil, "f32.floor": wasm.OpF32Floor,
	"f32.trunc": wasm.OpF32Trunc, "f32.nearest": wasm.OpF32Nearest, "f32.sqrt": wasm.OpF32Sqrt,
	"f32.add": wasm.OpF32Add, "f32.sub": wasm.OpF32Sub, "f32.mul": wasm.OpF32Mul, "f32.div": wasm.OpF32Div,
	"f32.min": wasm.OpF32Min, "f32.max": wasm.OpF32Max, "f32.copysign": wasm.OpF32Copysign,

	"f64.abs": wasm.OpF64Abs, "f64.neg": wasm.OpF64Neg, "f64.ceil": wasm.OpF64Ceil, "f64.floor": wasm.OpF64Floor,
	"f64.trunc": wasm.OpF64Trunc, "f64.nearest": wasm.OpF64Nearest, "f64.sqrt": wasm.OpF64Sqrt,
	"f64.add": wasm.OpF64Add, "f64.sub": wasm.OpF64Sub, "f64.mul": wasm.OpF64Mul, "f64.div": wasm.OpF64Div,
	"f64.min": wasm.OpF64Min, "f64.max": wasm.OpF64Max, "f64.copysign": wasm.OpF64Copysign,

	"i32.wrap_i64": wasm.OpI32WrapI64,
	"i32.trunc_f32_s": wasm.OpI32TruncF32S, "i32.trunc_f32_u": wasm.OpI32TruncF32U,
	"i32.trunc_f64_s": wasm.OpI32TruncF64S, "i32.trunc_f64_u": wasm.OpI32TruncF64U,
	"i64.extend_i32_s": wasm.OpI64ExtendI32S, "i64.extend_i32_u": wasm.OpI64ExtendI32U,
	"i64.trunc_f32_s": wasm.OpI64TruncF32S, "i64.trunc_f32_u": wasm.OpI64TruncF32U,
	"i64.trunc_f64_s": wasm.OpI64TruncF64S, "i64.trunc_f64_u": wasm.OpI64TruncF64U,
	"f32.convert_i32_s": wasm.OpF32ConvertI32S, "f32.convert_i32_u": wasm.OpF32ConvertI32U,
	"f32.convert_i64_s": wasm.OpF32ConvertI64S, "f32.convert_i64_u": wasm.OpF32ConvertI64U,
	"f32.demote_f64": wasm.OpF32DemoteF64,
	"f64.convert_i32_s": wasm.OpF64ConvertI32S, "f64.convert_i32_u": wasm.OpF64ConvertI32U,
	"f64.convert_i64_s": wasm.OpF64ConvertI64S, "f64.convert_i64_u": wasm.OpF64ConvertI64U,
	"f64.promote_f32":     wasm.OpF64PromoteF32,
	"i32.reinterpret_f32": wasm.OpI32ReinterpretF32,
	"i64.reinterpret_f64": wasm.OpI64ReinterpretF64,
	"f32.reinterpret_i32": wasm.OpF32ReinterpretI32,
	"f64.reinterpret_i64": wasm.OpF64ReinterpretI64,
}

// bulkMemoryByName covers the 0xFC-prefixed bulk-memory instructions this
// repo supports (see SPEC_FULL.md's bulk-memory supplement): memory.copy
// and memory.fill only. data.drop and memory.init carry a data-segment index
// which isn't modeled on Instruction, so they are not in this table and are
// reported as unknown instructions.
var bulkMemoryByName = map[string]wasm.Opcode{
	"memory.copy": wasm.SubMemoryCopy,
	"memory.fill": wasm.SubMemoryFill,
}
