package wat

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rnxpyke/wasm/api"
	wasm "github.com/rnxpyke/wasm/internal/wasm"
)

// DecodeModule implements spec.md §4.2: lex, read into a tree, and lower the
// tree into a Module IR equivalent to the binary-decoded one. Accepts both
// a single top-level `(module ...)` form and a bare sequence of module
// fields (the common `.wat` fragment convention).
func DecodeModule(src []byte) (*wasm.Module, error) {
	toks, err := lexTokens(src)
	if err != nil {
		return nil, wasm.NewDecodeError(0, "lexing: %s", err)
	}
	forms, err := readForms(toks)
	if err != nil {
		return nil, wasm.NewDecodeError(0, "reading forms: %s", err)
	}
	var fields []*node
	if len(forms) == 1 && forms[0].head() == "module" {
		fields = forms[0].rest()
	} else {
		fields = forms
	}
	mod, err := lowerModule(fields)
	if err != nil {
		return nil, wasm.NewDecodeError(0, "%s", err)
	}
	return mod, nil
}

// moduleCtx accumulates the name bindings built during the first pass so
// instruction lowering (second pass) can resolve `$name` references into
// numeric indices, per spec.md §4.2's "lowerer walks forms ... into Module
// IR" and the teacher's bind-pass naming convention.
type moduleCtx struct {
	typeIdx   map[string]uint32
	funcIdx   map[string]uint32
	tableIdx  map[string]uint32
	memIdx    map[string]uint32
	globalIdx map[string]uint32

	mod *wasm.Module
}

func lowerModule(fields []*node) (*wasm.Module, error) {
	ctx := &moduleCtx{
		typeIdx:   map[string]uint32{},
		funcIdx:   map[string]uint32{},
		tableIdx:  map[string]uint32{},
		memIdx:    map[string]uint32{},
		globalIdx: map[string]uint32{},
		mod:       &wasm.Module{CustomSections: map[string][]byte{}},
	}

	// Pass 0: type section (needed to resolve (type $id) clauses used by
	// imported/local functions and call_indirect).
	for _, f := range fields {
		if f.head() != "type" {
			continue
		}
		rest := f.rest()
		i := 0
		if i < len(rest) && !rest[i].isList && rest[i].tok.typ == tokenID {
			ctx.typeIdx[rest[i].tok.text] = uint32(len(ctx.mod.TypeSection))
			i++
		}
		if i >= len(rest) || rest[i].head() != "func" {
			return nil, fmt.Errorf("type: expected (func ...)")
		}
		ft, err := parseFuncType(rest[i].rest(), nil)
		if err != nil {
			return nil, err
		}
		ctx.mod.TypeSection = append(ctx.mod.TypeSection, ft)
	}

	// Pass 1: imports, in file order, establishing the low end of each
	// index space (spec.md §3's "imports first, then local definitions").
	for _, f := range fields {
		if f.head() != "import" {
			continue
		}
		if err := ctx.lowerImport(f); err != nil {
			return nil, err
		}
	}

	// Pass 2: local declarations' names, so forward references (a function
	// calling one declared later) resolve.
	for _, f := range fields {
		switch f.head() {
		case "func":
			name := ""
			rest := f.rest()
			if len(rest) > 0 && !rest[0].isList && rest[0].tok.typ == tokenID {
				name = rest[0].tok.text
			}
			idx := uint32(len(ctx.mod.FunctionSection)) + ctx.mod.NumImportedFunctions()
			if name != "" {
				ctx.funcIdx[name] = idx
			}
			ctx.mod.FunctionSection = append(ctx.mod.FunctionSection, 0) // placeholder type idx, fixed below
			ctx.mod.CodeSection = append(ctx.mod.CodeSection, nil)
		case "table":
			name, rest := leadingID(f.rest())
			idx := uint32(len(ctx.mod.TableSection)) + ctx.mod.NumImportedTables()
			if name != "" {
				ctx.tableIdx[name] = idx
			}
			_ = rest
			ctx.mod.TableSection = append(ctx.mod.TableSection, nil)
		case "memory":
			name, _ := leadingID(f.rest())
			idx := uint32(len(ctx.mod.MemorySection)) + ctx.mod.NumImportedMemories()
			if name != "" {
				ctx.memIdx[name] = idx
			}
			ctx.mod.MemorySection = append(ctx.mod.MemorySection, nil)
		case "global":
			name, _ := leadingID(f.rest())
			idx := uint32(len(ctx.mod.GlobalSection)) + ctx.mod.NumImportedGlobals()
			if name != "" {
				ctx.globalIdx[name] = idx
			}
			ctx.mod.GlobalSection = append(ctx.mod.GlobalSection, nil)
		}
	}

	// Pass 3: lower bodies now that every name resolves.
	funcI, tableI, memI, globalI := 0, 0, 0, 0
	for _, f := range fields {
		switch f.head() {
		case "func":
			typeIdx, code, exportNames, err := ctx.lowerFunc(f)
			if err != nil {
				return nil, err
			}
			ctx.mod.FunctionSection[funcI] = typeIdx
			ctx.mod.CodeSection[funcI] = code
			addr := funcI + int(ctx.mod.NumImportedFunctions())
			for _, name := range exportNames {
				ctx.mod.ExportSection = append(ctx.mod.ExportSection, &wasm.Export{Name: name, Type: api.ExternTypeFunc, Index: uint32(addr)})
			}
			funcI++
		case "table":
			tt, exportNames, err := ctx.lowerTable(f)
			if err != nil {
				return nil, err
			}
			ctx.mod.TableSection[tableI] = tt
			addr := tableI + int(ctx.mod.NumImportedTables())
			for _, name := range exportNames {
				ctx.mod.ExportSection = append(ctx.mod.ExportSection, &wasm.Export{Name: name, Type: api.ExternTypeTable, Index: uint32(addr)})
			}
			tableI++
		case "memory":
			mt, exportNames, err := ctx.lowerMemory(f)
			if err != nil {
				return nil, err
			}
			ctx.mod.MemorySection[memI] = mt
			addr := memI + int(ctx.mod.NumImportedMemories())
			for _, name := range exportNames {
				ctx.mod.ExportSection = append(ctx.mod.ExportSection, &wasm.Export{Name: name, Type: api.ExternTypeMemory, Index: uint32(addr)})
			}
			memI++
		case "global":
			g, exportNames, err := ctx.lowerGlobal(f)
			if err != nil {
				return nil, err
			}
			ctx.mod.GlobalSection[globalI] = g
			addr := globalI + int(ctx.mod.NumImportedGlobals())
			for _, name := range exportNames {
				ctx.mod.ExportSection = append(ctx.mod.ExportSection, &wasm.Export{Name: name, Type: api.ExternTypeGlobal, Index: uint32(addr)})
			}
			globalI++
		case "export":
			ex, err := ctx.lowerExport(f)
			if err != nil {
				return nil, err
			}
			ctx.mod.ExportSection = append(ctx.mod.ExportSection, ex)
		case "start":
			idx, err := ctx.resolveIdx(f.rest()[0], ctx.funcIdx)
			if err != nil {
				return nil, err
			}
			ctx.mod.StartSection = &idx
		case "elem":
			el, err := ctx.lowerElem(f)
			if err != nil {
				return nil, err
			}
			ctx.mod.ElementSection = append(ctx.mod.ElementSection, el)
		case "data":
			d, err := ctx.lowerData(f)
			if err != nil {
				return nil, err
			}
			ctx.mod.DataSection = append(ctx.mod.DataSection, d)
		}
	}
	return ctx.mod, nil
}

func leadingID(rest []*node) (string, []*node) {
	if len(rest) > 0 && !rest[0].isList && rest[0].tok.typ == tokenID {
		return rest[0].tok.text, rest[1:]
	}
	return "", rest
}

// resolveIdx resolves a $name-or-numeric index node against the given
// namespace map.
func (ctx *moduleCtx) resolveIdx(n *node, space map[string]uint32) (uint32, error) {
	if n.isList {
		return 0, fmt.Errorf("expected an index, got a list")
	}
	if n.tok.typ == tokenID {
		idx, ok := space[n.tok.text]
		if !ok {
			return 0, fmt.Errorf("undefined identifier %s", n.tok.text)
		}
		return idx, nil
	}
	v, err := parseUint64(n.tok.text)
	if err != nil {
		return 0, fmt.Errorf("invalid index %q: %w", n.tok.text, err)
	}
	return uint32(v), nil
}

func valueTypeFromAtom(text string) (api.ValueType, error) {
	switch text {
	case "i32":
		return api.ValueTypeI32, nil
	case "i64":
		return api.ValueTypeI64, nil
	case "f32":
		return api.ValueTypeF32, nil
	case "f64":
		return api.ValueTypeF64, nil
	case "funcref":
		return api.ValueTypeFuncref, nil
	case "externref":
		return api.ValueTypeExternref, nil
	}
	return 0, fmt.Errorf("invalid value type %q", text)
}

// parseFuncType lowers a (param ...)* (result ...)* sequence. If localNames
// is non-nil, each named/unnamed param's binding is recorded into it
// (func-local $id -> local index), per the text format's "param bindings
// are local variable bindings" rule.
func parseFuncType(nodes []*node, localNames map[string]uint32) (*wasm.FunctionType, error) {
	ft := &wasm.FunctionType{}
	li := uint32(0)
	for _, n := range nodes {
		switch n.head() {
		case "param":
			rest := n.rest()
			if len(rest) > 0 && !rest[0].isList && rest[0].tok.typ == tokenID {
				if localNames != nil {
					localNames[rest[0].tok.text] = li
				}
				vt, err := valueTypeFromAtom(rest[1].tok.text)
				if err != nil {
					return nil, err
				}
				ft.Params = append(ft.Params, vt)
				li++
				continue
			}
			for _, a := range rest {
				vt, err := valueTypeFromAtom(a.tok.text)
				if err != nil {
					return nil, err
				}
				ft.Params = append(ft.Params, vt)
				li++
			}
		case "result":
			for _, a := range n.rest() {
				vt, err := valueTypeFromAtom(a.tok.text)
				if err != nil {
					return nil, err
				}
				ft.Results = append(ft.Results, vt)
			}
		}
	}
	return ft, nil
}

func (ctx *moduleCtx) lowerImport(f *node) error {
	rest := f.rest()
	if len(rest) < 3 {
		return fmt.Errorf("import: expected module name, field name, and descriptor")
	}
	modName, err := unquote(rest[0])
	if err != nil {
		return err
	}
	fieldName, err := unquote(rest[1])
	if err != nil {
		return err
	}
	desc := rest[2]
	im := &wasm.Import{Module: modName, Name: fieldName}
	switch desc.head() {
	case "func":
		im.Type = api.ExternTypeFunc
		dr := desc.rest()
		name, dr := leadingID(dr)
		var ft *wasm.FunctionType
		if len(dr) > 0 && dr[0].head() == "type" {
			idx, err := ctx.resolveIdx(dr[0].rest()[0], ctx.typeIdx)
			if err != nil {
				return err
			}
			im.DescFunc = idx
			ft = ctx.mod.TypeSection[idx]
		} else {
			ft, err = parseFuncType(dr, nil)
			if err != nil {
				return err
			}
			im.DescFunc = uint32(len(ctx.mod.TypeSection))
			ctx.mod.TypeSection = append(ctx.mod.TypeSection, ft)
		}
		if name != "" {
			ctx.funcIdx[name] = ctx.mod.NumImportedFunctions()
		}
	case "table":
		im.Type = api.ExternTypeTable
		name, dr := leadingID(desc.rest())
		tt, err := parseTableType(dr)
		if err != nil {
			return err
		}
		im.DescTable = tt
		if name != "" {
			ctx.tableIdx[name] = ctx.mod.NumImportedTables()
		}
	case "memory":
		im.Type = api.ExternTypeMemory
		name, dr := leadingID(desc.rest())
		lim, err := parseLimits(dr)
		if err != nil {
			return err
		}
		im.DescMem = &wasm.MemoryType{Limits: lim}
		if name != "" {
			ctx.memIdx[name] = ctx.mod.NumImportedMemories()
		}
	case "global":
		im.Type = api.ExternTypeGlobal
		name, dr := leadingID(desc.rest())
		gt, err := parseGlobalType(dr[0])
		if err != nil {
			return err
		}
		im.DescGlobal = gt
		if name != "" {
			ctx.globalIdx[name] = ctx.mod.NumImportedGlobals()
		}
	default:
		return fmt.Errorf("import: unknown descriptor %q", desc.head())
	}
	ctx.mod.ImportSection = append(ctx.mod.ImportSection, im)
	return nil
}

func unquote(n *node) (string, error) {
	if n.isList || n.tok.typ != tokenString {
		return "", fmt.Errorf("expected a string literal")
	}
	return n.tok.text, nil
}

func parseLimits(nodes []*node) (wasm.Limits, error) {
	if len(nodes) == 0 {
		return wasm.Limits{}, fmt.Errorf("expected limits (min max?)")
	}
	min, err := parseUint64(nodes[0].tok.text)
	if err != nil {
		return wasm.Limits{}, err
	}
	lim := wasm.Limits{Min: uint32(min)}
	if len(nodes) > 1 && !nodes[1].isList && (nodes[1].tok.typ == tokenUN) {
		max, err := parseUint64(nodes[1].tok.text)
		if err != nil {
			return wasm.Limits{}, err
		}
		m := uint32(max)
		lim.Max = &m
	}
	return lim, nil
}

func parseTableType(nodes []*node) (*wasm.TableType, error) {
	// nodes: limits..., elemtype-atom
	if len(nodes) == 0 {
		return nil, fmt.Errorf("expected table type")
	}
	elem, err := valueTypeFromAtom(nodes[len(nodes)-1].tok.text)
	if err != nil {
		return nil, err
	}
	lim, err := parseLimits(nodes[:len(nodes)-1])
	if err != nil {
		return nil, err
	}
	return &wasm.TableType{ElemType: elem, Limits: lim}, nil
}

func parseGlobalType(n *node) (*wasm.GlobalType, error) {
	if n.isList && n.head() == "mut" {
		vt, err := valueTypeFromAtom(n.rest()[0].tok.text)
		if err != nil {
			return nil, err
		}
		return &wasm.GlobalType{ValType: vt, Mutable: true}, nil
	}
	vt, err := valueTypeFromAtom(n.tok.text)
	if err != nil {
		return nil, err
	}
	return &wasm.GlobalType{ValType: vt}, nil
}

func (ctx *moduleCtx) lowerExport(f *node) (*wasm.Export, error) {
	rest := f.rest()
	name, err := unquote(rest[0])
	if err != nil {
		return nil, err
	}
	desc := rest[1]
	var typ api.ExternType
	var space map[string]uint32
	switch desc.head() {
	case "func":
		typ, space = api.ExternTypeFunc, ctx.funcIdx
	case "table":
		typ, space = api.ExternTypeTable, ctx.tableIdx
	case "memory":
		typ, space = api.ExternTypeMemory, ctx.memIdx
	case "global":
		typ, space = api.ExternTypeGlobal, ctx.globalIdx
	default:
		return nil, fmt.Errorf("export: unknown descriptor %q", desc.head())
	}
	idx, err := ctx.resolveIdx(desc.rest()[0], space)
	if err != nil {
		return nil, err
	}
	return &wasm.Export{Name: name, Type: typ, Index: idx}, nil
}

// lowerFunc lowers a (func ...) field into its type index, Code, and any
// inline (export "name") names.
func (ctx *moduleCtx) lowerFunc(f *node) (wasm.TypeIdx, *wasm.Code, []string, error) {
	rest := f.rest()
	_, rest = leadingID(rest)

	var exportNames []string
	for len(rest) > 0 && rest[0].head() == "export" {
		name, err := unquote(rest[0].rest()[0])
		if err != nil {
			return 0, nil, nil, err
		}
		exportNames = append(exportNames, name)
		rest = rest[1:]
	}

	localNames := map[string]uint32{}
	var ft *wasm.FunctionType
	var typeIdx wasm.TypeIdx
	var err error
	if len(rest) > 0 && rest[0].head() == "type" {
		idx, rerr := ctx.resolveIdx(rest[0].rest()[0], ctx.typeIdx)
		if rerr != nil {
			return 0, nil, nil, rerr
		}
		typeIdx = idx
		ft = ctx.mod.TypeSection[idx]
		rest = rest[1:]
		// param/result that follow a (type ...) clause must bind the same
		// shape; only bind names here (shape already fixed by the type).
		li := uint32(0)
		for len(rest) > 0 && rest[0].head() == "param" {
			pr := rest[0].rest()
			if len(pr) > 0 && !pr[0].isList && pr[0].tok.typ == tokenID {
				localNames[pr[0].tok.text] = li
				li++
			} else {
				li += uint32(len(pr))
			}
			rest = rest[1:]
		}
		for len(rest) > 0 && rest[0].head() == "result" {
			rest = rest[1:]
		}
	} else {
		var sigNodes []*node
		for len(rest) > 0 && (rest[0].head() == "param" || rest[0].head() == "result") {
			sigNodes = append(sigNodes, rest[0])
			rest = rest[1:]
		}
		ft, err = parseFuncType(sigNodes, localNames)
		if err != nil {
			return 0, nil, nil, err
		}
		typeIdx = findOrAddType(ctx.mod, ft)
	}

	var locals []wasm.Local
	li := uint32(len(ft.Params))
	for len(rest) > 0 && rest[0].head() == "local" {
		lr := rest[0].rest()
		if len(lr) > 0 && !lr[0].isList && lr[0].tok.typ == tokenID {
			vt, err := valueTypeFromAtom(lr[1].tok.text)
			if err != nil {
				return 0, nil, nil, err
			}
			localNames[lr[0].tok.text] = li
			locals = append(locals, wasm.Local{Count: 1, Type: vt})
			li++
		} else {
			for _, a := range lr {
				vt, err := valueTypeFromAtom(a.tok.text)
				if err != nil {
					return 0, nil, nil, err
				}
				locals = append(locals, wasm.Local{Count: 1, Type: vt})
				li++
			}
		}
		rest = rest[1:]
	}

	fctx := &funcCtx{moduleCtx: ctx, localIdx: localNames}
	body, err := fctx.lowerInstrSeq(rest)
	if err != nil {
		return 0, nil, nil, err
	}
	return typeIdx, &wasm.Code{Locals: locals, Body: body}, exportNames, nil
}

// findOrAddType returns ft's index in the type section, appending it if an
// identical entry isn't already present (the text format allows inline
// function signatures that implicitly share a type index with others of
// the same shape).
func findOrAddType(mod *wasm.Module, ft *wasm.FunctionType) wasm.TypeIdx {
	for i, existing := range mod.TypeSection {
		if existing.EqualTo(ft) {
			return uint32(i)
		}
	}
	mod.TypeSection = append(mod.TypeSection, ft)
	return uint32(len(mod.TypeSection) - 1)
}

func (ctx *moduleCtx) lowerTable(f *node) (*wasm.TableType, []string, error) {
	rest := f.rest()
	_, rest = leadingID(rest)
	var exportNames []string
	for len(rest) > 0 && rest[0].head() == "export" {
		name, err := unquote(rest[0].rest()[0])
		if err != nil {
			return nil, nil, err
		}
		exportNames = append(exportNames, name)
		rest = rest[1:]
	}
	tt, err := parseTableType(rest)
	if err != nil {
		return nil, nil, err
	}
	return tt, exportNames, nil
}

func (ctx *moduleCtx) lowerMemory(f *node) (*wasm.MemoryType, []string, error) {
	rest := f.rest()
	_, rest = leadingID(rest)
	var exportNames []string
	for len(rest) > 0 && rest[0].head() == "export" {
		name, err := unquote(rest[0].rest()[0])
		if err != nil {
			return nil, nil, err
		}
		exportNames = append(exportNames, name)
		rest = rest[1:]
	}
	lim, err := parseLimits(rest)
	if err != nil {
		return nil, nil, err
	}
	return &wasm.MemoryType{Limits: lim}, exportNames, nil
}

func (ctx *moduleCtx) lowerGlobal(f *node) (*wasm.Global, []string, error) {
	rest := f.rest()
	_, rest = leadingID(rest)
	var exportNames []string
	for len(rest) > 0 && rest[0].head() == "export" {
		name, err := unquote(rest[0].rest()[0])
		if err != nil {
			return nil, nil, err
		}
		exportNames = append(exportNames, name)
		rest = rest[1:]
	}
	gt, err := parseGlobalType(rest[0])
	if err != nil {
		return nil, nil, err
	}
	fctx := &funcCtx{moduleCtx: ctx}
	init, err := fctx.lowerConstExpr(rest[1])
	if err != nil {
		return nil, nil, err
	}
	return &wasm.Global{Type: gt, Init: init}, exportNames, nil
}

func (ctx *moduleCtx) lowerElem(f *node) (*wasm.ElementSegment, error) {
	rest := f.rest()
	tableIdx := uint32(0)
	if len(rest) > 0 && rest[0].head() == "table" {
		idx, err := ctx.resolveIdx(rest[0].rest()[0], ctx.tableIdx)
		if err != nil {
			return nil, err
		}
		tableIdx = idx
		rest = rest[1:]
	}
	fctx := &funcCtx{moduleCtx: ctx}
	var off wasm.ConstExpr
	var err error
	if rest[0].head() == "offset" {
		off, err = fctx.lowerConstExpr(rest[0].rest()[0])
	} else {
		off, err = fctx.lowerConstExpr(rest[0])
	}
	if err != nil {
		return nil, err
	}
	rest = rest[1:]
	var init []wasm.FuncIdx
	for _, n := range rest {
		idx, err := ctx.resolveIdx(n, ctx.funcIdx)
		if err != nil {
			return nil, err
		}
		init = append(init, idx)
	}
	return &wasm.ElementSegment{TableIdx: tableIdx, Offset: off, Init: init}, nil
}

func (ctx *moduleCtx) lowerData(f *node) (*wasm.DataSegment, error) {
	rest := f.rest()
	memIdx := uint32(0)
	if len(rest) > 0 && rest[0].head() == "memory" {
		idx, err := ctx.resolveIdx(rest[0].rest()[0], ctx.memIdx)
		if err != nil {
			return nil, err
		}
		memIdx = idx
		rest = rest[1:]
	}
	fctx := &funcCtx{moduleCtx: ctx}
	var off wasm.ConstExpr
	var err error
	if rest[0].head() == "offset" {
		off, err = fctx.lowerConstExpr(rest[0].rest()[0])
	} else {
		off, err = fctx.lowerConstExpr(rest[0])
	}
	if err != nil {
		return nil, err
	}
	rest = rest[1:]
	var buf strings.Builder
	for _, n := range rest {
		s, err := unquote(n)
		if err != nil {
			return nil, err
		}
		decoded, err := unescapeWatString(s)
		if err != nil {
			return nil, err
		}
		buf.Write(decoded)
	}
	return &wasm.DataSegment{MemIdx: memIdx, Offset: off, Init: []byte(buf.String())}, nil
}

// unescapeWatString decodes the text format's string escapes (\n, \t, \\,
// \", \', and \HH hex byte) into raw bytes.
func unescapeWatString(s string) ([]byte, error) {
	var out []byte
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			out = append(out, s[i])
			continue
		}
		if i+1 >= len(s) {
			return nil, fmt.Errorf("trailing backslash in string literal")
		}
		switch s[i+1] {
		case 'n':
			out = append(out, '\n')
			i++
		case 't':
			out = append(out, '\t')
			i++
		case '\\':
			out = append(out, '\\')
			i++
		case '\'':
			out = append(out, '\'')
			i++
		case '"':
			out = append(out, '"')
			i++
		default:
			if i+2 < len(s) {
				v, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
				if err == nil {
					out = append(out, byte(v))
					i += 2
					continue
				}
			}
			return nil, fmt.Errorf("invalid escape sequence at %q", s[i:])
		}
	}
	return out, nil
}
