package wat

import "fmt"

// node is one parenthesized form or atom, per spec.md §4.2: "each list
// begins at left paren and ends at the matching right paren".
type node struct {
	tok      token    // the leading token: the atom itself, or the '(' of a list
	isList   bool
	children []*node
}

// readForms groups a flat token sequence into a forest of nodes — normally
// a single top-level (module ...) form, per spec.md §4.2's "tree-building"
// step.
func readForms(toks []token) ([]*node, error) {
	p := &reader{toks: toks}
	var out []*node
	for !p.atEnd() {
		n, err := p.readNode()
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

type reader struct {
	toks []token
	pos  int
}

func (p *reader) atEnd() bool { return p.pos >= len(p.toks) }

func (p *reader) peek() token { return p.toks[p.pos] }

func (p *reader) readNode() (*node, error) {
	if p.atEnd() {
		return nil, fmt.Errorf("unexpected end of input")
	}
	t := p.toks[p.pos]
	if t.typ == tokenRParen {
		return nil, fmt.Errorf("unexpected ')' at offset %d", t.pos)
	}
	if t.typ != tokenLParen {
		p.pos++
		return &node{tok: t}, nil
	}
	p.pos++ // consume '('
	n := &node{tok: t, isList: true}
	for {
		if p.atEnd() {
			return nil, fmt.Errorf("unterminated list starting at offset %d", t.pos)
		}
		if p.toks[p.pos].typ == tokenRParen {
			p.pos++
			return n, nil
		}
		child, err := p.readNode()
		if err != nil {
			return nil, err
		}
		n.children = append(n.children, child)
	}
}

// head returns the leading keyword atom of a list node, or "" if it isn't
// one (e.g. it's an atom node or starts with a nested list).
func (n *node) head() string {
	if !n.isList || len(n.children) == 0 {
		return ""
	}
	h := n.children[0]
	if h.isList || h.tok.typ != tokenKeyword {
		return ""
	}
	return h.tok.text
}

// rest returns the list's children after the head atom.
func (n *node) rest() []*node {
	if !n.isList || len(n.children) == 0 {
		return nil
	}
	return n.children[1:]
}
