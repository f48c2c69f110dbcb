// Package parse turns template source text into a tree of nodes.
//
// The syntax follows Velocity: $references with property and method chains,
// #directives (#set, #if, #foreach, #macro, #include, #parse, #break, #stop)
// and #name(args) macro calls. Rendering lives in the parent package.
package parse

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Error is a syntax error at a source location.
type Error struct {
	Name string
	Pos
	Msg string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s:%d:%d: %s", e.Name, e.Line, e.Col, e.Msg)
}

type terminator struct {
	name string
	off  int
}

type parser struct {
	name    string
	src     string
	off     int
	lines   []int // offsets of line starts
	macros  []*MacroNode
	inMacro bool
}

// Parse compiles text into a Tree. name is only used for error messages.
func Parse(name, text string) (*Tree, error) {
	p := newParser(name, text)
	root, term, err := p.parseList()
	if err != nil {
		return nil, err
	}
	if term != nil {
		return nil, p.errorf(term.off, "unexpected #%s", term.name)
	}
	return &Tree{Name: name, Root: root, Macros: p.macros}, nil
}

func newParser(name, src string) *parser {
	lines := []int{0}
	for i := 0; i < len(src); i++ {
		if src[i] == '\n' {
			lines = append(lines, i+1)
		}
	}
	return &parser{name: name, src: src, lines: lines}
}

func (p *parser) posAt(off int) Pos {
	line := sort.Search(len(p.lines), func(i int) bool { return p.lines[i] > off })
	return Pos{Line: line, Col: off - p.lines[line-1] + 1}
}

func (p *parser) errorf(off int, format string, args ...any) *Error {
	return &Error{Name: p.name, Pos: p.posAt(off), Msg: fmt.Sprintf(format, args...)}
}

// parseList reads nodes until the end of input or a block terminator
// (#end, #else, #elseif), which is returned to the caller.
func (p *parser) parseList() (*ListNode, *terminator, error) {
	list := &ListNode{Pos: p.posAt(p.off)}
	var text strings.Builder
	textStart := p.off
	flush := func() {
		if text.Len() > 0 {
			list.append(&TextNode{Pos: p.posAt(textStart), Text: text.String()})
			text.Reset()
		}
	}

	for p.off < len(p.src) {
		if text.Len() == 0 {
			textStart = p.off
		}
		c := p.src[p.off]
		switch c {
		case '\\':
			if p.off+1 < len(p.src) && (p.src[p.off+1] == '$' || p.src[p.off+1] == '#') {
				text.WriteByte(p.src[p.off+1])
				p.off += 2
				continue
			}
		case '$':
			ref, err := p.parseRef()
			if err != nil {
				return nil, nil, err
			}
			if ref != nil {
				flush()
				list.append(ref)
				continue
			}
		case '#':
			node, term, handled, err := p.parseHash()
			if err != nil {
				return nil, nil, err
			}
			if term != nil {
				flush()
				return list, term, nil
			}
			if handled {
				flush()
				if node != nil {
					list.append(node)
				}
				continue
			}
		}
		text.WriteByte(c)
		p.off++
	}
	flush()
	return list, nil, nil
}

// parseRef parses a reference at p.off ('$'). It returns nil without error
// and leaves p.off untouched when the text is not a reference.
func (p *parser) parseRef() (*RefNode, error) {
	start := p.off
	i := start + 1
	quiet, braced := false, false
	if i < len(p.src) && p.src[i] == '!' {
		quiet = true
		i++
	}
	if i < len(p.src) && p.src[i] == '{' {
		braced = true
		i++
	}
	name := p.identAt(i)
	if name == "" {
		return nil, nil
	}
	i += len(name)
	ref := &RefNode{Pos: p.posAt(start), Name: name, Quiet: quiet}

	for i+1 < len(p.src) && p.src[i] == '.' && isIdentStart(p.src[i+1]) {
		accStart := i + 1
		acc := &Accessor{Pos: p.posAt(accStart), Name: p.identAt(accStart)}
		i = accStart + len(acc.Name)
		if i < len(p.src) && p.src[i] == '(' {
			p.off = i + 1
			args, err := p.parseArgs(')')
			if err != nil {
				return nil, err
			}
			acc.Call = true
			acc.Args = args
			i = p.off
		}
		ref.Chain = append(ref.Chain, acc)
	}

	if braced {
		if i >= len(p.src) || p.src[i] != '}' {
			p.off = start
			return nil, nil
		}
		i++
	}
	ref.Raw = p.src[start:i]
	p.off = i
	return ref, nil
}

// parseArgs reads comma or whitespace separated expressions up to end.
// p.off must be just after the opening delimiter.
func (p *parser) parseArgs(end byte) ([]Expr, error) {
	open := p.off - 1
	var args []Expr
	for {
		p.skipSpace()
		if p.off >= len(p.src) {
			return nil, p.errorf(open, "unclosed argument list")
		}
		if p.src[p.off] == end {
			p.off++
			return args, nil
		}
		if len(args) > 0 && p.src[p.off] == ',' {
			p.off++
		}
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		args = append(args, e)
	}
}

// parseHash handles everything starting with '#'. handled is false when the
// text is an ordinary '#', in which case p.off is unchanged.
func (p *parser) parseHash() (node Node, term *terminator, handled bool, err error) {
	start := p.off
	src := p.src
	rest := src[start:]

	switch {
	case strings.HasPrefix(rest, "##"):
		if end := strings.IndexByte(rest, '\n'); end >= 0 {
			p.off = start + end + 1
		} else {
			p.off = len(src)
		}
		return nil, nil, true, nil
	case strings.HasPrefix(rest, "#*"):
		end := strings.Index(rest[2:], "*#")
		if end < 0 {
			return nil, nil, false, p.errorf(start, "unterminated comment")
		}
		p.off = start + 2 + end + 2
		return nil, nil, true, nil
	case strings.HasPrefix(rest, "#[["):
		end := strings.Index(rest[3:], "]]#")
		if end < 0 {
			return nil, nil, false, p.errorf(start, "unterminated #[[ block")
		}
		p.off = start + 3 + end + 3
		return &TextNode{Pos: p.posAt(start), Text: rest[3 : 3+end]}, nil, true, nil
	}

	i := start + 1
	braced := false
	if i < len(src) && src[i] == '{' {
		braced = true
		i++
	}
	name := p.identAt(i)
	if name == "" {
		return nil, nil, false, nil
	}
	i += len(name)
	if braced {
		if i >= len(src) || src[i] != '}' {
			return nil, nil, false, nil
		}
		i++
	}
	pos := p.posAt(start)

	switch name {
	case "end", "else", "elseif":
		p.off = i
		return nil, &terminator{name: name, off: start}, true, nil
	case "break":
		p.off = i
		return &BreakNode{Pos: pos}, nil, true, nil
	case "stop":
		p.off = i
		return &StopNode{Pos: pos}, nil, true, nil
	}

	j := i
	for j < len(src) && (src[j] == ' ' || src[j] == '\t') {
		j++
	}
	if j >= len(src) || src[j] != '(' {
		return nil, nil, false, nil
	}
	p.off = j + 1

	switch name {
	case "set":
		node, err = p.parseSet(pos)
	case "if":
		node, err = p.parseIf(pos)
	case "foreach":
		node, err = p.parseForeach(pos)
	case "macro":
		err = p.parseMacro(start)
	case "include":
		var args []Expr
		args, err = p.parseArgs(')')
		node = &IncludeNode{Pos: pos, Args: args}
	case "parse":
		var args []Expr
		args, err = p.parseArgs(')')
		if err == nil && len(args) != 1 {
			err = p.errorf(start, "#parse takes exactly one argument")
		}
		if err == nil {
			node = &ParseNode{Pos: pos, Arg: args[0]}
		}
	default:
		var args []Expr
		args, err = p.parseArgs(')')
		node = &MacroCallNode{Pos: pos, Name: name, Args: args, Raw: src[start:p.off]}
	}
	if err != nil {
		return nil, nil, false, err
	}
	return node, nil, true, nil
}

func (p *parser) parseSet(pos Pos) (Node, error) {
	p.skipSpace()
	refStart := p.off
	if p.off >= len(p.src) || p.src[p.off] != '$' {
		return nil, p.errorf(refStart, "#set requires a reference")
	}
	ref, err := p.parseRef()
	if err != nil {
		return nil, err
	}
	if ref == nil {
		return nil, p.errorf(refStart, "#set requires a reference")
	}
	if err := p.expect('='); err != nil {
		return nil, err
	}
	value, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if err := p.expect(')'); err != nil {
		return nil, err
	}
	return &SetNode{Pos: pos, Ref: ref, Value: value}, nil
}

func (p *parser) parseIf(pos Pos) (Node, error) {
	start := p.off
	cond, err := p.parseCondition()
	if err != nil {
		return nil, err
	}
	n := &IfNode{Pos: pos}
	for {
		body, term, err := p.parseList()
		if err != nil {
			return nil, err
		}
		if term == nil {
			return nil, p.errorf(start, "#if without matching #end")
		}
		n.Conds = append(n.Conds, cond)
		n.Branches = append(n.Branches, body)

		switch term.name {
		case "end":
			return n, nil
		case "else":
			body, term, err = p.parseList()
			if err != nil {
				return nil, err
			}
			if term == nil || term.name != "end" {
				return nil, p.errorf(start, "#else without matching #end")
			}
			n.Else = body
			return n, nil
		case "elseif":
			if err := p.expect('('); err != nil {
				return nil, err
			}
			if cond, err = p.parseCondition(); err != nil {
				return nil, err
			}
		}
	}
}

func (p *parser) parseCondition() (Expr, error) {
	cond, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if err := p.expect(')'); err != nil {
		return nil, err
	}
	return cond, nil
}

func (p *parser) parseForeach(pos Pos) (Node, error) {
	start := p.off
	p.skipSpace()
	if p.off >= len(p.src) || p.src[p.off] != '$' {
		return nil, p.errorf(p.off, "#foreach requires a loop reference")
	}
	ref, err := p.parseRef()
	if err != nil {
		return nil, err
	}
	if ref == nil || len(ref.Chain) > 0 {
		return nil, p.errorf(start, "#foreach loop variable must be a simple reference")
	}
	p.skipSpace()
	if !p.consumeWord("in") {
		return nil, p.errorf(p.off, "expected 'in'")
	}
	iter, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if err := p.expect(')'); err != nil {
		return nil, err
	}

	n := &ForeachNode{Pos: pos, Var: ref.Name, Iter: iter}
	body, term, err := p.parseList()
	if err != nil {
		return nil, err
	}
	if term == nil {
		return nil, p.errorf(start, "#foreach without matching #end")
	}
	n.Body = body
	switch term.name {
	case "end":
		return n, nil
	case "else":
		body, term, err = p.parseList()
		if err != nil {
			return nil, err
		}
		if term == nil || term.name != "end" {
			return nil, p.errorf(start, "#foreach #else without matching #end")
		}
		n.Else = body
		return n, nil
	default:
		return nil, p.errorf(term.off, "unexpected #%s in #foreach", term.name)
	}
}

func (p *parser) parseMacro(start int) error {
	if p.inMacro {
		return p.errorf(start, "#macro cannot be nested")
	}
	p.skipSpace()
	name := p.identAt(p.off)
	if name == "" {
		return p.errorf(p.off, "#macro requires a name")
	}
	p.off += len(name)

	var params []string
	for {
		p.skipSpace()
		if p.off >= len(p.src) {
			return p.errorf(start, "unclosed #macro arguments")
		}
		c := p.src[p.off]
		if c == ')' {
			p.off++
			break
		}
		if c == ',' {
			p.off++
			continue
		}
		paramStart := p.off
		if c != '$' {
			return p.errorf(paramStart, "#macro parameters must be references")
		}
		ref, err := p.parseRef()
		if err != nil {
			return err
		}
		if ref == nil || len(ref.Chain) > 0 {
			return p.errorf(paramStart, "#macro parameters must be simple references")
		}
		params = append(params, ref.Name)
	}

	p.inMacro = true
	body, term, err := p.parseList()
	p.inMacro = false
	if err != nil {
		return err
	}
	if term == nil || term.name != "end" {
		return p.errorf(start, "#macro %s without matching #end", name)
	}
	p.macros = append(p.macros, &MacroNode{Pos: p.posAt(start), Name: name, Params: params, Body: body})
	return nil
}

func (p *parser) parseExpr() (Expr, error) {
	return p.parseOr()
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		p.skipSpace()
		opStart := p.off
		if !p.consumeOp("||", "or") {
			return left, nil
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Pos: p.posAt(opStart), Op: "||", Left: left, Right: right}
	}
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseCmp()
	if err != nil {
		return nil, err
	}
	for {
		p.skipSpace()
		opStart := p.off
		if !p.consumeOp("&&", "and") {
			return left, nil
		}
		right, err := p.parseCmp()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Pos: p.posAt(opStart), Op: "&&", Left: left, Right: right}
	}
}

var comparisons = []struct{ sym, word string }{
	{"==", "eq"}, {"!=", "ne"}, {"<=", "le"}, {">=", "ge"}, {"<", "lt"}, {">", "gt"},
}

func (p *parser) parseCmp() (Expr, error) {
	left, err := p.parseAdd()
	if err != nil {
		return nil, err
	}
	for {
		p.skipSpace()
		opStart := p.off
		op := ""
		for _, c := range comparisons {
			if p.consumeOp(c.sym, c.word) {
				op = c.sym
				break
			}
		}
		if op == "" {
			return left, nil
		}
		right, err := p.parseAdd()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Pos: p.posAt(opStart), Op: op, Left: left, Right: right}
	}
}

func (p *parser) parseAdd() (Expr, error) {
	left, err := p.parseMul()
	if err != nil {
		return nil, err
	}
	for {
		p.skipSpace()
		opStart := p.off
		if p.off >= len(p.src) || (p.src[p.off] != '+' && p.src[p.off] != '-') {
			return left, nil
		}
		op := p.src[p.off : p.off+1]
		p.off++
		right, err := p.parseMul()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Pos: p.posAt(opStart), Op: op, Left: left, Right: right}
	}
}

func (p *parser) parseMul() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		p.skipSpace()
		opStart := p.off
		if p.off >= len(p.src) || !strings.ContainsRune("*/%", rune(p.src[p.off])) {
			return left, nil
		}
		op := p.src[p.off : p.off+1]
		p.off++
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Pos: p.posAt(opStart), Op: op, Left: left, Right: right}
	}
}

func (p *parser) parseUnary() (Expr, error) {
	p.skipSpace()
	start := p.off
	if p.consumeOp("!", "not") {
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &NotExpr{Pos: p.posAt(start), X: x}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Expr, error) {
	p.skipSpace()
	start := p.off
	if start >= len(p.src) {
		return nil, p.errorf(start, "unexpected end of expression")
	}
	pos := p.posAt(start)
	c := p.src[start]

	switch {
	case c == '(':
		p.off++
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(')'); err != nil {
			return nil, err
		}
		return e, nil
	case c == '$':
		ref, err := p.parseRef()
		if err != nil {
			return nil, err
		}
		if ref == nil {
			return nil, p.errorf(start, "invalid reference")
		}
		return ref, nil
	case c == '"' || c == '\'':
		return p.parseString()
	case c == '[':
		return p.parseBracket()
	case isDigit(c) || (c == '-' && start+1 < len(p.src) && isDigit(p.src[start+1])):
		return p.parseNumber()
	case p.consumeWord("true"):
		return &BoolNode{Pos: pos, Value: true}, nil
	case p.consumeWord("false"):
		return &BoolNode{Pos: pos, Value: false}, nil
	case p.consumeWord("null"):
		return &NullNode{Pos: pos}, nil
	}
	return nil, p.errorf(start, "unexpected %q in expression", c)
}

func (p *parser) parseString() (Expr, error) {
	start := p.off
	quote := p.src[start]
	end := strings.IndexByte(p.src[start+1:], quote)
	if end < 0 {
		return nil, p.errorf(start, "unterminated string")
	}
	closing := start + 1 + end
	n := &StringNode{Pos: p.posAt(start), Value: p.src[start+1 : closing]}
	p.off = closing + 1

	if quote == '"' && strings.ContainsAny(n.Value, "$#") {
		// Share line offsets so positions stay absolute.
		sub := &parser{name: p.name, src: p.src[:closing], off: start + 1, lines: p.lines, inMacro: true}
		list, term, err := sub.parseList()
		if err != nil {
			return nil, err
		}
		if term != nil {
			return nil, sub.errorf(term.off, "unexpected #%s in string", term.name)
		}
		n.Template = list
	}
	return n, nil
}

func (p *parser) parseBracket() (Expr, error) {
	start := p.off
	pos := p.posAt(start)
	p.off++
	p.skipSpace()
	if p.off < len(p.src) && p.src[p.off] == ']' {
		p.off++
		return &ListExpr{Pos: pos}, nil
	}
	first, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if strings.HasPrefix(p.src[p.off:], "..") {
		p.off += 2
		to, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(']'); err != nil {
			return nil, err
		}
		return &RangeExpr{Pos: pos, From: first, To: to}, nil
	}

	list := &ListExpr{Pos: pos, Items: []Expr{first}}
	for {
		p.skipSpace()
		if p.off >= len(p.src) {
			return nil, p.errorf(start, "unclosed list")
		}
		switch p.src[p.off] {
		case ']':
			p.off++
			return list, nil
		case ',':
			p.off++
			item, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			list.Items = append(list.Items, item)
		default:
			return nil, p.errorf(p.off, "expected ',' or ']' in list")
		}
	}
}

func (p *parser) parseNumber() (Expr, error) {
	start := p.off
	if p.src[p.off] == '-' {
		p.off++
	}
	for p.off < len(p.src) && isDigit(p.src[p.off]) {
		p.off++
	}
	isFloat := false
	if p.off+1 < len(p.src) && p.src[p.off] == '.' && isDigit(p.src[p.off+1]) {
		isFloat = true
		p.off++
		for p.off < len(p.src) && isDigit(p.src[p.off]) {
			p.off++
		}
	}
	text := p.src[start:p.off]
	n := &NumberNode{Pos: p.posAt(start), IsFloat: isFloat}
	var err error
	if isFloat {
		n.Float, err = strconv.ParseFloat(text, 64)
	} else {
		n.Int, err = strconv.ParseInt(text, 10, 64)
	}
	if err != nil {
		return nil, p.errorf(start, "invalid number %q", text)
	}
	return n, nil
}

func (p *parser) expect(c byte) error {
	p.skipSpace()
	if p.off >= len(p.src) || p.src[p.off] != c {
		return p.errorf(p.off, "expected %q", c)
	}
	p.off++
	return nil
}

// consumeOp consumes sym, or word when it stands alone.
func (p *parser) consumeOp(sym, word string) bool {
	if strings.HasPrefix(p.src[p.off:], sym) {
		// "!" must not swallow the first half of "!=".
		if sym == "!" && strings.HasPrefix(p.src[p.off:], "!=") {
			return false
		}
		p.off += len(sym)
		return true
	}
	return word != "" && p.consumeWord(word)
}

func (p *parser) consumeWord(word string) bool {
	if !strings.HasPrefix(p.src[p.off:], word) {
		return false
	}
	end := p.off + len(word)
	if end < len(p.src) && isIdentChar(p.src[end]) {
		return false
	}
	p.off = end
	return true
}

func (p *parser) skipSpace() {
	for p.off < len(p.src) {
		switch p.src[p.off] {
		case ' ', '\t', '\n', '\r':
			p.off++
		default:
			return
		}
	}
}

func (p *parser) identAt(i int) string {
	if i >= len(p.src) || !isIdentStart(p.src[i]) {
		return ""
	}
	j := i + 1
	for j < len(p.src) && isIdentChar(p.src[j]) {
		j++
	}
	return p.src[i:j]
}

func isIdentStart(c byte) bool {
	return c == '_' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || isDigit(c)
}

func isDigit(c byte) bool {
	return '0' <= c && c <= '9'
}
