package parse

// Pos is a 1-based line/column location in the template source.
type Pos struct {
	Line int
	Col  int
}

// Position returns p. Embedding Pos gives every node a Position method.
func (p Pos) Position() Pos {
	return p
}

// Node is an element of the parse tree.
type Node interface {
	Position() Pos
}

// Expr is a node that produces a value when evaluated.
type Expr interface {
	Node
	expr()
}

// Tree is the compiled form of one template.
type Tree struct {
	Name string
	Root *ListNode
	// Macros holds the #macro definitions found in the source, in declaration order.
	Macros []*MacroNode
}

// ListNode is a sequence of nodes.
type ListNode struct {
	Pos
	Nodes []Node
}

func (l *ListNode) append(n Node) {
	l.Nodes = append(l.Nodes, n)
}

// TextNode is literal output.
type TextNode struct {
	Pos
	Text string
}

// RefNode is a variable reference such as $user.name or $!{list.get(0)}.
type RefNode struct {
	Pos
	// Raw is the reference exactly as written in the source.
	Raw   string
	Name  string
	Quiet bool
	Chain []*Accessor
}

// Accessor is one .property or .method(args) step of a reference.
type Accessor struct {
	Pos
	Name string
	Call bool
	Args []Expr
}

// SetNode is #set($ref = value).
type SetNode struct {
	Pos
	Ref   *RefNode
	Value Expr
}

// IfNode is #if / #elseif / #else / #end. Conds and Branches have equal length.
type IfNode struct {
	Pos
	Conds    []Expr
	Branches []*ListNode
	Else     *ListNode
}

// ForeachNode is #foreach($var in iter) body [#else empty] #end.
type ForeachNode struct {
	Pos
	Var  string
	Iter Expr
	Body *ListNode
	Else *ListNode
}

// MacroNode is a #macro definition.
type MacroNode struct {
	Pos
	Name   string
	Params []string
	Body   *ListNode
}

// MacroCallNode is #name(args). Raw is rendered when no macro is found.
type MacroCallNode struct {
	Pos
	Raw  string
	Name string
	Args []Expr
}

// IncludeNode is #include(names...): raw, unparsed inclusion.
type IncludeNode struct {
	Pos
	Args []Expr
}

// ParseNode is #parse(name): render another template with the current context.
type ParseNode struct {
	Pos
	Arg Expr
}

// BreakNode is #break.
type BreakNode struct {
	Pos
}

// StopNode is #stop.
type StopNode struct {
	Pos
}

// StringNode is a quoted literal. Double-quoted strings containing
// references or directives carry a parsed Template.
type StringNode struct {
	Pos
	Value    string
	Template *ListNode
}

// NumberNode is an integer or floating point literal.
type NumberNode struct {
	Pos
	IsFloat bool
	Int     int64
	Float   float64
}

// BoolNode is true or false.
type BoolNode struct {
	Pos
	Value bool
}

// NullNode is null.
type NullNode struct {
	Pos
}

// ListExpr is [a, b, c].
type ListExpr struct {
	Pos
	Items []Expr
}

// RangeExpr is [from..to], inclusive on both ends.
type RangeExpr struct {
	Pos
	From Expr
	To   Expr
}

// BinaryExpr is a binary operator application. Op is one of
// || && == != < <= > >= + - * / %.
type BinaryExpr struct {
	Pos
	Op    string
	Left  Expr
	Right Expr
}

// NotExpr is !x.
type NotExpr struct {
	Pos
	X Expr
}

func (*RefNode) expr()    {}
func (*StringNode) expr() {}
func (*NumberNode) expr() {}
func (*BoolNode) expr()   {}
func (*NullNode) expr()   {}
func (*ListExpr) expr()   {}
func (*RangeExpr) expr()  {}
func (*BinaryExpr) expr() {}
func (*NotExpr) expr()    {}
