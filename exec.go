package vtl

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"sort"

	"github.com/dangdungcntt/go-vtl/parse"
)

// Control flow signals for #break and #stop.
var (
	errBreak = errors.New("#break")
	errStop  = errors.New("#stop")
)

// Loop is bound to $foreach inside a #foreach body.
type Loop struct {
	Index   int
	Count   int
	HasNext bool
	First   bool
	Last    bool
}

// state is the walker for one render call.
type state struct {
	rt *Runtime
	w  io.Writer
	// tmpl names the template being rendered, for errors.
	tmpl string
	// ns is the macro namespace of the template being rendered.
	ns string
	// inline holds the macros of an evaluated source while it is the one rendering.
	inline     map[string]*Macro
	ctx        *Context
	parseDepth int
	macroDepth int
}

func (r *Runtime) newState(w io.Writer, name, namespace string, ctx *Context) *state {
	return &state{rt: r, w: w, tmpl: name, ns: namespace, ctx: ctx}
}

func (s *state) lookupMacro(name string) (*Macro, bool) {
	if m, ok := s.inline[name]; ok {
		return m, true
	}
	return s.rt.macros.Lookup(name, s.ns)
}

// execute renders root. Output already written stays written on failure.
func (s *state) execute(root *parse.ListNode) error {
	err := s.walkList(root)
	if err == errStop || err == errBreak {
		return nil
	}
	return err
}

func (s *state) walkList(l *parse.ListNode) error {
	if l == nil {
		return nil
	}
	for _, n := range l.Nodes {
		if err := s.walk(n); err != nil {
			return err
		}
	}
	return nil
}

func (s *state) walk(node parse.Node) error {
	switch n := node.(type) {
	case *parse.TextNode:
		return s.write(n.Text)
	case *parse.RefNode:
		return s.walkRef(n)
	case *parse.SetNode:
		return s.walkSet(n)
	case *parse.IfNode:
		return s.walkIf(n)
	case *parse.ForeachNode:
		return s.walkForeach(n)
	case *parse.MacroCallNode:
		return s.walkMacroCall(n)
	case *parse.IncludeNode:
		return s.walkInclude(n)
	case *parse.ParseNode:
		return s.walkParse(n)
	case *parse.BreakNode:
		return errBreak
	case *parse.StopNode:
		return errStop
	}
	return fmt.Errorf("vtl: unexpected node %T", node)
}

func (s *state) write(text string) error {
	if _, err := io.WriteString(s.w, text); err != nil {
		return ioError(s.tmpl, err)
	}
	return nil
}

func (s *state) walkRef(n *parse.RefNode) error {
	v, ok, err := s.evalRef(n)
	if err != nil {
		return err
	}
	if !ok || v == nil {
		return s.write(s.undefined(n))
	}
	return s.write(fmt.Sprint(v))
}

// undefined is the text rendered for an unresolved reference.
func (s *state) undefined(n *parse.RefNode) string {
	if n.Quiet {
		return ""
	}
	if p := s.rt.cfg.Runtime.References.Placeholder; p != nil {
		return *p
	}
	return n.Raw
}

// evalRef resolves a reference. ok is false when any step is unresolved.
func (s *state) evalRef(n *parse.RefNode) (any, bool, error) {
	v, ok := s.ctx.Get(n.Name)
	if !ok {
		return nil, false, nil
	}
	for _, acc := range n.Chain {
		if v == nil {
			return nil, false, nil
		}
		args := make([]any, 0, len(acc.Args))
		for _, a := range acc.Args {
			av, err := s.eval(a)
			if err != nil {
				return nil, false, err
			}
			args = append(args, av)
		}
		next, found, err := access(v, acc.Name, acc.Call, args)
		if err != nil {
			return nil, false, s.invocationError(n.Pos, fmt.Errorf("%s: %w", n.Raw, err))
		}
		if !found {
			return nil, false, nil
		}
		v = next
	}
	return v, true, nil
}

func (s *state) invocationError(pos parse.Pos, err error) error {
	return &Error{Kind: KindInvocation, Template: s.tmpl, Line: pos.Line, Col: pos.Col, Err: err}
}

func (s *state) walkSet(n *parse.SetNode) error {
	value, err := s.eval(n.Value)
	if err != nil {
		return err
	}
	if len(n.Ref.Chain) == 0 {
		s.ctx.Put(n.Ref.Name, value)
		return nil
	}

	last := n.Ref.Chain[len(n.Ref.Chain)-1]
	if last.Call {
		return s.invocationError(n.Pos, fmt.Errorf("%s: cannot assign to a method call", n.Ref.Raw))
	}
	base := &parse.RefNode{Pos: n.Ref.Pos, Raw: n.Ref.Raw, Name: n.Ref.Name, Chain: n.Ref.Chain[:len(n.Ref.Chain)-1]}
	target, ok, err := s.evalRef(base)
	if err != nil {
		return err
	}
	if !ok || target == nil {
		return s.invocationError(n.Pos, fmt.Errorf("%s: target is undefined", n.Ref.Raw))
	}
	if err := assign(target, last.Name, value); err != nil {
		return s.invocationError(n.Pos, fmt.Errorf("%s: %w", n.Ref.Raw, err))
	}
	return nil
}

func (s *state) walkIf(n *parse.IfNode) error {
	for i, cond := range n.Conds {
		v, err := s.eval(cond)
		if err != nil {
			return err
		}
		if truthy(v) {
			return s.walkList(n.Branches[i])
		}
	}
	return s.walkList(n.Else)
}

func (s *state) walkForeach(n *parse.ForeachNode) error {
	var (
		total int
		at    func(i int) any
	)
	if r, ok := n.Iter.(*parse.RangeExpr); ok {
		// Ranges are iterated in place so their size is bounded only by max_loops.
		from, to, err := s.rangeBounds(r)
		if err != nil {
			return err
		}
		total = rangeLen(from, to)
		at = func(i int) any { return rangeAt(from, to, i) }
	} else {
		v, err := s.eval(n.Iter)
		if err != nil {
			return err
		}
		items, ok := iterate(v)
		if !ok {
			s.rt.logger.Warn("#foreach over a value that is not iterable",
				slog.String("template", s.tmpl),
				slog.Int("line", n.Line),
				slog.String("type", fmt.Sprintf("%T", v)),
			)
		}
		total = len(items)
		at = func(i int) any { return items[i] }
	}
	if total == 0 {
		return s.walkList(n.Else)
	}
	if maxLoops := s.rt.cfg.Directive.Foreach.MaxLoops; maxLoops >= 0 && total > maxLoops {
		total = maxLoops
	}

	depth := s.ctx.Depth()
	s.ctx.Push(nil)
	defer s.ctx.restore(depth)

	for i := 0; i < total; i++ {
		s.ctx.Put(n.Var, at(i))
		s.ctx.Put("foreach", &Loop{
			Index:   i,
			Count:   i + 1,
			HasNext: i < total-1,
			First:   i == 0,
			Last:    i == total-1,
		})
		err := s.walkList(n.Body)
		if err == errBreak {
			break
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *state) walkMacroCall(n *parse.MacroCallNode) error {
	m, ok := s.lookupMacro(n.Name)
	if !ok {
		return s.write(n.Raw)
	}
	args := make([]any, 0, len(n.Args))
	for _, a := range n.Args {
		v, err := s.eval(a)
		if err != nil {
			return err
		}
		args = append(args, v)
	}
	return s.invoke(m, args, n.Pos)
}

// invoke renders m with args bound to its parameters in a new scope.
// Parameters without an argument are bound to nil so they do not see the caller's values.
func (s *state) invoke(m *Macro, args []any, pos parse.Pos) error {
	if s.macroDepth >= s.rt.cfg.Macro.MaxDepth {
		return s.invocationError(pos, fmt.Errorf("#%s: macro nesting exceeds %d", m.Name, s.rt.cfg.Macro.MaxDepth))
	}
	bindings := make(map[string]any, len(m.Params))
	for i, p := range m.Params {
		if i < len(args) {
			bindings[p] = args[i]
		} else {
			bindings[p] = nil
		}
	}

	depth := s.ctx.Depth()
	s.ctx.Push(bindings)
	s.macroDepth++
	defer func() {
		s.ctx.restore(depth)
		s.macroDepth--
	}()

	err := s.walkList(m.body)
	if err == errBreak {
		return nil
	}
	return err
}

func (s *state) walkInclude(n *parse.IncludeNode) error {
	for _, a := range n.Args {
		v, err := s.eval(a)
		if err != nil {
			return err
		}
		name := fmt.Sprint(v)
		src, _, err := s.rt.chain.Load(name)
		if err != nil {
			return err
		}
		text, err := decode(src.Data, s.rt.cfg.Input.Encoding)
		if err != nil {
			return newError(KindParse, name, err)
		}
		if err := s.write(text); err != nil {
			return err
		}
	}
	return nil
}

func (s *state) walkParse(n *parse.ParseNode) error {
	if s.parseDepth >= s.rt.cfg.Directive.Parse.MaxDepth {
		return s.invocationError(n.Pos, fmt.Errorf("#parse nesting exceeds %d", s.rt.cfg.Directive.Parse.MaxDepth))
	}
	v, err := s.eval(n.Arg)
	if err != nil {
		return err
	}
	tmpl, err := s.rt.resolve(fmt.Sprint(v), "")
	if err != nil {
		return err
	}

	prevName, prevNS, prevInline := s.tmpl, s.ns, s.inline
	s.tmpl, s.ns, s.inline = tmpl.name, tmpl.name, nil
	s.parseDepth++
	defer func() {
		s.tmpl, s.ns, s.inline = prevName, prevNS, prevInline
		s.parseDepth--
	}()

	err = s.walkList(tmpl.tree.Root)
	if err == errStop || err == errBreak {
		return nil
	}
	return err
}

// iterate flattens v into the items a #foreach visits. Maps yield their
// values in key order. ok is false when v cannot be iterated.
func iterate(v any) ([]any, bool) {
	if v == nil {
		return nil, true
	}
	if items, ok := v.([]any); ok {
		return items, true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		items := make([]any, rv.Len())
		for i := range items {
			items[i] = rv.Index(i).Interface()
		}
		return items, true
	case reflect.Map:
		keys := rv.MapKeys()
		sort.Slice(keys, func(i, j int) bool {
			return fmt.Sprint(keys[i].Interface()) < fmt.Sprint(keys[j].Interface())
		})
		items := make([]any, len(keys))
		for i, k := range keys {
			items[i] = rv.MapIndex(k).Interface()
		}
		return items, true
	}
	return nil, false
}

// truthy follows #if semantics: nil, false, "", zero numbers and empty
// collections are false.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	}
	if n, ok := toNumber(v); ok {
		if n.isFloat {
			return n.f != 0
		}
		return n.i != 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() > 0
	case reflect.Pointer, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}
