package vtl

import (
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/dangdungcntt/go-vtl/parse"
)

func (s *state) eval(e parse.Expr) (any, error) {
	switch e := e.(type) {
	case *parse.RefNode:
		v, _, err := s.evalRef(e)
		return v, err
	case *parse.StringNode:
		if e.Template == nil {
			return e.Value, nil
		}
		var b strings.Builder
		w := s.w
		s.w = &b
		err := s.walkList(e.Template)
		s.w = w
		return b.String(), err
	case *parse.NumberNode:
		if e.IsFloat {
			return e.Float, nil
		}
		return int(e.Int), nil
	case *parse.BoolNode:
		return e.Value, nil
	case *parse.NullNode:
		return nil, nil
	case *parse.ListExpr:
		items := make([]any, 0, len(e.Items))
		for _, item := range e.Items {
			v, err := s.eval(item)
			if err != nil {
				return nil, err
			}
			items = append(items, v)
		}
		return items, nil
	case *parse.RangeExpr:
		return s.evalRange(e)
	case *parse.NotExpr:
		v, err := s.eval(e.X)
		if err != nil {
			return nil, err
		}
		return !truthy(v), nil
	case *parse.BinaryExpr:
		return s.evalBinary(e)
	}
	return nil, fmt.Errorf("vtl: unexpected expression %T", e)
}

// rangeBounds evaluates the endpoints of [from..to].
func (s *state) rangeBounds(e *parse.RangeExpr) (from, to int, err error) {
	bounds := [2]int{}
	for i, x := range []parse.Expr{e.From, e.To} {
		v, err := s.eval(x)
		if err != nil {
			return 0, 0, err
		}
		n, ok := toNumber(v)
		if !ok {
			return 0, 0, s.invocationError(e.Pos, fmt.Errorf("range bound %v is not a number", v))
		}
		bounds[i] = int(n.int())
	}
	return bounds[0], bounds[1], nil
}

// rangeLen is the number of items in [from..to], saturating at math.MaxInt.
func rangeLen(from, to int) int {
	span := uint64(to) - uint64(from)
	if to < from {
		span = uint64(from) - uint64(to)
	}
	if span >= math.MaxInt {
		return math.MaxInt
	}
	return int(span) + 1
}

// rangeAt returns the i-th item of [from..to]; i must be below rangeLen.
func rangeAt(from, to, i int) int {
	if to < from {
		return from - i
	}
	return from + i
}

func (s *state) evalRange(e *parse.RangeExpr) (any, error) {
	from, to, err := s.rangeBounds(e)
	if err != nil {
		return nil, err
	}
	n := rangeLen(from, to)
	if limit := s.rt.cfg.Directive.Range.MaxItems; n > limit {
		return nil, s.invocationError(e.Pos, fmt.Errorf("range [%d..%d] exceeds %d items", from, to, limit))
	}
	items := make([]any, n)
	for i := range items {
		items[i] = rangeAt(from, to, i)
	}
	return items, nil
}

func (s *state) evalBinary(e *parse.BinaryExpr) (any, error) {
	left, err := s.eval(e.Left)
	if err != nil {
		return nil, err
	}
	switch e.Op {
	case "&&":
		if !truthy(left) {
			return false, nil
		}
		right, err := s.eval(e.Right)
		if err != nil {
			return nil, err
		}
		return truthy(right), nil
	case "||":
		if truthy(left) {
			return true, nil
		}
		right, err := s.eval(e.Right)
		if err != nil {
			return nil, err
		}
		return truthy(right), nil
	}

	right, err := s.eval(e.Right)
	if err != nil {
		return nil, err
	}
	var v any
	switch e.Op {
	case "==", "!=", "<", "<=", ">", ">=":
		v, err = compare(e.Op, left, right)
	default:
		v, err = arith(e.Op, left, right)
	}
	if err != nil {
		return nil, s.invocationError(e.Pos, err)
	}
	return v, nil
}

func compare(op string, left, right any) (bool, error) {
	if ln, ok := toNumber(left); ok {
		if rn, ok := toNumber(right); ok {
			return ordered(op, cmpNumbers(ln, rn)), nil
		}
	}
	if ls, ok := left.(string); ok {
		if rs, ok := right.(string); ok {
			return ordered(op, strings.Compare(ls, rs)), nil
		}
	}

	var equal bool
	switch {
	case left == nil || right == nil:
		equal = left == nil && right == nil
	case reflect.TypeOf(left) == reflect.TypeOf(right):
		equal = reflect.DeepEqual(left, right)
	default:
		equal = fmt.Sprint(left) == fmt.Sprint(right)
	}
	switch op {
	case "==":
		return equal, nil
	case "!=":
		return !equal, nil
	}
	return false, fmt.Errorf("cannot compare %T %s %T", left, op, right)
}

func ordered(op string, c int) bool {
	switch op {
	case "==":
		return c == 0
	case "!=":
		return c != 0
	case "<":
		return c < 0
	case "<=":
		return c <= 0
	case ">":
		return c > 0
	default:
		return c >= 0
	}
}

func arith(op string, left, right any) (any, error) {
	if op == "+" {
		_, ls := left.(string)
		_, rs := right.(string)
		if ls || rs {
			return fmt.Sprint(left) + fmt.Sprint(right), nil
		}
	}
	ln, lok := toNumber(left)
	rn, rok := toNumber(right)
	if !lok || !rok {
		return nil, fmt.Errorf("cannot apply %s to %T and %T", op, left, right)
	}

	if ln.isFloat || rn.isFloat {
		l, r := ln.float(), rn.float()
		switch op {
		case "+":
			return l + r, nil
		case "-":
			return l - r, nil
		case "*":
			return l * r, nil
		case "/":
			if r == 0 {
				return nil, fmt.Errorf("division by zero")
			}
			return l / r, nil
		}
		return nil, fmt.Errorf("cannot apply %s to floating point values", op)
	}

	l, r := ln.i, rn.i
	switch op {
	case "+":
		return int(l + r), nil
	case "-":
		return int(l - r), nil
	case "*":
		return int(l * r), nil
	case "/", "%":
		if r == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		if op == "/" {
			return int(l / r), nil
		}
		return int(l % r), nil
	}
	return nil, fmt.Errorf("unknown operator %s", op)
}

// number is a numeric value normalized for comparison and arithmetic.
type number struct {
	isFloat bool
	i       int64
	f       float64
}

func (n number) float() float64 {
	if n.isFloat {
		return n.f
	}
	return float64(n.i)
}

func (n number) int() int64 {
	if n.isFloat {
		return int64(n.f)
	}
	return n.i
}

func cmpNumbers(a, b number) int {
	if a.isFloat || b.isFloat {
		af, bf := a.float(), b.float()
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
		return 0
	}
	switch {
	case a.i < b.i:
		return -1
	case a.i > b.i:
		return 1
	}
	return 0
}

func toNumber(v any) (number, bool) {
	if v == nil {
		return number{}, false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return number{i: rv.Int()}, true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return number{i: int64(rv.Uint())}, true
	case reflect.Float32, reflect.Float64:
		return number{isFloat: true, f: rv.Float()}, true
	}
	return number{}, false
}
