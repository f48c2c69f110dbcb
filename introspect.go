package vtl

import (
	"fmt"
	"reflect"
	"strings"
	"unicode"
	"unicode/utf8"
)

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// access resolves one step of a reference chain on target.
// found is false when target has no such property; err is set when a
// method call failed or panicked.
func access(target any, name string, call bool, args []any) (v any, found bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			v, found, err = nil, false, fmt.Errorf("%s: panic: %v", name, r)
		}
	}()

	rv := reflect.ValueOf(target)
	if call {
		if m, ok := findMethod(rv, name); ok {
			return callMethod(m, name, args)
		}
		return builtin(rv, name, args)
	}

	if rv.Kind() == reflect.Map {
		if mv, ok := mapIndex(rv, name); ok {
			return mv, true, nil
		}
	}
	if f, ok := field(rv, name); ok {
		return f.Interface(), true, nil
	}
	for _, getter := range getters(name) {
		if m, ok := findMethod(rv, getter); ok && m.Type().NumIn() == 0 {
			return callMethod(m, getter, nil)
		}
	}
	if rv.Kind() == reflect.Map {
		return nil, false, nil
	}
	return builtin(rv, name, args)
}

// getters lists the zero-argument methods that can back a property.
func getters(name string) []string {
	upper := exported(name)
	return []string{name, upper, "Get" + upper, "Is" + upper}
}

func exported(name string) string {
	r, size := utf8.DecodeRuneInString(name)
	return string(unicode.ToUpper(r)) + name[size:]
}

func mapIndex(rv reflect.Value, key string) (any, bool) {
	if rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	mv := rv.MapIndex(reflect.ValueOf(key).Convert(rv.Type().Key()))
	if !mv.IsValid() {
		return nil, false
	}
	return mv.Interface(), true
}

func field(rv reflect.Value, name string) (reflect.Value, bool) {
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return reflect.Value{}, false
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return reflect.Value{}, false
	}
	for _, n := range []string{name, exported(name)} {
		sf, ok := rv.Type().FieldByName(n)
		if ok && sf.IsExported() {
			return rv.FieldByIndex(sf.Index), true
		}
	}
	return reflect.Value{}, false
}

func findMethod(rv reflect.Value, name string) (reflect.Value, bool) {
	if !rv.IsValid() {
		return reflect.Value{}, false
	}
	for _, n := range []string{name, exported(name)} {
		if m := rv.MethodByName(n); m.IsValid() {
			return m, true
		}
		if rv.Kind() != reflect.Pointer && rv.CanAddr() {
			if m := rv.Addr().MethodByName(n); m.IsValid() {
				return m, true
			}
		}
	}
	return reflect.Value{}, false
}

// callMethod calls m with args. A trailing error result is returned as err.
func callMethod(m reflect.Value, name string, args []any) (any, bool, error) {
	mt := m.Type()
	if !mt.IsVariadic() && mt.NumIn() != len(args) {
		return nil, false, fmt.Errorf("%s: want %d arguments, got %d", name, mt.NumIn(), len(args))
	}
	in := make([]reflect.Value, len(args))
	for i, a := range args {
		var want reflect.Type
		switch {
		case mt.IsVariadic() && i >= mt.NumIn()-1:
			want = mt.In(mt.NumIn() - 1).Elem()
		default:
			want = mt.In(i)
		}
		v, err := convertArg(a, want)
		if err != nil {
			return nil, false, fmt.Errorf("%s: argument %d: %w", name, i+1, err)
		}
		in[i] = v
	}

	out := m.Call(in)
	if n := len(out); n > 0 && mt.Out(n-1) == errorType {
		if err, _ := out[n-1].Interface().(error); err != nil {
			return nil, false, err
		}
		out = out[:n-1]
	}
	if len(out) == 0 {
		return "", true, nil
	}
	return out[0].Interface(), true, nil
}

func convertArg(a any, want reflect.Type) (reflect.Value, error) {
	if a == nil {
		switch want.Kind() {
		case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
			return reflect.Zero(want), nil
		}
		return reflect.Value{}, fmt.Errorf("cannot use null as %s", want)
	}
	v := reflect.ValueOf(a)
	if v.Type().AssignableTo(want) {
		return v, nil
	}
	if n, ok := toNumber(a); ok {
		switch want.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return reflect.ValueOf(n.int()).Convert(want), nil
		case reflect.Float32, reflect.Float64:
			return reflect.ValueOf(n.float()).Convert(want), nil
		}
	}
	if want.Kind() == reflect.String {
		return reflect.ValueOf(fmt.Sprint(a)).Convert(want), nil
	}
	return reflect.Value{}, fmt.Errorf("cannot use %T as %s", a, want)
}

// builtin serves the collection helpers templates expect on plain Go values.
func builtin(rv reflect.Value, name string, args []any) (any, bool, error) {
	switch rv.Kind() {
	case reflect.String:
		switch name {
		case "length", "size":
			return utf8.RuneCountInString(rv.String()), true, nil
		case "isEmpty":
			return rv.Len() == 0, true, nil
		case "toUpperCase":
			return strings.ToUpper(rv.String()), true, nil
		case "toLowerCase":
			return strings.ToLower(rv.String()), true, nil
		case "trim":
			return strings.TrimSpace(rv.String()), true, nil
		}
	case reflect.Slice, reflect.Array, reflect.Map:
		switch name {
		case "size":
			return rv.Len(), true, nil
		case "isEmpty":
			return rv.Len() == 0, true, nil
		case "get":
			if len(args) != 1 {
				return nil, false, fmt.Errorf("get: want 1 argument, got %d", len(args))
			}
			return index(rv, args[0])
		}
	}
	return nil, false, nil
}

func index(rv reflect.Value, key any) (any, bool, error) {
	if rv.Kind() == reflect.Map {
		v, ok := mapIndex(rv, fmt.Sprint(key))
		return v, ok, nil
	}
	n, ok := toNumber(key)
	if !ok {
		return nil, false, fmt.Errorf("get: index %v is not a number", key)
	}
	i := int(n.int())
	if i < 0 || i >= rv.Len() {
		return nil, false, fmt.Errorf("get: index %d out of range [0, %d)", i, rv.Len())
	}
	return rv.Index(i).Interface(), true, nil
}

// assign sets property name of target, which must be a map with string keys
// or a pointer to a struct.
func assign(target any, name string, value any) error {
	rv := reflect.ValueOf(target)
	if rv.Kind() == reflect.Map {
		if rv.Type().Key().Kind() != reflect.String {
			return fmt.Errorf("cannot set %s on %T", name, target)
		}
		var ev reflect.Value
		if value == nil {
			ev = reflect.Zero(rv.Type().Elem())
		} else {
			var err error
			if ev, err = convertArg(value, rv.Type().Elem()); err != nil {
				return err
			}
		}
		rv.SetMapIndex(reflect.ValueOf(name).Convert(rv.Type().Key()), ev)
		return nil
	}
	if rv.Kind() != reflect.Pointer {
		return fmt.Errorf("cannot set %s on %T", name, target)
	}
	f, ok := field(rv, name)
	if !ok || !f.CanSet() {
		return fmt.Errorf("cannot set %s on %T", name, target)
	}
	if value == nil {
		f.Set(reflect.Zero(f.Type()))
		return nil
	}
	v, err := convertArg(value, f.Type())
	if err != nil {
		return err
	}
	f.Set(v)
	return nil
}
