package routing

import (
	"context"
	"fmt"
	"reflect"
)

var contextType = reflect.TypeFor[context.Context]()

// TypeName returns the routing key of t: the package path and type name for
// named types, with any pointer indirection removed.
func TypeName(t reflect.Type) string {
	if t == nil {
		return ""
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.PkgPath() == "" || t.Name() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}

// NameOf returns the routing key for a message sample. Strings are taken
// literally and reflect.Type values are named directly.
func NameOf(sample any) string {
	switch v := sample.(type) {
	case nil:
		return ""
	case string:
		return v
	case reflect.Type:
		return TypeName(v)
	default:
		return TypeName(reflect.TypeOf(sample))
	}
}

// TypeOf returns the Go type of a message sample.
func TypeOf(sample any) reflect.Type {
	if t, ok := sample.(reflect.Type); ok {
		return t
	}
	return reflect.TypeOf(sample)
}

// Describe classifies t as a declared parameter type. It reports false for
// the empty interface, which declares nothing.
func Describe(t reflect.Type) (TypeInfo, bool) {
	if t == nil {
		return TypeInfo{}, false
	}
	if t.Kind() == reflect.Interface && t.Name() == "" && t.NumMethod() == 0 {
		return TypeInfo{}, false
	}
	return TypeInfo{Name: TypeName(t), Builtin: !classLike(t), Type: t}, true
}

// DescribeSample classifies the type of a sample value. A literal string
// names a type that is unknown to reflection and is treated as class-like.
func DescribeSample(sample any) TypeInfo {
	if name, ok := sample.(string); ok {
		return TypeInfo{Name: name}
	}
	info, ok := Describe(TypeOf(sample))
	if !ok {
		return TypeInfo{Name: "any", Builtin: true}
	}
	return info
}

func classLike(t reflect.Type) bool {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.PkgPath() == "" || t.Name() == "" {
		return false
	}
	return t.Kind() == reflect.Struct || t.Kind() == reflect.Interface
}

// Inspect describes the exported methods of value. The returned name is the
// routing name of the value's type.
func Inspect(value any) (string, map[string]Method) {
	t := reflect.TypeOf(value)
	if t == nil {
		return "", nil
	}
	methods := make(map[string]Method, t.NumMethod())
	for i := 0; i < t.NumMethod(); i++ {
		m := t.Method(i)
		methods[m.Name] = DescribeFunc(m.Name, m.Type, 1)
	}
	return TypeName(t), methods
}

// DescribeFunc describes a function type, skipping the first skip inputs
// (the receiver of a method expression). A leading context.Context is
// supplied by the bus and is not reported.
func DescribeFunc(name string, fn reflect.Type, skip int) Method {
	method := Method{Name: name}
	for i := skip; i < fn.NumIn(); i++ {
		in := fn.In(i)
		if i == skip && in == contextType {
			continue
		}
		param := Param{Name: fmt.Sprintf("arg%d", len(method.Params))}
		if fn.IsVariadic() && i == fn.NumIn()-1 {
			param.Optional = true
			in = in.Elem()
		}
		if info, ok := Describe(in); ok {
			param.Types = []TypeInfo{info}
		}
		method.Params = append(method.Params, param)
	}
	return method
}
