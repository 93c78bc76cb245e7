package graphfetch

import (
	"reflect"

	"github.com/hanpama/planexec/internal/checked"
)

// DeepCopier is implemented by values that know how to copy themselves.
type DeepCopier interface {
	DeepCopy() any
}

// DeepCopyFunc returns an independent copy of a cached value.
type DeepCopyFunc func(any) any

// DeepCopy returns a copy of v sharing no mutable state with it. Maps,
// slices, pointers and structs are copied recursively; other values are
// returned as they are.
func DeepCopy(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case DeepCopier:
		return t.DeepCopy()
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = DeepCopy(x)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = DeepCopy(x)
		}
		return out
	case *checked.Checked:
		defects := append([]checked.Defect(nil), t.Defects...)
		return &checked.Checked{Value: DeepCopy(t.Value), Source: DeepCopy(t.Source), Defects: defects}
	case string, bool, float64, float32, int, int64, int32:
		return v
	}
	return copyValue(reflect.ValueOf(v)).Interface()
}

func copyValue(v reflect.Value) reflect.Value {
	switch v.Kind() {
	case reflect.Pointer:
		if v.IsNil() {
			return v
		}
		out := reflect.New(v.Elem().Type())
		out.Elem().Set(copyValue(v.Elem()))
		return out
	case reflect.Interface:
		if v.IsNil() {
			return v
		}
		c := copyValue(v.Elem())
		out := reflect.New(v.Type()).Elem()
		out.Set(c)
		return out
	case reflect.Map:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), copyValue(iter.Value()))
		}
		return out
	case reflect.Slice:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		for i := 0; i < v.Len(); i++ {
			out.Index(i).Set(copyValue(v.Index(i)))
		}
		return out
	case reflect.Struct:
		out := reflect.New(v.Type()).Elem()
		out.Set(v)
		for i := 0; i < v.NumField(); i++ {
			if out.Field(i).CanSet() {
				out.Field(i).Set(copyValue(v.Field(i)))
			}
		}
		return out
	}
	return v
}
