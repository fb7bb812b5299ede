//
// Copyright (C) 2026 Stepflow Authors. All rights reserved.
//
// stepflow is licensed under the Apache License Version 2.0.
//
//

package cow

import (
	"reflect"
	"time"
)

// Unclonable marks values that are exempt from copy-on-read isolation.
// A value implementing this interface is handed to child contexts by
// reference. This is declared policy, not accidental fallback: holders of
// such values accept that mutations are visible across contexts.
type Unclonable interface {
	Unclonable()
}

// CloneValue performs a deep copy of common Go container types to avoid
// sharing mutable references across execution scopes. Values implementing
// Unclonable, and kinds that cannot be meaningfully copied (funcs, channels),
// are returned as-is.
func CloneValue(value any) any {
	if value == nil {
		return nil
	}
	if _, ok := value.(Unclonable); ok {
		return value
	}
	if out, ok := cloneFastPath(value); ok {
		return out
	}
	visited := make(map[uintptr]any)
	return cloneReflect(reflect.ValueOf(value), visited)
}

// cloneFastPath handles common JSON-friendly types without reflection.
func cloneFastPath(value any) (any, bool) {
	switch v := value.(type) {
	case string, bool, int, int32, int64, float32, float64:
		return v, true
	case map[string]any:
		copied := make(map[string]any, len(v))
		for k, vv := range v {
			copied[k] = CloneValue(vv)
		}
		return copied, true
	case []any:
		copied := make([]any, len(v))
		for i := range v {
			copied[i] = CloneValue(v[i])
		}
		return copied, true
	case []string:
		copied := make([]string, len(v))
		copy(copied, v)
		return copied, true
	case []int:
		copied := make([]int, len(v))
		copy(copied, v)
		return copied, true
	case []float64:
		copied := make([]float64, len(v))
		copy(copied, v)
		return copied, true
	case time.Time:
		return v, true
	}
	return nil, false
}

// cloneReflect performs a deep copy using reflection with cycle detection.
func cloneReflect(rv reflect.Value, visited map[uintptr]any) any {
	if !rv.IsValid() {
		return nil
	}
	switch rv.Kind() {
	case reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return cloneReflect(rv.Elem(), visited)
	case reflect.Ptr:
		return clonePointer(rv, visited)
	case reflect.Map:
		return cloneMap(rv, visited)
	case reflect.Slice:
		return cloneSlice(rv, visited)
	case reflect.Array:
		return cloneArray(rv, visited)
	case reflect.Struct:
		return cloneStruct(rv, visited)
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		// Not copyable; shared by reference via the zero check below.
		return rv.Interface()
	default:
		return rv.Interface()
	}
}

func clonePointer(rv reflect.Value, visited map[uintptr]any) any {
	if rv.IsNil() {
		return nil
	}
	ptr := rv.Pointer()
	if cached, ok := visited[ptr]; ok {
		return cached
	}
	elem := rv.Elem()
	newPtr := reflect.New(elem.Type())
	visited[ptr] = newPtr.Interface()
	copied := cloneReflect(elem, visited)
	if copied != nil {
		cv := reflect.ValueOf(copied)
		if cv.Type().AssignableTo(elem.Type()) {
			newPtr.Elem().Set(cv)
		}
	}
	return newPtr.Interface()
}

func cloneMap(rv reflect.Value, visited map[uintptr]any) any {
	if rv.IsNil() {
		return reflect.Zero(rv.Type()).Interface()
	}
	ptr := rv.Pointer()
	if cached, ok := visited[ptr]; ok {
		return cached
	}
	newMap := reflect.MakeMapWithSize(rv.Type(), rv.Len())
	visited[ptr] = newMap.Interface()
	for _, mk := range rv.MapKeys() {
		mv := rv.MapIndex(mk)
		copied := cloneReflect(mv, visited)
		if copied == nil {
			newMap.SetMapIndex(mk, reflect.Zero(rv.Type().Elem()))
			continue
		}
		cv := reflect.ValueOf(copied)
		if cv.Type().AssignableTo(rv.Type().Elem()) {
			newMap.SetMapIndex(mk, cv)
		} else {
			newMap.SetMapIndex(mk, mv)
		}
	}
	return newMap.Interface()
}

func cloneSlice(rv reflect.Value, visited map[uintptr]any) any {
	if rv.IsNil() {
		return reflect.Zero(rv.Type()).Interface()
	}
	ptr := rv.Pointer()
	if cached, ok := visited[ptr]; ok {
		return cached
	}
	l := rv.Len()
	newSlice := reflect.MakeSlice(rv.Type(), l, l)
	visited[ptr] = newSlice.Interface()
	for i := 0; i < l; i++ {
		copied := cloneReflect(rv.Index(i), visited)
		if copied == nil {
			continue
		}
		cv := reflect.ValueOf(copied)
		if cv.Type().AssignableTo(rv.Type().Elem()) {
			newSlice.Index(i).Set(cv)
		} else {
			newSlice.Index(i).Set(rv.Index(i))
		}
	}
	return newSlice.Interface()
}

func cloneArray(rv reflect.Value, visited map[uintptr]any) any {
	l := rv.Len()
	newArr := reflect.New(rv.Type()).Elem()
	for i := 0; i < l; i++ {
		copied := cloneReflect(rv.Index(i), visited)
		if copied == nil {
			continue
		}
		cv := reflect.ValueOf(copied)
		if cv.Type().AssignableTo(rv.Type().Elem()) {
			newArr.Index(i).Set(cv)
		}
	}
	return newArr.Interface()
}

func cloneStruct(rv reflect.Value, visited map[uintptr]any) any {
	newStruct := reflect.New(rv.Type()).Elem()
	for i := 0; i < rv.NumField(); i++ {
		ft := rv.Type().Field(i)
		if ft.PkgPath != "" {
			continue
		}
		dstField := newStruct.Field(i)
		if !dstField.CanSet() {
			continue
		}
		copied := cloneReflect(rv.Field(i), visited)
		if copied == nil {
			dstField.Set(reflect.Zero(dstField.Type()))
			continue
		}
		srcVal := reflect.ValueOf(copied)
		if srcVal.Type().AssignableTo(dstField.Type()) {
			dstField.Set(srcVal)
		} else if srcVal.Type().ConvertibleTo(dstField.Type()) {
			dstField.Set(srcVal.Convert(dstField.Type()))
		} else {
			dstField.Set(reflect.Zero(dstField.Type()))
		}
	}
	return newStruct.Interface()
}

// isMutableContainer reports whether a value needs a defensive copy when it
// crosses a scope boundary. Scalars and strings are immutable in Go, so they
// are safe to share.
func isMutableContainer(value any) bool {
	if value == nil {
		return false
	}
	if _, ok := value.(Unclonable); ok {
		return false
	}
	switch value.(type) {
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, complex64, complex128,
		time.Time, time.Duration:
		return false
	}
	switch reflect.ValueOf(value).Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Ptr, reflect.Struct:
		return true
	}
	return false
}
