// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ipc

import (
	"bytes"
	"encoding"
	"encoding/json"
	"reflect"
	"strconv"
	"strings"
)

var (
	jsonMarshalerType = reflect.TypeFor[json.Marshaler]()
	textMarshalerType = reflect.TypeFor[encoding.TextMarshaler]()
)

// Sanitize deep-copies v into a shape any channel can carry: nil, bool,
// string, numbers, []any and map[string]any.
//
// Funcs, chans, unsafe pointers and complex numbers are dropped (inside
// slices they become nil so positions are kept). Byte slices and arrays
// become numeric arrays. Structs become maps keyed by their json names.
// Reference cycles are cut. Sanitize(Sanitize(v)) has the same shape as
// Sanitize(v).
func Sanitize(v any) any {
	s := sanitizer{visiting: make(map[visit]struct{})}
	out, ok := s.value(reflect.ValueOf(v))
	if !ok {
		return nil
	}
	return out
}

type visit struct {
	ptr uintptr
	typ reflect.Type
}

type sanitizer struct {
	visiting map[visit]struct{}
}

// value returns the sanitized form of rv, or false when rv must be dropped.
func (s *sanitizer) value(rv reflect.Value) (any, bool) {
	if !rv.IsValid() {
		return nil, true
	}
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
		if rv.IsNil() {
			return nil, true
		}
	}

	if rv.CanInterface() {
		if rv.Type().Implements(jsonMarshalerType) {
			return s.marshaled(rv.Interface().(json.Marshaler))
		}
		if rv.Type().Implements(textMarshalerType) {
			text, err := rv.Interface().(encoding.TextMarshaler).MarshalText()
			if err != nil {
				return nil, false
			}
			return string(text), true
		}
	}

	switch rv.Kind() {
	case reflect.Bool:
		return rv.Bool(), true
	case reflect.String:
		return rv.String(), true
	case reflect.Int:
		return int(rv.Int()), true
	case reflect.Int8:
		return int8(rv.Int()), true
	case reflect.Int16:
		return int16(rv.Int()), true
	case reflect.Int32:
		return int32(rv.Int()), true
	case reflect.Int64:
		return rv.Int(), true
	case reflect.Uint:
		return uint(rv.Uint()), true
	case reflect.Uint8:
		return uint8(rv.Uint()), true
	case reflect.Uint16:
		return uint16(rv.Uint()), true
	case reflect.Uint32:
		return uint32(rv.Uint()), true
	case reflect.Uint64:
		return rv.Uint(), true
	case reflect.Uintptr:
		return uintptr(rv.Uint()), true
	case reflect.Float32:
		return float32(rv.Float()), true
	case reflect.Float64:
		return rv.Float(), true

	case reflect.Interface:
		return s.value(rv.Elem())

	case reflect.Pointer:
		if !s.enter(rv) {
			return nil, true
		}
		defer s.leave(rv)
		return s.value(rv.Elem())

	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return numericArray(rv), true
		}
		if !s.enter(rv) {
			return nil, true
		}
		defer s.leave(rv)
		return s.list(rv), true

	case reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return numericArray(rv), true
		}
		return s.list(rv), true

	case reflect.Map:
		if !s.enter(rv) {
			return nil, true
		}
		defer s.leave(rv)
		return s.object(rv), true

	case reflect.Struct:
		out := make(map[string]any, rv.NumField())
		s.fields(rv, out)
		return out, true
	}

	// Func, Chan, UnsafePointer, Complex64, Complex128.
	return nil, false
}

func (s *sanitizer) enter(rv reflect.Value) bool {
	if rv.Kind() == reflect.Slice && rv.Len() == 0 {
		return true
	}
	k := visit{ptr: rv.Pointer(), typ: rv.Type()}
	if _, ok := s.visiting[k]; ok {
		return false
	}
	s.visiting[k] = struct{}{}
	return true
}

func (s *sanitizer) leave(rv reflect.Value) {
	if rv.Kind() == reflect.Slice && rv.Len() == 0 {
		return
	}
	delete(s.visiting, visit{ptr: rv.Pointer(), typ: rv.Type()})
}

func (s *sanitizer) marshaled(m json.Marshaler) (any, bool) {
	raw, err := m.MarshalJSON()
	if err != nil {
		return nil, false
	}
	var out any
	if err := json.NewDecoder(bytes.NewReader(raw)).Decode(&out); err != nil {
		return nil, false
	}
	return out, true
}

func (s *sanitizer) list(rv reflect.Value) []any {
	out := make([]any, rv.Len())
	for i := range out {
		if v, ok := s.value(rv.Index(i)); ok {
			out[i] = v
		}
	}
	return out
}

func (s *sanitizer) object(rv reflect.Value) map[string]any {
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		key, ok := mapKey(iter.Key())
		if !ok {
			continue
		}
		if v, ok := s.value(iter.Value()); ok {
			out[key] = v
		}
	}
	return out
}

// fields copies the exported fields of a struct into out using the same
// naming rules as encoding/json. Untagged embedded structs are flattened.
func (s *sanitizer) fields(rv reflect.Value, out map[string]any) {
	t := rv.Type()
	for i := range t.NumField() {
		f := t.Field(i)
		tag := f.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")
		fv := rv.Field(i)

		if f.Anonymous && name == "" {
			ft := f.Type
			if ft.Kind() == reflect.Pointer {
				if fv.IsNil() {
					continue
				}
				ft, fv = ft.Elem(), fv.Elem()
			}
			if ft.Kind() == reflect.Struct {
				s.fields(fv, out)
				continue
			}
		}
		if !f.IsExported() {
			continue
		}
		if name == "" {
			name = f.Name
		}
		if strings.Contains(opts, "omitempty") && isEmptyValue(fv) {
			continue
		}
		if v, ok := s.value(fv); ok {
			out[name] = v
		}
	}
}

func mapKey(k reflect.Value) (string, bool) {
	switch k.Kind() {
	case reflect.String:
		return k.String(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(k.Int(), 10), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(k.Uint(), 10), true
	case reflect.Interface:
		if k.IsNil() {
			return "", false
		}
		return mapKey(k.Elem())
	}
	return "", false
}

func numericArray(rv reflect.Value) []any {
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = int(rv.Index(i).Uint())
	}
	return out
}

func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	case reflect.Bool:
		return !v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint() == 0
	case reflect.Float32, reflect.Float64:
		return v.Float() == 0
	case reflect.Interface, reflect.Pointer:
		return v.IsNil()
	}
	return false
}
