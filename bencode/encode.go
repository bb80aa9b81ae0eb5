// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package bencode

import (
	"bufio"
	"fmt"
	"reflect"
	"sort"
)

// Encoder writes bencode values in canonical form: dictionary keys in
// strictly ascending lexicographic order, integers in minimal decimal form.
type Encoder struct {
	w *bufio.Writer
}

// Encode writes the canonical bencoding of v.
func (e *Encoder) Encode(v interface{}) error {
	if v == nil {
		return e.w.Flush()
	}
	if err := e.encodeValue(reflect.ValueOf(v)); err != nil {
		return err
	}
	return e.w.Flush()
}

func (e *Encoder) encodeValue(v reflect.Value) error {
	if !v.IsValid() {
		return nil
	}

	// Marshaler takes priority, tried on both T and *T.
	if m, ok := v.Interface().(Marshaler); ok {
		return e.writeMarshaler(v.Type(), m)
	}
	if v.Kind() != reflect.Ptr && v.CanAddr() {
		if m, ok := v.Addr().Interface().(Marshaler); ok {
			return e.writeMarshaler(v.Type(), m)
		}
	}

	switch v.Kind() {
	case reflect.Ptr:
		if v.IsNil() {
			return e.encodeValue(reflect.Zero(v.Type().Elem()))
		}
		return e.encodeValue(v.Elem())
	case reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return e.encodeValue(v.Elem())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		_, err := fmt.Fprintf(e.w, "i%de", v.Int())
		return err
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		// A []byte never arrives here element by element: the Slice case
		// encodes it whole as a byte string.
		_, err := fmt.Fprintf(e.w, "i%de", v.Uint())
		return err
	case reflect.Bool:
		n := 0
		if v.Bool() {
			n = 1
		}
		_, err := fmt.Fprintf(e.w, "i%de", n)
		return err
	case reflect.String:
		return e.writeString(v.String())
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return e.writeBytes(v)
		}
		return e.encodeList(v)
	case reflect.Array:
		// Fixed-size byte arrays (e.g. a 20-byte digest) are encoded as
		// lists of integers, not byte strings: only a slice of bytes gets
		// the byte-string shorthand.
		return e.encodeList(v)
	case reflect.Map:
		return e.encodeMap(v)
	case reflect.Struct:
		return e.encodeStruct(v)
	default:
		return &MarshalTypeError{Type: v.Type()}
	}
}

func (e *Encoder) writeMarshaler(t reflect.Type, m Marshaler) error {
	b, err := m.MarshalBencode()
	if err != nil {
		return &MarshalerError{Type: t, Err: err}
	}
	_, err = e.w.Write(b)
	return err
}

func (e *Encoder) writeString(s string) error {
	if _, err := fmt.Fprintf(e.w, "%d:", len(s)); err != nil {
		return err
	}
	_, err := e.w.WriteString(s)
	return err
}

func (e *Encoder) writeBytes(v reflect.Value) error {
	b := v.Bytes()
	if _, err := fmt.Fprintf(e.w, "%d:", len(b)); err != nil {
		return err
	}
	_, err := e.w.Write(b)
	return err
}

func (e *Encoder) encodeList(v reflect.Value) error {
	if _, err := e.w.WriteString("l"); err != nil {
		return err
	}
	for i := 0; i < v.Len(); i++ {
		if err := e.encodeValue(v.Index(i)); err != nil {
			return err
		}
	}
	_, err := e.w.WriteString("e")
	return err
}

func (e *Encoder) encodeMap(v reflect.Value) error {
	if v.Type().Key().Kind() != reflect.String {
		return &MarshalTypeError{Type: v.Type()}
	}
	if _, err := e.w.WriteString("d"); err != nil {
		return err
	}
	keys := v.MapKeys()
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	for _, k := range keys {
		if err := e.writeString(k.String()); err != nil {
			return err
		}
		if err := e.encodeValue(v.MapIndex(k)); err != nil {
			return err
		}
	}
	_, err := e.w.WriteString("e")
	return err
}

type structField struct {
	key       string
	value     reflect.Value
	omitempty bool
}

func (e *Encoder) encodeStruct(v reflect.Value) error {
	t := v.Type()
	fields := make([]structField, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" || f.Anonymous {
			continue
		}
		tag := f.Tag.Get("bencode")
		if tag == "-" {
			continue
		}
		name, opts := parseTag(tag)
		if name == "" {
			name = f.Name
		}
		fv := v.Field(i)
		if opts.contains("omitempty") && isEmptyValue(fv) {
			continue
		}
		fields = append(fields, structField{key: name, value: fv, omitempty: opts.contains("omitempty")})
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].key < fields[j].key })

	if _, err := e.w.WriteString("d"); err != nil {
		return err
	}
	for _, f := range fields {
		if err := e.writeString(f.key); err != nil {
			return err
		}
		if err := e.encodeValue(f.value); err != nil {
			return err
		}
	}
	_, err := e.w.WriteString("e")
	return err
}

func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface:
		return v.IsNil()
	case reflect.Slice, reflect.Map, reflect.Array:
		return v.Len() == 0
	case reflect.String:
		return v.Len() == 0
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint() == 0
	case reflect.Bool:
		return !v.Bool()
	}
	return false
}
