// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"slices"

	"github.com/absmach/fluxdispatch/internal/bufpool"
)

// maxShortCompound is the largest size or count an 8-bit compound holds.
const maxShortCompound = 255

// WriteAny writes v using the narrowest constructor that fits it.
func WriteAny(w io.Writer, v any) error {
	switch val := v.(type) {
	case Described:
		return WriteDescribed(w, val)
	case *Described:
		if val == nil {
			return put(w, TypeNull)
		}
		return WriteDescribed(w, *val)
	case []any:
		return writeList(w, val)
	case Map:
		return writeMap(w, val)
	case map[string]any:
		return WriteStringAnyMap(w, val)
	case Array:
		return WriteArray(w, val)
	}
	code, err := codeOf(v)
	if err != nil {
		return err
	}
	if err := put(w, code); err != nil {
		return err
	}
	return writeBody(w, code, v)
}

// WriteDescribed writes a described value.
func WriteDescribed(w io.Writer, d Described) error {
	if err := checkDescriptor(d.Descriptor); err != nil {
		return err
	}
	if err := put(w, TypeDescriptor); err != nil {
		return err
	}
	if err := WriteAny(w, d.Descriptor); err != nil {
		return err
	}
	return WriteAny(w, d.Value)
}

// WriteArray writes an array. When a.Constructor is zero the element
// constructor is derived from the items.
func WriteArray(w io.Writer, a Array) error {
	body, err := arrayBody(a)
	if err != nil {
		return err
	}
	defer bufpool.Put(body)

	code := TypeArray32
	if fitsShort(body.Len(), len(a.Items)) {
		code = TypeArray8
	}
	if err := put(w, code); err != nil {
		return err
	}
	return writeCompound(w, code == TypeArray8, body.Bytes(), len(a.Items))
}

// WriteSymbolArray writes an AMQP multiple symbol value: null when empty,
// a bare symbol for one element and an array otherwise.
func WriteSymbolArray(w io.Writer, symbols []Symbol) error {
	switch len(symbols) {
	case 0:
		return put(w, TypeNull)
	case 1:
		return WriteAny(w, symbols[0])
	}
	items := make([]any, len(symbols))
	for i, s := range symbols {
		items[i] = s
	}
	return WriteArray(w, Array{Items: items})
}

// WriteStringAnyMap writes a map with string keys in ascending key order.
func WriteStringAnyMap(w io.Writer, m map[string]any) error {
	entries, _ := asMap(m)
	return writeMap(w, entries)
}

func writeList(w io.Writer, items []any) error {
	if len(items) == 0 {
		return put(w, TypeList0)
	}
	body, err := encodeItems(items)
	if err != nil {
		return err
	}
	defer bufpool.Put(body)

	code := TypeList32
	if fitsShort(body.Len(), len(items)) {
		code = TypeList8
	}
	if err := put(w, code); err != nil {
		return err
	}
	return writeCompound(w, code == TypeList8, body.Bytes(), len(items))
}

func writeMap(w io.Writer, m Map) error {
	body, err := encodeEntries(m)
	if err != nil {
		return err
	}
	defer bufpool.Put(body)

	code := TypeMap32
	if fitsShort(body.Len(), 2*len(m)) {
		code = TypeMap8
	}
	if err := put(w, code); err != nil {
		return err
	}
	return writeCompound(w, code == TypeMap8, body.Bytes(), 2*len(m))
}

// codeOf returns the constructor WriteAny would emit for v.
func codeOf(v any) (byte, error) {
	switch val := v.(type) {
	case nil:
		return TypeNull, nil
	case bool:
		if val {
			return TypeBoolTrue, nil
		}
		return TypeBoolFalse, nil
	case uint8:
		return TypeUbyte, nil
	case uint16:
		return TypeUshort, nil
	case uint32:
		switch {
		case val == 0:
			return TypeUint0, nil
		case val <= math.MaxUint8:
			return TypeUintSmall, nil
		}
		return TypeUint, nil
	case uint64:
		switch {
		case val == 0:
			return TypeUlong0, nil
		case val <= math.MaxUint8:
			return TypeUlongSmall, nil
		}
		return TypeUlong, nil
	case int8:
		return TypeByte, nil
	case int16:
		return TypeShort, nil
	case int32:
		if val >= math.MinInt8 && val <= math.MaxInt8 {
			return TypeIntSmall, nil
		}
		return TypeInt, nil
	case int64:
		if val >= math.MinInt8 && val <= math.MaxInt8 {
			return TypeLongSmall, nil
		}
		return TypeLong, nil
	case float32:
		return TypeFloat, nil
	case float64:
		return TypeDouble, nil
	case Decimal32:
		return TypeDecimal32, nil
	case Decimal64:
		return TypeDecimal64, nil
	case Decimal128:
		return TypeDecimal128, nil
	case Char:
		return TypeChar, nil
	case Timestamp:
		return TypeTimestamp, nil
	case UUID:
		return TypeUUID, nil
	case []byte:
		return varCode(len(val), TypeBinaryShort, TypeBinaryLong), nil
	case string:
		return varCode(len(val), TypeStringShort, TypeStringLong), nil
	case Symbol:
		return varCode(len(val), TypeSymbolShort, TypeSymbolLong), nil
	case []any, Map, map[string]any, Array, Described, *Described:
		buf := bufpool.Get()
		defer bufpool.Put(buf)
		if err := WriteAny(buf, v); err != nil {
			return 0, err
		}
		return buf.Bytes()[0], nil
	}
	return 0, fmt.Errorf("%w: %T", ErrUnsupportedType, v)
}

func varCode(n int, short, long byte) byte {
	if n <= math.MaxUint8 {
		return short
	}
	return long
}

// writeBody writes v in the encoding selected by code, without the
// constructor byte.
func writeBody(w io.Writer, code byte, v any) error {
	switch code {
	case TypeNull:
		if v != nil {
			return mismatch(code, v)
		}
		return nil
	case TypeBoolTrue, TypeBoolFalse:
		if b, ok := v.(bool); !ok || b != (code == TypeBoolTrue) {
			return mismatch(code, v)
		}
		return nil
	case TypeBool:
		b, ok := v.(bool)
		if !ok {
			return mismatch(code, v)
		}
		if b {
			return put(w, 1)
		}
		return put(w, 0)
	case TypeUbyte:
		u, ok := v.(uint8)
		if !ok {
			return mismatch(code, v)
		}
		return put(w, u)
	case TypeUshort:
		u, ok := v.(uint16)
		if !ok {
			return mismatch(code, v)
		}
		return put(w, binary.BigEndian.AppendUint16(nil, u)...)
	case TypeUint0, TypeUintSmall, TypeUint:
		u, ok := v.(uint32)
		if !ok {
			return mismatch(code, v)
		}
		return writeUnsigned(w, code, uint64(u), TypeUint0, TypeUintSmall)
	case TypeUlong0, TypeUlongSmall, TypeUlong:
		u, ok := v.(uint64)
		if !ok {
			return mismatch(code, v)
		}
		return writeUnsigned(w, code, u, TypeUlong0, TypeUlongSmall)
	case TypeByte:
		i, ok := v.(int8)
		if !ok {
			return mismatch(code, v)
		}
		return put(w, byte(i))
	case TypeShort:
		i, ok := v.(int16)
		if !ok {
			return mismatch(code, v)
		}
		return put(w, binary.BigEndian.AppendUint16(nil, uint16(i))...)
	case TypeIntSmall, TypeInt:
		i, ok := v.(int32)
		if !ok {
			return mismatch(code, v)
		}
		return writeSigned(w, code, int64(i), TypeIntSmall)
	case TypeLongSmall, TypeLong:
		i, ok := v.(int64)
		if !ok {
			return mismatch(code, v)
		}
		return writeSigned(w, code, i, TypeLongSmall)
	case TypeFloat:
		f, ok := v.(float32)
		if !ok {
			return mismatch(code, v)
		}
		return put(w, binary.BigEndian.AppendUint32(nil, math.Float32bits(f))...)
	case TypeDouble:
		f, ok := v.(float64)
		if !ok {
			return mismatch(code, v)
		}
		return put(w, binary.BigEndian.AppendUint64(nil, math.Float64bits(f))...)
	case TypeDecimal32:
		d, ok := v.(Decimal32)
		if !ok {
			return mismatch(code, v)
		}
		return put(w, d[:]...)
	case TypeDecimal64:
		d, ok := v.(Decimal64)
		if !ok {
			return mismatch(code, v)
		}
		return put(w, d[:]...)
	case TypeDecimal128:
		d, ok := v.(Decimal128)
		if !ok {
			return mismatch(code, v)
		}
		return put(w, d[:]...)
	case TypeChar:
		c, ok := v.(Char)
		if !ok {
			return mismatch(code, v)
		}
		return put(w, binary.BigEndian.AppendUint32(nil, uint32(c))...)
	case TypeTimestamp:
		t, ok := v.(Timestamp)
		if !ok {
			return mismatch(code, v)
		}
		return put(w, binary.BigEndian.AppendUint64(nil, uint64(t.Milliseconds()))...)
	case TypeUUID:
		u, ok := v.(UUID)
		if !ok {
			return mismatch(code, v)
		}
		return put(w, u[:]...)
	case TypeBinaryShort, TypeBinaryLong:
		b, ok := v.([]byte)
		if !ok {
			return mismatch(code, v)
		}
		return writeVar(w, code == TypeBinaryShort, b)
	case TypeStringShort, TypeStringLong:
		s, ok := v.(string)
		if !ok {
			return mismatch(code, v)
		}
		return writeVar(w, code == TypeStringShort, []byte(s))
	case TypeSymbolShort, TypeSymbolLong:
		s, ok := v.(Symbol)
		if !ok {
			return mismatch(code, v)
		}
		return writeVar(w, code == TypeSymbolShort, []byte(s))
	case TypeList0, TypeList8, TypeList32:
		items, ok := v.([]any)
		if !ok {
			return mismatch(code, v)
		}
		if code == TypeList0 {
			if len(items) != 0 {
				return mismatch(code, v)
			}
			return nil
		}
		body, err := encodeItems(items)
		if err != nil {
			return err
		}
		defer bufpool.Put(body)
		return writeSized(w, code, code == TypeList8, body.Bytes(), len(items))
	case TypeMap8, TypeMap32:
		m, ok := asMap(v)
		if !ok {
			return mismatch(code, v)
		}
		body, err := encodeEntries(m)
		if err != nil {
			return err
		}
		defer bufpool.Put(body)
		return writeSized(w, code, code == TypeMap8, body.Bytes(), 2*len(m))
	case TypeArray8, TypeArray32:
		a, ok := v.(Array)
		if !ok {
			return mismatch(code, v)
		}
		body, err := arrayBody(a)
		if err != nil {
			return err
		}
		defer bufpool.Put(body)
		return writeSized(w, code, code == TypeArray8, body.Bytes(), len(a.Items))
	}
	return fmt.Errorf("%w: 0x%02x", ErrUnknownType, code)
}

func writeUnsigned(w io.Writer, code byte, u uint64, zero, small byte) error {
	switch code {
	case zero:
		if u != 0 {
			return mismatch(code, u)
		}
		return nil
	case small:
		if u > math.MaxUint8 {
			return mismatch(code, u)
		}
		return put(w, byte(u))
	case TypeUint:
		return put(w, binary.BigEndian.AppendUint32(nil, uint32(u))...)
	}
	return put(w, binary.BigEndian.AppendUint64(nil, u)...)
}

func writeSigned(w io.Writer, code byte, i int64, small byte) error {
	switch code {
	case small:
		if i < math.MinInt8 || i > math.MaxInt8 {
			return mismatch(code, i)
		}
		return put(w, byte(int8(i)))
	case TypeInt:
		return put(w, binary.BigEndian.AppendUint32(nil, uint32(int32(i)))...)
	}
	return put(w, binary.BigEndian.AppendUint64(nil, uint64(i))...)
}

func writeVar(w io.Writer, short bool, b []byte) error {
	if short {
		if len(b) > math.MaxUint8 {
			return fmt.Errorf("%w: %d bytes in 8-bit width", ErrInvalidValue, len(b))
		}
		if err := put(w, byte(len(b))); err != nil {
			return err
		}
	} else if err := put(w, binary.BigEndian.AppendUint32(nil, uint32(len(b)))...); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// writeSized writes a compound body in the width code demands.
func writeSized(w io.Writer, code byte, short bool, body []byte, count int) error {
	if short && !fitsShort(len(body), count) {
		return fmt.Errorf("%w: %d bytes, %d items in 0x%02x", ErrInvalidValue, len(body), count, code)
	}
	return writeCompound(w, short, body, count)
}

// writeCompound writes size, count and body. The size covers the count
// field and the body.
func writeCompound(w io.Writer, short bool, body []byte, count int) error {
	if short {
		if err := put(w, byte(len(body)+1), byte(count)); err != nil {
			return err
		}
	} else {
		var hdr [8]byte
		binary.BigEndian.PutUint32(hdr[0:4], uint32(len(body)+4))
		binary.BigEndian.PutUint32(hdr[4:8], uint32(count))
		if err := put(w, hdr[:]...); err != nil {
			return err
		}
	}
	_, err := w.Write(body)
	return err
}

func fitsShort(bodyLen, count int) bool {
	return bodyLen+1 <= maxShortCompound && count <= maxShortCompound
}

// encodeItems encodes items into a pooled buffer the caller must put back.
func encodeItems(items []any) (*bytes.Buffer, error) {
	buf := bufpool.Get()
	for _, it := range items {
		if err := WriteAny(buf, it); err != nil {
			bufpool.Put(buf)
			return nil, err
		}
	}
	return buf, nil
}

func encodeEntries(m Map) (*bytes.Buffer, error) {
	buf := bufpool.Get()
	for _, e := range m {
		if err := WriteAny(buf, e.Key); err != nil {
			bufpool.Put(buf)
			return nil, err
		}
		if err := WriteAny(buf, e.Value); err != nil {
			bufpool.Put(buf)
			return nil, err
		}
	}
	return buf, nil
}

// arrayBody encodes the optional descriptor, the element constructor and
// the elements.
func arrayBody(a Array) (*bytes.Buffer, error) {
	code := a.Constructor
	if code == 0 {
		var err error
		if code, err = elementCode(a.Items); err != nil {
			return nil, err
		}
	}

	buf := bufpool.Get()
	fail := func(err error) (*bytes.Buffer, error) {
		bufpool.Put(buf)
		return nil, err
	}
	if a.Descriptor != nil {
		if err := checkDescriptor(a.Descriptor); err != nil {
			return fail(err)
		}
		buf.WriteByte(TypeDescriptor)
		if err := WriteAny(buf, a.Descriptor); err != nil {
			return fail(err)
		}
	}
	buf.WriteByte(code)
	for _, it := range a.Items {
		if err := writeBody(buf, code, it); err != nil {
			return fail(err)
		}
	}
	return buf, nil
}

// widths lists constructors of the same type from narrow to wide.
var widths = [][]byte{
	{TypeUintSmall, TypeUint},
	{TypeUlongSmall, TypeUlong},
	{TypeIntSmall, TypeInt},
	{TypeLongSmall, TypeLong},
	{TypeBinaryShort, TypeBinaryLong},
	{TypeStringShort, TypeStringLong},
	{TypeSymbolShort, TypeSymbolLong},
	{TypeList8, TypeList32},
	{TypeMap8, TypeMap32},
	{TypeArray8, TypeArray32},
}

// elementCode picks the narrowest constructor every item fits in.
func elementCode(items []any) (byte, error) {
	if len(items) == 0 {
		return TypeNull, nil
	}
	var (
		code        byte
		family      = -1
		rank        int
		initialized bool
	)
	for _, it := range items {
		c, err := codeOf(it)
		if err != nil {
			return 0, err
		}
		switch c {
		case TypeDescriptor:
			return 0, fmt.Errorf("%w: described items need Array.Descriptor", ErrMixedArray)
		case TypeUint0:
			c = TypeUintSmall
		case TypeUlong0:
			c = TypeUlongSmall
		case TypeBoolTrue, TypeBoolFalse:
			c = TypeBool
		case TypeList0:
			c = TypeList8
		}
		f, r := widthOf(c)
		if !initialized {
			code, family, rank, initialized = c, f, r, true
			continue
		}
		if f != family || (f < 0 && c != code) {
			return 0, fmt.Errorf("%w: 0x%02x and 0x%02x", ErrMixedArray, code, c)
		}
		if r > rank {
			code, rank = c, r
		}
	}
	return code, nil
}

func widthOf(code byte) (family, rank int) {
	for f, codes := range widths {
		if r := slices.Index(codes, code); r >= 0 {
			return f, r
		}
	}
	return -1, 0
}

func asMap(v any) (Map, bool) {
	switch m := v.(type) {
	case Map:
		return m, true
	case map[string]any:
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		out := make(Map, len(keys))
		for i, k := range keys {
			out[i] = MapEntry{Key: k, Value: m[k]}
		}
		return out, true
	}
	return nil, false
}

func checkDescriptor(d any) error {
	switch d.(type) {
	case uint64, Symbol:
		return nil
	}
	return fmt.Errorf("%w: got %T", ErrInvalidDescriptor, d)
}

func mismatch(code byte, v any) error {
	return fmt.Errorf("%w: %T(%v) as 0x%02x", ErrInvalidValue, v, v, code)
}

func put(w io.Writer, b ...byte) error {
	_, err := w.Write(b)
	return err
}
