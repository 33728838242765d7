// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// maxElements bounds the item count of a decoded compound.
const maxElements = 1 << 24

// ReadType reads a single AMQP typed value from the reader.
//
// Lists decode to []any, maps to Map, arrays to Array keeping their element
// constructor and described values to *Described.
func ReadType(r io.Reader) (any, error) {
	var code [1]byte
	if _, err := io.ReadFull(r, code[:]); err != nil {
		return nil, err
	}
	return readByCode(r, code[0])
}

func readByCode(r io.Reader, code byte) (any, error) {
	switch code {
	case TypeNull:
		return nil, nil
	case TypeBoolTrue:
		return true, nil
	case TypeBoolFalse:
		return false, nil
	case TypeBool:
		b, err := readN(r, 1)
		if err != nil {
			return nil, err
		}
		return b[0] != 0, nil
	case TypeUbyte:
		b, err := readN(r, 1)
		if err != nil {
			return nil, err
		}
		return b[0], nil
	case TypeUshort:
		b, err := readN(r, 2)
		if err != nil {
			return nil, err
		}
		return binary.BigEndian.Uint16(b), nil
	case TypeUint0:
		return uint32(0), nil
	case TypeUintSmall:
		b, err := readN(r, 1)
		if err != nil {
			return nil, err
		}
		return uint32(b[0]), nil
	case TypeUint:
		b, err := readN(r, 4)
		if err != nil {
			return nil, err
		}
		return binary.BigEndian.Uint32(b), nil
	case TypeUlong0:
		return uint64(0), nil
	case TypeUlongSmall:
		b, err := readN(r, 1)
		if err != nil {
			return nil, err
		}
		return uint64(b[0]), nil
	case TypeUlong:
		b, err := readN(r, 8)
		if err != nil {
			return nil, err
		}
		return binary.BigEndian.Uint64(b), nil
	case TypeByte:
		b, err := readN(r, 1)
		if err != nil {
			return nil, err
		}
		return int8(b[0]), nil
	case TypeShort:
		b, err := readN(r, 2)
		if err != nil {
			return nil, err
		}
		return int16(binary.BigEndian.Uint16(b)), nil
	case TypeIntSmall:
		b, err := readN(r, 1)
		if err != nil {
			return nil, err
		}
		return int32(int8(b[0])), nil
	case TypeInt:
		b, err := readN(r, 4)
		if err != nil {
			return nil, err
		}
		return int32(binary.BigEndian.Uint32(b)), nil
	case TypeLongSmall:
		b, err := readN(r, 1)
		if err != nil {
			return nil, err
		}
		return int64(int8(b[0])), nil
	case TypeLong:
		b, err := readN(r, 8)
		if err != nil {
			return nil, err
		}
		return int64(binary.BigEndian.Uint64(b)), nil
	case TypeFloat:
		b, err := readN(r, 4)
		if err != nil {
			return nil, err
		}
		return math.Float32frombits(binary.BigEndian.Uint32(b)), nil
	case TypeDouble:
		b, err := readN(r, 8)
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
	case TypeDecimal32:
		var d Decimal32
		_, err := io.ReadFull(r, d[:])
		return d, err
	case TypeDecimal64:
		var d Decimal64
		_, err := io.ReadFull(r, d[:])
		return d, err
	case TypeDecimal128:
		var d Decimal128
		_, err := io.ReadFull(r, d[:])
		return d, err
	case TypeChar:
		b, err := readN(r, 4)
		if err != nil {
			return nil, err
		}
		return Char(binary.BigEndian.Uint32(b)), nil
	case TypeTimestamp:
		b, err := readN(r, 8)
		if err != nil {
			return nil, err
		}
		return TimestampFromMillis(int64(binary.BigEndian.Uint64(b))), nil
	case TypeUUID:
		var u UUID
		_, err := io.ReadFull(r, u[:])
		return u, err
	case TypeBinaryShort, TypeBinaryLong:
		return readVar(r, code == TypeBinaryShort)
	case TypeStringShort, TypeStringLong:
		b, err := readVar(r, code == TypeStringShort)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case TypeSymbolShort, TypeSymbolLong:
		b, err := readVar(r, code == TypeSymbolShort)
		if err != nil {
			return nil, err
		}
		return Symbol(b), nil
	case TypeList0:
		return []any{}, nil
	case TypeList8, TypeList32:
		body, count, err := readCompound(r, code == TypeList8)
		if err != nil {
			return nil, err
		}
		return readList(body, count)
	case TypeMap8, TypeMap32:
		body, count, err := readCompound(r, code == TypeMap8)
		if err != nil {
			return nil, err
		}
		return readMap(body, count)
	case TypeArray8, TypeArray32:
		body, count, err := readCompound(r, code == TypeArray8)
		if err != nil {
			return nil, err
		}
		return readArray(body, count)
	case TypeDescriptor:
		return readDescribed(r)
	}
	return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownType, code)
}

// readN reads exactly n bytes. Readers that know their remaining length
// fail before allocating.
func readN(r io.Reader, n int) ([]byte, error) {
	if l, ok := r.(interface{ Len() int }); ok && n > l.Len() {
		return nil, io.ErrUnexpectedEOF
	}
	buf := make([]byte, n)
	_, err := io.ReadFull(r, buf)
	return buf, err
}

func readVar(r io.Reader, short bool) ([]byte, error) {
	if short {
		b, err := readN(r, 1)
		if err != nil {
			return nil, err
		}
		return readN(r, int(b[0]))
	}
	b, err := readN(r, 4)
	if err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(b)
	if uint64(size) > math.MaxInt32 {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidSize, size)
	}
	return readN(r, int(size))
}

// readCompound reads the size and count fields and returns the remaining
// body bytes.
func readCompound(r io.Reader, short bool) ([]byte, int, error) {
	var size, count, width uint32
	if short {
		b, err := readN(r, 2)
		if err != nil {
			return nil, 0, err
		}
		size, count, width = uint32(b[0]), uint32(b[1]), 1
	} else {
		b, err := readN(r, 8)
		if err != nil {
			return nil, 0, err
		}
		size, count, width = binary.BigEndian.Uint32(b[0:4]), binary.BigEndian.Uint32(b[4:8]), 4
	}
	if size < width || size > math.MaxInt32 {
		return nil, 0, fmt.Errorf("%w: size %d", ErrInvalidSize, size)
	}
	if count > maxElements {
		return nil, 0, fmt.Errorf("%w: %d items", ErrInvalidSize, count)
	}
	body, err := readN(r, int(size-width))
	if err != nil {
		return nil, 0, err
	}
	return body, int(count), nil
}

func readList(body []byte, count int) ([]any, error) {
	br := bytes.NewReader(body)
	items := make([]any, 0, min(count, len(body)))
	for range count {
		v, err := ReadType(br)
		if err != nil {
			return nil, compoundErr(err)
		}
		items = append(items, v)
	}
	return items, trailing(br)
}

func readMap(body []byte, count int) (Map, error) {
	if count%2 != 0 {
		return nil, fmt.Errorf("%w: odd map count %d", ErrInvalidSize, count)
	}
	br := bytes.NewReader(body)
	m := make(Map, 0, min(count/2, len(body)))
	for range count / 2 {
		k, err := ReadType(br)
		if err != nil {
			return nil, compoundErr(err)
		}
		v, err := ReadType(br)
		if err != nil {
			return nil, compoundErr(err)
		}
		m = append(m, MapEntry{Key: k, Value: v})
	}
	return m, trailing(br)
}

func readArray(body []byte, count int) (Array, error) {
	br := bytes.NewReader(body)
	code, err := br.ReadByte()
	if err != nil {
		return Array{}, fmt.Errorf("%w: array without constructor", ErrInvalidSize)
	}

	var a Array
	if code == TypeDescriptor {
		if a.Descriptor, err = readDescriptor(br); err != nil {
			return Array{}, compoundErr(err)
		}
		if code, err = br.ReadByte(); err != nil {
			return Array{}, fmt.Errorf("%w: array without constructor", ErrInvalidSize)
		}
		if code == TypeDescriptor {
			return Array{}, fmt.Errorf("%w: nested descriptor in array", ErrInvalidDescriptor)
		}
	}

	a.Constructor = code
	a.Items = make([]any, 0, min(count, len(body)))
	for range count {
		v, err := readByCode(br, code)
		if err != nil {
			return Array{}, compoundErr(err)
		}
		a.Items = append(a.Items, v)
	}
	return a, trailing(br)
}

func readDescribed(r io.Reader) (*Described, error) {
	descriptor, err := readDescriptor(r)
	if err != nil {
		return nil, err
	}
	value, err := ReadType(r)
	if err != nil {
		return nil, err
	}
	return &Described{Descriptor: descriptor, Value: value}, nil
}

func readDescriptor(r io.Reader) (any, error) {
	d, err := ReadType(r)
	if err != nil {
		return nil, err
	}
	if err := checkDescriptor(d); err != nil {
		return nil, err
	}
	return d, nil
}

// compoundErr reports a body that ends before its declared items as a
// size error: the enclosing size field was wrong, not the buffer short.
func compoundErr(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return fmt.Errorf("%w: items overrun body", ErrInvalidSize)
	}
	return err
}

func trailing(br *bytes.Reader) error {
	if n := br.Len(); n > 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrInvalidSize, n)
	}
	return nil
}

// ReadListFields reads a described list and returns its numeric
// descriptor and fields.
func ReadListFields(r io.Reader) (uint64, []any, error) {
	val, err := ReadType(r)
	if err != nil {
		return 0, nil, err
	}

	desc, ok := val.(*Described)
	if !ok {
		return 0, nil, fmt.Errorf("expected described type, got %T", val)
	}
	code, ok := desc.Descriptor.(uint64)
	if !ok {
		return 0, nil, fmt.Errorf("%w: got %T", ErrInvalidDescriptor, desc.Descriptor)
	}
	fields, ok := desc.Value.([]any)
	if !ok {
		return 0, nil, fmt.Errorf("expected list value, got %T", desc.Value)
	}
	return code, fields, nil
}
