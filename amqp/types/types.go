// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package types encodes and decodes AMQP 1.0 typed values.
//
// Encoding always picks the narrowest constructor that fits a value, so
// a decoded value re-encodes to the same bytes it was produced from.
package types

import (
	"bytes"
	"time"
)

// AMQP 1.0 constructor codes.
const (
	TypeNull       byte = 0x40
	TypeBoolTrue   byte = 0x41
	TypeBoolFalse  byte = 0x42
	TypeBool       byte = 0x56
	TypeUbyte      byte = 0x50
	TypeUshort     byte = 0x60
	TypeUint       byte = 0x70
	TypeUintSmall  byte = 0x52
	TypeUint0      byte = 0x43
	TypeUlong      byte = 0x80
	TypeUlongSmall byte = 0x53
	TypeUlong0     byte = 0x44
	TypeByte       byte = 0x51
	TypeShort      byte = 0x61
	TypeInt        byte = 0x71
	TypeIntSmall   byte = 0x54
	TypeLong       byte = 0x81
	TypeLongSmall  byte = 0x55
	TypeFloat      byte = 0x72
	TypeDouble     byte = 0x82
	TypeDecimal32  byte = 0x74
	TypeDecimal64  byte = 0x84
	TypeDecimal128 byte = 0x94
	TypeChar       byte = 0x73
	TypeTimestamp  byte = 0x83
	TypeUUID       byte = 0x98

	TypeBinaryShort byte = 0xa0
	TypeBinaryLong  byte = 0xb0
	TypeStringShort byte = 0xa1
	TypeStringLong  byte = 0xb1
	TypeSymbolShort byte = 0xa3
	TypeSymbolLong  byte = 0xb3

	TypeList0   byte = 0x45
	TypeList8   byte = 0xc0
	TypeList32  byte = 0xd0
	TypeMap8    byte = 0xc1
	TypeMap32   byte = 0xd1
	TypeArray8  byte = 0xe0
	TypeArray32 byte = 0xf0

	TypeDescriptor byte = 0x00
)

// Symbol is an AMQP symbolic value.
type Symbol string

// UUID is a 128-bit universally unique identifier.
type UUID [16]byte

// Char is a single UTF-32 code point.
type Char rune

// Decimal32, Decimal64 and Decimal128 carry IEEE 754 decimal values as raw
// big-endian bytes.
type (
	Decimal32  [4]byte
	Decimal64  [8]byte
	Decimal128 [16]byte
)

// Timestamp is a point in time with millisecond precision.
type Timestamp time.Time

// Milliseconds returns the Unix timestamp in milliseconds.
func (t Timestamp) Milliseconds() int64 {
	return time.Time(t).UnixMilli()
}

// TimestampFromMillis creates a Timestamp from milliseconds since Unix epoch.
func TimestampFromMillis(ms int64) Timestamp {
	return Timestamp(time.UnixMilli(ms))
}

// Described is a value annotated with a descriptor. The descriptor is
// either a numeric code (uint64) or a Symbol.
type Described struct {
	Descriptor any
	Value      any
}

// MapEntry is a single key/value pair of a Map.
type MapEntry struct {
	Key   any
	Value any
}

// Map is an AMQP map. Entry order is kept as it appears on the wire.
type Map []MapEntry

// Get returns the value stored under key.
func (m Map) Get(key any) (any, bool) {
	for _, e := range m {
		if keyEqual(e.Key, key) {
			return e.Value, true
		}
	}
	return nil, false
}

func keyEqual(a, b any) bool {
	switch av := a.(type) {
	case []byte:
		bv, ok := b.([]byte)
		return ok && bytes.Equal(av, bv)
	case []any, Map, Array, Described, *Described:
		return false
	}
	switch b.(type) {
	case []byte, []any, Map, Array, Described, *Described:
		return false
	}
	return a == b
}

// Array is a sequence of values sharing one element constructor.
// A zero Constructor lets the encoder pick the narrowest one that fits all
// items. A non-nil Descriptor makes every element a described value.
type Array struct {
	Descriptor  any
	Constructor byte
	Items       []any
}
