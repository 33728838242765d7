// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package frames

import (
	"fmt"
	"io"
)

const (
	ProtoIDAMQP byte = 0x00
	ProtoIDSASL byte = 0x03

	ProtoHeaderSize = 8
)

// ProtocolHeader is the 8-byte preamble "AMQP" + id + major + minor + revision.
type ProtocolHeader struct {
	ID       byte
	Major    byte
	Minor    byte
	Revision byte
}

// AMQP10 returns the 1.0.0 header for the given protocol id.
func AMQP10(id byte) ProtocolHeader {
	return ProtocolHeader{ID: id, Major: 1}
}

// Bytes returns the wire form of h.
func (h ProtocolHeader) Bytes() [ProtoHeaderSize]byte {
	return [ProtoHeaderSize]byte{'A', 'M', 'Q', 'P', h.ID, h.Major, h.Minor, h.Revision}
}

// ParseProtocolHeader decodes and checks a 1.0.0 protocol header.
func ParseProtocolHeader(b []byte) (ProtocolHeader, error) {
	if len(b) < ProtoHeaderSize {
		return ProtocolHeader{}, ErrShortBuffer
	}
	if !DetectAMQP(b) {
		return ProtocolHeader{}, fmt.Errorf("invalid protocol header: expected AMQP, got %q", b[:4])
	}
	h := ProtocolHeader{ID: b[4], Major: b[5], Minor: b[6], Revision: b[7]}
	if h.Major != 1 || h.Minor != 0 || h.Revision != 0 {
		return ProtocolHeader{}, fmt.Errorf("unsupported AMQP version %d.%d.%d", h.Major, h.Minor, h.Revision)
	}
	return h, nil
}

// WriteProtocolHeader writes the 1.0.0 header for the given protocol id.
func WriteProtocolHeader(w io.Writer, protoID byte) error {
	h := AMQP10(protoID).Bytes()
	_, err := w.Write(h[:])
	return err
}

// ReadProtocolHeader reads a protocol header and returns its protocol id.
func ReadProtocolHeader(r io.Reader) (byte, error) {
	var b [ProtoHeaderSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	h, err := ParseProtocolHeader(b[:])
	if err != nil {
		return 0, err
	}
	return h.ID, nil
}

// DetectAMQP reports whether header starts with "AMQP".
func DetectAMQP(header []byte) bool {
	return len(header) >= 4 && string(header[:4]) == "AMQP"
}
