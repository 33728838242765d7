// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package frames

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// Frame types
	FrameTypeAMQP byte = 0x00
	FrameTypeSASL byte = 0x01

	// Smallest max-frame-size a peer may announce.
	MinFrameSize uint32 = 512

	DefaultMaxFrameSize uint32 = 65536

	// 4 (size) + 1 (doff) + 1 (type) + 2 (channel)
	HeaderSize = 8

	// Data offset of a frame without extended header, in 4-byte words.
	MinDOFF = 2
)

var (
	ErrShortBuffer   = errors.New("frame incomplete")
	ErrFrameTooLarge = errors.New("frame exceeds max frame size")
	ErrInvalidFrame  = errors.New("invalid frame header")
)

// Header is the fixed part of a frame.
type Header struct {
	Size    uint32
	DOFF    uint8
	Type    byte
	Channel uint16
}

// ParseHeader decodes the first HeaderSize bytes of b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrShortBuffer
	}
	h := Header{
		Size:    binary.BigEndian.Uint32(b[0:4]),
		DOFF:    b[4],
		Type:    b[5],
		Channel: binary.BigEndian.Uint16(b[6:8]),
	}
	return h, h.validate()
}

func (h Header) validate() error {
	if h.Size < HeaderSize {
		return fmt.Errorf("%w: size %d below %d", ErrInvalidFrame, h.Size, HeaderSize)
	}
	if h.DOFF < MinDOFF {
		return fmt.Errorf("%w: doff %d", ErrInvalidFrame, h.DOFF)
	}
	if uint32(h.DOFF)*4 > h.Size {
		return fmt.Errorf("%w: doff %d beyond size %d", ErrInvalidFrame, h.DOFF, h.Size)
	}
	return nil
}

// BodySize returns the number of body bytes following the header and any
// extended header.
func (h Header) BodySize() int {
	return int(h.Size) - int(h.DOFF)*4
}

// Frame represents an AMQP 1.0 frame.
type Frame struct {
	Type    byte
	Channel uint16
	Body    []byte
}

// IsEmpty returns true if the frame has no body (heartbeat).
func (f *Frame) IsEmpty() bool {
	return len(f.Body) == 0
}

// Encode appends the encoding of f to dst.
func Encode(dst []byte, f Frame) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(HeaderSize+len(f.Body)))
	dst = append(dst, MinDOFF, f.Type)
	dst = binary.BigEndian.AppendUint16(dst, f.Channel)
	return append(dst, f.Body...)
}

// Decode decodes the first frame in b and reports how many bytes it used.
// The frame body aliases b. ErrShortBuffer means more bytes are needed.
// maxFrameSize of 0 means no limit.
func Decode(b []byte, maxFrameSize uint32) (Frame, int, error) {
	h, err := ParseHeader(b)
	if err != nil {
		return Frame{}, 0, err
	}
	if maxFrameSize > 0 && h.Size > maxFrameSize {
		return Frame{}, 0, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, h.Size, maxFrameSize)
	}
	if uint64(len(b)) < uint64(h.Size) {
		return Frame{}, 0, ErrShortBuffer
	}
	f := Frame{Type: h.Type, Channel: h.Channel}
	if h.BodySize() > 0 {
		f.Body = b[int(h.DOFF)*4 : h.Size : h.Size]
	}
	return f, int(h.Size), nil
}

// WriteFrame writes an AMQP frame to the writer.
func WriteFrame(w io.Writer, frameType byte, channel uint16, body []byte) error {
	var header [HeaderSize]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(HeaderSize+len(body)))
	header[4] = MinDOFF
	header[5] = frameType
	binary.BigEndian.PutUint16(header[6:8], channel)

	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return err
		}
	}
	return nil
}

// WriteEmptyFrame writes a heartbeat (empty) frame.
func WriteEmptyFrame(w io.Writer) error {
	return WriteFrame(w, FrameTypeAMQP, 0, nil)
}

// ReadFrame reads a single AMQP frame from the reader. maxFrameSize of 0
// means no limit; a larger frame is rejected before its body is read.
func ReadFrame(r io.Reader, maxFrameSize uint32) (*Frame, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	h, err := ParseHeader(hdr[:])
	if err != nil {
		return nil, err
	}
	if maxFrameSize > 0 && h.Size > maxFrameSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, h.Size, maxFrameSize)
	}

	if ext := int(h.DOFF)*4 - HeaderSize; ext > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(ext)); err != nil {
			return nil, err
		}
	}

	f := &Frame{Type: h.Type, Channel: h.Channel}
	if n := h.BodySize(); n > 0 {
		f.Body = make([]byte, n)
		if _, err := io.ReadFull(r, f.Body); err != nil {
			return nil, err
		}
	}
	return f, nil
}
