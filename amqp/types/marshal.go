// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/absmach/fluxdispatch/internal/bufpool"
)

// Marshal returns the encoding of v.
func Marshal(v any) ([]byte, error) {
	buf := bufpool.Get()
	defer bufpool.Put(buf)

	if err := WriteAny(buf, v); err != nil {
		return nil, err
	}
	return bytes.Clone(buf.Bytes()), nil
}

// Unmarshal decodes the first value in b and reports how many bytes it
// used. Bytes after the value are left for the caller.
func Unmarshal(b []byte) (any, int, error) {
	r := bytes.NewReader(b)
	v, err := ReadType(r)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, 0, fmt.Errorf("%w: %d bytes", ErrShortBuffer, len(b))
		}
		return nil, 0, err
	}
	return v, len(b) - r.Len(), nil
}

// AppendMarshal appends the encoding of v to dst.
func AppendMarshal(dst []byte, v any) ([]byte, error) {
	w := bytes.NewBuffer(dst)
	if err := WriteAny(w, v); err != nil {
		return dst, err
	}
	return w.Bytes(), nil
}
