// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import "errors"

var (
	ErrUnknownType       = errors.New("unknown AMQP type code")
	ErrUnsupportedType   = errors.New("unsupported Go type")
	ErrShortBuffer       = errors.New("buffer too short")
	ErrInvalidSize       = errors.New("invalid compound size")
	ErrInvalidDescriptor = errors.New("descriptor must be ulong or symbol")
	ErrInvalidValue      = errors.New("value does not fit constructor")
	ErrMixedArray        = errors.New("array items do not share a constructor")
)
