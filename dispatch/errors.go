// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrRejected is returned when work is requested from a dispatcher that
	// has no live workers.
	ErrRejected = errors.New("dispatcher rejected work: no live workers")

	ErrNotStarted     = errors.New("dispatcher not started")
	ErrAlreadyStarted = errors.New("dispatcher already started")
	ErrShutdown       = errors.New("dispatcher is shut down")

	// ErrInterrupted is returned when a caller stops waiting because its
	// context ended. It wraps the context error.
	ErrInterrupted = errors.New("wait interrupted")

	ErrMainBusy      = errors.New("main queue is already being drained")
	ErrInvalidConfig = errors.New("invalid dispatcher config")
)

// PanicError carries a panic recovered from a task whose submitter waits for
// it.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}

// Unwrap returns the panic value when it is an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
