// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

// Priority selects the tier a queue belongs to. Workers scan tiers from High
// to Low.
type Priority int

const (
	High Priority = iota
	Default
	Low
)

const numPriorities = 3

// Priorities lists every tier in scan order.
var Priorities = [numPriorities]Priority{High, Default, Low}

func (p Priority) String() string {
	switch p {
	case High:
		return "high"
	case Default:
		return "default"
	case Low:
		return "low"
	default:
		return "unknown"
	}
}

func (p Priority) valid() bool {
	return p >= High && p <= Low
}
