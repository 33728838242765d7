// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package timer

import "time"

// requestHeap is a min-heap of scheduled requests ordered by fire time.
// Requests with the same fire time pop in submission order.
// It is owned by the timer loop goroutine and is not synchronized.
type requestHeap []*request

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}

func (h requestHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *requestHeap) Push(x any) {
	*h = append(*h, x.(*request))
}

func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return r
}

// peek returns the earliest fire time, or false if the heap is empty.
func (h requestHeap) peek() (time.Time, bool) {
	if len(h) == 0 {
		return time.Time{}, false
	}
	return h[0].at, true
}
