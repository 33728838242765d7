// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"fmt"
	"strconv"

	"github.com/absmach/fluxdispatch/hashring"
)

// PartitionedQueue spreads keyed work over a fixed set of serial queues.
// Tasks with the same key always land on the same partition and therefore
// run in submission order.
type PartitionedQueue struct {
	label string
	ring  *hashring.Ring
	parts map[string]*SerialQueue
	order []*SerialQueue
}

// CreatePartitionedQueue creates n serial partitions placed on a hash ring.
func (d *Dispatcher) CreatePartitionedQueue(label string, n int, opts ...QueueOption) (*PartitionedQueue, error) {
	if n < 1 {
		return nil, fmt.Errorf("partition count must be positive, got %d", n)
	}
	if label == "" {
		label = newLabel("partitioned")
	}

	pq := &PartitionedQueue{
		label: label,
		ring:  hashring.New(hashring.DefaultReplicas),
		parts: make(map[string]*SerialQueue, n),
	}
	for i := range n {
		name := label + "-" + strconv.Itoa(i)
		q := d.CreateSerialQueue(name, opts...)
		pq.parts[name] = q
		pq.order = append(pq.order, q)
		pq.ring.Add(name)
	}
	return pq, nil
}

func (pq *PartitionedQueue) Label() string { return pq.label }

// Partition returns the serial queue owning key.
func (pq *PartitionedQueue) Partition(key string) *SerialQueue {
	name, _ := pq.ring.Get(key)
	return pq.parts[name]
}

// Partitions returns every partition in creation order.
func (pq *PartitionedQueue) Partitions() []*SerialQueue {
	out := make([]*SerialQueue, len(pq.order))
	copy(out, pq.order)
	return out
}

// DispatchAsync runs task on the partition owning key.
func (pq *PartitionedQueue) DispatchAsync(ctx context.Context, key string, task Task) {
	pq.Partition(key).DispatchAsync(ctx, task)
}

// DispatchSync runs task on the partition owning key and waits for it.
func (pq *PartitionedQueue) DispatchSync(ctx context.Context, key string, task Task) error {
	return pq.Partition(key).DispatchSync(ctx, task)
}
