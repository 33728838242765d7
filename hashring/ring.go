// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package hashring places keys on nodes with consistent hashing.
package hashring

import (
	"slices"
	"sort"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// DefaultReplicas is the number of virtual points per node.
const DefaultReplicas = 64

// Ring maps keys to nodes. Adding or removing a node only moves the keys
// that fall on its points. It is safe for concurrent use.
type Ring struct {
	replicas int

	mu     sync.RWMutex
	hashes []uint64 // sorted
	owners map[uint64]string
	nodes  map[string]struct{}
}

// New creates an empty ring. replicas below 1 mean DefaultReplicas.
func New(replicas int) *Ring {
	if replicas < 1 {
		replicas = DefaultReplicas
	}
	return &Ring{
		replicas: replicas,
		owners:   make(map[uint64]string),
		nodes:    make(map[string]struct{}),
	}
}

// Add places nodes on the ring. Nodes already present are ignored.
func (r *Ring) Add(nodes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, node := range nodes {
		if _, ok := r.nodes[node]; ok {
			continue
		}
		r.nodes[node] = struct{}{}
		for i := range r.replicas {
			h := pointHash(node, i)
			// A colliding point keeps its first owner.
			if _, taken := r.owners[h]; taken {
				continue
			}
			r.owners[h] = node
			r.hashes = append(r.hashes, h)
		}
	}
	slices.Sort(r.hashes)
}

// Remove takes node off the ring.
func (r *Ring) Remove(node string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[node]; !ok {
		return
	}
	delete(r.nodes, node)
	r.hashes = slices.DeleteFunc(r.hashes, func(h uint64) bool {
		if r.owners[h] != node {
			return false
		}
		delete(r.owners, h)
		return true
	})
}

// Get returns the node owning key: the first point at or after the key's
// hash, wrapping to the start of the ring.
func (r *Ring) Get(key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.hashes) == 0 {
		return "", false
	}
	h := xxhash.Sum64String(key)
	i := sort.Search(len(r.hashes), func(i int) bool { return r.hashes[i] >= h })
	if i == len(r.hashes) {
		i = 0
	}
	return r.owners[r.hashes[i]], true
}

// Nodes returns the nodes on the ring in sorted order.
func (r *Ring) Nodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.nodes))
	for n := range r.nodes {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

// Len returns the number of nodes.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

func pointHash(node string, i int) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(node)
	_, _ = d.WriteString("#")
	_, _ = d.WriteString(strconv.Itoa(i))
	return d.Sum64()
}
