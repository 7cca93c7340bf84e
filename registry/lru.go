// Package registry implements the archive cache and lifecycle manager: the
// bounded, TTL-governed, at-most-once-admission set of resident archives.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package registry

import (
	"container/heap"
	"time"

	"github.com/dat-gateway/datgate/cmn"
)

// lruNode is one entry in the min-heap, ordered by lastAccess. Keeping a
// pointer to the node (rather than re-scanning lastAccess on every touch,
// as a short-lived per-sweep disk-LRU jogger would) lets a long-lived
// registry touch a key in O(log n) via heap.Fix instead of rebuilding the
// whole heap.
type lruNode struct {
	key        cmn.ArchiveKey
	lastAccess time.Time
	idx        int
}

type lruHeap []*lruNode

func (h lruHeap) Len() int           { return len(h) }
func (h lruHeap) Less(i, j int) bool { return h[i].lastAccess.Before(h[j].lastAccess) }
func (h lruHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].idx, h[j].idx = i, j
}
func (h *lruHeap) Push(x any) {
	n := x.(*lruNode)
	n.idx = len(*h)
	*h = append(*h, n)
}
func (h *lruHeap) Pop() any {
	old := *h
	last := len(old) - 1
	n := old[last]
	old[last] = nil
	*h = old[:last]
	return n
}

// lru tracks resident keys ordered by recency. All methods assume the
// registry's mutex is already held by the caller.
type lru struct {
	heap  lruHeap
	nodes map[cmn.ArchiveKey]*lruNode
}

func newLRU() *lru {
	return &lru{nodes: make(map[cmn.ArchiveKey]*lruNode)}
}

// touch inserts key if absent, or updates its position if present.
func (l *lru) touch(key cmn.ArchiveKey, now time.Time) {
	if n, ok := l.nodes[key]; ok {
		n.lastAccess = now
		heap.Fix(&l.heap, n.idx)
		return
	}
	n := &lruNode{key: key, lastAccess: now}
	heap.Push(&l.heap, n)
	l.nodes[key] = n
}

func (l *lru) remove(key cmn.ArchiveKey) {
	n, ok := l.nodes[key]
	if !ok {
		return
	}
	heap.Remove(&l.heap, n.idx)
	delete(l.nodes, key)
}

// oldest returns the key with the smallest lastAccess, or false if empty.
func (l *lru) oldest() (cmn.ArchiveKey, bool) {
	if len(l.heap) == 0 {
		return cmn.ArchiveKey{}, false
	}
	return l.heap[0].key, true
}

func (l *lru) len() int { return len(l.heap) }

// expired returns every key whose lastAccess is older than now.Add(-ttl).
func (l *lru) expired(now time.Time, ttl time.Duration) []cmn.ArchiveKey {
	var out []cmn.ArchiveKey
	cutoff := now.Add(-ttl)
	for _, n := range l.heap {
		if n.lastAccess.Before(cutoff) {
			out = append(out, n.key)
		}
	}
	return out
}
