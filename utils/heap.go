package utils

import "golang.org/x/exp/constraints"

type heapEntry[K constraints.Ordered, V any] struct {
	key K
	val V
}

// Heap is a min-heap of key/value pairs ordered by key. Used to hold
// received messages until their ordering dependency (a tick) is satisfied.
type Heap[K constraints.Ordered, V any] struct {
	buf []heapEntry[K, V]
}

func (h *Heap[K, V]) Len() int {
	return len(h.buf)
}

// Push pushes the pair onto the heap.
// The complexity is O(log n) where n = h.Len().
func (h *Heap[K, V]) Push(key K, val V) {
	h.buf = append(h.buf, heapEntry[K, V]{key, val})
	h.up(h.Len() - 1)
}

// Peek returns the minimum key without removing it.
func (h *Heap[K, V]) Peek() (key K, val V, ok bool) {
	if len(h.buf) == 0 {
		return
	}
	return h.buf[0].key, h.buf[0].val, true
}

// Pop removes and returns the pair with the minimum key.
// The complexity is O(log n) where n = h.Len().
func (h *Heap[K, V]) Pop() (key K, val V) {
	min := h.buf[0]
	n := h.Len() - 1
	h.swap(0, n)
	h.down(0, n)
	h.buf = h.buf[0:n]
	return min.key, min.val
}

func (h *Heap[K, V]) swap(i, j int) {
	h.buf[i], h.buf[j] = h.buf[j], h.buf[i]
}

func (h *Heap[K, V]) up(j int) {
	for {
		i := (j - 1) / 2 // parent
		if i == j || !(h.buf[j].key < h.buf[i].key) {
			break
		}
		h.swap(i, j)
		j = i
	}
}

func (h *Heap[K, V]) down(i0, n int) bool {
	i := i0
	for {
		j1 := 2*i + 1
		if j1 >= n || j1 < 0 { // j1 < 0 after int overflow
			break
		}
		j := j1 // left child
		if j2 := j1 + 1; j2 < n && h.buf[j2].key < h.buf[j1].key {
			j = j2 // = 2*i + 2  // right child
		}
		if !(h.buf[j].key < h.buf[i].key) {
			break
		}
		h.swap(i, j)
		i = j
	}
	return i > i0
}
