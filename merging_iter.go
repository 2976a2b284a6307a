// Copyright 2023 The Shale Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package shale

import "github.com/shaledb/shale/internal/base"

type mergingIterItem struct {
	index int
	kv    *base.InternalKV
}

type mergingIterHeap struct {
	cmp   base.Compare
	items []mergingIterItem
}

func (h *mergingIterHeap) len() int {
	return len(h.items)
}

func (h *mergingIterHeap) less(i, j int) bool {
	ikv, jkv := h.items[i].kv, h.items[j].kv
	if c := base.InternalCompare(h.cmp, ikv.K, jkv.K); c != 0 {
		return c < 0
	}
	return h.items[i].index < h.items[j].index
}

func (h *mergingIterHeap) swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
}

// init, fix, pop, up and down are copied from the go stdlib.

func (h *mergingIterHeap) init() {
	n := h.len()
	for i := n/2 - 1; i >= 0; i-- {
		h.down(i, n)
	}
}

func (h *mergingIterHeap) fix(i int) {
	if !h.down(i, h.len()) {
		h.up(i)
	}
}

func (h *mergingIterHeap) pop() *mergingIterItem {
	n := h.len() - 1
	h.swap(0, n)
	h.down(0, n)
	item := &h.items[n]
	h.items = h.items[:n]
	return item
}

func (h *mergingIterHeap) up(j int) {
	for {
		i := (j - 1) / 2 // parent
		if i == j || !h.less(j, i) {
			break
		}
		h.swap(i, j)
		j = i
	}
}

func (h *mergingIterHeap) down(i0, n int) bool {
	i := i0
	for {
		j1 := 2*i + 1
		if j1 >= n || j1 < 0 { // j1 < 0 after int overflow
			break
		}
		j := j1 // left child
		if j2 := j1 + 1; j2 < n && h.less(j2, j1) {
			j = j2
		}
		if !h.less(j, i) {
			break
		}
		h.swap(i, j)
		i = j
	}
	return i > i0
}

// mergingIter provides a merged view of multiple iterators over the sorted
// runs feeding a compaction. Walking the resultant iterator returns all
// key/value pairs of all input iterators in strictly increasing
// InternalCompare order.
//
// The inputs' key ranges may overlap and may contain multiple entries for
// the same user key (at distinct sequence numbers); collapsing those is the
// job of compact.Iter, which consumes a mergingIter.
type mergingIter struct {
	iters []base.InternalIterator
	heap  mergingIterHeap
	err   error
}

var _ base.InternalIterator = (*mergingIter)(nil)

// newMergingIter returns an iterator that merges its inputs. None of the
// iters may be nil.
func newMergingIter(cmp base.Compare, iters ...base.InternalIterator) *mergingIter {
	m := &mergingIter{iters: iters}
	m.heap.cmp = cmp
	m.heap.items = make([]mergingIterItem, 0, len(iters))
	return m
}

// initHeap builds the heap from the kvs the children are currently
// positioned at. A nil kv with a non-nil child error poisons the iterator.
func (m *mergingIter) initHeap(kvs []*base.InternalKV) *base.InternalKV {
	m.heap.items = m.heap.items[:0]
	for i, kv := range kvs {
		if kv == nil {
			if err := m.iters[i].Error(); err != nil {
				m.err = err
				return nil
			}
			continue
		}
		m.heap.items = append(m.heap.items, mergingIterItem{index: i, kv: kv})
	}
	m.heap.init()
	return m.cur()
}

func (m *mergingIter) cur() *base.InternalKV {
	if m.err != nil || m.heap.len() == 0 {
		return nil
	}
	return m.heap.items[0].kv
}

// First is part of the base.InternalIterator interface.
func (m *mergingIter) First() *base.InternalKV {
	if m.err != nil {
		return nil
	}
	kvs := make([]*base.InternalKV, len(m.iters))
	for i, t := range m.iters {
		kvs[i] = t.First()
	}
	return m.initHeap(kvs)
}

// SeekGE is part of the base.InternalIterator interface.
func (m *mergingIter) SeekGE(key []byte) *base.InternalKV {
	if m.err != nil {
		return nil
	}
	kvs := make([]*base.InternalKV, len(m.iters))
	for i, t := range m.iters {
		kvs[i] = t.SeekGE(key)
	}
	return m.initHeap(kvs)
}

// Next is part of the base.InternalIterator interface.
func (m *mergingIter) Next() *base.InternalKV {
	if m.err != nil || m.heap.len() == 0 {
		return nil
	}
	item := &m.heap.items[0]
	iter := m.iters[item.index]
	if kv := iter.Next(); kv != nil {
		item.kv = kv
		m.heap.fix(0)
		return m.cur()
	}
	if m.err = iter.Error(); m.err != nil {
		return nil
	}
	m.heap.pop()
	return m.cur()
}

// Error is part of the base.InternalIterator interface.
func (m *mergingIter) Error() error {
	return m.err
}

// Close is part of the base.InternalIterator interface. It closes all child
// iterators; the first error encountered is retained.
func (m *mergingIter) Close() error {
	for _, iter := range m.iters {
		if err := iter.Close(); err != nil && m.err == nil {
			m.err = err
		}
	}
	m.iters = nil
	m.heap.items = nil
	return m.err
}
