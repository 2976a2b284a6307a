// Copyright 2023 The Shale Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package shale

import (
	"math"

	"github.com/shaledb/shale/internal/base"
)

// Snapshot pins a point in the catalog's sequence number history. While a
// snapshot is open, compactions preserve the newest version of each key that
// is visible at the snapshot's sequence number, rather than collapsing the
// key's history down to its latest version.
//
// Snapshots do not provide a read path. They exist to bound what compactions
// may elide, for callers that read table contents directly.
type Snapshot struct {
	// The catalog the snapshot was created from.
	c      *Catalog
	seqNum base.SeqNum

	// The list the snapshot is linked into.
	list *snapshotList

	// The next/prev link for the snapshotList doubly-linked list of snapshots.
	prev, next *Snapshot
}

// Close closes the snapshot, releasing its pin on the sequence number
// history. Keys shadowed or deleted below the snapshot's sequence number
// become eligible for elision by subsequent compactions. It is not valid to
// close a snapshot twice.
func (s *Snapshot) Close() error {
	c := s.c
	if c == nil {
		panic(ErrClosed)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mu.snapshots.remove(s)
	s.c = nil
	return nil
}

// snapshotList is a doubly-linked circular list of open snapshots, ordered
// by ascending sequence number.
type snapshotList struct {
	root Snapshot
}

func (l *snapshotList) init() {
	l.root.next = &l.root
	l.root.prev = &l.root
}

func (l *snapshotList) empty() bool {
	return l.root.next == &l.root
}

func (l *snapshotList) count() int {
	if l.empty() {
		return 0
	}
	var count int
	for i := l.root.next; i != &l.root; i = i.next {
		count++
	}
	return count
}

func (l *snapshotList) earliest() base.SeqNum {
	v := base.SeqNum(math.MaxUint64)
	if !l.empty() {
		v = l.root.next.seqNum
	}
	return v
}

func (l *snapshotList) toSlice() []base.SeqNum {
	if l.empty() {
		return nil
	}
	var results []base.SeqNum
	for i := l.root.next; i != &l.root; i = i.next {
		results = append(results, i.seqNum)
	}
	return results
}

func (l *snapshotList) pushBack(s *Snapshot) {
	if s.list != nil || s.prev != nil || s.next != nil {
		panic("shale: snapshot list is inconsistent")
	}
	s.prev = l.root.prev
	s.prev.next = s
	s.next = &l.root
	s.next.prev = s
	s.list = l
}

func (l *snapshotList) remove(s *Snapshot) {
	if s == &l.root {
		panic("shale: cannot remove snapshot list root node")
	}
	if s.list != l {
		panic("shale: snapshot list is inconsistent")
	}
	s.prev.next = s.next
	s.next.prev = s.prev
	s.next = nil // avoid memory leaks
	s.prev = nil // avoid memory leaks
	s.list = nil // avoid memory leaks
}
