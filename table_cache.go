// Copyright 2023 The Shale Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package shale

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/swiss"
	"github.com/shaledb/shale/internal/base"
	"github.com/shaledb/shale/sstable"
	"github.com/shaledb/shale/vfs"
)

// tableCache caches open sstable readers. A compaction job opens each of its
// inputs once, but concurrent jobs and paranoid verification may open the
// same table repeatedly. Readers are refcounted: the cache holds one
// reference for as long as the table is resident, and every open iterator
// holds another. A reader is closed when its last reference is released,
// which may be after the table has been evicted.
type tableCache struct {
	dirname string
	fs      vfs.FS
	opts    sstable.ReaderOptions
	size    int

	mu struct {
		sync.Mutex
		nodes swiss.Map[base.DiskFileNum, *tableCacheNode]
		// lru is a doubly-linked list sentinel. lru.next is the most
		// recently used node, lru.prev the least.
		lru tableCacheNode
	}

	iterCount atomic.Int32
	releasing sync.WaitGroup
}

func (c *tableCache) init(dirname string, fs vfs.FS, opts sstable.ReaderOptions, size int) {
	c.dirname = dirname
	c.fs = fs
	c.opts = opts
	if size < 1 {
		size = 1
	}
	c.size = size
	c.mu.nodes.Init(size)
	c.mu.lru.next = &c.mu.lru
	c.mu.lru.prev = &c.mu.lru
}

// findNode returns the node for the given table, loading the reader if the
// table is not resident. The caller is responsible for decrementing the
// returned node's reference count via unrefNode.
func (c *tableCache) findNode(fileNum base.DiskFileNum) *tableCacheNode {
	c.mu.Lock()
	if n, ok := c.mu.nodes.Get(fileNum); ok {
		// Move the node to the front of the LRU list.
		n.next.prev = n.prev
		n.prev.next = n.next
		n.next = c.mu.lru.next
		n.prev = &c.mu.lru
		n.next.prev = n
		n.prev.next = n
		n.refCount++
		c.mu.Unlock()
		<-n.loaded
		return n
	}

	if c.mu.nodes.Len() >= c.size {
		// Evict the least recently used node. Open iterators keep the
		// evicted reader alive until they close.
		c.releaseNodeLocked(c.mu.lru.prev)
	}

	n := &tableCacheNode{
		fileNum: fileNum,
		loaded:  make(chan struct{}),
		// One reference for the cache, one for the caller.
		refCount: 2,
	}
	c.mu.nodes.Put(fileNum, n)
	n.next = c.mu.lru.next
	n.prev = &c.mu.lru
	n.next.prev = n
	n.prev.next = n
	c.mu.Unlock()

	// The load is performed outside the mutex. Concurrent lookups of the
	// same table find the node in the map and block on n.loaded.
	n.load(c)
	return n
}

// releaseNodeLocked removes the node from the cache, releasing the cache's
// reference. Requires c.mu.
func (c *tableCache) releaseNodeLocked(n *tableCacheNode) {
	c.mu.nodes.Delete(n.fileNum)
	n.next.prev = n.prev
	n.prev.next = n.next
	n.next = nil
	n.prev = nil
	n.refCount--
	if n.refCount == 0 {
		c.releasing.Add(1)
		go n.release(c)
	}
}

func (c *tableCache) unrefNode(n *tableCacheNode) {
	c.mu.Lock()
	n.refCount--
	release := n.refCount == 0
	c.mu.Unlock()
	if release {
		c.releasing.Add(1)
		go n.release(c)
	}
}

// newIter returns an iterator over the given table. Closing the iterator
// releases the underlying reader reference.
func (c *tableCache) newIter(fileNum base.DiskFileNum) (base.InternalIterator, error) {
	n := c.findNode(fileNum)
	if n.err != nil {
		err := n.err
		c.unrefNode(n)
		return nil, err
	}
	iter, err := n.reader.NewIter()
	if err != nil {
		c.unrefNode(n)
		return nil, err
	}
	c.iterCount.Add(1)
	return &tableCacheIter{InternalIterator: iter, cache: c, node: n}, nil
}

// withReader invokes fn with the reader for the given table, holding a
// reference for the duration of the call.
func (c *tableCache) withReader(fileNum base.DiskFileNum, fn func(*sstable.Reader) error) error {
	n := c.findNode(fileNum)
	defer c.unrefNode(n)
	if n.err != nil {
		return n.err
	}
	return fn(n.reader)
}

// evict removes the table from the cache if resident. It must be called
// before the table's file is deleted from the filesystem.
func (c *tableCache) evict(fileNum base.DiskFileNum) {
	c.mu.Lock()
	if n, ok := c.mu.nodes.Get(fileNum); ok {
		c.releaseNodeLocked(n)
	}
	c.mu.Unlock()
}

func (c *tableCache) Close() error {
	c.mu.Lock()
	if v := c.iterCount.Load(); v > 0 {
		c.mu.Unlock()
		return errors.Errorf("shale: %d leaked table iterators", errors.Safe(v))
	}
	for n := c.mu.lru.next; n != &c.mu.lru; {
		next := n.next
		c.mu.nodes.Delete(n.fileNum)
		n.next = nil
		n.prev = nil
		n.refCount--
		if n.refCount == 0 {
			c.releasing.Add(1)
			go n.release(c)
		}
		n = next
	}
	c.mu.lru.next = &c.mu.lru
	c.mu.lru.prev = &c.mu.lru
	c.mu.Unlock()

	c.releasing.Wait()
	return nil
}

type tableCacheNode struct {
	fileNum base.DiskFileNum
	reader  *sstable.Reader
	err     error
	loaded  chan struct{}

	// The remaining fields are protected by tableCache.mu.

	next, prev *tableCacheNode
	refCount   int32
}

func (n *tableCacheNode) load(c *tableCache) {
	f, err := c.fs.Open(base.MakeFilepath(c.fs, c.dirname, base.FileTypeTable, n.fileNum))
	if err != nil {
		n.err = err
		close(n.loaded)
		return
	}
	n.reader, n.err = sstable.NewReader(f, c.opts)
	close(n.loaded)
}

func (n *tableCacheNode) release(c *tableCache) {
	<-n.loaded
	// Nothing to be done about an error at this point. Close the reader if
	// it is open.
	if n.reader != nil {
		_ = n.reader.Close()
	}
	c.releasing.Done()
}

type tableCacheIter struct {
	base.InternalIterator
	cache  *tableCache
	node   *tableCacheNode
	closed bool
}

func (i *tableCacheIter) Close() error {
	if i.closed {
		return nil
	}
	i.closed = true
	err := i.InternalIterator.Close()
	i.cache.iterCount.Add(-1)
	i.cache.unrefNode(i.node)
	return err
}
