// Copyright 2023 The Shale Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package tool contains the introspection commands behind the shale CLI:
// manifest dumping and checking, table inspection, and offline execution of
// service compaction jobs.
package tool

import (
	"github.com/shaledb/shale"
	"github.com/shaledb/shale/internal/base"
	"github.com/shaledb/shale/vfs"
	"github.com/spf13/cobra"
)

// Comparer exports the base.Comparer type.
type Comparer = base.Comparer

// Merger exports the base.Merger type.
type Merger = base.Merger

// T is the container for all of the introspection tools.
type T struct {
	Commands []*cobra.Command
	manifest *manifestT
	sstable  *sstableT
	service  *serviceT

	opts      shale.Options
	comparers map[string]*Comparer
	mergers   map[string]*Merger
}

// New creates a new introspection tool. Catalogs written with a custom
// comparer or merger are readable after the caller registers it.
func New() *T {
	t := &T{
		opts:      shale.Options{FS: vfs.Default},
		comparers: make(map[string]*Comparer),
		mergers:   make(map[string]*Merger),
	}

	t.RegisterComparer(base.DefaultComparer)
	t.RegisterMerger(base.DefaultMerger)

	t.manifest = newManifest(&t.opts, t.comparers)
	t.sstable = newSSTable(&t.opts, t.comparers)
	t.service = newService(&t.opts, t.comparers, t.mergers)
	t.Commands = []*cobra.Command{
		t.manifest.Root,
		t.sstable.Root,
		t.service.Root,
	}
	return t
}

// RegisterComparer registers a comparer for use by the introspection tools.
func (t *T) RegisterComparer(c *Comparer) {
	t.comparers[c.Name] = c
}

// RegisterMerger registers a merger for use by the introspection tools.
func (t *T) RegisterMerger(m *Merger) {
	t.mergers[m.Name] = m
}
