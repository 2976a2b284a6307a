// Copyright 2023 The Shale Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package shale

import (
	"testing"

	"github.com/shaledb/shale/internal/base"
	"github.com/shaledb/shale/internal/manifest"
	"github.com/stretchr/testify/require"
)

func TestOptionsEnsureDefaults(t *testing.T) {
	var o Options
	o.EnsureDefaults()

	require.Equal(t, base.DefaultComparer, o.Comparer)
	require.Equal(t, base.DefaultMerger, o.Merger)
	require.NotNil(t, o.FS)
	require.NotNil(t, o.Logger)
	require.NotNil(t, o.EventListener)
	require.NotNil(t, o.EventListener.CompactionEnd)
	require.Equal(t, DeleteCleaner{}, o.Cleaner)
	require.Equal(t, 1, o.MaxSubcompactions)
	require.Equal(t, 1, o.MaxConcurrentCompactions)
	require.NotNil(t, o.CompactionScheduler)
	require.Equal(t, 256, o.TableCacheSize)
	require.Equal(t, int64(128<<20), o.MaxManifestFileSize)

	for i := range o.Levels {
		l := o.Levels[i]
		require.Equal(t, 16, l.BlockRestartInterval)
		require.Equal(t, 4096, l.BlockSize)
		require.Equal(t, SnappyCompression, l.Compression)
		require.Equal(t, uint64(2<<20)<<uint(i), l.TargetFileSize)
	}

	// Configured values are left alone; later levels inherit them.
	o = Options{MaxSubcompactions: 7}
	o.Levels[2].TargetFileSize = 1 << 20
	o.Levels[3].BlockSize = 8192
	o.EnsureDefaults()
	require.Equal(t, 7, o.MaxSubcompactions)
	require.Equal(t, uint64(1<<20), o.Levels[2].TargetFileSize)
	require.Equal(t, uint64(2<<20), o.Levels[3].TargetFileSize)
	require.Equal(t, 8192, o.Levels[3].BlockSize)
	require.Equal(t, 8192, o.Levels[4].BlockSize)
}

func TestOptionsLevelClamped(t *testing.T) {
	var o Options
	o.EnsureDefaults()
	require.Equal(t, o.Levels[0], o.Level(-1))
	require.Equal(t, o.Levels[manifest.NumLevels-1], o.Level(manifest.NumLevels))
	require.Equal(t, o.Levels[manifest.NumLevels-1], o.Level(99))
}

func TestOptionsStringParse(t *testing.T) {
	var o Options
	o.MaxSubcompactions = 5
	o.MaxConcurrentCompactions = 3
	o.ParanoidChecks = true
	o.TableCacheSize = 17
	o.TargetByteDeletionRate = 1 << 20
	o.TargetByteWriteRate = 2 << 20
	o.Levels[3].BlockSize = 8192
	o.Levels[3].Compression = ZstdCompression
	o.Levels[5].TargetFileSize = 33 << 20
	o.EnsureDefaults()
	serialized := o.String()

	var parsed Options
	parsed.EnsureDefaults()
	require.NoError(t, parsed.Parse(serialized))
	require.Equal(t, 5, parsed.MaxSubcompactions)
	require.Equal(t, 3, parsed.MaxConcurrentCompactions)
	require.True(t, parsed.ParanoidChecks)
	require.Equal(t, 17, parsed.TableCacheSize)
	require.Equal(t, 1<<20, parsed.TargetByteDeletionRate)
	require.Equal(t, 8192, parsed.Levels[3].BlockSize)
	require.Equal(t, ZstdCompression, parsed.Levels[3].Compression)
	require.Equal(t, uint64(33<<20), parsed.Levels[5].TargetFileSize)

	// A parse round trip reproduces the serialization byte for byte.
	require.Equal(t, serialized, parsed.String())
}

func TestOptionsParseErrors(t *testing.T) {
	newOpts := func() *Options {
		var o Options
		return o.EnsureDefaults()
	}
	testCases := []struct {
		input    string
		expected string
	}{
		{"[Options]\ncomparer=other\n", "comparer name from file"},
		{"[Options]\nmerger=other\n", "merger name from file"},
		{"[Options]\ncleaner=archive\n", "cleaner name from file"},
		{"[Options]\nmax_subcompactions=x\n", `parsing option "max_subcompactions"`},
		{"[Options\n", "invalid section"},
		{"[Options]\nno-equals-sign\n", "invalid key=value syntax"},
		{"[Level \"2\"]\ncompression=lzma\n", "unknown compression"},
	}
	for _, c := range testCases {
		err := newOpts().Parse(c.input)
		require.Error(t, err, "input %q", c.input)
		require.Contains(t, err.Error(), c.expected)
	}
}

func TestOptionsParseIgnoresUnknown(t *testing.T) {
	var o Options
	o.EnsureDefaults()
	require.NoError(t, o.Parse("[Options]\nfrom_the_future=1\n\n[Galaxy]\nspiral=yes\n"))
	require.NoError(t, o.Parse("# comment\n; another\n\n[Level \"1\"]\nshiny=2\n"))

	// Unknown level sections are ignored rather than exploding the array.
	require.NoError(t, o.Parse("[Level \"99\"]\nblock_size=1\n"))
	require.Equal(t, 4096, o.Levels[manifest.NumLevels-1].BlockSize)
}

func TestOptionsCheck(t *testing.T) {
	var o Options
	o.EnsureDefaults()
	require.NoError(t, o.Check(o.String()))
	require.Error(t, o.Check("[Options]\ncomparer=other\n"))
	require.Error(t, o.Check("[Options]\nmerger=other\n"))

	// Check ignores tunables; only identity-bearing names must match.
	require.NoError(t, o.Check("[Options]\nmax_subcompactions=99\n"))
}

func TestOptionsValidate(t *testing.T) {
	var o Options
	o.EnsureDefaults()
	require.NoError(t, o.Validate())

	o.MaxSubcompactions = -1
	o.TableCacheSize = -2
	err := o.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "MaxSubcompactions")
	require.Contains(t, err.Error(), "TableCacheSize")
}
