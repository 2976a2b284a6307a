// Copyright 2024 The Shale Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package compact

import (
	"fmt"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/shaledb/shale/internal/base"
	"github.com/shaledb/shale/internal/manifest"
	"github.com/shaledb/shale/sstable"
	"github.com/shaledb/shale/vfs"
	"github.com/stretchr/testify/require"
)

// runnerEnv wires a Runner to an in-memory filesystem.
type runnerEnv struct {
	fs          *vfs.MemFS
	nextFileNum base.DiskFileNum
}

func newRunnerEnv() *runnerEnv {
	return &runnerEnv{fs: vfs.NewMem(), nextFileNum: 1}
}

func (e *runnerEnv) newOutput(_ base.Placement) (base.DiskFileNum, *sstable.Writer, error) {
	fileNum := e.nextFileNum
	e.nextFileNum++
	f, err := e.fs.Create(fmt.Sprintf("%s.sst", fileNum))
	if err != nil {
		return 0, nil, err
	}
	return fileNum, sstable.NewWriter(f, sstable.WriterOptions{}), nil
}

// readTable returns the "key:value" contents of an output table.
func (e *runnerEnv) readTable(t *testing.T, fileNum base.DiskFileNum) []string {
	f, err := e.fs.Open(fmt.Sprintf("%s.sst", fileNum))
	require.NoError(t, err)
	r, err := sstable.NewReader(f, sstable.ReaderOptions{})
	require.NoError(t, err)
	iter, err := r.NewIter()
	require.NoError(t, err)
	var contents []string
	for kv := iter.First(); kv != nil; kv = iter.Next() {
		contents = append(contents, fmt.Sprintf("%s:%s", kv.K, kv.V))
	}
	require.NoError(t, iter.Error())
	require.NoError(t, iter.Close())
	require.NoError(t, r.Close())
	return contents
}

func makeKVs(keys ...string) []base.InternalKV {
	kvs := make([]base.InternalKV, len(keys))
	for i := range keys {
		kvs[i] = base.ParseInternalKV(keys[i])
	}
	return kvs
}

func TestRunner(t *testing.T) {
	t.Run("basic", func(t *testing.T) {
		env := newRunnerEnv()
		iter := NewIter(IterConfig{
			Cmp: base.DefaultComparer.Compare,
		}, base.NewFakeIter(makeKVs("a#2,SET:x", "a#1,SET:y", "b#1,DEL:")))
		r := NewRunner(RunnerConfig{}, iter, env.newOutput)
		result := r.Run()
		require.NoError(t, result.Err)

		require.Len(t, result.Tables, 1)
		tbl := result.Tables[0]
		require.Equal(t, base.DiskFileNum(1), tbl.FileNum)
		require.Equal(t, base.PlacePrimary, tbl.Placement)
		require.Equal(t, "a#2,SET", tbl.WriterMeta.Smallest.String())
		require.Equal(t, "b#1,DEL", tbl.WriterMeta.Largest.String())
		require.Equal(t, uint64(2), tbl.WriterMeta.Properties.NumEntries)
		require.Equal(t, uint64(1), tbl.WriterMeta.Properties.NumDeletions)
		require.Equal(t, []string{"a#2,SET:x", "b#1,DEL:"}, env.readTable(t, tbl.FileNum))

		require.Equal(t, tbl.WriterMeta.Size, result.Stats.CumulativeWrittenSize)
		require.Equal(t, IterStats{
			InputRecords:   3,
			EmittedRecords: 2,
			Dropped:        DroppedCounts{Superseded: 1},
		}, result.Stats.IterStats)
	})

	t.Run("empty", func(t *testing.T) {
		env := newRunnerEnv()
		iter := NewIter(IterConfig{
			Cmp: base.DefaultComparer.Compare,
		}, base.NewFakeIter(nil))
		result := NewRunner(RunnerConfig{}, iter, env.newOutput).Run()
		require.NoError(t, result.Err)
		require.Empty(t, result.Tables)
		require.Equal(t, Stats{}, result.Stats)
	})

	t.Run("size-rotation", func(t *testing.T) {
		env := newRunnerEnv()
		// A snapshot keeps both versions of "a" live. A one-byte target file
		// size forces a rotation at every user key boundary, but never
		// between versions of the same key.
		iter := NewIter(IterConfig{
			Cmp:       base.DefaultComparer.Compare,
			Snapshots: Snapshots{2},
		}, base.NewFakeIter(makeKVs("a#3,SET:v3", "a#1,SET:v1", "b#1,SET:v2")))
		result := NewRunner(RunnerConfig{TargetFileSize: 1}, iter, env.newOutput).Run()
		require.NoError(t, result.Err)

		require.Len(t, result.Tables, 2)
		require.Equal(t, []string{"a#3,SET:v3", "a#1,SET:v1"}, env.readTable(t, result.Tables[0].FileNum))
		require.Equal(t, []string{"b#1,SET:v2"}, env.readTable(t, result.Tables[1].FileNum))
		require.Equal(t,
			result.Tables[0].WriterMeta.Size+result.Tables[1].WriterMeta.Size,
			result.Stats.CumulativeWrittenSize)
	})

	t.Run("placement", func(t *testing.T) {
		env := newRunnerEnv()
		// Records alternate between the proximal and primary streams; each
		// stream accumulates into its own table.
		iter := NewIter(IterConfig{
			Cmp:                 base.DefaultComparer.Compare,
			ProximalOutput:      true,
			ProximalAfterSeqNum: 5,
		}, base.NewFakeIter(makeKVs("a#9,SET:1", "b#2,SET:2", "c#9,SET:3", "d#2,SET:4")))
		result := NewRunner(RunnerConfig{}, iter, env.newOutput).Run()
		require.NoError(t, result.Err)

		require.Len(t, result.Tables, 2)
		proximal, primary := result.Tables[0], result.Tables[1]
		require.Equal(t, base.PlaceProximal, proximal.Placement)
		require.Equal(t, base.PlacePrimary, primary.Placement)
		require.Equal(t, []string{"a#9,SET:1", "c#9,SET:3"}, env.readTable(t, proximal.FileNum))
		require.Equal(t, []string{"b#2,SET:2", "d#2,SET:4"}, env.readTable(t, primary.FileNum))
	})

	t.Run("grandparent-limit", func(t *testing.T) {
		env := newRunnerEnv()
		var grandparents []*manifest.TableMetadata
		for _, s := range []string{
			"000101:[a#1,SET-c#1,SET] size:100",
			"000102:[d#1,SET-f#1,SET] size:100",
			"000103:[g#1,SET-i#1,SET] size:100",
		} {
			m, err := manifest.ParseTableMetadataDebug(s)
			require.NoError(t, err)
			grandparents = append(grandparents, m)
		}
		iter := NewIter(IterConfig{
			Cmp: base.DefaultComparer.Compare,
		}, base.NewFakeIter(makeKVs(
			"a#1,SET:a", "b#1,SET:b", "c#1,SET:c", "d#1,SET:d", "e#1,SET:e",
			"f#1,SET:f", "g#1,SET:g", "h#1,SET:h", "i#1,SET:i", "j#1,SET:j",
		)))
		result := NewRunner(RunnerConfig{
			Grandparents:               grandparents,
			MaxGrandparentOverlapBytes: 150,
		}, iter, env.newOutput).Run()
		require.NoError(t, result.Err)

		// Each output table overlaps at most 150 bytes of grandparent data:
		// the run is cut before the grandparent that would push it past.
		require.Len(t, result.Tables, 3)
		require.Equal(t, "a#1,SET", result.Tables[0].WriterMeta.Smallest.String())
		require.Equal(t, "c#1,SET", result.Tables[0].WriterMeta.Largest.String())
		require.Equal(t, "d#1,SET", result.Tables[1].WriterMeta.Smallest.String())
		require.Equal(t, "f#1,SET", result.Tables[1].WriterMeta.Largest.String())
		require.Equal(t, "g#1,SET", result.Tables[2].WriterMeta.Smallest.String())
		require.Equal(t, "j#1,SET", result.Tables[2].WriterMeta.Largest.String())
	})

	t.Run("cancel", func(t *testing.T) {
		env := newRunnerEnv()
		errCanceled := errors.New("compaction canceled")
		var checks int
		iter := NewIter(IterConfig{
			Cmp: base.DefaultComparer.Compare,
		}, base.NewFakeIter(makeKVs("a#1,SET:a", "b#1,SET:b", "c#1,SET:c")))
		result := NewRunner(RunnerConfig{
			CheckCancel: func() error {
				checks++
				if checks > 1 {
					return errCanceled
				}
				return nil
			},
		}, iter, env.newOutput).Run()

		require.ErrorIs(t, result.Err, errCanceled)
		// The in-progress table was abandoned: its file exists for cleanup,
		// but no metadata was recorded for it.
		require.Len(t, result.Tables, 1)
		require.Equal(t, uint64(0), result.Tables[0].WriterMeta.Size)
		require.Equal(t, uint64(0), result.Stats.CumulativeWrittenSize)
	})

	t.Run("bounds-violation", func(t *testing.T) {
		env := newRunnerEnv()
		iter := NewIter(IterConfig{
			Cmp: base.DefaultComparer.Compare,
		}, base.NewFakeIter(makeKVs("c#1,SET:c")))
		result := NewRunner(RunnerConfig{End: []byte("b")}, iter, env.newOutput).Run()
		require.Error(t, result.Err)
		require.Contains(t, result.Err.Error(), "sub-range end")
	})
}
