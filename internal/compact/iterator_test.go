// Copyright 2024 The Shale Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package compact

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/cockroachdb/datadriven"
	"github.com/cockroachdb/errors"
	"github.com/shaledb/shale/internal/base"
	"github.com/stretchr/testify/require"
)

func TestIter(t *testing.T) {
	var kvs []base.InternalKV

	datadriven.RunTest(t, "testdata/iter", func(t *testing.T, d *datadriven.TestData) string {
		switch d.Cmd {
		case "define":
			kvs = kvs[:0]
			for _, line := range strings.Split(d.Input, "\n") {
				kvs = append(kvs, base.ParseInternalKV(line))
			}
			return ""

		case "iter":
			cfg := IterConfig{
				Cmp:   base.DefaultComparer.Compare,
				Merge: base.DefaultMerger.Merge,
			}
			for _, arg := range d.CmdArgs {
				switch arg.Key {
				case "snapshots":
					for _, val := range arg.Vals {
						cfg.Snapshots = append(cfg.Snapshots, base.ParseSeqNum(val))
					}
				case "elide-tombstones":
					cfg.ElideTombstone = func([]byte) bool { return true }
				case "allow-zero-seqnum":
					cfg.AllowZeroSeqNum = true
				case "proximal-after":
					cfg.ProximalOutput = true
					cfg.ProximalAfterSeqNum = base.ParseSeqNum(arg.Vals[0])
				case "lower":
					cfg.LowerBound = []byte(arg.Vals[0])
				case "upper":
					cfg.UpperBound = []byte(arg.Vals[0])
				default:
					d.Fatalf(t, "unknown argument: %s", arg.Key)
				}
			}
			iter := NewIter(cfg, base.NewFakeIter(kvs))
			var b bytes.Buffer
			var kv *base.InternalKV
			for _, line := range strings.Split(d.Input, "\n") {
				switch line {
				case "first":
					kv = iter.First()
				case "next":
					kv = iter.Next()
				case "stats":
					s := iter.Stats()
					fmt.Fprintf(&b, "input:%d emitted:%d superseded:%d obsolete:%d single-del:%d merge-folded:%d out-of-range:%d\n",
						s.InputRecords, s.EmittedRecords,
						s.Dropped.Superseded, s.Dropped.ObsoleteTombstone,
						s.Dropped.SingleDelConsumed, s.Dropped.MergeFolded,
						s.Dropped.OutOfRange)
					continue
				default:
					d.Fatalf(t, "unknown op: %s", line)
				}
				switch {
				case kv != nil && cfg.ProximalOutput:
					fmt.Fprintf(&b, "%s:%s [%s]\n", kv.K, kv.V, iter.Placement())
				case kv != nil:
					fmt.Fprintf(&b, "%s:%s\n", kv.K, kv.V)
				case iter.Error() != nil:
					fmt.Fprintf(&b, "err=%v\n", iter.Error())
				default:
					fmt.Fprintf(&b, ".\n")
				}
			}
			return b.String()

		default:
			d.Fatalf(t, "unknown command: %s", d.Cmd)
			return ""
		}
	})
}

// TestIterConservation drives a mixed input to exhaustion and checks that
// every pulled record was either emitted or tallied under exactly one
// dropped-records reason.
func TestIterConservation(t *testing.T) {
	input := []string{
		"a#10,SET:j",
		"a#8,MERGE:h",
		"b#12,MERGE:2",
		"b#11,MERGE:1",
		"b#4,SET:0",
		"c#3,SINGLEDEL:",
		"c#2,SET:x",
		"d#9,DEL:",
		"d#8,SET:y",
		"e#1,MERGE:e",
	}
	kvs := make([]base.InternalKV, len(input))
	for i := range input {
		kvs[i] = base.ParseInternalKV(input[i])
	}
	cfg := IterConfig{
		Cmp:   base.DefaultComparer.Compare,
		Merge: base.DefaultMerger.Merge,
	}
	iter := NewIter(cfg, base.NewFakeIter(kvs))

	var emitted uint64
	for kv := iter.First(); kv != nil; kv = iter.Next() {
		emitted++
	}
	require.NoError(t, iter.Error())
	require.NoError(t, iter.Close())

	s := iter.Stats()
	require.Equal(t, uint64(len(kvs)), s.InputRecords)
	require.Equal(t, emitted, s.EmittedRecords)
	require.Equal(t, s.InputRecords, s.EmittedRecords+s.Dropped.Total())
	require.Equal(t, DroppedCounts{
		Superseded:        2,
		SingleDelConsumed: 2,
		MergeFolded:       2,
	}, s.Dropped)
}

func TestIterError(t *testing.T) {
	kvs := []base.InternalKV{base.ParseInternalKV("a#2,SET:a")}
	fake := base.NewFakeIter(kvs)
	fake.SetCloseErr(errors.New("injected"))

	cfg := IterConfig{Cmp: base.DefaultComparer.Compare}
	iter := NewIter(cfg, fake)

	// The record streams through; the error surfaces at exhaustion.
	kv := iter.First()
	require.NotNil(t, kv)
	require.Nil(t, iter.Next())
	require.EqualError(t, iter.Error(), "injected")
	require.EqualError(t, iter.Close(), "injected")
}

func TestNewIterUnsortedSnapshots(t *testing.T) {
	require.Panics(t, func() {
		NewIter(IterConfig{
			Cmp:       base.DefaultComparer.Compare,
			Snapshots: Snapshots{5, 2},
		}, base.NewFakeIter(nil))
	})
}
