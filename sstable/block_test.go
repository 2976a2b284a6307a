// Copyright 2023 The Shale Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package sstable

import (
	"fmt"
	"testing"

	"github.com/shaledb/shale/internal/base"
	"github.com/stretchr/testify/require"
)

func ikey(s string, seqNum base.SeqNum, kind base.InternalKeyKind) base.InternalKey {
	return base.MakeInternalKey([]byte(s), seqNum, kind)
}

func encodeIkey(k base.InternalKey) []byte {
	b := make([]byte, k.Size())
	k.Encode(b)
	return b
}

func TestBlockRoundTrip(t *testing.T) {
	keys := []string{
		"apple", "apricot", "banana", "blueberry", "cherry",
		"grape", "grapefruit", "orange", "peach", "pear",
	}
	for _, restartInterval := range []int{1, 2, 16} {
		t.Run(fmt.Sprintf("restart=%d", restartInterval), func(t *testing.T) {
			w := &blockWriter{restartInterval: restartInterval}
			for j, k := range keys {
				w.add(encodeIkey(ikey(k, base.SeqNum(100+j), base.InternalKeyKindSet)), []byte("val-"+k))
			}
			block := w.finish()

			var it blockIter
			require.NoError(t, it.init(base.DefaultComparer.Compare, block))

			j := 0
			for kv := it.First(); kv != nil; kv = it.Next() {
				require.Equal(t, keys[j], string(kv.K.UserKey))
				require.Equal(t, base.SeqNum(100+j), kv.K.SeqNum())
				require.Equal(t, "val-"+keys[j], string(kv.V))
				j++
			}
			require.NoError(t, it.Error())
			require.Equal(t, len(keys), j)

			for j, k := range keys {
				kv := it.SeekGE([]byte(k))
				require.NotNil(t, kv, "SeekGE(%q)", k)
				require.Equal(t, k, string(kv.K.UserKey))
				require.Equal(t, base.SeqNum(100+j), kv.K.SeqNum())
			}

			// Keys that fall between entries land on the next entry.
			kv := it.SeekGE([]byte("blackberry"))
			require.NotNil(t, kv)
			require.Equal(t, "blueberry", string(kv.K.UserKey))
			kv = it.SeekGE([]byte(""))
			require.NotNil(t, kv)
			require.Equal(t, "apple", string(kv.K.UserKey))
			require.Nil(t, it.SeekGE([]byte("plum")))
		})
	}
}

func TestBlockSameUserKey(t *testing.T) {
	// Multiple records for the same user key are ordered by decreasing
	// sequence number.
	w := &blockWriter{restartInterval: 2}
	w.add(encodeIkey(ikey("a", 9, base.InternalKeyKindSet)), []byte("v9"))
	w.add(encodeIkey(ikey("a", 7, base.InternalKeyKindMerge)), []byte("v7"))
	w.add(encodeIkey(ikey("a", 3, base.InternalKeyKindDelete)), nil)
	w.add(encodeIkey(ikey("b", 5, base.InternalKeyKindSet)), []byte("v5"))

	var it blockIter
	require.NoError(t, it.init(base.DefaultComparer.Compare, w.finish()))

	kv := it.SeekGE([]byte("a"))
	require.NotNil(t, kv)
	require.Equal(t, "a#9,SET", kv.K.String())

	var got []string
	for kv := it.First(); kv != nil; kv = it.Next() {
		got = append(got, kv.K.String())
	}
	require.Equal(t, []string{"a#9,SET", "a#7,MERGE", "a#3,DEL", "b#5,SET"}, got)

	kv = it.SeekGE([]byte("aa"))
	require.NotNil(t, kv)
	require.Equal(t, "b#5,SET", kv.K.String())
}

func TestBlockEmpty(t *testing.T) {
	w := &blockWriter{restartInterval: 16}
	block := w.finish()

	var it blockIter
	require.NoError(t, it.init(base.DefaultComparer.Compare, block))
	require.Nil(t, it.First())
	require.Nil(t, it.SeekGE([]byte("a")))
	require.NoError(t, it.Error())
}

func TestBlockInitErrors(t *testing.T) {
	testCases := []struct {
		data []byte
		want string
	}{
		{[]byte{1, 2, 3}, "block too short"},
		{[]byte{0, 0, 0, 0, 0, 0, 0, 0}, "block has no restart points"},
		{[]byte{1, 0, 0, 0, 9, 0, 0, 0}, "block restart count too large"},
	}
	for _, c := range testCases {
		var it blockIter
		err := it.init(base.DefaultComparer.Compare, c.data)
		require.Error(t, err)
		require.Contains(t, err.Error(), c.want)
		require.True(t, base.IsCorruptionError(err))
	}
}
