// Copyright 2023 The Shale Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package base

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInternalKey(t *testing.T) {
	k := MakeInternalKey([]byte("foo"), 0x08070605040302, 1)
	buf := make([]byte, k.Size())
	k.Encode(buf)
	if got, want := string(buf), "foo\x01\x02\x03\x04\x05\x06\x07\x08"; got != want {
		t.Fatalf("k = %q want %q", got, want)
	}
	d := DecodeInternalKey(buf)
	if !d.Valid() {
		t.Fatalf("invalid key")
	}
	if got, want := string(d.UserKey), "foo"; got != want {
		t.Errorf("ukey = %q want %q", got, want)
	}
	if got, want := d.Kind(), InternalKeyKindSet; got != want {
		t.Errorf("kind = %d want %d", got, want)
	}
	if got, want := d.SeqNum(), SeqNum(0x08070605040302); got != want {
		t.Errorf("seqNum = %d want %d", got, want)
	}
}

func TestInvalidInternalKey(t *testing.T) {
	testCases := []string{
		"",
		"\x01\x02\x03\x04\x05\x06\x07",
		"foo",
		"foo\x08\x07\x06\x05\x04\x03\x02",
		"foo\x13\x07\x06\x05\x04\x03\x02\x01",
	}
	for _, tc := range testCases {
		k := DecodeInternalKey([]byte(tc))
		if k.Valid() {
			t.Errorf("%q is a valid key, want invalid", tc)
		}
	}
}

func TestInternalCompare(t *testing.T) {
	// Internal keys in sorted order: ascending user key, then descending
	// sequence number, then descending kind.
	keys := []InternalKey{
		ParseInternalKey("a#inf,SET"),
		ParseInternalKey("a#101,MERGE"),
		ParseInternalKey("a#101,SET"),
		ParseInternalKey("a#101,DEL"),
		ParseInternalKey("a#100,SET"),
		ParseInternalKey("b#102,SET"),
		ParseInternalKey("b#0,DEL"),
		ParseInternalKey("c#5,SINGLEDEL"),
	}
	for i := range keys {
		for j := range keys {
			got := InternalCompare(DefaultComparer.Compare, keys[i], keys[j])
			want := 0
			if i < j {
				want = -1
			} else if i > j {
				want = +1
			}
			if got != want {
				t.Errorf("i=%d, j=%d, keys[i]=%s, keys[j]=%s: got %d, want %d",
					i, j, keys[i], keys[j], got, want)
			}
		}
	}
}

func TestParseInternalKeyRoundTrip(t *testing.T) {
	for _, s := range []string{
		"foo#10,SET",
		"bar#inf,DEL",
		"baz#0,MERGE",
		"qux#22,SINGLEDEL",
		"quux#7,SETWITHDEL",
	} {
		if got := ParseInternalKey(s).String(); got != s {
			t.Errorf("%q round-tripped to %q", s, got)
		}
	}
}

func TestTrailer(t *testing.T) {
	tr := MakeTrailer(7, InternalKeyKindSet)
	require.Equal(t, SeqNum(7), tr.SeqNum())
	require.Equal(t, InternalKeyKindSet, tr.Kind())
	require.Equal(t, "7,SET", tr.String())

	k := MakeInternalKey([]byte("a"), 7, InternalKeyKindSet)
	k.SetSeqNum(9)
	require.Equal(t, SeqNum(9), k.SeqNum())
	require.Equal(t, InternalKeyKindSet, k.Kind())
	k.SetKind(InternalKeyKindDelete)
	require.Equal(t, SeqNum(9), k.SeqNum())
	require.Equal(t, InternalKeyKindDelete, k.Kind())
}

func TestVisible(t *testing.T) {
	testCases := []struct {
		seqNum   SeqNum
		snapshot SeqNum
		want     bool
	}{
		{5, 5, false},
		{5, 6, true},
		{6, 5, false},
		{0, 0, false},
		{0, 1, true},
		{5, SeqNumMax, true},
		{SeqNumMax, 0, true},
		{SeqNumMax, SeqNumMax, true},
	}
	for _, tc := range testCases {
		if got := Visible(tc.seqNum, tc.snapshot); got != tc.want {
			t.Errorf("Visible(%s, %s) = %v, want %v", tc.seqNum, tc.snapshot, got, tc.want)
		}
	}
}

func TestInternalKeySeparator(t *testing.T) {
	testCases := []struct {
		a, b, want string
	}{
		// A shortened separator gets the maximal trailer so it sorts before
		// any real key with the same user key.
		{"foo#1,SET", "hello", "g#inf,SEPARATOR"},
		// No shortening is possible; the separator is the key itself.
		{"foo#1,SET", "fop", "foo#1,SET"},
		{"foo#1,SET", "foo2", "foo#1,SET"},
	}
	for _, tc := range testCases {
		a := ParseInternalKey(tc.a)
		b := MakeSearchKey([]byte(tc.b))
		sep := a.Separator(DefaultComparer.Compare, DefaultComparer.Separator, nil, b)
		if got := sep.String(); got != tc.want {
			t.Errorf("Separator(%s, %s) = %s, want %s", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestInternalKeyClone(t *testing.T) {
	buf := []byte("foo")
	k := MakeInternalKey(buf, 10, InternalKeyKindSet)
	c := k.Clone()
	buf[0] = 'g'
	require.Equal(t, "foo#10,SET", c.String())
	require.Equal(t, "goo#10,SET", k.String())
}
