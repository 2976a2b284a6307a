// Copyright 2023 The Shale Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package base // import "github.com/shaledb/shale/internal/base"

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/redact"
)

// SeqNum is a sequence number defining precedence among identical keys. A key
// with a higher sequence number takes precedence over a key with an equal user
// key of a lower sequence number. Sequence numbers are stored durably within
// the internal key "trailer" as a 7-byte (uint56) uint, and the maximum
// sequence number is 2^56-1. As keys are committed to the engine, they're
// assigned increasing sequence numbers. Snapshots use sequence numbers to read
// a consistent state, ignoring keys with sequence numbers larger than the
// snapshot's.
//
// The engine maintains an invariant that no two point keys with equal user
// keys may have equal sequence numbers. A key's sequence number may be changed
// to zero during compactions when it can be proven that no identical keys with
// lower sequence numbers exist.
type SeqNum uint64

const (
	// SeqNumZero is the zero sequence number, set by compactions if they can
	// guarantee there are no keys underneath an internal key.
	SeqNumZero SeqNum = 0
	// SeqNumStart is the first sequence number assigned to a key. Sequence
	// numbers 1-9 are reserved for potential future use.
	SeqNumStart SeqNum = 10
	// SeqNumMax is the largest valid sequence number.
	SeqNumMax SeqNum = 1<<56 - 1
)

func (s SeqNum) String() string {
	if s == SeqNumMax {
		return "inf"
	}
	return strconv.FormatUint(uint64(s), 10)
}

// SafeFormat implements redact.SafeFormatter.
func (s SeqNum) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Print(redact.SafeString(s.String()))
}

// ParseSeqNum parses the string representation of a sequence number. "inf" is
// supported as the maximum sequence number (mainly used for exclusive end
// keys).
func ParseSeqNum(s string) SeqNum {
	if s == "inf" {
		return SeqNumMax
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		panic(fmt.Sprintf("error parsing %q as seqnum: %s", s, err))
	}
	return SeqNum(n)
}

// InternalKeyKind enumerates the kind of key: a deletion tombstone, a set
// value, a merged value, etc.
type InternalKeyKind uint8

// These constants are part of the file format, and should not be changed.
const (
	InternalKeyKindDelete InternalKeyKind = 0
	InternalKeyKindSet    InternalKeyKind = 1
	InternalKeyKindMerge  InternalKeyKind = 2

	// InternalKeyKindSingleDelete (SINGLEDEL) is a performance optimization
	// solely for compactions (to reduce write amp and space amp). Readers
	// other than compactions should treat SINGLEDEL as equivalent to a DEL.
	InternalKeyKindSingleDelete InternalKeyKind = 7

	// InternalKeyKindSeparator is a key used for separator / successor keys
	// written to sorted-run block indexes.
	InternalKeyKindSeparator InternalKeyKind = 17

	// InternalKeyKindSetWithDelete keys are SET keys that have met with a
	// DELETE or SINGLEDEL key in a prior compaction. Retaining the marker
	// keeps a later SINGLEDEL above such a key from consuming it silently.
	InternalKeyKindSetWithDelete InternalKeyKind = 18

	// This maximum value isn't part of the file format. Future extensions may
	// increase this value.
	InternalKeyKindMax InternalKeyKind = 18

	// A marker for an invalid key.
	InternalKeyKindInvalid InternalKeyKind = 191
)

var internalKeyKindNames = []string{
	InternalKeyKindDelete:        "DEL",
	InternalKeyKindSet:           "SET",
	InternalKeyKindMerge:         "MERGE",
	InternalKeyKindSingleDelete:  "SINGLEDEL",
	InternalKeyKindSeparator:     "SEPARATOR",
	InternalKeyKindSetWithDelete: "SETWITHDEL",
	InternalKeyKindInvalid:       "INVALID",
}

func (k InternalKeyKind) String() string {
	if int(k) < len(internalKeyKindNames) && internalKeyKindNames[k] != "" {
		return internalKeyKindNames[k]
	}
	return fmt.Sprintf("UNKNOWN:%d", k)
}

// SafeFormat implements redact.SafeFormatter.
func (k InternalKeyKind) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Print(redact.SafeString(k.String()))
}

// IsSet returns true if the key kind is a SET type.
func (k InternalKeyKind) IsSet() bool {
	return k == InternalKeyKindSet || k == InternalKeyKindSetWithDelete
}

// IsTombstone returns true if the key kind deletes older versions of the key.
func (k InternalKeyKind) IsTombstone() bool {
	return k == InternalKeyKindDelete || k == InternalKeyKindSingleDelete
}

var kindsMap = map[string]InternalKeyKind{
	"DEL":        InternalKeyKindDelete,
	"SET":        InternalKeyKindSet,
	"MERGE":      InternalKeyKindMerge,
	"SINGLEDEL":  InternalKeyKindSingleDelete,
	"SEPARATOR":  InternalKeyKindSeparator,
	"SETWITHDEL": InternalKeyKindSetWithDelete,
	"INVALID":    InternalKeyKindInvalid,
}

// ParseKind parses the string representation of an internal key kind.
func ParseKind(s string) InternalKeyKind {
	kind, ok := kindsMap[s]
	if !ok {
		panic(fmt.Sprintf("unknown kind: %q", s))
	}
	return kind
}

// InternalKeyTrailer encodes a SeqNum and an InternalKeyKind.
type InternalKeyTrailer uint64

// MakeTrailer constructs an internal key trailer from the specified sequence
// number and kind.
func MakeTrailer(seqNum SeqNum, kind InternalKeyKind) InternalKeyTrailer {
	return (InternalKeyTrailer(seqNum) << 8) | InternalKeyTrailer(kind)
}

// String implements the fmt.Stringer interface.
func (t InternalKeyTrailer) String() string {
	return fmt.Sprintf("%s,%s", SeqNum(t>>8), InternalKeyKind(t&0xff))
}

// SeqNum returns the sequence number component of the trailer.
func (t InternalKeyTrailer) SeqNum() SeqNum {
	return SeqNum(t >> 8)
}

// Kind returns the key kind component of the trailer.
func (t InternalKeyTrailer) Kind() InternalKeyKind {
	return InternalKeyKind(t & 0xff)
}

// InternalKey is a key used for the in-memory and on-disk sorted runs that
// make up the engine's LSM structure.
//
// It consists of the user key (as given by the code that uses the engine)
// followed by 8-bytes of metadata:
//   - 1 byte for the type of internal key: delete or set,
//   - 7 bytes for a uint56 sequence number, in little-endian format.
type InternalKey struct {
	UserKey []byte
	Trailer InternalKeyTrailer
}

// InvalidInternalKey is an invalid internal key for which Valid() will return
// false.
var InvalidInternalKey = MakeInternalKey(nil, SeqNumZero, InternalKeyKindInvalid)

// MakeInternalKey constructs an internal key from a specified user key,
// sequence number and kind.
func MakeInternalKey(userKey []byte, seqNum SeqNum, kind InternalKeyKind) InternalKey {
	return InternalKey{
		UserKey: userKey,
		Trailer: MakeTrailer(seqNum, kind),
	}
}

// MakeSearchKey constructs an internal key that is appropriate for searching
// for the specified user key. The search key contains the maximal sequence
// number and kind ensuring that it sorts before any other internal keys for
// the same user key.
func MakeSearchKey(userKey []byte) InternalKey {
	return MakeInternalKey(userKey, SeqNumMax, InternalKeyKindMax)
}

// InternalTrailerLen is the number of bytes used to encode InternalKey.Trailer.
const InternalTrailerLen = 8

// DecodeInternalKey decodes an encoded internal key. See InternalKey.Encode().
func DecodeInternalKey(encodedKey []byte) InternalKey {
	n := len(encodedKey) - InternalTrailerLen
	var trailer InternalKeyTrailer
	if n >= 0 {
		trailer = InternalKeyTrailer(binary.LittleEndian.Uint64(encodedKey[n:]))
		encodedKey = encodedKey[:n:n]
	} else {
		trailer = InternalKeyTrailer(InternalKeyKindInvalid)
		encodedKey = nil
	}
	return InternalKey{
		UserKey: encodedKey,
		Trailer: trailer,
	}
}

// ParseInternalKey parses the string representation of an internal key. The
// format is "<user-key>#<seq-num>,<kind>".
func ParseInternalKey(s string) InternalKey {
	sep1 := strings.Index(s, "#")
	sep2 := strings.Index(s, ",")
	if sep1 == -1 || sep2 == -1 || sep2 < sep1 {
		panic(fmt.Sprintf("invalid internal key %q", s))
	}
	userKey := []byte(s[:sep1])
	seqNum := ParseSeqNum(s[sep1+1 : sep2])
	return MakeInternalKey(userKey, seqNum, ParseKind(s[sep2+1:]))
}

// InternalCompare compares two internal keys using the specified comparison
// function. For equal user keys, internal keys compare in descending sequence
// number order. For equal user keys and sequence numbers, internal keys
// compare in descending kind order.
func InternalCompare(userCmp Compare, a, b InternalKey) int {
	if x := userCmp(a.UserKey, b.UserKey); x != 0 {
		return x
	}
	// Reverse order for trailer comparison.
	return cmp.Compare(b.Trailer, a.Trailer)
}

// Encode encodes the receiver into the buffer. The buffer must be large
// enough to hold the encoded data. See InternalKey.Size().
func (k InternalKey) Encode(buf []byte) {
	i := copy(buf, k.UserKey)
	binary.LittleEndian.PutUint64(buf[i:], uint64(k.Trailer))
}

// Size returns the encoded size of the key.
func (k InternalKey) Size() int {
	return len(k.UserKey) + InternalTrailerLen
}

// SetSeqNum sets the sequence number component of the key.
func (k *InternalKey) SetSeqNum(seqNum SeqNum) {
	k.Trailer = (InternalKeyTrailer(seqNum) << 8) | (k.Trailer & 0xff)
}

// SeqNum returns the sequence number component of the key.
func (k InternalKey) SeqNum() SeqNum {
	return SeqNum(k.Trailer >> 8)
}

// SetKind sets the kind component of the key.
func (k *InternalKey) SetKind(kind InternalKeyKind) {
	k.Trailer = (k.Trailer &^ 0xff) | InternalKeyTrailer(kind)
}

// Kind returns the kind component of the key.
func (k InternalKey) Kind() InternalKeyKind {
	return k.Trailer.Kind()
}

// Valid returns true if the key has a valid kind.
func (k InternalKey) Valid() bool {
	return k.Kind() <= InternalKeyKindMax
}

// Visible returns true if the key is visible at the specified snapshot
// sequence number.
func (k InternalKey) Visible(snapshot SeqNum) bool {
	return Visible(k.SeqNum(), snapshot)
}

// Visible returns true if a key with the provided sequence number is visible
// at the specified snapshot sequence number.
func Visible(seqNum SeqNum, snapshot SeqNum) bool {
	return seqNum < snapshot || seqNum == SeqNumMax
}

// Clone clones the storage for the UserKey component of the key.
func (k InternalKey) Clone() InternalKey {
	if len(k.UserKey) == 0 {
		return k
	}
	return InternalKey{
		UserKey: append([]byte(nil), k.UserKey...),
		Trailer: k.Trailer,
	}
}

// CopyFrom converts this InternalKey into a clone of the passed-in
// InternalKey, reusing any space already used for the current UserKey.
func (k *InternalKey) CopyFrom(k2 InternalKey) {
	k.UserKey = append(k.UserKey[:0], k2.UserKey...)
	k.Trailer = k2.Trailer
}

// Separator returns a separator key such that k <= x < other, where k < other.
// The separator key is used by the sorted-run writer to shorten the keys
// written to block indexes.
func (k InternalKey) Separator(
	cmp Compare, sep Separator, buf []byte, other InternalKey,
) InternalKey {
	buf = sep(buf, k.UserKey, other.UserKey)
	if len(buf) <= len(k.UserKey) && cmp(k.UserKey, buf) < 0 {
		// The separator user key is physically shorter than k.UserKey (if it is
		// longer, we'll continue to use "k"), but logically after it. Tack on
		// the max sequence number to the shortened user key. Note that we could
		// tack on any sequence number and kind here to create a valid separator
		// key. We use the max sequence number to match the behavior of
		// LevelDB and RocksDB.
		return MakeInternalKey(buf, SeqNumMax, InternalKeyKindSeparator)
	}
	return k
}

// Successor returns a successor key such that k <= x. A simple implementation
// may return k unchanged. The successor key is used by the sorted-run writer
// for the index entry of the last block.
func (k InternalKey) Successor(cmp Compare, succ Successor, buf []byte) InternalKey {
	buf = succ(buf, k.UserKey)
	if len(buf) <= len(k.UserKey) && cmp(k.UserKey, buf) < 0 {
		// The successor user key is physically shorter that k.UserKey (if it is
		// longer, we'll continue to use "k"), but logically after it. Tack on
		// the max sequence number to the shortened user key.
		return MakeInternalKey(buf, SeqNumMax, InternalKeyKindSeparator)
	}
	return k
}

// String returns a string representation of the key.
func (k InternalKey) String() string {
	return fmt.Sprintf("%s#%s,%s", k.UserKey, k.SeqNum(), k.Kind())
}

// MakeInternalKV constructs an InternalKV with the provided internal key and
// value.
func MakeInternalKV(k InternalKey, v []byte) InternalKV {
	return InternalKV{K: k, V: v}
}

// InternalKV represents a single internal key-value pair.
type InternalKV struct {
	K InternalKey
	V []byte
}

// Kind returns the KV's internal key kind.
func (kv *InternalKV) Kind() InternalKeyKind {
	return kv.K.Kind()
}

// SeqNum returns the KV's internal key sequence number.
func (kv *InternalKV) SeqNum() SeqNum {
	return kv.K.SeqNum()
}

// Visible returns true if the key is visible at the specified snapshot
// sequence number.
func (kv *InternalKV) Visible(snapshot SeqNum) bool {
	return kv.K.Visible(snapshot)
}

// String returns a string representation of the KV.
func (kv *InternalKV) String() string {
	return fmt.Sprintf("%s:%s", kv.K, kv.V)
}
