// Copyright 2024 The Shale Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package compact provides the building blocks for the data part of a
// compaction: collapsing the merged input records, partitioning the work into
// key ranges, and writing the output tables.
package compact

import (
	"github.com/cockroachdb/errors"
	"github.com/shaledb/shale/internal/base"
)

// Iter provides a forward-only iterator that encapsulates the logic for
// collapsing entries during compaction. It wraps an internal iterator and
// collapses entries that are no longer necessary because they are shadowed by
// newer entries. The simplest example of this is when the internal iterator
// contains two keys: a.SET.2 and a.SET.1. Instead of returning both entries,
// Iter collapses the second entry because it is no longer necessary. The
// high-level structure of Iter is to iterate over its internal iterator and
// output one entry for every user key. There are several complications to
// this story.
//
// 1. Eliding Deletion Tombstones
//
// Consider the entries a.DEL.2 and a.SET.1. These entries collapse to
// a.DEL.2. Does the entry a.DEL.2 have to be output? Only if a.DEL.2 possibly
// shadows an entry at a lower level. If we're compacting to the base level of
// the LSM then a.DEL.2 is definitely not shadowing an entry at a lower level
// and can be elided. More generally, a tombstone can be elided whenever no
// sorted run below the compaction contains the entry's key; that check is the
// ElideTombstone callback.
//
// 2. Merges
//
// The MERGE operation merges the value for an entry with the existing value
// for an entry. When Iter sees a MERGE, it scans forward in its internal
// iterator, folding MERGE operations for the same key until it encounters a
// SET or DELETE operation. The keys a.MERGE.4, a.MERGE.3, a.MERGE.2 collapse
// to a.MERGE.4 with the values combined by the configured merge operation.
//
// When MERGE meets SET the collapsed entry changes kind: a.MERGE.3 over
// a.SET.2 becomes a.SET.3. The SET acts as a barrier, and the kind change
// records that the merge is complete. Without it, a subsequent compaction
// encountering an older a.MERGE.1 at a lower level would fold it in
// incorrectly. A tombstone ends a merge the same way: the folded result over
// a.DEL.2 is the merge applied over nothing, again emitted as a SET so lower
// levels stay shadowed.
//
// 3. Snapshots
//
// Open snapshots restrict collapsing: entries are collapsed within a snapshot
// stripe, never across stripes, so that each snapshot's view of every key
// survives the compaction. See the Snapshots type for the stripe rules.
//
// 4. Single deletes
//
// SINGLEDEL deletes exactly one version of a key: meeting a SET in the same
// stripe, the pair annihilates and neither is output. A SINGLEDEL that
// instead meets a DEL, a MERGE, or a SETWITHDEL is converted to a full DEL,
// since deleting a single version is no longer well defined. Symmetrically, a
// SET that shadows a tombstone within the compaction is emitted as
// SETWITHDEL, so that a later SINGLEDEL above it cannot consume it silently
// and resurrect whatever the tombstone covered. A SINGLEDEL that survives,
// with or without conversion, is elided under the same rule as a DEL.
//
// 5. Output placement
//
// When the compaction has a proximal output level, each emitted record
// carries a routing decision: records whose sequence numbers are newer than
// the configured threshold are too recent to demote to the bottommost level
// and are routed to the proximal output instead. The decision is made before
// any sequence number zeroing, and zeroing never applies to proximal records.
//
// Every record pulled from the wrapped iterator is counted, and every pulled
// record that is not emitted is tallied under exactly one DroppedCounts
// reason. For an iterator driven to exhaustion,
//
//	InputRecords == EmittedRecords + Dropped.Total()
type Iter struct {
	cmp  base.Compare
	cfg  IterConfig
	iter base.InternalIterator
	err  error
	// key and value hold the current entry, set by the emitting paths of
	// Next. key.UserKey points into keyBuf so that it remains stable while
	// the wrapped iterator advances.
	key      base.InternalKey
	value    []byte
	kv       base.InternalKV
	keyBuf   []byte
	valueBuf []byte
	// valid is true when key/value hold an entry to emit.
	valid  bool
	iterKV *base.InternalKV
	// skip is true when the remaining entries in the current snapshot stripe
	// are shadowed by the entry just emitted and should be skipped.
	skip bool
	// placement is the routing decision for the current entry.
	placement base.Placement
	// The snapshot stripe of the current entry. curSnapshotIdx is an index
	// into cfg.Snapshots; curSnapshotSeqNum is the sequence number of that
	// snapshot, or SeqNumMax past the newest snapshot.
	curSnapshotIdx    int
	curSnapshotSeqNum base.SeqNum
	stats             IterStats
}

// IterConfig contains the parameters necessary to create a compaction
// iterator.
type IterConfig struct {
	Cmp   base.Compare
	Merge base.Merge

	// Snapshots are the open snapshot sequence numbers, ascending.
	Snapshots Snapshots

	// AllowZeroSeqNum allows the sequence numbers of entries in the bottom
	// snapshot stripe to be zeroed, which is correct only when the compaction
	// output forms the bottom of the LSM for its key range.
	AllowZeroSeqNum bool

	// ElideTombstone returns true if a tombstone on the given user key can be
	// dropped because no sorted run below the compaction contains the key. A
	// nil function never elides.
	ElideTombstone func(userKey []byte) bool

	// ProximalOutput enables routing of recent records to a proximal output
	// level. Records with sequence numbers greater than ProximalAfterSeqNum
	// are placed proximally; all others are placed on the primary output
	// level.
	ProximalOutput      bool
	ProximalAfterSeqNum base.SeqNum

	// LowerBound and UpperBound restrict the iterator to a sub-range of user
	// keys. LowerBound is inclusive, UpperBound exclusive; nil means
	// unbounded on that side. Sub-range splits always fall on user key
	// boundaries, so a bound never divides the versions of one key.
	LowerBound []byte
	UpperBound []byte
}

func (c *IterConfig) ensureDefaults() {
	if c.Merge == nil {
		c.Merge = base.DefaultMerger.Merge
	}
}

// IterStats counts the records that flowed through the iterator.
type IterStats struct {
	// InputRecords is the number of records pulled from the wrapped iterator.
	InputRecords uint64
	// EmittedRecords is the number of records the iterator surfaced. A folded
	// merge counts once, however many operands it consumed.
	EmittedRecords uint64
	// Dropped tallies every pulled record that was not emitted, by reason.
	Dropped DroppedCounts
}

// DroppedCounts breaks down the records a compaction discarded by the reason
// they were dropped. These counters are recorded directly as the merge
// stream is consumed; they are not derived from any per-output accounting.
type DroppedCounts struct {
	// Superseded counts records shadowed by a newer record for the same user
	// key within one snapshot stripe.
	Superseded uint64
	// ObsoleteTombstone counts DEL and SINGLEDEL records dropped because no
	// sorted run below the compaction contained their key.
	ObsoleteTombstone uint64
	// SingleDelConsumed counts records annihilated in SINGLEDEL+SET pairs.
	// Each pair contributes two.
	SingleDelConsumed uint64
	// MergeFolded counts MERGE operands (and base SETs) folded into a single
	// emitted merge result.
	MergeFolded uint64
	// OutOfRange counts records observed beyond the iterator's bounds. Such
	// records belong to a neighboring sub-range and are not part of this
	// sub-job's output.
	OutOfRange uint64
}

// Total returns the total number of dropped records.
func (d DroppedCounts) Total() uint64 {
	return d.Superseded + d.ObsoleteTombstone + d.SingleDelConsumed +
		d.MergeFolded + d.OutOfRange
}

// Add accumulates the counts from o.
func (d *DroppedCounts) Add(o DroppedCounts) {
	d.Superseded += o.Superseded
	d.ObsoleteTombstone += o.ObsoleteTombstone
	d.SingleDelConsumed += o.SingleDelConsumed
	d.MergeFolded += o.MergeFolded
	d.OutOfRange += o.OutOfRange
}

// NewIter creates a compaction iterator wrapping iter. The snapshot list in
// cfg must be sorted.
func NewIter(cfg IterConfig, iter base.InternalIterator) *Iter {
	cfg.ensureDefaults()
	for j := 1; j < len(cfg.Snapshots); j++ {
		if cfg.Snapshots[j-1] > cfg.Snapshots[j] {
			panic(errors.AssertionFailedf("snapshots are not sorted: %d > %d",
				cfg.Snapshots[j-1], cfg.Snapshots[j]))
		}
	}
	return &Iter{
		cmp:  cfg.Cmp,
		cfg:  cfg,
		iter: iter,
	}
}

// First positions the iterator at the first entry of its range and returns
// it, or nil if the range is empty or an error occurred.
func (i *Iter) First() *base.InternalKV {
	if i.err != nil {
		return nil
	}
	if i.cfg.LowerBound != nil {
		i.iterKV = i.iter.SeekGE(i.cfg.LowerBound)
	} else {
		i.iterKV = i.iter.First()
	}
	if i.iterKV != nil {
		i.stats.InputRecords++
		i.curSnapshotIdx, i.curSnapshotSeqNum = i.cfg.Snapshots.IndexAndSeqNum(i.iterKV.SeqNum())
	}
	return i.Next()
}

// Next returns the next entry, or nil when the range is exhausted or an
// error occurred. The returned entry is valid until the following call.
func (i *Iter) Next() *base.InternalKV {
	if i.err != nil {
		return nil
	}

	if i.skip {
		i.skip = false
		i.skipStripe()
	}

	i.valid = false
	for i.iterKV != nil {
		if i.cfg.UpperBound != nil && i.cmp(i.iterKV.K.UserKey, i.cfg.UpperBound) >= 0 {
			// The record and everything past it belong to the next sub-range.
			i.stats.Dropped.OutOfRange++
			i.iterKV = nil
			break
		}
		i.key = i.iterKV.K
		switch i.key.Kind() {
		case base.InternalKeyKindDelete:
			// If we're at the last snapshot stripe and the tombstone can be
			// elided, skip to the next stripe (which will be the next user
			// key).
			if i.curSnapshotIdx == 0 && i.elideTombstone(i.key.UserKey) {
				i.stats.Dropped.ObsoleteTombstone++
				i.saveKey()
				i.skipStripe()
				continue
			}

			i.saveKey()
			i.setPlacement(i.key.SeqNum())
			i.value = i.iterKV.V
			i.valid = true
			i.skip = true
			return i.yield()

		case base.InternalKeyKindSingleDelete:
			// Elision is decided up front, but applied only if the tombstone
			// survives: annihilation consumes exactly one SET, so the stripe
			// cannot simply be skipped the way it is for a DEL.
			elide := i.curSnapshotIdx == 0 && i.elideTombstone(i.key.UserKey)
			if i.singleDeleteNext() {
				if elide {
					i.stats.Dropped.ObsoleteTombstone++
					i.valid = false
					if i.skip {
						// The tombstone was converted to a DEL; the entry
						// that converted it and the rest of its stripe are
						// shadowed.
						i.skip = false
						i.skipStripe()
					}
					continue
				}
				return i.yield()
			}
			continue

		case base.InternalKeyKindSet, base.InternalKeyKindSetWithDelete:
			i.setNext()
			return i.yield()

		case base.InternalKeyKindMerge:
			// The routing and zeroing decisions must precede mergeNext, which
			// advances the iterator and with it the state they consult.
			i.saveKey()
			i.setPlacement(i.key.SeqNum())
			i.maybeZeroSeqNum()
			i.mergeNext()
			if i.err != nil {
				return nil
			}
			return i.yield()

		case base.InternalKeyKindInvalid:
			// Invalid keys occur when there was an error parsing the key.
			// Pass them through unmodified.
			i.saveKey()
			i.setPlacement(i.key.SeqNum())
			i.valueBuf = append(i.valueBuf[:0], i.iterKV.V...)
			i.value = i.valueBuf
			if i.iterNext() {
				i.curSnapshotIdx, i.curSnapshotSeqNum = i.cfg.Snapshots.IndexAndSeqNum(i.iterKV.SeqNum())
			}
			i.valid = true
			return i.yield()

		default:
			i.err = base.CorruptionErrorf("invalid internal key kind: %d",
				errors.Safe(int(i.key.Kind())))
			return nil
		}
	}

	if i.err == nil {
		i.err = i.iter.Error()
	}
	return nil
}

// Placement returns the routing decision for the current entry. It is only
// valid after a positioning call returned a non-nil entry.
func (i *Iter) Placement() base.Placement {
	return i.placement
}

// Stats returns the iteration counters accumulated so far.
func (i *Iter) Stats() IterStats {
	return i.stats
}

// Error returns the first error encountered.
func (i *Iter) Error() error {
	return i.err
}

// Close closes the wrapped iterator.
func (i *Iter) Close() error {
	err := i.iter.Close()
	if i.err == nil {
		i.err = err
	}
	return i.err
}

func (i *Iter) yield() *base.InternalKV {
	i.stats.EmittedRecords++
	i.kv = base.InternalKV{K: i.key, V: i.value}
	return &i.kv
}

func (i *Iter) elideTombstone(userKey []byte) bool {
	return i.cfg.ElideTombstone != nil && i.cfg.ElideTombstone(userKey)
}

func (i *Iter) setPlacement(seq base.SeqNum) {
	i.placement = base.PlacePrimary
	if i.cfg.ProximalOutput && seq > i.cfg.ProximalAfterSeqNum {
		i.placement = base.PlaceProximal
	}
}

// maybeZeroSeqNum attempts to set the sequence number of the current entry to
// zero. Doing so improves compression and lets iteration short-circuit some
// key comparisons. The sequence number can be zeroed only for an entry in the
// bottom snapshot stripe of a compaction whose output forms the bottom of the
// LSM for its range, and never for an entry routed to the proximal level,
// which sits above other versions of the key.
func (i *Iter) maybeZeroSeqNum() {
	if !i.cfg.AllowZeroSeqNum {
		return
	}
	if i.placement != base.PlacePrimary {
		return
	}
	if i.curSnapshotIdx > 0 {
		// This is not the last snapshot stripe.
		return
	}
	i.key.SetSeqNum(base.SeqNumZero)
}

func (i *Iter) saveKey() {
	i.keyBuf = append(i.keyBuf[:0], i.iterKV.K.UserKey...)
	i.key.UserKey = i.keyBuf
}

func (i *Iter) iterNext() bool {
	i.iterKV = i.iter.Next()
	if i.iterKV == nil {
		return false
	}
	i.stats.InputRecords++
	return true
}

// skipStripe skips over the remainder of the current snapshot stripe, which
// is shadowed by the entry at its head.
func (i *Iter) skipStripe() {
	for i.nextInStripe() {
		i.stats.Dropped.Superseded++
	}
}

// nextInStripe advances the wrapped iterator and reports whether the new
// entry lies in the same snapshot stripe of the same user key as i.key,
// which must have been saved. When it returns false the stripe state has
// been advanced to the new entry's stripe.
func (i *Iter) nextInStripe() bool {
	if !i.iterNext() {
		return false
	}
	kv := i.iterKV
	if i.cmp(i.key.UserKey, kv.K.UserKey) != 0 {
		i.curSnapshotIdx, i.curSnapshotSeqNum = i.cfg.Snapshots.IndexAndSeqNum(kv.SeqNum())
		return false
	}
	if kv.Kind() == base.InternalKeyKindInvalid {
		i.curSnapshotIdx, i.curSnapshotSeqNum = i.cfg.Snapshots.IndexAndSeqNum(kv.SeqNum())
		return false
	}
	if len(i.cfg.Snapshots) == 0 {
		return true
	}
	idx, seqNum := i.cfg.Snapshots.IndexAndSeqNum(kv.SeqNum())
	if i.curSnapshotIdx == idx {
		return true
	}
	i.curSnapshotIdx = idx
	i.curSnapshotSeqNum = seqNum
	return false
}

// setNext processes a SET or SETWITHDEL at the head of a stripe. The entry is
// emitted as written unless it is a plain SET shadowing a tombstone within
// the stripe, in which case it becomes a SETWITHDEL.
func (i *Iter) setNext() {
	i.saveKey()
	i.setPlacement(i.key.SeqNum())
	i.valueBuf = append(i.valueBuf[:0], i.iterKV.V...)
	i.value = i.valueBuf
	i.valid = true
	i.maybeZeroSeqNum()

	// A SETWITHDEL already records that the key may shadow a tombstone; the
	// rest of the stripe can be skipped unexamined.
	if i.key.Kind() == base.InternalKeyKindSetWithDelete {
		i.skip = true
		return
	}

	// Scan the rest of the stripe for a tombstone shadowed by this SET. Note
	// that the scan may consume the whole stripe without finding one.
	for {
		if !i.nextInStripe() {
			i.skip = false
			return
		}
		switch i.iterKV.Kind() {
		case base.InternalKeyKindDelete, base.InternalKeyKindSingleDelete,
			base.InternalKeyKindSetWithDelete:
			// The SET shadows a tombstone, directly or through a key that met
			// one in an earlier compaction. It inherits the marker.
			i.key.SetKind(base.InternalKeyKindSetWithDelete)
			i.stats.Dropped.Superseded++
			i.skip = true
			return
		default:
			i.stats.Dropped.Superseded++
		}
	}
}

// mergeNext folds the entries below a MERGE at the head of a stripe into a
// single result. The current key must have been saved.
func (i *Iter) mergeNext() {
	// The newest operand seeds the rolling result.
	i.valueBuf = append(i.valueBuf[:0], i.iterKV.V...)
	i.value = i.valueBuf
	i.valid = true

	// Loop looking for older values in the current snapshot stripe and fold
	// them in.
	for {
		if !i.nextInStripe() {
			i.skip = false
			return
		}
		switch i.iterKV.Kind() {
		case base.InternalKeyKindDelete, base.InternalKeyKindSingleDelete:
			// The tombstone ends the merge: the result is the folded operands
			// applied over nothing. Emitting it as a SET keeps lower levels
			// from folding older operands in underneath the tombstone.
			i.key.SetKind(base.InternalKeyKindSet)
			i.stats.Dropped.Superseded++
			i.skip = true
			return

		case base.InternalKeyKindSet:
			// The SET is the base value of the merge. Fold it in and emit the
			// result as a SET so that it shadows keys in lower levels:
			// MERGE+MERGE+SET -> SET.
			i.mergeFold()
			i.key.SetKind(base.InternalKeyKindSet)
			i.stats.Dropped.MergeFolded++
			i.skip = true
			return

		case base.InternalKeyKindSetWithDelete:
			// As above, but the base value may shadow a tombstone from an
			// earlier compaction, so the marker must survive the fold.
			i.mergeFold()
			i.key.SetKind(base.InternalKeyKindSetWithDelete)
			i.stats.Dropped.MergeFolded++
			i.skip = true
			return

		case base.InternalKeyKindMerge:
			i.mergeFold()
			i.stats.Dropped.MergeFolded++

		default:
			i.err = base.CorruptionErrorf("invalid internal key kind: %d",
				errors.Safe(int(i.iterKV.Kind())))
			i.valid = false
			return
		}
	}
}

// mergeFold folds the iterator's current entry, an older operand, under the
// rolling merge result.
func (i *Iter) mergeFold() {
	merged := i.cfg.Merge(i.key.UserKey, i.iterKV.V, i.value, nil)
	// The merger may have returned one of its inputs; copy so the result
	// survives the next advance of the wrapped iterator.
	i.valueBuf = append(i.valueBuf[:0], merged...)
	i.value = i.valueBuf
}

// singleDeleteNext processes a SINGLEDEL at the head of a stripe. It returns
// true when an entry should be emitted: the SINGLEDEL itself, or its
// conversion to a full DEL. It returns false when the SINGLEDEL annihilated
// with a SET, leaving the iterator positioned on the entry after the pair.
func (i *Iter) singleDeleteNext() bool {
	i.saveKey()
	i.setPlacement(i.key.SeqNum())
	i.valueBuf = append(i.valueBuf[:0], i.iterKV.V...)
	i.value = i.valueBuf
	i.valid = true

	for {
		if !i.nextInStripe() {
			i.skip = false
			return true
		}
		switch i.iterKV.Kind() {
		case base.InternalKeyKindDelete, base.InternalKeyKindMerge:
			// A DEL or MERGE under the SINGLEDEL converts it to a full DEL:
			// deleting a single version is no longer well defined.
			i.key.SetKind(base.InternalKeyKindDelete)
			i.stats.Dropped.Superseded++
			i.skip = true
			return true

		case base.InternalKeyKindSetWithDelete:
			// Consuming the SET could resurrect whatever the tombstone it
			// once met covered. Convert to a full DEL instead.
			i.key.SetKind(base.InternalKeyKindDelete)
			i.stats.Dropped.Superseded++
			i.skip = true
			return true

		case base.InternalKeyKindSet:
			// The SINGLEDEL and the SET annihilate. Older versions of the
			// key, if any, are processed as fresh entries.
			i.stats.Dropped.SingleDelConsumed += 2
			i.nextInStripe()
			i.valid = false
			return false

		case base.InternalKeyKindSingleDelete:
			// A redundant SINGLEDEL below ours.
			i.stats.Dropped.Superseded++
			continue

		default:
			i.err = base.CorruptionErrorf("invalid internal key kind: %d",
				errors.Safe(int(i.iterKV.Kind())))
			i.valid = false
			return false
		}
	}
}
