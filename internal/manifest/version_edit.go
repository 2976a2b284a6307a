// Copyright 2023 The Shale Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package manifest

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/shaledb/shale/internal/base"
)

var errCorruptManifest = base.CorruptionErrorf("shale: corrupt manifest")

// Tags for the versionEdit disk format. Tag 8 is no longer used.
const (
	tagComparator     = 1
	tagNextFileNumber = 3
	tagLastSequence   = 4
	tagCompactPointer = 5
	tagDeletedFile    = 6
	tagNewFile        = 7
	tagNewFile2       = 100
	tagNewFile3       = 102
	tagNewFile4       = 103
)

// The custom tags sub-format used by tagNewFile4. The tag numbering matches
// the on-disk format of the system we interoperate with, which is why there
// are gaps in the sequence.
const (
	customTagTerminate            = 1
	customTagNeedsCompaction      = 2
	customTagOldestAncestorTime   = 5
	customTagCreationTime         = 6
	customTagFileChecksum         = 7
	customTagFileChecksumFuncName = 8
	customTagTemperature          = 9
	customTagUniqueID             = 12
	customTagEpochNumber          = 13
	customTagPathID               = 65

	// Tags at or above this mask cannot be safely ignored when unknown. If a
	// decoder encounters an unknown custom tag with this bit set it must fail
	// rather than skip the field.
	customTagNonSafeIgnoreMask = 1 << 6
)

// DeletedTableEntry holds the state for a table deletion in a VersionEdit.
// The table itself might still be referenced by another level.
type DeletedTableEntry struct {
	Level   int
	FileNum base.DiskFileNum
}

// NewTableEntry holds the state for a new table in a VersionEdit.
type NewTableEntry struct {
	Level int
	Meta  *TableMetadata
}

// VersionEdit holds the state for an edit to a Version along with other
// on-disk state (the comparer name, the next file number, and the last
// visible sequence number).
//
// A VersionEdit is the unit of a manifest write: edits are applied to the
// current version in the order they were written, and the first edit in a
// manifest is a snapshot describing the complete prior state.
type VersionEdit struct {
	// ComparerName is the name of the comparer used to compare keys in the
	// tables. It is set on the first edit of a manifest (the snapshot) and
	// verified against the configured comparer on replay.
	ComparerName string

	// NextFileNum is the next file number for any kind of file, or zero if
	// the edit does not advance it.
	NextFileNum uint64

	// LastSeqNum is an upper bound on the sequence numbers that have been
	// assigned, or zero if the edit does not advance it. An edit installing
	// compaction results never lowers the bound.
	LastSeqNum base.SeqNum

	// DeletedTables are the tables the edit removes, keyed by level and file
	// number. A table moved between levels appears as a deletion at the old
	// level and an addition at the new one.
	DeletedTables map[DeletedTableEntry]bool

	// NewTables are the tables the edit adds.
	NewTables []NewTableEntry
}

// Decode decodes an edit from the specified reader.
func (v *VersionEdit) Decode(r io.Reader) error {
	br, ok := r.(byteReader)
	if !ok {
		br = bufio.NewReader(r)
	}
	d := versionEditDecoder{br}
	for {
		tag, err := binary.ReadUvarint(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		switch tag {
		case tagComparator:
			s, err := d.readBytes()
			if err != nil {
				return err
			}
			v.ComparerName = string(s)

		case tagNextFileNumber:
			n, err := d.readUvarint()
			if err != nil {
				return err
			}
			v.NextFileNum = n

		case tagLastSequence:
			n, err := d.readUvarint()
			if err != nil {
				return err
			}
			v.LastSeqNum = base.SeqNum(n)

		case tagCompactPointer:
			// Compaction pointers steer a level-round-robin picker which we do
			// not implement. Tolerate and discard the field so manifests
			// written by such systems still replay.
			if _, err := d.readLevel(); err != nil {
				return err
			}
			if _, err := d.readBytes(); err != nil {
				return err
			}

		case tagDeletedFile:
			level, err := d.readLevel()
			if err != nil {
				return err
			}
			fileNum, err := d.readFileNum()
			if err != nil {
				return err
			}
			if v.DeletedTables == nil {
				v.DeletedTables = make(map[DeletedTableEntry]bool)
			}
			v.DeletedTables[DeletedTableEntry{
				Level:   level,
				FileNum: fileNum,
			}] = true

		case tagNewFile, tagNewFile2, tagNewFile3, tagNewFile4:
			level, err := d.readLevel()
			if err != nil {
				return err
			}
			fileNum, err := d.readFileNum()
			if err != nil {
				return err
			}
			if tag == tagNewFile3 {
				// Skip the legacy path ID field.
				if _, err := d.readUvarint(); err != nil {
					return err
				}
			}
			size, err := d.readUvarint()
			if err != nil {
				return err
			}
			smallest, err := d.readBytes()
			if err != nil {
				return err
			}
			largest, err := d.readBytes()
			if err != nil {
				return err
			}
			var smallestSeqNum, largestSeqNum base.SeqNum
			if tag != tagNewFile {
				n, err := d.readUvarint()
				if err != nil {
					return err
				}
				smallestSeqNum = base.SeqNum(n)
				n, err = d.readUvarint()
				if err != nil {
					return err
				}
				largestSeqNum = base.SeqNum(n)
			}
			m := &TableMetadata{
				FileNum:        fileNum,
				Size:           size,
				Smallest:       base.DecodeInternalKey(smallest),
				Largest:        base.DecodeInternalKey(largest),
				SmallestSeqNum: smallestSeqNum,
				LargestSeqNum:  largestSeqNum,
			}
			if tag == tagNewFile4 {
				for {
					customTag, err := d.readUvarint()
					if err != nil {
						return err
					}
					if customTag == customTagTerminate {
						break
					}
					field, err := d.readBytes()
					if err != nil {
						return err
					}
					switch customTag {
					case customTagNeedsCompaction:
						if len(field) != 1 {
							return base.CorruptionErrorf(
								"new-file4: need-compaction field wrong size")
						}
						m.MarkedForCompaction = (field[0] == 1)

					case customTagCreationTime:
						n, err := decodeUvarintField(field)
						if err != nil {
							return err
						}
						m.CreationTime = n

					case customTagOldestAncestorTime:
						n, err := decodeUvarintField(field)
						if err != nil {
							return err
						}
						m.AncestorTime = n

					case customTagFileChecksum:
						m.Checksum = string(field)

					case customTagFileChecksumFuncName:
						m.ChecksumFuncName = string(field)

					case customTagTemperature:
						if len(field) != 1 {
							return base.CorruptionErrorf(
								"new-file4: temperature field wrong size")
						}
						m.Temperature = base.Temperature(field[0])

					case customTagUniqueID:
						hi, n := binary.Uvarint(field)
						if n <= 0 {
							return errCorruptManifest
						}
						lo, nn := binary.Uvarint(field[n:])
						if nn <= 0 || n+nn != len(field) {
							return errCorruptManifest
						}
						m.UniqueID = [2]uint64{hi, lo}

					case customTagEpochNumber:
						n, err := decodeUvarintField(field)
						if err != nil {
							return err
						}
						m.EpochNumber = n

					case customTagPathID:
						return base.CorruptionErrorf(
							"new-file4: path-id field not supported")

					default:
						if (customTag & customTagNonSafeIgnoreMask) != 0 {
							return base.CorruptionErrorf(
								"new-file4: custom field not supported: %d", customTag)
						}
					}
				}
			}
			v.NewTables = append(v.NewTables, NewTableEntry{
				Level: level,
				Meta:  m,
			})

		default:
			return errCorruptManifest
		}
	}
	return nil
}

// Encode encodes an edit to the specified writer.
func (v *VersionEdit) Encode(w io.Writer) error {
	e := versionEditEncoder{new(bytes.Buffer)}

	if v.ComparerName != "" {
		e.writeUvarint(tagComparator)
		e.writeString(v.ComparerName)
	}
	if v.NextFileNum != 0 {
		e.writeUvarint(tagNextFileNumber)
		e.writeUvarint(v.NextFileNum)
	}
	// A zero last sequence number is elided, except when the edit is a
	// manifest snapshot, where it must be written so that replay restores it.
	if v.LastSeqNum != 0 || v.ComparerName != "" {
		e.writeUvarint(tagLastSequence)
		e.writeUvarint(uint64(v.LastSeqNum))
	}
	for x := range v.DeletedTables {
		e.writeUvarint(tagDeletedFile)
		e.writeUvarint(uint64(x.Level))
		e.writeUvarint(uint64(x.FileNum))
	}
	for _, x := range v.NewTables {
		customFields := x.Meta.MarkedForCompaction || x.Meta.CreationTime != 0 ||
			x.Meta.AncestorTime != 0 || x.Meta.Checksum != "" ||
			x.Meta.ChecksumFuncName != "" ||
			x.Meta.Temperature != base.TemperatureUnknown ||
			x.Meta.UniqueID != [2]uint64{} || x.Meta.EpochNumber != 0
		var tag uint64 = tagNewFile2
		if customFields {
			tag = tagNewFile4
		}
		e.writeUvarint(tag)
		e.writeUvarint(uint64(x.Level))
		e.writeUvarint(uint64(x.Meta.FileNum))
		e.writeUvarint(x.Meta.Size)
		e.writeKey(x.Meta.Smallest)
		e.writeKey(x.Meta.Largest)
		e.writeUvarint(uint64(x.Meta.SmallestSeqNum))
		e.writeUvarint(uint64(x.Meta.LargestSeqNum))
		if customFields {
			if x.Meta.CreationTime != 0 {
				e.writeUvarint(customTagCreationTime)
				var buf [binary.MaxVarintLen64]byte
				n := binary.PutUvarint(buf[:], x.Meta.CreationTime)
				e.writeBytes(buf[:n])
			}
			if x.Meta.AncestorTime != 0 {
				e.writeUvarint(customTagOldestAncestorTime)
				var buf [binary.MaxVarintLen64]byte
				n := binary.PutUvarint(buf[:], x.Meta.AncestorTime)
				e.writeBytes(buf[:n])
			}
			if x.Meta.MarkedForCompaction {
				e.writeUvarint(customTagNeedsCompaction)
				e.writeBytes([]byte{1})
			}
			if x.Meta.Checksum != "" {
				e.writeUvarint(customTagFileChecksum)
				e.writeString(x.Meta.Checksum)
			}
			if x.Meta.ChecksumFuncName != "" {
				e.writeUvarint(customTagFileChecksumFuncName)
				e.writeString(x.Meta.ChecksumFuncName)
			}
			if x.Meta.Temperature != base.TemperatureUnknown {
				e.writeUvarint(customTagTemperature)
				e.writeBytes([]byte{byte(x.Meta.Temperature)})
			}
			if x.Meta.UniqueID != ([2]uint64{}) {
				e.writeUvarint(customTagUniqueID)
				var buf [2 * binary.MaxVarintLen64]byte
				n := binary.PutUvarint(buf[:], x.Meta.UniqueID[0])
				n += binary.PutUvarint(buf[n:], x.Meta.UniqueID[1])
				e.writeBytes(buf[:n])
			}
			if x.Meta.EpochNumber != 0 {
				e.writeUvarint(customTagEpochNumber)
				var buf [binary.MaxVarintLen64]byte
				n := binary.PutUvarint(buf[:], x.Meta.EpochNumber)
				e.writeBytes(buf[:n])
			}
			e.writeUvarint(customTagTerminate)
		}
	}
	_, err := w.Write(e.Bytes())
	return err
}

func decodeUvarintField(field []byte) (uint64, error) {
	n, width := binary.Uvarint(field)
	if width != len(field) {
		return 0, errCorruptManifest
	}
	return n, nil
}

// String implements fmt.Stringer. Deleted tables are printed in level and
// file number order regardless of map iteration order.
func (v *VersionEdit) String() string {
	var buf bytes.Buffer
	if v.ComparerName != "" {
		fmt.Fprintf(&buf, "  comparer:      %s\n", v.ComparerName)
	}
	if v.NextFileNum != 0 {
		fmt.Fprintf(&buf, "  next-file-num: %d\n", v.NextFileNum)
	}
	if v.LastSeqNum != 0 {
		fmt.Fprintf(&buf, "  last-seq-num:  %d\n", v.LastSeqNum)
	}
	deleted := make([]DeletedTableEntry, 0, len(v.DeletedTables))
	for df := range v.DeletedTables {
		deleted = append(deleted, df)
	}
	sort.Slice(deleted, func(i, j int) bool {
		if deleted[i].Level != deleted[j].Level {
			return deleted[i].Level < deleted[j].Level
		}
		return deleted[i].FileNum < deleted[j].FileNum
	})
	for _, df := range deleted {
		fmt.Fprintf(&buf, "  deleted:       L%d %s\n", df.Level, df.FileNum)
	}
	for _, nf := range v.NewTables {
		fmt.Fprintf(&buf, "  added:         L%d %s\n", nf.Level, nf.Meta.DebugString())
	}
	return buf.String()
}

type byteReader interface {
	io.ByteReader
	io.Reader
}

type versionEditDecoder struct {
	byteReader
}

func (d versionEditDecoder) readBytes() ([]byte, error) {
	n, err := d.readUvarint()
	if err != nil {
		return nil, err
	}
	s := make([]byte, n)
	_, err = io.ReadFull(d, s)
	if err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, errCorruptManifest
		}
		return nil, err
	}
	return s, nil
}

func (d versionEditDecoder) readLevel() (int, error) {
	u, err := d.readUvarint()
	if err != nil {
		return 0, err
	}
	if u >= NumLevels {
		return 0, errCorruptManifest
	}
	return int(u), nil
}

func (d versionEditDecoder) readFileNum() (base.DiskFileNum, error) {
	u, err := d.readUvarint()
	if err != nil {
		return 0, err
	}
	return base.DiskFileNum(u), nil
}

func (d versionEditDecoder) readUvarint() (uint64, error) {
	u, err := binary.ReadUvarint(d)
	if err != nil {
		if err == io.EOF {
			return 0, errCorruptManifest
		}
		return 0, err
	}
	return u, nil
}

type versionEditEncoder struct {
	*bytes.Buffer
}

func (e versionEditEncoder) writeBytes(b []byte) {
	e.writeUvarint(uint64(len(b)))
	e.Write(b)
}

func (e versionEditEncoder) writeKey(k base.InternalKey) {
	e.writeUvarint(uint64(k.Size()))
	e.Write(k.UserKey)
	var buf [base.InternalTrailerLen]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(k.Trailer))
	e.Write(buf[:])
}

func (e versionEditEncoder) writeString(s string) {
	e.writeUvarint(uint64(len(s)))
	e.WriteString(s)
}

func (e versionEditEncoder) writeUvarint(u uint64) {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], u)
	e.Write(buf[:n])
}

// BulkVersionEdit summarizes the table additions and deletions in a sequence
// of version edits. Accumulate adds edits one at a time; Apply produces the
// version that results from applying them all to a base version.
type BulkVersionEdit struct {
	Added   [NumLevels]map[base.DiskFileNum]*TableMetadata
	Deleted [NumLevels]map[base.DiskFileNum]bool

	// AddedByFileNum maps file number to table metadata for all added tables.
	// It is populated only when the caller sets it to a non-nil map before
	// accumulating.
	AddedByFileNum map[base.DiskFileNum]*TableMetadata
}

// Accumulate adds the table additions and deletions in the specified version
// edit to the bulk edit's internal state.
func (b *BulkVersionEdit) Accumulate(ve *VersionEdit) error {
	for df := range ve.DeletedTables {
		dmap := b.Deleted[df.Level]
		if dmap == nil {
			dmap = make(map[base.DiskFileNum]bool)
			b.Deleted[df.Level] = dmap
		}
		if amap := b.Added[df.Level]; amap[df.FileNum] != nil {
			// The table was added by an already accumulated edit. The
			// addition and deletion cancel out, and the table does not
			// appear in the applied version at all.
			delete(amap, df.FileNum)
			continue
		}
		dmap[df.FileNum] = true
	}

	for _, nf := range ve.NewTables {
		if b.Deleted[nf.Level][nf.Meta.FileNum] {
			return base.CorruptionErrorf("shale: table deleted L%d.%s before it was inserted",
				nf.Level, nf.Meta.FileNum)
		}
		amap := b.Added[nf.Level]
		if amap == nil {
			amap = make(map[base.DiskFileNum]*TableMetadata)
			b.Added[nf.Level] = amap
		}
		amap[nf.Meta.FileNum] = nf.Meta
		if b.AddedByFileNum != nil {
			b.AddedByFileNum[nf.Meta.FileNum] = nf.Meta
		}
	}
	return nil
}

// Apply applies the delta b to the supplied current version to produce a new
// version. The new version is consistent with respect to the comparer cmp.
// Every table in the returned version has its reference count incremented;
// curr's counts are unchanged.
//
// curr may be nil, which is equivalent to a pointer to a zero version.
func (b *BulkVersionEdit) Apply(curr *Version, cmp base.Compare) (*Version, error) {
	v := new(Version)
	for level := range v.Levels {
		if len(b.Added[level]) == 0 && len(b.Deleted[level]) == 0 {
			// There are no edits on this level.
			if curr == nil {
				continue
			}
			tables := curr.Levels[level]
			v.Levels[level] = tables
			for _, m := range tables {
				m.Ref()
			}
			continue
		}

		var currTables []*TableMetadata
		if curr != nil {
			currTables = curr.Levels[level]
		}
		deleted := b.Deleted[level]
		combined := make([]*TableMetadata, 0, len(currTables)+len(b.Added[level]))
		var matched int
		for _, m := range currTables {
			if deleted[m.FileNum] {
				matched++
				continue
			}
			combined = append(combined, m)
		}
		if matched != len(deleted) {
			// At least one deletion referenced a table that is not part of
			// the current version. Find it for the error message.
			for fileNum := range deleted {
				found := false
				for _, m := range currTables {
					if m.FileNum == fileNum {
						found = true
						break
					}
				}
				if !found {
					return nil, base.CorruptionErrorf(
						"shale: deleted table L%d.%s does not exist", level, fileNum)
				}
			}
		}
		for _, m := range b.Added[level] {
			combined = append(combined, m)
		}
		if level == 0 {
			SortBySeqNum(combined)
		} else {
			SortBySmallest(combined, cmp)
		}
		v.Levels[level] = combined
		for _, m := range combined {
			m.Ref()
		}
		if err := CheckOrdering(cmp, level, combined); err != nil {
			return nil, base.CorruptionErrorf("%s\n%s", err, v.DebugString())
		}
	}
	return v, nil
}
