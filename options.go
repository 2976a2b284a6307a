// Copyright 2023 The Shale Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package shale

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/cockroachdb/errors"
	"github.com/shaledb/shale/internal/base"
	"github.com/shaledb/shale/internal/compression"
	"github.com/shaledb/shale/internal/manifest"
	"github.com/shaledb/shale/sstable"
	"github.com/shaledb/shale/vfs"
)

// Comparer exports the base.Comparer type.
type Comparer = base.Comparer

// DefaultComparer exports the base.DefaultComparer variable.
var DefaultComparer = base.DefaultComparer

// Merger exports the base.Merger type.
type Merger = base.Merger

// DefaultMerger exports the base.DefaultMerger variable.
var DefaultMerger = base.DefaultMerger

// Logger exports the base.Logger type.
type Logger = base.Logger

// DefaultLogger exports the base.DefaultLogger variable.
var DefaultLogger = base.DefaultLogger

// Cleaner exports the base.Cleaner type.
type Cleaner = base.Cleaner

// DeleteCleaner exports the base.DeleteCleaner type.
type DeleteCleaner = base.DeleteCleaner

// ArchiveCleaner exports the base.ArchiveCleaner type.
type ArchiveCleaner = base.ArchiveCleaner

// Compression settings for table blocks.
var (
	NoCompression     = &compression.None
	SnappyCompression = &compression.Snappy
	ZstdCompression   = &compression.ZstdLevel3
	MinLZCompression  = &compression.MinLZFastest
)

// LevelOptions holds the optional per-level parameters.
type LevelOptions struct {
	// BlockRestartInterval is the number of keys between restart points
	// for delta encoding of keys.
	//
	// The default value is 16 for L0, and the value from the previous level
	// for all other levels.
	BlockRestartInterval int

	// BlockSize is the target uncompressed size in bytes of each table block.
	//
	// The default value is 4096 for L0, and the value from the previous level
	// for all other levels.
	BlockSize int

	// Compression defines the per-block compression to use.
	//
	// The default value is Snappy for L0, and the setting from the previous
	// level for all other levels.
	Compression *compression.Setting

	// TargetFileSize is the desired on-disk size of a table written to this
	// level. Compactions writing to this level rotate to a new output once
	// the current one reaches this size. Zero disables size-based rotation.
	//
	// The default value is 2MB for L0, and twice the previous level's value
	// for all other levels.
	TargetFileSize uint64
}

// Options holds the optional parameters for a Catalog. The zero value is
// usable once EnsureDefaults has been called, which Open does.
type Options struct {
	// Comparer defines a total ordering over the space of []byte keys. The
	// comparer name is persisted in the catalog and in every table; reopening
	// with a different comparer is an error.
	//
	// The default value uses the same ordering as bytes.Compare.
	Comparer *Comparer

	// Merger defines the associative merge operation to use for merging
	// values written with Merge records. The merger name is persisted in
	// every table.
	//
	// The default merger concatenates values.
	Merger *Merger

	// FS provides the interface for persistent file storage.
	//
	// The default value uses the underlying operating system's file system.
	FS vfs.FS

	// Logger is used to write log messages.
	//
	// The default logger uses the log package.
	Logger Logger

	// EventListener provides hooks for notification of significant catalog
	// events, e.g. compactions starting and finishing.
	EventListener *EventListener

	// Cleaner cleans obsolete files.
	//
	// The default cleaner deletes the files.
	Cleaner Cleaner

	// MaxSubcompactions bounds the number of concurrent sub-jobs a single
	// compaction fans out to. A compaction whose key space splits into more
	// ranges than this asks the CompactionScheduler for extra slots, and
	// merges adjacent ranges back together when fewer are granted.
	//
	// The default value is 1, which disables parallel sub-jobs.
	MaxSubcompactions int

	// MaxConcurrentCompactions is the number of compaction jobs expected to
	// run concurrently. It sizes the default CompactionScheduler and is
	// otherwise unused; it does not admit or refuse jobs by itself.
	//
	// The default value is 1.
	MaxConcurrentCompactions int

	// CompactionScheduler arbitrates execution slots between compaction
	// jobs. A single scheduler may be shared by several Catalogs to enforce
	// a node-wide concurrency limit.
	//
	// The default is a ConcurrencyLimitScheduler sized for
	// MaxConcurrentCompactions jobs of MaxSubcompactions sub-jobs each.
	CompactionScheduler CompactionScheduler

	// ParanoidChecks enables expensive consistency checks: every table
	// written by a compaction is re-read and verified against the hash and
	// record count observed while writing it, and manifest replay refuses
	// to tolerate a torn record at the tail of the log.
	//
	// The default is false.
	ParanoidChecks bool

	// TableCacheSize is the number of open tables the catalog caches.
	//
	// The default value is 256.
	TableCacheSize int

	// MaxManifestFileSize is the maximum size the manifest log is allowed to
	// grow to before it is rotated and a new, smaller one created.
	//
	// The default value is 128MB.
	MaxManifestFileSize int64

	// TargetByteDeletionRate is the rate (in bytes per second) at which
	// obsolete table files are deleted. Deletion pacing spreads the IO cost
	// of dropping large compaction inputs.
	//
	// The default value of 0 disables deletion pacing.
	TargetByteDeletionRate int

	// TargetByteWriteRate is the rate (in bytes per second) at which
	// low-priority compactions write output tables. When the catalog is
	// marked write-stalled, compactions are promoted to user priority and
	// write unpaced.
	//
	// The default value of 0 disables write pacing.
	TargetByteWriteRate int

	// Levels hold the per-level options.
	Levels [manifest.NumLevels]LevelOptions
}

// EnsureDefaults ensures that the default values for all options are set if
// a valid value was not already specified, and returns the options for
// convenience.
func (o *Options) EnsureDefaults() *Options {
	if o.Comparer == nil {
		o.Comparer = DefaultComparer
	}
	if o.Merger == nil {
		o.Merger = DefaultMerger
	}
	if o.FS == nil {
		o.FS = vfs.Default
	}
	if o.Logger == nil {
		o.Logger = DefaultLogger
	}
	if o.EventListener == nil {
		o.EventListener = &EventListener{}
	}
	o.EventListener.EnsureDefaults(o.Logger)
	if o.Cleaner == nil {
		o.Cleaner = DeleteCleaner{}
	}
	if o.MaxSubcompactions <= 0 {
		o.MaxSubcompactions = 1
	}
	if o.MaxConcurrentCompactions <= 0 {
		o.MaxConcurrentCompactions = 1
	}
	if o.CompactionScheduler == nil {
		o.CompactionScheduler = NewConcurrencyLimitScheduler(
			o.MaxConcurrentCompactions * o.MaxSubcompactions)
	}
	if o.TableCacheSize <= 0 {
		o.TableCacheSize = 256
	}
	if o.MaxManifestFileSize == 0 {
		o.MaxManifestFileSize = 128 << 20 // 128 MB
	}
	for i := range o.Levels {
		l := &o.Levels[i]
		if l.BlockRestartInterval <= 0 {
			if i == 0 {
				l.BlockRestartInterval = 16
			} else {
				l.BlockRestartInterval = o.Levels[i-1].BlockRestartInterval
			}
		}
		if l.BlockSize <= 0 {
			if i == 0 {
				l.BlockSize = 4096
			} else {
				l.BlockSize = o.Levels[i-1].BlockSize
			}
		}
		if l.Compression == nil {
			if i == 0 {
				l.Compression = SnappyCompression
			} else {
				l.Compression = o.Levels[i-1].Compression
			}
		}
		if l.TargetFileSize <= 0 {
			if i == 0 {
				l.TargetFileSize = 2 << 20 // 2 MB
			} else {
				l.TargetFileSize = o.Levels[i-1].TargetFileSize * 2
			}
		}
	}
	return o
}

// Level returns the LevelOptions for the specified level. Levels at or
// beyond NumLevels use the last level's options.
func (o *Options) Level(level int) LevelOptions {
	if level < 0 {
		level = 0
	}
	if level >= len(o.Levels) {
		level = len(o.Levels) - 1
	}
	return o.Levels[level]
}

// maxGrandparentOverlapBytes is the maximum bytes of overlap with
// grandparent tables (i.e. level+2) before output table rotation is forced,
// bounding the cost of a future compaction of the output.
func (o *Options) maxGrandparentOverlapBytes(level int) uint64 {
	return o.Level(level).TargetFileSize * 10
}

// MakeWriterOptions constructs sstable.WriterOptions for the specified
// output level.
func (o *Options) MakeWriterOptions(level int) sstable.WriterOptions {
	l := o.Level(level)
	return sstable.WriterOptions{
		BlockRestartInterval: l.BlockRestartInterval,
		BlockSize:            l.BlockSize,
		Comparer:             o.Comparer,
		Compression:          l.Compression,
		MergerName:           o.Merger.Name,
		ParanoidChecks:       o.ParanoidChecks,
	}
}

// MakeReaderOptions constructs sstable.ReaderOptions from the catalog
// options.
func (o *Options) MakeReaderOptions() sstable.ReaderOptions {
	return sstable.ReaderOptions{
		Comparer: o.Comparer,
	}
}

// Clone returns a shallow copy of the options. The Levels array is copied by
// value; everything else is shared.
func (o *Options) Clone() *Options {
	n := &Options{}
	if o != nil {
		*n = *o
	}
	return n
}

func cleanerName(c Cleaner) string {
	if s, ok := c.(fmt.Stringer); ok {
		return s.String()
	}
	return "custom"
}

// String serializes the options in the OPTIONS file format: INI-style
// sections of key=value lines. Parse reverses it.
func (o *Options) String() string {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "[Version]\n")
	fmt.Fprintf(&buf, "  shale_version=0.1\n")
	fmt.Fprintf(&buf, "\n")
	fmt.Fprintf(&buf, "[Options]\n")
	fmt.Fprintf(&buf, "  cleaner=%s\n", cleanerName(o.Cleaner))
	fmt.Fprintf(&buf, "  comparer=%s\n", o.Comparer.Name)
	fmt.Fprintf(&buf, "  max_concurrent_compactions=%d\n", o.MaxConcurrentCompactions)
	fmt.Fprintf(&buf, "  max_manifest_file_size=%d\n", o.MaxManifestFileSize)
	fmt.Fprintf(&buf, "  max_subcompactions=%d\n", o.MaxSubcompactions)
	fmt.Fprintf(&buf, "  merger=%s\n", o.Merger.Name)
	fmt.Fprintf(&buf, "  paranoid_checks=%t\n", o.ParanoidChecks)
	fmt.Fprintf(&buf, "  table_cache_size=%d\n", o.TableCacheSize)
	fmt.Fprintf(&buf, "  target_byte_deletion_rate=%d\n", o.TargetByteDeletionRate)
	fmt.Fprintf(&buf, "  target_byte_write_rate=%d\n", o.TargetByteWriteRate)

	for i := range o.Levels {
		l := &o.Levels[i]
		fmt.Fprintf(&buf, "\n")
		fmt.Fprintf(&buf, "[Level \"%d\"]\n", i)
		fmt.Fprintf(&buf, "  block_restart_interval=%d\n", l.BlockRestartInterval)
		fmt.Fprintf(&buf, "  block_size=%d\n", l.BlockSize)
		fmt.Fprintf(&buf, "  compression=%s\n", l.Compression)
		fmt.Fprintf(&buf, "  target_file_size=%d\n", l.TargetFileSize)
	}

	return buf.String()
}

func parseCompression(value string) (*compression.Setting, error) {
	switch value {
	case "none":
		return NoCompression, nil
	case "snappy":
		return SnappyCompression, nil
	case "zstd1":
		return &compression.ZstdLevel1, nil
	case "zstd3":
		return ZstdCompression, nil
	case "minlz1":
		return MinLZCompression, nil
	case "minlz2":
		return &compression.MinLZBalanced, nil
	default:
		return nil, errors.Errorf("unknown compression: %q", errors.Safe(value))
	}
}

// parseOptions takes options serialized by Options.String() and calls fn for
// each key-value pair, tagged with its enclosing section. Unrecognized lines
// produce an error; unrecognized keys are fn's concern.
func parseOptions(s string, fn func(section, key, value string) error) error {
	var section string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if len(line) == 0 || line[0] == ';' || line[0] == '#' {
			continue
		}
		if line[0] == '[' {
			if line[len(line)-1] != ']' {
				return errors.Errorf("invalid section: %q", errors.Safe(line))
			}
			section = line[1 : len(line)-1]
			continue
		}
		pos := strings.IndexByte(line, '=')
		if pos < 0 {
			return errors.Errorf("invalid key=value syntax: %q", errors.Safe(line))
		}
		key := strings.TrimSpace(line[:pos])
		value := strings.TrimSpace(line[pos+1:])
		if err := fn(section, key, value); err != nil {
			return err
		}
	}
	return nil
}

func parseLevelSection(section string) (int, bool) {
	rest, ok := strings.CutPrefix(section, `Level "`)
	if !ok {
		return 0, false
	}
	rest, ok = strings.CutSuffix(rest, `"`)
	if !ok {
		return 0, false
	}
	i, err := strconv.Atoi(rest)
	if err != nil || i < 0 || i >= manifest.NumLevels {
		return 0, false
	}
	return i, true
}

// Parse parses the options from the specified string. Options that were
// serialized from runtime state (comparer, merger, cleaner) are matched
// against the receiver's current values by name and are not themselves
// replaced. Unknown keys are ignored so that OPTIONS files written by newer
// versions remain readable.
func (o *Options) Parse(s string) error {
	return parseOptions(s, func(section, key, value string) error {
		switch {
		case section == "Version":
			switch key {
			case "shale_version":
			default:
				// Ignore unknown versioning keys.
			}
			return nil

		case section == "Options":
			var err error
			switch key {
			case "cleaner":
				if o.Cleaner != nil && cleanerName(o.Cleaner) != value {
					return errors.Errorf("cleaner name from file %q != cleaner name from options %q",
						errors.Safe(value), errors.Safe(cleanerName(o.Cleaner)))
				}
			case "comparer":
				if o.Comparer != nil && o.Comparer.Name != value {
					return errors.Errorf("comparer name from file %q != comparer name from options %q",
						errors.Safe(value), errors.Safe(o.Comparer.Name))
				}
			case "merger":
				if o.Merger != nil && o.Merger.Name != value {
					return errors.Errorf("merger name from file %q != merger name from options %q",
						errors.Safe(value), errors.Safe(o.Merger.Name))
				}
			case "max_concurrent_compactions":
				o.MaxConcurrentCompactions, err = strconv.Atoi(value)
			case "max_manifest_file_size":
				o.MaxManifestFileSize, err = strconv.ParseInt(value, 10, 64)
			case "max_subcompactions":
				o.MaxSubcompactions, err = strconv.Atoi(value)
			case "paranoid_checks":
				o.ParanoidChecks, err = strconv.ParseBool(value)
			case "table_cache_size":
				o.TableCacheSize, err = strconv.Atoi(value)
			case "target_byte_deletion_rate":
				o.TargetByteDeletionRate, err = strconv.Atoi(value)
			case "target_byte_write_rate":
				o.TargetByteWriteRate, err = strconv.Atoi(value)
			default:
				// Ignore unknown keys.
			}
			return errors.Wrapf(err, "parsing option %q", errors.Safe(key))

		default:
			if i, ok := parseLevelSection(section); ok {
				l := &o.Levels[i]
				var err error
				switch key {
				case "block_restart_interval":
					l.BlockRestartInterval, err = strconv.Atoi(value)
				case "block_size":
					l.BlockSize, err = strconv.Atoi(value)
				case "compression":
					l.Compression, err = parseCompression(value)
				case "target_file_size":
					l.TargetFileSize, err = strconv.ParseUint(value, 10, 64)
				default:
					// Ignore unknown keys.
				}
				return errors.Wrapf(err, "parsing level %d option %q", i, errors.Safe(key))
			}
			// Ignore unknown sections.
			return nil
		}
	})
}

// Check verifies the options are compatible with the previous options
// serialized by Options.String(). For example, the comparer and merger must
// match between runs.
func (o *Options) Check(s string) error {
	return parseOptions(s, func(section, key, value string) error {
		if section != "Options" {
			return nil
		}
		switch key {
		case "comparer":
			if value != o.Comparer.Name {
				return errors.Errorf("comparer name from file %q != comparer name from options %q",
					errors.Safe(value), errors.Safe(o.Comparer.Name))
			}
		case "merger":
			if value != o.Merger.Name {
				return errors.Errorf("merger name from file %q != merger name from options %q",
					errors.Safe(value), errors.Safe(o.Merger.Name))
			}
		}
		return nil
	})
}

// Validate verifies that the options are mutually consistent.
func (o *Options) Validate() error {
	var buf strings.Builder
	if o.MaxSubcompactions < 0 {
		fmt.Fprintf(&buf, "MaxSubcompactions (%d) must not be negative\n", o.MaxSubcompactions)
	}
	if o.MaxConcurrentCompactions < 0 {
		fmt.Fprintf(&buf, "MaxConcurrentCompactions (%d) must not be negative\n",
			o.MaxConcurrentCompactions)
	}
	if o.TableCacheSize < 0 {
		fmt.Fprintf(&buf, "TableCacheSize (%d) must not be negative\n", o.TableCacheSize)
	}
	if buf.Len() == 0 {
		return nil
	}
	return errors.New(strings.TrimRightFunc(buf.String(), unicode.IsSpace))
}
