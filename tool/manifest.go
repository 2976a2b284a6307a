// Copyright 2023 The Shale Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package tool

import (
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/olekukonko/tablewriter"
	"github.com/shaledb/shale"
	"github.com/shaledb/shale/internal/base"
	"github.com/shaledb/shale/internal/manifest"
	"github.com/shaledb/shale/internal/record"
	"github.com/spf13/cobra"
)

// manifestT implements manifest-level tools, including both configuration
// state and the commands themselves.
type manifestT struct {
	Root      *cobra.Command
	Dump      *cobra.Command
	Summarize *cobra.Command
	Check     *cobra.Command

	opts      *shale.Options
	comparers map[string]*Comparer
	fmtKey    formatter
	verbose   bool

	summarizeDur time.Duration
}

func newManifest(opts *shale.Options, comparers map[string]*Comparer) *manifestT {
	m := &manifestT{
		opts:         opts,
		comparers:    comparers,
		summarizeDur: time.Hour,
	}
	m.fmtKey.mustSet("quoted")

	m.Root = &cobra.Command{
		Use:   "manifest",
		Short: "manifest introspection tools",
	}
	m.Root.PersistentFlags().BoolVarP(&m.verbose, "verbose", "v", false, "verbose output")

	m.Dump = &cobra.Command{
		Use:   "dump <manifest-files>",
		Short: "print manifest contents",
		Long: `
Print the version edits in the MANIFEST files, one edit per record, followed
by the version the edits assemble to.
`,
		Args: cobra.MinimumNArgs(1),
		Run:  m.runDump,
	}
	m.Dump.Flags().Var(&m.fmtKey, "key", "key formatter")
	m.Root.AddCommand(m.Dump)

	m.Summarize = &cobra.Command{
		Use:   "summarize <manifest-files>",
		Short: "summarize manifest contents",
		Long: `
Summarize the edits to the MANIFEST files over time: tables and bytes added
and deleted per interval and, with -v, table lifetime percentiles per level.
The manifest carries no clock of its own; time is taken from the creation
timestamps of the added tables.
`,
		Args: cobra.MinimumNArgs(1),
		Run:  m.runSummarize,
	}
	m.Summarize.Flags().DurationVar(
		&m.summarizeDur, "dur", time.Hour, "bucket duration as a Go duration string (eg, '1h', '15m')")
	m.Root.AddCommand(m.Summarize)

	m.Check = &cobra.Command{
		Use:   "check <manifest-files>",
		Short: "check manifest contents",
		Long: `
Check that every version the MANIFEST files describe keeps its levels
correctly ordered.
`,
		Args: cobra.MinimumNArgs(1),
		Run:  m.runCheck,
	}
	m.Check.Flags().Var(&m.fmtKey, "key", "key formatter")
	m.Root.AddCommand(m.Check)

	return m
}

// forEachEdit decodes the version edits in the named manifest file in order.
// Decode errors are reported to stderr; a torn tail record stops the
// iteration without a report, matching catalog recovery.
func (m *manifestT) forEachEdit(
	stderr io.Writer, arg string, fn func(offset int64, ve *manifest.VersionEdit) bool,
) {
	f, err := m.opts.FS.Open(arg)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return
	}
	defer f.Close()

	rr := record.NewReader(f)
	for {
		offset := rr.Offset()
		r, err := rr.Next()
		if err != nil {
			if err != io.EOF && !record.IsInvalidRecord(err) {
				fmt.Fprintf(stderr, "%s: %s\n", arg, err)
			}
			return
		}
		var ve manifest.VersionEdit
		if err := ve.Decode(r); err != nil {
			fmt.Fprintf(stderr, "%s: %s\n", arg, err)
			return
		}
		if !fn(offset, &ve) {
			return
		}
	}
}

func (m *manifestT) runDump(cmd *cobra.Command, args []string) {
	stdout, stderr := cmd.OutOrStdout(), cmd.OutOrStderr()
	for _, arg := range args {
		fmt.Fprintf(stdout, "%s\n", arg)

		var bve manifest.BulkVersionEdit
		var cmp base.Compare
		ok := true
		m.forEachEdit(stderr, arg, func(offset int64, ve *manifest.VersionEdit) bool {
			fmt.Fprintf(stdout, "offset %d\n", offset)
			if ve.ComparerName != "" {
				fmt.Fprintf(stdout, "  comparer:      %s\n", ve.ComparerName)
				if c, found := m.comparers[ve.ComparerName]; found {
					cmp = c.Compare
				} else {
					fmt.Fprintf(stderr, "%s: unknown comparer %q\n", arg, ve.ComparerName)
					ok = false
					return false
				}
			}
			if ve.NextFileNum != 0 {
				fmt.Fprintf(stdout, "  next-file-num: %d\n", ve.NextFileNum)
			}
			if ve.LastSeqNum != 0 {
				fmt.Fprintf(stdout, "  last-seq-num:  %d\n", ve.LastSeqNum)
			}
			for _, df := range sortedDeleted(ve) {
				fmt.Fprintf(stdout, "  deleted:       L%d %s\n", df.Level, df.FileNum)
			}
			for _, nf := range ve.NewTables {
				fmt.Fprintf(stdout, "  added:         L%d %s:%d [%s-%s] epoch %d",
					nf.Level, nf.Meta.FileNum, nf.Meta.Size,
					formatKey(m.fmtKey, nf.Meta.Smallest), formatKey(m.fmtKey, nf.Meta.Largest),
					nf.Meta.EpochNumber)
				if nf.Meta.CreationTime != 0 {
					fmt.Fprintf(stdout, " (%s)",
						time.Unix(int64(nf.Meta.CreationTime), 0).UTC().Format(time.RFC3339))
				}
				fmt.Fprintln(stdout)
			}
			if err := bve.Accumulate(ve); err != nil {
				fmt.Fprintf(stderr, "%s: %s\n", arg, err)
				ok = false
				return false
			}
			return true
		})

		if !ok || cmp == nil {
			continue
		}
		v, err := bve.Apply(nil, cmp)
		if err != nil {
			fmt.Fprintf(stderr, "%s: %s\n", arg, err)
			continue
		}
		fmt.Fprintf(stdout, "%s", v.DebugString())
	}
}

func sortedDeleted(ve *manifest.VersionEdit) []manifest.DeletedTableEntry {
	deleted := make([]manifest.DeletedTableEntry, 0, len(ve.DeletedTables))
	for df := range ve.DeletedTables {
		deleted = append(deleted, df)
	}
	slices.SortFunc(deleted, func(a, b manifest.DeletedTableEntry) int {
		if a.Level != b.Level {
			return a.Level - b.Level
		}
		return int(a.FileNum) - int(b.FileNum)
	})
	return deleted
}

// Table lifetimes are clipped to a year; a deletion that far from the
// creation is indistinguishable from a leaked table.
const maxLifetimeSec = 365 * 24 * 60 * 60

type summaryBucket struct {
	tablesAdded   uint64
	bytesAdded    uint64
	tablesDeleted uint64
	bytesDeleted  uint64
}

func (m *manifestT) runSummarize(cmd *cobra.Command, args []string) {
	stdout, stderr := cmd.OutOrStdout(), cmd.OutOrStderr()
	for _, arg := range args {
		metadatas := make(map[base.DiskFileNum]*manifest.TableMetadata)
		buckets := make(map[time.Time]*summaryBucket)
		var lifetimeSec [manifest.NumLevels]*hdrhistogram.Histogram
		var newest time.Time
		var numHistErrors int

		bucket := func(t time.Time) *summaryBucket {
			bk := t.Truncate(m.summarizeDur)
			b := buckets[bk]
			if b == nil {
				b = &summaryBucket{}
				buckets[bk] = b
			}
			return b
		}

		m.forEachEdit(stderr, arg, func(_ int64, ve *manifest.VersionEdit) bool {
			for _, nf := range ve.NewTables {
				metadatas[nf.Meta.FileNum] = nf.Meta
				if nf.Meta.CreationTime == 0 {
					continue
				}
				ct := time.Unix(int64(nf.Meta.CreationTime), 0).UTC()
				if ct.After(newest) {
					newest = ct
				}
				b := bucket(ct)
				b.tablesAdded++
				b.bytesAdded += nf.Meta.Size
			}
			// Deletions carry no timestamp of their own. They are charged to
			// the newest creation time seen so far, the closest thing the
			// manifest has to the time the edit was written.
			for df := range ve.DeletedTables {
				meta := metadatas[df.FileNum]
				if meta == nil || newest.IsZero() {
					continue
				}
				b := bucket(newest)
				b.tablesDeleted++
				b.bytesDeleted += meta.Size
				if m.verbose && meta.CreationTime != 0 && df.Level < manifest.NumLevels {
					hist := lifetimeSec[df.Level]
					if hist == nil {
						hist = hdrhistogram.New(0, maxLifetimeSec, 1)
						lifetimeSec[df.Level] = hist
					}
					sec := int64(newest.Sub(time.Unix(int64(meta.CreationTime), 0).UTC()) / time.Second)
					if sec > maxLifetimeSec {
						sec = maxLifetimeSec
					}
					if err := hist.RecordValue(sec); err != nil {
						numHistErrors++
					}
				}
			}
			return true
		})

		fmt.Fprintf(stdout, "%s\n", arg)
		keys := make([]time.Time, 0, len(buckets))
		for bk := range buckets {
			keys = append(keys, bk)
		}
		slices.SortFunc(keys, func(a, b time.Time) int { return a.Compare(b) })

		tbl := tablewriter.NewWriter(stdout)
		tbl.SetHeader([]string{"Bucket", "Added", "Bytes in", "Deleted", "Bytes out"})
		for _, bk := range keys {
			b := buckets[bk]
			tbl.Append([]string{
				bk.Format(time.RFC3339),
				fmt.Sprintf("%d", b.tablesAdded),
				humanBytes(b.bytesAdded),
				fmt.Sprintf("%d", b.tablesDeleted),
				humanBytes(b.bytesDeleted),
			})
		}
		tbl.Render()

		if m.verbose {
			fmt.Fprintf(stdout, "table lifetimes\n")
			formatSec := func(sec int64) string {
				return (time.Second * time.Duration(sec)).String()
			}
			for level, hist := range lifetimeSec {
				if hist == nil {
					continue
				}
				fmt.Fprintf(stdout, "  L%d: mean: %s p25: %s p50: %s p75: %s p90: %s\n", level,
					formatSec(int64(hist.Mean())), formatSec(hist.ValueAtPercentile(25)),
					formatSec(hist.ValueAtPercentile(50)), formatSec(hist.ValueAtPercentile(75)),
					formatSec(hist.ValueAtPercentile(90)))
			}
			if numHistErrors > 0 {
				fmt.Fprintf(stdout, "errors in lifetime histograms: %d\n", numHistErrors)
			}
		}
	}
}

func (m *manifestT) runCheck(cmd *cobra.Command, args []string) {
	stdout, stderr := cmd.OutOrStdout(), cmd.OutOrStderr()
	for _, arg := range args {
		var v *manifest.Version
		var cmp base.Compare
		var editIdx int
		ok := true
		m.forEachEdit(stderr, arg, func(offset int64, ve *manifest.VersionEdit) bool {
			if ve.ComparerName != "" {
				c, found := m.comparers[ve.ComparerName]
				if !found {
					fmt.Fprintf(stderr, "%s: unknown comparer %q\n", arg, ve.ComparerName)
					ok = false
					return false
				}
				cmp = c.Compare
			}
			if cmp == nil {
				fmt.Fprintf(stderr, "%s: first edit does not name a comparer\n", arg)
				ok = false
				return false
			}
			var bve manifest.BulkVersionEdit
			if err := bve.Accumulate(ve); err != nil {
				fmt.Fprintf(stderr, "%s: offset %d: %s\n", arg, offset, err)
				ok = false
				return false
			}
			nv, err := bve.Apply(v, cmp)
			if err != nil {
				fmt.Fprintf(stderr, "%s: offset %d: %s\n", arg, offset, err)
				ok = false
				return false
			}
			v = nv
			if err := v.CheckOrdering(cmp); err != nil {
				fmt.Fprintf(stderr, "%s: offset %d: %s\n", arg, offset, err)
				ok = false
				return false
			}
			editIdx++
			return true
		})
		if ok {
			fmt.Fprintf(stdout, "%s: %d edits ok\n", arg, editIdx)
			if m.verbose && v != nil {
				fmt.Fprintf(stdout, "%s", v.DebugString())
			}
		}
	}
}
