// Copyright 2023 The Shale Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package tool

import (
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"github.com/shaledb/shale"
	"github.com/shaledb/shale/internal/base"
	"github.com/shaledb/shale/sstable"
	"github.com/spf13/cobra"
)

// sstableT implements sstable-level tools, including both configuration state
// and the commands themselves.
type sstableT struct {
	Root       *cobra.Command
	Check      *cobra.Command
	Properties *cobra.Command
	Scan       *cobra.Command

	opts      *shale.Options
	comparers map[string]*Comparer

	// Flags.
	fmtKey       formatter
	fmtValue     formatter
	start        key
	end          key
	count        bool
	comparerName string
}

func newSSTable(opts *shale.Options, comparers map[string]*Comparer) *sstableT {
	s := &sstableT{
		opts:      opts,
		comparers: comparers,
	}
	s.fmtKey.mustSet("quoted")
	s.fmtValue.mustSet("quoted")

	s.Root = &cobra.Command{
		Use:   "sstable",
		Short: "sstable introspection tools",
	}
	s.Root.PersistentFlags().StringVar(
		&s.comparerName, "comparer", "", "comparer the tables were written with (defaults to the built-in ordering)")

	s.Check = &cobra.Command{
		Use:   "check <sstables>",
		Short: "verify checksums and metadata",
		Long: `
Read every record in the sstables, verifying block checksums along the way,
and cross-check the record count against the table properties.
`,
		Args: cobra.MinimumNArgs(1),
		Run:  s.runCheck,
	}
	s.Properties = &cobra.Command{
		Use:   "properties <sstables>",
		Short: "print sstable properties",
		Long: `
Print the properties for the sstables, and a summary table when more than one
is given.
`,
		Args: cobra.MinimumNArgs(1),
		Run:  s.runProperties,
	}
	s.Scan = &cobra.Command{
		Use:   "scan <sstables>",
		Short: "print sstable records",
		Long: `
Print the records in the sstables. The sstables are scanned in command line
order which means the records will be printed in that order.
`,
		Args: cobra.MinimumNArgs(1),
		Run:  s.runScan,
	}
	s.Scan.Flags().Var(&s.fmtKey, "key", "key formatter")
	s.Scan.Flags().Var(&s.fmtValue, "value", "value formatter")
	s.Scan.Flags().Var(&s.start, "start", "start key for the scan")
	s.Scan.Flags().Var(&s.end, "end", "end key for the scan")
	s.Scan.Flags().BoolVar(&s.count, "count", false, "only print the record count")

	s.Root.AddCommand(s.Check, s.Properties, s.Scan)
	return s
}

func (s *sstableT) comparer() (*Comparer, error) {
	if s.comparerName == "" {
		return base.DefaultComparer, nil
	}
	c, ok := s.comparers[s.comparerName]
	if !ok {
		return nil, fmt.Errorf("unknown comparer %q", s.comparerName)
	}
	return c, nil
}

// foreachSSTable opens each argument as an sstable and invokes fn. Open and
// fn errors are reported to stderr and the remaining arguments are still
// visited.
func (s *sstableT) foreachSSTable(
	stderr io.Writer, args []string, fn func(arg string, r *sstable.Reader) error,
) {
	c, err := s.comparer()
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return
	}
	ro := sstable.ReaderOptions{Comparer: c}
	for _, arg := range args {
		func() {
			f, err := s.opts.FS.Open(arg)
			if err != nil {
				fmt.Fprintf(stderr, "%s\n", err)
				return
			}
			r, err := sstable.NewReader(f, ro)
			if err != nil {
				f.Close()
				fmt.Fprintf(stderr, "%s: %s\n", arg, err)
				return
			}
			defer r.Close()
			if err := fn(arg, r); err != nil {
				fmt.Fprintf(stderr, "%s: %s\n", arg, err)
			}
		}()
	}
}

func (s *sstableT) runCheck(cmd *cobra.Command, args []string) {
	stdout, stderr := cmd.OutOrStdout(), cmd.OutOrStderr()
	s.foreachSSTable(stderr, args, func(arg string, r *sstable.Reader) error {
		numRecords, recordHash, err := r.Verify()
		if err != nil {
			return err
		}
		if props := r.Properties(); numRecords != props.NumEntries {
			return fmt.Errorf("scanned %d records, properties say %d", numRecords, props.NumEntries)
		}
		fmt.Fprintf(stdout, "%s: %d records ok (hash %016x)\n", arg, numRecords, recordHash)
		return nil
	})
}

func (s *sstableT) runProperties(cmd *cobra.Command, args []string) {
	stdout, stderr := cmd.OutOrStdout(), cmd.OutOrStderr()
	type row struct {
		name    string
		size    int64
		entries uint64
	}
	var rows []row
	s.foreachSSTable(stderr, args, func(arg string, r *sstable.Reader) error {
		props := r.Properties()
		fmt.Fprintf(stdout, "%s\n", arg)
		fmt.Fprintf(stdout, "  size:            %d\n", r.Size())
		fmt.Fprintf(stdout, "  comparer:        %s\n", props.ComparerName)
		fmt.Fprintf(stdout, "  merger:          %s\n", props.MergerName)
		fmt.Fprintf(stdout, "  compression:     %s\n", props.CompressionName)
		fmt.Fprintf(stdout, "  entries:         %d\n", props.NumEntries)
		fmt.Fprintf(stdout, "  deletions:       %d\n", props.NumDeletions)
		fmt.Fprintf(stdout, "  merge-operands:  %d\n", props.NumMergeOperands)
		fmt.Fprintf(stdout, "  data-blocks:     %d\n", props.NumDataBlocks)
		fmt.Fprintf(stdout, "  data-size:       %d\n", props.DataSize)
		fmt.Fprintf(stdout, "  index-size:      %d\n", props.IndexSize)
		fmt.Fprintf(stdout, "  raw-key-size:    %d\n", props.RawKeySize)
		fmt.Fprintf(stdout, "  raw-value-size:  %d\n", props.RawValueSize)
		rows = append(rows, row{name: s.opts.FS.PathBase(arg), size: r.Size(), entries: props.NumEntries})
		return nil
	})

	if len(rows) > 1 {
		tbl := tablewriter.NewWriter(stdout)
		tbl.SetHeader([]string{"Table", "Size", "Entries"})
		var totalSize int64
		var totalEntries uint64
		for _, r := range rows {
			tbl.Append([]string{r.name, humanBytes(uint64(r.size)), fmt.Sprintf("%d", r.entries)})
			totalSize += r.size
			totalEntries += r.entries
		}
		tbl.SetFooter([]string{"total", humanBytes(uint64(totalSize)), fmt.Sprintf("%d", totalEntries)})
		tbl.Render()
	}
}

func (s *sstableT) runScan(cmd *cobra.Command, args []string) {
	stdout, stderr := cmd.OutOrStdout(), cmd.OutOrStderr()
	c, err := s.comparer()
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return
	}
	cmp := c.Compare
	var count uint64
	s.foreachSSTable(stderr, args, func(arg string, r *sstable.Reader) error {
		iter, err := r.NewIter()
		if err != nil {
			return err
		}
		defer iter.Close()

		var kv *base.InternalKV
		if len(s.start) == 0 {
			kv = iter.First()
		} else {
			kv = iter.SeekGE(s.start)
		}
		for ; kv != nil; kv = iter.Next() {
			if len(s.end) > 0 && cmp(kv.K.UserKey, s.end) >= 0 {
				break
			}
			count++
			if !s.count {
				formatKeyValue(stdout, s.fmtKey, s.fmtValue, kv)
			}
		}
		return iter.Error()
	})
	if s.count {
		fmt.Fprintf(stdout, "%d\n", count)
	}
}
