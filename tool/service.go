// Copyright 2023 The Shale Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package tool

import (
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"github.com/shaledb/shale"
	"github.com/spf13/cobra"
)

// serviceT implements tools for service compaction jobs: describing wire
// descriptors and running jobs the way a service executor would.
type serviceT struct {
	Root     *cobra.Command
	Describe *cobra.Command
	Run      *cobra.Command
	Result   *cobra.Command

	opts      *shale.Options
	comparers map[string]*Comparer
	mergers   map[string]*Merger

	// Flags.
	fmtKey       formatter
	dirname      string
	outputPath   string
	resultPath   string
	comparerName string
	mergerName   string
}

func newService(
	opts *shale.Options, comparers map[string]*Comparer, mergers map[string]*Merger,
) *serviceT {
	s := &serviceT{
		opts:      opts,
		comparers: comparers,
		mergers:   mergers,
	}
	s.fmtKey.mustSet("quoted")

	s.Root = &cobra.Command{
		Use:   "service",
		Short: "service compaction job tools",
	}

	s.Describe = &cobra.Command{
		Use:   "describe <input-files>",
		Short: "print service job descriptors",
		Long: `
Decode encoded service job inputs and print what the jobs would read and
write.
`,
		Args: cobra.MinimumNArgs(1),
		Run:  s.runDescribe,
	}
	s.Describe.Flags().Var(&s.fmtKey, "key", "key formatter")
	s.Root.AddCommand(s.Describe)

	s.Run = &cobra.Command{
		Use:   "run <input-file>",
		Short: "execute a service job",
		Long: `
Decode an encoded service job input and execute it against the tables under
--dir, writing output tables under --out. The result is printed and, with
--result, encoded to a file for the coordinator to install.
`,
		Args: cobra.ExactArgs(1),
		Run:  s.runRun,
	}
	s.Run.Flags().StringVar(&s.dirname, "dir", "", "directory holding the input tables and OPTIONS file")
	s.Run.Flags().StringVar(&s.outputPath, "out", "", "directory to write output tables to")
	s.Run.Flags().StringVar(&s.resultPath, "result", "", "file to write the encoded result to")
	s.Run.Flags().StringVar(&s.comparerName, "comparer", "", "comparer the catalog was written with")
	s.Run.Flags().StringVar(&s.mergerName, "merger", "", "merger the catalog was written with")
	s.Root.AddCommand(s.Run)

	s.Result = &cobra.Command{
		Use:   "result <result-files>",
		Short: "print service job results",
		Long: `
Decode encoded service job results and print their outputs and statistics.
`,
		Args: cobra.MinimumNArgs(1),
		Run:  s.runResult,
	}
	s.Result.Flags().Var(&s.fmtKey, "key", "key formatter")
	s.Root.AddCommand(s.Result)

	return s
}

func (s *serviceT) readBlob(path string) ([]byte, error) {
	f, err := s.opts.FS.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (s *serviceT) runDescribe(cmd *cobra.Command, args []string) {
	stdout, stderr := cmd.OutOrStdout(), cmd.OutOrStderr()
	for _, arg := range args {
		data, err := s.readBlob(arg)
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
			continue
		}
		in, err := shale.DecodeServiceInput(data)
		if err != nil {
			fmt.Fprintf(stderr, "%s: %s\n", arg, err)
			continue
		}
		fmt.Fprintf(stdout, "%s\n", arg)
		fmt.Fprintf(stdout, "  catalog:          %s\n", in.CatalogName)
		if in.DBID != "" {
			fmt.Fprintf(stdout, "  db-id:            %s\n", in.DBID)
		}
		fmt.Fprintf(stdout, "  output-level:     L%d\n", in.OutputLevel)
		if in.Begin != nil {
			fmt.Fprintf(stdout, "  begin:            %s\n", formatUserKey(s.fmtKey, in.Begin))
		}
		if in.End != nil {
			fmt.Fprintf(stdout, "  end:              %s\n", formatUserKey(s.fmtKey, in.End))
		}
		if len(in.Snapshots) > 0 {
			fmt.Fprintf(stdout, "  snapshots:        %v\n", in.Snapshots)
		}
		if in.OptionsFileNum != 0 {
			fmt.Fprintf(stdout, "  options-file-num: %s\n", in.OptionsFileNum)
		}
		for _, f := range in.Inputs {
			fmt.Fprintf(stdout, "  input:            L%d %s\n", f.Level, f.Name)
		}
	}
}

func (s *serviceT) runRun(cmd *cobra.Command, args []string) {
	stdout, stderr := cmd.OutOrStdout(), cmd.OutOrStderr()
	data, err := s.readBlob(args[0])
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return
	}
	in, err := shale.DecodeServiceInput(data)
	if err != nil {
		fmt.Fprintf(stderr, "%s: %s\n", args[0], err)
		return
	}

	opts := *s.opts
	if s.comparerName != "" {
		c, ok := s.comparers[s.comparerName]
		if !ok {
			fmt.Fprintf(stderr, "unknown comparer %q\n", s.comparerName)
			return
		}
		opts.Comparer = c
	}
	if s.mergerName != "" {
		m, ok := s.mergers[s.mergerName]
		if !ok {
			fmt.Fprintf(stderr, "unknown merger %q\n", s.mergerName)
			return
		}
		opts.Merger = m
	}
	dirname := s.dirname
	if dirname == "" {
		dirname = in.CatalogName
	}
	outputPath := s.outputPath
	if outputPath == "" {
		outputPath = dirname + "-out"
	}

	res := shale.RunServiceJob(&opts, dirname, outputPath, in)
	s.printResult(stdout, res)

	if s.resultPath != "" {
		if err := s.writeBlob(s.resultPath, shale.EncodeServiceResult(res)); err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}
}

func (s *serviceT) writeBlob(path string, data []byte) error {
	f, err := s.opts.FS.Create(path)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (s *serviceT) runResult(cmd *cobra.Command, args []string) {
	stdout, stderr := cmd.OutOrStdout(), cmd.OutOrStderr()
	for _, arg := range args {
		data, err := s.readBlob(arg)
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
			continue
		}
		res, err := shale.DecodeServiceResult(data)
		if err != nil {
			fmt.Fprintf(stderr, "%s: %s\n", arg, err)
			continue
		}
		fmt.Fprintf(stdout, "%s\n", arg)
		s.printResult(stdout, res)
	}
}

func (s *serviceT) printResult(stdout io.Writer, res *shale.ServiceResult) {
	fmt.Fprintf(stdout, "status: %s\n", res.Status)
	if res.Message != "" {
		fmt.Fprintf(stdout, "message: %s\n", res.Message)
	}
	if len(res.Outputs) > 0 {
		tbl := tablewriter.NewWriter(stdout)
		tbl.SetHeader([]string{"Table", "Placement", "Size", "Records", "Smallest", "Largest"})
		for _, out := range res.Outputs {
			tbl.Append([]string{
				out.Name,
				out.Placement.String(),
				humanBytes(out.Size),
				fmt.Sprintf("%d", out.NumEntries),
				formatKey(s.fmtKey, out.Smallest),
				formatKey(s.fmtKey, out.Largest),
			})
		}
		tbl.Render()
	}
	if res.Status != shale.ServiceOK {
		return
	}
	fmt.Fprintf(stdout, "read %s in %d tables, wrote %s, dropped %d of %d records in %s\n",
		humanBytes(res.BytesRead), res.Stats.NumInputFiles,
		humanBytes(res.BytesWritten),
		res.Stats.Dropped.Total(), res.Stats.NumInputRecords,
		res.Stats.Duration)
}

