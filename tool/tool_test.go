// Copyright 2023 The Shale Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package tool

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/shaledb/shale"
	"github.com/shaledb/shale/internal/base"
	"github.com/shaledb/shale/sstable"
	"github.com/shaledb/shale/vfs"
	"github.com/stretchr/testify/require"
)

func writeTable(t *testing.T, fs vfs.FS, path string, records ...string) {
	f, err := fs.Create(path)
	require.NoError(t, err)
	w := sstable.NewWriter(f, sstable.WriterOptions{})
	for _, rec := range records {
		kv := base.ParseInternalKV(rec)
		require.NoError(t, w.Add(kv.K, kv.V))
	}
	require.NoError(t, w.Close())
}

func writeFile(t *testing.T, fs vfs.FS, path string, data []byte) {
	f, err := fs.Create(path)
	require.NoError(t, err)
	_, err = f.Write(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

// runCommand executes one of the tool's top-level commands against an
// in-memory filesystem and returns its stdout and stderr.
func runCommand(t *testing.T, fs vfs.FS, args ...string) (stdout, stderr string) {
	tl := New()
	tl.opts.FS = fs
	var out, errOut bytes.Buffer
	for _, cmd := range tl.Commands {
		if strings.HasPrefix(cmd.Use, args[0]) {
			cmd.SetArgs(args[1:])
			cmd.SetOut(&out)
			cmd.SetErr(&errOut)
			require.NoError(t, cmd.Execute())
			return out.String(), errOut.String()
		}
	}
	t.Fatalf("unknown command %q", args[0])
	return "", ""
}

func findFile(t *testing.T, fs vfs.FS, dirname string, ft base.FileType) string {
	ls, err := fs.List(dirname)
	require.NoError(t, err)
	for _, name := range ls {
		if fileType, _, ok := base.ParseFilename(fs, name); ok && fileType == ft {
			return fs.PathJoin(dirname, name)
		}
	}
	t.Fatalf("no %v file under %s", ft, dirname)
	return ""
}

func buildCatalog(t *testing.T, fs vfs.FS) {
	c, err := shale.Open("db", &shale.Options{FS: fs})
	require.NoError(t, err)
	for i, recs := range [][]string{
		{"a#1,SET:a1", "c#1,SET:c1"},
		{"b#2,SET:b2", "d#2,SET:d2"},
	} {
		scratch := fmt.Sprintf("scratch-%d.sst", i)
		writeTable(t, fs, scratch, recs...)
		require.NoError(t, c.Ingest([]string{scratch}, 0))
	}
	require.NoError(t, c.Close())
}

func TestManifestTool(t *testing.T) {
	fs := vfs.NewMem()
	buildCatalog(t, fs)
	manifestPath := findFile(t, fs, "db", base.FileTypeManifest)

	t.Run("dump", func(t *testing.T) {
		stdout, stderr := runCommand(t, fs, "manifest", "dump", manifestPath)
		require.Empty(t, stderr)
		require.Contains(t, stdout, manifestPath)
		require.Contains(t, stdout, "offset ")
		require.Contains(t, stdout, "comparer:      leveldb.BytewiseComparator")
		require.Contains(t, stdout, "next-file-num:")
		require.Contains(t, stdout, "added:         L0")
		require.Contains(t, stdout, "epoch 1")
		require.Contains(t, stdout, "epoch 2")
	})

	t.Run("check", func(t *testing.T) {
		stdout, stderr := runCommand(t, fs, "manifest", "check", manifestPath)
		require.Empty(t, stderr)
		require.Contains(t, stdout, "edits ok")
	})

	t.Run("summarize", func(t *testing.T) {
		stdout, stderr := runCommand(t, fs, "manifest", "summarize", manifestPath)
		require.Empty(t, stderr)
		require.Contains(t, stdout, "ADDED")
		require.Contains(t, stdout, "DELETED")
	})

	t.Run("missing-file", func(t *testing.T) {
		_, stderr := runCommand(t, fs, "manifest", "dump", "db/MANIFEST-999999")
		require.NotEmpty(t, stderr)
	})
}

func TestSSTableTool(t *testing.T) {
	fs := vfs.NewMem()
	require.NoError(t, fs.MkdirAll("src", 0755))
	writeTable(t, fs, "src/000001.sst", "a#2,SET:a2", "b#2,SET:b2")
	writeTable(t, fs, "src/000002.sst", "b#1,SET:b1", "c#1,DEL:")

	t.Run("props", func(t *testing.T) {
		stdout, stderr := runCommand(t, fs, "sstable", "properties", "src/000001.sst")
		require.Empty(t, stderr)
		require.Contains(t, stdout, "src/000001.sst")
		require.Contains(t, stdout, "entries:         2")
		require.Contains(t, stdout, "comparer:        leveldb.BytewiseComparator")
	})

	t.Run("props-summary", func(t *testing.T) {
		stdout, stderr := runCommand(t, fs, "sstable", "properties", "src/000001.sst", "src/000002.sst")
		require.Empty(t, stderr)
		require.Contains(t, stdout, "TOTAL")
	})

	t.Run("scan", func(t *testing.T) {
		stdout, stderr := runCommand(t, fs, "sstable", "scan", "src/000001.sst", "src/000002.sst")
		require.Empty(t, stderr)
		require.Contains(t, stdout, "a#2,SET a2\n")
		require.Contains(t, stdout, "b#1,SET b1\n")
		require.Contains(t, stdout, "c#1,DEL \n")
	})

	t.Run("scan-bounded", func(t *testing.T) {
		stdout, stderr := runCommand(t, fs, "sstable", "scan",
			"--start", "b", "--end", "c", "src/000002.sst")
		require.Empty(t, stderr)
		require.Contains(t, stdout, "b#1,SET")
		require.NotContains(t, stdout, "c#1,DEL")
	})

	t.Run("scan-count", func(t *testing.T) {
		stdout, stderr := runCommand(t, fs, "sstable", "scan", "--count", "src/000001.sst")
		require.Empty(t, stderr)
		require.Equal(t, "2\n", stdout)
	})

	t.Run("check", func(t *testing.T) {
		stdout, stderr := runCommand(t, fs, "sstable", "check", "src/000001.sst")
		require.Empty(t, stderr)
		require.Contains(t, stdout, "2 records ok")
	})

	t.Run("unknown-comparer", func(t *testing.T) {
		_, stderr := runCommand(t, fs, "sstable", "scan", "--comparer", "nope", "src/000001.sst")
		require.Contains(t, stderr, `unknown comparer "nope"`)
	})
}

func TestServiceTool(t *testing.T) {
	fs := vfs.NewMem()
	require.NoError(t, fs.MkdirAll("src", 0755))
	writeTable(t, fs, "src/000001.sst", "a#2,SET:a2", "b#2,SET:b2")
	writeTable(t, fs, "src/000002.sst", "b#1,SET:b1", "c#1,SET:c1")

	in := &shale.ServiceInput{
		CatalogName: "src",
		Inputs: []shale.ServiceInputFile{
			{Level: 0, Name: "000001.sst"},
			{Level: 0, Name: "000002.sst"},
		},
		OutputLevel: 2,
	}
	writeFile(t, fs, "in.bin", shale.EncodeServiceInput(in))

	t.Run("describe", func(t *testing.T) {
		stdout, stderr := runCommand(t, fs, "service", "describe", "in.bin")
		require.Empty(t, stderr)
		require.Contains(t, stdout, "catalog:          src")
		require.Contains(t, stdout, "output-level:     L2")
		require.Contains(t, stdout, "input:            L0 000001.sst")
	})

	t.Run("run-and-result", func(t *testing.T) {
		stdout, stderr := runCommand(t, fs, "service", "run", "in.bin",
			"--dir", "src", "--out", "out", "--result", "res.bin")
		require.Empty(t, stderr)
		require.Contains(t, stdout, "status: ok")
		require.Contains(t, stdout, "000001.sst")

		blob, err := fs.Open("res.bin")
		require.NoError(t, err)
		defer blob.Close()
		var buf bytes.Buffer
		_, err = buf.ReadFrom(blob)
		require.NoError(t, err)
		res, err := shale.DecodeServiceResult(buf.Bytes())
		require.NoError(t, err)
		require.Equal(t, shale.ServiceOK, res.Status)
		require.Len(t, res.Outputs, 1)
		// b#1 is superseded by b#2; the merge keeps three records.
		require.Equal(t, uint64(3), res.Outputs[0].NumEntries)

		stdout, stderr = runCommand(t, fs, "service", "result", "res.bin")
		require.Empty(t, stderr)
		require.Contains(t, stdout, "status: ok")
		require.Contains(t, stdout, "PLACEMENT")
		require.Contains(t, stdout, "dropped 1 of 4 records")
	})

	t.Run("run-missing-input", func(t *testing.T) {
		bad := &shale.ServiceInput{
			CatalogName: "src",
			Inputs:      []shale.ServiceInputFile{{Level: 0, Name: "000009.sst"}},
			OutputLevel: 1,
		}
		writeFile(t, fs, "bad.bin", shale.EncodeServiceInput(bad))
		stdout, stderr := runCommand(t, fs, "service", "run", "bad.bin", "--dir", "src", "--out", "out2")
		require.Empty(t, stderr)
		require.Contains(t, stdout, "status: failed")
	})

	t.Run("describe-garbage", func(t *testing.T) {
		writeFile(t, fs, "junk.bin", []byte{99, 1, 2})
		_, stderr := runCommand(t, fs, "service", "describe", "junk.bin")
		require.Contains(t, stderr, "unknown service codec version")
	})
}
