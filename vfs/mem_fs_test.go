// Copyright 2023 The Shale Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package vfs

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/cockroachdb/datadriven"
	"github.com/stretchr/testify/require"
)

func TestMemFSBasics(t *testing.T) {
	fs := NewMem()
	var f File
	datadriven.RunTest(t, "testdata/memfs_basics", func(t *testing.T, td *datadriven.TestData) string {
		var err error
		switch td.Cmd {
		case "create":
			f, err = fs.Create(td.CmdArgs[0].String())
		case "open":
			f, err = fs.Open(td.CmdArgs[0].String())
		case "open-dir":
			f, err = fs.OpenDir(td.CmdArgs[0].String())
		case "mkdirall":
			err = fs.MkdirAll(td.CmdArgs[0].String(), 0755)
		case "remove":
			err = fs.Remove(td.CmdArgs[0].String())
		case "rename":
			err = fs.Rename(td.CmdArgs[0].String(), td.CmdArgs[1].String())
		case "f.write":
			_, err = f.Write([]byte(strings.TrimSpace(td.Input)))
		case "f.read":
			n, _ := strconv.Atoi(td.CmdArgs[0].String())
			buf := make([]byte, n)
			_, err = io.ReadFull(f, buf)
			if err != nil {
				break
			}
			return string(buf)
		case "f.stat.name":
			var fi os.FileInfo
			fi, err = f.Stat()
			if err != nil {
				break
			}
			return fi.Name()
		case "f.close":
			f, err = nil, f.Close()
		case "list":
			list, listErr := fs.List(td.CmdArgs[0].String())
			if listErr != nil {
				err = listErr
				break
			}
			return strings.Join(list, "\n")
		case "fs-string":
			return fs.String()
		default:
			t.Fatalf("unknown command %q", td.Cmd)
		}
		if err != nil {
			return fmt.Sprintf("error: %v", err)
		}
		return ""
	})
}

func TestCopy(t *testing.T) {
	fs := NewMem()
	require.NoError(t, fs.MkdirAll("dir", 0755))

	f, err := fs.Create("dir/src")
	require.NoError(t, err)
	_, err = f.Write([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, Copy(fs, "dir/src", "dir/dst"))

	g, err := fs.Open("dir/dst")
	require.NoError(t, err)
	data, err := io.ReadAll(g)
	require.NoError(t, err)
	require.NoError(t, g.Close())
	require.Equal(t, "payload", string(data))

	// The source must exist.
	require.Error(t, Copy(fs, "dir/missing", "dir/dst2"))
}

func TestMemFSWriteReopen(t *testing.T) {
	fs := NewMem()
	f, err := fs.Create("f")
	require.NoError(t, err)
	_, err = f.Write([]byte("abc"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// Create truncates.
	f, err = fs.Create("f")
	require.NoError(t, err)
	_, err = f.Write([]byte("de"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	fi, err := fs.Stat("f")
	require.NoError(t, err)
	require.Equal(t, int64(2), fi.Size())
	require.False(t, fi.IsDir())
}
