// Copyright 2023 The Shale Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package base

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors/oserror"
	"github.com/cockroachdb/redact"
	"github.com/shaledb/shale/vfs"
)

// A DiskFileNum identifies a file that exists on disk.
type DiskFileNum uint64

func (dfn DiskFileNum) String() string { return fmt.Sprintf("%06d", uint64(dfn)) }

// SafeFormat implements redact.SafeFormatter.
func (dfn DiskFileNum) SafeFormat(w redact.SafePrinter, verb rune) {
	w.Printf("%06d", redact.SafeUint(dfn))
}

// FileType enumerates the types of files found in a store directory.
type FileType int

// The FileType enumeration.
const (
	FileTypeTable FileType = iota
	FileTypeManifest
	FileTypeCurrent
	FileTypeOptions
	FileTypeTemp
)

var fileTypeStrings = [...]string{
	FileTypeTable:    "sstable",
	FileTypeManifest: "manifest",
	FileTypeCurrent:  "current",
	FileTypeOptions:  "options",
	FileTypeTemp:     "temp",
}

// SafeFormat implements redact.SafeFormatter.
func (ft FileType) SafeFormat(w redact.SafePrinter, _ rune) {
	if ft < 0 || int(ft) >= len(fileTypeStrings) {
		w.Print(redact.SafeString("unknown"))
		return
	}
	w.Print(redact.SafeString(fileTypeStrings[ft]))
}

// String implements fmt.Stringer.
func (ft FileType) String() string {
	return redact.StringWithoutMarkers(ft)
}

// MakeFilename builds a filename from components.
func MakeFilename(fileType FileType, dfn DiskFileNum) string {
	switch fileType {
	case FileTypeTable:
		return fmt.Sprintf("%s.sst", dfn)
	case FileTypeManifest:
		return fmt.Sprintf("MANIFEST-%s", dfn)
	case FileTypeCurrent:
		return "CURRENT"
	case FileTypeOptions:
		return fmt.Sprintf("OPTIONS-%s", dfn)
	case FileTypeTemp:
		return fmt.Sprintf("CURRENT.%s.dbtmp", dfn)
	}
	panic("unreachable")
}

// MakeFilepath builds a filepath from components.
func MakeFilepath(fs vfs.FS, dirname string, fileType FileType, dfn DiskFileNum) string {
	return fs.PathJoin(dirname, MakeFilename(fileType, dfn))
}

// ParseFilename parses the components from a filename.
func ParseFilename(fs vfs.FS, filename string) (fileType FileType, dfn DiskFileNum, ok bool) {
	filename = fs.PathBase(filename)
	switch {
	case filename == "CURRENT":
		return FileTypeCurrent, 0, true
	case strings.HasPrefix(filename, "MANIFEST-"):
		dfn, ok = ParseDiskFileNum(filename[len("MANIFEST-"):])
		if !ok {
			break
		}
		return FileTypeManifest, dfn, true
	case strings.HasPrefix(filename, "OPTIONS-"):
		dfn, ok = ParseDiskFileNum(filename[len("OPTIONS-"):])
		if !ok {
			break
		}
		return FileTypeOptions, dfn, true
	case strings.HasPrefix(filename, "CURRENT.") && strings.HasSuffix(filename, ".dbtmp"):
		s := strings.TrimSuffix(filename[len("CURRENT."):], ".dbtmp")
		dfn, ok = ParseDiskFileNum(s)
		if !ok {
			break
		}
		return FileTypeTemp, dfn, true
	default:
		i := strings.IndexByte(filename, '.')
		if i < 0 {
			break
		}
		dfn, ok = ParseDiskFileNum(filename[:i])
		if !ok {
			break
		}
		if filename[i+1:] == "sst" {
			return FileTypeTable, dfn, true
		}
	}
	return 0, dfn, false
}

// ParseDiskFileNum parses the provided string as a disk file number.
func ParseDiskFileNum(s string) (dfn DiskFileNum, ok bool) {
	u, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return dfn, false
	}
	return DiskFileNum(u), true
}

// A Fataler fatals a process with a message when called.
type Fataler interface {
	Fatalf(format string, args ...interface{})
}

// MustExist checks if err is an error indicating a file does not exist. If it
// is, it lists the containing directory's files to annotate the error with
// counts of the various types of files and invokes the provided fataler.
func MustExist(fs vfs.FS, filename string, fataler Fataler, err error) {
	if err == nil || !oserror.IsNotExist(err) {
		return
	}

	ls, lsErr := fs.List(fs.PathDir(filename))
	if lsErr != nil {
		fataler.Fatalf("%s:\norig err: %s\nlist err: %s", fs.PathBase(filename), err, lsErr)
		return
	}
	var total, unknown, tables, manifests, options int
	total = len(ls)
	for _, f := range ls {
		typ, _, ok := ParseFilename(fs, f)
		if !ok {
			unknown++
			continue
		}
		switch typ {
		case FileTypeTable:
			tables++
		case FileTypeManifest:
			manifests++
		case FileTypeOptions:
			options++
		}
	}
	fataler.Fatalf("%s:\n%s\ndirectory contains %d files, %d unknown, %d tables, %d manifests, %d options",
		fs.PathBase(filename), err, total, unknown, tables, manifests, options)
}
