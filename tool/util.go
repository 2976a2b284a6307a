// Copyright 2023 The Shale Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package tool

import (
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/cockroachdb/crlib/crhumanize"
	"github.com/shaledb/shale/internal/base"
)

// key implements the pflag.Value interface for byte-string keys. Plain values
// are taken verbatim; the "hex:" and "raw:" prefixes select the encoding
// explicitly.
type key []byte

func (k *key) String() string {
	return string(*k)
}

func (k *key) Type() string {
	return "key"
}

func (k *key) Set(v string) error {
	switch {
	case strings.HasPrefix(v, "hex:"):
		v = strings.TrimPrefix(v, "hex:")
		b, err := hex.DecodeString(v)
		if err != nil {
			return err
		}
		*k = key(b)

	case strings.HasPrefix(v, "raw:"):
		*k = key(strings.TrimPrefix(v, "raw:"))

	default:
		*k = key(v)
	}
	return nil
}

// formatter implements the pflag.Value interface for key and value
// formatting. The spec is one of "quoted", "hex", "null", or a format string
// containing a single %-verb applied to the raw bytes.
type formatter struct {
	spec string
	fn   func(w io.Writer, v []byte)
}

func (f *formatter) String() string {
	return f.spec
}

func (f *formatter) Type() string {
	return "formatter"
}

func (f *formatter) Set(spec string) error {
	f.spec = spec
	switch spec {
	case "hex":
		f.fn = formatHex
	case "null":
		f.fn = formatNull
	case "quoted":
		f.fn = formatQuoted
	default:
		if strings.Count(spec, "%") != 1 {
			return fmt.Errorf("unknown formatter: %q", spec)
		}
		f.fn = func(w io.Writer, v []byte) {
			fmt.Fprintf(w, f.spec, v)
		}
	}
	return nil
}

func (f *formatter) mustSet(spec string) {
	if err := f.Set(spec); err != nil {
		panic(err)
	}
}

func formatHex(w io.Writer, v []byte) {
	fmt.Fprintf(w, "[% x]", v)
}

func formatNull(w io.Writer, v []byte) {
}

func formatQuoted(w io.Writer, v []byte) {
	q := strconv.AppendQuote(make([]byte, 0, len(v)), string(v))
	q = q[1 : len(q)-1]
	w.Write(q)
}

// formatKey renders an internal key as <user-key>#<seqnum>,<kind> with the
// user key passed through the configured formatter.
func formatKey(fmtKey formatter, k base.InternalKey) string {
	var sb strings.Builder
	fmtKey.fn(&sb, k.UserKey)
	fmt.Fprintf(&sb, "#%d,%s", k.SeqNum(), k.Kind())
	return sb.String()
}

func formatUserKey(fmtKey formatter, k []byte) string {
	var sb strings.Builder
	fmtKey.fn(&sb, k)
	return sb.String()
}

func formatKeyValue(w io.Writer, fmtKey formatter, fmtValue formatter, kv *base.InternalKV) {
	needDelimiter := false
	if fmtKey.spec != "null" {
		fmt.Fprint(w, formatKey(fmtKey, kv.K))
		needDelimiter = true
	}
	if fmtValue.spec != "null" {
		if needDelimiter {
			w.Write([]byte{' '})
		}
		fmtValue.fn(w, kv.V)
	}
	w.Write([]byte{'\n'})
}

// humanBytes renders a byte count in compact humanized form.
func humanBytes(v uint64) string {
	return string(crhumanize.Bytes(v, crhumanize.Compact, crhumanize.OmitI))
}
