// Copyright 2023 The Shale Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package shale

import (
	"os"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/shaledb/shale/internal/base"
	"github.com/shaledb/shale/vfs"
)

// BackgroundErrorReason is an enum of the background operations whose
// failure may stop further background work depending on the severity.
type BackgroundErrorReason uint8

const (
	// BgCompaction is for errors during background compactions.
	BgCompaction BackgroundErrorReason = iota
	// BgManifestWrite is for errors in writing to the MANIFEST.
	BgManifestWrite
	// BgObsoleteDeletion is for errors while deleting obsolete files.
	BgObsoleteDeletion
)

// Severity of an error indicates whether recovery is possible and whether
// the catalog stops accepting background work.
type Severity uint8

const (
	// SeverityNoError does not set the background error at all.
	SeverityNoError Severity = 0
	// SeveritySoftError keeps the catalog fully operational; the failed job
	// can simply be retried.
	SeveritySoftError Severity = 1
	// SeverityHardError stops background work and recovery might be possible
	// without needing to close then reopen the catalog.
	SeverityHardError Severity = 2
	// SeverityFatalError stops background work and recovery requires closing
	// then reopening the catalog.
	SeverityFatalError Severity = 3
	// SeverityUnrecoverableError stops background work and could mean data
	// loss, recovery from which is not possible.
	SeverityUnrecoverableError Severity = 4
)

// BackgroundError captures the error that occurred during a background
// operation along with its severity. An instance of this is passed in
// EventListener.BackgroundError.
type BackgroundError struct {
	err      error
	severity Severity
	reason   BackgroundErrorReason
}

// Reason returns the operation during which the error occurred.
func (b *BackgroundError) Reason() BackgroundErrorReason {
	return b.reason
}

// Severity returns the severity of the error.
func (b *BackgroundError) Severity() Severity {
	return b.severity
}

// Unwrap returns the error that occurred during the background operation.
func (b *BackgroundError) Unwrap() error {
	return b.err
}

func (b *BackgroundError) Error() string {
	if b.err != nil {
		return b.err.Error()
	}
	return ""
}

// Override results in ignoring this background error, keeping the catalog
// fully operational. May only be called from within the
// EventListener.BackgroundError handler.
func (b *BackgroundError) Override() {
	b.severity = SeverityNoError
	b.err = nil
}

type errorHandler struct {
	// Set to Catalog.mu.
	mu   *sync.Mutex
	opts *Options
	err  BackgroundError
}

func (h *errorHandler) init(opts *Options, mu *sync.Mutex) {
	h.opts = opts
	h.mu = mu
}

// isBGWorkStopped returns true if background work is stopped due to an
// earlier error. Requires Catalog.mu is held.
func (h *errorHandler) isBGWorkStopped() bool {
	return h.err.err != nil && h.err.severity >= SeverityHardError
}

func (h *errorHandler) getSeverity(err error, op BackgroundErrorReason) Severity {
	paranoidChecks := h.opts.ParanoidChecks

	// A failed deletion leaves an orphaned file behind; the janitor retries
	// on the next open.
	if op == BgObsoleteDeletion {
		return SeverityNoError
	}

	if vfs.IsNoSpaceError(err) {
		if op != BgManifestWrite && !paranoidChecks {
			return SeverityNoError
		}
		switch op {
		case BgCompaction:
			return SeveritySoftError
		case BgManifestWrite:
			return SeverityHardError
		default:
			panic("unreachable")
		}
	}

	if base.IsCorruptionError(err) {
		if !paranoidChecks {
			return SeverityNoError
		}
		return SeverityUnrecoverableError
	}

	var pathErr *os.PathError
	isIOErr := errors.As(err, &pathErr)
	var linkErr *os.LinkError
	isIOErr = isIOErr || errors.As(err, &linkErr)
	isIOErr = isIOErr || base.IsIOError(err)
	if isIOErr {
		if op != BgManifestWrite && !paranoidChecks {
			return SeverityNoError
		}
		return SeverityFatalError
	}

	// Default severity for all other errors.
	switch op {
	case BgCompaction:
		if !paranoidChecks {
			return SeverityNoError
		}
		fallthrough
	default:
		return SeverityFatalError
	}
}

// setBGError records a background error and notifies the event listener.
// Requires Catalog.mu is held; the mutex is dropped across the listener
// call.
func (h *errorHandler) setBGError(err error, op BackgroundErrorReason) {
	if err == nil {
		return
	}
	sev := h.getSeverity(err, op)
	bgErr := &BackgroundError{
		err:      err,
		severity: sev,
		reason:   op,
	}

	h.mu.Unlock()
	// Note: Even if the severity is SeverityNoError we still notify the user
	// about the background error. The listener may in turn Override a more
	// severe error to keep the catalog operational.
	h.opts.EventListener.BackgroundError(bgErr)
	h.mu.Lock()

	if bgErr.err != nil && bgErr.severity > h.err.severity {
		h.err = *bgErr
	}
}

// getBGError returns the recorded background error, or nil. Requires
// Catalog.mu is held.
func (h *errorHandler) getBGError() error {
	if h.err.err == nil {
		return nil
	}
	err := h.err
	return &err
}
