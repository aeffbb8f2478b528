package blockio

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"io"
	"os"

	"github.com/pkg/errors"
)

// Writer creates/opens an output file and writes fixed-size buffers to
// it, with absolute seeking.
type Writer struct {
	f *os.File
}

// Open creates the file at path if absent. When truncate is true an
// existing file is truncated (fresh job); when false it is opened for
// read-write without truncation so a resumed job can continue writing
// into it from wherever its cursor is positioned.
func (w *Writer) Open(path string, truncate bool) error {
	flags := os.O_CREATE | os.O_RDWR
	if truncate {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return errors.Wrapf(err, "opening %s for writing", path)
	}
	w.f = f
	return nil
}

// Write writes p in full.
func (w *Writer) Write(p []byte) (int, error) {
	if w.f == nil {
		return 0, errors.New("blockio: write before open")
	}
	n, err := w.f.Write(p)
	if err != nil {
		return n, errors.Wrap(err, "blockio: write failed")
	}
	return n, nil
}

// Seek positions the write cursor at an absolute byte offset from the
// start of the file.
func (w *Writer) Seek(offset int64) error {
	if w.f == nil {
		return errors.New("blockio: seek before open")
	}
	_, err := w.f.Seek(offset, io.SeekStart)
	if err != nil {
		return errors.Wrap(err, "blockio: seek failed")
	}
	return nil
}

// EnsureSize extends the file to at least min bytes, leaving it
// unchanged if it is already that long or longer. It never shrinks the
// file, so it is safe to call after a data region that may or may not
// have grown the file past a fixed structural offset (e.g. an all-zero
// VMDK data region that never advanced past the grain table).
func (w *Writer) EnsureSize(min int64) error {
	if w.f == nil {
		return errors.New("blockio: ensure size before open")
	}
	fi, err := w.f.Stat()
	if err != nil {
		return errors.Wrap(err, "blockio: stat failed")
	}
	if fi.Size() >= min {
		return nil
	}
	if err := w.f.Truncate(min); err != nil {
		return errors.Wrap(err, "blockio: truncate failed")
	}
	return nil
}

// Close releases the underlying file handle.
func (w *Writer) Close() error {
	if w.f == nil {
		return nil
	}
	return w.f.Close()
}
