// Package blockio wraps the platform file handle used to read a raw
// device or regular file sequentially, and to write a regular output
// file, in fixed-size buffers. It generalizes the open-a-path-and-stream
// pattern used for both virtual image files and plain filesystem
// trees, without committing to either one.
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

// Reader streams fixed-size buffers from a device or regular file path.
// It is sequential by default; Seek exists to reposition for resume.
type Reader struct {
	f    *os.File
	done bool
}

// Open opens path for reading. It accepts both raw device paths
// (platform-specific conventions, e.g. /dev/sdb or \\.\PhysicalDrive0)
// and regular file paths.
func (r *Reader) Open(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "opening %s for reading", path)
	}
	r.f = f
	r.done = false
	return nil
}

// Read reads up to len(p) bytes into p. On a regular file, reaching
// end-of-data returns (n, io.EOF) rather than failing the whole read,
// distinguishing a short final read from a genuine I/O error, and sets
// IsDone. On a device, reads beyond capacity are undefined; callers
// must not issue them.
func (r *Reader) Read(p []byte) (int, error) {
	if r.f == nil {
		return 0, errors.New("blockio: read before open")
	}
	n, err := io.ReadFull(r.f, p)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		r.done = true
		return n, io.EOF
	}
	if err != nil {
		return n, errors.Wrap(err, "blockio: read failed")
	}
	return n, nil
}

// Seek moves the read cursor by a signed byte offset relative to its
// current position.
func (r *Reader) Seek(relativeBytes int64) error {
	if r.f == nil {
		return errors.New("blockio: seek before open")
	}
	_, err := r.f.Seek(relativeBytes, io.SeekCurrent)
	if err != nil {
		return errors.Wrap(err, "blockio: seek failed")
	}
	r.done = false
	return nil
}

// SeekAbsolute moves the read cursor to an absolute byte offset from the
// start of the source. Resume re-entry uses this to reposition at the
// first unread grain/sector without reasoning about deltas from wherever
// the cursor happens to be.
func (r *Reader) SeekAbsolute(offset int64) error {
	if r.f == nil {
		return errors.New("blockio: seek before open")
	}
	_, err := r.f.Seek(offset, io.SeekStart)
	if err != nil {
		return errors.Wrap(err, "blockio: seek failed")
	}
	r.done = false
	return nil
}

// IsDone reports whether a prior Read hit end-of-data.
func (r *Reader) IsDone() bool {
	return r.done
}

// Close releases the underlying file handle.
func (r *Reader) Close() error {
	if r.f == nil {
		return nil
	}
	return r.f.Close()
}
