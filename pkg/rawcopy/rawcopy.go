// Package rawcopy streams an exact byte-for-byte copy of a source
// device or file into an output file, in sector-multiple buffers,
// with resumable progress. It is the degenerate no-zero-detection
// sibling of pkg/vmdk's sparse builder.
package rawcopy

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/diskimager/diskimager/pkg/blockio"
	"github.com/diskimager/diskimager/pkg/elog"
)

const sectorSize = 512

// Checkpoint is a point-in-time snapshot of in-progress copy state,
// handed to a Params.OnCheckpoint callback so a caller (pkg/coordinator)
// can persist it as a RawCopy resume record.
type Checkpoint struct {
	SectorsWritten int64
}

// Params configures a single Copy call.
type Params struct {
	Reader *blockio.Reader
	Writer *blockio.Writer

	BufferSize   int64 // positive multiple of 512
	TotalSectors int64

	// ResumeCursor is the number of sectors already committed by a
	// prior, interrupted run. Zero means a fresh copy.
	ResumeCursor int64

	CheckpointEvery int64 // in buffer-fulls; zero selects a default
	OnCheckpoint    func(ctx context.Context, ckpt Checkpoint) error

	Logger elog.Logger
}

// Result summarizes a completed Copy call, including the wall-clock
// span of the operation (GetCreationTime/GetEndStartTime's Go
// equivalent: callers that want duration or start/end timestamps read
// them off this struct instead of subtracting time_t values by hand).
type Result struct {
	SectorsWritten int64
	StartTime      time.Time
	EndTime        time.Time
}

// Duration reports the wall-clock span of the copy.
func (r *Result) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// Copy streams bufSectors-sized chunks from Reader to Writer until
// TotalSectors have been transferred. On I/O failure or cancellation
// it invokes OnCheckpoint (if set) with the sector count committed so
// far, then returns the error.
func Copy(ctx context.Context, p Params) (*Result, error) {
	if p.BufferSize <= 0 || p.BufferSize%sectorSize != 0 {
		return nil, errors.Errorf("rawcopy: buffer size must be a positive multiple of %d bytes", sectorSize)
	}
	if p.TotalSectors <= 0 {
		return nil, errors.New("rawcopy: totalSectors must be positive")
	}
	if p.ResumeCursor < 0 || p.ResumeCursor > p.TotalSectors {
		return nil, errors.New("rawcopy: resumeCursor out of range")
	}

	log := p.Logger
	if log == nil {
		log = elog.Nop()
	}

	checkpointEvery := p.CheckpointEvery
	if checkpointEvery <= 0 {
		checkpointEvery = 16
	}

	startTime := time.Now()

	bufSectors := p.BufferSize / sectorSize
	sectorsWritten := p.ResumeCursor
	remaining := p.TotalSectors - p.ResumeCursor

	if p.ResumeCursor > 0 {
		offset := p.ResumeCursor * sectorSize
		if err := p.Reader.SeekAbsolute(offset); err != nil {
			return nil, errors.Wrap(err, "rawcopy: seeking reader to resume position")
		}
		if err := p.Writer.Seek(offset); err != nil {
			return nil, errors.Wrap(err, "rawcopy: seeking writer to resume position")
		}
		log.Infof("resuming raw copy at sector %d/%d", p.ResumeCursor, p.TotalSectors)
	} else {
		log.Infof("starting raw copy: %d sectors", p.TotalSectors)
	}

	buf := make([]byte, p.BufferSize)

	emit := func() error {
		if p.OnCheckpoint == nil {
			return nil
		}
		return p.OnCheckpoint(ctx, Checkpoint{SectorsWritten: sectorsWritten})
	}

	var iterations int64
	for remaining > 0 {
		if err := ctx.Err(); err != nil {
			if cpErr := emit(); cpErr != nil {
				log.Warnf("checkpoint after cancellation failed: %v", cpErr)
			}
			return nil, errors.Wrap(err, "rawcopy: copy cancelled")
		}

		chunk := bufSectors
		if chunk > remaining {
			chunk = remaining
		}
		n := chunk * sectorSize

		if _, err := p.Reader.Read(buf[:n]); err != nil {
			if cpErr := emit(); cpErr != nil {
				log.Warnf("checkpoint after read failure failed: %v", cpErr)
			}
			return nil, errors.Wrap(err, "rawcopy: read failed")
		}
		if _, err := p.Writer.Write(buf[:n]); err != nil {
			if cpErr := emit(); cpErr != nil {
				log.Warnf("checkpoint after write failure failed: %v", cpErr)
			}
			return nil, errors.Wrap(err, "rawcopy: write failed")
		}

		sectorsWritten += chunk
		remaining -= chunk
		iterations++

		if iterations%checkpointEvery == 0 {
			if err := emit(); err != nil {
				log.Warnf("resume checkpoint failed: %v", err)
			}
		}
	}

	endTime := time.Now()
	log.Infof("raw copy complete: %d sectors in %s", sectorsWritten, endTime.Sub(startTime))

	return &Result{
		SectorsWritten: sectorsWritten,
		StartTime:      startTime,
		EndTime:        endTime,
	}, nil
}
