// Package coordinator bridges pkg/resumelog with pkg/rawcopy and
// pkg/vmdk: at startup it decides, per job, whether a matching resume
// record exists and re-enters the right engine with the persisted
// cursor, or starts fresh. It owns checkpoint persistence for both
// engines so neither needs to know the on-disk record format.
package coordinator

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"context"
	"path/filepath"
	"time"

	"github.com/diskimager/diskimager/pkg/blockio"
	"github.com/diskimager/diskimager/pkg/elog"
	"github.com/diskimager/diskimager/pkg/rawcopy"
	"github.com/diskimager/diskimager/pkg/resumelog"
	"github.com/diskimager/diskimager/pkg/vmdk"
)

// Coordinator enumerates the resume log at startup and drives either
// engine to completion, keeping the on-disk record consistent with
// in-memory progress throughout the job.
type Coordinator struct {
	Log    *resumelog.Log
	Logger elog.Logger
}

// New binds a Coordinator to a working directory for resume records.
func New(workDir string, logger elog.Logger) (*Coordinator, error) {
	log, err := resumelog.Open(workDir)
	if err != nil {
		return nil, err
	}
	log.SetLogger(logger)
	return &Coordinator{Log: log, Logger: logger}, nil
}

func (c *Coordinator) log() elog.Logger {
	if c.Logger == nil {
		return elog.Nop()
	}
	return c.Logger
}

// FindResumable looks for a resume record matching the given
// device/output coordinates, returning its path and parsed record if
// found. A nil record means no prior job to resume.
func (c *Coordinator) FindResumable(disk, outputDir, outputFileName string) (string, *resumelog.Record, error) {
	paths, records, err := c.Log.Enumerate()
	if err != nil {
		return "", nil, err
	}
	for i, rec := range records {
		if rec.Matches(disk, outputDir, outputFileName) {
			return paths[i], rec, nil
		}
	}
	return "", nil, nil
}

// RawCopyJob describes a DD-image copy to run, fresh or resumed.
type RawCopyJob struct {
	Disk           string
	SerialNumber   string
	Device         string // path BlockReader opens; may differ from Disk's display name
	OutputDir      string
	OutputFileName string
	BufferSize     int64
	TotalSectors   int64
}

// RunRawCopy enumerates the resume log for a prior matching job,
// re-enters rawcopy.Copy with its cursor if found, otherwise starts
// fresh, and persists a resume record on interruption or deletes it on
// clean completion.
func (c *Coordinator) RunRawCopy(ctx context.Context, job RawCopyJob) (*rawcopy.Result, error) {
	log := c.log()

	path, rec, err := c.FindResumable(job.Disk, job.OutputDir, job.OutputFileName)
	if err != nil {
		return nil, err
	}

	var resumeCursor int64
	if rec != nil && rec.Type == resumelog.DD {
		resumeCursor = rec.Raw.SectorsWritten
		log.Infof("resuming raw copy job for %s at sector %d", job.Disk, resumeCursor)
	}

	outPath := filepath.Join(job.OutputDir, job.OutputFileName)

	var reader blockio.Reader
	if err := reader.Open(job.Device); err != nil {
		return nil, err
	}
	defer reader.Close()

	var writer blockio.Writer
	if err := writer.Open(outPath, resumeCursor == 0); err != nil {
		return nil, err
	}
	defer writer.Close()

	if path == "" {
		path, err = c.Log.CreateRaw(resumelog.RawRecord{
			Disk:           job.Disk,
			SerialNumber:   job.SerialNumber,
			OutputDir:      job.OutputDir,
			OutputFileName: job.OutputFileName,
			TotalSectors:   job.TotalSectors,
		})
		if err != nil {
			return nil, err
		}
	}

	result, err := rawcopy.Copy(ctx, rawcopy.Params{
		Reader:       &reader,
		Writer:       &writer,
		BufferSize:   job.BufferSize,
		TotalSectors: job.TotalSectors,
		ResumeCursor: resumeCursor,
		Logger:       c.Logger,
		OnCheckpoint: func(_ context.Context, ckpt rawcopy.Checkpoint) error {
			return c.Log.RewriteRaw(path, resumelog.RawRecord{
				Disk:           job.Disk,
				SerialNumber:   job.SerialNumber,
				OutputDir:      job.OutputDir,
				OutputFileName: job.OutputFileName,
				EndTime:        time.Now().Unix(),
				SectorsWritten: ckpt.SectorsWritten,
				TotalSectors:   job.TotalSectors,
			})
		},
	})
	if err != nil {
		return nil, err
	}

	if delErr := c.Log.Delete(path); delErr != nil {
		log.Warnf("deleting completed resume record %s failed: %v", path, delErr)
	}

	return result, nil
}

// SparseJob describes a monolithic-sparse VMDK build to run, fresh or
// resumed.
type SparseJob struct {
	Disk            string
	SerialNumber    string
	Device          string
	OutputDir       string
	OutputFileName  string
	BufferSize      int64
	CapacitySectors int64
	CID             *uint32
}

// RunSparse enumerates the resume log for a prior matching job,
// re-enters vmdk.BuildSparse with its GTE prefix if found, otherwise
// starts fresh, and persists a resume record on interruption or
// deletes it on clean completion.
func (c *Coordinator) RunSparse(ctx context.Context, job SparseJob) (*vmdk.SparseResult, error) {
	log := c.log()

	path, rec, err := c.FindResumable(job.Disk, job.OutputDir, job.OutputFileName)
	if err != nil {
		return nil, err
	}

	// A record with no grains read yet (written before streaming began)
	// is not resumed: the header, descriptor and grain directory may not
	// be on disk, so the job restarts fresh into the same record.
	var resume *vmdk.SparseResume
	if rec != nil && rec.Type == resumelog.Sparse && rec.Sparse.GrainsRead > 0 {
		resume = &vmdk.SparseResume{
			GrainIndex:    rec.Sparse.GrainsRead,
			CurGTESector:  rec.Sparse.DataOffset/vmdk.SectorSize + rec.Sparse.GrainsWritten*vmdk.SectorsPerGrain,
			GTEs:          rec.Sparse.GTEs,
			GrainsWritten: rec.Sparse.GrainsWritten,
		}
		log.Infof("resuming sparse job for %s at grain %d", job.Disk, resume.GrainIndex)
	}

	outPath := filepath.Join(job.OutputDir, job.OutputFileName+".vmdk")

	var reader blockio.Reader
	if err := reader.Open(job.Device); err != nil {
		return nil, err
	}
	defer reader.Close()

	var writer blockio.Writer
	if err := writer.Open(outPath, resume == nil); err != nil {
		return nil, err
	}
	defer writer.Close()

	layout, err := vmdk.ComputeLayout(job.CapacitySectors)
	if err != nil {
		return nil, err
	}

	if path == "" {
		path, err = c.Log.CreateSparse(resumelog.SparseRecord{
			Disk:           job.Disk,
			SerialNumber:   job.SerialNumber,
			OutputDir:      job.OutputDir,
			OutputFileName: job.OutputFileName,
			TotalGrains:    layout.TotalGrains,
			DataOffset:     layout.DataOffsetBytes,
			GTOffset:       layout.GTOffsetBytes,
			GTEs:           make([]uint32, layout.TotalGrains),
		})
		if err != nil {
			return nil, err
		}
	}

	result, err := vmdk.BuildSparse(ctx, vmdk.SparseParams{
		Reader:          &reader,
		Writer:          &writer,
		OutputFileName:  job.OutputFileName,
		CapacitySectors: job.CapacitySectors,
		BufferSize:      job.BufferSize,
		CID:             job.CID,
		Resume:          resume,
		Logger:          c.Logger,
		OnCheckpoint: func(_ context.Context, ckpt vmdk.SparseCheckpoint) error {
			return c.Log.RewriteSparse(path, resumelog.SparseRecord{
				Disk:           job.Disk,
				SerialNumber:   job.SerialNumber,
				OutputDir:      job.OutputDir,
				OutputFileName: job.OutputFileName,
				EndTime:        time.Now().Unix(),
				GrainsWritten:  ckpt.GrainsWritten,
				GrainsRead:     ckpt.GrainIndex,
				TotalGrains:    layout.TotalGrains,
				DataOffset:     layout.DataOffsetBytes,
				GTOffset:       layout.GTOffsetBytes,
				GTEs:           ckpt.GTEs,
			})
		},
	})
	if err != nil {
		return nil, err
	}

	if delErr := c.Log.Delete(path); delErr != nil {
		log.Warnf("deleting completed resume record %s failed: %v", path, delErr)
	}

	return result, nil
}

// FlatJob describes a monolithicFlat VMDK build: a text descriptor
// plus a sibling <name>-flat.vmdk data file produced by an ordinary
// raw copy.
type FlatJob struct {
	RawCopyJob
	CID *uint32
}

// RunFlat writes the descriptor and then delegates the data file to
// RunRawCopy, so a flat job resumes exactly like a raw copy job does.
func (c *Coordinator) RunFlat(ctx context.Context, job FlatJob) (*rawcopy.Result, error) {
	descPath := filepath.Join(job.OutputDir, job.OutputFileName+".vmdk")
	var writer blockio.Writer
	if err := writer.Open(descPath, true); err != nil {
		return nil, err
	}
	defer writer.Close()

	if err := vmdk.WriteFlatDescriptor(&writer, job.TotalSectors, job.OutputFileName, job.CID); err != nil {
		return nil, err
	}

	dataJob := job.RawCopyJob
	dataJob.OutputFileName = job.OutputFileName + "-flat.vmdk"
	return c.RunRawCopy(ctx, dataJob)
}
