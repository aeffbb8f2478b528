// Package resumelog persists and reloads the progress of an in-flight
// copy job so an interrupted run can continue without re-reading
// already-captured regions. pkg/elog progress reporting is transient;
// this is the durable counterpart, a small file-per-job log.
package resumelog

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/diskimager/diskimager/pkg/elog"
)

// ImageType identifies which engine a record belongs to, and therefore
// how many lines follow the common prefix.
type ImageType int

const (
	DD     ImageType = 1
	Sparse ImageType = 2
)

// RawRecord is the persisted state of an in-flight RawCopyEngine job.
type RawRecord struct {
	Disk           string
	SerialNumber   string
	OutputDir      string
	OutputFileName string
	EndTime        int64
	SectorsWritten int64
	TotalSectors   int64
}

// SparseRecord is the persisted state of an in-flight SparseVmdkBuilder
// job, including the grain table prefix known good as of the last
// checkpoint.
type SparseRecord struct {
	Disk           string
	SerialNumber   string
	OutputDir      string
	OutputFileName string
	EndTime        int64
	GrainsWritten  int64
	GrainsRead     int64
	TotalGrains    int64
	DataOffset     int64
	GTOffset       int64
	GTEs           []uint32
}

// Record is either a RawRecord or a SparseRecord, tagged by Type.
type Record struct {
	Type   ImageType
	Raw    *RawRecord
	Sparse *SparseRecord
}

// Matches reports whether this record was produced for the given
// device/output coordinates, the match key ResumeCoordinator uses to
// decide whether to resume a job or start fresh.
func (r *Record) Matches(disk, outputDir, outputFileName string) bool {
	switch r.Type {
	case DD:
		return r.Raw != nil && r.Raw.Disk == disk && r.Raw.OutputDir == outputDir && r.Raw.OutputFileName == outputFileName
	case Sparse:
		return r.Sparse != nil && r.Sparse.Disk == disk && r.Sparse.OutputDir == outputDir && r.Sparse.OutputFileName == outputFileName
	default:
		return false
	}
}

var logFilePattern = regexp.MustCompile(`^LogFile(\d+)$`)

// Log manages a directory of LogFile<N> records.
type Log struct {
	dir    string
	logger elog.Logger
}

// Open binds a Log to a working directory, creating it if absent.
func Open(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "resumelog: creating working directory %s", dir)
	}
	return &Log{dir: dir, logger: elog.Nop()}, nil
}

// SetLogger attaches a logger used to report (not silence) malformed
// records skipped during Enumerate.
func (l *Log) SetLogger(logger elog.Logger) {
	if logger == nil {
		logger = elog.Nop()
	}
	l.logger = logger
}

// Enumerate scans the working directory for LogFile<N> records,
// skipping and continuing past any file that fails to parse. A skip is
// reported at Warn level rather than absorbed silently.
func (l *Log) Enumerate() ([]string, []*Record, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "resumelog: reading %s", l.dir)
	}

	var paths []string
	var records []*Record
	for _, e := range entries {
		if e.IsDir() || !logFilePattern.MatchString(e.Name()) {
			continue
		}
		path := filepath.Join(l.dir, e.Name())
		rec, err := parseRecord(path)
		if err != nil {
			l.logger.Warnf("skipping malformed resume record %s: %v", path, err)
			continue
		}
		paths = append(paths, path)
		records = append(records, rec)
	}
	return paths, records, nil
}

// nextID returns the smallest positive integer not currently used by
// any LogFile<N> in the working directory.
func (l *Log) nextID() (int64, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return 0, errors.Wrapf(err, "resumelog: reading %s", l.dir)
	}
	used := map[int64]bool{}
	for _, e := range entries {
		m := logFilePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil || n < 1 {
			continue
		}
		used[n] = true
	}
	ids := make([]int64, 0, len(used))
	for n := range used {
		ids = append(ids, n)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var n int64 = 1
	for _, id := range ids {
		if id != n {
			break
		}
		n++
	}
	return n, nil
}

// CreateRaw writes a fresh LogFile<N> for a RawCopy job and returns its
// path.
func (l *Log) CreateRaw(rec RawRecord) (string, error) {
	id, err := l.nextID()
	if err != nil {
		return "", err
	}
	path := filepath.Join(l.dir, fmt.Sprintf("LogFile%d", id))
	if err := writeRaw(path, rec); err != nil {
		return "", err
	}
	return path, nil
}

// CreateSparse writes a fresh LogFile<N> for a Sparse job, including
// the GTE array, and returns its path.
func (l *Log) CreateSparse(rec SparseRecord) (string, error) {
	id, err := l.nextID()
	if err != nil {
		return "", err
	}
	path := filepath.Join(l.dir, fmt.Sprintf("LogFile%d", id))
	if err := writeSparse(path, rec); err != nil {
		return "", err
	}
	return path, nil
}

// RewriteRaw overwrites an existing record in place, used by a live
// RawCopyEngine job to periodically checkpoint its progress.
func (l *Log) RewriteRaw(path string, rec RawRecord) error {
	return writeRaw(path, rec)
}

// RewriteSparse overwrites an existing record in place, used by a live
// SparseVmdkBuilder job to periodically checkpoint its progress.
func (l *Log) RewriteSparse(path string, rec SparseRecord) error {
	return writeSparse(path, rec)
}

// ReadGTEs loads exactly count GTE values from a Sparse record.
func (l *Log) ReadGTEs(path string, count int64) ([]uint32, error) {
	rec, err := parseRecord(path)
	if err != nil {
		return nil, err
	}
	if rec.Type != Sparse || rec.Sparse == nil {
		return nil, errors.Errorf("resumelog: %s is not a sparse record", path)
	}
	if int64(len(rec.Sparse.GTEs)) != count {
		return nil, errors.Errorf("resumelog: %s has %d GTEs, expected %d", path, len(rec.Sparse.GTEs), count)
	}
	return rec.Sparse.GTEs, nil
}

// Delete removes a record file. Removing an absent file is not an
// error — the caller's job may already be done.
func (l *Log) Delete(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "resumelog: deleting %s", path)
	}
	return nil
}

func writeRaw(path string, rec RawRecord) error {
	var b strings.Builder
	fmt.Fprintln(&b, int(DD))
	fmt.Fprintln(&b, rec.Disk)
	fmt.Fprintln(&b, rec.SerialNumber)
	fmt.Fprintln(&b, rec.OutputDir)
	fmt.Fprintln(&b, rec.OutputFileName)
	fmt.Fprintln(&b, rec.EndTime)
	fmt.Fprintln(&b, rec.SectorsWritten)
	fmt.Fprintln(&b, rec.TotalSectors)
	return atomicWrite(path, b.String())
}

func writeSparse(path string, rec SparseRecord) error {
	var b strings.Builder
	fmt.Fprintln(&b, int(Sparse))
	fmt.Fprintln(&b, rec.Disk)
	fmt.Fprintln(&b, rec.SerialNumber)
	fmt.Fprintln(&b, rec.OutputDir)
	fmt.Fprintln(&b, rec.OutputFileName)
	fmt.Fprintln(&b, rec.EndTime)
	fmt.Fprintln(&b, rec.GrainsWritten)
	fmt.Fprintln(&b, rec.GrainsRead)
	fmt.Fprintln(&b, rec.TotalGrains)
	fmt.Fprintln(&b, rec.DataOffset)
	fmt.Fprintln(&b, rec.GTOffset)
	for _, gte := range rec.GTEs {
		fmt.Fprintln(&b, gte)
	}
	return atomicWrite(path, b.String())
}

// atomicWrite writes content to a temp file in the same directory and
// renames it over path, so a periodic in-place checkpoint rewrite
// never leaves a truncated record behind if the process dies mid-write.
func atomicWrite(path, content string) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return errors.Wrapf(err, "resumelog: writing %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "resumelog: renaming %s to %s", tmp, path)
	}
	return nil
}

func parseRecord(path string) (*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "resumelog: opening %s", path)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		lines = append(lines, strings.TrimRight(scanner.Text(), "\r"))
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "resumelog: reading %s", path)
	}
	if len(lines) < 1 {
		return nil, errors.Errorf("resumelog: %s is empty", path)
	}

	typeVal, err := strconv.Atoi(lines[0])
	if err != nil {
		return nil, errors.Wrapf(err, "resumelog: %s has malformed type line", path)
	}

	switch ImageType(typeVal) {
	case DD:
		if len(lines) < 8 {
			return nil, errors.Errorf("resumelog: %s truncated raw record", path)
		}
		endTime, err := strconv.ParseInt(lines[5], 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "resumelog: %s malformed endTime", path)
		}
		sectorsWritten, err := strconv.ParseInt(lines[6], 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "resumelog: %s malformed sectorsWritten", path)
		}
		totalSectors, err := strconv.ParseInt(lines[7], 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "resumelog: %s malformed totalSectors", path)
		}
		return &Record{
			Type: DD,
			Raw: &RawRecord{
				Disk:           lines[1],
				SerialNumber:   lines[2],
				OutputDir:      lines[3],
				OutputFileName: lines[4],
				EndTime:        endTime,
				SectorsWritten: sectorsWritten,
				TotalSectors:   totalSectors,
			},
		}, nil

	case Sparse:
		if len(lines) < 11 {
			return nil, errors.Errorf("resumelog: %s truncated sparse record", path)
		}
		endTime, err := strconv.ParseInt(lines[5], 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "resumelog: %s malformed endTime", path)
		}
		grainsWritten, err := strconv.ParseInt(lines[6], 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "resumelog: %s malformed grainsWritten", path)
		}
		grainsRead, err := strconv.ParseInt(lines[7], 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "resumelog: %s malformed grainsRead", path)
		}
		totalGrains, err := strconv.ParseInt(lines[8], 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "resumelog: %s malformed totalGrains", path)
		}
		dataOffset, err := strconv.ParseInt(lines[9], 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "resumelog: %s malformed dataOffset", path)
		}
		gtOffset, err := strconv.ParseInt(lines[10], 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "resumelog: %s malformed gtOffset", path)
		}
		gteLines := lines[11:]
		if int64(len(gteLines)) != totalGrains {
			return nil, errors.Errorf("resumelog: %s has %d GTE lines, expected %d", path, len(gteLines), totalGrains)
		}
		gtes := make([]uint32, totalGrains)
		for i, line := range gteLines {
			v, err := strconv.ParseUint(line, 10, 32)
			if err != nil {
				return nil, errors.Wrapf(err, "resumelog: %s malformed GTE at index %d", path, i)
			}
			gtes[i] = uint32(v)
		}
		return &Record{
			Type: Sparse,
			Sparse: &SparseRecord{
				Disk:           lines[1],
				SerialNumber:   lines[2],
				OutputDir:      lines[3],
				OutputFileName: lines[4],
				EndTime:        endTime,
				GrainsWritten:  grainsWritten,
				GrainsRead:     grainsRead,
				TotalGrains:    totalGrains,
				DataOffset:     dataOffset,
				GTOffset:       gtOffset,
				GTEs:           gtes,
			},
		}, nil

	default:
		return nil, errors.Errorf("resumelog: %s has unknown image type %d", path, typeVal)
	}
}
