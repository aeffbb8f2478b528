package vmdk

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diskimager/diskimager/pkg/blockio"
)

func writeSource(t *testing.T, pattern [][2]int) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "source.img")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	for _, p := range pattern {
		fill, size := p[0], p[1]
		buf := bytes.Repeat([]byte{byte(fill)}, size)
		_, err := f.Write(buf)
		require.NoError(t, err)
	}
	return path
}

func TestComputeLayoutScenarioA(t *testing.T) {
	l, err := ComputeLayout(1024)
	require.NoError(t, err)
	assert.Equal(t, int64(8), l.TotalGrains)
	assert.Equal(t, int64(1), l.NumGTs)
	assert.Equal(t, int64(1024), l.GDOffsetBytes)
	assert.Equal(t, int64(1536), l.GTOffsetBytes)
	assert.Equal(t, int64(65536), l.DataOffsetBytes)
}

func TestComputeLayoutRejectsZeroCapacity(t *testing.T) {
	_, err := ComputeLayout(0)
	assert.Error(t, err)
}

func TestBuildSparseScenarioA(t *testing.T) {
	srcPath := writeSource(t, [][2]int{
		{0xAA, 128 * 512},
		{0x00, 128 * 512},
		{0xBB, 768 * 512},
	})

	var reader blockio.Reader
	require.NoError(t, reader.Open(srcPath))
	defer reader.Close()

	outDir := t.TempDir()
	outPath := filepath.Join(outDir, "disk.vmdk")
	var writer blockio.Writer
	require.NoError(t, writer.Open(outPath, true))
	defer writer.Close()

	cid := uint32(12345678)
	result, err := BuildSparse(context.Background(), SparseParams{
		Reader:          &reader,
		Writer:          &writer,
		OutputFileName:  "disk",
		CapacitySectors: 1024,
		CID:             &cid,
	})
	require.NoError(t, err)

	expectedGTEs := []uint32{128, 0, 256, 384, 512, 640, 768, 896}
	assert.Equal(t, expectedGTEs, result.GTEs)
	assert.Equal(t, int64(7), result.GrainsWritten)

	fi, err := os.Stat(outPath)
	require.NoError(t, err)
	assert.Equal(t, int64(524288), fi.Size())
}

func TestBuildSparseAllZero(t *testing.T) {
	srcPath := writeSource(t, [][2]int{{0x00, 1024 * 512}})

	var reader blockio.Reader
	require.NoError(t, reader.Open(srcPath))
	defer reader.Close()

	outDir := t.TempDir()
	outPath := filepath.Join(outDir, "disk.vmdk")
	var writer blockio.Writer
	require.NoError(t, writer.Open(outPath, true))
	defer writer.Close()

	result, err := BuildSparse(context.Background(), SparseParams{
		Reader:          &reader,
		Writer:          &writer,
		OutputFileName:  "disk",
		CapacitySectors: 1024,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.GrainsWritten)

	fi, err := os.Stat(outPath)
	require.NoError(t, err)
	assert.Equal(t, result.Layout.DataOffsetBytes, fi.Size())

	for _, gte := range result.GTEs {
		assert.Equal(t, uint32(0), gte)
	}
}

func TestBuildSparseRejectsZeroCapacity(t *testing.T) {
	var reader blockio.Reader
	var writer blockio.Writer
	_, err := BuildSparse(context.Background(), SparseParams{
		Reader:          &reader,
		Writer:          &writer,
		CapacitySectors: 0,
	})
	assert.Error(t, err)
}

func TestBuildSparseResumeMatchesUninterruptedRun(t *testing.T) {
	srcPath := writeSource(t, [][2]int{
		{0xAA, 128 * 512},
		{0x00, 128 * 512},
		{0xBB, 768 * 512},
	})
	cid := uint32(42424242)

	// Uninterrupted run.
	fullPath := filepath.Join(t.TempDir(), "full.vmdk")
	{
		var reader blockio.Reader
		require.NoError(t, reader.Open(srcPath))
		defer reader.Close()
		var writer blockio.Writer
		require.NoError(t, writer.Open(fullPath, true))
		defer writer.Close()
		_, err := BuildSparse(context.Background(), SparseParams{
			Reader:          &reader,
			Writer:          &writer,
			OutputFileName:  "disk",
			CapacitySectors: 1024,
			CID:             &cid,
		})
		require.NoError(t, err)
	}

	// Interrupted after 3 grains, then resumed.
	resumedPath := filepath.Join(t.TempDir(), "resumed.vmdk")
	var checkpoint SparseCheckpoint
	{
		var reader blockio.Reader
		require.NoError(t, reader.Open(srcPath))
		var writer blockio.Writer
		require.NoError(t, writer.Open(resumedPath, true))
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		_, err := BuildSparse(ctx, SparseParams{
			Reader:          &reader,
			Writer:          &writer,
			OutputFileName:  "disk",
			CapacitySectors: 1024,
			CID:             &cid,
			CheckpointEvery: 3,
			OnCheckpoint: func(_ context.Context, ckpt SparseCheckpoint) error {
				checkpoint = ckpt
				cancel()
				return nil
			},
		})
		require.ErrorIs(t, err, context.Canceled)
		reader.Close()
		writer.Close()
	}

	{
		var reader blockio.Reader
		require.NoError(t, reader.Open(srcPath))
		defer reader.Close()
		var writer blockio.Writer
		require.NoError(t, writer.Open(resumedPath, false))
		defer writer.Close()
		result, err := BuildSparse(context.Background(), SparseParams{
			Reader:          &reader,
			Writer:          &writer,
			OutputFileName:  "disk",
			CapacitySectors: 1024,
			CID:             &cid,
			Resume: &SparseResume{
				GrainIndex:    checkpoint.GrainIndex,
				CurGTESector:  checkpoint.CurGTESector,
				GTEs:          checkpoint.GTEs,
				GrainsWritten: checkpoint.GrainsWritten,
			},
		})
		require.NoError(t, err)
		assert.Equal(t, []uint32{128, 0, 256, 384, 512, 640, 768, 896}, result.GTEs)
	}

	full, err := os.ReadFile(fullPath)
	require.NoError(t, err)
	resumed, err := os.ReadFile(resumedPath)
	require.NoError(t, err)
	assert.Equal(t, full, resumed)
}

func TestDescriptorByteExactness(t *testing.T) {
	cid := uint32(12345678)
	desc := sparseDescriptor(cid, 2_048_000, "disk")
	assert.Contains(t, desc, "CID=12345678\n")
	assert.Contains(t, desc, "parentCID=ffffffff\n")
	assert.Contains(t, desc, `RW 2048000 SPARSE "disk.vmdk" 0`)
	assert.Contains(t, desc, `ddb.geometry.cylinders = "2031"`)
}

func TestGrainDirectoryEntries(t *testing.T) {
	srcPath := writeSource(t, [][2]int{{0xAA, 1024 * 512}})

	var reader blockio.Reader
	require.NoError(t, reader.Open(srcPath))
	defer reader.Close()

	outPath := filepath.Join(t.TempDir(), "disk.vmdk")
	var writer blockio.Writer
	require.NoError(t, writer.Open(outPath, true))
	defer writer.Close()

	result, err := BuildSparse(context.Background(), SparseParams{
		Reader:          &reader,
		Writer:          &writer,
		OutputFileName:  "disk",
		CapacitySectors: 1024,
	})
	require.NoError(t, err)

	f, err := os.Open(outPath)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Seek(result.Layout.GDOffsetBytes, 0)
	require.NoError(t, err)
	gdes := make([]uint32, result.Layout.NumGTs)
	require.NoError(t, binary.Read(f, binary.LittleEndian, &gdes))
	for j, gde := range gdes {
		expected := uint32(result.Layout.GTOffsetBytes/SectorSize) + uint32(j*TableSectors)
		assert.Equal(t, expected, gde)
	}
}

type stopEarlyError struct{}

func (stopEarlyError) Error() string { return "stopped early for test" }

var errStopEarly = stopEarlyError{}
