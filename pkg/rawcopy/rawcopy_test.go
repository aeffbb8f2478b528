package rawcopy

import (
	"bytes"
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diskimager/diskimager/pkg/blockio"
)

func randomSource(t *testing.T, sectors int) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "source.img")
	data := make([]byte, sectors*512)
	rand.New(rand.NewSource(1)).Read(data)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestCopyFullRoundTrip(t *testing.T) {
	srcPath := randomSource(t, 64)

	var reader blockio.Reader
	require.NoError(t, reader.Open(srcPath))
	defer reader.Close()

	outPath := filepath.Join(t.TempDir(), "out.img")
	var writer blockio.Writer
	require.NoError(t, writer.Open(outPath, true))
	defer writer.Close()

	result, err := Copy(context.Background(), Params{
		Reader:       &reader,
		Writer:       &writer,
		BufferSize:   512 * 8,
		TotalSectors: 64,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(64), result.SectorsWritten)
	assert.True(t, result.Duration() >= 0)

	src, err := os.ReadFile(srcPath)
	require.NoError(t, err)
	out, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(src, out))
}

func TestCopyResumeProducesIdenticalOutput(t *testing.T) {
	srcPath := randomSource(t, 64)

	fullPath := filepath.Join(t.TempDir(), "full.img")
	{
		var reader blockio.Reader
		require.NoError(t, reader.Open(srcPath))
		defer reader.Close()
		var writer blockio.Writer
		require.NoError(t, writer.Open(fullPath, true))
		defer writer.Close()
		_, err := Copy(context.Background(), Params{
			Reader:       &reader,
			Writer:       &writer,
			BufferSize:   512 * 8,
			TotalSectors: 64,
		})
		require.NoError(t, err)
	}

	resumedPath := filepath.Join(t.TempDir(), "resumed.img")
	var checkpoint Checkpoint
	{
		var reader blockio.Reader
		require.NoError(t, reader.Open(srcPath))
		var writer blockio.Writer
		require.NoError(t, writer.Open(resumedPath, true))
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		_, err := Copy(ctx, Params{
			Reader:          &reader,
			Writer:          &writer,
			BufferSize:      512 * 8,
			TotalSectors:    64,
			CheckpointEvery: 2,
			OnCheckpoint: func(_ context.Context, ckpt Checkpoint) error {
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
		result, err := Copy(context.Background(), Params{
			Reader:       &reader,
			Writer:       &writer,
			BufferSize:   512 * 8,
			TotalSectors: 64,
			ResumeCursor: checkpoint.SectorsWritten,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(64), result.SectorsWritten)
	}

	full, err := os.ReadFile(fullPath)
	require.NoError(t, err)
	resumed, err := os.ReadFile(resumedPath)
	require.NoError(t, err)
	assert.Equal(t, full, resumed)
}

func TestCopyRejectsBadBufferSize(t *testing.T) {
	var reader blockio.Reader
	var writer blockio.Writer
	_, err := Copy(context.Background(), Params{
		Reader:       &reader,
		Writer:       &writer,
		BufferSize:   513,
		TotalSectors: 10,
	})
	assert.Error(t, err)
}

func TestCopyRejectsZeroTotalSectors(t *testing.T) {
	var reader blockio.Reader
	var writer blockio.Writer
	_, err := Copy(context.Background(), Params{
		Reader:       &reader,
		Writer:       &writer,
		BufferSize:   512,
		TotalSectors: 0,
	})
	assert.Error(t, err)
}

func TestCopyRejectsResumeCursorPastTotal(t *testing.T) {
	var reader blockio.Reader
	var writer blockio.Writer
	_, err := Copy(context.Background(), Params{
		Reader:       &reader,
		Writer:       &writer,
		BufferSize:   512,
		TotalSectors: 10,
		ResumeCursor: 11,
	})
	assert.Error(t, err)
}

func TestCopyHandlesPartialFinalBuffer(t *testing.T) {
	srcPath := randomSource(t, 10)

	var reader blockio.Reader
	require.NoError(t, reader.Open(srcPath))
	defer reader.Close()

	outPath := filepath.Join(t.TempDir(), "out.img")
	var writer blockio.Writer
	require.NoError(t, writer.Open(outPath, true))
	defer writer.Close()

	result, err := Copy(context.Background(), Params{
		Reader:       &reader,
		Writer:       &writer,
		BufferSize:   512 * 8,
		TotalSectors: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(10), result.SectorsWritten)

	fi, err := os.Stat(outPath)
	require.NoError(t, err)
	assert.Equal(t, int64(10*512), fi.Size())
}

type stopEarlyError struct{}

func (stopEarlyError) Error() string { return "stopped early for test" }

var errStopEarly = stopEarlyError{}
