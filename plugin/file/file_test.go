package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/nbdserve/pkg/backend"
)

func writeTempFile(t *testing.T, contents []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "export.img")
	require.NoError(t, os.WriteFile(path, contents, 0o644))
	return path
}

// ============================================================================
// Load
// ============================================================================

func TestLoad_OpensReadWriteByDefault(t *testing.T) {
	t.Parallel()

	path := writeTempFile(t, make([]byte, 4096))
	p := New(path)
	require.NoError(t, p.Load(nil))
	defer p.Unload()

	writable, err := p.CanWrite(context.Background(), backend.NoHandle)
	require.NoError(t, err)
	assert.True(t, writable)

	size, err := p.GetSize(context.Background(), backend.NoHandle)
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), size)
}

func TestLoad_FallsBackToReadOnlyWhenUnwritable(t *testing.T) {
	t.Parallel()

	path := writeTempFile(t, make([]byte, 512))
	require.NoError(t, os.Chmod(path, 0o444))

	p := New(path)
	require.NoError(t, p.Load(nil))
	defer p.Unload()

	writable, err := p.CanWrite(context.Background(), backend.NoHandle)
	require.NoError(t, err)
	assert.False(t, writable)

	trimmable, err := p.CanTrim(context.Background(), backend.NoHandle)
	require.NoError(t, err)
	assert.False(t, trimmable)
}

func TestLoad_MissingFileFails(t *testing.T) {
	t.Parallel()

	p := New(filepath.Join(t.TempDir(), "does-not-exist.img"))
	err := p.Load(nil)
	assert.Error(t, err)
}

// ============================================================================
// Pread / Pwrite round-trip
// ============================================================================

func TestPwriteThenPread_RoundTrips(t *testing.T) {
	t.Parallel()

	path := writeTempFile(t, make([]byte, 4096))
	p := New(path)
	require.NoError(t, p.Load(nil))
	defer p.Unload()

	want := []byte("round trip contents")
	require.NoError(t, p.Pwrite(context.Background(), backend.NoHandle, want, 128, 0))

	got := make([]byte, len(want))
	require.NoError(t, p.Pread(context.Background(), backend.NoHandle, got, 128, 0))
	assert.Equal(t, want, got)
}

func TestPwrite_FUAFlagFlushesToDisk(t *testing.T) {
	t.Parallel()

	path := writeTempFile(t, make([]byte, 512))
	p := New(path)
	require.NoError(t, p.Load(nil))
	defer p.Unload()

	err := p.Pwrite(context.Background(), backend.NoHandle, []byte("durable"), 0, backend.FlagFUA)
	assert.NoError(t, err)
}

// ============================================================================
// Zero / Trim / Flush
// ============================================================================

func TestZero_OverwritesRangeWithZeroes(t *testing.T) {
	t.Parallel()

	path := writeTempFile(t, []byte("aaaaaaaaaa"))
	p := New(path)
	require.NoError(t, p.Load(nil))
	defer p.Unload()

	require.NoError(t, p.Zero(context.Background(), backend.NoHandle, 10, 0, 0))

	got := make([]byte, 10)
	require.NoError(t, p.Pread(context.Background(), backend.NoHandle, got, 0, 0))
	for _, b := range got {
		assert.Zero(t, b)
	}
}

func TestTrim_IsANoop(t *testing.T) {
	t.Parallel()

	path := writeTempFile(t, []byte("unchanged"))
	p := New(path)
	require.NoError(t, p.Load(nil))
	defer p.Unload()

	require.NoError(t, p.Trim(context.Background(), backend.NoHandle, 9, 0, 0))

	got := make([]byte, 9)
	require.NoError(t, p.Pread(context.Background(), backend.NoHandle, got, 0, 0))
	assert.Equal(t, []byte("unchanged"), got)
}

func TestFlush_Succeeds(t *testing.T) {
	t.Parallel()

	path := writeTempFile(t, make([]byte, 512))
	p := New(path)
	require.NoError(t, p.Load(nil))
	defer p.Unload()

	assert.NoError(t, p.Flush(context.Background(), backend.NoHandle, 0))
}
