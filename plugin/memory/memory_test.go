package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/nbdserve/pkg/backend"
)

// ============================================================================
// New
// ============================================================================

func TestNew_RoundsSizeUpToSector(t *testing.T) {
	t.Parallel()

	p := New(1000)
	size, err := p.GetSize(context.Background(), backend.NoHandle)
	require.NoError(t, err)
	assert.Equal(t, uint64(1024), size)
}

func TestNew_ZeroInitialized(t *testing.T) {
	t.Parallel()

	p := New(512)
	buf := make([]byte, 512)
	require.NoError(t, p.Pread(context.Background(), backend.NoHandle, buf, 0, 0))
	for _, b := range buf {
		require.Zero(t, b)
	}
}

// ============================================================================
// Pread / Pwrite round-trip
// ============================================================================

func TestPwriteThenPread_RoundTrips(t *testing.T) {
	t.Parallel()

	p := New(4096)
	want := []byte("hello world")

	require.NoError(t, p.Pwrite(context.Background(), backend.NoHandle, want, 100, 0))

	got := make([]byte, len(want))
	require.NoError(t, p.Pread(context.Background(), backend.NoHandle, got, 100, 0))
	assert.Equal(t, want, got)
}

func TestPread_PastEndIsRejected(t *testing.T) {
	t.Parallel()

	p := New(512)
	buf := make([]byte, 16)
	err := p.Pread(context.Background(), backend.NoHandle, buf, 500, 0)
	assert.Error(t, err)
}

func TestPwrite_PastEndIsRejected(t *testing.T) {
	t.Parallel()

	p := New(512)
	err := p.Pwrite(context.Background(), backend.NoHandle, make([]byte, 16), 500, 0)
	assert.Error(t, err)
}

// ============================================================================
// Zero
// ============================================================================

func TestZero_ClearsRange(t *testing.T) {
	t.Parallel()

	p := New(4096)
	require.NoError(t, p.Pwrite(context.Background(), backend.NoHandle, []byte("xxxxxxxxxx"), 0, 0))
	require.NoError(t, p.Zero(context.Background(), backend.NoHandle, 10, 0, 0))

	buf := make([]byte, 10)
	require.NoError(t, p.Pread(context.Background(), backend.NoHandle, buf, 0, 0))
	for _, b := range buf {
		assert.Zero(t, b)
	}
}

func TestZero_PastEndIsRejected(t *testing.T) {
	t.Parallel()

	p := New(512)
	err := p.Zero(context.Background(), backend.NoHandle, 100, 500, 0)
	assert.Error(t, err)
}

// ============================================================================
// Capability defaults
// ============================================================================

func TestCapabilityDefaults(t *testing.T) {
	t.Parallel()

	p := New(512)
	ctx := context.Background()

	writable, err := p.CanWrite(ctx, backend.NoHandle)
	require.NoError(t, err)
	assert.True(t, writable)

	flush, err := p.CanFlush(ctx, backend.NoHandle)
	require.NoError(t, err)
	assert.True(t, flush)

	assert.Equal(t, backend.ThreadModelParallel, p.ThreadModel())
}
