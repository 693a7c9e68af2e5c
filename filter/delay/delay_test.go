package delay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/nbdserve/pkg/backend"
)

type countingNext struct {
	backend.BasePlugin
	reads, writes, zeros, trims int
}

func (n *countingNext) Reopen(context.Context, bool, string, bool) (backend.Handle, error) {
	return backend.NoHandle, nil
}

func (n *countingNext) Pread(context.Context, backend.Handle, []byte, uint64, backend.Flags) error {
	n.reads++
	return nil
}
func (n *countingNext) Pwrite(context.Context, backend.Handle, []byte, uint64, backend.Flags) error {
	n.writes++
	return nil
}
func (n *countingNext) Zero(context.Context, backend.Handle, uint32, uint64, backend.Flags) error {
	n.zeros++
	return nil
}
func (n *countingNext) Trim(context.Context, backend.Handle, uint32, uint64, backend.Flags) error {
	n.trims++
	return nil
}

// ============================================================================
// Delay application
// ============================================================================

func TestPread_WaitsReadDelayThenForwards(t *testing.T) {
	t.Parallel()

	n := &countingNext{}
	b := New(10*time.Millisecond, time.Hour).Bind(n).(*bound)

	start := time.Now()
	err := b.Pread(context.Background(), backend.NoHandle, make([]byte, 1), 0, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
	assert.Equal(t, 1, n.reads)
}

func TestPwrite_WaitsWriteDelayThenForwards(t *testing.T) {
	t.Parallel()

	n := &countingNext{}
	b := New(time.Hour, 10*time.Millisecond).Bind(n).(*bound)

	start := time.Now()
	err := b.Pwrite(context.Background(), backend.NoHandle, []byte("x"), 0, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
	assert.Equal(t, 1, n.writes)
}

func TestZeroAndTrim_UseWriteDelay(t *testing.T) {
	t.Parallel()

	n := &countingNext{}
	b := New(0, 5*time.Millisecond).Bind(n).(*bound)

	require.NoError(t, b.Zero(context.Background(), backend.NoHandle, 1, 0, 0))
	require.NoError(t, b.Trim(context.Background(), backend.NoHandle, 1, 0, 0))
	assert.Equal(t, 1, n.zeros)
	assert.Equal(t, 1, n.trims)
}

func TestZeroDelay_SkipsSleepEntirely(t *testing.T) {
	t.Parallel()

	n := &countingNext{}
	b := New(0, 0).Bind(n).(*bound)

	start := time.Now()
	err := b.Pread(context.Background(), backend.NoHandle, make([]byte, 1), 0, 0)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Millisecond)
}

func TestSleep_AbortsOnContextCancellation(t *testing.T) {
	t.Parallel()

	n := &countingNext{}
	b := New(time.Hour, 0).Bind(n).(*bound)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Pread(ctx, backend.NoHandle, make([]byte, 1), 0, 0)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, n.reads, "a cancelled wait must not forward to the layer below")
}
