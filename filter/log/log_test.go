package log

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/marmos91/nbdserve/pkg/backend"
)

type recordingNext struct {
	backend.BasePlugin

	readErr, writeErr, zeroErr, trimErr, flushErr error
}

func (n *recordingNext) Reopen(context.Context, bool, string, bool) (backend.Handle, error) {
	return backend.NoHandle, nil
}

func (n *recordingNext) Pread(context.Context, backend.Handle, []byte, uint64, backend.Flags) error {
	return n.readErr
}
func (n *recordingNext) Pwrite(context.Context, backend.Handle, []byte, uint64, backend.Flags) error {
	return n.writeErr
}
func (n *recordingNext) Zero(context.Context, backend.Handle, uint32, uint64, backend.Flags) error {
	return n.zeroErr
}
func (n *recordingNext) Trim(context.Context, backend.Handle, uint32, uint64, backend.Flags) error {
	return n.trimErr
}
func (n *recordingNext) Flush(context.Context, backend.Handle, backend.Flags) error {
	return n.flushErr
}

// ============================================================================
// Every operation forwards the result and return value unchanged
// ============================================================================

func TestPread_ForwardsResult(t *testing.T) {
	t.Parallel()

	n := &recordingNext{}
	b := New().Bind(n).(*bound)
	err := b.Pread(context.Background(), backend.NoHandle, make([]byte, 4), 0, 0)
	assert.NoError(t, err)
}

func TestPwrite_ForwardsError(t *testing.T) {
	t.Parallel()

	n := &recordingNext{writeErr: assert.AnError}
	b := New().Bind(n).(*bound)
	err := b.Pwrite(context.Background(), backend.NoHandle, []byte("x"), 0, 0)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestZero_ForwardsError(t *testing.T) {
	t.Parallel()

	n := &recordingNext{zeroErr: assert.AnError}
	b := New().Bind(n).(*bound)
	err := b.Zero(context.Background(), backend.NoHandle, 512, 0, 0)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestTrim_ForwardsError(t *testing.T) {
	t.Parallel()

	n := &recordingNext{trimErr: assert.AnError}
	b := New().Bind(n).(*bound)
	err := b.Trim(context.Background(), backend.NoHandle, 512, 0, 0)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestFlush_ForwardsError(t *testing.T) {
	t.Parallel()

	n := &recordingNext{flushErr: assert.AnError}
	b := New().Bind(n).(*bound)
	err := b.Flush(context.Background(), backend.NoHandle, 0)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "log", New().Name())
}
