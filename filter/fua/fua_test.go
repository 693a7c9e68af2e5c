package fua

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/nbdserve/pkg/backend"
)

// fakeNext is a minimal backend.Next test double: BasePlugin supplies
// every Layer method's safe default, overridden below as each test needs,
// plus a Reopen stub to satisfy Next itself.
type fakeNext struct {
	backend.BasePlugin

	canFlush   bool
	canFUA     backend.Tri
	writes     []backend.Flags
	flushCount int
	writeErr   error
}

func (n *fakeNext) Reopen(context.Context, bool, string, bool) (backend.Handle, error) {
	return backend.NoHandle, nil
}

func (n *fakeNext) CanFlush(context.Context, backend.Handle) (bool, error) { return n.canFlush, nil }
func (n *fakeNext) CanFUA(context.Context, backend.Handle) (backend.Tri, error) {
	return n.canFUA, nil
}

func (n *fakeNext) Pwrite(_ context.Context, _ backend.Handle, _ []byte, _ uint64, flags backend.Flags) error {
	n.writes = append(n.writes, flags)
	return n.writeErr
}

func (n *fakeNext) Flush(context.Context, backend.Handle, backend.Flags) error {
	n.flushCount++
	return nil
}

func bind(mode Mode, next *fakeNext) *bound {
	f := New(mode)
	return f.Bind(next).(*bound)
}

// ============================================================================
// Prepare
// ============================================================================

func TestPrepare_EmulateRequiresFlushSupport(t *testing.T) {
	t.Parallel()

	b := bind(ModeEmulate, &fakeNext{canFlush: false})
	err := b.Prepare(context.Background(), backend.NoHandle, false)
	assert.Error(t, err)
}

func TestPrepare_EmulateSucceedsWhenFlushSupported(t *testing.T) {
	t.Parallel()

	b := bind(ModeEmulate, &fakeNext{canFlush: true})
	err := b.Prepare(context.Background(), backend.NoHandle, false)
	assert.NoError(t, err)
}

func TestPrepare_NativeRequiresFUASupportBelow(t *testing.T) {
	t.Parallel()

	b := bind(ModeNative, &fakeNext{canFUA: backend.TriNone})
	err := b.Prepare(context.Background(), backend.NoHandle, false)
	assert.Error(t, err)
}

func TestPrepare_ReadonlySkipsModeChecks(t *testing.T) {
	t.Parallel()

	b := bind(ModeNative, &fakeNext{canFUA: backend.TriNone})
	err := b.Prepare(context.Background(), backend.NoHandle, true)
	assert.NoError(t, err)
}

// ============================================================================
// CanFlush / CanFUA
// ============================================================================

func TestCanFlush_ForceAndDiscardAlwaysTrue(t *testing.T) {
	t.Parallel()

	for _, m := range []Mode{ModeForce, ModeDiscard} {
		b := bind(m, &fakeNext{canFlush: false})
		ok, err := b.CanFlush(context.Background(), backend.NoHandle)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestCanFlush_OtherModesDeferToNext(t *testing.T) {
	t.Parallel()

	b := bind(ModeNone, &fakeNext{canFlush: false})
	ok, err := b.CanFlush(context.Background(), backend.NoHandle)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCanFUA_PerMode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mode Mode
		next backend.Tri
		want backend.Tri
	}{
		{ModeNone, backend.TriNative, backend.TriNone},
		{ModeEmulate, backend.TriNative, backend.TriEmulate},
		{ModeNative, backend.TriNone, backend.TriNative},
		{ModeForce, backend.TriNone, backend.TriNative},
		{ModeDiscard, backend.TriNone, backend.TriNative},
		{ModePass, backend.TriEmulate, backend.TriEmulate},
	}
	for _, tt := range tests {
		b := bind(tt.mode, &fakeNext{canFUA: tt.next})
		got, err := b.CanFUA(context.Background(), backend.NoHandle)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

// ============================================================================
// Pwrite / adjustFlags
// ============================================================================

func TestPwrite_EmulateStripsFUAAndFlushesAfter(t *testing.T) {
	t.Parallel()

	n := &fakeNext{}
	b := bind(ModeEmulate, n)

	err := b.Pwrite(context.Background(), backend.NoHandle, []byte("x"), 0, backend.FlagFUA)
	require.NoError(t, err)

	require.Len(t, n.writes, 1)
	assert.False(t, n.writes[0].Has(backend.FlagFUA))
	assert.Equal(t, 1, n.flushCount)
}

func TestPwrite_EmulateWithoutFUADoesNotFlush(t *testing.T) {
	t.Parallel()

	n := &fakeNext{}
	b := bind(ModeEmulate, n)

	err := b.Pwrite(context.Background(), backend.NoHandle, []byte("x"), 0, 0)
	require.NoError(t, err)
	assert.Zero(t, n.flushCount)
}

func TestPwrite_ForceAlwaysSetsFUANoExtraFlush(t *testing.T) {
	t.Parallel()

	n := &fakeNext{}
	b := bind(ModeForce, n)

	err := b.Pwrite(context.Background(), backend.NoHandle, []byte("x"), 0, 0)
	require.NoError(t, err)

	require.Len(t, n.writes, 1)
	assert.True(t, n.writes[0].Has(backend.FlagFUA))
	assert.Zero(t, n.flushCount, "force mode makes every write durable without a trailing flush")
}

func TestPwrite_DiscardStripsFUA(t *testing.T) {
	t.Parallel()

	n := &fakeNext{}
	b := bind(ModeDiscard, n)

	err := b.Pwrite(context.Background(), backend.NoHandle, []byte("x"), 0, backend.FlagFUA)
	require.NoError(t, err)
	assert.False(t, n.writes[0].Has(backend.FlagFUA))
	assert.Zero(t, n.flushCount)
}

func TestPwrite_PropagatesWriteErrorWithoutFlushing(t *testing.T) {
	t.Parallel()

	n := &fakeNext{writeErr: assert.AnError}
	b := bind(ModeEmulate, n)

	err := b.Pwrite(context.Background(), backend.NoHandle, []byte("x"), 0, backend.FlagFUA)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Zero(t, n.flushCount)
}

// ============================================================================
// Flush
// ============================================================================

func TestFlush_ForceAndDiscardAreNoops(t *testing.T) {
	t.Parallel()

	for _, m := range []Mode{ModeForce, ModeDiscard} {
		n := &fakeNext{}
		b := bind(m, n)
		err := b.Flush(context.Background(), backend.NoHandle, 0)
		require.NoError(t, err)
		assert.Zero(t, n.flushCount)
	}
}

func TestFlush_OtherModesForwardToNext(t *testing.T) {
	t.Parallel()

	n := &fakeNext{}
	b := bind(ModeNone, n)
	err := b.Flush(context.Background(), backend.NoHandle, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n.flushCount)
}
