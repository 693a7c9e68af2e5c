package runtimeenv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// New / Shutdown / PeerName / Disconnect
// ============================================================================

func TestShutdown_InvokesCallback(t *testing.T) {
	t.Parallel()

	called := false
	e := New(func() { called = true })
	e.Shutdown()
	assert.True(t, called)
}

func TestShutdown_NilCallbackIsANoop(t *testing.T) {
	t.Parallel()

	e := New(nil)
	assert.NotPanics(t, e.Shutdown)
}

func TestPeerName_AlwaysEmpty(t *testing.T) {
	t.Parallel()

	e := New(nil)
	assert.Equal(t, "", e.PeerName())
}

func TestDisconnect_IsANoop(t *testing.T) {
	t.Parallel()

	e := New(nil)
	assert.NotPanics(t, e.Disconnect)
}

// ============================================================================
// ParseSize
// ============================================================================

func TestParseSize_PlainNumber(t *testing.T) {
	t.Parallel()

	e := New(nil)
	n, err := e.ParseSize("512")
	require.NoError(t, err)
	assert.Equal(t, int64(512), n)
}

func TestParseSize_BinarySuffixes(t *testing.T) {
	t.Parallel()

	e := New(nil)
	cases := map[string]int64{
		"1K": 1024,
		"2k": 2 * 1024,
		"1M": 1024 * 1024,
		"4G": 4 * 1024 * 1024 * 1024,
		"1T": 1024 * 1024 * 1024 * 1024,
	}
	for s, want := range cases {
		n, err := e.ParseSize(s)
		require.NoError(t, err)
		assert.Equal(t, want, n, s)
	}
}

func TestParseSize_TrimsWhitespace(t *testing.T) {
	t.Parallel()

	e := New(nil)
	n, err := e.ParseSize("  128M  ")
	require.NoError(t, err)
	assert.Equal(t, int64(128*1024*1024), n)
}

func TestParseSize_EmptyStringErrors(t *testing.T) {
	t.Parallel()

	e := New(nil)
	_, err := e.ParseSize("   ")
	assert.Error(t, err)
}

func TestParseSize_NonNumericErrors(t *testing.T) {
	t.Parallel()

	e := New(nil)
	_, err := e.ParseSize("abcG")
	assert.Error(t, err)
}
