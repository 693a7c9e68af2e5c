package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// ExtentList invariants
// ============================================================================

func TestExtentList_FirstOffsetMustMatchRequest(t *testing.T) {
	t.Parallel()

	l := NewExtentList(4096)
	err := l.Add(8192, 512, 0)
	assert.Error(t, err)
	assert.Empty(t, l.Entries())
}

func TestExtentList_RejectsGap(t *testing.T) {
	t.Parallel()

	l := NewExtentList(0)
	require.NoError(t, l.Add(0, 512, 0))
	err := l.Add(1024, 512, ExtentHole)
	assert.Error(t, err)
}

func TestExtentList_RejectsOverlap(t *testing.T) {
	t.Parallel()

	l := NewExtentList(0)
	require.NoError(t, l.Add(0, 512, 0))
	err := l.Add(256, 512, 0)
	assert.Error(t, err)
}

func TestExtentList_AcceptsContiguousRuns(t *testing.T) {
	t.Parallel()

	l := NewExtentList(1000)
	require.NoError(t, l.Add(1000, 500, 0))
	require.NoError(t, l.Add(1500, 500, ExtentHole))
	require.NoError(t, l.Add(2000, 500, ExtentHole|ExtentZero))

	entries := l.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, uint64(500), entries[1].Length)
	assert.Equal(t, uint64(1500), entries[1].Offset)
}

func TestExtentList_CoveredLength(t *testing.T) {
	t.Parallel()

	l := NewExtentList(0)
	require.NoError(t, l.Add(0, 100, 0))
	require.NoError(t, l.Add(100, 200, 0))
	assert.Equal(t, uint64(300), l.CoveredLength())
}

func TestExtentList_TrimToFirst(t *testing.T) {
	t.Parallel()

	l := NewExtentList(0)
	require.NoError(t, l.Add(0, 100, 0))
	require.NoError(t, l.Add(100, 200, 0))
	require.NoError(t, l.Add(300, 300, 0))

	l.TrimToFirst()
	entries := l.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(100), entries[0].Length)
}

func TestExtentList_Reset(t *testing.T) {
	t.Parallel()

	l := NewExtentList(0)
	require.NoError(t, l.Add(0, 100, 0))

	l.Reset(4096)
	assert.Empty(t, l.Entries())
	require.NoError(t, l.Add(4096, 10, 0))
}

// ============================================================================
// ThreadModel ordering
// ============================================================================

func TestThreadModel_Ordering(t *testing.T) {
	t.Parallel()

	assert.Less(t, ThreadModelSerializeConnections, ThreadModelSerializeAllRequests)
	assert.Less(t, ThreadModelSerializeAllRequests, ThreadModelSerializeRequests)
	assert.Less(t, ThreadModelSerializeRequests, ThreadModelParallel)
}

func TestThreadModel_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "PARALLEL", ThreadModelParallel.String())
	assert.Equal(t, "SERIALIZE_CONNECTIONS", ThreadModelSerializeConnections.String())
}

// ============================================================================
// Flags
// ============================================================================

func TestFlags_Has(t *testing.T) {
	t.Parallel()

	f := FlagFUA | FlagRequestOne
	assert.True(t, f.Has(FlagFUA))
	assert.True(t, f.Has(FlagRequestOne))
	assert.False(t, f.Has(FlagMayTrim))
	assert.False(t, f.Has(FlagFastZero))
}

// ============================================================================
// ExportList
// ============================================================================

func TestExportList_Add(t *testing.T) {
	t.Parallel()

	var l ExportList
	l.Add("default", "the default export")
	l.Add("scratch", "")

	entries := l.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "default", entries[0].Name)
	assert.Equal(t, "scratch", entries[1].Name)
}
