package freelist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexhholmes/thunder/internal/page"
)

func TestNewClampsBelowFirstDataPage(t *testing.T) {
	fl := New(0)
	assert.Equal(t, page.FirstDataPageID, fl.Tail())
}

func TestAllocateGrowsTailWhenEmpty(t *testing.T) {
	fl := New(page.FirstDataPageID)
	a := fl.Allocate()
	b := fl.Allocate()
	assert.Equal(t, page.FirstDataPageID, a)
	assert.Equal(t, page.FirstDataPageID+1, b)
	assert.Equal(t, page.FirstDataPageID+2, fl.Tail())
}

func TestAllocatePrefersFreedPages(t *testing.T) {
	fl := New(page.FirstDataPageID)
	fl.Allocate() // 2
	fl.Allocate() // 3
	fl.Allocate() // 4

	fl.Free(page.FirstDataPageID + 1) // free page 3
	fl.Free(page.FirstDataPageID)     // free page 2

	assert.Equal(t, 2, fl.Len())
	assert.Equal(t, page.FirstDataPageID, fl.Allocate(), "lowest free id goes first")
	assert.Equal(t, page.FirstDataPageID+1, fl.Allocate())
	assert.Equal(t, 0, fl.Len())

	// free set exhausted; falls back to tail growth
	assert.Equal(t, page.FirstDataPageID+3, fl.Allocate())
}

func TestFreeIsIdempotent(t *testing.T) {
	fl := New(page.FirstDataPageID)
	fl.Free(page.FirstDataPageID)
	fl.Free(page.FirstDataPageID)
	assert.Equal(t, 1, fl.Len())
}

func TestSerializeRoundTrip(t *testing.T) {
	fl := New(page.FirstDataPageID)
	fl.Allocate()
	fl.Allocate()
	fl.Allocate()
	fl.Free(page.FirstDataPageID)
	fl.Free(page.FirstDataPageID + 2)

	buf := fl.Serialize()
	restored, err := Deserialize(buf)
	require.NoError(t, err)

	assert.Equal(t, fl.Tail(), restored.Tail())
	assert.Equal(t, fl.Len(), restored.Len())
	assert.Equal(t, fl.Allocate(), restored.Allocate())
}

func TestRegionStartNeverMovesAsTailGrows(t *testing.T) {
	fl := New(page.FirstDataPageID)
	fl.Allocate()
	fl.Allocate()
	fl.Allocate()
	assert.Equal(t, page.FirstDataPageID, fl.RegionStart())
	assert.Equal(t, page.FirstDataPageID+3, fl.Tail())

	fl.Free(page.FirstDataPageID)
	fl.Allocate()
	assert.Equal(t, page.FirstDataPageID, fl.RegionStart(), "RegionStart must stay fixed even after free/realloc churn")
}

func TestRegionStartSurvivesSerializeRoundTrip(t *testing.T) {
	fl := New(page.FirstDataPageID + 5)
	fl.Allocate()

	restored, err := Deserialize(fl.Serialize())
	require.NoError(t, err)
	assert.Equal(t, page.FirstDataPageID+5, restored.RegionStart())
}

func TestDeserializeShortBufferReturnsFreshList(t *testing.T) {
	fl, err := Deserialize([]byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, page.FirstDataPageID, fl.Tail())
	assert.Equal(t, 0, fl.Len())
}
