package iobackend

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexhholmes/thunder/internal/page"
)

func TestDirectIOBackendWriteReadBatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "direct.db")
	b, err := NewDirectIOBackend(path, page.Size4K)
	require.NoError(t, err)
	defer b.Close()

	data0 := bytes.Repeat([]byte{0x11}, int(page.Size4K))
	data1 := bytes.Repeat([]byte{0x22}, int(page.Size4K))

	err = b.WriteBatch([]WriteOp{
		{ID: page.ID(0), Data: data0},
		{ID: page.ID(1), Data: data1},
	})
	require.NoError(t, err)
	require.NoError(t, b.Sync())

	results := b.ReadBatch([]ReadOp{{ID: page.ID(0)}, {ID: page.ID(1)}})
	require.Len(t, results, 2)
	require.NoError(t, results[0].Err)
	require.NoError(t, results[1].Err)
	assert.Equal(t, data0, results[0].Data)
	assert.Equal(t, data1, results[1].Data)
}

func TestNewDirectIOBackendRejectsUnalignedPageSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "direct.db")

	_, err := NewDirectIOBackend(path, page.Size(1000))
	assert.ErrorIs(t, err, ErrAlignment)

	_, err = NewDirectIOBackend(path, page.Size(0))
	assert.ErrorIs(t, err, ErrAlignment)
}

func TestDirectIOBackendCapabilityHints(t *testing.T) {
	path := filepath.Join(t.TempDir(), "direct.db")
	b, err := NewDirectIOBackend(path, page.Size4K)
	require.NoError(t, err)
	defer b.Close()

	assert.True(t, b.SupportsParallel())
	assert.Greater(t, b.OptimalBatchSize(), 0)
}
