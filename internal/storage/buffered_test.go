package storage

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexhholmes/thunder/internal/page"
)

func tempDBPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "test.db")
}

func TestBufferedWriteReadPageRoundTrip(t *testing.T) {
	s, err := OpenBuffered(tempDBPath(t), page.Size4K, 64)
	require.NoError(t, err)
	defer s.Close()

	data := bytes.Repeat([]byte{0xAB}, int(page.Size4K))
	require.NoError(t, s.WritePage(page.ID(2), data))

	got, err := s.ReadPage(page.ID(2))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestBufferedWritePageInvalidatesCache(t *testing.T) {
	s, err := OpenBuffered(tempDBPath(t), page.Size4K, 64)
	require.NoError(t, err)
	defer s.Close()

	first := bytes.Repeat([]byte{0x01}, int(page.Size4K))
	require.NoError(t, s.WritePage(page.ID(2), first))
	_, err = s.ReadPage(page.ID(2)) // populate the cache
	require.NoError(t, err)

	second := bytes.Repeat([]byte{0x02}, int(page.Size4K))
	require.NoError(t, s.WritePage(page.ID(2), second))

	got, err := s.ReadPage(page.ID(2))
	require.NoError(t, err)
	assert.Equal(t, second, got, "stale cached page must not be served after a write")
}

func TestBufferedReadAtArbitraryOffset(t *testing.T) {
	s, err := OpenBuffered(tempDBPath(t), page.Size4K, 64)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.WriteAt(10, []byte("hello")))
	got, err := s.ReadAt(10, 5)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestBufferedSizeAndSync(t *testing.T) {
	s, err := OpenBuffered(tempDBPath(t), page.Size4K, 64)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.WriteAt(0, bytes.Repeat([]byte{0}, int(page.Size4K))))
	size, err := s.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(page.Size4K), size)

	assert.NoError(t, s.Sync())
}

func TestBufferedRemapIsNoop(t *testing.T) {
	s, err := OpenBuffered(tempDBPath(t), page.Size4K, 64)
	require.NoError(t, err)
	defer s.Close()
	assert.NoError(t, s.Remap())
}
