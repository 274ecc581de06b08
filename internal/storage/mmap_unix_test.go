//go:build linux || darwin

package storage

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexhholmes/thunder/internal/page"
)

func TestMMapWriteThenRemapMakesWriteVisible(t *testing.T) {
	s, err := OpenMMap(tempDBPath(t), page.Size4K)
	require.NoError(t, err)
	defer s.Close()

	data := bytes.Repeat([]byte{0x7E}, int(page.Size4K)*2)
	require.NoError(t, s.WriteAt(0, data))
	require.NoError(t, s.Remap())

	got, err := s.ReadPage(page.ID(0))
	require.NoError(t, err)
	assert.Equal(t, data[:page.Size4K], got)

	got, err = s.ReadPage(page.ID(1))
	require.NoError(t, err)
	assert.Equal(t, data[page.Size4K:], got)
}

func TestMMapReadPastMappingErrors(t *testing.T) {
	s, err := OpenMMap(tempDBPath(t), page.Size4K)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.ReadAt(0, int(page.Size4K))
	assert.Error(t, err, "reading before any write/remap should fail against an empty mapping")
}
