package page

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSizeValid(t *testing.T) {
	for _, s := range []Size{Size4K, Size8K, Size16K, Size32K, Size64K} {
		assert.True(t, s.Valid())
	}
	assert.False(t, Size(1234).Valid())
	assert.False(t, Size(0).Valid())
}

func TestSizeString(t *testing.T) {
	assert.Equal(t, "4096B", Size4K.String())
}
