package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alexhholmes/thunder/internal/page"
)

func TestCacheMissThenHit(t *testing.T) {
	c := New(32)

	_, ok := c.Get(page.ID(1))
	assert.False(t, ok)

	c.Put(page.ID(1), []byte("page one"))
	data, ok := c.Get(page.ID(1))
	assert.True(t, ok)
	assert.Equal(t, "page one", string(data))
}

func TestCacheRemove(t *testing.T) {
	c := New(32)
	c.Put(page.ID(5), []byte("five"))
	c.Remove(page.ID(5))

	_, ok := c.Get(page.ID(5))
	assert.False(t, ok)
}

func TestCacheRemoveMissingIsNoop(t *testing.T) {
	c := New(32)
	assert.NotPanics(t, func() { c.Remove(page.ID(999)) })
}

func TestCacheDistributesAcrossManyIDs(t *testing.T) {
	c := New(64)
	for i := page.ID(0); i < 200; i++ {
		c.Put(i, []byte{byte(i)})
	}
	for i := page.ID(0); i < 200; i++ {
		if data, ok := c.Get(i); ok {
			assert.Equal(t, byte(i), data[0])
		}
	}
}
