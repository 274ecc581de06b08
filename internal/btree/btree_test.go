package btree

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func key(i int) []byte { return []byte(fmt.Sprintf("key-%05d", i)) }
func val(i int) []byte { return []byte(fmt.Sprintf("value-%d", i)) }

func TestTreeGetMissing(t *testing.T) {
	tree := New()
	_, ok := tree.Get([]byte("nope"))
	assert.False(t, ok)
	assert.Equal(t, 0, tree.Len())
}

func TestTreeInsertGetOverwrite(t *testing.T) {
	tree := New()

	assert.True(t, tree.Insert([]byte("a"), []byte("1")))
	assert.Equal(t, 1, tree.Len())

	v, ok := tree.Get([]byte("a"))
	require.True(t, ok)
	assert.Equal(t, "1", string(v))

	assert.False(t, tree.Insert([]byte("a"), []byte("2")), "overwrite should not report newly inserted")
	assert.Equal(t, 1, tree.Len(), "overwrite must not grow size")

	v, ok = tree.Get([]byte("a"))
	require.True(t, ok)
	assert.Equal(t, "2", string(v))
}

func TestTreeSplitsAcrossManyEntries(t *testing.T) {
	tree := New()
	const n = 5000

	for i := 0; i < n; i++ {
		tree.Insert(key(i), val(i))
	}
	require.Equal(t, n, tree.Len())

	for i := 0; i < n; i++ {
		v, ok := tree.Get(key(i))
		require.True(t, ok, "missing key %d", i)
		assert.Equal(t, string(val(i)), string(v))
	}
}

func TestTreeIterIsAscending(t *testing.T) {
	tree := New()
	order := rand.New(rand.NewSource(1)).Perm(1000)
	for _, i := range order {
		tree.Insert(key(i), val(i))
	}

	var last []byte
	count := 0
	tree.Iter(func(k, v []byte) bool {
		if last != nil {
			assert.Less(t, string(last), string(k))
		}
		last = append([]byte{}, k...)
		count++
		return true
	})
	assert.Equal(t, 1000, count)
}

func TestTreeRemove(t *testing.T) {
	tree := New()
	const n = 2000
	for i := 0; i < n; i++ {
		tree.Insert(key(i), val(i))
	}

	for i := 0; i < n; i += 2 {
		assert.True(t, tree.Remove(key(i)))
	}
	assert.Equal(t, n/2, tree.Len())

	for i := 0; i < n; i++ {
		v, ok := tree.Get(key(i))
		if i%2 == 0 {
			assert.False(t, ok)
		} else {
			require.True(t, ok)
			assert.Equal(t, string(val(i)), string(v))
		}
	}

	assert.False(t, tree.Remove(key(0)), "already-removed key should report false")
}

func TestTreeRangeBounds(t *testing.T) {
	tree := New()
	for i := 0; i < 100; i++ {
		tree.Insert(key(i), val(i))
	}

	var got []string
	tree.Range(
		Bound{Key: key(10), Inclusive: true},
		Bound{Key: key(15), Inclusive: false},
		func(k, _ []byte) bool { got = append(got, string(k)); return true },
	)
	require.Len(t, got, 5)
	assert.Equal(t, string(key(10)), got[0])
	assert.Equal(t, string(key(14)), got[4])

	got = nil
	tree.Range(Bound{Unbounded: true}, Bound{Key: key(2), Inclusive: true}, func(k, _ []byte) bool {
		got = append(got, string(k))
		return true
	})
	assert.Equal(t, []string{string(key(0)), string(key(1)), string(key(2))}, got)
}

func TestTreeRangeEarlyStop(t *testing.T) {
	tree := New()
	for i := 0; i < 100; i++ {
		tree.Insert(key(i), val(i))
	}

	count := 0
	tree.Range(Bound{Unbounded: true}, Bound{Unbounded: true}, func(k, v []byte) bool {
		count++
		return count < 3
	})
	assert.Equal(t, 3, count)
}

func TestTreeRemoveRebalancesUnderflow(t *testing.T) {
	tree := New()
	const n = 200
	for i := 0; i < n; i++ {
		tree.Insert(key(i), val(i))
	}
	for i := 0; i < n-5; i++ {
		tree.Remove(key(i))
	}
	assert.Equal(t, 5, tree.Len())
	for i := n - 5; i < n; i++ {
		_, ok := tree.Get(key(i))
		assert.True(t, ok)
	}
}
