package groupcommit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommitSingleCaller(t *testing.T) {
	c := New(Config{MaxWait: 5 * time.Millisecond, MaxBatchSize: 100})

	var syncCalls int32
	err := c.Commit(func() error {
		atomic.AddInt32(&syncCalls, 1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), syncCalls)

	batches, commits := c.Stats()
	assert.Equal(t, uint64(1), batches)
	assert.Equal(t, uint64(1), commits)
}

func TestCommitBatchesConcurrentCallers(t *testing.T) {
	c := New(Config{MaxWait: 20 * time.Millisecond, MaxBatchSize: 100})

	var syncCalls int32
	const callers = 20
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			err := c.Commit(func() error {
				atomic.AddInt32(&syncCalls, 1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	batches, commits := c.Stats()
	assert.Equal(t, uint64(callers), commits)
	assert.Less(t, batches, uint64(callers), "concurrent callers should share fewer syncs than callers")
	assert.LessOrEqual(t, int32(batches), syncCalls)
}

func TestCommitPropagatesSyncError(t *testing.T) {
	c := New(DefaultConfig())
	boom := assert.AnError

	err := c.Commit(func() error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestCommitErrorIsSharedAcrossFollowers(t *testing.T) {
	c := New(Config{MaxWait: 20 * time.Millisecond, MaxBatchSize: 100})
	boom := assert.AnError

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.Commit(func() error { return boom })
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, boom)
	}
}
