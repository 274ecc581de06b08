// Package cache provides a sharded read cache for page data, used by the
// buffered storage backend on platforms without memory mapping.
package cache

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	freelru "github.com/elastic/go-freelru"

	"github.com/alexhholmes/thunder/internal/page"
)

// shardCount is the number of independent LRU shards; concurrent readers
// striped across shards avoid serializing on one mutex.
const shardCount = 16

func hashPageID(id page.ID) uint32 {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(id >> (8 * i))
	}
	return uint32(xxhash.Sum64(buf[:]))
}

type shard struct {
	mu  sync.Mutex
	lru *freelru.LRU[page.ID, []byte]
}

// Cache is a sharded, fixed-capacity LRU cache of page bytes keyed by
// page ID.
type Cache struct {
	shards      [shardCount]*shard
	perShardCap uint32
}

// New creates a Cache holding up to capacity pages total, spread evenly
// across shards.
func New(capacity int) *Cache {
	if capacity < shardCount {
		capacity = shardCount
	}
	perShard := uint32(capacity / shardCount)

	c := &Cache{perShardCap: perShard}
	for i := range c.shards {
		lru, err := freelru.New[page.ID, []byte](perShard, func(id page.ID) uint32 {
			return hashPageID(id)
		})
		if err != nil {
			// perShard is always > 0 here (capacity >= shardCount), so
			// freelru.New only fails on a zero-size request.
			panic(err)
		}
		c.shards[i] = &shard{lru: lru}
	}
	return c
}

func (c *Cache) shardFor(id page.ID) *shard {
	return c.shards[hashPageID(id)%shardCount]
}

// Get returns the cached bytes for id, if present.
func (c *Cache) Get(id page.ID) ([]byte, bool) {
	s := c.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Get(id)
}

// Put inserts or updates the cached bytes for id.
func (c *Cache) Put(id page.ID, data []byte) {
	s := c.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lru.Add(id, data)
}

// Remove evicts id from the cache, if present.
func (c *Cache) Remove(id page.ID) {
	s := c.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lru.Remove(id)
}
