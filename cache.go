// Copyright The CILPE Authors
// SPDX-License-Identifier: Apache-2.0

package mddecoder // import "github.com/cilpe/mddecoder"

import (
	"os"
	"sync/atomic"
	"time"

	"github.com/elastic/go-freelru"
	"github.com/zeebo/xxh3"
)

const (
	// Maximum number of parsed images kept by a LoaderCache.
	loaderCacheSize = 256

	// TTL of LoaderCache entries.
	loaderCacheTTL = 6 * time.Hour
)

// cachedLoader is one LoaderCache entry. Load failures are cached too, so
// a repeatedly requested broken image is parsed only once per TTL.
type cachedLoader struct {
	err          error
	lastModified int64
	loader       *Loader
}

// LoaderCache caches parsed images keyed by file path, invalidated by
// modification time. Loaders handed out by Get stay owned by the cache:
// callers must not Close them.
type LoaderCache struct {
	hit  atomic.Uint64
	miss atomic.Uint64

	lru *freelru.LRU[string, *cachedLoader]
}

func hashPath(path string) uint32 {
	return uint32(xxh3.HashString(path))
}

// NewLoaderCache creates an empty cache.
func NewLoaderCache() (*LoaderCache, error) {
	lru, err := freelru.New[string, *cachedLoader](loaderCacheSize, hashPath)
	if err != nil {
		return nil, err
	}
	lru.SetLifetime(loaderCacheTTL)
	return &LoaderCache{lru: lru}, nil
}

// Get returns the cached loader for path, parsing the image on a miss or
// when the file changed since it was cached.
func (c *LoaderCache) Get(path string) (*Loader, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	lastModified := st.ModTime().UnixNano()
	if entry, ok := c.lru.Get(path); ok && entry.lastModified == lastModified {
		c.hit.Add(1)
		return entry.loader, entry.err
	}

	// Slow path, parse the image and update the cache
	c.miss.Add(1)
	entry := &cachedLoader{lastModified: lastModified}
	entry.loader, entry.err = Open(path)
	c.lru.Add(path, entry)
	return entry.loader, entry.err
}

// Remove drops the entry for path, closing its loader.
func (c *LoaderCache) Remove(path string) {
	if entry, ok := c.lru.Get(path); ok {
		c.lru.Remove(path)
		if entry.loader != nil {
			_ = entry.loader.Close()
		}
	}
}

// Stats returns the hit and miss counters.
func (c *LoaderCache) Stats() (hit, miss uint64) {
	return c.hit.Load(), c.miss.Load()
}
