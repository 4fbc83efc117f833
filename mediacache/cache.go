package mediacache

import (
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
)

// BlobCacheCapacity bounds how many decoded binary handles stay resident.
const BlobCacheCapacity = 64

// CacheKey identifies one cached binary: the owning post plus a variant
// discriminator such as "thumb", "full" or "avatar".
type CacheKey struct {
	SourceId int64  `json:"sourceId"`
	ItemId   int64  `json:"itemId"`
	Variant  string `json:"variant"`
}

func (k CacheKey) String() string {
	return fmt.Sprintf("%d/%d/%s", k.SourceId, k.ItemId, k.Variant)
}

// Blob is an in-memory handle to binary data with an explicit lifetime,
// mirroring browser-native object handles that must be revoked. Once
// released the bytes are gone and the handle must not be used again.
type Blob struct {
	data     []byte
	released int32
}

func NewBlob(data []byte) *Blob {
	return &Blob{data: data}
}

// Bytes returns the payload, nil after release.
func (b *Blob) Bytes() []byte {
	if atomic.LoadInt32(&b.released) == 1 {
		return nil
	}
	return b.data
}

// Release frees the handle. Idempotent.
func (b *Blob) Release() {
	if atomic.CompareAndSwapInt32(&b.released, 0, 1) {
		b.data = nil
	}
}

func (b *Blob) Released() bool {
	return atomic.LoadInt32(&b.released) == 1
}

/*

BlobCache is a fixed-capacity LRU over binary handles. The cache owns every
handle it holds: evicting the least recently touched entry releases its
handle, as do Delete and Clear. Nothing outside the cache's bookkeeping may
keep a handle past the point where it could be re-requested, or it risks
reading a released handle.
*/
type BlobCache struct {
	lru *lru.Cache
}

func NewBlobCache(capacity int) (*BlobCache, error) {
	if capacity <= 0 {
		capacity = BlobCacheCapacity
	}
	inner, err := lru.NewWithEvict(capacity, func(key interface{}, value interface{}) {
		value.(*Blob).Release()
	})
	if err != nil {
		return nil, err
	}
	return &BlobCache{lru: inner}, nil
}

// Get touches recency and returns the handle.
func (c *BlobCache) Get(key CacheKey) (*Blob, bool) {
	value, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	return value.(*Blob), true
}

// Set inserts at the most recently used position, releasing a differing old
// handle under the same key first. At capacity the least recently used
// entry is evicted (and released) to make room.
func (c *BlobCache) Set(key CacheKey, blob *Blob) {
	if old, ok := c.lru.Peek(key); ok && old.(*Blob) != blob {
		// lru.Add replaces silently without firing the evict callback.
		old.(*Blob).Release()
	}
	c.lru.Add(key, blob)
}

// Delete removes and releases one entry.
func (c *BlobCache) Delete(key CacheKey) {
	c.lru.Remove(key)
}

// Clear removes and releases everything.
func (c *BlobCache) Clear() {
	c.lru.Purge()
}

func (c *BlobCache) Contains(key CacheKey) bool {
	return c.lru.Contains(key)
}

func (c *BlobCache) Len() int {
	return c.lru.Len()
}
