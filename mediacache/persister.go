package mediacache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/rnr-capital/feedsync/kvstore"
	Logger "github.com/rnr-capital/feedsync/utils/log"
)

const (
	// PersistDebounce is the coalescing window for blob snapshot writes, a
	// burst of finished downloads produces a single durable write.
	PersistDebounce = time.Second

	// MaxPersistedBlobs caps the durable snapshot, oldest entries drop
	// first.
	MaxPersistedBlobs = 200

	// BlobSnapshotKey is the stable logical key the snapshot lives under in
	// the key-value collaborator.
	BlobSnapshotKey = "feedsync:blobs"
)

// PersistedBlob is one entry of the durable blob snapshot.
type PersistedBlob struct {
	Key     CacheKey  `json:"key"`
	Data    []byte    `json:"data"`
	SavedAt time.Time `json:"savedAt"`
}

/*

Persister survives reloads: successfully downloaded cacheable variants
(thumbnails, profile assets) queue here and are written to the key-value
collaborator in a debounced batch. The write path deduplicates against the
existing snapshot by cache key keeping the newer entry, sorts newest first
and caps the retained count.

Shutdown (the page-unload equivalent) must call Flush, otherwise the last
coalescing window's worth of downloads is silently lost.
*/
type Persister struct {
	kv kvstore.Store

	mu     sync.Mutex
	queued []PersistedBlob
	timer  *time.Timer
}

func NewPersister(kv kvstore.Store) *Persister {
	return &Persister{kv: kv}
}

// Enqueue stages one downloaded blob for the next debounced write.
func (p *Persister) Enqueue(key CacheKey, data []byte) {
	copied := make([]byte, len(data))
	copy(copied, data)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.queued = append(p.queued, PersistedBlob{Key: key, Data: copied, SavedAt: time.Now()})
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(PersistDebounce, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := p.Flush(ctx); err != nil {
			// Background persistence fails silently, the cache refills from
			// the network.
			Logger.LogV2.Debug(fmt.Sprintf("blob snapshot write failed: %v", err))
		}
	})
}

// Flush writes everything queued so far, merged and deduplicated against
// the existing snapshot. Safe to call with an empty queue.
func (p *Persister) Flush(ctx context.Context) error {
	p.mu.Lock()
	batch := p.queued
	p.queued = nil
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	existing, err := p.readSnapshot(ctx)
	if err != nil {
		return err
	}

	// Newer entry wins per key.
	byKey := map[CacheKey]PersistedBlob{}
	for _, blob := range existing {
		byKey[blob.Key] = blob
	}
	for _, blob := range batch {
		if prior, ok := byKey[blob.Key]; !ok || blob.SavedAt.After(prior.SavedAt) {
			byKey[blob.Key] = blob
		}
	}

	merged := make([]PersistedBlob, 0, len(byKey))
	for _, blob := range byKey {
		merged = append(merged, blob)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].SavedAt.After(merged[j].SavedAt)
	})
	if len(merged) > MaxPersistedBlobs {
		merged = merged[:MaxPersistedBlobs]
	}

	encoded, err := json.Marshal(merged)
	if err != nil {
		return errors.Wrap(err, "encode blob snapshot")
	}
	return p.kv.Set(ctx, BlobSnapshotKey, encoded)
}

// Restore loads the snapshot back into a cache after a reload. A missing
// snapshot is not an error.
func (p *Persister) Restore(ctx context.Context, cache *BlobCache) (int, error) {
	snapshot, err := p.readSnapshot(ctx)
	if err != nil {
		return 0, err
	}
	for _, blob := range snapshot {
		cache.Set(blob.Key, NewBlob(blob.Data))
	}
	return len(snapshot), nil
}

func (p *Persister) readSnapshot(ctx context.Context) ([]PersistedBlob, error) {
	raw, err := p.kv.Get(ctx, BlobSnapshotKey)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snapshot []PersistedBlob
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		// A corrupt snapshot is discarded rather than wedging every future
		// flush.
		Logger.LogV2.Error(fmt.Sprintf("discarding corrupt blob snapshot: %v", err))
		return nil, nil
	}
	return snapshot, nil
}
