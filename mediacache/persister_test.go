package mediacache

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rnr-capital/feedsync/kvstore"
)

func readSnapshotFromKV(t *testing.T, kv kvstore.Store) []PersistedBlob {
	t.Helper()
	raw, err := kv.Get(context.Background(), BlobSnapshotKey)
	require.NoError(t, err)
	var snapshot []PersistedBlob
	require.NoError(t, json.Unmarshal(raw, &snapshot))
	return snapshot
}

func TestFlushWritesQueuedBlobs(t *testing.T) {
	kv := kvstore.NewMemoryStore()
	p := NewPersister(kv)

	p.Enqueue(mediaKey(1), []byte("one"))
	p.Enqueue(mediaKey(2), []byte("two"))
	require.NoError(t, p.Flush(context.Background()))

	snapshot := readSnapshotFromKV(t, kv)
	require.Len(t, snapshot, 2)

	// Flush with nothing queued keeps the snapshot intact.
	require.NoError(t, p.Flush(context.Background()))
	require.Len(t, readSnapshotFromKV(t, kv), 2)
}

func TestFlushDedupsKeepingNewer(t *testing.T) {
	kv := kvstore.NewMemoryStore()
	p := NewPersister(kv)

	p.Enqueue(mediaKey(1), []byte("old bytes"))
	require.NoError(t, p.Flush(context.Background()))

	p.Enqueue(mediaKey(1), []byte("new bytes"))
	require.NoError(t, p.Flush(context.Background()))

	snapshot := readSnapshotFromKV(t, kv)
	require.Len(t, snapshot, 1)
	require.Equal(t, []byte("new bytes"), snapshot[0].Data)
}

func TestFlushCapsRetainedCount(t *testing.T) {
	kv := kvstore.NewMemoryStore()
	p := NewPersister(kv)

	for i := int64(0); i < MaxPersistedBlobs+20; i++ {
		p.Enqueue(mediaKey(i), []byte(fmt.Sprintf("blob-%d", i)))
	}
	require.NoError(t, p.Flush(context.Background()))

	snapshot := readSnapshotFromKV(t, kv)
	require.Len(t, snapshot, MaxPersistedBlobs)
	// Newest first, the oldest enqueued entries were dropped.
	for _, blob := range snapshot {
		require.GreaterOrEqual(t, blob.Key.ItemId, int64(20))
	}
}

func TestDebouncedWrite(t *testing.T) {
	kv := kvstore.NewMemoryStore()
	p := NewPersister(kv)

	p.Enqueue(mediaKey(1), []byte("debounced"))

	// Nothing written inside the coalescing window.
	_, err := kv.Get(context.Background(), BlobSnapshotKey)
	require.ErrorIs(t, err, kvstore.ErrNotFound)

	require.Eventually(t, func() bool {
		_, err := kv.Get(context.Background(), BlobSnapshotKey)
		return err == nil
	}, PersistDebounce+2*time.Second, 50*time.Millisecond)
}

func TestRestoreRoundTrip(t *testing.T) {
	kv := kvstore.NewMemoryStore()
	p := NewPersister(kv)

	p.Enqueue(mediaKey(1), []byte("persisted"))
	require.NoError(t, p.Flush(context.Background()))

	cache, err := NewBlobCache(8)
	require.NoError(t, err)
	restored, err := NewPersister(kv).Restore(context.Background(), cache)
	require.NoError(t, err)
	require.Equal(t, 1, restored)

	blob, ok := cache.Get(mediaKey(1))
	require.True(t, ok)
	require.Equal(t, []byte("persisted"), blob.Bytes())
}

func TestRestoreWithoutSnapshot(t *testing.T) {
	cache, err := NewBlobCache(8)
	require.NoError(t, err)
	restored, err := NewPersister(kvstore.NewMemoryStore()).Restore(context.Background(), cache)
	require.NoError(t, err)
	require.Equal(t, 0, restored)
}

func TestCorruptSnapshotDiscarded(t *testing.T) {
	kv := kvstore.NewMemoryStore()
	require.NoError(t, kv.Set(context.Background(), BlobSnapshotKey, []byte("not json")))

	p := NewPersister(kv)
	p.Enqueue(mediaKey(1), []byte("fresh"))
	require.NoError(t, p.Flush(context.Background()))

	snapshot := readSnapshotFromKV(t, kv)
	require.Len(t, snapshot, 1)
}
