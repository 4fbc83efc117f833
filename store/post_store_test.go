package store

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rnr-capital/feedsync/model"
)

func newPost(sourceId int64, itemId int64, createdUnix int64) *model.Post {
	return &model.Post{
		SourceId:  sourceId,
		ItemId:    itemId,
		Content:   fmt.Sprintf("post %d/%d", sourceId, itemId),
		CreatedAt: time.Unix(createdUnix, 0),
	}
}

func editedPost(sourceId int64, itemId int64, createdUnix int64, editedUnix int64) *model.Post {
	post := newPost(sourceId, itemId, createdUnix)
	post.EditedAt = time.Unix(editedUnix, 0)
	return post
}

func visibleIds(s *PostStore) []model.PostId {
	ids := []model.PostId{}
	for _, p := range s.VisiblePosts() {
		ids = append(ids, p.Id())
	}
	return ids
}

func TestUpsertOne(t *testing.T) {
	t.Run("new post lands in pending by default", func(t *testing.T) {
		s := NewPostStore()
		require.True(t, s.UpsertOne(newPost(1, 100, 1000), PlacePending))
		require.Equal(t, 1, s.PendingCount())
		require.Len(t, s.VisiblePosts(), 0)
	})

	t.Run("bulk load placement goes straight to visible", func(t *testing.T) {
		s := NewPostStore()
		require.True(t, s.UpsertOne(newPost(1, 100, 1000), PlaceVisible))
		require.Equal(t, 0, s.PendingCount())
		require.Len(t, s.VisiblePosts(), 1)
	})

	t.Run("duplicate relay with equal timestamp is discarded", func(t *testing.T) {
		// Bulk load and a concurrent push deliver the same item with the
		// same timestamp. Exactly one record survives, the original content
		// stays, and nothing is staged into pending.
		s := NewPostStore()
		original := newPost(1, 100, 1000)
		original.Content = "original"
		require.True(t, s.UpsertOne(original, PlaceVisible))

		duplicate := newPost(1, 100, 1000)
		duplicate.Content = "relayed duplicate"
		require.False(t, s.UpsertOne(duplicate, PlacePending))

		require.Equal(t, 1, s.Len())
		require.Equal(t, 0, s.PendingCount())
		stored, ok := s.Get(model.PostId{SourceId: 1, ItemId: 100})
		require.True(t, ok)
		require.Equal(t, "original", stored.Content)
	})

	t.Run("stale edit is rejected", func(t *testing.T) {
		s := NewPostStore()
		require.True(t, s.UpsertOne(editedPost(1, 5, 1000, 2000), PlaceVisible))
		require.False(t, s.UpsertOne(editedPost(1, 5, 1000, 1500), PlacePending))

		stored, ok := s.Get(model.PostId{SourceId: 1, ItemId: 5})
		require.True(t, ok)
		require.Equal(t, time.Unix(2000, 0), stored.EditedAt)
	})

	t.Run("newer edit replaces in place without changing index", func(t *testing.T) {
		s := NewPostStore()
		require.True(t, s.UpsertOne(newPost(1, 5, 1000), PlaceVisible))
		require.True(t, s.UpsertOne(editedPost(1, 5, 1000, 3000), PlacePending))

		require.Equal(t, 0, s.PendingCount())
		require.Len(t, s.VisiblePosts(), 1)
		stored, _ := s.Get(model.PostId{SourceId: 1, ItemId: 5})
		require.Equal(t, time.Unix(3000, 0), stored.EffectiveTime())
	})

	t.Run("accepted edit bumps the index revision", func(t *testing.T) {
		// An edit re-orders the index, so consumers keyed off the index
		// revision must see it. Only a rejected stale version leaves the
		// counter alone.
		s := NewPostStore()
		s.UpsertOne(newPost(1, 1, 1000), PlaceVisible)
		s.UpsertOne(newPost(1, 2, 2000), PlaceVisible)
		idxRev := s.IndexRevision()

		require.True(t, s.UpsertOne(editedPost(1, 1, 1000, 3000), PlaceVisible))
		require.Equal(t, idxRev+1, s.IndexRevision())
		require.Equal(t, []model.PostId{
			{SourceId: 1, ItemId: 1},
			{SourceId: 1, ItemId: 2},
		}, visibleIds(s))

		require.False(t, s.UpsertOne(editedPost(1, 1, 1000, 2500), PlaceVisible))
		require.Equal(t, idxRev+1, s.IndexRevision())
	})
}

// For any interleaving of duplicate submissions the stored record ends with
// the maximum effective timestamp ever submitted for its key.
func TestMonotonicityUnderInterleaving(t *testing.T) {
	s := NewPostStore()
	timestamps := []int64{1500, 1000, 3000, 2000, 2999, 3000, 100}
	for _, ts := range timestamps {
		s.UpsertOne(editedPost(7, 1, 100, ts), PlacePending)
	}
	stored, ok := s.Get(model.PostId{SourceId: 7, ItemId: 1})
	require.True(t, ok)
	require.Equal(t, time.Unix(3000, 0), stored.EffectiveTime())
	require.Equal(t, 1, s.Len())
}

func TestUpsertMany(t *testing.T) {
	t.Run("partitions new and update sets in one pass", func(t *testing.T) {
		s := NewPostStore()
		s.UpsertMany([]*model.Post{
			newPost(1, 1, 1000),
			newPost(1, 2, 2000),
		}, PlaceVisible)

		applied := s.UpsertMany([]*model.Post{
			editedPost(1, 1, 1000, 5000), // update
			newPost(1, 3, 3000),          // new
			newPost(1, 2, 2000),          // stale duplicate
		}, PlacePending)

		require.Equal(t, 2, applied)
		require.Equal(t, 3, s.Len())
		require.Equal(t, 1, s.PendingCount())
	})

	t.Run("visible index stays sorted regardless of arrival order", func(t *testing.T) {
		s := NewPostStore()
		s.UpsertMany([]*model.Post{
			newPost(1, 1, 1000),
			newPost(1, 3, 3000),
			newPost(1, 2, 2000),
		}, PlaceVisible)

		require.Equal(t, []model.PostId{
			{SourceId: 1, ItemId: 3},
			{SourceId: 1, ItemId: 2},
			{SourceId: 1, ItemId: 1},
		}, visibleIds(s))
	})

	t.Run("single revision bump per batch", func(t *testing.T) {
		s := NewPostStore()
		before := s.Revision()
		s.UpsertMany([]*model.Post{
			newPost(1, 1, 1000),
			newPost(1, 2, 2000),
			newPost(1, 3, 3000),
		}, PlaceVisible)
		require.Equal(t, before+1, s.Revision())
	})

	t.Run("update-only batch bumps the index revision", func(t *testing.T) {
		s := NewPostStore()
		s.UpsertMany([]*model.Post{
			newPost(1, 1, 1000),
			newPost(1, 2, 2000),
		}, PlaceVisible)
		idxRev := s.IndexRevision()

		require.Equal(t, 1, s.UpsertMany([]*model.Post{
			editedPost(1, 1, 1000, 5000),
		}, PlacePending))
		require.Equal(t, idxRev+1, s.IndexRevision())

		// An all-stale batch changes nothing.
		require.Equal(t, 0, s.UpsertMany([]*model.Post{
			newPost(1, 2, 2000),
		}, PlacePending))
		require.Equal(t, idxRev+1, s.IndexRevision())
	})
}

func TestReveal(t *testing.T) {
	t.Run("lossless merge", func(t *testing.T) {
		s := NewPostStore()
		s.UpsertMany([]*model.Post{
			newPost(1, 1, 4000), // A
			newPost(1, 2, 1000), // B
		}, PlaceVisible)
		s.UpsertMany([]*model.Post{
			newPost(1, 3, 3000), // C
			newPost(1, 4, 2000), // D
		}, PlacePending)

		require.Equal(t, 2, s.Reveal())
		require.Equal(t, 0, s.PendingCount())
		require.Equal(t, []model.PostId{
			{SourceId: 1, ItemId: 1},
			{SourceId: 1, ItemId: 3},
			{SourceId: 1, ItemId: 4},
			{SourceId: 1, ItemId: 2},
		}, visibleIds(s))
	})

	t.Run("reveal of empty pending is a no-op", func(t *testing.T) {
		s := NewPostStore()
		s.UpsertOne(newPost(1, 1, 1000), PlaceVisible)
		before := s.IndexRevision()
		require.Equal(t, 0, s.Reveal())
		require.Equal(t, before, s.IndexRevision())
	})

	t.Run("uses authoritative timestamps at merge time", func(t *testing.T) {
		// An edit accepted after the post was staged must order the merged
		// index by the newest version, not by a stale snapshot.
		s := NewPostStore()
		s.UpsertOne(newPost(1, 1, 5000), PlaceVisible)
		s.UpsertOne(newPost(1, 2, 1000), PlacePending)
		s.UpsertOne(editedPost(1, 2, 1000, 9000), PlacePending)

		s.Reveal()
		require.Equal(t, []model.PostId{
			{SourceId: 1, ItemId: 2},
			{SourceId: 1, ItemId: 1},
		}, visibleIds(s))
	})
}

// After any sequence of operations no key appears twice within an index or
// in both indices at once.
func TestNoDuplicationAcrossIndices(t *testing.T) {
	s := NewPostStore()
	s.UpsertMany([]*model.Post{newPost(1, 1, 1000), newPost(1, 2, 2000)}, PlaceVisible)
	s.UpsertMany([]*model.Post{newPost(1, 1, 1000), newPost(1, 3, 3000)}, PlacePending)
	s.UpsertOne(editedPost(1, 2, 2000, 4000), PlacePending)
	s.Reveal()
	s.UpsertOne(newPost(1, 4, 500), PlacePending)
	s.UpsertOne(editedPost(1, 4, 500, 600), PlacePending)

	seen := map[model.PostId]int{}
	for _, p := range s.VisiblePosts() {
		seen[p.Id()]++
	}
	for _, p := range s.PendingPosts() {
		seen[p.Id()]++
	}
	for id, count := range seen {
		assert.Equal(t, 1, count, "key %s appears %d times across indices", id, count)
		assert.True(t, s.Contains(id))
	}
}

func TestRemove(t *testing.T) {
	t.Run("idempotent deletion", func(t *testing.T) {
		s := NewPostStore()
		s.UpsertOne(newPost(1, 1, 1000), PlaceVisible)
		s.UpsertOne(newPost(1, 2, 2000), PlacePending)

		s.Remove(1, 1)
		require.Equal(t, 1, s.Len())
		require.Len(t, s.VisiblePosts(), 0)

		// Second removal of the same key changes nothing.
		revBefore := s.Revision()
		s.Remove(1, 1)
		require.Equal(t, 1, s.Len())
		require.Equal(t, revBefore, s.Revision())
	})

	t.Run("removes from pending as well", func(t *testing.T) {
		s := NewPostStore()
		s.UpsertOne(newPost(1, 2, 2000), PlacePending)
		s.RemoveMany(1, []int64{2, 99})
		require.Equal(t, 0, s.PendingCount())
		require.Equal(t, 0, s.Len())
	})
}

func TestApplyMetrics(t *testing.T) {
	t.Run("patches counters without content check", func(t *testing.T) {
		s := NewPostStore()
		s.UpsertOne(editedPost(1, 1, 1000, 2000), PlaceVisible)

		views := int32(42)
		require.True(t, s.ApplyMetrics(model.PostId{SourceId: 1, ItemId: 1}, MetricsPatch{Views: &views}))

		stored, _ := s.Get(model.PostId{SourceId: 1, ItemId: 1})
		require.Equal(t, int32(42), stored.Views)
		// The effective timestamp must not move, a pure metrics update can
		// never resurrect a post's sort position.
		require.Equal(t, time.Unix(2000, 0), stored.EffectiveTime())
	})

	t.Run("preserves chosen flag across reaction snapshots", func(t *testing.T) {
		s := NewPostStore()
		post := newPost(1, 1, 1000)
		post.Reactions = []model.Reaction{
			{Emoji: "👍", Count: 3, Chosen: true},
			{Emoji: "🔥", Count: 1},
		}
		s.UpsertOne(post, PlaceVisible)

		s.ApplyMetrics(model.PostId{SourceId: 1, ItemId: 1}, MetricsPatch{
			Reactions: []model.Reaction{
				{Emoji: "👍", Count: 4},
				{Emoji: "🔥", Count: 2},
			},
		})

		stored, _ := s.Get(model.PostId{SourceId: 1, ItemId: 1})
		require.Equal(t, []model.Reaction{
			{Emoji: "👍", Count: 4, Chosen: true},
			{Emoji: "🔥", Count: 2},
		}, stored.Reactions)
	})

	t.Run("unknown post returns false", func(t *testing.T) {
		s := NewPostStore()
		require.False(t, s.ApplyMetrics(model.PostId{SourceId: 1, ItemId: 1}, MetricsPatch{}))
	})

	t.Run("bumps revision but not index revision", func(t *testing.T) {
		s := NewPostStore()
		s.UpsertOne(newPost(1, 1, 1000), PlaceVisible)
		rev := s.Revision()
		idxRev := s.IndexRevision()

		views := int32(7)
		s.ApplyMetrics(model.PostId{SourceId: 1, ItemId: 1}, MetricsPatch{Views: &views})
		require.Equal(t, rev+1, s.Revision())
		require.Equal(t, idxRev, s.IndexRevision())
	})
}

func TestGetReturnsCopy(t *testing.T) {
	s := NewPostStore()
	s.UpsertOne(newPost(1, 1, 1000), PlaceVisible)

	got, _ := s.Get(model.PostId{SourceId: 1, ItemId: 1})
	got.Content = "mutated by caller"

	stored, _ := s.Get(model.PostId{SourceId: 1, ItemId: 1})
	require.Equal(t, "post 1/1", stored.Content)
}

// Concurrent upserts and reveals must never corrupt the indices. This
// exercises the mutex paths, correctness of the result is covered above.
func TestConcurrentMutations(t *testing.T) {
	s := NewPostStore()
	var wg sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func(offset int64) {
			defer wg.Done()
			for i := int64(0); i < 50; i++ {
				s.UpsertOne(newPost(offset, i, 1000+i), PlacePending)
				if i%10 == 0 {
					s.Reveal()
				}
			}
		}(int64(worker))
	}
	wg.Wait()
	s.Reveal()

	require.Equal(t, 8*50, s.Len())
	require.Equal(t, 0, s.PendingCount())
	require.Len(t, s.VisiblePosts(), 8*50)
}

func TestReset(t *testing.T) {
	s := NewPostStore()
	s.UpsertOne(newPost(1, 1, 1000), PlaceVisible)
	s.UpsertOne(newPost(1, 2, 2000), PlacePending)
	s.Reset()
	require.Equal(t, 0, s.Len())
	require.Equal(t, 0, s.PendingCount())
	require.Len(t, s.VisiblePosts(), 0)
}
