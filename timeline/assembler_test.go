package timeline

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/rnr-capital/feedsync/model"
	"github.com/rnr-capital/feedsync/store"
)

func addPost(s *store.PostStore, itemId int64, createdUnix int64, groupId int64) {
	s.UpsertOne(&model.Post{
		SourceId:  1,
		ItemId:    itemId,
		Content:   "post",
		CreatedAt: time.Unix(createdUnix, 0),
		GroupId:   groupId,
	}, store.PlaceVisible)
}

func entryItemIds(entries []Entry) [][]int64 {
	result := [][]int64{}
	for _, entry := range entries {
		ids := []int64{}
		for _, post := range entry.Posts {
			ids = append(ids, post.ItemId)
		}
		result = append(result, ids)
	}
	return result
}

func TestTimelineGrouping(t *testing.T) {
	s := store.NewPostStore()
	// Newest first after sorting: 5, 4(g7), 3(g7), 2, 1.
	addPost(s, 1, 1000, 0)
	addPost(s, 2, 2000, 0)
	addPost(s, 3, 3000, 7)
	addPost(s, 4, 4000, 7)
	addPost(s, 5, 5000, 0)

	entries := NewAssembler(s).Timeline()
	expected := [][]int64{{5}, {4, 3}, {2}, {1}}
	if diff := cmp.Diff(expected, entryItemIds(entries)); diff != "" {
		t.Fatalf("unexpected timeline (-want +got):\n%s", diff)
	}
	require.True(t, entries[1].IsAlbum())
	require.False(t, entries[0].IsAlbum())
}

func TestNonAdjacentGroupsStaySeparate(t *testing.T) {
	s := store.NewPostStore()
	addPost(s, 1, 1000, 7)
	addPost(s, 2, 2000, 0)
	addPost(s, 3, 3000, 7)

	entries := NewAssembler(s).Timeline()
	require.Equal(t, [][]int64{{3}, {2}, {1}}, entryItemIds(entries))
}

func TestRecomputeKeyedOffIndexRevision(t *testing.T) {
	s := store.NewPostStore()
	addPost(s, 1, 1000, 0)
	a := NewAssembler(s)

	first := a.Timeline()

	// A pure counter patch bumps the store revision but not the index
	// revision, the cached slice is reused.
	views := int32(99)
	s.ApplyMetrics(model.PostId{SourceId: 1, ItemId: 1}, store.MetricsPatch{Views: &views})
	second := a.Timeline()
	require.Same(t, &first[0], &second[0])

	// An index change invalidates the cache.
	addPost(s, 2, 2000, 0)
	third := a.Timeline()
	require.Len(t, third, 2)
}

func TestAcceptedEditRefreshesTimeline(t *testing.T) {
	s := store.NewPostStore()
	addPost(s, 1, 1000, 0)
	addPost(s, 2, 2000, 0)
	a := NewAssembler(s)

	require.Equal(t, [][]int64{{2}, {1}}, entryItemIds(a.Timeline()))

	// An accepted edit re-orders the visible index: the edited post becomes
	// the newest and the cached view model must be rebuilt, content included.
	accepted := s.UpsertOne(&model.Post{
		SourceId:  1,
		ItemId:    1,
		Content:   "edited",
		CreatedAt: time.Unix(1000, 0),
		EditedAt:  time.Unix(3000, 0),
	}, store.PlaceVisible)
	require.True(t, accepted)

	entries := a.Timeline()
	require.Equal(t, [][]int64{{1}, {2}}, entryItemIds(entries))
	require.Equal(t, "edited", entries[0].Posts[0].Content)
}

func TestPageBoundaryNeverSplitsGroup(t *testing.T) {
	s := store.NewPostStore()
	// 25 posts, newest first by descending creation time. Items at visible
	// positions 20 and 21 (item ids 6 and 5) share a group.
	for i := int64(1); i <= 25; i++ {
		group := int64(0)
		if i == 5 || i == 6 {
			group = 42
		}
		addPost(s, i, 1000+i, group)
	}

	page := NewAssembler(s).Page(20)
	// The slice was extended to include the whole group.
	require.Len(t, page, 21)
	require.Equal(t, int64(6), page[19].ItemId)
	require.Equal(t, int64(5), page[20].ItemId)

	t.Run("limit beyond length returns everything", func(t *testing.T) {
		require.Len(t, NewAssembler(s).Page(100), 25)
	})

	t.Run("boundary without group is exact", func(t *testing.T) {
		require.Len(t, NewAssembler(s).Page(10), 10)
	})
}
