package store

import (
	"sort"
	"sync"

	"github.com/jinzhu/copier"

	"github.com/rnr-capital/feedsync/model"
)

// Placement selects which index a newly observed post lands in. Push style
// producers stage into the pending index so new arrivals do not reshuffle
// the timeline under the user, bulk load and history producers go straight
// to the visible index.
type Placement int

const (
	PlacePending Placement = iota
	PlaceVisible
)

/*

PostStore is the single source of truth for post entities: an unordered map
keyed by composite identity plus two ordered key indices (visible, pending)
over that map.

Competing producers (bulk load, history pages, push events, cache restore)
all funnel through the upsert calls, which enforce two invariants:

  - at most one stored record per identity key, ever
  - a record is only replaced by a version whose effective timestamp is
    strictly greater, stale duplicates are discarded

Index membership invariants: no key appears twice within an index, no key
appears in both indices, and every indexed key exists in the map.

The store keeps two monotonic counters. revision bumps on every mutation and
is the "lastUpdated" marker dependents poll. indexRevision bumps only when
index membership or ordering changes (insert, accepted update, removal,
reveal), so that an in-place counter patch does not force consumers of the
timeline shape to recompute.
*/
type PostStore struct {
	mu            sync.Mutex
	posts         map[model.PostId]*model.Post
	visible       []model.PostId
	pending       []model.PostId
	revision      uint64
	indexRevision uint64
}

func NewPostStore() *PostStore {
	return &PostStore{
		posts: map[model.PostId]*model.Post{},
	}
}

// UpsertOne inserts or updates a single post. Returns true when the store
// changed (new insert or accepted update), false when the incoming version
// was discarded as stale or identical.
func (s *PostStore) UpsertOne(post *model.Post, placement Placement) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := post.Id()
	existing, ok := s.posts[id]
	if ok {
		if !post.EffectiveTime().After(existing.EffectiveTime()) {
			return false
		}
		s.posts[id] = post
		s.sortIndexLocked(&s.visible)
		s.sortIndexLocked(&s.pending)
		s.revision++
		s.indexRevision++
		return true
	}

	s.posts[id] = post
	if placement == PlaceVisible {
		s.visible = append(s.visible, id)
		s.sortIndexLocked(&s.visible)
	} else {
		s.pending = append(s.pending, id)
		s.sortIndexLocked(&s.pending)
	}
	s.revision++
	s.indexRevision++
	return true
}

// UpsertMany is the batched upsert: incoming posts are partitioned into new
// and update sets in one pass, index inserts are applied as a single sorted
// merge instead of one re-sort per item, and the revision marker bumps once.
// Returns how many posts were inserted or updated.
func (s *PostStore) UpsertMany(posts []*model.Post, placement Placement) int {
	if len(posts) == 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	applied := 0
	for _, post := range posts {
		id := post.Id()
		existing, ok := s.posts[id]
		if ok {
			if !post.EffectiveTime().After(existing.EffectiveTime()) {
				continue
			}
			s.posts[id] = post
			applied++
			continue
		}
		s.posts[id] = post
		if placement == PlaceVisible {
			s.visible = append(s.visible, id)
		} else {
			s.pending = append(s.pending, id)
		}
		applied++
	}

	if applied > 0 {
		s.sortIndexLocked(&s.visible)
		s.sortIndexLocked(&s.pending)
		s.revision++
		s.indexRevision++
	}
	return applied
}

// Remove erases a post from the map and both indices. No-op when absent.
func (s *PostStore) Remove(sourceId int64, itemId int64) {
	s.RemoveMany(sourceId, []int64{itemId})
}

// RemoveMany erases several posts of one source. Idempotent.
func (s *PostStore) RemoveMany(sourceId int64, itemIds []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := false
	for _, itemId := range itemIds {
		id := model.PostId{SourceId: sourceId, ItemId: itemId}
		if _, ok := s.posts[id]; !ok {
			continue
		}
		delete(s.posts, id)
		s.visible = filterOut(s.visible, id)
		s.pending = filterOut(s.pending, id)
		removed = true
	}
	if removed {
		s.revision++
		s.indexRevision++
	}
}

// Reveal merges the pending index into the visible index and clears pending.
// The merge is a set union resorted against the authoritative post map at
// merge time, so upserts racing with the reveal can never duplicate a key or
// freeze a stale ordering. Returns the number of newly revealed posts.
func (s *PostStore) Reveal() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return 0
	}

	seen := make(map[model.PostId]bool, len(s.visible)+len(s.pending))
	merged := make([]model.PostId, 0, len(s.visible)+len(s.pending))
	for _, id := range s.visible {
		if !seen[id] {
			seen[id] = true
			merged = append(merged, id)
		}
	}
	revealed := 0
	for _, id := range s.pending {
		if _, ok := s.posts[id]; !ok {
			// Deleted while pending, drop.
			continue
		}
		if !seen[id] {
			seen[id] = true
			merged = append(merged, id)
			revealed++
		}
	}

	s.visible = merged
	s.pending = nil
	s.sortIndexLocked(&s.visible)
	s.revision++
	s.indexRevision++
	return revealed
}

// MetricsPatch is a targeted counter update. Nil fields are left untouched.
// Applying a patch never runs the monotonic content check and never bumps
// the effective timestamp, a pure metrics update must not resurrect a
// post's sort position.
type MetricsPatch struct {
	Views     *int32
	Shares    *int32
	Replies   *int32
	Reactions []model.Reaction
}

// ApplyMetrics patches counters of a stored post in place. The chosen flag
// of each reaction is carried over from the prior snapshot, the raw events
// only report aggregate counts. Returns false when the post is unknown.
func (s *PostStore) ApplyMetrics(id model.PostId, patch MetricsPatch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	post, ok := s.posts[id]
	if !ok {
		return false
	}
	if patch.Views != nil {
		post.Views = *patch.Views
	}
	if patch.Shares != nil {
		post.Shares = *patch.Shares
	}
	if patch.Replies != nil {
		post.Replies = *patch.Replies
	}
	if patch.Reactions != nil {
		chosen := map[string]bool{}
		for _, r := range post.Reactions {
			if r.Chosen {
				chosen[r.Emoji] = true
			}
		}
		merged := make([]model.Reaction, len(patch.Reactions))
		for i, r := range patch.Reactions {
			merged[i] = r
			merged[i].Chosen = chosen[r.Emoji]
		}
		post.Reactions = merged
	}
	s.revision++
	return true
}

// Get returns a deep copy of a stored post, callers can never mutate store
// internals through the result.
func (s *PostStore) Get(id model.PostId) (*model.Post, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	post, ok := s.posts[id]
	if !ok {
		return nil, false
	}
	return copyPost(post), true
}

func (s *PostStore) Contains(id model.PostId) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.posts[id]
	return ok
}

// VisiblePosts returns deep copies of the visible posts in index order.
func (s *PostStore) VisiblePosts() []*model.Post {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyIndexLocked(s.visible)
}

// PendingPosts returns deep copies of the pending posts in index order.
func (s *PostStore) PendingPosts() []*model.Post {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyIndexLocked(s.pending)
}

// VisiblePostsBySource filters the visible index down to one source.
func (s *PostStore) VisiblePostsBySource(sourceId int64) []*model.Post {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := []*model.Post{}
	for _, id := range s.visible {
		if id.SourceId != sourceId {
			continue
		}
		if post, ok := s.posts[id]; ok {
			result = append(result, copyPost(post))
		}
	}
	return result
}

func (s *PostStore) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *PostStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.posts)
}

// Revision is the lastUpdated marker, bumped by every mutation.
func (s *PostStore) Revision() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revision
}

// IndexRevision bumps only when index membership or ordering changes.
func (s *PostStore) IndexRevision() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.indexRevision
}

// Reset drops everything, used on logout.
func (s *PostStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.posts = map[model.PostId]*model.Post{}
	s.visible = nil
	s.pending = nil
	s.revision++
	s.indexRevision++
}

// Descending by effective timestamp. The sort is stable so that posts with
// equal timestamps keep their insertion order deterministically.
func (s *PostStore) sortIndexLocked(index *[]model.PostId) {
	ids := *index
	sort.SliceStable(ids, func(i, j int) bool {
		pi, iok := s.posts[ids[i]]
		pj, jok := s.posts[ids[j]]
		if !iok || !jok {
			return jok
		}
		return pi.EffectiveTime().After(pj.EffectiveTime())
	})
}

func (s *PostStore) copyIndexLocked(index []model.PostId) []*model.Post {
	result := make([]*model.Post, 0, len(index))
	for _, id := range index {
		if post, ok := s.posts[id]; ok {
			result = append(result, copyPost(post))
		}
	}
	return result
}

func copyPost(post *model.Post) *model.Post {
	copied := &model.Post{}
	if err := copier.Copy(copied, post); err != nil {
		// copier only fails on invalid arguments, which cannot happen for
		// two *model.Post values.
		return post
	}
	return copied
}

func filterOut(index []model.PostId, id model.PostId) []model.PostId {
	result := index[:0]
	for _, existing := range index {
		if existing != id {
			result = append(result, existing)
		}
	}
	return result
}
