package timeline

import (
	"sync"

	"github.com/rnr-capital/feedsync/model"
	"github.com/rnr-capital/feedsync/store"
)

// Entry is one logical display item: a single post, or several adjacent
// posts sharing a group id merged into one album.
type Entry struct {
	GroupId int64
	Posts   []*model.Post
}

func (e *Entry) IsAlbum() bool {
	return e.GroupId != 0 && len(e.Posts) > 1
}

/*

Assembler derives the grouped, ordered view model from the post store's
visible index. The derivation is pure and cached: it recomputes only when
the store's index revision has advanced past the one the cache was built
from, so in-place field mutations (a view counter bump) never force a
recompute of the timeline shape.
*/
type Assembler struct {
	posts *store.PostStore

	mu       sync.Mutex
	cachedAt uint64
	cached   []Entry
	primed   bool
}

func NewAssembler(posts *store.PostStore) *Assembler {
	return &Assembler{posts: posts}
}

// Timeline returns the grouped visible timeline, newest first.
func (a *Assembler) Timeline() []Entry {
	revision := a.posts.IndexRevision()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.primed && revision == a.cachedAt {
		return a.cached
	}

	a.cached = groupAdjacent(a.posts.VisiblePosts())
	a.cachedAt = revision
	a.primed = true
	return a.cached
}

// Page returns the first limit visible posts, extended past the limit when
// the boundary would split an album: the slice always contains whole
// groups.
func (a *Assembler) Page(limit int) []*model.Post {
	posts := a.posts.VisiblePosts()
	if limit <= 0 || limit >= len(posts) {
		return posts
	}

	end := limit
	boundary := posts[end-1].GroupId
	if boundary != 0 {
		for end < len(posts) && posts[end].GroupId == boundary {
			end++
		}
	}
	return posts[:end]
}

func groupAdjacent(posts []*model.Post) []Entry {
	entries := []Entry{}
	for _, post := range posts {
		last := len(entries) - 1
		if post.GroupId != 0 && last >= 0 && entries[last].GroupId == post.GroupId {
			entries[last].Posts = append(entries[last].Posts, post)
			continue
		}
		entries = append(entries, Entry{GroupId: post.GroupId, Posts: []*model.Post{post}})
	}
	return entries
}
