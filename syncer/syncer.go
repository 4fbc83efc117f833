package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/rnr-capital/feedsync/ingest"
	"github.com/rnr-capital/feedsync/kvstore"
	"github.com/rnr-capital/feedsync/model"
	"github.com/rnr-capital/feedsync/store"
	"github.com/rnr-capital/feedsync/transport"
	Logger "github.com/rnr-capital/feedsync/utils/log"
)

const (
	// HistoryPageDelay spaces out sequential history page fetches, a
	// courtesy throttle towards the backend rather than real cancellation.
	HistoryPageDelay = 500 * time.Millisecond

	HistoryPageLimit = 50

	// MaxPersistedPosts caps the recent-posts snapshot written through the
	// key-value collaborator.
	MaxPersistedPosts = 100

	// SnapshotDebounce coalesces snapshot writes.
	SnapshotDebounce = time.Second

	PostSnapshotKey    = "feedsync:recent_posts"
	ChannelSnapshotKey = "feedsync:channels"
)

// ReadyMarker is what the syncer flips once the first bulk load completed,
// satisfied by the ingestion pipeline.
type ReadyMarker interface {
	SetReady()
}

/*

Syncer owns every non-live producer of the post store: the persisted
snapshot restore at startup, the bulk "sources with latest item" load, and
the sequential history backfill. All of them place posts directly into the
visible index, only live push events stage through pending.

Background paths here run to completion or fail silently, a later poll or
live event self-corrects any gap.
*/
type Syncer struct {
	client   transport.Client
	posts    *store.PostStore
	channels *store.ChannelStore
	kv       kvstore.Store
	ready    ReadyMarker

	mu    sync.Mutex
	timer *time.Timer
}

func NewSyncer(client transport.Client, posts *store.PostStore, channels *store.ChannelStore, kv kvstore.Store, ready ReadyMarker) *Syncer {
	return &Syncer{
		client:   client,
		posts:    posts,
		channels: channels,
		kv:       kv,
		ready:    ready,
	}
}

// RestoreSnapshot replays the persisted recent-posts snapshot and the
// discovered source set through the normal upsert path. A missing snapshot
// is a normal first run. Returns how many posts were restored.
func (s *Syncer) RestoreSnapshot(ctx context.Context) (int, error) {
	restored := 0
	raw, err := s.kv.Get(ctx, PostSnapshotKey)
	if err == nil {
		var snapshot []*model.Post
		if jerr := json.Unmarshal(raw, &snapshot); jerr != nil {
			Logger.LogV2.Error(fmt.Sprintf("discarding corrupt post snapshot: %v", jerr))
		} else {
			restored = s.posts.UpsertMany(snapshot, store.PlaceVisible)
			for _, post := range snapshot {
				s.channels.ObservePost(post)
			}
		}
	} else if !errors.Is(err, kvstore.ErrNotFound) {
		return 0, err
	}

	raw, err = s.kv.Get(ctx, ChannelSnapshotKey)
	if err == nil {
		var snapshot []*model.Channel
		if jerr := json.Unmarshal(raw, &snapshot); jerr != nil {
			Logger.LogV2.Error(fmt.Sprintf("discarding corrupt channel snapshot: %v", jerr))
		} else {
			for _, channel := range snapshot {
				s.channels.Upsert(channel)
			}
		}
	} else if !errors.Is(err, kvstore.ErrNotFound) {
		return restored, err
	}

	return restored, nil
}

// BulkLoad fetches every followed source with its latest item, seeds both
// stores and unblocks the ingestion pipeline's readiness gate. This is the
// one sync path whose failure is surfaced, it backs the user-visible
// initial load.
func (s *Syncer) BulkLoad(ctx context.Context) error {
	sources, err := s.client.FetchSources(ctx)
	if err != nil {
		return errors.Wrap(err, "bulk sources load")
	}

	posts := []*model.Post{}
	for _, source := range sources {
		channel := &model.Channel{
			Id:        source.SourceId,
			Name:      source.Name,
			AvatarRef: source.AvatarRef,
		}
		if source.LatestItem != nil {
			if post, merr := ingest.PostFromRawItem(source.LatestItem); merr == nil {
				channel.LatestPost = post
				channel.LastActiveAt = post.EffectiveTime()
				posts = append(posts, post)
			}
		}
		s.channels.Upsert(channel)
	}
	s.posts.UpsertMany(posts, store.PlaceVisible)

	if s.ready != nil {
		s.ready.SetReady()
	}
	s.SchedulePersist()
	return nil
}

// BackfillSource walks a source's history backwards up to maxPages pages,
// sequentially with a courtesy delay between requests. Fails silently:
// sources that disappeared or got revoked are an expected steady state.
func (s *Syncer) BackfillSource(ctx context.Context, sourceId int64, maxPages int) {
	cursor := int64(0)
	for page := 0; page < maxPages; page++ {
		items, next, err := s.client.FetchHistory(ctx, sourceId, cursor, HistoryPageLimit)
		if err != nil {
			if !errors.Is(err, transport.ErrNotFound) {
				Logger.LogV2.Debug(fmt.Sprintf("backfill of %d stopped: %v", sourceId, err))
			}
			return
		}

		posts := []*model.Post{}
		for _, item := range items {
			if post, merr := ingest.PostFromRawItem(item); merr == nil {
				posts = append(posts, post)
			}
		}
		s.posts.UpsertMany(posts, store.PlaceVisible)
		for _, post := range posts {
			s.channels.ObservePost(post)
		}

		if next == 0 {
			break
		}
		cursor = next

		select {
		case <-ctx.Done():
			return
		case <-time.After(HistoryPageDelay):
		}
	}
	s.SchedulePersist()
}

// SchedulePersist queues a debounced snapshot write.
func (s *Syncer) SchedulePersist() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(SnapshotDebounce, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.SaveSnapshot(ctx); err != nil {
			Logger.LogV2.Debug(fmt.Sprintf("snapshot write failed: %v", err))
		}
	})
}

// SaveSnapshot writes the capped newest-first recent posts and the known
// source set under their stable keys.
func (s *Syncer) SaveSnapshot(ctx context.Context) error {
	posts := s.posts.VisiblePosts()
	if len(posts) > MaxPersistedPosts {
		posts = posts[:MaxPersistedPosts]
	}
	encoded, err := json.Marshal(posts)
	if err != nil {
		return errors.Wrap(err, "encode post snapshot")
	}
	if err := s.kv.Set(ctx, PostSnapshotKey, encoded); err != nil {
		return err
	}

	encoded, err = json.Marshal(s.channels.All())
	if err != nil {
		return errors.Wrap(err, "encode channel snapshot")
	}
	return s.kv.Set(ctx, ChannelSnapshotKey, encoded)
}

// Close forces a final snapshot write, the page-unload equivalent.
func (s *Syncer) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	return s.SaveSnapshot(ctx)
}
