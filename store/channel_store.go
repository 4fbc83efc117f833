package store

import (
	"sort"
	"sync"

	"github.com/jinzhu/copier"

	"github.com/rnr-capital/feedsync/model"
)

/*

ChannelStore holds the metadata of every upstream source the engine knows
about, keyed by raw source id. Channels come from two producers: the bulk
"sources with latest item" load, and dynamic discovery when a post arrives
from a source id the store has never seen.

Channels are updated in place (a newer post supersedes the denormalized
LatestPost reference) and never deleted except on full reset.
*/
type ChannelStore struct {
	mu       sync.Mutex
	channels map[int64]*model.Channel
	revision uint64
}

func NewChannelStore() *ChannelStore {
	return &ChannelStore{
		channels: map[int64]*model.Channel{},
	}
}

// Upsert creates or updates a channel record from source metadata. The
// denormalized LatestPost is only replaced by a newer one.
func (s *ChannelStore) Upsert(channel *model.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.channels[channel.Id]
	if !ok {
		s.channels[channel.Id] = channel
		s.revision++
		return
	}

	if channel.Name != "" {
		existing.Name = channel.Name
	}
	if channel.AvatarRef != "" {
		existing.AvatarRef = channel.AvatarRef
	}
	if channel.LatestPost != nil {
		s.maybeReplaceLatestLocked(existing, channel.LatestPost)
	}
	s.revision++
}

// ObservePost records post activity for its source, discovering the channel
// when the source id is unknown. Returns true when a new channel was
// discovered.
func (s *ChannelStore) ObservePost(post *model.Post) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	channel, ok := s.channels[post.SourceId]
	if !ok {
		s.channels[post.SourceId] = &model.Channel{
			Id:           post.SourceId,
			LatestPost:   post,
			LastActiveAt: post.EffectiveTime(),
			Discovered:   true,
		}
		s.revision++
		return true
	}
	s.maybeReplaceLatestLocked(channel, post)
	s.revision++
	return false
}

func (s *ChannelStore) maybeReplaceLatestLocked(channel *model.Channel, post *model.Post) {
	if channel.LatestPost == nil || post.EffectiveTime().After(channel.LatestPost.EffectiveTime()) {
		channel.LatestPost = post
		channel.LastActiveAt = post.EffectiveTime()
	}
}

func (s *ChannelStore) Get(id int64) (*model.Channel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	channel, ok := s.channels[id]
	if !ok {
		return nil, false
	}
	copied := &model.Channel{}
	if err := copier.Copy(copied, channel); err != nil {
		return channel, true
	}
	return copied, true
}

func (s *ChannelStore) Known(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.channels[id]
	return ok
}

func (s *ChannelStore) All() []*model.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*model.Channel, 0, len(s.channels))
	for _, channel := range s.channels {
		copied := &model.Channel{}
		if err := copier.Copy(copied, channel); err != nil {
			copied = channel
		}
		result = append(result, copied)
	}
	return result
}

// SortedByActivity returns every known source id ordered by most recent
// activity first. This is the recency signal the subscription manager
// rebalances against.
func (s *ChannelStore) SortedByActivity() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int64, 0, len(s.channels))
	for id := range s.channels {
		ids = append(ids, id)
	}
	sort.SliceStable(ids, func(i, j int) bool {
		ci := s.channels[ids[i]]
		cj := s.channels[ids[j]]
		if ci.LastActiveAt.Equal(cj.LastActiveAt) {
			return ids[i] < ids[j]
		}
		return ci.LastActiveAt.After(cj.LastActiveAt)
	})
	return ids
}

func (s *ChannelStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels)
}

func (s *ChannelStore) Revision() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revision
}

// Reset drops every channel, used on logout.
func (s *ChannelStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels = map[int64]*model.Channel{}
	s.revision++
}
