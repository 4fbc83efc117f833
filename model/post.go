package model

import (
	"fmt"
	"time"
)

// PostId is the composite identity of a post. A post is globally unique by
// the pair of the source (channel) that published it and the per-source item
// id assigned by the backend. Both parts are immutable for the lifetime of
// the post.
type PostId struct {
	SourceId int64
	ItemId   int64
}

func (id PostId) String() string {
	return fmt.Sprintf("%d/%d", id.SourceId, id.ItemId)
}

// MediaDescriptor points at a downloadable binary attached to a post. The
// file references are opaque handles understood only by the transport, they
// can expire and need to be re-resolved from a fresh copy of the post.
type MediaDescriptor struct {
	FileRef      string `json:"fileRef"`
	ThumbnailRef string `json:"thumbnailRef,omitempty"`
	MimeType     string `json:"mimeType,omitempty"`
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
	SizeBytes    int64  `json:"sizeBytes,omitempty"`
}

// Reaction is one emoji bucket of a post's reaction multiset. Chosen marks
// whether the current user picked this reaction; the live metric events from
// the backend only carry aggregate counts, so Chosen has to be preserved
// from the previously stored snapshot when counts are patched in.
type Reaction struct {
	Emoji  string `json:"emoji"`
	Count  int32  `json:"count"`
	Chosen bool   `json:"chosen,omitempty"`
}

/*

Post is a single content item observed from an upstream source.

SourceId/ItemId: composite identity, see PostId
Content: free form text payload, may be empty when Media is set
CreatedAt: when the item was published upstream
EditedAt: zero value unless the item was edited at least once
Media: optional binary attachment descriptor
GroupId: non-zero when the post belongs to a multi-item album, adjacent
	posts sharing a GroupId render as one logical unit
Views/Shares/Replies: counters patched in place by metric events, they never
	participate in the content ordering rule
Reactions: optional reaction multiset, see Reaction

A post record is created on first observation (bulk load, history page, push
event or cache restore), mutated in place afterwards and removed only on an
explicit deletion signal from upstream.
*/
type Post struct {
	SourceId  int64            `json:"sourceId"`
	ItemId    int64            `json:"itemId"`
	Content   string           `json:"content"`
	CreatedAt time.Time        `json:"createdAt"`
	EditedAt  time.Time        `json:"editedAt,omitempty"`
	Media     *MediaDescriptor `json:"media,omitempty"`
	GroupId   int64            `json:"groupId,omitempty"`
	Views     int32            `json:"views,omitempty"`
	Shares    int32            `json:"shares,omitempty"`
	Replies   int32            `json:"replies,omitempty"`
	Reactions []Reaction       `json:"reactions,omitempty"`
}

func (p *Post) Id() PostId {
	return PostId{SourceId: p.SourceId, ItemId: p.ItemId}
}

// EffectiveTime is the single ordering key for posts: the edit time when the
// post was edited, the creation time otherwise. An incoming version of a
// post only replaces the stored one when its effective time is strictly
// greater.
func (p *Post) EffectiveTime() time.Time {
	if !p.EditedAt.IsZero() {
		return p.EditedAt
	}
	return p.CreatedAt
}

// HasContent reports whether the post carries anything displayable. A post
// with neither text nor media is not a valid post and is rejected by the
// mapping layer before it reaches any store.
func (p *Post) HasContent() bool {
	return len(p.Content) > 0 || p.Media != nil
}
