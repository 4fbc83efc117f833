package transport

// Live push events delivered by the gateway. The transport publishes them
// onto an in-process message bus topic and the ingestion pipeline is the
// sole consumer, so delivery cadence is decoupled from processing cadence.

const TopicLiveEvents = "feedsync.live_events"

type EventType string

const (
	EventNewItem     EventType = "new_item"
	EventEditItem    EventType = "edit_item"
	EventDeleteItems EventType = "delete_items"
	EventMetrics     EventType = "metrics"
)

// RawReaction is one reaction bucket as reported by the backend. Raw events
// carry aggregate counts only, never which reaction the current user chose.
type RawReaction struct {
	Emoji string `json:"emoji"`
	Count int32  `json:"count"`
}

type RawMedia struct {
	FileRef      string `json:"file_ref"`
	ThumbnailRef string `json:"thumbnail_ref,omitempty"`
	MimeType     string `json:"mime_type,omitempty"`
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
	SizeBytes    int64  `json:"size_bytes,omitempty"`
}

// RawItem is a post as it arrives from the backend, before mapping and
// validation. Timestamp fields are deliberately strings: different backend
// surfaces report RFC3339, unix seconds or unix milliseconds and the mapping
// layer normalizes all of them.
type RawItem struct {
	SourceId  int64         `json:"source_id"`
	ItemId    int64         `json:"item_id"`
	Content   string        `json:"content,omitempty"`
	CreatedAt string        `json:"created_at"`
	EditedAt  string        `json:"edited_at,omitempty"`
	GroupId   int64         `json:"group_id,omitempty"`
	Media     *RawMedia     `json:"media,omitempty"`
	Views     int32         `json:"views,omitempty"`
	Shares    int32         `json:"shares,omitempty"`
	Replies   int32         `json:"replies,omitempty"`
	Reactions []RawReaction `json:"reactions,omitempty"`
}

// LiveEvent is one push from the backend. Which fields are set depends on
// Type: new/edit events carry Item, delete events carry SourceId plus
// ItemIds, metric events carry SourceId, ItemId and the counter snapshot.
type LiveEvent struct {
	Type     EventType `json:"type"`
	Item     *RawItem  `json:"item,omitempty"`
	SourceId int64     `json:"source_id,omitempty"`
	ItemIds  []int64   `json:"item_ids,omitempty"`
	ItemId   int64     `json:"item_id,omitempty"`

	// Metric snapshot fields, nil when the event does not update them.
	Views     *int32        `json:"views,omitempty"`
	Shares    *int32        `json:"shares,omitempty"`
	Replies   *int32        `json:"replies,omitempty"`
	Reactions []RawReaction `json:"reactions,omitempty"`
}

// SourceInfo is one entry of the bulk "sources with latest item" load.
type SourceInfo struct {
	SourceId   int64    `json:"source_id"`
	Name       string   `json:"name"`
	AvatarRef  string   `json:"avatar_ref,omitempty"`
	LatestItem *RawItem `json:"latest_item,omitempty"`
}
