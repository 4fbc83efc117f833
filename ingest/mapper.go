package ingest

import (
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/pkg/errors"

	"github.com/rnr-capital/feedsync/model"
	"github.com/rnr-capital/feedsync/transport"
)

var (
	ErrEmptyPost       = errors.New("post has neither text nor media")
	ErrMissingIdentity = errors.New("post is missing source or item id")
)

// PostFromRawItem normalizes a raw transport item into a model post. This is
// the single content validity gate: items with no identity, no parseable
// creation time, or with neither text nor media never reach a store.
func PostFromRawItem(item *transport.RawItem) (*model.Post, error) {
	if item == nil {
		return nil, errors.New("nil raw item")
	}
	if item.SourceId <= 0 || item.ItemId <= 0 {
		return nil, ErrMissingIdentity
	}

	createdAt, err := parseTimestamp(item.CreatedAt)
	if err != nil {
		return nil, errors.Wrapf(err, "item %d/%d created_at", item.SourceId, item.ItemId)
	}
	var editedAt time.Time
	if item.EditedAt != "" {
		editedAt, err = parseTimestamp(item.EditedAt)
		if err != nil {
			return nil, errors.Wrapf(err, "item %d/%d edited_at", item.SourceId, item.ItemId)
		}
	}

	post := &model.Post{
		SourceId:  item.SourceId,
		ItemId:    item.ItemId,
		Content:   strings.TrimSpace(item.Content),
		CreatedAt: createdAt,
		EditedAt:  editedAt,
		GroupId:   item.GroupId,
		Views:     item.Views,
		Shares:    item.Shares,
		Replies:   item.Replies,
	}
	if item.Media != nil {
		post.Media = &model.MediaDescriptor{
			FileRef:      item.Media.FileRef,
			ThumbnailRef: item.Media.ThumbnailRef,
			MimeType:     item.Media.MimeType,
			Width:        item.Media.Width,
			Height:       item.Media.Height,
			SizeBytes:    item.Media.SizeBytes,
		}
	}
	if len(item.Reactions) > 0 {
		post.Reactions = make([]model.Reaction, len(item.Reactions))
		for i, r := range item.Reactions {
			post.Reactions[i] = model.Reaction{Emoji: r.Emoji, Count: r.Count}
		}
	}

	if !post.HasContent() {
		return nil, ErrEmptyPost
	}
	return post, nil
}

// Different backend surfaces report timestamps as RFC3339 strings, unix
// seconds or unix milliseconds. Numeric strings are disambiguated by
// magnitude, everything else goes through dateparse.
func parseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		if n <= 0 {
			return time.Time{}, errors.Errorf("non positive unix timestamp %d", n)
		}
		if n >= 1e12 {
			return time.Unix(n/1000, (n%1000)*int64(time.Millisecond)), nil
		}
		return time.Unix(n, 0), nil
	}
	parsed, err := dateparse.ParseAny(value)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "unparseable timestamp %q", value)
	}
	return parsed, nil
}
