package mediacache

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/rnr-capital/feedsync/transport"
	Logger "github.com/rnr-capital/feedsync/utils/log"
)

const (
	// MediaDownloadSlots and ProfileAssetDownloadSlots are per-class
	// concurrency budgets. Separate classes keep a burst of large media
	// downloads from starving the small avatar fetches.
	MediaDownloadSlots        = 6
	ProfileAssetDownloadSlots = 4

	// DownloadTimeout caps one download attempt end to end.
	DownloadTimeout = 30 * time.Second

	// MaxRetryAfter is the threshold above which an advertised rate limit
	// wait is surfaced to the caller instead of being slept through.
	MaxRetryAfter = 10 * time.Second

	rateLimitRetryBudget = 2
)

// Class selects which admission queue a download goes through.
type Class string

const (
	ClassMedia        Class = "media"
	ClassProfileAsset Class = "profile-asset"
)

// RefreshRefFunc re-resolves an expired file reference from a fresh copy of
// the source item.
type RefreshRefFunc func(ctx context.Context) (string, error)

/*

Downloader is bounded-concurrency admission control in front of the
transport's binary download. Each class owns a counting semaphore: Fetch
suspends until a slot frees, and the slot is returned on every exit path.

Recovery rules per attempt:
  - rate limited with an advertised wait at or below MaxRetryAfter: sleep
    and retry, at most rateLimitRetryBudget times
  - rate limited above the threshold: surfaced unretried
  - stale file reference: exactly one retry with a freshly resolved
    reference, no further retries
  - timeout and everything else: surfaced as a plain failure
*/
type Downloader struct {
	client transport.Client
	slots  map[Class]chan struct{}
}

func NewDownloader(client transport.Client) *Downloader {
	return &Downloader{
		client: client,
		slots: map[Class]chan struct{}{
			ClassMedia:        make(chan struct{}, MediaDownloadSlots),
			ClassProfileAsset: make(chan struct{}, ProfileAssetDownloadSlots),
		},
	}
}

// Fetch downloads one binary through the class semaphore. refresh may be
// nil when the caller has no way to re-resolve the reference.
func (d *Downloader) Fetch(ctx context.Context, class Class, fileRef string, refresh RefreshRefFunc) ([]byte, error) {
	slot, ok := d.slots[class]
	if !ok {
		return nil, errors.Errorf("unknown download class %q", class)
	}

	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-slot }()

	ctx, cancel := context.WithTimeout(ctx, DownloadTimeout)
	defer cancel()

	ref := fileRef
	refreshed := false
	rateLimitRetries := 0
	for {
		data, err := d.client.DownloadFile(ctx, ref)
		if err == nil {
			return data, nil
		}

		if wait, limited := transport.RetryAfterOf(err); limited {
			if wait > MaxRetryAfter || rateLimitRetries >= rateLimitRetryBudget {
				return nil, err
			}
			rateLimitRetries++
			Logger.LogV2.Debug(fmt.Sprintf("download %s rate limited, waiting %s", ref, wait))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
			continue
		}

		if errors.Is(err, transport.ErrStaleFileReference) && refresh != nil && !refreshed {
			refreshed = true
			fresh, rerr := refresh(ctx)
			if rerr != nil {
				return nil, errors.Wrap(err, "stale reference and refresh failed")
			}
			ref = fresh
			continue
		}

		return nil, err
	}
}

// InFlight reports the occupied slots of a class. Zero for unknown classes.
func (d *Downloader) InFlight(class Class) int {
	if slot, ok := d.slots[class]; ok {
		return len(slot)
	}
	return 0
}
