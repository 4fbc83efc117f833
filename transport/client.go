package transport

import "context"

// Client is the narrow contract the sync engine needs from the upstream
// messaging backend. The wire protocol behind it is owned entirely by the
// implementation, the engine never sees it.
type Client interface {
	// FetchHistory returns up to limit items of a source older than cursor
	// (cursor 0 means newest first). The returned cursor points at the next
	// older page, 0 when the history is exhausted.
	FetchHistory(ctx context.Context, sourceId int64, cursor int64, limit int) ([]*RawItem, int64, error)

	// FetchSources returns every source the user follows together with its
	// most recent item.
	FetchSources(ctx context.Context) ([]*SourceInfo, error)

	// OpenSubscription asks the backend to push live events for a source.
	OpenSubscription(ctx context.Context, sourceId int64) error

	// CloseSubscription stops live events for a source.
	CloseSubscription(ctx context.Context, sourceId int64) error

	// DownloadFile resolves an opaque file reference and returns its bytes.
	// Fails with ErrStaleFileReference when the reference expired and with
	// *RateLimitedError when the backend throttles.
	DownloadFile(ctx context.Context, fileRef string) ([]byte, error)

	// Ready reports whether the client currently has a usable connection.
	Ready() bool
}
