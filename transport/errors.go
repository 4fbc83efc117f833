package transport

import (
	"errors"
	"fmt"
	"time"
)

// Typed failure classes surfaced by the transport. Everything else coming
// out of a transport call is a generic failure of the underlying operation.
var (
	// ErrNotFound covers deleted, left and forbidden sources alike. It is an
	// expected steady state condition for historical data that references
	// sources the user no longer has access to, callers surface it as "no
	// data" rather than as a failure.
	ErrNotFound = errors.New("transport: source or item not found")

	// ErrStaleFileReference means a previously fetched file reference is no
	// longer valid and has to be re-resolved from a fresh copy of the item.
	ErrStaleFileReference = errors.New("transport: file reference expired")

	ErrNotReady = errors.New("transport: client not connected")
)

// RateLimitedError is returned when the backend throttles a request and
// advertises how long to wait before trying again.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("transport: rate limited, retry after %s", e.RetryAfter)
}

// RetryAfterOf unwraps the advertised wait duration from a rate limit error
// chain, returning false when err is not a rate limit.
func RetryAfterOf(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}
