package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	Logger "github.com/rnr-capital/feedsync/utils/log"
)

const (
	gatewayRequestTimeout = 30 * time.Second
	fileFetchTimeout      = 60 * time.Second

	// defaultRetryAfter is assumed when a throttling response carries no
	// usable Retry-After header.
	defaultRetryAfter = 5 * time.Second
)

// Error codes the gateway reports inside response frames, mapped onto the
// typed failure classes of this package.
const (
	gatewayErrNotFound    = "not_found"
	gatewayErrForbidden   = "forbidden"
	gatewayErrFileExpired = "file_expired"
	gatewayErrRateLimited = "rate_limited"
)

type requestFrame struct {
	Id      string          `json:"id"`
	Op      string          `json:"op"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type gatewayError struct {
	Code       string `json:"code"`
	RetryAfter int    `json:"retry_after,omitempty"` // seconds
	Message    string `json:"message,omitempty"`
}

type responseFrame struct {
	Id      string          `json:"id,omitempty"`
	Op      string          `json:"op"`
	Error   *gatewayError   `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// GatewayClient implements Client over a websocket gateway. Requests are
// correlated to responses by uuid, unsolicited event frames are published to
// the live event topic on the in-process bus.
type GatewayClient struct {
	url  string
	bus  *gochannel.GoChannel
	http *resty.Client

	mu      sync.Mutex
	conn    *websocket.Conn
	ready   bool
	pending map[string]chan *responseFrame

	writeMu sync.Mutex
}

func NewGatewayClient(url string, bus *gochannel.GoChannel) *GatewayClient {
	return &GatewayClient{
		url:     url,
		bus:     bus,
		http:    resty.New().SetTimeout(fileFetchTimeout),
		pending: map[string]chan *responseFrame{},
	}
}

// Connect dials the gateway and starts the read loop. The read loop owns the
// connection until it dies, after which Ready reports false and every
// in-flight request fails.
func (c *GatewayClient) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return errors.Wrap(err, "dial gateway")
	}

	c.mu.Lock()
	c.conn = conn
	c.ready = true
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

func (c *GatewayClient) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

func (c *GatewayClient) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.ready = false
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *GatewayClient) readLoop(conn *websocket.Conn) {
	defer c.teardown()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			Logger.LogV2.Error(fmt.Sprintf("gateway read loop terminated: %v", err))
			return
		}
		var frame responseFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			// Malformed frames are dropped, the store's monotonic design
			// tolerates missing events.
			Logger.LogV2.Debug(fmt.Sprintf("dropping malformed gateway frame: %v", err))
			continue
		}
		if frame.Id != "" {
			c.dispatchResponse(&frame)
			continue
		}
		if frame.Op == "event" {
			msg := message.NewMessage(watermill.NewUUID(), normalizeEventIds([]byte(frame.Payload)))
			if err := c.bus.Publish(TopicLiveEvents, msg); err != nil {
				Logger.LogV2.Error(fmt.Sprintf("failed to publish live event: %v", err))
			}
		}
	}
}

// normalizeEventIds rewrites marked channel identifiers in a live event
// payload to their raw form, so that nothing past the transport ever sees a
// marked source id. Payloads that do not decode pass through untouched, the
// pipeline drops them.
func normalizeEventIds(payload []byte) []byte {
	var event LiveEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return payload
	}

	changed := false
	if raw, ok := UnmarkChannelId(event.SourceId); ok {
		event.SourceId = raw
		changed = true
	}
	if event.Item != nil {
		if raw, ok := UnmarkChannelId(event.Item.SourceId); ok {
			event.Item.SourceId = raw
			changed = true
		}
	}
	if !changed {
		return payload
	}

	normalized, err := json.Marshal(&event)
	if err != nil {
		return payload
	}
	return normalized
}

func (c *GatewayClient) teardown() {
	c.mu.Lock()
	c.ready = false
	pending := c.pending
	c.pending = map[string]chan *responseFrame{}
	c.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
}

func (c *GatewayClient) dispatchResponse(frame *responseFrame) {
	c.mu.Lock()
	ch, ok := c.pending[frame.Id]
	if ok {
		delete(c.pending, frame.Id)
	}
	c.mu.Unlock()
	if ok {
		ch <- frame
	}
}

func (c *GatewayClient) request(ctx context.Context, op string, payload interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	if !c.ready {
		c.mu.Unlock()
		return nil, ErrNotReady
	}
	conn := c.conn
	id := uuid.New().String()
	ch := make(chan *responseFrame, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "marshal %s payload", op)
	}

	c.writeMu.Lock()
	err = conn.WriteJSON(&requestFrame{Id: id, Op: op, Payload: body})
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, errors.Wrapf(err, "write %s request", op)
	}

	timeout := time.NewTimer(gatewayRequestTimeout)
	defer timeout.Stop()
	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	case <-timeout.C:
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, errors.Errorf("%s request timed out", op)
	case frame, ok := <-ch:
		if !ok {
			return nil, ErrNotReady
		}
		if frame.Error != nil {
			return nil, mapGatewayError(frame.Error)
		}
		return frame.Payload, nil
	}
}

// retryAfterHeader parses a Retry-After value, either delay seconds or an
// HTTP date, falling back to defaultRetryAfter when absent or unparseable.
func retryAfterHeader(value string) time.Duration {
	if value == "" {
		return defaultRetryAfter
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if wait := time.Until(at); wait > 0 {
			return wait
		}
		return 0
	}
	return defaultRetryAfter
}

func mapGatewayError(ge *gatewayError) error {
	switch ge.Code {
	case gatewayErrNotFound, gatewayErrForbidden:
		return ErrNotFound
	case gatewayErrFileExpired:
		return ErrStaleFileReference
	case gatewayErrRateLimited:
		return &RateLimitedError{RetryAfter: time.Duration(ge.RetryAfter) * time.Second}
	default:
		return errors.Errorf("gateway error %s: %s", ge.Code, ge.Message)
	}
}

func (c *GatewayClient) FetchHistory(ctx context.Context, sourceId int64, cursor int64, limit int) ([]*RawItem, int64, error) {
	req := struct {
		SourceId int64 `json:"source_id"`
		Cursor   int64 `json:"cursor"`
		Limit    int   `json:"limit"`
	}{sourceId, cursor, limit}
	raw, err := c.request(ctx, "history", req)
	if err != nil {
		return nil, 0, err
	}
	var resp struct {
		Items      []*RawItem `json:"items"`
		NextCursor int64      `json:"next_cursor"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, 0, errors.Wrap(err, "decode history response")
	}
	return resp.Items, resp.NextCursor, nil
}

func (c *GatewayClient) FetchSources(ctx context.Context) ([]*SourceInfo, error) {
	raw, err := c.request(ctx, "sources", struct{}{})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Sources []*SourceInfo `json:"sources"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, errors.Wrap(err, "decode sources response")
	}
	return resp.Sources, nil
}

func (c *GatewayClient) OpenSubscription(ctx context.Context, sourceId int64) error {
	req := struct {
		SourceId int64 `json:"source_id"`
	}{sourceId}
	_, err := c.request(ctx, "subscribe", req)
	return err
}

func (c *GatewayClient) CloseSubscription(ctx context.Context, sourceId int64) error {
	req := struct {
		SourceId int64 `json:"source_id"`
	}{sourceId}
	_, err := c.request(ctx, "unsubscribe", req)
	return err
}

// DownloadFile resolves the file reference to a short lived signed url via
// the gateway, then fetches the bytes over plain https.
func (c *GatewayClient) DownloadFile(ctx context.Context, fileRef string) ([]byte, error) {
	req := struct {
		FileRef string `json:"file_ref"`
	}{fileRef}
	raw, err := c.request(ctx, "resolve_file", req)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Url string `json:"url"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, errors.Wrap(err, "decode resolve_file response")
	}

	httpResp, err := c.http.R().SetContext(ctx).Get(resp.Url)
	if err != nil {
		return nil, errors.Wrap(err, "fetch file bytes")
	}
	switch httpResp.StatusCode() {
	case 200:
		return httpResp.Body(), nil
	case 403, 404:
		// Signed urls expire quickly, treat both as a stale reference so the
		// caller can re-resolve from a fresh copy of the item.
		return nil, ErrStaleFileReference
	case 429:
		return nil, &RateLimitedError{RetryAfter: retryAfterHeader(httpResp.Header().Get("Retry-After"))}
	default:
		return nil, errors.Errorf("file fetch failed with status %d", httpResp.StatusCode())
	}
}
