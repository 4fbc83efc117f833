package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/rnr-capital/feedsync/model"
	"github.com/rnr-capital/feedsync/store"
	"github.com/rnr-capital/feedsync/transport"
	Logger "github.com/rnr-capital/feedsync/utils/log"
)

// receive live events from the transport's bus topic into a queue
// drain the queue every batch interval and apply it to the post store
// 1. dedup the batch by identity, last queued version per key wins
// 2. classify each event: discussion sub-source, feed channel, or unroutable
// 3. apply the surviving set in one UpsertMany call
// Deletes and metric snapshots bypass batching and apply immediately.

const (
	// IngestBatchInterval is the coalescing window for new/edit events.
	// Bursty sources routinely deliver many items within the same second,
	// batching keeps consumers from recomputing per message.
	IngestBatchInterval = 200 * time.Millisecond

	ddIngestApplied = "feedsync.ingest.applied"
	ddIngestDeduped = "feedsync.ingest.deduped"
	ddIngestDropped = "feedsync.ingest.dropped"
	ddIngestHeld    = "feedsync.ingest.held"
	ddIngestDeleted = "feedsync.ingest.deleted"
	ddIngestMetrics = "feedsync.ingest.metrics"
)

// DiscussionHandler receives events routed to a registered discussion
// sub-source instead of the main post store.
type DiscussionHandler func(event *transport.LiveEvent)

/*

Pipeline is the sole consumer of the live event topic. It absorbs a stream
that arrives at unpredictable rates and batch-applies it to the post store.

Readiness gating: until SetReady is called (after the first bulk load),
new/edit events divert to an unbounded holding queue. SetReady drains the
holding queue through the normal classify-and-apply path exactly once.

Suspension: when the host UI reports itself hidden, Suspend flushes the
queued batch and pauses the drain timer. Events keep queueing while
suspended and are drained on the first tick after Resume.
*/
type Pipeline struct {
	posts    *store.PostStore
	channels *store.ChannelStore
	bus      *gochannel.GoChannel
	statsd   *statsd.Client

	mu          sync.Mutex
	queue       []*transport.LiveEvent
	holding     []*transport.LiveEvent
	ready       bool
	suspended   bool
	discussions map[int64]DiscussionHandler

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPipeline wires the pipeline to its stores and event bus. statsdClient
// may be nil, metrics are then skipped entirely.
func NewPipeline(posts *store.PostStore, channels *store.ChannelStore, bus *gochannel.GoChannel, statsdClient *statsd.Client) *Pipeline {
	return &Pipeline{
		posts:       posts,
		channels:    channels,
		bus:         bus,
		statsd:      statsdClient,
		discussions: map[int64]DiscussionHandler{},
	}
}

// Start subscribes to the live event topic and begins batch processing.
func (p *Pipeline) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	messages, err := p.bus.Subscribe(ctx, transport.TopicLiveEvents)
	if err != nil {
		cancel()
		return err
	}

	p.wg.Add(2)
	go p.consumeLoop(ctx, messages)
	go p.batchLoop(ctx)
	return nil
}

// Stop flushes any queued batch and shuts the loops down.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.processBatch()
}

func (p *Pipeline) consumeLoop(ctx context.Context, messages <-chan *message.Message) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			msg.Ack()
			var event transport.LiveEvent
			if err := json.Unmarshal(msg.Payload, &event); err != nil {
				Logger.LogV2.Debug(fmt.Sprintf("dropping malformed live event: %v", err))
				p.incr(ddIngestDropped)
				continue
			}
			p.Enqueue(&event)
		}
	}
}

func (p *Pipeline) batchLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(IngestBatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			suspended := p.suspended
			p.mu.Unlock()
			if !suspended {
				p.processBatch()
			}
		}
	}
}

// Enqueue routes one live event. Deletes and metric snapshots apply
// immediately, new/edit events join the batch queue (or the holding queue
// before the first bulk load completes).
func (p *Pipeline) Enqueue(event *transport.LiveEvent) {
	switch event.Type {
	case transport.EventDeleteItems:
		p.applyDelete(event)
	case transport.EventMetrics:
		p.applyMetrics(event)
	case transport.EventNewItem, transport.EventEditItem:
		p.mu.Lock()
		if !p.ready {
			p.holding = append(p.holding, event)
			p.mu.Unlock()
			p.incr(ddIngestHeld)
			return
		}
		p.queue = append(p.queue, event)
		p.mu.Unlock()
	default:
		// Unrecognized event shapes are dropped, a later correct event will
		// win through the store's monotonic check.
		Logger.LogV2.Debug(fmt.Sprintf("dropping unrecognized event type %q", event.Type))
		p.incr(ddIngestDropped)
	}
}

// SetReady marks the first bulk load as complete and drains the holding
// queue through the classify-and-apply path exactly once.
func (p *Pipeline) SetReady() {
	p.mu.Lock()
	if p.ready {
		p.mu.Unlock()
		return
	}
	p.ready = true
	held := p.holding
	p.holding = nil
	p.mu.Unlock()

	if len(held) > 0 {
		p.applyBatch(held)
	}
}

// Suspend flushes the queued batch and pauses drain scheduling. Called when
// the hosting page goes hidden.
func (p *Pipeline) Suspend() {
	p.processBatch()
	p.mu.Lock()
	p.suspended = true
	p.mu.Unlock()
}

// Resume re-enables drain scheduling. Anything queued while suspended is
// drained on the next tick.
func (p *Pipeline) Resume() {
	p.mu.Lock()
	p.suspended = false
	p.mu.Unlock()
}

// RegisterDiscussion routes events of a discussion sub-source to a handler
// instead of the post store, used by open comment views.
func (p *Pipeline) RegisterDiscussion(sourceId int64, handler DiscussionHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.discussions[sourceId] = handler
}

func (p *Pipeline) UnregisterDiscussion(sourceId int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.discussions, sourceId)
}

func (p *Pipeline) processBatch() {
	p.mu.Lock()
	batch := p.queue
	p.queue = nil
	p.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	p.applyBatch(batch)
}

func (p *Pipeline) applyBatch(batch []*transport.LiveEvent) {
	deduped := dedupeLastWins(batch)
	if dropped := len(batch) - len(deduped); dropped > 0 {
		p.count(ddIngestDeduped, int64(dropped))
	}

	posts := []*model.Post{}
	for _, event := range deduped {
		if event.Item == nil {
			p.incr(ddIngestDropped)
			continue
		}

		p.mu.Lock()
		handler, isDiscussion := p.discussions[event.Item.SourceId]
		p.mu.Unlock()
		if isDiscussion {
			handler(event)
			continue
		}

		post, err := PostFromRawItem(event.Item)
		if err != nil {
			Logger.LogV2.Debug(fmt.Sprintf("dropping unroutable event: %v", err))
			p.incr(ddIngestDropped)
			continue
		}
		posts = append(posts, post)
	}

	if len(posts) == 0 {
		return
	}
	applied := p.posts.UpsertMany(posts, store.PlacePending)
	for _, post := range posts {
		p.channels.ObservePost(post)
	}
	p.count(ddIngestApplied, int64(applied))
}

func (p *Pipeline) applyDelete(event *transport.LiveEvent) {
	if event.SourceId == 0 || len(event.ItemIds) == 0 {
		p.incr(ddIngestDropped)
		return
	}

	p.mu.Lock()
	handler, isDiscussion := p.discussions[event.SourceId]
	p.mu.Unlock()
	if isDiscussion {
		handler(event)
	}

	p.posts.RemoveMany(event.SourceId, event.ItemIds)
	p.count(ddIngestDeleted, int64(len(event.ItemIds)))
}

func (p *Pipeline) applyMetrics(event *transport.LiveEvent) {
	if event.SourceId == 0 || event.ItemId == 0 {
		p.incr(ddIngestDropped)
		return
	}
	patch := store.MetricsPatch{
		Views:   event.Views,
		Shares:  event.Shares,
		Replies: event.Replies,
	}
	if len(event.Reactions) > 0 {
		patch.Reactions = make([]model.Reaction, len(event.Reactions))
		for i, r := range event.Reactions {
			patch.Reactions[i] = model.Reaction{Emoji: r.Emoji, Count: r.Count}
		}
	}
	if p.posts.ApplyMetrics(model.PostId{SourceId: event.SourceId, ItemId: event.ItemId}, patch) {
		p.incr(ddIngestMetrics)
	}
}

// Batch-local dedup: keep only the last queued version per identity key,
// independent of the store's own timestamp check. First-arrival order of
// the surviving keys is preserved.
func dedupeLastWins(batch []*transport.LiveEvent) []*transport.LiveEvent {
	latest := map[model.PostId]*transport.LiveEvent{}
	order := []model.PostId{}
	result := []*transport.LiveEvent{}

	for _, event := range batch {
		if event.Item == nil {
			// No identity to dedup on, keep as-is for the classifier to drop.
			result = append(result, event)
			continue
		}
		id := model.PostId{SourceId: event.Item.SourceId, ItemId: event.Item.ItemId}
		if _, ok := latest[id]; !ok {
			order = append(order, id)
		}
		latest[id] = event
	}
	for _, id := range order {
		result = append(result, latest[id])
	}
	return result
}

func (p *Pipeline) incr(name string) {
	p.count(name, 1)
}

func (p *Pipeline) count(name string, value int64) {
	if p.statsd == nil {
		return
	}
	if err := p.statsd.Count(name, value, nil, 1); err != nil {
		Logger.LogV2.Debug(fmt.Sprintf("cannot report %s", name))
	}
}
