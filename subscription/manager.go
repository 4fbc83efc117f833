package subscription

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rnr-capital/feedsync/transport"
	Logger "github.com/rnr-capital/feedsync/utils/log"
)

const (
	// MaxOpenSubscriptions is the backend's cooperative budget. Subscribing
	// to more sources degrades delivery for all of them.
	MaxOpenSubscriptions = 8

	// OpenSerializationDelay spaces out the open requests issued by a
	// rebalance, a courtesy rate limit towards the backend.
	OpenSerializationDelay = 100 * time.Millisecond

	// VisibilityDebounce coalesces on-screen/off-screen flapping while the
	// user scrolls before any rebalance work starts.
	VisibilityDebounce = time.Second

	// RebalanceCooldown is the minimum spacing between two visibility
	// driven rebalances.
	RebalanceCooldown = 2 * time.Second
)

type subscriptionState int

const (
	stateClosed subscriptionState = iota
	stateOpening
	stateOpen
)

/*

Manager keeps at most MaxOpenSubscriptions upstream sources in live
subscription state.

Per source the state machine is closed -> opening -> open -> closed. The
opening state is a mutex token: two concurrent callers can both observe
"not open", but only the one that manages to set opening issues the actual
request, which closes the time-of-check-to-time-of-use race. The marker is
always cleared on the way out, success or failure.

Close is fail-open: the entry leaves the bookkeeping set even when the close
request errors, because the backend may already have dropped the
subscription and a stale "open" entry would permanently leak capacity.
*/
type Manager struct {
	client   transport.Client
	capacity int

	// recency returns source ids ordered most recently active first, used
	// to pick the least relevant open entry under capacity pressure.
	recency func() []int64

	mu            sync.Mutex
	states        map[int64]subscriptionState
	visible       map[int64]bool
	lastRebalance time.Time
	visTimer      *time.Timer
}

func NewManager(client transport.Client, capacity int, recency func() []int64) *Manager {
	if capacity <= 0 {
		capacity = MaxOpenSubscriptions
	}
	return &Manager{
		client:   client,
		capacity: capacity,
		recency:  recency,
		states:   map[int64]subscriptionState{},
		visible:  map[int64]bool{},
	}
}

// Open subscribes one source. Returns true when the source is open after
// the call, false when it was skipped: already opening, at capacity, the
// transport is down, or the open request failed. Failures are non fatal,
// callers retry later if they still care.
func (m *Manager) Open(ctx context.Context, sourceId int64) bool {
	m.mu.Lock()
	switch m.states[sourceId] {
	case stateOpen:
		m.mu.Unlock()
		return true
	case stateOpening:
		// A request is already in flight, do not issue a second one.
		m.mu.Unlock()
		return false
	}
	if m.inUseLocked() >= m.capacity {
		m.mu.Unlock()
		return false
	}
	if !m.client.Ready() {
		m.mu.Unlock()
		return false
	}
	m.states[sourceId] = stateOpening
	m.mu.Unlock()

	err := m.client.OpenSubscription(ctx, sourceId)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		// Clear the opening marker, a failed open never appears open.
		delete(m.states, sourceId)
		Logger.LogV2.Debug(fmt.Sprintf("open subscription %d failed: %v", sourceId, err))
		return false
	}
	m.states[sourceId] = stateOpen
	return true
}

// Close unsubscribes one source. No-op when the source is not open. The
// bookkeeping entry is removed regardless of the request outcome.
func (m *Manager) Close(ctx context.Context, sourceId int64) {
	m.mu.Lock()
	if m.states[sourceId] != stateOpen {
		m.mu.Unlock()
		return
	}
	delete(m.states, sourceId)
	m.mu.Unlock()

	if err := m.client.CloseSubscription(ctx, sourceId); err != nil {
		Logger.LogV2.Debug(fmt.Sprintf("close subscription %d failed: %v", sourceId, err))
	}
}

// CloseAll closes every open subscription in parallel and clears all state.
// Used on full reset.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	open := []int64{}
	for sourceId, state := range m.states {
		if state == stateOpen {
			open = append(open, sourceId)
		}
	}
	m.states = map[int64]subscriptionState{}
	m.visible = map[int64]bool{}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, sourceId := range open {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			if err := m.client.CloseSubscription(ctx, id); err != nil {
				Logger.LogV2.Debug(fmt.Sprintf("close subscription %d failed: %v", id, err))
			}
		}(sourceId)
	}
	wg.Wait()
}

// Rebalance moves the open set towards the top-N of a recency ordered
// candidate list: entries outside the target set close first, then missing
// target entries open one by one with a courtesy delay in between.
func (m *Manager) Rebalance(ctx context.Context, sourcesByActivity []int64) {
	target := map[int64]bool{}
	for _, sourceId := range sourcesByActivity {
		if len(target) >= m.capacity {
			break
		}
		target[sourceId] = true
	}

	m.mu.Lock()
	toClose := []int64{}
	for sourceId, state := range m.states {
		if state == stateOpen && !target[sourceId] {
			toClose = append(toClose, sourceId)
		}
	}
	m.lastRebalance = time.Now()
	m.mu.Unlock()

	for _, sourceId := range toClose {
		m.Close(ctx, sourceId)
	}

	first := true
	for _, sourceId := range sourcesByActivity {
		if !target[sourceId] || m.IsOpen(sourceId) {
			continue
		}
		if !first {
			select {
			case <-ctx.Done():
				return
			case <-time.After(OpenSerializationDelay):
			}
		}
		first = false
		m.Open(ctx, sourceId)
	}
}

// SetVisible marks a source as currently on screen (or not). The actual
// rebalance is debounced so fast scrolling does not thrash the backend.
func (m *Manager) SetVisible(sourceId int64, visible bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if visible {
		m.visible[sourceId] = true
	} else {
		delete(m.visible, sourceId)
	}
	if m.visTimer != nil {
		m.visTimer.Stop()
	}
	m.visTimer = time.AfterFunc(VisibilityDebounce, m.rebalanceVisible)
}

// rebalanceVisible prefers open-only operations: visible sources open, and
// nothing closes unless the capacity budget forces it, in which case the
// least recently active open-but-not-visible entry makes room.
func (m *Manager) rebalanceVisible() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	m.mu.Lock()
	if since := time.Since(m.lastRebalance); since < RebalanceCooldown {
		// Inside the cooldown window, try again once it has passed.
		m.visTimer = time.AfterFunc(RebalanceCooldown-since, m.rebalanceVisible)
		m.mu.Unlock()
		return
	}
	m.lastRebalance = time.Now()
	wanted := []int64{}
	for sourceId := range m.visible {
		if m.states[sourceId] != stateOpen {
			wanted = append(wanted, sourceId)
		}
	}
	m.mu.Unlock()

	for i, sourceId := range wanted {
		if i > 0 {
			time.Sleep(OpenSerializationDelay)
		}
		if m.inUse() >= m.capacity {
			m.closeLeastRelevant(ctx)
		}
		m.Open(ctx, sourceId)
	}
}

// closeLeastRelevant closes the open, not visible source with the oldest
// activity to make room for a visible one.
func (m *Manager) closeLeastRelevant(ctx context.Context) {
	var order []int64
	if m.recency != nil {
		order = m.recency()
	}

	m.mu.Lock()
	candidates := []int64{}
	for sourceId, state := range m.states {
		if state == stateOpen && !m.visible[sourceId] {
			candidates = append(candidates, sourceId)
		}
	}
	m.mu.Unlock()
	if len(candidates) == 0 {
		return
	}

	victim := candidates[0]
	bestRank := -1
	for _, sourceId := range candidates {
		rank := rankOf(order, sourceId)
		if rank > bestRank {
			bestRank = rank
			victim = sourceId
		}
	}
	m.Close(ctx, victim)
}

// rankOf returns the position in the recency order, unknown sources rank
// last (least relevant).
func rankOf(order []int64, sourceId int64) int {
	for i, id := range order {
		if id == sourceId {
			return i
		}
	}
	return len(order)
}

func (m *Manager) IsOpen(sourceId int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[sourceId] == stateOpen
}

// OpenCount returns open plus opening entries, the number the capacity
// budget is enforced against.
func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inUseLocked()
}

func (m *Manager) inUse() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inUseLocked()
}

func (m *Manager) inUseLocked() int {
	count := 0
	for _, state := range m.states {
		if state == stateOpen || state == stateOpening {
			count++
		}
	}
	return count
}
