package service

import (
	"context"
	"sync"
	"time"

	"github.com/promptforge/hub/internal/model"
)

// subscriber is one SSE client connection for a trace.
type subscriber struct {
	traceID string
	ch      chan *model.RunEvent
}

// SSEManager distributes run events to connected SSE clients.
// It keeps an in-memory ring buffer of the last 500 events per trace
// and a fan-out map of trace → subscribers.
type SSEManager struct {
	mu sync.RWMutex
	// traceID → list of subscribers
	subscribers map[string][]*subscriber
	// traceID → recent events (ring buffer, max 500)
	recentEvents map[string][]*model.RunEvent
	// traceID → last publish/subscribe, for pruning dead buffers
	touched map[string]time.Time
}

func NewSSEManager() *SSEManager {
	return &SSEManager{
		subscribers:  make(map[string][]*subscriber),
		recentEvents: make(map[string][]*model.RunEvent),
		touched:      make(map[string]time.Time),
	}
}

// Publish sends an event to all subscribers of the trace and appends it to
// the in-memory ring buffer.
func (m *SSEManager) Publish(traceID string, event *model.RunEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Append to ring buffer (cap 500)
	buf := m.recentEvents[traceID]
	buf = append(buf, event)
	if len(buf) > 500 {
		buf = buf[len(buf)-500:]
	}
	m.recentEvents[traceID] = buf
	m.touched[traceID] = time.Now()

	for _, sub := range m.subscribers[traceID] {
		select {
		case sub.ch <- event:
		default:
			// Slow consumer — drop. Client will reconnect and replay via since_seq.
		}
	}
}

// Subscribe registers a new SSE client for a given trace.
// Returns a channel of events and a cancel function to unsubscribe.
func (m *SSEManager) Subscribe(ctx context.Context, traceID string, sinceSeq int) (<-chan *model.RunEvent, func()) {
	m.mu.Lock()

	ch := make(chan *model.RunEvent, 64)
	sub := &subscriber{traceID: traceID, ch: ch}
	m.subscribers[traceID] = append(m.subscribers[traceID], sub)
	m.touched[traceID] = time.Now()

	// Replay buffered events since sinceSeq
	buffered := m.recentEvents[traceID]
	toReplay := make([]*model.RunEvent, 0)
	for _, ev := range buffered {
		if ev.Seq > sinceSeq {
			toReplay = append(toReplay, ev)
		}
	}
	m.mu.Unlock()

	go func() {
		for _, ev := range toReplay {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.subscribers[traceID]
		updated := subs[:0]
		for _, s := range subs {
			if s != sub {
				updated = append(updated, s)
			}
		}
		m.subscribers[traceID] = updated
		close(ch)
	}

	return ch, cancel
}

// Prune drops ring buffers for traces with no subscribers and no activity
// within maxAge, so finished runs stop holding memory. Buffers outlive the
// terminal frame by maxAge so late reconnects can still replay it.
func (m *SSEManager) Prune(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	n := 0
	for traceID, last := range m.touched {
		if len(m.subscribers[traceID]) > 0 || last.After(cutoff) {
			continue
		}
		delete(m.recentEvents, traceID)
		delete(m.subscribers, traceID)
		delete(m.touched, traceID)
		n++
	}
	return n
}

// RecentEvents returns buffered events for a trace (replay on reconnect).
func (m *SSEManager) RecentEvents(traceID string, sinceSeq int) []*model.RunEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.RunEvent
	for _, ev := range m.recentEvents[traceID] {
		if ev.Seq > sinceSeq {
			out = append(out, ev)
		}
	}
	return out
}
