// Package fanout broadcasts signals and their enrichment to subscribed
// clients. It is the sole downstream interface for the live signal stream
// per spec.md §1: BetterBot exposes no net/http listener itself, only a Go
// channel-based Subscribe/Unsubscribe contract that a calling process (the
// out-of-scope HTTP/WebSocket surface) can wrap.
//
// Grounded on the teacher's internal/api.Hub register/unregister/broadcast
// goroutine (internal/api/stream.go), generalized from a []byte WebSocket
// broadcast to a typed Message channel per subscriber, with the merge-by-id
// monotonic-version tracking spec.md §4.5 requires.
package fanout

import (
	"log/slog"
	"sync"

	"betterbot/pkg/types"
)

// MessageKind tags the two message shapes the hub emits.
type MessageKind string

const (
	// KindSignal is the full record delivered on first sight of a signal_id.
	KindSignal MessageKind = "signal"
	// KindSignalContext is an incremental enrichment update.
	KindSignalContext MessageKind = "signal_context"
)

// Message is one fan-out event. Exactly one of Signal/Context is populated,
// selected by Kind.
type Message struct {
	Kind    MessageKind
	Signal  *types.Signal
	Context *types.SignalContext
}

// DefaultQueueCapacity is the per-subscriber bounded queue size. A
// subscriber slower than this is disconnected rather than allowed to build
// unbounded backlog, per spec.md §4.5.
const DefaultQueueCapacity = 256

// subscription is one connected client's view: a bounded outbound queue plus
// the highest ContextVersion delivered per SignalID, used to enforce
// per-signal monotonic delivery and to silently drop a stale re-delivery.
type subscription struct {
	ch       chan Message
	mu       sync.Mutex
	lastSeen map[string]int64
	closed   bool
}

// Hub is the subscription fan-out point: a single goroutine drains an
// internal broadcast channel and pushes to every live subscriber's queue.
type Hub struct {
	queueCap int
	logger   *slog.Logger

	mu   sync.Mutex
	subs map[*subscription]struct{}
}

// NewHub creates a fan-out hub with the given per-subscriber queue capacity.
func NewHub(queueCap int, logger *slog.Logger) *Hub {
	if queueCap <= 0 {
		queueCap = DefaultQueueCapacity
	}
	return &Hub{
		queueCap: queueCap,
		logger:   logger.With("component", "fanout_hub"),
		subs:     make(map[*subscription]struct{}),
	}
}

// Subscribe registers a new client and returns its message channel plus an
// Unsubscribe func. The channel is closed either by the caller invoking
// Unsubscribe or by the hub itself when the client's queue overflows —
// per spec.md §4.5, an overflowing client "must reconcile via REST with
// merge-by-id semantics" rather than be force-fed a dropped update.
func (h *Hub) Subscribe() (<-chan Message, func()) {
	sub := &subscription{
		ch:       make(chan Message, h.queueCap),
		lastSeen: make(map[string]int64),
	}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	unsubscribe := func() { h.remove(sub) }
	return sub.ch, unsubscribe
}

// Count reports the number of currently live subscriptions.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) remove(sub *subscription) {
	h.mu.Lock()
	_, ok := h.subs[sub]
	delete(h.subs, sub)
	h.mu.Unlock()
	if !ok {
		return
	}
	sub.mu.Lock()
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
	sub.mu.Unlock()
}

// BroadcastSignal delivers a full signal record to every subscriber on
// first sight (ContextVersion starts at whatever the detector stamped,
// typically 0).
func (h *Hub) BroadcastSignal(sig types.Signal) {
	h.broadcast(sig.SignalID, sig.ContextVersion, Message{Kind: KindSignal, Signal: &sig})
}

// BroadcastContext delivers an incremental enrichment update. Per subscriber,
// only versions strictly greater than the last one delivered for this
// SignalID are forwarded — enforcing spec.md §4.5/§8's "for each signal_id,
// emitted context_version values are strictly increasing" guarantee even if
// the enrichment worker pool emits out of order across goroutines.
func (h *Hub) BroadcastContext(sc types.SignalContext) {
	h.broadcast(sc.SignalID, sc.ContextVersion, Message{Kind: KindSignalContext, Context: &sc})
}

func (h *Hub) broadcast(signalID string, version int64, msg Message) {
	h.mu.Lock()
	targets := make([]*subscription, 0, len(h.subs))
	for sub := range h.subs {
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	for _, sub := range targets {
		h.deliver(sub, signalID, version, msg)
	}
}

func (h *Hub) deliver(sub *subscription, signalID string, version int64, msg Message) {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	if last, ok := sub.lastSeen[signalID]; ok && version <= last {
		sub.mu.Unlock()
		return
	}
	sub.lastSeen[signalID] = version
	ch := sub.ch
	sub.mu.Unlock()

	select {
	case ch <- msg:
	default:
		h.logger.Warn("subscriber queue full, disconnecting", "signal_id", signalID)
		h.remove(sub)
	}
}
