package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/delivery-dispatch/internal/observability"
)

// Envelope is what every subscriber receives.
type Envelope struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Kind      string    `json:"kind"`
	Seq       uint64    `json:"seq"`
	Replay    bool      `json:"replay,omitempty"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink is a subscriber endpoint such as a websocket session. Send may block;
// the hub never calls it from a publisher goroutine.
type Sink interface {
	ID() string
	Send(Envelope) error
}

// SnapshotProvider returns the latest state of an assignment for replay.
type SnapshotProvider interface {
	Snapshot(ctx context.Context, assignmentID string) (any, bool)
}

const (
	KindSnapshot  = "tracking.snapshot"
	defaultBuffer = 64
)

type mailbox struct {
	sink   Sink
	ch     chan Envelope
	topics map[string]struct{}
	held   map[string][]Envelope // topics whose snapshot is still being read
}

// Hub maps topics to subscriber sinks. Each sink owns a buffered mailbox and a
// goroutine that drains it, so a frozen sink only loses its own envelopes.
type Hub struct {
	mu        sync.Mutex
	topics    map[string]map[string]*mailbox
	mailboxes map[string]*mailbox
	seq       map[string]uint64
	closed    bool

	snapshots SnapshotProvider
	buffer    int
	logger    *slog.Logger
	now       func() time.Time
	wg        sync.WaitGroup
}

type Option func(*Hub)

func WithSnapshots(p SnapshotProvider) Option { return func(h *Hub) { h.snapshots = p } }

func WithBuffer(n int) Option { return func(h *Hub) { h.buffer = n } }

func WithLogger(l *slog.Logger) Option { return func(h *Hub) { h.logger = l } }

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		topics:    make(map[string]map[string]*mailbox),
		mailboxes: make(map[string]*mailbox),
		seq:       make(map[string]uint64),
		buffer:    defaultBuffer,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(h)
	}
	if h.buffer <= 0 {
		h.buffer = defaultBuffer
	}
	return h
}

// Publish enqueues payload for every current subscriber of topic and returns
// the number of mailboxes that accepted it. It never blocks on a sink.
func (h *Hub) Publish(topic, kind string, payload any) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0
	}
	h.seq[topic]++
	env := Envelope{
		ID:        uuid.NewString(),
		Topic:     topic,
		Kind:      kind,
		Seq:       h.seq[topic],
		Payload:   payload,
		Timestamp: h.now(),
	}
	delivered := 0
	for _, mb := range h.topics[topic] {
		if held, holding := mb.held[topic]; holding {
			if len(held) >= h.buffer {
				observability.HubDropped.WithLabelValues("mailbox_full").Inc()
				continue
			}
			mb.held[topic] = append(held, env)
			delivered++
			continue
		}
		if h.enqueue(mb, env) {
			delivered++
		}
	}
	return delivered
}

func (h *Hub) enqueue(mb *mailbox, env Envelope) bool {
	select {
	case mb.ch <- env:
		return true
	default:
		observability.HubDropped.WithLabelValues("mailbox_full").Inc()
		h.logger.Warn("subscriber mailbox full, dropping envelope", "sink", mb.sink.ID(), "topic", env.Topic, "kind", env.Kind)
		return false
	}
}

// Subscribe attaches sink to topic. Repeated calls are no-ops. A sink joining
// a tracking topic first receives the current snapshot; events published while
// the snapshot is read are held back and follow it, so none are lost.
func (h *Hub) Subscribe(ctx context.Context, topic string, sink Sink) error {
	kind, key, ok := ParseTopic(topic)
	if !ok {
		return ErrBadTopic
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	subs := h.topics[topic]
	if subs == nil {
		subs = make(map[string]*mailbox)
		h.topics[topic] = subs
	}
	if _, dup := subs[sink.ID()]; dup {
		h.mu.Unlock()
		return nil
	}
	mb := h.mailboxes[sink.ID()]
	if mb == nil {
		mb = &mailbox{
			sink:   sink,
			ch:     make(chan Envelope, h.buffer),
			topics: make(map[string]struct{}),
			held:   make(map[string][]Envelope),
		}
		h.mailboxes[sink.ID()] = mb
		h.wg.Add(1)
		go h.pump(mb)
	}
	mb.topics[topic] = struct{}{}
	subs[sink.ID()] = mb
	observability.HubSubscriptions.Inc()

	provider := h.snapshots
	if kind != KindTracking || provider == nil {
		h.mu.Unlock()
		return nil
	}
	joinedAt := h.seq[topic]
	mb.held[topic] = make([]Envelope, 0)
	h.mu.Unlock()

	snap, haveSnap := provider.Snapshot(ctx, key)

	h.mu.Lock()
	defer h.mu.Unlock()
	held, holding := mb.held[topic]
	delete(mb.held, topic)
	if h.closed {
		return ErrClosed
	}
	if !holding || h.topics[topic][sink.ID()] != mb {
		// unsubscribed while the snapshot was read
		return nil
	}
	if haveSnap {
		h.enqueue(mb, Envelope{
			ID:        uuid.NewString(),
			Topic:     topic,
			Kind:      KindSnapshot,
			Seq:       joinedAt,
			Replay:    true,
			Payload:   snap,
			Timestamp: h.now(),
		})
	}
	for _, env := range held {
		h.enqueue(mb, env)
	}
	return nil
}

// Unsubscribe detaches the sink from topic. Unknown pairs are ignored.
func (h *Hub) Unsubscribe(topic, sinkID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detach(topic, sinkID)
}

// UnsubscribeAll detaches the sink from every topic and stops its mailbox.
func (h *Hub) UnsubscribeAll(sinkID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	mb := h.mailboxes[sinkID]
	if mb == nil {
		return
	}
	for topic := range mb.topics {
		h.detach(topic, sinkID)
	}
}

// dropMailbox detaches mb only if it is still the live mailbox for its sink;
// a reconnect may have registered a new one under the same id.
func (h *Hub) dropMailbox(mb *mailbox) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := mb.sink.ID()
	if h.mailboxes[id] != mb {
		return
	}
	for topic := range mb.topics {
		h.detach(topic, id)
	}
}

func (h *Hub) detach(topic, sinkID string) {
	subs := h.topics[topic]
	mb, ok := subs[sinkID]
	if !ok {
		return
	}
	delete(subs, sinkID)
	if len(subs) == 0 {
		delete(h.topics, topic)
	}
	delete(mb.topics, topic)
	delete(mb.held, topic)
	observability.HubSubscriptions.Dec()
	if len(mb.topics) == 0 {
		delete(h.mailboxes, sinkID)
		close(mb.ch)
	}
}

// Subscribers returns the number of sinks on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[topic])
}

// Close stops every mailbox and waits for the pumps to drain.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for id, mb := range h.mailboxes {
		for topic := range mb.topics {
			observability.HubSubscriptions.Dec()
			delete(h.topics[topic], id)
		}
		close(mb.ch)
	}
	h.mailboxes = make(map[string]*mailbox)
	h.topics = make(map[string]map[string]*mailbox)
	h.mu.Unlock()
	h.wg.Wait()
}

func (h *Hub) pump(mb *mailbox) {
	defer h.wg.Done()
	failed := false
	for env := range mb.ch {
		if failed {
			observability.HubDropped.WithLabelValues("sink_closed").Inc()
			continue
		}
		if err := mb.sink.Send(env); err != nil {
			failed = true
			observability.HubDropped.WithLabelValues("send_error").Inc()
			h.logger.Info("subscriber send failed, detaching", "sink", mb.sink.ID(), "topic", env.Topic, "error", err)
			// detach in the background: UnsubscribeAll closes mb.ch, which ends this loop
			go h.dropMailbox(mb)
			continue
		}
		observability.HubDelivered.Inc()
	}
}
