package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	id  string
	mu  sync.Mutex
	got []Envelope
	ch  chan Envelope
}

func newRecorder(id string) *recorder {
	return &recorder{id: id, ch: make(chan Envelope, 256)}
}

func (r *recorder) ID() string { return r.id }

func (r *recorder) Send(env Envelope) error {
	r.mu.Lock()
	r.got = append(r.got, env)
	r.mu.Unlock()
	r.ch <- env
	return nil
}

func (r *recorder) next(t *testing.T) Envelope {
	t.Helper()
	select {
	case env := <-r.ch:
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("sink %s received nothing", r.id)
		return Envelope{}
	}
}

func (r *recorder) quiet(t *testing.T) {
	t.Helper()
	select {
	case env := <-r.ch:
		t.Fatalf("sink %s got unexpected %s on %s", r.id, env.Kind, env.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}

type blockingSink struct {
	id      string
	release chan struct{}
}

func (b *blockingSink) ID() string { return b.id }

func (b *blockingSink) Send(Envelope) error {
	<-b.release
	return nil
}

type snapshotFunc func(ctx context.Context, id string) (any, bool)

func (f snapshotFunc) Snapshot(ctx context.Context, id string) (any, bool) { return f(ctx, id) }

func TestPublishReachesOnlyTopicSubscribers(t *testing.T) {
	h := NewHub()
	defer h.Close()
	ctx := context.Background()

	a, b := newRecorder("a"), newRecorder("b")
	require.NoError(t, h.Subscribe(ctx, PartnerTopic("P1"), a))
	require.NoError(t, h.Subscribe(ctx, PartnerTopic("P2"), b))

	n := h.Publish(PartnerTopic("P1"), "assignment.offer", map[string]string{"assignment_id": "A1"})
	assert.Equal(t, 1, n)

	env := a.next(t)
	assert.Equal(t, "partner:P1", env.Topic)
	assert.Equal(t, uint64(1), env.Seq)
	assert.NotEmpty(t, env.ID)
	b.quiet(t)
}

func TestSubscribeIsIdempotent(t *testing.T) {
	h := NewHub()
	defer h.Close()
	ctx := context.Background()
	a := newRecorder("a")

	require.NoError(t, h.Subscribe(ctx, AdminTopic(AdminStatus), a))
	require.NoError(t, h.Subscribe(ctx, AdminTopic(AdminStatus), a))
	assert.Equal(t, 1, h.Subscribers(AdminTopic(AdminStatus)))

	h.Publish(AdminTopic(AdminStatus), "status.update", "x")
	a.next(t)
	a.quiet(t)

	h.Unsubscribe(AdminTopic(AdminStatus), "a")
	h.Unsubscribe(AdminTopic(AdminStatus), "a")
	assert.Equal(t, 0, h.Subscribers(AdminTopic(AdminStatus)))
	assert.Equal(t, 0, h.Publish(AdminTopic(AdminStatus), "status.update", "y"))
}

func TestRejectsMalformedTopic(t *testing.T) {
	h := NewHub()
	defer h.Close()
	require.ErrorIs(t, h.Subscribe(context.Background(), "orders:1", newRecorder("a")), ErrBadTopic)
	require.ErrorIs(t, h.Subscribe(context.Background(), "tracking:", newRecorder("a")), ErrBadTopic)
}

func TestReplayOnSubscribe(t *testing.T) {
	snaps := snapshotFunc(func(_ context.Context, id string) (any, bool) {
		if id == "A1" {
			return map[string]string{"status": "ACCEPTED"}, true
		}
		return nil, false
	})
	h := NewHub(WithSnapshots(snaps))
	defer h.Close()
	ctx := context.Background()

	h.Publish(TrackingTopic("A1"), "status.update", "before anyone listened")

	late := newRecorder("late")
	require.NoError(t, h.Subscribe(ctx, TrackingTopic("A1"), late))
	env := late.next(t)
	assert.Equal(t, KindSnapshot, env.Kind)
	assert.True(t, env.Replay)
	assert.Equal(t, map[string]string{"status": "ACCEPTED"}, env.Payload)

	h.Publish(TrackingTopic("A1"), "location.update", "after")
	env = late.next(t)
	assert.Equal(t, "location.update", env.Kind)
	assert.Equal(t, uint64(2), env.Seq)

	unknown := newRecorder("u")
	require.NoError(t, h.Subscribe(ctx, TrackingTopic("missing"), unknown))
	unknown.quiet(t)
}

func TestEventsDuringSnapshotFollowIt(t *testing.T) {
	var h *Hub
	snaps := snapshotFunc(func(_ context.Context, id string) (any, bool) {
		// a busy topic keeps moving while the snapshot is built
		for i := 0; i < 5; i++ {
			h.Publish(TrackingTopic(id), "location.update", i)
		}
		return "state", true
	})
	h = NewHub(WithSnapshots(snaps))
	defer h.Close()

	late := newRecorder("late")
	require.NoError(t, h.Subscribe(context.Background(), TrackingTopic("A1"), late))

	snap := late.next(t)
	assert.Equal(t, KindSnapshot, snap.Kind)
	assert.Equal(t, uint64(0), snap.Seq)
	for i := 0; i < 5; i++ {
		env := late.next(t)
		assert.Equal(t, "location.update", env.Kind)
		assert.Equal(t, uint64(i+1), env.Seq)
		assert.Equal(t, i, env.Payload)
	}
	late.quiet(t)

	h.Publish(TrackingTopic("A1"), "status.update", "next")
	assert.Equal(t, uint64(6), late.next(t).Seq)
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	h := NewHub(WithBuffer(4))
	slow := &blockingSink{id: "slow", release: make(chan struct{})}
	fast := newRecorder("fast")
	ctx := context.Background()
	topic := TrackingTopic("A1")

	require.NoError(t, h.Subscribe(ctx, topic, slow))
	require.NoError(t, h.Subscribe(ctx, topic, fast))

	start := time.Now()
	for i := 0; i < 40; i++ {
		h.Publish(topic, "location.update", i)
		env := fast.next(t)
		assert.Equal(t, i, env.Payload)
	}
	assert.Less(t, time.Since(start), 2*time.Second)

	close(slow.release)
	h.Close()
}

type failingSink struct{ id string }

func (f *failingSink) ID() string          { return f.id }
func (f *failingSink) Send(Envelope) error { return errors.New("connection reset") }

func TestFailingSinkIsDetached(t *testing.T) {
	h := NewHub()
	defer h.Close()
	topic := PartnerTopic("P1")
	require.NoError(t, h.Subscribe(context.Background(), topic, &failingSink{id: "gone"}))

	h.Publish(topic, "ack", nil)
	require.Eventually(t, func() bool { return h.Subscribers(topic) == 0 }, time.Second, 5*time.Millisecond)
}

func TestUnsubscribeAllAndClose(t *testing.T) {
	h := NewHub()
	ctx := context.Background()
	a := newRecorder("a")
	require.NoError(t, h.Subscribe(ctx, PartnerTopic("P1"), a))
	require.NoError(t, h.Subscribe(ctx, AdminTopic(AdminEmergency), a))

	h.UnsubscribeAll("a")
	assert.Equal(t, 0, h.Subscribers(PartnerTopic("P1")))
	assert.Equal(t, 0, h.Subscribers(AdminTopic(AdminEmergency)))

	h.Close()
	assert.Equal(t, 0, h.Publish(PartnerTopic("P1"), "x", nil))
	require.ErrorIs(t, h.Subscribe(ctx, PartnerTopic("P1"), a), ErrClosed)
}

func TestParseTopic(t *testing.T) {
	kind, key, ok := ParseTopic("tracking:abc:def")
	require.True(t, ok)
	assert.Equal(t, KindTracking, kind)
	assert.Equal(t, "abc:def", key)

	_, _, ok = ParseTopic("nocolon")
	assert.False(t, ok)
}
