package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/delivery-dispatch/internal/apperr"
	"github.com/example/delivery-dispatch/internal/broadcast"
	"github.com/example/delivery-dispatch/internal/chat"
	"github.com/example/delivery-dispatch/internal/emergency"
	"github.com/example/delivery-dispatch/internal/engine"
	"github.com/example/delivery-dispatch/internal/ingest"
	"github.com/example/delivery-dispatch/internal/models"
	"github.com/example/delivery-dispatch/internal/storage"
)

type inbox struct {
	id string
	ch chan broadcast.Envelope
}

func newInbox(id string) *inbox { return &inbox{id: id, ch: make(chan broadcast.Envelope, 64)} }

func (i *inbox) ID() string { return i.id }

func (i *inbox) Send(env broadcast.Envelope) error {
	i.ch <- env
	return nil
}

func (i *inbox) until(t *testing.T, kind string) broadcast.Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-i.ch:
			if env.Kind == kind {
				return env
			}
		case <-deadline:
			t.Fatalf("%s never received %s", i.id, kind)
			return broadcast.Envelope{}
		}
	}
}

func msg(t *testing.T, kind string, data any) Message {
	t.Helper()
	m := Message{Kind: kind, RequestID: "r-" + kind}
	if data != nil {
		b, err := json.Marshal(data)
		require.NoError(t, err)
		m.Data = b
	}
	return m
}

func newRouter(t *testing.T) (*Router, *engine.Engine) {
	t.Helper()
	e := engine.New(engine.Config{}, engine.Deps{
		Repo:   storage.NewMemoryStore(),
		Orders: storage.NewMemoryOrders(models.Order{ID: "O1"}),
	})
	t.Cleanup(e.Close)
	return NewRouter(e, nil), e
}

func partner(t *testing.T, e *engine.Engine, id string) (Client, *inbox) {
	t.Helper()
	box := newInbox(id)
	require.NoError(t, e.Hub.Subscribe(context.Background(), broadcast.PartnerTopic(id), box))
	return Client{Role: models.RolePartner, PartnerID: id, Sink: box}, box
}

func TestPartnerFlowThroughRouter(t *testing.T) {
	r, e := newRouter(t)
	ctx := context.Background()
	p1, box := partner(t, e, "P1")

	require.NoError(t, r.Handle(ctx, p1, msg(t, KindPresence, map[string]any{"is_online": true})))
	box.until(t, KindReply)

	a, err := e.Dispatcher.CreateAssignment(ctx, "O1")
	require.NoError(t, err)
	_, err = e.Dispatcher.OfferToPartner(ctx, a.ID, "P1")
	require.NoError(t, err)
	box.until(t, "assignment.offer")

	require.NoError(t, r.Handle(ctx, p1, msg(t, KindOfferResponse, map[string]any{"assignment_id": a.ID, "accepted": true})))
	reply := box.until(t, KindReply).Payload.(Reply)
	assert.Equal(t, models.StatusAccepted, reply.Result.(*models.Assignment).Status)

	require.NoError(t, r.Handle(ctx, p1, msg(t, KindLocation, map[string]any{
		"assignment_id": a.ID, "lat": 12.97, "lon": 77.59, "timestamp": time.Now().Add(-time.Second),
	})))
	ack := box.until(t, ingest.KindAck).Payload.(ingest.Ack)
	assert.Equal(t, ingest.AckConfirmed, ack.Status)

	require.NoError(t, r.Handle(ctx, p1, msg(t, KindStatus, map[string]any{"assignment_id": a.ID, "target_status": "picked_up"})))
	got, _ := e.Dispatcher.Get(ctx, a.ID)
	assert.Equal(t, models.StatusPickedUp, got.Status)

	err = r.Handle(ctx, p1, msg(t, KindStatus, map[string]any{"assignment_id": a.ID, "target_status": "DELIVERED"}))
	require.ErrorIs(t, err, apperr.ErrInvalidTransition)
	errEnv := box.until(t, KindError).Payload.(ErrorReply)
	assert.Equal(t, "invalid_transition", errEnv.Code)
	assert.Equal(t, "r-"+KindStatus, errEnv.RequestID)
}

func TestPartnerCannotTouchOthersWork(t *testing.T) {
	r, e := newRouter(t)
	ctx := context.Background()
	require.NoError(t, e.SetPresence(ctx, "P1", true))
	a, _ := e.Dispatcher.CreateAssignment(ctx, "O1")
	_, err := e.Dispatcher.OfferToPartner(ctx, a.ID, "P1")
	require.NoError(t, err)

	p2, box := partner(t, e, "P2")
	err = r.Handle(ctx, p2, msg(t, KindStatus, map[string]any{"assignment_id": a.ID, "target_status": "CANCELLED"}))
	require.ErrorIs(t, err, apperr.ErrInvalid)
	box.until(t, KindError)

	err = r.Handle(ctx, p2, msg(t, KindOfferResponse, map[string]any{"assignment_id": a.ID, "accepted": true}))
	require.ErrorIs(t, err, apperr.ErrInvalid)

	err = r.Handle(ctx, p2, msg(t, KindSubscribe, map[string]any{"topic": "partner:P1"}))
	require.ErrorIs(t, err, apperr.ErrInvalid)
	err = r.Handle(ctx, p2, msg(t, KindSubscribe, map[string]any{"topic": "admin:emergency"}))
	require.ErrorIs(t, err, apperr.ErrInvalid)
	err = r.Handle(ctx, p2, msg(t, KindPresence, map[string]any{"partner_id": "P1", "is_online": false}))
	require.ErrorIs(t, err, apperr.ErrInvalid)
}

func TestMalformedMessagesBecomeErrorEnvelopes(t *testing.T) {
	r, e := newRouter(t)
	p1, box := partner(t, e, "P1")
	ctx := context.Background()

	require.ErrorIs(t, r.Handle(ctx, p1, Message{Kind: "teleport"}), apperr.ErrInvalid)
	assert.Equal(t, "invalid", box.until(t, KindError).Payload.(ErrorReply).Code)

	require.ErrorIs(t, r.Handle(ctx, p1, Message{Kind: KindLocation, Data: json.RawMessage(`{"lat":"north"}`)}), apperr.ErrInvalid)
	require.ErrorIs(t, r.Handle(ctx, p1, Message{Kind: KindChat}), apperr.ErrInvalid)
	require.ErrorIs(t, r.Handle(ctx, p1, msg(t, KindStatus, map[string]any{"assignment_id": "x", "target_status": "FLYING"})), apperr.ErrInvalid)

	customer := Client{Role: models.RoleCustomer, Sink: newInbox("c")}
	require.ErrorIs(t, r.Handle(ctx, customer, msg(t, KindLocation, map[string]any{"lat": 1, "lon": 1})), apperr.ErrInvalid)

	require.NoError(t, r.Handle(ctx, p1, Message{Kind: KindPing, RequestID: "hb"}))
	assert.Equal(t, "hb", box.until(t, KindPong).Payload.(Reply).RequestID)
}

func TestCustomerChatFeedbackAndSubscriptions(t *testing.T) {
	r, e := newRouter(t)
	ctx := context.Background()
	require.NoError(t, e.SetPresence(ctx, "P1", true))
	_, pbox := partner(t, e, "P1")
	a, _ := e.Dispatcher.CreateAssignment(ctx, "O1")
	_, err := e.Dispatcher.OfferToPartner(ctx, a.ID, "P1")
	require.NoError(t, err)

	cbox := newInbox("customer")
	customer := Client{Role: models.RoleCustomer, Sink: cbox}
	topic := broadcast.TrackingTopic(a.ID)

	require.NoError(t, r.Handle(ctx, customer, msg(t, KindSubscribe, map[string]any{"topic": topic})))
	cbox.until(t, broadcast.KindSnapshot)

	require.NoError(t, r.Handle(ctx, customer, msg(t, KindChat, map[string]any{
		"assignment_id": a.ID, "sender_role": "PARTNER", "message": "where are you?",
	})))
	chatEnv := cbox.until(t, chat.KindMessage)
	assert.Equal(t, models.RoleCustomer, chatEnv.Payload.(models.ChatMessage).SenderRole, "role comes from the connection")

	require.NoError(t, r.Handle(ctx, customer, msg(t, KindFeedback, map[string]any{"assignment_id": a.ID, "rating": 4})))
	assert.Equal(t, 4, pbox.until(t, chat.KindFeedback).Payload.(models.Feedback).Rating)

	require.NoError(t, r.Handle(ctx, customer, msg(t, KindUnsubscribe, map[string]any{"topic": topic})))
	assert.Equal(t, 0, e.Hub.Subscribers(topic))
}

func TestAdminActsForPartners(t *testing.T) {
	r, e := newRouter(t)
	ctx := context.Background()
	abox := newInbox("console")
	admin := Client{Role: models.RoleAdmin, Sink: abox}

	require.NoError(t, r.Handle(ctx, admin, msg(t, KindSubscribe, map[string]any{"topic": "admin:emergency"})))
	require.NoError(t, r.Handle(ctx, admin, msg(t, KindPresence, map[string]any{"partner_id": "P7", "is_online": true})))
	assert.True(t, e.Presence.IsAvailable("P7"))

	p7, _ := partner(t, e, "P7")
	require.NoError(t, r.Handle(ctx, p7, msg(t, KindEmergency, map[string]any{"type": "accident", "lat": 1.5, "lon": 2.5})))
	alert := abox.until(t, emergency.KindAlert).Payload.(models.EmergencyAlert)
	assert.Equal(t, "P7", alert.PartnerID)
	assert.Equal(t, models.PriorityHigh, alert.Priority)

	err := r.Handle(ctx, admin, msg(t, KindPresence, map[string]any{"is_online": true}))
	require.ErrorIs(t, err, apperr.ErrInvalid)
}
