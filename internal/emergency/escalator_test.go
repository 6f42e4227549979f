package emergency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/delivery-dispatch/internal/broadcast"
	"github.com/example/delivery-dispatch/internal/models"
)

func TestRaiseAlertsAdminsAndAcksPartner(t *testing.T) {
	hub := broadcast.NewHub()
	defer hub.Close()
	ctx := context.Background()

	admin := make(chan broadcast.Envelope, 4)
	partner := make(chan broadcast.Envelope, 4)
	require.NoError(t, hub.Subscribe(ctx, broadcast.AdminTopic(broadcast.AdminEmergency),
		broadcast.NewFuncSink("console", func(e broadcast.Envelope) error { admin <- e; return nil })))
	require.NoError(t, hub.Subscribe(ctx, broadcast.PartnerTopic("P1"),
		broadcast.NewFuncSink("P1-device", func(e broadcast.Envelope) error { partner <- e; return nil })))

	ack := NewEscalator(hub, nil).Raise(ctx, "P1", " accident ", models.Coord{Lat: 12.9, Lon: 77.6})
	assert.Equal(t, AckMessage, ack.Message)
	assert.NotEmpty(t, ack.AlertID)

	select {
	case env := <-admin:
		alert := env.Payload.(models.EmergencyAlert)
		assert.Equal(t, KindAlert, env.Kind)
		assert.Equal(t, models.PriorityHigh, alert.Priority)
		assert.Equal(t, "ACCIDENT", alert.Type)
		assert.Equal(t, ack.AlertID, alert.ID)
	case <-time.After(time.Second):
		t.Fatal("admin console got no alert")
	}

	select {
	case env := <-partner:
		assert.Equal(t, KindAck, env.Kind)
		assert.Equal(t, ack, env.Payload)
	case <-time.After(time.Second):
		t.Fatal("partner got no ack")
	}
}

func TestRaiseSucceedsWithoutListeners(t *testing.T) {
	hub := broadcast.NewHub()
	defer hub.Close()
	ack := NewEscalator(hub, nil).Raise(context.Background(), "P9", "", models.Coord{})
	assert.Equal(t, AckMessage, ack.Message)
}
