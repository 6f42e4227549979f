// Package emergency relays partner emergency alerts to the admin console.
package emergency

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/delivery-dispatch/internal/broadcast"
	"github.com/example/delivery-dispatch/internal/models"
	"github.com/example/delivery-dispatch/internal/observability"
)

const (
	KindAlert = "emergency.alert"
	KindAck   = "emergency.ack"

	AckMessage  = "Emergency alert received. Help is on the way."
	defaultType = "GENERAL"
)

type Publisher interface {
	Publish(topic, kind string, payload any) int
}

type Ack struct {
	AlertID   string    `json:"alert_id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type Escalator struct {
	hub    Publisher
	logger *slog.Logger
	now    func() time.Time
}

func NewEscalator(hub Publisher, logger *slog.Logger) *Escalator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Escalator{hub: hub, logger: logger, now: time.Now}
}

// Raise publishes a HIGH priority alert to admin:emergency and acknowledges
// the partner. It has no failure path: an alert with nobody listening is
// still logged and acknowledged.
func (e *Escalator) Raise(ctx context.Context, partnerID, alertType string, at models.Coord) Ack {
	alertType = strings.ToUpper(strings.TrimSpace(alertType))
	if alertType == "" {
		alertType = defaultType
	}
	alert := models.EmergencyAlert{
		ID:        uuid.NewString(),
		PartnerID: partnerID,
		Type:      alertType,
		Location:  at,
		Priority:  models.PriorityHigh,
		Timestamp: e.now(),
	}
	observability.EmergenciesTotal.WithLabelValues(alertType).Inc()

	delivered := e.hub.Publish(broadcast.AdminTopic(broadcast.AdminEmergency), KindAlert, alert)
	level := slog.LevelWarn
	if delivered == 0 {
		level = slog.LevelError
	}
	e.logger.Log(ctx, level, "emergency raised",
		"alert_id", alert.ID,
		"partner_id", partnerID,
		"type", alertType,
		"lat", at.Lat,
		"lon", at.Lon,
		"admin_subscribers", delivered,
	)

	ack := Ack{AlertID: alert.ID, Message: AckMessage, Timestamp: alert.Timestamp}
	if partnerID != "" {
		e.hub.Publish(broadcast.PartnerTopic(partnerID), KindAck, ack)
	}
	return ack
}
