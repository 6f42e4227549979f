// Package realtime is the transport-agnostic message boundary. A transport
// decodes a Message, hands it to Router.Handle together with the identity of
// the connection, and gets replies and errors back on the client's own sink.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/delivery-dispatch/internal/apperr"
	"github.com/example/delivery-dispatch/internal/broadcast"
	"github.com/example/delivery-dispatch/internal/engine"
	"github.com/example/delivery-dispatch/internal/models"
	"github.com/example/delivery-dispatch/internal/observability"
)

// Inbound message kinds.
const (
	KindLocation      = "location.update"
	KindStatus        = "status.update"
	KindOfferResponse = "assignment.offer.response"
	KindPresence      = "partner.presence"
	KindEmergency     = "emergency.raise"
	KindChat          = "chat.send"
	KindSubscribe     = "subscribe"
	KindUnsubscribe   = "unsubscribe"
	KindFeedback      = "customer.feedback"
	KindPing          = "ping"
)

// Reply kinds sent straight to the caller.
const (
	KindReply = "reply"
	KindError = "error"
	KindPong  = "pong"
)

// Message is one inbound frame.
type Message struct {
	Kind      string          `json:"kind"`
	RequestID string          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Client is the already authenticated identity behind a connection.
type Client struct {
	Role      string
	PartnerID string
	Sink      broadcast.Sink
}

type Reply struct {
	RequestID string `json:"request_id,omitempty"`
	Kind      string `json:"kind"`
	Result    any    `json:"result,omitempty"`
}

type ErrorReply struct {
	RequestID string `json:"request_id,omitempty"`
	Kind      string `json:"kind"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

type locationData struct {
	AssignmentID string    `json:"assignment_id,omitempty"`
	Lat          float64   `json:"lat"`
	Lon          float64   `json:"lon"`
	Timestamp    time.Time `json:"timestamp"`
	Accuracy     *float64  `json:"accuracy,omitempty"`
	Speed        *float64  `json:"speed,omitempty"`
	Heading      *float64  `json:"heading,omitempty"`
	BatteryLevel *int      `json:"battery_level,omitempty"`
}

type statusData struct {
	AssignmentID string `json:"assignment_id"`
	TargetStatus string `json:"target_status"`
	Reason       string `json:"reason,omitempty"`
}

type offerResponseData struct {
	AssignmentID string `json:"assignment_id"`
	Accepted     bool   `json:"accepted"`
}

type presenceData struct {
	PartnerID string `json:"partner_id"`
	IsOnline  bool   `json:"is_online"`
}

type emergencyData struct {
	PartnerID string  `json:"partner_id"`
	Type      string  `json:"type"`
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
}

type chatData struct {
	AssignmentID string `json:"assignment_id"`
	SenderRole   string `json:"sender_role"`
	Message      string `json:"message"`
}

type topicData struct {
	Topic string `json:"topic"`
}

type feedbackData struct {
	AssignmentID string `json:"assignment_id"`
	Rating       int    `json:"rating"`
	Feedback     string `json:"feedback,omitempty"`
}

var errForbidden = fmt.Errorf("not allowed for this connection: %w", apperr.ErrInvalid)

type Router struct {
	eng    *engine.Engine
	logger *slog.Logger
}

func NewRouter(eng *engine.Engine, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{eng: eng, logger: logger}
}

// Handle runs one message. Failures are turned into an error envelope on the
// client's own sink and also returned.
func (r *Router) Handle(ctx context.Context, c Client, msg Message) error {
	result, err := r.dispatch(ctx, c, msg)
	if err != nil {
		observability.RealtimeMessages.WithLabelValues(msg.Kind, apperr.Code(err)).Inc()
		level := slog.LevelInfo
		if errors.Is(err, apperr.ErrDependency) {
			level = slog.LevelWarn
		}
		r.logger.Log(ctx, level, "realtime message failed", "kind", msg.Kind, "role", c.Role, "partner_id", c.PartnerID, "error", err)
		r.reply(c, KindError, ErrorReply{RequestID: msg.RequestID, Kind: msg.Kind, Code: apperr.Code(err), Message: err.Error()})
		return err
	}
	observability.RealtimeMessages.WithLabelValues(msg.Kind, "ok").Inc()
	switch {
	case msg.Kind == KindPing:
		r.reply(c, KindPong, Reply{RequestID: msg.RequestID, Kind: msg.Kind})
	case result != nil:
		r.reply(c, KindReply, Reply{RequestID: msg.RequestID, Kind: msg.Kind, Result: result})
	}
	return nil
}

func (r *Router) dispatch(ctx context.Context, c Client, msg Message) (any, error) {
	switch msg.Kind {
	case KindLocation:
		var d locationData
		if err := decode(msg, &d); err != nil {
			return nil, err
		}
		if err := requireRole(c, models.RolePartner); err != nil {
			return nil, err
		}
		// the ack travels on partner:<id>
		_, err := r.eng.Ingest.Ingest(ctx, models.LocationSample{
			PartnerID:    c.PartnerID,
			AssignmentID: d.AssignmentID,
			Lat:          d.Lat,
			Lon:          d.Lon,
			Timestamp:    d.Timestamp,
			Accuracy:     d.Accuracy,
			Speed:        d.Speed,
			Heading:      d.Heading,
			BatteryLevel: d.BatteryLevel,
		})
		return nil, err

	case KindStatus:
		var d statusData
		if err := decode(msg, &d); err != nil {
			return nil, err
		}
		if err := requireRole(c, models.RolePartner, models.RoleAdmin); err != nil {
			return nil, err
		}
		target, ok := models.ParseStatus(strings.ToUpper(d.TargetStatus))
		if !ok {
			return nil, fmt.Errorf("target status %q: %w", d.TargetStatus, apperr.ErrInvalid)
		}
		if c.Role == models.RolePartner {
			if err := r.ownsAssignment(ctx, c, d.AssignmentID); err != nil {
				return nil, err
			}
		}
		if target == models.StatusCancelled && d.Reason != "" {
			return r.eng.Dispatcher.Cancel(ctx, d.AssignmentID, d.Reason)
		}
		return r.eng.Dispatcher.AdvanceStatus(ctx, d.AssignmentID, target, actor(c))

	case KindOfferResponse:
		var d offerResponseData
		if err := decode(msg, &d); err != nil {
			return nil, err
		}
		if err := requireRole(c, models.RolePartner); err != nil {
			return nil, err
		}
		return r.eng.Dispatcher.RecordPartnerResponse(ctx, d.AssignmentID, c.PartnerID, d.Accepted)

	case KindPresence:
		var d presenceData
		if err := decode(msg, &d); err != nil {
			return nil, err
		}
		id, err := r.partnerFor(c, d.PartnerID)
		if err != nil {
			return nil, err
		}
		if err := r.eng.SetPresence(ctx, id, d.IsOnline); err != nil {
			return nil, err
		}
		return models.PresenceEvent{PartnerID: id, Online: d.IsOnline, Timestamp: time.Now()}, nil

	case KindEmergency:
		var d emergencyData
		if err := decode(msg, &d); err != nil {
			return nil, err
		}
		id, err := r.partnerFor(c, d.PartnerID)
		if err != nil {
			return nil, err
		}
		// the ack travels on partner:<id>
		r.eng.Emergency.Raise(ctx, id, d.Type, models.Coord{Lat: d.Lat, Lon: d.Lon})
		return nil, nil

	case KindChat:
		var d chatData
		if err := decode(msg, &d); err != nil {
			return nil, err
		}
		role := d.SenderRole
		if c.Role == models.RolePartner || c.Role == models.RoleCustomer {
			role = c.Role
		}
		return r.eng.Chat.Send(ctx, d.AssignmentID, role, c.PartnerID, d.Message)

	case KindFeedback:
		var d feedbackData
		if err := decode(msg, &d); err != nil {
			return nil, err
		}
		if err := requireRole(c, models.RoleCustomer); err != nil {
			return nil, err
		}
		return r.eng.Chat.Feedback(ctx, d.AssignmentID, d.Rating, d.Feedback)

	case KindSubscribe, KindUnsubscribe:
		var d topicData
		if err := decode(msg, &d); err != nil {
			return nil, err
		}
		if err := mayListen(c, d.Topic); err != nil {
			return nil, err
		}
		if msg.Kind == KindUnsubscribe {
			r.eng.Hub.Unsubscribe(d.Topic, c.Sink.ID())
			return d, nil
		}
		if err := r.eng.Hub.Subscribe(ctx, d.Topic, c.Sink); err != nil {
			if errors.Is(err, broadcast.ErrBadTopic) {
				return nil, fmt.Errorf("%v: %w", err, apperr.ErrInvalid)
			}
			return nil, err
		}
		return d, nil

	case KindPing:
		return nil, nil
	}
	return nil, fmt.Errorf("unknown message kind %q: %w", msg.Kind, apperr.ErrInvalid)
}

func (r *Router) reply(c Client, kind string, payload any) {
	if c.Sink == nil {
		return
	}
	env := broadcast.Envelope{ID: uuid.NewString(), Kind: kind, Payload: payload, Timestamp: time.Now()}
	if err := c.Sink.Send(env); err != nil {
		r.logger.Debug("reply not delivered", "sink", c.Sink.ID(), "kind", kind, "error", err)
	}
}

// ownsAssignment checks a partner only moves its own assignment.
func (r *Router) ownsAssignment(ctx context.Context, c Client, assignmentID string) error {
	a, err := r.eng.Dispatcher.Get(ctx, assignmentID)
	if err != nil {
		return err
	}
	if a.PartnerID != c.PartnerID {
		return errForbidden
	}
	return nil
}

// partnerFor resolves the partner a message acts for: partners act for
// themselves, admins name one.
func (r *Router) partnerFor(c Client, named string) (string, error) {
	switch c.Role {
	case models.RolePartner:
		if named != "" && named != c.PartnerID {
			return "", errForbidden
		}
		return c.PartnerID, nil
	case models.RoleAdmin:
		if named == "" {
			return "", fmt.Errorf("partner id: %w", apperr.ErrInvalid)
		}
		return named, nil
	}
	return "", errForbidden
}

func decode(msg Message, v any) error {
	if len(msg.Data) == 0 {
		return fmt.Errorf("%s: missing data: %w", msg.Kind, apperr.ErrInvalid)
	}
	if err := json.Unmarshal(msg.Data, v); err != nil {
		return fmt.Errorf("%s: %v: %w", msg.Kind, err, apperr.ErrInvalid)
	}
	return nil
}

func requireRole(c Client, roles ...string) error {
	for _, r := range roles {
		if c.Role == r {
			if r == models.RolePartner && c.PartnerID == "" {
				return errForbidden
			}
			return nil
		}
	}
	return errForbidden
}

// mayListen: anyone may follow a tracking topic, a partner only its own
// queue, admin topics are for admins.
func mayListen(c Client, topic string) error {
	kind, key, ok := broadcast.ParseTopic(topic)
	if !ok {
		return fmt.Errorf("topic %q: %w", topic, apperr.ErrInvalid)
	}
	switch {
	case c.Role == models.RoleAdmin, kind == broadcast.KindTracking:
		return nil
	case kind == broadcast.KindPartner && c.Role == models.RolePartner && key == c.PartnerID:
		return nil
	}
	return errForbidden
}

func actor(c Client) string {
	if c.PartnerID != "" {
		return c.PartnerID
	}
	return strings.ToLower(c.Role)
}
