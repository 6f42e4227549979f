// Package chat relays customer/partner messages over the assignment's
// tracking topic. Nothing is persisted.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/example/delivery-dispatch/internal/apperr"
	"github.com/example/delivery-dispatch/internal/broadcast"
	"github.com/example/delivery-dispatch/internal/models"
	"github.com/example/delivery-dispatch/internal/observability"
	"github.com/example/delivery-dispatch/internal/storage"
)

const (
	KindMessage  = "chat.message"
	KindFeedback = "customer.feedback"

	maxMessageLen = 2000
)

type Publisher interface {
	Publish(topic, kind string, payload any) int
}

type Relay struct {
	repo   storage.AssignmentRepository
	hub    Publisher
	logger *slog.Logger
	now    func() time.Time
}

func NewRelay(repo storage.AssignmentRepository, hub Publisher, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{repo: repo, hub: hub, logger: logger, now: time.Now}
}

// Send publishes message on tracking:<assignmentID>, where both the customer
// and the partner listen. The assignment must still be live.
func (r *Relay) Send(ctx context.Context, assignmentID, senderRole, senderID, message string) (models.ChatMessage, error) {
	role := strings.ToUpper(strings.TrimSpace(senderRole))
	if role != models.RoleCustomer && role != models.RolePartner {
		return models.ChatMessage{}, fmt.Errorf("sender role %q: %w", senderRole, apperr.ErrInvalid)
	}
	message = strings.TrimSpace(message)
	if message == "" || utf8.RuneCountInString(message) > maxMessageLen {
		return models.ChatMessage{}, fmt.Errorf("message length: %w", apperr.ErrInvalid)
	}
	a, err := r.live(ctx, assignmentID)
	if err != nil {
		return models.ChatMessage{}, err
	}
	if role == models.RolePartner && senderID != "" && senderID != a.PartnerID {
		return models.ChatMessage{}, fmt.Errorf("partner %s is not on %s: %w", senderID, a.ID, apperr.ErrInvalid)
	}

	msg := models.ChatMessage{
		AssignmentID: a.ID,
		SenderRole:   role,
		SenderID:     senderID,
		Message:      message,
		Timestamp:    r.now(),
	}
	r.hub.Publish(broadcast.TrackingTopic(a.ID), KindMessage, msg)
	observability.ChatMessagesTotal.Inc()
	return msg, nil
}

// Feedback forwards a customer's rating to the partner's own queue.
func (r *Relay) Feedback(ctx context.Context, assignmentID string, rating int, text string) (models.Feedback, error) {
	if rating < 1 || rating > 5 {
		return models.Feedback{}, fmt.Errorf("rating %d: %w", rating, apperr.ErrInvalid)
	}
	a, err := r.repo.FindByID(ctx, assignmentID)
	if err != nil {
		return models.Feedback{}, apperr.Dependency("find assignment", err)
	}
	if a.PartnerID == "" {
		return models.Feedback{}, fmt.Errorf("assignment %s has no partner: %w", a.ID, apperr.ErrInvalid)
	}
	fb := models.Feedback{
		AssignmentID: a.ID,
		Rating:       rating,
		Feedback:     strings.TrimSpace(text),
		Timestamp:    r.now(),
	}
	r.hub.Publish(broadcast.PartnerTopic(a.PartnerID), KindFeedback, fb)
	r.logger.Info("customer feedback relayed", "assignment_id", a.ID, "partner_id", a.PartnerID, "rating", rating)
	return fb, nil
}

func (r *Relay) live(ctx context.Context, assignmentID string) (*models.Assignment, error) {
	a, err := r.repo.FindByID(ctx, assignmentID)
	if err != nil {
		return nil, apperr.Dependency("find assignment", err)
	}
	if a.Status.Terminal() {
		return nil, fmt.Errorf("assignment %s is %s: %w", a.ID, a.Status, apperr.ErrInvalidTransition)
	}
	return a, nil
}
