package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/delivery-dispatch/internal/models"
	"github.com/example/delivery-dispatch/internal/observability"
)

// Notification is a push message for a key assignment transition.
type Notification struct {
	PartnerID    string        `json:"partner_id,omitempty"`
	AssignmentID string        `json:"assignment_id"`
	OrderID      string        `json:"order_id"`
	Status       models.Status `json:"status"`
	Title        string        `json:"title"`
	Body         string        `json:"body"`
}

// Sender delivers push notifications through some provider.
type Sender interface {
	Notify(ctx context.Context, n Notification) error
}

// ShouldNotify lists the transitions that trigger a push.
func ShouldNotify(s models.Status) bool {
	switch s {
	case models.StatusAssigned, models.StatusPickedUp, models.StatusDelivered:
		return true
	}
	return false
}

// ForTransition builds the notification for an assignment that just entered
// its current status.
func ForTransition(a *models.Assignment) Notification {
	n := Notification{PartnerID: a.PartnerID, AssignmentID: a.ID, OrderID: a.OrderID, Status: a.Status}
	switch a.Status {
	case models.StatusAssigned:
		n.Title, n.Body = "New delivery offer", "Order "+a.OrderID+" is waiting for your response"
	case models.StatusPickedUp:
		n.Title, n.Body = "Order picked up", "Order "+a.OrderID+" has been picked up"
	case models.StatusDelivered:
		n.Title, n.Body = "Order delivered", "Order "+a.OrderID+" has been delivered"
	default:
		n.Title, n.Body = "Order update", "Order "+a.OrderID+" is now "+string(a.Status)
	}
	return n
}

// Async fires notifications on their own goroutine so a slow provider never
// holds up a transition. Failures are logged and counted.
type Async struct {
	next    Sender
	timeout time.Duration
	logger  *slog.Logger
}

func NewAsync(next Sender, timeout time.Duration, logger *slog.Logger) *Async {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Async{next: next, timeout: timeout, logger: logger}
}

// Fire returns immediately; the returned channel closes once the send is done.
func (a *Async) Fire(n Notification) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		if err := a.next.Notify(ctx, n); err != nil {
			observability.NotificationErrors.Inc()
			a.logger.Warn("push notification failed", "assignment_id", n.AssignmentID, "status", n.Status, "error", err)
		}
	}()
	return done
}

// LogSender only logs; used when no push provider is configured.
type LogSender struct {
	Logger *slog.Logger
}

func (l LogSender) Notify(_ context.Context, n Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification", "partner_id", n.PartnerID, "assignment_id", n.AssignmentID, "status", n.Status, "title", n.Title)
	return nil
}
