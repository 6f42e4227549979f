package dispatch

import (
	"time"

	"github.com/example/delivery-dispatch/internal/apperr"
	"github.com/example/delivery-dispatch/internal/models"
)

// applyTarget moves a to target if the lifecycle allows it and stamps the
// matching timestamp. PENDING -> ASSIGNED needs a partner and only happens
// through an offer; ASSIGNED -> PENDING only through a decline or timeout.
func applyTarget(a *models.Assignment, target models.Status, reason string, now time.Time) error {
	if a.Status.Terminal() {
		return apperr.ErrInvalidTransition
	}
	switch target {
	case models.StatusCancelled:
		a.Status = target
		a.CancelledAt = &now
		a.CancelReason = reason
		return nil
	case models.StatusFailed:
		a.Status = target
		a.FailedAt = &now
		a.FailureReason = reason
		return nil
	case models.StatusAssigned:
		return apperr.ErrInvalidTransition
	}

	next, ok := a.Status.Next()
	if !ok || next != target {
		return apperr.ErrInvalidTransition
	}
	a.Status = target
	switch target {
	case models.StatusAccepted:
		a.AcceptedAt = &now
	case models.StatusPickedUp:
		a.PickedUpAt = &now
	case models.StatusInTransit:
		a.InTransitAt = &now
	case models.StatusDelivered:
		a.DeliveredAt = &now
	}
	return nil
}
