package storage

import (
	"context"

	"github.com/example/delivery-dispatch/internal/models"
)

// AssignmentRepository persists assignments. Save is optimistic: a record with
// Version 0 is inserted, anything else only overwrites the stored row when
// the stored Version matches, and the caller's Version is bumped on success.
// Stale writes fail with apperr.ErrVersionConflict; inserting a second active
// assignment for an order fails with apperr.ErrDuplicateOrder.
type AssignmentRepository interface {
	Save(ctx context.Context, a *models.Assignment) error
	FindByID(ctx context.Context, id string) (*models.Assignment, error)
	FindActiveByOrderID(ctx context.Context, orderID string) (*models.Assignment, error)
	FindActiveByPartnerID(ctx context.Context, partnerID string) (*models.Assignment, error)
}

// OrderLookup resolves the order metadata used to pick partners.
type OrderLookup interface {
	Lookup(ctx context.Context, orderID string) (models.Order, error)
}
