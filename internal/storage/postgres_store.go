package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/example/delivery-dispatch/internal/apperr"
	"github.com/example/delivery-dispatch/internal/models"
)

const uniqueViolation = "23505"

const assignmentColumns = `id, order_id, partner_id, status, created_at, assigned_at, accepted_at,
	picked_up_at, in_transit_at, delivered_at, cancelled_at, failed_at,
	cancel_reason, failure_reason, updated_at, version`

// terminalStatuses must match the partial unique index in migrations.
var terminalStatuses = pq.Array([]string{
	string(models.StatusDelivered), string(models.StatusCancelled), string(models.StatusFailed),
})

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing pool.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Save(ctx context.Context, a *models.Assignment) error {
	if a.Version == 0 {
		_, err := p.db.ExecContext(ctx, `INSERT INTO assignments(`+assignmentColumns+`)
			VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,1)`,
			a.ID, a.OrderID, nullString(a.PartnerID), string(a.Status), a.CreatedAt, a.AssignedAt, a.AcceptedAt,
			a.PickedUpAt, a.InTransitAt, a.DeliveredAt, a.CancelledAt, a.FailedAt,
			a.CancelReason, a.FailureReason, a.UpdatedAt)
		if err != nil {
			return insertError(err)
		}
		a.Version = 1
		return nil
	}

	res, err := p.db.ExecContext(ctx, `UPDATE assignments SET partner_id=$1, status=$2, assigned_at=$3,
		accepted_at=$4, picked_up_at=$5, in_transit_at=$6, delivered_at=$7, cancelled_at=$8, failed_at=$9,
		cancel_reason=$10, failure_reason=$11, updated_at=$12, version=version+1
		WHERE id=$13 AND version=$14`,
		nullString(a.PartnerID), string(a.Status), a.AssignedAt, a.AcceptedAt, a.PickedUpAt, a.InTransitAt,
		a.DeliveredAt, a.CancelledAt, a.FailedAt, a.CancelReason, a.FailureReason, a.UpdatedAt, a.ID, a.Version)
	if err != nil {
		return apperr.Dependency("update assignment", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Dependency("update assignment", err)
	}
	if n == 0 {
		return apperr.ErrVersionConflict
	}
	a.Version++
	return nil
}

func (p *PostgresStore) FindByID(ctx context.Context, id string) (*models.Assignment, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE id=$1`, id)
	return scanAssignment(row, "find assignment")
}

func (p *PostgresStore) FindActiveByOrderID(ctx context.Context, orderID string) (*models.Assignment, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments
		WHERE order_id=$1 AND NOT (status = ANY($2)) ORDER BY created_at DESC LIMIT 1`, orderID, terminalStatuses)
	return scanAssignment(row, "find active by order")
}

func (p *PostgresStore) FindActiveByPartnerID(ctx context.Context, partnerID string) (*models.Assignment, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments
		WHERE partner_id=$1 AND NOT (status = ANY($2)) ORDER BY created_at DESC LIMIT 1`, partnerID, terminalStatuses)
	return scanAssignment(row, "find active by partner")
}

func scanAssignment(row *sql.Row, op string) (*models.Assignment, error) {
	var (
		a       models.Assignment
		partner sql.NullString
		status  string
	)
	err := row.Scan(&a.ID, &a.OrderID, &partner, &status, &a.CreatedAt, &a.AssignedAt, &a.AcceptedAt,
		&a.PickedUpAt, &a.InTransitAt, &a.DeliveredAt, &a.CancelledAt, &a.FailedAt,
		&a.CancelReason, &a.FailureReason, &a.UpdatedAt, &a.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, apperr.Dependency(op, err)
	}
	a.PartnerID = partner.String
	a.Status = models.Status(status)
	return &a, nil
}

// PostgresOrders reads pickup/drop-off points from the orders table owned by
// the order service.
type PostgresOrders struct {
	db *sql.DB
}

func NewPostgresOrders(db *sql.DB) *PostgresOrders { return &PostgresOrders{db: db} }

func (p *PostgresOrders) Lookup(ctx context.Context, orderID string) (models.Order, error) {
	var (
		o    models.Order
		shop sql.NullString
	)
	err := p.db.QueryRowContext(ctx, `SELECT id, shop_id, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon
		FROM orders WHERE id=$1`, orderID).
		Scan(&o.ID, &shop, &o.Pickup.Lat, &o.Pickup.Lon, &o.Dropoff.Lat, &o.Dropoff.Lon)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Order{}, apperr.ErrNotFound
	}
	if err != nil {
		return models.Order{}, apperr.Dependency("lookup order", fmt.Errorf("order %s: %w", orderID, err))
	}
	o.ShopID = shop.String
	return o, nil
}

// insertError maps a failed INSERT. A primary key clash means another writer
// created the same id first; any other unique violation is the one-active-
// assignment-per-order index.
func insertError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		if pqErr.Constraint == "assignments_pkey" {
			return apperr.ErrVersionConflict
		}
		return fmt.Errorf("%s: %w", pqErr.Constraint, apperr.ErrDuplicateOrder)
	}
	return apperr.Dependency("insert assignment", err)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
