package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/delivery-dispatch/internal/apperr"
	"github.com/example/delivery-dispatch/internal/broadcast"
	"github.com/example/delivery-dispatch/internal/keylock"
	"github.com/example/delivery-dispatch/internal/models"
	"github.com/example/delivery-dispatch/internal/notify"
	"github.com/example/delivery-dispatch/internal/observability"
	"github.com/example/delivery-dispatch/internal/storage"
)

// Event kinds published by the dispatcher.
const (
	KindStatus          = "status.update"
	KindOffer           = "assignment.offer"
	KindOfferWithdrawn  = "assignment.offer.withdrawn"
	defaultOfferTimeout = 60 * time.Second
	cancelAttempts      = 5
)

// Presence is the slice of the partner registry the dispatcher drives.
type Presence interface {
	Reserve(partnerID, assignmentID string) error
	Release(partnerID, assignmentID string) bool
	Restore(partnerID, assignmentID string) bool
}

type Publisher interface {
	Publish(topic, kind string, payload any) int
}

type Notifier interface {
	Fire(n notify.Notification) <-chan struct{}
}

type offer struct {
	partnerID string
	expiresAt time.Time
}

// Dispatcher is the only writer of assignment status. Every transition is a
// read, a pure state change and a version-checked save; the save and the
// events it produces happen under the assignment's stripe lock so tracking
// subscribers observe transitions in commit order.
type Dispatcher struct {
	repo     storage.AssignmentRepository
	presence Presence
	hub      Publisher
	notifier Notifier
	locks    *keylock.Striped

	offerTimeout time.Duration
	logger       *slog.Logger
	now          func() time.Time
	newID        func() string

	offersMu sync.Mutex
	offers   map[string]offer
}

type Option func(*Dispatcher)

func WithNotifier(n Notifier) Option { return func(d *Dispatcher) { d.notifier = n } }

func WithOfferTimeout(t time.Duration) Option { return func(d *Dispatcher) { d.offerTimeout = t } }

func WithLogger(l *slog.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

func WithIDs(newID func() string) Option { return func(d *Dispatcher) { d.newID = newID } }

// WithLocks shares the stripe set with the location pipeline so status and
// location events on one tracking topic stay ordered.
func WithLocks(l *keylock.Striped) Option { return func(d *Dispatcher) { d.locks = l } }

func New(repo storage.AssignmentRepository, presence Presence, hub Publisher, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		repo:         repo,
		presence:     presence,
		hub:          hub,
		offerTimeout: defaultOfferTimeout,
		logger:       slog.Default(),
		now:          time.Now,
		newID:        uuid.NewString,
		offers:       make(map[string]offer),
	}
	for _, o := range opts {
		o(d)
	}
	if d.locks == nil {
		d.locks = keylock.New(0)
	}
	if d.offerTimeout <= 0 {
		d.offerTimeout = defaultOfferTimeout
	}
	return d
}

func (d *Dispatcher) Get(ctx context.Context, assignmentID string) (*models.Assignment, error) {
	a, err := d.repo.FindByID(ctx, assignmentID)
	if err != nil {
		return nil, apperr.Dependency("find assignment", err)
	}
	return a, nil
}

// CreateAssignment opens a PENDING assignment for orderID.
func (d *Dispatcher) CreateAssignment(ctx context.Context, orderID string) (*models.Assignment, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, fmt.Errorf("order id: %w", apperr.ErrInvalid)
	}
	if existing, err := d.repo.FindActiveByOrderID(ctx, orderID); err == nil {
		return nil, fmt.Errorf("order %s has assignment %s: %w", orderID, existing.ID, apperr.ErrDuplicateOrder)
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return nil, apperr.Dependency("find active by order", err)
	}

	now := d.now()
	a := &models.Assignment{
		ID:        d.newID(),
		OrderID:   orderID,
		Status:    models.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	var err error
	d.locks.Do(a.ID, func() {
		// the repository re-checks the order under its own guard
		if err = d.repo.Save(ctx, a); err != nil {
			return
		}
		d.publishStatus(a, "", "system", "")
	})
	if err != nil {
		if errors.Is(err, apperr.ErrDuplicateOrder) {
			return nil, fmt.Errorf("order %s: %w", orderID, err)
		}
		return nil, apperr.Dependency("save assignment", err)
	}
	d.logger.Info("assignment created", "assignment_id", a.ID, "order_id", orderID)
	return a.Clone(), nil
}

// OfferToPartner binds a PENDING assignment to an online, idle partner and
// pushes the offer to the partner's queue.
func (d *Dispatcher) OfferToPartner(ctx context.Context, assignmentID, partnerID string) (*models.Assignment, error) {
	if partnerID == "" {
		return nil, fmt.Errorf("partner id: %w", apperr.ErrInvalid)
	}
	current, err := d.repo.FindByID(ctx, assignmentID)
	if err != nil {
		return nil, apperr.Dependency("find assignment", err)
	}
	if current.Status != models.StatusPending {
		observability.OffersTotal.WithLabelValues("not_pending").Inc()
		return nil, fmt.Errorf("offer %s in %s: %w", assignmentID, current.Status, apperr.ErrInvalidTransition)
	}
	if busy, err := d.repo.FindActiveByPartnerID(ctx, partnerID); err == nil && busy.ID != assignmentID {
		observability.OffersTotal.WithLabelValues("partner_busy").Inc()
		return nil, fmt.Errorf("partner %s busy with %s: %w", partnerID, busy.ID, apperr.ErrPartnerUnavailable)
	} else if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return nil, apperr.Dependency("find active by partner", err)
	}
	if err := d.presence.Reserve(partnerID, assignmentID); err != nil {
		observability.OffersTotal.WithLabelValues("partner_unavailable").Inc()
		return nil, fmt.Errorf("partner %s: %w", partnerID, err)
	}

	expires := d.now().Add(d.offerTimeout)
	a, err := d.commit(ctx, current, "dispatcher", "", func(a *models.Assignment, now time.Time) error {
		if a.Status != models.StatusPending {
			return apperr.ErrInvalidTransition
		}
		a.Status = models.StatusAssigned
		a.PartnerID = partnerID
		a.AssignedAt = &now
		return nil
	}, func(a *models.Assignment) {
		d.offersMu.Lock()
		d.offers[a.ID] = offer{partnerID: partnerID, expiresAt: expires}
		d.offersMu.Unlock()
		d.hub.Publish(broadcast.PartnerTopic(partnerID), KindOffer, models.OfferEvent{
			AssignmentID: a.ID,
			OrderID:      a.OrderID,
			PartnerID:    partnerID,
			ExpiresAt:    expires,
		})
	})
	if err != nil {
		d.releaseUnlessHeld(ctx, partnerID, assignmentID)
		observability.OffersTotal.WithLabelValues("conflict").Inc()
		return nil, err
	}
	observability.OffersTotal.WithLabelValues("offered").Inc()
	return a, nil
}

// releaseUnlessHeld drops a reservation made by a failed offer. Reserve is
// idempotent per assignment, so a concurrent offer of the same assignment to
// the same partner may have won with that very binding; the stored record
// decides. Commits save under the stripe lock, so the check does too.
func (d *Dispatcher) releaseUnlessHeld(ctx context.Context, partnerID, assignmentID string) {
	d.locks.Do(assignmentID, func() {
		stored, err := d.repo.FindByID(ctx, assignmentID)
		if err != nil {
			d.logger.Warn("keeping reservation, assignment unreadable",
				"assignment_id", assignmentID, "partner_id", partnerID, "error", err)
			return
		}
		if !stored.Status.Terminal() && stored.PartnerID == partnerID {
			return
		}
		d.presence.Release(partnerID, assignmentID)
	})
}

// RecordPartnerResponse settles an ASSIGNED offer. A non-empty partnerID must
// match the partner the offer went to.
func (d *Dispatcher) RecordPartnerResponse(ctx context.Context, assignmentID, partnerID string, accepted bool) (*models.Assignment, error) {
	current, err := d.repo.FindByID(ctx, assignmentID)
	if err != nil {
		return nil, apperr.Dependency("find assignment", err)
	}
	if current.Status != models.StatusAssigned {
		return nil, fmt.Errorf("respond to %s in %s: %w", assignmentID, current.Status, apperr.ErrInvalidTransition)
	}
	if partnerID != "" && current.PartnerID != partnerID {
		return nil, fmt.Errorf("partner %s was not offered %s: %w", partnerID, assignmentID, apperr.ErrInvalid)
	}
	if !accepted {
		return d.revertOffer(ctx, current, partnerID, "declined")
	}
	return d.commit(ctx, current, actorOr(partnerID, "partner"), "", func(a *models.Assignment, now time.Time) error {
		if a.Status != models.StatusAssigned {
			return apperr.ErrInvalidTransition
		}
		a.Status = models.StatusAccepted
		a.AcceptedAt = &now
		return nil
	}, func(a *models.Assignment) { d.forgetOffer(a.ID) })
}

// AdvanceStatus moves the assignment one step along the linear lifecycle, or
// to CANCELLED/FAILED from any non-terminal state.
func (d *Dispatcher) AdvanceStatus(ctx context.Context, assignmentID string, target models.Status, actor string) (*models.Assignment, error) {
	if target == models.StatusCancelled {
		return d.Cancel(ctx, assignmentID, "cancelled by "+actorOr(actor, "unknown"))
	}
	current, err := d.repo.FindByID(ctx, assignmentID)
	if err != nil {
		return nil, apperr.Dependency("find assignment", err)
	}
	reason := ""
	if target == models.StatusFailed {
		reason = "failed by " + actorOr(actor, "unknown")
	}
	return d.commit(ctx, current, actor, reason, func(a *models.Assignment, now time.Time) error {
		return applyTarget(a, target, reason, now)
	}, nil)
}

// Cancel moves any non-terminal assignment to CANCELLED. Version conflicts are
// retried with a fresh read, so it only fails once the assignment is terminal.
func (d *Dispatcher) Cancel(ctx context.Context, assignmentID, reason string) (*models.Assignment, error) {
	if reason == "" {
		reason = "cancelled"
	}
	var lastErr error
	for attempt := 0; attempt < cancelAttempts; attempt++ {
		current, err := d.repo.FindByID(ctx, assignmentID)
		if err != nil {
			return nil, apperr.Dependency("find assignment", err)
		}
		a, err := d.commit(ctx, current, "system", reason, func(a *models.Assignment, now time.Time) error {
			return applyTarget(a, models.StatusCancelled, reason, now)
		}, nil)
		if err == nil {
			return a, nil
		}
		if !errors.Is(err, apperr.ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// SweepExpiredOffers reverts ASSIGNED offers whose response window has
// elapsed. Re-dispatch is left to the caller.
func (d *Dispatcher) SweepExpiredOffers(ctx context.Context) int {
	now := d.now()
	type expired struct{ assignmentID, partnerID string }
	var due []expired
	d.offersMu.Lock()
	for id, o := range d.offers {
		if !now.Before(o.expiresAt) {
			due = append(due, expired{id, o.partnerID})
		}
	}
	d.offersMu.Unlock()

	reverted := 0
	for _, e := range due {
		current, err := d.repo.FindByID(ctx, e.assignmentID)
		if err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				d.forgetOffer(e.assignmentID)
			}
			d.logger.Warn("offer sweep lookup failed", "assignment_id", e.assignmentID, "error", err)
			continue
		}
		if current.Status != models.StatusAssigned || current.PartnerID != e.partnerID {
			d.forgetOffer(e.assignmentID)
			continue
		}
		if _, err := d.revertOffer(ctx, current, e.partnerID, "offer timed out"); err != nil {
			d.logger.Info("offer sweep skipped", "assignment_id", e.assignmentID, "error", err)
			continue
		}
		observability.OfferTimeouts.Inc()
		reverted++
	}
	return reverted
}

// ReleasePartner handles an evicted presence entry: an offer still waiting
// for that partner goes back to PENDING, later states are left alone.
func (d *Dispatcher) ReleasePartner(ctx context.Context, partnerID, assignmentID string) error {
	if assignmentID == "" {
		return nil
	}
	current, err := d.repo.FindByID(ctx, assignmentID)
	if err != nil {
		return apperr.Dependency("find assignment", err)
	}
	if current.Status != models.StatusAssigned || current.PartnerID != partnerID {
		return nil
	}
	_, err = d.revertOffer(ctx, current, partnerID, "partner went offline")
	return err
}

// RestoreBinding re-attaches a returning partner to its stored active
// assignment so it cannot be double booked after an eviction.
func (d *Dispatcher) RestoreBinding(ctx context.Context, partnerID string) (string, error) {
	a, err := d.repo.FindActiveByPartnerID(ctx, partnerID)
	if errors.Is(err, apperr.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", apperr.Dependency("find active by partner", err)
	}
	d.presence.Restore(partnerID, a.ID)
	return a.ID, nil
}

func (d *Dispatcher) revertOffer(ctx context.Context, current *models.Assignment, actor, reason string) (*models.Assignment, error) {
	prev := current.PartnerID
	return d.commit(ctx, current, actorOr(actor, "system"), reason, func(a *models.Assignment, _ time.Time) error {
		if a.Status != models.StatusAssigned {
			return apperr.ErrInvalidTransition
		}
		a.Status = models.StatusPending
		a.PartnerID = ""
		a.AssignedAt = nil
		return nil
	}, func(a *models.Assignment) {
		d.forgetOffer(a.ID)
		d.presence.Release(prev, a.ID)
		d.hub.Publish(broadcast.PartnerTopic(prev), KindOfferWithdrawn, map[string]string{
			"assignment_id": a.ID,
			"reason":        reason,
		})
	})
}

// commit applies mutate to a copy of current and saves it. On success the
// status event, the after hook and partner release run under the stripe lock.
func (d *Dispatcher) commit(
	ctx context.Context,
	current *models.Assignment,
	actor, reason string,
	mutate func(a *models.Assignment, now time.Time) error,
	after func(a *models.Assignment),
) (*models.Assignment, error) {
	next := current.Clone()
	from := current.Status
	now := d.now()
	if err := mutate(next, now); err != nil {
		return nil, fmt.Errorf("%s: transition from %s: %w", current.ID, from, err)
	}
	next.UpdatedAt = now

	var saveErr error
	d.locks.Do(next.ID, func() {
		if saveErr = d.repo.Save(ctx, next); saveErr != nil {
			return
		}
		d.publishStatus(next, from, actor, reason)
		if next.Status.Terminal() && current.PartnerID != "" {
			d.presence.Release(current.PartnerID, next.ID)
			d.forgetOffer(next.ID)
		}
		if after != nil {
			after(next)
		}
	})
	if saveErr != nil {
		if errors.Is(saveErr, apperr.ErrVersionConflict) {
			observability.TransitionConflicts.Inc()
			return nil, fmt.Errorf("%s: %s -> %s lost to a concurrent update: %w: %w",
				current.ID, from, next.Status, apperr.ErrInvalidTransition, apperr.ErrVersionConflict)
		}
		return nil, apperr.Dependency("save assignment", saveErr)
	}

	observability.TransitionsTotal.WithLabelValues(string(from), string(next.Status)).Inc()
	d.logger.Info("assignment transition",
		"assignment_id", next.ID,
		"order_id", next.OrderID,
		"partner_id", next.PartnerID,
		"from", from,
		"to", next.Status,
		"actor", actor,
		"version", next.Version,
	)
	if d.notifier != nil && notify.ShouldNotify(next.Status) {
		d.notifier.Fire(notify.ForTransition(next))
	}
	return next.Clone(), nil
}

func (d *Dispatcher) publishStatus(a *models.Assignment, from models.Status, actor, reason string) {
	ev := models.StatusEvent{
		AssignmentID: a.ID,
		OrderID:      a.OrderID,
		PartnerID:    a.PartnerID,
		From:         from,
		Status:       a.Status,
		Actor:        actor,
		Reason:       reason,
		Version:      a.Version,
		Timestamp:    a.UpdatedAt,
	}
	d.hub.Publish(broadcast.TrackingTopic(a.ID), KindStatus, ev)
	d.hub.Publish(broadcast.AdminTopic(broadcast.AdminStatus), KindStatus, ev)
}

func (d *Dispatcher) forgetOffer(assignmentID string) {
	d.offersMu.Lock()
	delete(d.offers, assignmentID)
	d.offersMu.Unlock()
}

// PendingOffers returns the number of offers awaiting a response.
func (d *Dispatcher) PendingOffers() int {
	d.offersMu.Lock()
	defer d.offersMu.Unlock()
	return len(d.offers)
}

func actorOr(actor, def string) string {
	if actor == "" {
		return def
	}
	return actor
}
