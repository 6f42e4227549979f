// Package engine wires the dispatch, presence, ingestion and relay components
// around one broadcast hub and runs the periodic sweeper.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/example/delivery-dispatch/internal/apperr"
	"github.com/example/delivery-dispatch/internal/broadcast"
	"github.com/example/delivery-dispatch/internal/chat"
	"github.com/example/delivery-dispatch/internal/dispatch"
	"github.com/example/delivery-dispatch/internal/emergency"
	"github.com/example/delivery-dispatch/internal/ingest"
	"github.com/example/delivery-dispatch/internal/keylock"
	"github.com/example/delivery-dispatch/internal/matcher"
	"github.com/example/delivery-dispatch/internal/models"
	"github.com/example/delivery-dispatch/internal/notify"
	"github.com/example/delivery-dispatch/internal/observability"
	"github.com/example/delivery-dispatch/internal/presence"
	"github.com/example/delivery-dispatch/internal/storage"
)

const (
	KindAnnouncement = "admin.announcement"
	KindDirect       = "partner.message"
	KindPresence     = "partner.presence"
)

type Config struct {
	OfferTimeout   time.Duration
	PresenceTTL    time.Duration
	SweepInterval  time.Duration
	ClockSkew      time.Duration
	TrackRetention time.Duration
	SearchRadiusKm float64
	MatcherTopN    int
	HubBuffer      int
	TrackLimit     int
}

func (c Config) withDefaults() Config {
	if c.OfferTimeout <= 0 {
		c.OfferTimeout = 60 * time.Second
	}
	if c.PresenceTTL <= 0 {
		c.PresenceTTL = 2 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Second
	}
	if c.ClockSkew <= 0 {
		c.ClockSkew = 5 * time.Second
	}
	if c.TrackRetention <= 0 {
		c.TrackRetention = 24 * time.Hour
	}
	if c.SearchRadiusKm <= 0 {
		c.SearchRadiusKm = 10
	}
	return c
}

// Deps are the external collaborators. Repo and Orders are required.
type Deps struct {
	Repo         storage.AssignmentRepository
	Orders       storage.OrderLookup
	Mirror       presence.Mirror
	Notifier     notify.Sender
	LocationSink ingest.Sink
	Logger       *slog.Logger
	Clock        func() time.Time
}

type Engine struct {
	Hub        *broadcast.Hub
	Presence   *presence.Registry
	Dispatcher *dispatch.Dispatcher
	Ingest     *ingest.Pipeline
	Emergency  *emergency.Escalator
	Chat       *chat.Relay
	Matcher    *matcher.Service

	repo   storage.AssignmentRepository
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

func New(cfg Config, deps Deps) *Engine {
	cfg = cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}

	e := &Engine{repo: deps.Repo, cfg: cfg, logger: logger, now: now}
	e.Hub = broadcast.NewHub(
		broadcast.WithSnapshots(e),
		broadcast.WithBuffer(cfg.HubBuffer),
		broadcast.WithLogger(logger.With("component", "hub")),
	)

	regOpts := []presence.Option{presence.WithClock(now), presence.WithLogger(logger.With("component", "presence"))}
	if deps.Mirror != nil {
		regOpts = append(regOpts, presence.WithMirror(deps.Mirror))
	}
	e.Presence = presence.NewRegistry(regOpts...)

	locks := keylock.New(0)
	dispOpts := []dispatch.Option{
		dispatch.WithClock(now),
		dispatch.WithLocks(locks),
		dispatch.WithOfferTimeout(cfg.OfferTimeout),
		dispatch.WithLogger(logger.With("component", "dispatcher")),
	}
	if deps.Notifier != nil {
		dispOpts = append(dispOpts, dispatch.WithNotifier(notify.NewAsync(deps.Notifier, 0, logger.With("component", "notify"))))
	}
	e.Dispatcher = dispatch.New(deps.Repo, e.Presence, e.Hub, dispOpts...)

	ingOpts := []ingest.Option{
		ingest.WithClock(now),
		ingest.WithLocks(locks),
		ingest.WithClockSkew(cfg.ClockSkew),
		ingest.WithTracks(ingest.NewTrackStore(cfg.TrackLimit)),
		ingest.WithLogger(logger.With("component", "ingest")),
	}
	if deps.LocationSink != nil {
		ingOpts = append(ingOpts, ingest.WithSink(deps.LocationSink))
	}
	e.Ingest = ingest.NewPipeline(e.Presence, deps.Repo, e.Hub, ingOpts...)

	e.Emergency = emergency.NewEscalator(e.Hub, logger.With("component", "emergency"))
	e.Chat = chat.NewRelay(deps.Repo, e.Hub, logger.With("component", "chat"))
	e.Matcher = &matcher.Service{
		Orders:     deps.Orders,
		Presence:   e.Presence,
		Dispatch:   e.Dispatcher,
		RadiusKm:   cfg.SearchRadiusKm,
		TopN:       cfg.MatcherTopN,
		AgeWeightM: 5,
		Now:        now,
	}
	return e
}

// GetLatestTracking returns the current status and last known location of an
// assignment.
func (e *Engine) GetLatestTracking(ctx context.Context, assignmentID string) (models.Tracking, error) {
	a, err := e.repo.FindByID(ctx, assignmentID)
	if err != nil {
		return models.Tracking{}, apperr.Dependency("find assignment", err)
	}
	t := models.Tracking{
		AssignmentID:  a.ID,
		Status:        a.Status,
		PartnerID:     a.PartnerID,
		LastUpdatedAt: a.UpdatedAt,
	}
	if s, ok := e.Ingest.Latest(a.ID); ok {
		t.LastLocation = &s
		if s.Timestamp.After(t.LastUpdatedAt) {
			t.LastUpdatedAt = s.Timestamp
		}
	}
	return t, nil
}

// Snapshot feeds replay-on-subscribe for tracking topics.
func (e *Engine) Snapshot(ctx context.Context, assignmentID string) (any, bool) {
	t, err := e.GetLatestTracking(ctx, assignmentID)
	if err != nil {
		if !errors.Is(err, apperr.ErrNotFound) {
			e.logger.Warn("tracking snapshot failed", "assignment_id", assignmentID, "error", err)
		}
		return nil, false
	}
	return t, true
}

// Announce broadcasts message to every subscribed admin console.
func (e *Engine) Announce(message, kind string) (models.Announcement, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return models.Announcement{}, fmt.Errorf("announcement: %w", apperr.ErrInvalid)
	}
	if kind == "" {
		kind = "INFO"
	}
	a := models.Announcement{Message: message, Type: strings.ToUpper(kind), Timestamp: e.now()}
	n := e.Hub.Publish(broadcast.AdminTopic(broadcast.AdminAnnouncements), KindAnnouncement, a)
	e.logger.Info("announcement published", "type", a.Type, "consoles", n)
	return a, nil
}

// SendToPartner pushes a direct message onto partner:<id>.
func (e *Engine) SendToPartner(partnerID, message string) (models.DirectMessage, error) {
	message = strings.TrimSpace(message)
	if partnerID == "" || message == "" {
		return models.DirectMessage{}, fmt.Errorf("direct message: %w", apperr.ErrInvalid)
	}
	m := models.DirectMessage{PartnerID: partnerID, Message: message, Timestamp: e.now()}
	e.Hub.Publish(broadcast.PartnerTopic(partnerID), KindDirect, m)
	return m, nil
}

// SetPresence records an explicit online/offline signal. A partner coming
// back online is re-bound to its stored active assignment.
func (e *Engine) SetPresence(ctx context.Context, partnerID string, online bool) error {
	if partnerID == "" {
		return fmt.Errorf("partner id: %w", apperr.ErrInvalid)
	}
	if e.Presence.SetOnline(ctx, partnerID, online) {
		e.publishPresence(partnerID, online)
	}
	if !online {
		return nil
	}
	_, err := e.Dispatcher.RestoreBinding(ctx, partnerID)
	return err
}

// Sweep reverts expired offers, evicts silent partners and prunes old routes.
func (e *Engine) Sweep(ctx context.Context) {
	if n := e.Dispatcher.SweepExpiredOffers(ctx); n > 0 {
		e.logger.Info("expired offers reverted", "count", n)
	}

	for _, p := range e.Presence.EvictStale(ctx, e.cfg.PresenceTTL) {
		observability.PresenceEvicted.Inc()
		if p.Online {
			e.publishPresence(p.PartnerID, false)
		}
		if err := e.Dispatcher.ReleasePartner(ctx, p.PartnerID, p.ActiveAssignmentID); err != nil {
			e.logger.Warn("release evicted partner failed",
				"partner_id", p.PartnerID, "assignment_id", p.ActiveAssignmentID, "error", err)
			continue
		}
		e.logger.Info("partner evicted", "partner_id", p.PartnerID, "assignment_id", p.ActiveAssignmentID)
	}

	e.Ingest.PruneTracks(e.now().Add(-e.cfg.TrackRetention))
}

// Run sweeps every SweepInterval until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.Sweep(ctx)
		}
	}
}

func (e *Engine) Close() { e.Hub.Close() }

func (e *Engine) publishPresence(partnerID string, online bool) {
	e.Hub.Publish(broadcast.AdminTopic(broadcast.AdminPartnerStatus), KindPresence, models.PresenceEvent{
		PartnerID: partnerID,
		Online:    online,
		Timestamp: e.now(),
	})
}
