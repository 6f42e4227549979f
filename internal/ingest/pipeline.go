package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/delivery-dispatch/internal/apperr"
	"github.com/example/delivery-dispatch/internal/broadcast"
	"github.com/example/delivery-dispatch/internal/geo"
	"github.com/example/delivery-dispatch/internal/keylock"
	"github.com/example/delivery-dispatch/internal/models"
	"github.com/example/delivery-dispatch/internal/observability"
	"github.com/example/delivery-dispatch/internal/storage"
)

const (
	KindLocation = "location.update"
	KindAck      = "location.ack"

	defaultClockSkew = 5 * time.Second
)

type AckStatus string

const (
	AckConfirmed AckStatus = "confirmed"
	AckStale     AckStatus = "stale-ignored"
	AckRejected  AckStatus = "rejected"
)

// Ack is sent back on the partner's own queue for every sample.
type Ack struct {
	PartnerID    string    `json:"partner_id"`
	AssignmentID string    `json:"assignment_id,omitempty"`
	Status       AckStatus `json:"status"`
	Reason       string    `json:"reason,omitempty"`
	SampleTime   time.Time `json:"sample_time"`
}

type Presence interface {
	UpdateLocation(ctx context.Context, s models.LocationSample) error
	Restore(partnerID, assignmentID string) bool
}

type Publisher interface {
	Publish(topic, kind string, payload any) int
}

// Sink receives every accepted sample, e.g. a Kafka location stream.
type Sink interface {
	PublishLocation(ctx context.Context, s models.LocationSample) error
}

// Pipeline validates partner pings, keeps presence current and feeds the
// tracking topic of the assignment the partner is working on.
type Pipeline struct {
	presence Presence
	repo     storage.AssignmentRepository
	hub      Publisher
	tracks   *TrackStore
	locks    *keylock.Striped
	sink     Sink

	clockSkew time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

type Option func(*Pipeline)

func WithSink(s Sink) Option { return func(p *Pipeline) { p.sink = s } }

func WithClockSkew(d time.Duration) Option { return func(p *Pipeline) { p.clockSkew = d } }

func WithTracks(t *TrackStore) Option { return func(p *Pipeline) { p.tracks = t } }

func WithLocks(l *keylock.Striped) Option { return func(p *Pipeline) { p.locks = l } }

func WithLogger(l *slog.Logger) Option { return func(p *Pipeline) { p.logger = l } }

func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.now = now } }

func NewPipeline(presence Presence, repo storage.AssignmentRepository, hub Publisher, opts ...Option) *Pipeline {
	p := &Pipeline{
		presence:  presence,
		repo:      repo,
		hub:       hub,
		clockSkew: defaultClockSkew,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	if p.tracks == nil {
		p.tracks = NewTrackStore(0)
	}
	if p.locks == nil {
		p.locks = keylock.New(0)
	}
	return p
}

// Ingest records one sample. Stale samples are acknowledged as stale-ignored
// and are not an error. Invalid samples are acknowledged as rejected and
// return ErrInvalid.
func (p *Pipeline) Ingest(ctx context.Context, s models.LocationSample) (Ack, error) {
	ack := Ack{PartnerID: s.PartnerID, AssignmentID: s.AssignmentID, SampleTime: s.Timestamp}

	if err := p.validate(s); err != nil {
		ack.Status, ack.Reason = AckRejected, err.Error()
		observability.LocationSamples.WithLabelValues("rejected").Inc()
		p.ack(ack)
		return ack, err
	}

	if err := p.presence.UpdateLocation(ctx, s); err != nil {
		if errors.Is(err, apperr.ErrStaleSample) {
			ack.Status = AckStale
			observability.LocationSamples.WithLabelValues("stale").Inc()
			p.ack(ack)
			return ack, nil
		}
		ack.Status, ack.Reason = AckRejected, err.Error()
		observability.LocationSamples.WithLabelValues("rejected").Inc()
		p.ack(ack)
		return ack, err
	}

	superseded, trackErr := p.track(ctx, &s)
	ack.AssignmentID = s.AssignmentID
	if superseded {
		ack.Status, ack.Reason = AckStale, "superseded by a newer sample"
		observability.LocationSamples.WithLabelValues("stale").Inc()
		p.ack(ack)
		return ack, trackErr
	}
	ack.Status = AckConfirmed
	observability.LocationSamples.WithLabelValues("accepted").Inc()
	p.ack(ack)

	if p.sink != nil {
		if err := p.sink.PublishLocation(ctx, s); err != nil {
			p.logger.Warn("location sink failed", "partner_id", s.PartnerID, "error", err)
		}
	}
	return ack, trackErr
}

// Track is the stored route of an assignment, oldest first.
func (p *Pipeline) Track(assignmentID string) []models.LocationSample {
	return p.tracks.Track(assignmentID)
}

func (p *Pipeline) Latest(assignmentID string) (models.LocationSample, bool) {
	return p.tracks.Latest(assignmentID)
}

// PruneTracks drops routes that have not moved since before cutoff.
func (p *Pipeline) PruneTracks(cutoff time.Time) int {
	return p.tracks.Prune(cutoff)
}

func (p *Pipeline) validate(s models.LocationSample) error {
	switch {
	case s.PartnerID == "":
		return fmt.Errorf("partner id: %w", apperr.ErrInvalid)
	case !geo.ValidCoord(s.Lat, s.Lon):
		return fmt.Errorf("coordinates %.6f,%.6f: %w", s.Lat, s.Lon, apperr.ErrInvalid)
	case s.Timestamp.IsZero():
		return fmt.Errorf("timestamp: %w", apperr.ErrInvalid)
	case s.Timestamp.After(p.now().Add(p.clockSkew)):
		return fmt.Errorf("timestamp %s is in the future: %w", s.Timestamp.Format(time.RFC3339), apperr.ErrInvalid)
	case s.Accuracy != nil && *s.Accuracy < 0:
		return fmt.Errorf("accuracy: %w", apperr.ErrInvalid)
	case s.BatteryLevel != nil && (*s.BatteryLevel < 0 || *s.BatteryLevel > 100):
		return fmt.Errorf("battery level: %w", apperr.ErrInvalid)
	}
	return nil
}

// track appends s to the route of the assignment it belongs to and publishes
// it. Without an explicit id the partner's active assignment is used. The
// read and publish share the assignment's stripe with status commits so the
// tracking topic never shows a location after a terminal status. A sample
// that lost a race with a newer one from the same partner is reported as
// superseded and not published.
func (p *Pipeline) track(ctx context.Context, s *models.LocationSample) (bool, error) {
	if s.AssignmentID == "" {
		a, err := p.repo.FindActiveByPartnerID(ctx, s.PartnerID)
		if errors.Is(err, apperr.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, apperr.Dependency("find active by partner", err)
		}
		s.AssignmentID = a.ID
	}

	var (
		err        error
		superseded bool
	)
	p.locks.Do(s.AssignmentID, func() {
		var a *models.Assignment
		a, err = p.repo.FindByID(ctx, s.AssignmentID)
		if err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				p.logger.Debug("sample for unknown assignment", "partner_id", s.PartnerID, "assignment_id", s.AssignmentID)
				err = nil
			}
			return
		}
		if a.Status.Terminal() || a.PartnerID != s.PartnerID {
			return
		}
		// a partner evicted mid-delivery comes back bound to its work
		if p.presence.Restore(s.PartnerID, a.ID) {
			p.logger.Info("partner binding restored", "partner_id", s.PartnerID, "assignment_id", a.ID)
		}
		if !p.tracks.Append(a.ID, *s) {
			superseded = true
			return
		}
		p.hub.Publish(broadcast.TrackingTopic(a.ID), KindLocation, models.LocationEvent{
			AssignmentID: a.ID,
			PartnerID:    s.PartnerID,
			Lat:          s.Lat,
			Lon:          s.Lon,
			Accuracy:     s.Accuracy,
			Speed:        s.Speed,
			Heading:      s.Heading,
			Moving:       s.Moving(),
			Timestamp:    s.Timestamp,
		})
	})
	return superseded, apperr.Dependency("find assignment", err)
}

func (p *Pipeline) ack(a Ack) {
	if a.PartnerID == "" {
		return
	}
	p.hub.Publish(broadcast.PartnerTopic(a.PartnerID), KindAck, a)
}
