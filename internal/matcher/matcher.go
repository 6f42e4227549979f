package matcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/example/delivery-dispatch/internal/apperr"
	"github.com/example/delivery-dispatch/internal/models"
	"github.com/example/delivery-dispatch/internal/observability"
	"github.com/example/delivery-dispatch/internal/presence"
	"github.com/example/delivery-dispatch/internal/storage"
)

type Finder interface {
	FindWithinRadius(lat, lon, radiusKm float64) []presence.Candidate
}

type Dispatcher interface {
	Get(ctx context.Context, assignmentID string) (*models.Assignment, error)
	OfferToPartner(ctx context.Context, assignmentID, partnerID string) (*models.Assignment, error)
}

// Scored is a candidate with its ranking cost, lower is better.
type Scored struct {
	PartnerID  string    `json:"partner_id"`
	DistanceKm float64   `json:"distance_km"`
	FixAge     float64   `json:"fix_age_seconds"`
	Cost       float64   `json:"cost"`
	LastFixAt  time.Time `json:"last_fix_at"`
}

// Service searches partners around the order pickup and offers the
// assignment to them in cost order. AgeWeightM is how many metres one second
// of location age costs.
type Service struct {
	Orders     storage.OrderLookup
	Presence   Finder
	Dispatch   Dispatcher
	RadiusKm   float64
	TopN       int
	AgeWeightM float64
	Now        func() time.Time
}

// Candidates ranks available partners around the pickup point of orderID.
func (s *Service) Candidates(ctx context.Context, orderID string) ([]Scored, error) {
	order, err := s.Orders.Lookup(ctx, orderID)
	if err != nil {
		return nil, apperr.Dependency("lookup order", err)
	}
	return s.Around(order.Pickup), nil
}

// Around ranks available partners near p.
func (s *Service) Around(p models.Coord) []Scored {
	radius := s.RadiusKm
	if radius <= 0 {
		radius = 10
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	at := now()

	cands := s.Presence.FindWithinRadius(p.Lat, p.Lon, radius)
	list := make([]Scored, 0, len(cands))
	for _, c := range cands {
		fix := c.Presence.LastLocation.Timestamp
		age := at.Sub(fix).Seconds()
		if age < 0 {
			age = 0
		}
		// cost = distance in metres + penalty for an old fix
		cost := c.DistanceKm*1000 + s.AgeWeightM*age
		list = append(list, Scored{PartnerID: c.Presence.PartnerID, DistanceKm: c.DistanceKm, FixAge: age, Cost: cost, LastFixAt: fix})
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].Cost < list[j].Cost })

	topN := s.TopN
	if topN <= 0 {
		topN = 10
	}
	if len(list) > topN {
		list = list[:topN]
	}
	return list
}

// AutoOffer offers a PENDING assignment to the best candidate that is still
// free, moving down the list when a partner got taken in the meantime.
func (s *Service) AutoOffer(ctx context.Context, assignmentID string) (*models.Assignment, error) {
	start := time.Now()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()

	a, err := s.Dispatch.Get(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if a.Status != models.StatusPending {
		return nil, fmt.Errorf("assignment %s is %s: %w", a.ID, a.Status, apperr.ErrInvalidTransition)
	}
	cands, err := s.Candidates(ctx, a.OrderID)
	if err != nil {
		return nil, err
	}
	for _, c := range cands {
		offered, err := s.Dispatch.OfferToPartner(ctx, assignmentID, c.PartnerID)
		if err == nil {
			return offered, nil
		}
		if errors.Is(err, apperr.ErrPartnerUnavailable) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("no free partner near order %s: %w", a.OrderID, apperr.ErrPartnerUnavailable)
}
