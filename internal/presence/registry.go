package presence

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/example/delivery-dispatch/internal/apperr"
	"github.com/example/delivery-dispatch/internal/geo"
	"github.com/example/delivery-dispatch/internal/models"
	"github.com/example/delivery-dispatch/internal/observability"
)

// Mirror receives presence changes for out-of-process consumers (Redis GEO).
type Mirror interface {
	UpsertLocation(ctx context.Context, s models.LocationSample) error
	SetOnline(ctx context.Context, partnerID string, online bool) error
	Remove(ctx context.Context, partnerID string) error
}

// Candidate is an available partner with its distance to the query point.
type Candidate struct {
	Presence   models.PartnerPresence `json:"presence"`
	DistanceKm float64                `json:"distance_km"`
}

type entry struct {
	mu      sync.Mutex
	p       models.PartnerPresence
	removed bool
}

// Registry is the live partner map. The map itself is guarded by mu; each
// entry has its own lock so updates to different partners never contend.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	mirror        Mirror
	mirrorTimeout time.Duration
	logger        *slog.Logger
	now           func() time.Time
}

type Option func(*Registry)

func WithMirror(m Mirror) Option { return func(r *Registry) { r.mirror = m } }

func WithLogger(l *slog.Logger) Option { return func(r *Registry) { r.logger = l } }

func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		entries:       make(map[string]*entry),
		mirrorTimeout: 2 * time.Second,
		logger:        slog.Default(),
		now:           time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// with locks the entry for id and runs fn. Missing entries are created when
// create is set, otherwise ErrNotFound is returned.
func (r *Registry) with(id string, create bool, fn func(e *entry) error) error {
	for {
		r.mu.RLock()
		e, ok := r.entries[id]
		r.mu.RUnlock()
		if !ok {
			if !create {
				return apperr.ErrNotFound
			}
			r.mu.Lock()
			if e, ok = r.entries[id]; !ok {
				e = &entry{p: models.PartnerPresence{PartnerID: id}}
				r.entries[id] = e
			}
			r.mu.Unlock()
		}
		e.mu.Lock()
		if e.removed {
			// lost a race with eviction, look the id up again
			e.mu.Unlock()
			continue
		}
		err := fn(e)
		e.mu.Unlock()
		return err
	}
}

// SetOnline flips the online flag. It reports whether the flag changed.
// Going offline keeps the active assignment binding.
func (r *Registry) SetOnline(ctx context.Context, partnerID string, online bool) bool {
	var changed bool
	_ = r.with(partnerID, true, func(e *entry) error {
		changed = e.p.Online != online
		e.p.Online = online
		e.p.LastSeen = r.now()
		return nil
	})
	if changed {
		if online {
			observability.PartnersOnline.Inc()
		} else {
			observability.PartnersOnline.Dec()
		}
		r.mirrorDo(ctx, "set_online", partnerID, func(ctx context.Context) error {
			return r.mirror.SetOnline(ctx, partnerID, online)
		})
	}
	return changed
}

// UpdateLocation records s as the partner's last location. Samples that do not
// advance past the last accepted timestamp yield ErrStaleSample. A ping marks
// the partner online.
func (r *Registry) UpdateLocation(ctx context.Context, s models.LocationSample) error {
	var cameOnline bool
	err := r.with(s.PartnerID, true, func(e *entry) error {
		if last := e.p.LastLocation; last != nil && !s.Timestamp.After(last.Timestamp) {
			return apperr.ErrStaleSample
		}
		sample := s
		e.p.LastLocation = &sample
		e.p.LastSeen = r.now()
		if !e.p.Online {
			e.p.Online = true
			cameOnline = true
		}
		return nil
	})
	if err != nil {
		return err
	}
	if cameOnline {
		observability.PartnersOnline.Inc()
	}
	r.mirrorDo(ctx, "upsert_location", s.PartnerID, func(ctx context.Context) error {
		return r.mirror.UpsertLocation(ctx, s)
	})
	return nil
}

// Touch refreshes LastSeen without changing anything else.
func (r *Registry) Touch(partnerID string) {
	_ = r.with(partnerID, false, func(e *entry) error {
		e.p.LastSeen = r.now()
		return nil
	})
}

func (r *Registry) Get(partnerID string) (models.PartnerPresence, bool) {
	var p models.PartnerPresence
	err := r.with(partnerID, false, func(e *entry) error {
		p = copyPresence(e.p)
		return nil
	})
	return p, err == nil
}

func (r *Registry) IsAvailable(partnerID string) bool {
	p, ok := r.Get(partnerID)
	return ok && p.Available()
}

// Reserve binds assignmentID to an online partner without an active
// assignment. It is the compare-and-swap that prevents double booking.
func (r *Registry) Reserve(partnerID, assignmentID string) error {
	err := r.with(partnerID, false, func(e *entry) error {
		if !e.p.Online {
			return apperr.ErrPartnerUnavailable
		}
		if e.p.ActiveAssignmentID != "" && e.p.ActiveAssignmentID != assignmentID {
			return apperr.ErrPartnerUnavailable
		}
		e.p.ActiveAssignmentID = assignmentID
		return nil
	})
	if errors.Is(err, apperr.ErrNotFound) {
		return apperr.ErrPartnerUnavailable
	}
	return err
}

// Restore rebinds an assignment known to the store, used when a partner
// reappears after eviction. Existing bindings win.
func (r *Registry) Restore(partnerID, assignmentID string) bool {
	var ok bool
	_ = r.with(partnerID, true, func(e *entry) error {
		if e.p.ActiveAssignmentID == "" {
			e.p.ActiveAssignmentID = assignmentID
			ok = true
		}
		return nil
	})
	return ok
}

// Release clears the binding if it still points at assignmentID.
func (r *Registry) Release(partnerID, assignmentID string) bool {
	var released bool
	_ = r.with(partnerID, false, func(e *entry) error {
		if e.p.ActiveAssignmentID == assignmentID {
			e.p.ActiveAssignmentID = ""
			released = true
		}
		return nil
	})
	return released
}

// FindWithinRadius returns online, available partners with a known location
// inside radiusKm, nearest first; equal distances put the freshest fix first.
func (r *Registry) FindWithinRadius(lat, lon, radiusKm float64) []Candidate {
	out := make([]Candidate, 0)
	for _, p := range r.Snapshot() {
		if !p.Available() || p.LastLocation == nil {
			continue
		}
		d := geo.DistanceKm(lat, lon, p.LastLocation.Lat, p.LastLocation.Lon)
		if d > radiusKm {
			continue
		}
		out = append(out, Candidate{Presence: p, DistanceKm: d})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].Presence.LastLocation.Timestamp.After(out[j].Presence.LastLocation.Timestamp)
	})
	return out
}

// EvictStale removes entries not seen for longer than ttl and returns them.
func (r *Registry) EvictStale(ctx context.Context, ttl time.Duration) []models.PartnerPresence {
	cutoff := r.now().Add(-ttl)
	var evicted []models.PartnerPresence

	r.mu.Lock()
	for id, e := range r.entries {
		e.mu.Lock()
		if e.p.LastSeen.Before(cutoff) {
			e.removed = true
			delete(r.entries, id)
			evicted = append(evicted, copyPresence(e.p))
		}
		e.mu.Unlock()
	}
	r.mu.Unlock()

	for _, p := range evicted {
		if p.Online {
			observability.PartnersOnline.Dec()
		}
		id := p.PartnerID
		r.mirrorDo(ctx, "remove", id, func(ctx context.Context) error {
			return r.mirror.Remove(ctx, id)
		})
	}
	return evicted
}

// Snapshot copies every entry.
func (r *Registry) Snapshot() []models.PartnerPresence {
	r.mu.RLock()
	list := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		list = append(list, e)
	}
	r.mu.RUnlock()

	out := make([]models.PartnerPresence, 0, len(list))
	for _, e := range list {
		e.mu.Lock()
		if !e.removed {
			out = append(out, copyPresence(e.p))
		}
		e.mu.Unlock()
	}
	return out
}

func (r *Registry) mirrorDo(ctx context.Context, op, partnerID string, fn func(context.Context) error) {
	if r.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.mirrorTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		r.logger.Warn("presence mirror failed", "op", op, "partner_id", partnerID, "error", err)
	}
}

func copyPresence(p models.PartnerPresence) models.PartnerPresence {
	if p.LastLocation != nil {
		l := *p.LastLocation
		p.LastLocation = &l
	}
	return p
}
