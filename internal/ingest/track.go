package ingest

import (
	"sync"
	"time"

	"github.com/example/delivery-dispatch/internal/models"
)

const defaultTrackLimit = 500

// TrackStore keeps the most recent samples of each assignment's route.
type TrackStore struct {
	mu     sync.RWMutex
	limit  int
	tracks map[string][]models.LocationSample
}

func NewTrackStore(limit int) *TrackStore {
	if limit <= 0 {
		limit = defaultTrackLimit
	}
	return &TrackStore{limit: limit, tracks: make(map[string][]models.LocationSample)}
}

// Append adds s to the route. Samples not newer than the current tail are
// refused so the route and its latest point only move forward in time.
func (t *TrackStore) Append(assignmentID string, s models.LocationSample) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	tr := t.tracks[assignmentID]
	if n := len(tr); n > 0 && !s.Timestamp.After(tr[n-1].Timestamp) {
		return false
	}
	tr = append(tr, s)
	if over := len(tr) - t.limit; over > 0 {
		tr = append(tr[:0:0], tr[over:]...)
	}
	t.tracks[assignmentID] = tr
	return true
}

// Track returns a copy of the stored route, oldest first.
func (t *TrackStore) Track(assignmentID string) []models.LocationSample {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tr := t.tracks[assignmentID]
	out := make([]models.LocationSample, len(tr))
	copy(out, tr)
	return out
}

func (t *TrackStore) Latest(assignmentID string) (models.LocationSample, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tr := t.tracks[assignmentID]
	if len(tr) == 0 {
		return models.LocationSample{}, false
	}
	return tr[len(tr)-1], true
}

// Prune drops routes whose last sample is older than cutoff.
func (t *TrackStore) Prune(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, tr := range t.tracks {
		if len(tr) == 0 || tr[len(tr)-1].Timestamp.Before(cutoff) {
			delete(t.tracks, id)
			n++
		}
	}
	return n
}
