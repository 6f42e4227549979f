package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/delivery-dispatch/internal/engine"
	"github.com/example/delivery-dispatch/internal/models"
	"github.com/example/delivery-dispatch/internal/storage"
)

func newTestServer(t *testing.T, checks ...HealthCheck) (*Server, *engine.Engine) {
	t.Helper()
	e := engine.New(engine.Config{}, engine.Deps{
		Repo: storage.NewMemoryStore(),
		Orders: storage.NewMemoryOrders(
			models.Order{ID: "O1", Pickup: models.Coord{Lat: 12.9716, Lon: 77.5946}},
		),
	})
	t.Cleanup(e.Close)
	return NewServer(e, nil, nil, checks...), e
}

func do(t *testing.T, s http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decodeAssignment(t *testing.T, rec *httptest.ResponseRecorder) models.Assignment {
	t.Helper()
	var a models.Assignment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &a))
	return a
}

func TestAssignmentLifecycleOverHTTP(t *testing.T) {
	s, e := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, e.SetPresence(ctx, "P1", true))

	rec := do(t, s, http.MethodPost, "/api/v1/assignments", map[string]any{"order_id": "O1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	a := decodeAssignment(t, rec)
	assert.Equal(t, models.StatusPending, a.Status)

	rec = do(t, s, http.MethodPost, "/api/v1/assignments", map[string]any{"order_id": "O1"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/assignments/"+a.ID+"/offer", map[string]any{"partner_id": "P1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, models.StatusAssigned, decodeAssignment(t, rec).Status)

	rec = do(t, s, http.MethodPost, "/api/v1/assignments/"+a.ID+"/status", map[string]any{"status": "PICKED_UP"})
	assert.Equal(t, http.StatusConflict, rec.Code, "must be accepted first")

	rec = do(t, s, http.MethodPost, "/api/v1/assignments/"+a.ID+"/status", map[string]any{"status": "ACCEPTED", "actor": "P1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	_, err := e.Ingest.Ingest(ctx, models.LocationSample{
		PartnerID: "P1", AssignmentID: a.ID, Lat: 12.972, Lon: 77.595, Timestamp: time.Now().Add(-time.Second),
	})
	require.NoError(t, err)

	rec = do(t, s, http.MethodGet, "/api/v1/assignments/"+a.ID+"/tracking", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var tr models.Tracking
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tr))
	assert.Equal(t, models.StatusAccepted, tr.Status)
	require.NotNil(t, tr.LastLocation)

	rec = do(t, s, http.MethodGet, "/api/v1/assignments/"+a.ID+"/route", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var route struct {
		Points []models.LocationSample `json:"points"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &route))
	assert.Len(t, route.Points, 1)

	rec = do(t, s, http.MethodPost, "/api/v1/assignments/"+a.ID+"/cancel", map[string]any{"reason": "shop closed"})
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeAssignment(t, rec)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Equal(t, "shop closed", got.CancelReason)

	rec = do(t, s, http.MethodGet, "/api/v1/assignments/"+a.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAutoDispatchAndNearby(t *testing.T) {
	s, e := newTestServer(t)
	ctx := context.Background()
	_, err := e.Ingest.Ingest(ctx, models.LocationSample{PartnerID: "P1", Lat: 12.972, Lon: 77.595, Timestamp: time.Now()})
	require.NoError(t, err)

	rec := do(t, s, http.MethodGet, "/api/v1/partners/nearby?lat=12.9716&lon=77.5946&radius_km=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var nearby struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &nearby))
	assert.Equal(t, 1, nearby.Count)

	rec = do(t, s, http.MethodGet, "/api/v1/partners/nearby?lat=abc&lon=1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/assignments", map[string]any{"order_id": "O1", "auto_dispatch": true})
	require.Equal(t, http.StatusCreated, rec.Code)
	a := decodeAssignment(t, rec)
	assert.Equal(t, models.StatusAssigned, a.Status)
	assert.Equal(t, "P1", a.PartnerID)

	rec = do(t, s, http.MethodPost, "/api/v1/assignments/"+a.ID+"/dispatch", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestErrorsMapToStatusCodes(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/api/v1/assignments/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "not_found", body["code"])

	req := httptest.NewRequest(http.MethodPost, "/api/v1/assignments", bytes.NewBufferString("{"))
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/assignments/x/status", map[string]any{"status": "LOST"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminMessaging(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/v1/admin/announcements", map[string]any{"message": "maintenance at 2am"})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	rec = do(t, s, http.MethodPost, "/api/v1/admin/announcements", map[string]any{"message": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/partners/P1/messages", map[string]any{"message": "call the shop"})
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	s, _ := newTestServer(t, HealthCheck{Name: "redis", Check: func(context.Context) error { return nil }})
	rec := do(t, s, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "delivery_dispatch_http_requests_total")

	down, _ := newTestServer(t, HealthCheck{Name: "postgres", Check: func(context.Context) error { return errors.New("refused") }})
	rec = do(t, down, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRequestIDPropagates(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))

	rec = do(t, s, http.MethodGet, "/healthz", nil)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}
