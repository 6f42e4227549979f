package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/delivery-dispatch/internal/apperr"
	"github.com/example/delivery-dispatch/internal/engine"
	"github.com/example/delivery-dispatch/internal/geo"
	"github.com/example/delivery-dispatch/internal/models"
)

// HealthCheck is run by /healthz, e.g. a Redis or Postgres ping.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type Server struct {
	engine *engine.Engine
	ws     http.Handler
	checks []HealthCheck
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(eng *engine.Engine, ws http.Handler, logger *slog.Logger, checks ...HealthCheck) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{engine: eng, ws: ws, checks: checks, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/assignments", s.handleCreateAssignment).Methods(http.MethodPost)
	api.HandleFunc("/assignments/{id}", s.handleGetAssignment).Methods(http.MethodGet)
	api.HandleFunc("/assignments/{id}/tracking", s.handleTracking).Methods(http.MethodGet)
	api.HandleFunc("/assignments/{id}/route", s.handleRoute).Methods(http.MethodGet)
	api.HandleFunc("/assignments/{id}/offer", s.handleOffer).Methods(http.MethodPost)
	api.HandleFunc("/assignments/{id}/dispatch", s.handleAutoDispatch).Methods(http.MethodPost)
	api.HandleFunc("/assignments/{id}/status", s.handleAdvanceStatus).Methods(http.MethodPost)
	api.HandleFunc("/assignments/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/partners/nearby", s.handleNearby).Methods(http.MethodGet)
	api.HandleFunc("/partners/{id}/messages", s.handlePartnerMessage).Methods(http.MethodPost)
	api.HandleFunc("/admin/announcements", s.handleAnnounce).Methods(http.MethodPost)

	s.mux.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	if s.ws != nil {
		s.mux.Handle("/ws", s.ws)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type createAssignmentRequest struct {
	OrderID      string `json:"order_id"`
	AutoDispatch bool   `json:"auto_dispatch"`
}

func (s *Server) handleCreateAssignment(w http.ResponseWriter, r *http.Request) {
	var req createAssignmentRequest
	if !s.decode(w, r, &req) {
		return
	}
	a, err := s.engine.Dispatcher.CreateAssignment(r.Context(), req.OrderID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.AutoDispatch {
		offered, err := s.engine.Matcher.AutoOffer(r.Context(), a.ID)
		switch {
		case err == nil:
			a = offered
		case errors.Is(err, apperr.ErrPartnerUnavailable):
			// stays PENDING for a later dispatch
		default:
			s.logger.Warn("auto dispatch failed", "assignment_id", a.ID, "error", err)
		}
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleGetAssignment(w http.ResponseWriter, r *http.Request) {
	a, err := s.engine.Dispatcher.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleTracking(w http.ResponseWriter, r *http.Request) {
	t, err := s.engine.GetLatestTracking(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.engine.Dispatcher.Get(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"assignment_id": id,
		"points":        s.engine.Ingest.Track(id),
	})
}

type offerRequest struct {
	PartnerID string `json:"partner_id"`
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	var req offerRequest
	if !s.decode(w, r, &req) {
		return
	}
	a, err := s.engine.Dispatcher.OfferToPartner(r.Context(), mux.Vars(r)["id"], req.PartnerID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleAutoDispatch(w http.ResponseWriter, r *http.Request) {
	a, err := s.engine.Matcher.AutoOffer(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type statusRequest struct {
	Status string `json:"status"`
	Actor  string `json:"actor"`
}

func (s *Server) handleAdvanceStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if !s.decode(w, r, &req) {
		return
	}
	target, ok := models.ParseStatus(req.Status)
	if !ok {
		s.writeError(w, r, fmt.Errorf("status %q: %w", req.Status, apperr.ErrInvalid))
		return
	}
	actor := req.Actor
	if actor == "" {
		actor = "admin"
	}
	a, err := s.engine.Dispatcher.AdvanceStatus(r.Context(), mux.Vars(r)["id"], target, actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	a, err := s.engine.Dispatcher.Cancel(r.Context(), mux.Vars(r)["id"], req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lon, errLon := strconv.ParseFloat(q.Get("lon"), 64)
	if errLat != nil || errLon != nil || !geo.ValidCoord(lat, lon) {
		s.writeError(w, r, fmt.Errorf("lat/lon: %w", apperr.ErrInvalid))
		return
	}
	radius := 5.0
	if v := q.Get("radius_km"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			s.writeError(w, r, fmt.Errorf("radius_km: %w", apperr.ErrInvalid))
			return
		}
		radius = f
	}
	limit := 20
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, r, fmt.Errorf("limit: %w", apperr.ErrInvalid))
			return
		}
		limit = n
	}
	cands := s.engine.Presence.FindWithinRadius(lat, lon, radius)
	if len(cands) > limit {
		cands = cands[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{"partners": cands, "count": len(cands)})
}

type messageRequest struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

func (s *Server) handlePartnerMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if !s.decode(w, r, &req) {
		return
	}
	m, err := s.engine.SendToPartner(mux.Vars(r)["id"], req.Message)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, m)
}

func (s *Server) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if !s.decode(w, r, &req) {
		return
	}
	a, err := s.engine.Announce(req.Message, req.Type)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, a)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]string{}
	code := http.StatusOK
	for _, c := range s.checks {
		if err := c.Check(ctx); err != nil {
			status[c.Name] = err.Error()
			code = http.StatusServiceUnavailable
			continue
		}
		status[c.Name] = "ok"
	}
	writeJSON(w, code, map[string]any{"status": http.StatusText(code), "checks": status})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, r, fmt.Errorf("body: %v: %w", err, apperr.ErrInvalid))
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperr.HTTPStatus(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error(), "code": apperr.Code(err)})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func newID() string { return uuid.NewString() }
