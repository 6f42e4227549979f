package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/delivery-dispatch/internal/broadcast"
	"github.com/example/delivery-dispatch/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
)

// Session is one websocket connection. It is the hub sink for everything the
// connection subscribes to and feeds inbound frames to the router.
type Session struct {
	id     string
	conn   *websocket.Conn
	client Client
	router *Router
	hub    *broadcast.Hub
	logger *slog.Logger

	mu sync.Mutex
	wg sync.WaitGroup
}

func NewSession(conn *websocket.Conn, role, partnerID string, router *Router, hub *broadcast.Hub, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		id:     uuid.NewString(),
		conn:   conn,
		router: router,
		hub:    hub,
		logger: logger,
	}
	s.client = Client{Role: role, PartnerID: partnerID, Sink: s}
	return s
}

func (s *Session) ID() string { return s.id }

// Send writes one envelope. Writes are serialized; the hub calls it from the
// session's own mailbox goroutine, the router from handler goroutines.
func (s *Session) Send(env broadcast.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteJSON(env)
}

// Serve subscribes the session to its default topics and reads frames until
// the peer goes away or ctx is done. Each frame is handled on its own
// goroutine.
func (s *Session) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		s.hub.UnsubscribeAll(s.id)
		s.wg.Wait()
		_ = s.conn.Close()
	}()

	for _, topic := range defaultTopics(s.client) {
		if err := s.hub.Subscribe(ctx, topic, s); err != nil {
			return err
		}
	}

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go s.keepalive(ctx)
	go func() {
		<-ctx.Done()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
		_ = s.conn.Close()
	}()

	s.logger.Info("realtime session opened", "session_id", s.id, "role", s.client.Role, "partner_id", s.client.PartnerID)
	for {
		var msg Message
		if err := s.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && ctx.Err() == nil {
				s.logger.Warn("realtime session read failed", "session_id", s.id, "error", err)
			}
			s.logger.Info("realtime session closed", "session_id", s.id)
			return nil
		}
		s.wg.Add(1)
		go func(m Message) {
			defer s.wg.Done()
			_ = s.router.Handle(ctx, s.client, m)
		}(msg)
	}
}

func (s *Session) keepalive(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func defaultTopics(c Client) []string {
	switch c.Role {
	case models.RolePartner:
		return []string{broadcast.PartnerTopic(c.PartnerID)}
	case models.RoleAdmin:
		return []string{
			broadcast.AdminTopic(broadcast.AdminStatus),
			broadcast.AdminTopic(broadcast.AdminEmergency),
			broadcast.AdminTopic(broadcast.AdminAnnouncements),
			broadcast.AdminTopic(broadcast.AdminPartnerStatus),
		}
	}
	return nil
}

var upgrader = websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}

// Handler upgrades /ws requests. Identity comes from the role and partner_id
// query parameters set by the authenticating proxy in front of the service.
// BaseContext bounds every session, typically the server lifetime.
type Handler struct {
	Router      *Router
	Hub         *broadcast.Hub
	Logger      *slog.Logger
	BaseContext context.Context
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	role := strings.ToUpper(r.URL.Query().Get("role"))
	partnerID := r.URL.Query().Get("partner_id")
	switch role {
	case models.RolePartner:
		if partnerID == "" {
			http.Error(w, "partner_id required", http.StatusBadRequest)
			return
		}
	case models.RoleCustomer, models.RoleAdmin:
		partnerID = ""
	default:
		http.Error(w, "unknown role", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied
		return
	}
	ctx := h.BaseContext
	if ctx == nil {
		ctx = context.Background()
	}
	if err := NewSession(conn, role, partnerID, h.Router, h.Hub, h.Logger).Serve(ctx); err != nil && h.Logger != nil {
		h.Logger.Warn("realtime session failed", "error", err)
	}
}
