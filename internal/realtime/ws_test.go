package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/delivery-dispatch/internal/emergency"
	"github.com/example/delivery-dispatch/internal/ingest"
)

type wireEnvelope struct {
	Kind    string          `json:"kind"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, kind string) wireEnvelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var env wireEnvelope
		require.NoError(t, conn.ReadJSON(&env))
		if env.Kind == kind {
			return env
		}
	}
}

func newWSServer(t *testing.T) *httptest.Server {
	t.Helper()
	r, e := newRouter(t)
	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(&Handler{Router: r, Hub: e.Hub, BaseContext: ctx})
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return srv
}

func TestWebsocketPartnerSession(t *testing.T) {
	srv := newWSServer(t)
	conn := dial(t, srv, "role=partner&partner_id=P1")

	require.NoError(t, conn.WriteJSON(Message{Kind: KindPing, RequestID: "1"}))
	readUntil(t, conn, KindPong)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"kind": KindLocation,
		"data": map[string]any{"lat": 12.97, "lon": 77.59, "timestamp": time.Now().Add(-time.Second)},
	}))
	env := readUntil(t, conn, ingest.KindAck)
	assert.Equal(t, "partner:P1", env.Topic)
	var ack ingest.Ack
	require.NoError(t, json.Unmarshal(env.Payload, &ack))
	assert.Equal(t, ingest.AckConfirmed, ack.Status)

	require.NoError(t, conn.WriteJSON(Message{Kind: "warp"}))
	readUntil(t, conn, KindError)
}

func TestWebsocketEmergencyReachesAdmin(t *testing.T) {
	srv := newWSServer(t)
	admin := dial(t, srv, "role=admin")
	partner := dial(t, srv, "role=partner&partner_id=P1")

	// both sessions finish subscribing before the first frame is read
	require.NoError(t, admin.WriteJSON(Message{Kind: KindPing}))
	readUntil(t, admin, KindPong)
	require.NoError(t, partner.WriteJSON(Message{Kind: KindPing}))
	readUntil(t, partner, KindPong)

	require.NoError(t, partner.WriteJSON(map[string]any{
		"kind": KindEmergency,
		"data": map[string]any{"type": "medical", "lat": 1, "lon": 2},
	}))
	env := readUntil(t, admin, emergency.KindAlert)
	assert.Equal(t, "admin:emergency", env.Topic)

	ackEnv := readUntil(t, partner, emergency.KindAck)
	var ack emergency.Ack
	require.NoError(t, json.Unmarshal(ackEnv.Payload, &ack))
	assert.Equal(t, emergency.AckMessage, ack.Message)
}

func TestWebsocketRejectsUnknownRole(t *testing.T) {
	srv := newWSServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?role=root"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
