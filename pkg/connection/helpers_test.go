package connection

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/CARTAvis/go-fleet/pkg/pool"
	"github.com/CARTAvis/go-fleet/pkg/shared/defs"
)

type testServer struct {
	pool    *pool.Pool
	handler *Handler
	server  *httptest.Server
	url     string
}

func newTestServer(t *testing.T, p *pool.Pool, cfg Config) *testServer {
	t.Helper()
	if p == nil {
		p = pool.New()
	}
	h := NewHandler(p, cfg)
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.HandleConnection(conn)
	}))
	t.Cleanup(func() {
		h.Shutdown(defs.CloseServerShutdown, "test done")
		srv.Close()
	})

	return &testServer{
		pool:    p,
		handler: h,
		server:  srv,
		url:     "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func (s *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func writeJSON(t *testing.T, conn *websocket.Conn, msg any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

func readJSON[T any](t *testing.T, conn *websocket.Conn) T {
	t.Helper()
	var out T
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

// readCloseCode reads until the peer's close frame arrives.
func readCloseCode(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		require.ErrorAs(t, err, &closeErr)
		return closeErr.Code
	}
}

func registration(id string, token string, models ...string) defs.WorkerRegistration {
	return defs.WorkerRegistration{
		Type:       defs.TypeWorkerRegistration,
		WorkerId:   id,
		WorkerName: id + "-name",
		Capabilities: defs.WorkerCapabilities{
			Models:                models,
			MaxConcurrentRequests: 2,
		},
		AuthToken: token,
	}
}

func register(t *testing.T, conn *websocket.Conn, id string) defs.WorkerRegistrationAck {
	t.Helper()
	writeJSON(t, conn, registration(id, "", "llama"))
	ack := readJSON[defs.WorkerRegistrationAck](t, conn)
	require.Equal(t, defs.TypeWorkerRegistrationAck, ack.Type)
	require.True(t, ack.Success, ack.Error)
	return ack
}

type lifecycleEvent struct {
	kind      string
	workerId  string
	sessionId string
	pending   []string
}

type eventLog struct {
	mu     sync.Mutex
	events []lifecycleEvent
}

func recordLifecycle(h *Handler) *eventLog {
	log := &eventLog{}
	h.OnWorkerConnected(func(info pool.WorkerInfo) error {
		log.add(lifecycleEvent{kind: "connected", workerId: info.Id, sessionId: info.SessionId})
		return nil
	})
	h.OnWorkerDisconnected(func(info pool.WorkerInfo, pending []string) error {
		log.add(lifecycleEvent{kind: "disconnected", workerId: info.Id, sessionId: info.SessionId, pending: pending})
		return nil
	})
	return log
}

func (l *eventLog) add(e lifecycleEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) snapshot() []lifecycleEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]lifecycleEvent(nil), l.events...)
}

func (l *eventLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}
