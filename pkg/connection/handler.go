// Package connection speaks the worker wire protocol on one socket at a time:
// registration, heartbeats, and dispatch of everything else by message type.
package connection

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/CARTAvis/go-fleet/pkg/auth"
	"github.com/CARTAvis/go-fleet/pkg/pool"
	helpers "github.com/CARTAvis/go-fleet/pkg/shared"
	"github.com/CARTAvis/go-fleet/pkg/shared/defs"
)

const DefaultHeartbeatInterval = 15 * time.Second

type Config struct {
	// HeartbeatInterval is advertised to workers in the registration ack
	HeartbeatInterval time.Duration
	// Verifier checks registration tokens. Nil leaves registration open.
	Verifier auth.Verifier
	Logger   *slog.Logger
}

// connState is what the handler knows about one socket. workerId is empty until
// the socket registers, and cleared again when its record is retired.
type connState struct {
	transport *wsTransport
	workerId  string
	sessionId string
	logger    *slog.Logger
}

type Handler struct {
	pool   *pool.Pool
	cfg    Config
	logger *slog.Logger

	// regMu serializes registration and teardown. Lifecycle callbacks run after it
	// is released, in the order their turns were taken under it.
	regMu sync.Mutex
	turns turnstile

	mu sync.Mutex
	// socket -> worker and worker -> socket, always updated together
	conns   map[*websocket.Conn]*connState
	workers map[string]*websocket.Conn

	subs subscriptions
}

func NewHandler(p *pool.Pool, cfg Config) *Handler {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return &Handler{
		pool:    p,
		cfg:     cfg,
		logger:  helpers.OrDiscard(cfg.Logger),
		conns:   make(map[*websocket.Conn]*connState),
		workers: make(map[string]*websocket.Conn),
		subs:    newSubscriptions(),
	}
}

// HandleConnection runs the read loop for a freshly accepted socket and returns once
// it has closed. Messages are handled one at a time in arrival order.
func (h *Handler) HandleConnection(conn *websocket.Conn) {
	state := &connState{
		transport: newTransport(conn),
		logger:    h.logger.With("remoteAddr", conn.RemoteAddr().String()),
	}

	h.mu.Lock()
	h.conns[conn] = state
	h.mu.Unlock()

	state.logger.Debug("Worker socket connected")
	defer h.handleClose(conn)

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				state.logger.Warn("Error reading message", "error", err)
			} else {
				state.logger.Debug("Socket closed", "error", err)
			}
			return
		}

		if messageType != websocket.TextMessage {
			state.logger.Warn("Ignoring non-text message", "type", messageType)
			continue
		}

		h.handleMessage(conn, state, message)
	}
}

func (h *Handler) handleMessage(conn *websocket.Conn, state *connState, message []byte) {
	var envelope defs.Envelope
	if err := json.Unmarshal(message, &envelope); err != nil {
		state.logger.Warn("Dropping malformed message", "error", err)
		return
	}
	if envelope.Type == "" {
		state.logger.Warn("Dropping message without type")
		return
	}

	switch envelope.Type {
	case defs.TypeWorkerRegistration:
		h.handleRegistration(conn, state, message)
	case defs.TypeHeartbeat:
		h.handleHeartbeat(state, message)
	default:
		h.dispatch(conn, envelope.Type, message)
	}
}

func (h *Handler) handleHeartbeat(state *connState, message []byte) {
	var heartbeat defs.Heartbeat
	if err := json.Unmarshal(message, &heartbeat); err != nil {
		state.logger.Warn("Dropping malformed heartbeat", "error", err)
		return
	}

	if _, ok := h.pool.Heartbeat(heartbeat.WorkerId); !ok {
		state.logger.Warn("Heartbeat from unknown worker", "workerId", heartbeat.WorkerId)
		return
	}

	now := h.pool.Now()
	h.send(state, defs.HeartbeatAck{
		Type:                  defs.TypeHeartbeatAck,
		Timestamp:             now.UnixMilli(),
		NextHeartbeatDeadline: now.Add(h.cfg.HeartbeatInterval).UnixMilli(),
	})
}

// handleClose retires the socket's worker, if it still has one.
func (h *Handler) handleClose(conn *websocket.Conn) {
	h.regMu.Lock()

	h.mu.Lock()
	state := h.conns[conn]
	delete(h.conns, conn)
	var workerId, sessionId string
	if state != nil {
		workerId, sessionId = state.workerId, state.sessionId
		if workerId != "" && h.workers[workerId] == conn {
			delete(h.workers, workerId)
		}
	}
	h.mu.Unlock()

	if state != nil {
		_ = state.transport.Close(defs.CloseNormal, "")
	}

	if workerId == "" {
		h.regMu.Unlock()
		h.logger.Debug("Unregistered socket closed")
		return
	}

	info, ok := h.pool.RemoveSession(workerId, sessionId)
	if !ok {
		h.regMu.Unlock()
		h.logger.Debug("Socket closed after its worker was already removed", "workerId", workerId)
		return
	}

	turn := h.turns.take()
	h.regMu.Unlock()
	h.turns.wait(turn)
	defer h.turns.done()

	h.logger.Info("Worker disconnected", "workerId", workerId, "pendingRequests", len(info.PendingRequests))
	h.notifyDisconnected(info)
}

// Shutdown closes every socket still open, registered or not, without firing
// any notifications.
func (h *Handler) Shutdown(code int, reason string) {
	h.mu.Lock()
	transports := make([]*wsTransport, 0, len(h.conns))
	for _, state := range h.conns {
		state.workerId = ""
		transports = append(transports, state.transport)
	}
	h.workers = make(map[string]*websocket.Conn)
	h.mu.Unlock()

	for _, t := range transports {
		if err := t.Close(code, reason); err != nil {
			h.logger.Debug("Error closing socket", "error", err)
		}
	}
}

// ConnectionCount is the number of open sockets, registered or not.
func (h *Handler) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *Handler) send(state *connState, msg any) bool {
	payload, err := json.Marshal(msg)
	if err != nil {
		state.logger.Error("Failed to encode message", "error", err)
		return false
	}
	if err := state.transport.Send(payload); err != nil {
		state.logger.Warn("Failed to send message", "error", err)
		return false
	}
	return true
}
