// Package agent is a reference worker: it dials a coordinator, registers, keeps
// its heartbeat going and hands every other message to a registered handler.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	helpers "github.com/CARTAvis/go-fleet/pkg/shared"
	"github.com/CARTAvis/go-fleet/pkg/shared/defs"
)

const (
	ackTimeout   = 10 * time.Second
	writeTimeout = 10 * time.Second

	fallbackHeartbeatInterval = 15 * time.Second
)

var ErrRegistrationRejected = errors.New("registration rejected")

type Config struct {
	CoordinatorURL string
	// WorkerId defaults to a random uuid
	WorkerId     string
	WorkerName   string
	Capabilities defs.WorkerCapabilities
	AuthToken    string
	Logger       *slog.Logger
	Dialer       *websocket.Dialer
}

// Handler processes one message. Handlers run on the read loop, one at a time.
type Handler func(ctx context.Context, a *Agent, raw []byte) error

type Agent struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	handlers  map[string]Handler
	conn      *websocket.Conn
	sessionId string

	writeMu sync.Mutex
}

func New(cfg Config) *Agent {
	if cfg.WorkerId == "" {
		cfg.WorkerId = uuid.NewString()
	}
	if cfg.WorkerName == "" {
		cfg.WorkerName = cfg.WorkerId
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Agent{
		cfg:      cfg,
		logger:   helpers.OrDiscard(cfg.Logger).With("workerId", cfg.WorkerId),
		handlers: make(map[string]Handler),
	}
}

func (a *Agent) WorkerId() string {
	return a.cfg.WorkerId
}

// SessionId is the id the coordinator assigned on the last successful registration.
func (a *Agent) SessionId() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionId
}

// Handle routes messages of messageType to h, replacing any earlier handler.
func (a *Agent) Handle(messageType string, h Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers[messageType] = h
}

// Send writes msg as a JSON text message to the coordinator.
func (a *Agent) Send(msg any) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// Run connects, registers and serves until ctx ends, which returns nil, or the
// socket closes, which returns the close error.
func (a *Agent) Run(ctx context.Context) error {
	conn, _, err := a.cfg.Dialer.DialContext(ctx, a.cfg.CoordinatorURL, nil)
	if err != nil {
		return fmt.Errorf("could not connect to coordinator at %s: %w", a.cfg.CoordinatorURL, err)
	}
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.conn = nil
		a.mu.Unlock()
		helpers.CloseOrLogWith(a.logger, conn)
	}()

	ack, err := a.register(conn)
	if err != nil {
		return err
	}

	interval := time.Duration(ack.HeartbeatIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = fallbackHeartbeatInterval
	}
	a.logger.Info("Registered with coordinator", "sessionId", ack.SessionId, "heartbeatInterval", interval)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.heartbeatLoop(runCtx, interval)
	}()
	go func() {
		defer wg.Done()
		<-runCtx.Done()
		// unblocks the read loop
		a.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		a.writeMu.Unlock()
		_ = conn.Close()
	}()

	err = a.readLoop(runCtx, conn)
	cancel()
	wg.Wait()

	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (a *Agent) register(conn *websocket.Conn) (defs.WorkerRegistrationAck, error) {
	err := a.Send(defs.WorkerRegistration{
		Type:         defs.TypeWorkerRegistration,
		WorkerId:     a.cfg.WorkerId,
		WorkerName:   a.cfg.WorkerName,
		Capabilities: a.cfg.Capabilities,
		AuthToken:    a.cfg.AuthToken,
	})
	if err != nil {
		return defs.WorkerRegistrationAck{}, fmt.Errorf("sending registration: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(ackTimeout)); err != nil {
		return defs.WorkerRegistrationAck{}, err
	}
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return defs.WorkerRegistrationAck{}, fmt.Errorf("waiting for registration ack: %w", err)
		}
		var ack defs.WorkerRegistrationAck
		if err := json.Unmarshal(message, &ack); err != nil || ack.Type != defs.TypeWorkerRegistrationAck {
			a.logger.Debug("Ignoring message before registration ack")
			continue
		}
		if !ack.Success {
			return ack, fmt.Errorf("%w: %s", ErrRegistrationRejected, ack.Error)
		}

		a.mu.Lock()
		a.sessionId = ack.SessionId
		a.mu.Unlock()
		return ack, nil
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := a.Send(defs.Heartbeat{
				Type:      defs.TypeHeartbeat,
				WorkerId:  a.cfg.WorkerId,
				Timestamp: time.Now().UnixMilli(),
			})
			if err != nil {
				a.logger.Warn("Failed to send heartbeat", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (a *Agent) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var envelope defs.Envelope
		if err := json.Unmarshal(message, &envelope); err != nil {
			a.logger.Warn("Dropping malformed message", "error", err)
			continue
		}

		switch envelope.Type {
		case defs.TypeHeartbeatAck:
			var ack defs.HeartbeatAck
			if err := json.Unmarshal(message, &ack); err == nil {
				a.logger.Debug("Heartbeat acknowledged", "nextDeadline", time.UnixMilli(ack.NextHeartbeatDeadline))
			}
			continue
		case defs.TypeWorkerRegistrationAck:
			a.logger.Warn("Unexpected registration ack")
			continue
		}

		a.mu.Lock()
		h := a.handlers[envelope.Type]
		a.mu.Unlock()
		if h == nil {
			a.logger.Debug("No handler for message", "type", envelope.Type)
			continue
		}
		if err := h(ctx, a, message); err != nil {
			a.logger.Error("Handler failed", "type", envelope.Type, "error", err)
		}
	}
}
