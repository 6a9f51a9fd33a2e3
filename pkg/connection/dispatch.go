package connection

import (
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/CARTAvis/go-fleet/pkg/pool"
)

// MessageHandler receives every message of a subscribed type together with the
// sending worker's public info. raw is the complete JSON message.
type MessageHandler func(info pool.WorkerInfo, raw []byte) error

type ConnectedHandler func(info pool.WorkerInfo) error

// DisconnectedHandler receives the worker's pending request ids as they were at
// the moment it went away, so in-flight work can be failed or re-routed.
type DisconnectedHandler func(info pool.WorkerInfo, pendingRequests []string) error

type subscription[T any] struct {
	id uint64
	fn T
}

type subscriptions struct {
	mu           sync.RWMutex
	nextId       uint64
	messages     map[string][]subscription[MessageHandler]
	connected    []subscription[ConnectedHandler]
	disconnected []subscription[DisconnectedHandler]
}

func newSubscriptions() subscriptions {
	return subscriptions{messages: make(map[string][]subscription[MessageHandler])}
}

func removeSubscription[T any](subs []subscription[T], id uint64) []subscription[T] {
	for i, s := range subs {
		if s.id == id {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}
	return subs
}

// OnMessage subscribes handler to messageType. Handlers for one type run in the
// order they were added. The returned func unsubscribes.
//
// All handlers run on the sending socket's read goroutine, which Stop waits
// for. A handler that wants to stop the coordinator has to do it from a new
// goroutine.
func (h *Handler) OnMessage(messageType string, handler MessageHandler) func() {
	s := &h.subs
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextId++
	id := s.nextId
	s.messages[messageType] = append(s.messages[messageType], subscription[MessageHandler]{id: id, fn: handler})

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.messages[messageType] = removeSubscription(s.messages[messageType], id)
		if len(s.messages[messageType]) == 0 {
			delete(s.messages, messageType)
		}
	}
}

// OnWorkerConnected fires once the registration ack has been sent, outside the
// registration lock. Handlers may add or remove other workers.
func (h *Handler) OnWorkerConnected(handler ConnectedHandler) func() {
	s := &h.subs
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextId++
	id := s.nextId
	s.connected = append(s.connected, subscription[ConnectedHandler]{id: id, fn: handler})

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.connected = removeSubscription(s.connected, id)
	}
}

func (h *Handler) OnWorkerDisconnected(handler DisconnectedHandler) func() {
	s := &h.subs
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextId++
	id := s.nextId
	s.disconnected = append(s.disconnected, subscription[DisconnectedHandler]{id: id, fn: handler})

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.disconnected = removeSubscription(s.disconnected, id)
	}
}

func (h *Handler) dispatch(conn *websocket.Conn, messageType string, raw []byte) {
	h.mu.Lock()
	state := h.conns[conn]
	var workerId string
	if state != nil {
		workerId = state.workerId
	}
	h.mu.Unlock()

	if workerId == "" {
		h.logger.Warn("Dropping message from unregistered socket", "type", messageType)
		return
	}
	info, ok := h.pool.Get(workerId)
	if !ok {
		h.logger.Warn("Dropping message from removed worker", "type", messageType, "workerId", workerId)
		return
	}

	h.subs.mu.RLock()
	handlers := append([]subscription[MessageHandler](nil), h.subs.messages[messageType]...)
	h.subs.mu.RUnlock()

	if len(handlers) == 0 {
		h.logger.Debug("Unhandled message type", "type", messageType, "workerId", workerId)
		return
	}

	for _, s := range handlers {
		h.safeCall("message", []any{"type", messageType, "workerId", workerId}, func() error {
			return s.fn(info, raw)
		})
	}
}

func (h *Handler) notifyConnected(info pool.WorkerInfo) {
	h.subs.mu.RLock()
	handlers := append([]subscription[ConnectedHandler](nil), h.subs.connected...)
	h.subs.mu.RUnlock()

	for _, s := range handlers {
		h.safeCall("connected", []any{"workerId", info.Id}, func() error {
			return s.fn(info)
		})
	}
}

func (h *Handler) notifyDisconnected(info pool.WorkerInfo) {
	h.subs.mu.RLock()
	handlers := append([]subscription[DisconnectedHandler](nil), h.subs.disconnected...)
	h.subs.mu.RUnlock()

	for _, s := range handlers {
		pending := append([]string(nil), info.PendingRequests...)
		h.safeCall("disconnected", []any{"workerId", info.Id}, func() error {
			return s.fn(info, pending)
		})
	}
}

// turnstile lets lifecycle callbacks leave the registration lock and still run
// one at a time in the order the registry changed. The zero value is ready.
type turnstile struct {
	mu      sync.Mutex
	cond    *sync.Cond
	next    uint64
	serving uint64
}

func (t *turnstile) init() {
	if t.cond == nil {
		t.cond = sync.NewCond(&t.mu)
	}
}

// take must be called while the registry change it reports is still locked.
func (t *turnstile) take() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.next
	t.next++
	return n
}

func (t *turnstile) wait(n uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.init()
	for t.serving != n {
		t.cond.Wait()
	}
}

func (t *turnstile) done() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.init()
	t.serving++
	t.cond.Broadcast()
}

// safeCall runs an external callback. Errors and panics are logged and never
// reach the read loop.
func (h *Handler) safeCall(kind string, attrs []any, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("Handler panicked", append(attrs, "handler", kind, "panic", fmt.Sprint(r))...)
		}
	}()

	if err := fn(); err != nil {
		h.logger.Error("Handler failed", append(attrs, "handler", kind, "error", err)...)
	}
}
