package pool

import (
	"encoding/json"
	"log/slog"
	"slices"
	"sync"
	"time"

	helpers "github.com/CARTAvis/go-fleet/pkg/shared"
)

type Option func(*Pool)

// WithClock replaces time.Now, used by tests to age heartbeats.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) { p.logger = helpers.OrDiscard(logger) }
}

// Pool is the authoritative store of connected workers.
type Pool struct {
	mu      sync.RWMutex
	workers map[string]*Worker
	// registration order, used to break selection ties deterministically
	order []string
	// request id -> worker id, kept in step with every worker's PendingRequests
	requestIndex map[string]string

	logger *slog.Logger
	now    func() time.Time
}

func New(opts ...Option) *Pool {
	p := &Pool{
		workers:      make(map[string]*Worker),
		requestIndex: make(map[string]string),
		logger:       helpers.OrDiscard(nil),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Now is the pool's clock.
func (p *Pool) Now() time.Time {
	return p.now()
}

// Add inserts w, replacing any record already stored under the same id.
func (p *Pool) Add(w *Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.workers[w.Id]; exists {
		p.removeLocked(w.Id)
	}
	p.workers[w.Id] = w
	p.order = append(p.order, w.Id)
	for requestId := range w.PendingRequests {
		p.requestIndex[requestId] = w.Id
	}
	p.logger.Info("Worker added", "workerId", w.Id, "name", w.Name, "sessionId", w.SessionId)
}

// Remove deletes the worker and returns its final state.
func (p *Pool) Remove(id string) (WorkerInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.workers[id]
	if !ok {
		return WorkerInfo{}, false
	}
	info := w.info()
	p.removeLocked(id)
	return info, true
}

// RemoveSession is Remove, but only when the stored record still belongs to sessionId.
// A socket that was replaced must not evict its replacement.
func (p *Pool) RemoveSession(id, sessionId string) (WorkerInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.workers[id]
	if !ok || w.SessionId != sessionId {
		return WorkerInfo{}, false
	}
	info := w.info()
	p.removeLocked(id)
	return info, true
}

func (p *Pool) removeLocked(id string) {
	w := p.workers[id]
	for requestId := range w.PendingRequests {
		if p.requestIndex[requestId] == id {
			delete(p.requestIndex, requestId)
		}
	}
	delete(p.workers, id)
	p.order = slices.DeleteFunc(p.order, func(o string) bool { return o == id })
	p.logger.Info("Worker removed", "workerId", id, "sessionId", w.SessionId)
}

func (p *Pool) Get(id string) (WorkerInfo, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	w, ok := p.workers[id]
	if !ok {
		return WorkerInfo{}, false
	}
	return w.info(), true
}

func (p *Pool) Has(id string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	_, ok := p.workers[id]
	return ok
}

// List returns every worker in registration order.
func (p *Pool) List() []WorkerInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()

	infos := make([]WorkerInfo, 0, len(p.order))
	for _, id := range p.order {
		infos = append(infos, p.workers[id].info())
	}
	return infos
}

func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

func (p *Pool) CountByStatus() map[Status]int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	counts := map[Status]int{StatusAvailable: 0, StatusBusy: 0, StatusUnhealthy: 0}
	for _, w := range p.workers {
		counts[w.Status]++
	}
	return counts
}

// Send delivers msg as JSON. Failures are reported by the return value only,
// a dead peer is evicted by health checking anyway.
func (p *Pool) Send(id string, msg any) bool {
	p.mu.RLock()
	w, ok := p.workers[id]
	var transport Transport
	if ok {
		transport = w.Transport
	}
	p.mu.RUnlock()

	if !ok || transport == nil {
		return false
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		p.logger.Warn("Failed to encode message", "workerId", id, "error", err)
		return false
	}
	if err := transport.Send(payload); err != nil {
		p.logger.Debug("Failed to send message", "workerId", id, "error", err)
		return false
	}
	return true
}

// Broadcast sends msg to every worker, skipping the ones that fail.
func (p *Pool) Broadcast(msg any) {
	payload, err := json.Marshal(msg)
	if err != nil {
		p.logger.Warn("Failed to encode broadcast", "error", err)
		return
	}

	for id, transport := range p.transports() {
		if err := transport.Send(payload); err != nil {
			p.logger.Debug("Failed to broadcast to worker", "workerId", id, "error", err)
		}
	}
}

// Disconnect closes the worker's transport. The record itself goes away through
// the connection's close path.
func (p *Pool) Disconnect(id string, code int, reason string) bool {
	p.mu.RLock()
	w, ok := p.workers[id]
	var transport Transport
	if ok {
		transport = w.Transport
	}
	p.mu.RUnlock()

	if !ok || transport == nil {
		return false
	}
	if err := transport.Close(code, reason); err != nil {
		p.logger.Debug("Error closing worker transport", "workerId", id, "error", err)
	}
	return true
}

// CloseAll closes every transport and clears the pool without any per-worker
// bookkeeping. Only meant for shutdown.
func (p *Pool) CloseAll(code int, reason string) {
	transports := p.transports()

	p.mu.Lock()
	p.workers = make(map[string]*Worker)
	p.order = nil
	p.requestIndex = make(map[string]string)
	p.mu.Unlock()

	for id, transport := range transports {
		if err := transport.Close(code, reason); err != nil {
			p.logger.Debug("Error closing worker transport", "workerId", id, "error", err)
		}
	}
	p.logger.Info("Closed all workers", "count", len(transports))
}

func (p *Pool) transports() map[string]Transport {
	p.mu.RLock()
	defer p.mu.RUnlock()

	transports := make(map[string]Transport, len(p.workers))
	for id, w := range p.workers {
		if w.Transport != nil {
			transports[id] = w.Transport
		}
	}
	return transports
}
