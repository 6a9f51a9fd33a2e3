package pool

import (
	"errors"
	"sync"
	"time"

	"github.com/CARTAvis/go-fleet/pkg/shared/defs"
)

type fakeTransport struct {
	mu        sync.Mutex
	sent      [][]byte
	closeCode int
	closed    bool
	failSend  bool
}

func (f *fakeTransport) Send(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend || f.closed {
		return errors.New("transport closed")
	}
	f.sent = append(f.sent, payload)
	return nil
}

func (f *fakeTransport) Close(code int, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCode = code
	return nil
}

func (f *fakeTransport) messages() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestWorker(p *Pool, id string, maxConcurrent int, models ...string) (*Worker, *fakeTransport) {
	transport := &fakeTransport{}
	w := NewWorker(id, id+"-name", transport, defs.WorkerCapabilities{
		Models:                models,
		MaxConcurrentRequests: maxConcurrent,
	}, "session-"+id, p.Now())
	return w, transport
}

// assertInvariants checks the accounting rules that must hold after every operation.
func assertInvariants(t interface {
	Helper()
	Errorf(string, ...any)
}, info WorkerInfo) {
	t.Helper()
	if info.ActiveRequests != len(info.PendingRequests) {
		t.Errorf("worker %s: activeRequests %d != pending %d", info.Id, info.ActiveRequests, len(info.PendingRequests))
	}
	if info.Status != StatusUnhealthy {
		busy := info.ActiveRequests >= info.Capabilities.MaxConcurrentRequests
		if busy != (info.Status == StatusBusy) {
			t.Errorf("worker %s: status %s with %d/%d active", info.Id, info.Status, info.ActiveRequests, info.Capabilities.MaxConcurrentRequests)
		}
	}
	pending := make(map[string]bool, len(info.PendingRequests))
	for _, id := range info.PendingRequests {
		pending[id] = true
	}
	perCategory := make(map[string]int)
	for requestId, category := range info.RequestCategories {
		if !pending[requestId] {
			t.Errorf("worker %s: category entry for non-pending request %s", info.Id, requestId)
		}
		perCategory[category]++
	}
	for category, n := range info.CategoryActiveRequests {
		if n > 0 && perCategory[category] != n {
			t.Errorf("worker %s: category %s count %d backed by %d requests", info.Id, category, n, perCategory[category])
		}
	}
}
