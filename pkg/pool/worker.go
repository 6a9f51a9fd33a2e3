// Package pool is the in-memory registry of connected workers. It owns worker
// records exclusively and only ever hands out WorkerInfo copies.
package pool

import (
	"math"
	"slices"
	"time"

	"github.com/CARTAvis/go-fleet/pkg/shared/defs"
)

type Status string

const (
	StatusAvailable Status = "available"
	StatusBusy      Status = "busy"
	StatusUnhealthy Status = "unhealthy"
)

// Transport is the write side of one worker connection.
type Transport interface {
	Send(payload []byte) error
	Close(code int, reason string) error
}

// Worker is a connected worker record. Fields are only mutated by Pool methods
// once the worker has been added.
type Worker struct {
	Id           string
	Name         string
	Transport    Transport
	Capabilities defs.WorkerCapabilities
	Status       Status
	SessionId    string
	ConnectedAt  time.Time
	// LastHeartbeat starts at ConnectedAt
	LastHeartbeat          time.Time
	ActiveRequests         int
	PendingRequests        map[string]struct{}
	CompletedRequests      int
	RequestCategories      map[string]string
	CategoryActiveRequests map[string]int
}

func NewWorker(id, name string, transport Transport, capabilities defs.WorkerCapabilities, sessionId string, now time.Time) *Worker {
	return &Worker{
		Id:                     id,
		Name:                   name,
		Transport:              transport,
		Capabilities:           capabilities,
		Status:                 StatusAvailable,
		SessionId:              sessionId,
		ConnectedAt:            now,
		LastHeartbeat:          now,
		PendingRequests:        make(map[string]struct{}),
		RequestCategories:      make(map[string]string),
		CategoryActiveRequests: make(map[string]int),
	}
}

// WorkerInfo is the public projection of a Worker: everything except the transport.
// Collections are copies, PendingRequests is sorted.
type WorkerInfo struct {
	Id                     string                  `json:"id"`
	Name                   string                  `json:"name"`
	Capabilities           defs.WorkerCapabilities `json:"capabilities"`
	Status                 Status                  `json:"status"`
	SessionId              string                  `json:"sessionId"`
	ConnectedAt            time.Time               `json:"connectedAt"`
	LastHeartbeat          time.Time               `json:"lastHeartbeat"`
	ActiveRequests         int                     `json:"activeRequests"`
	PendingRequests        []string                `json:"pendingRequests"`
	CompletedRequests      int                     `json:"completedRequests"`
	RequestCategories      map[string]string       `json:"requestCategories"`
	CategoryActiveRequests map[string]int          `json:"categoryActiveRequests"`
}

func (w *Worker) info() WorkerInfo {
	caps := w.Capabilities
	caps.Models = slices.Clone(w.Capabilities.Models)
	if w.Capabilities.ConcurrencyLimits != nil {
		caps.ConcurrencyLimits = make(map[string]int, len(w.Capabilities.ConcurrencyLimits))
		for k, v := range w.Capabilities.ConcurrencyLimits {
			caps.ConcurrencyLimits[k] = v
		}
	}

	categories := make(map[string]string, len(w.RequestCategories))
	for k, v := range w.RequestCategories {
		categories[k] = v
	}
	counts := make(map[string]int, len(w.CategoryActiveRequests))
	for k, v := range w.CategoryActiveRequests {
		counts[k] = v
	}

	return WorkerInfo{
		Id:                     w.Id,
		Name:                   w.Name,
		Capabilities:           caps,
		Status:                 w.Status,
		SessionId:              w.SessionId,
		ConnectedAt:            w.ConnectedAt,
		LastHeartbeat:          w.LastHeartbeat,
		ActiveRequests:         w.ActiveRequests,
		PendingRequests:        w.pendingSnapshot(),
		CompletedRequests:      w.CompletedRequests,
		RequestCategories:      categories,
		CategoryActiveRequests: counts,
	}
}

func (w *Worker) pendingSnapshot() []string {
	pending := make([]string, 0, len(w.PendingRequests))
	for id := range w.PendingRequests {
		pending = append(pending, id)
	}
	slices.Sort(pending)
	return pending
}

func (w *Worker) loadRatio() float64 {
	if w.Capabilities.MaxConcurrentRequests <= 0 {
		return math.Inf(1)
	}
	return float64(w.ActiveRequests) / float64(w.Capabilities.MaxConcurrentRequests)
}

func (w *Worker) atCapacity() bool {
	return w.ActiveRequests >= w.Capabilities.MaxConcurrentRequests
}

// refreshStatus applies the available/busy rule. Unhealthy is left alone.
func (w *Worker) refreshStatus() {
	switch {
	case w.Status == StatusUnhealthy:
	case w.atCapacity():
		w.Status = StatusBusy
	default:
		w.Status = StatusAvailable
	}
}
