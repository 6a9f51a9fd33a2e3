// Package adminApi exposes the fleet over a small REST surface for operators.
package adminApi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/CARTAvis/go-fleet/pkg/pool"
	helpers "github.com/CARTAvis/go-fleet/pkg/shared"
	"github.com/CARTAvis/go-fleet/pkg/shared/defs"
	"github.com/CARTAvis/go-fleet/pkg/shared/httpHelpers"
)

const maxMessageBytes = 1 << 20

// Fleet is the part of the coordinator the API reads and acts on.
type Fleet interface {
	GetWorkerInfo() []pool.WorkerInfo
	Worker(id string) (pool.WorkerInfo, bool)
	Disconnect(id string, code int, reason string) bool
	Send(id string, msg any) bool
	WorkerCount() int
	AvailableWorkerCount() int
	CountByStatus() map[pool.Status]int
}

type api struct {
	fleet  Fleet
	logger *slog.Logger
}

func NewRouter(fleet Fleet, logger *slog.Logger) chi.Router {
	a := &api{fleet: fleet, logger: helpers.OrDiscard(logger)}

	r := chi.NewRouter()
	r.Get("/health", a.health)
	r.Get("/stats", a.stats)
	r.Route("/workers", func(r chi.Router) {
		r.Get("/", a.listWorkers)
		r.Get("/{id}", a.getWorker)
		r.Delete("/{id}", a.evictWorker)
		r.Post("/{id}/messages", a.sendMessage)
	})
	return r
}

func (a *api) health(w http.ResponseWriter, _ *http.Request) {
	httpHelpers.WriteOutput(w, map[string]any{
		"status":           "ok",
		"workers":          a.fleet.WorkerCount(),
		"availableWorkers": a.fleet.AvailableWorkerCount(),
	})
}

func (a *api) stats(w http.ResponseWriter, _ *http.Request) {
	workers := a.fleet.GetWorkerInfo()
	stats := defs.FleetStats{
		Workers:          len(workers),
		AvailableWorkers: a.fleet.AvailableWorkerCount(),
		ByStatus:         make(map[string]int),
	}
	for status, n := range a.fleet.CountByStatus() {
		stats.ByStatus[string(status)] = n
	}
	for _, info := range workers {
		stats.ActiveRequests += info.ActiveRequests
		stats.Completed += info.CompletedRequests
	}
	httpHelpers.WriteOutput(w, stats)
}

func (a *api) listWorkers(w http.ResponseWriter, _ *http.Request) {
	workers := a.fleet.GetWorkerInfo()
	items := make([]defs.WorkerListItem, 0, len(workers))
	for _, info := range workers {
		items = append(items, defs.WorkerListItem{
			WorkerId:       info.Id,
			Name:           info.Name,
			Status:         string(info.Status),
			ActiveRequests: info.ActiveRequests,
			MaxConcurrent:  info.Capabilities.MaxConcurrentRequests,
		})
	}
	httpHelpers.WriteOutput(w, items)
}

func (a *api) getWorker(w http.ResponseWriter, r *http.Request) {
	info, ok := a.fleet.Worker(chi.URLParam(r, "id"))
	if !ok {
		httpHelpers.WriteError(w, http.StatusNotFound, "Worker not found")
		return
	}
	httpHelpers.WriteOutput(w, info)
}

func (a *api) evictWorker(w http.ResponseWriter, r *http.Request) {
	workerId := chi.URLParam(r, "id")

	start := time.Now()
	if !a.fleet.Disconnect(workerId, defs.CloseEvicted, "evicted by operator") {
		httpHelpers.WriteError(w, http.StatusNotFound, "Worker not found")
		return
	}
	elapsed := time.Since(start)

	a.logger.Info("Worker evicted by operator", "workerId", workerId)
	httpHelpers.WriteTimings(w, httpHelpers.Timings{"evict-time": elapsed})
	httpHelpers.WriteOutput(w, map[string]any{"msg": "Worker evicted", "workerId": workerId})
}

// sendMessage forwards the request body to the worker as-is. The body must be a
// JSON object with a type field.
func (a *api) sendMessage(w http.ResponseWriter, r *http.Request) {
	workerId := chi.URLParam(r, "id")
	if _, ok := a.fleet.Worker(workerId); !ok {
		httpHelpers.WriteError(w, http.StatusNotFound, "Worker not found")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBytes+1))
	if err != nil {
		httpHelpers.WriteError(w, http.StatusBadRequest, "Error reading body")
		return
	}
	if len(body) > maxMessageBytes {
		httpHelpers.WriteError(w, http.StatusRequestEntityTooLarge, "Message too large")
		return
	}

	var envelope defs.Envelope
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Type == "" {
		httpHelpers.WriteError(w, http.StatusBadRequest, "Message must be a JSON object with a type")
		return
	}

	delivered := a.fleet.Send(workerId, json.RawMessage(body))
	if !delivered {
		a.logger.Warn("Operator message not delivered", "workerId", workerId, "type", envelope.Type)
	}
	httpHelpers.WriteOutput(w, defs.SendResult{WorkerId: workerId, Delivered: delivered})
}
