package coordinator

import (
	"github.com/CARTAvis/go-fleet/pkg/connection"
	"github.com/CARTAvis/go-fleet/pkg/pool"
)

// Send encodes msg as JSON and writes it to one worker.
func (c *Coordinator) Send(workerId string, msg any) bool {
	return c.pool.Send(workerId, msg)
}

func (c *Coordinator) Broadcast(msg any) {
	c.pool.Broadcast(msg)
}

func (c *Coordinator) TrackRequest(workerId, requestId, category string) {
	c.pool.TrackRequest(workerId, requestId, category)
}

func (c *Coordinator) ReleaseRequest(requestId string, opts pool.ReleaseOptions) bool {
	return c.pool.ReleaseRequest(requestId, opts)
}

func (c *Coordinator) GetAvailableWorker(model, category string) (pool.WorkerInfo, bool) {
	return c.pool.GetAvailableWorker(model, category)
}

func (c *Coordinator) GetAnyAvailableWorker() (pool.WorkerInfo, bool) {
	return c.pool.GetAnyAvailableWorker()
}

func (c *Coordinator) WorkerCount() int {
	return c.pool.Count()
}

func (c *Coordinator) AvailableWorkerCount() int {
	return c.pool.CountByStatus()[pool.StatusAvailable]
}

func (c *Coordinator) CountByStatus() map[pool.Status]int {
	return c.pool.CountByStatus()
}

// GetWorkerInfo lists every connected worker in registration order.
func (c *Coordinator) GetWorkerInfo() []pool.WorkerInfo {
	return c.pool.List()
}

func (c *Coordinator) Worker(id string) (pool.WorkerInfo, bool) {
	return c.pool.Get(id)
}

// Disconnect closes a worker's socket with code. The record goes away through
// the normal close path, firing the disconnect handlers.
func (c *Coordinator) Disconnect(id string, code int, reason string) bool {
	return c.pool.Disconnect(id, code, reason)
}

// OnMessage, OnWorkerConnected and OnWorkerDisconnected handlers run on worker
// socket goroutines. Call Stop from them with go c.Stop(ctx), never directly.
func (c *Coordinator) OnMessage(messageType string, h connection.MessageHandler) func() {
	return c.handler.OnMessage(messageType, h)
}

func (c *Coordinator) OnWorkerConnected(h connection.ConnectedHandler) func() {
	return c.handler.OnWorkerConnected(h)
}

func (c *Coordinator) OnWorkerDisconnected(h connection.DisconnectedHandler) func() {
	return c.handler.OnWorkerDisconnected(h)
}
