package pool

import "time"

// presumedDeadFactor times the heartbeat timeout marks a worker for eviction.
const presumedDeadFactor = 3

// CheckHealth marks workers whose last heartbeat is older than timeout as unhealthy
// and returns the ids of those older than three timeouts. It never removes anyone.
func (p *Pool) CheckHealth(timeout time.Duration) []string {
	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()

	var dead []string
	for _, id := range p.order {
		w := p.workers[id]
		age := now.Sub(w.LastHeartbeat)
		if age <= timeout {
			continue
		}
		if w.Status != StatusUnhealthy {
			w.Status = StatusUnhealthy
			p.logger.Warn("Worker marked unhealthy", "workerId", id, "lastHeartbeat", w.LastHeartbeat, "age", age)
		}
		if age > presumedDeadFactor*timeout {
			dead = append(dead, id)
		}
	}
	return dead
}

// Heartbeat refreshes the worker's heartbeat and restores an unhealthy worker
// to available or busy depending on its load.
func (p *Pool) Heartbeat(id string) (WorkerInfo, bool) {
	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.workers[id]
	if !ok {
		return WorkerInfo{}, false
	}
	w.LastHeartbeat = now
	if w.Status == StatusUnhealthy {
		w.Status = StatusAvailable
		w.refreshStatus()
		p.logger.Info("Worker recovered", "workerId", id, "status", w.Status)
	}
	return w.info(), true
}
