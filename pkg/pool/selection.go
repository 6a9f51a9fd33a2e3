package pool

import "strings"

// modelMatches is deliberately loose: either identifier containing the other counts.
func modelMatches(supported, requested string) bool {
	return strings.Contains(supported, requested) || strings.Contains(requested, supported)
}

func (w *Worker) supportsModel(model string) bool {
	for _, m := range w.Capabilities.Models {
		if modelMatches(m, model) {
			return true
		}
	}
	return false
}

func (w *Worker) categoryHasRoom(category string) bool {
	if category == "" {
		return true
	}
	limit, ok := w.Capabilities.ConcurrencyLimits[category]
	if !ok {
		return true
	}
	return w.CategoryActiveRequests[category] < limit
}

// GetAvailableWorker picks the least loaded available worker that supports model
// and still has room, overall and in category when one is given.
// Ties go to the worker registered first.
func (p *Pool) GetAvailableWorker(model, category string) (WorkerInfo, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.pickLocked(func(w *Worker) bool {
		return w.Status == StatusAvailable &&
			w.supportsModel(model) &&
			!w.atCapacity() &&
			w.categoryHasRoom(category)
	})
}

// GetAnyAvailableWorker is the fallback for work that just needs some worker:
// available or busy, whatever the model.
func (p *Pool) GetAnyAvailableWorker() (WorkerInfo, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.pickLocked(func(w *Worker) bool {
		return w.Status == StatusAvailable || w.Status == StatusBusy
	})
}

func (p *Pool) pickLocked(eligible func(*Worker) bool) (WorkerInfo, bool) {
	var best *Worker
	for _, id := range p.order {
		w := p.workers[id]
		if !eligible(w) {
			continue
		}
		if best == nil || w.loadRatio() < best.loadRatio() {
			best = w
		}
	}
	if best == nil {
		return WorkerInfo{}, false
	}
	return best.info(), true
}
