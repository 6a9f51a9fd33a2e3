package pool

type ReleaseOptions struct {
	IncrementCompleted bool
}

// TrackRequest marks requestId as in flight on the worker, counted against category
// when one is given. Unknown workers and ids already pending there are ignored.
func (p *Pool) TrackRequest(workerId, requestId, category string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.workers[workerId]
	if !ok {
		p.logger.Debug("Track request for unknown worker", "workerId", workerId, "requestId", requestId)
		return
	}
	if _, pending := w.PendingRequests[requestId]; pending {
		return
	}

	w.PendingRequests[requestId] = struct{}{}
	w.ActiveRequests++
	if category != "" {
		w.RequestCategories[requestId] = category
		w.CategoryActiveRequests[category]++
	}
	p.requestIndex[requestId] = workerId

	w.refreshStatus()
}

// ReleaseRequest frees the slot held by requestId on whichever worker has it.
// It reports whether a worker held the request.
func (p *Pool) ReleaseRequest(requestId string, opts ReleaseOptions) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	w := p.findHolderLocked(requestId)
	if w == nil {
		return false
	}

	delete(w.PendingRequests, requestId)
	delete(p.requestIndex, requestId)
	w.ActiveRequests = max(w.ActiveRequests-1, 0)

	if category, ok := w.RequestCategories[requestId]; ok {
		delete(w.RequestCategories, requestId)
		if n := w.CategoryActiveRequests[category] - 1; n > 0 {
			w.CategoryActiveRequests[category] = n
		} else {
			delete(w.CategoryActiveRequests, category)
		}
	}

	if opts.IncrementCompleted {
		w.CompletedRequests++
	}

	if w.Status == StatusBusy && !w.atCapacity() {
		w.Status = StatusAvailable
	}
	return true
}

func (p *Pool) findHolderLocked(requestId string) *Worker {
	if id, ok := p.requestIndex[requestId]; ok {
		if w, ok := p.workers[id]; ok {
			if _, pending := w.PendingRequests[requestId]; pending {
				return w
			}
		}
	}
	// The index only points at the last tracker, an id tracked on two workers
	// is still found here.
	for _, id := range p.order {
		w := p.workers[id]
		if _, pending := w.PendingRequests[requestId]; pending {
			return w
		}
	}
	return nil
}
