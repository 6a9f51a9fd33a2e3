package pool

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackRequest(t *testing.T) {
	p := New()
	w, _ := newTestWorker(p, "W", 2, "llama")
	w.Capabilities.ConcurrencyLimits = map[string]int{"chat": 2}
	p.Add(w)

	p.TrackRequest("W", "r1", "chat")
	info, _ := p.Get("W")
	assert.Equal(t, 1, info.ActiveRequests)
	assert.Equal(t, []string{"r1"}, info.PendingRequests)
	assert.Equal(t, "chat", info.RequestCategories["r1"])
	assert.Equal(t, 1, info.CategoryActiveRequests["chat"])
	assert.Equal(t, StatusAvailable, info.Status)

	p.TrackRequest("W", "r2", "")
	info, _ = p.Get("W")
	assert.Equal(t, StatusBusy, info.Status)
	assertInvariants(t, info)
}

func TestTrackRequestIgnoresUnknownAndDuplicates(t *testing.T) {
	p := New()
	w, _ := newTestWorker(p, "W", 3, "llama")
	p.Add(w)

	p.TrackRequest("missing", "r1", "")
	p.TrackRequest("W", "r1", "chat")
	p.TrackRequest("W", "r1", "chat")

	info, _ := p.Get("W")
	assert.Equal(t, 1, info.ActiveRequests)
	assert.Equal(t, 1, info.CategoryActiveRequests["chat"])
	assertInvariants(t, info)
}

func TestReleaseRequest(t *testing.T) {
	p := New()
	w, _ := newTestWorker(p, "W", 1, "llama")
	p.Add(w)
	p.TrackRequest("W", "r1", "chat")

	assert.True(t, p.ReleaseRequest("r1", ReleaseOptions{IncrementCompleted: true}))

	info, _ := p.Get("W")
	assert.Equal(t, 0, info.ActiveRequests)
	assert.Empty(t, info.PendingRequests)
	assert.Empty(t, info.RequestCategories)
	assert.Empty(t, info.CategoryActiveRequests)
	assert.Equal(t, 1, info.CompletedRequests)
	assert.Equal(t, StatusAvailable, info.Status)

	assert.False(t, p.ReleaseRequest("r1", ReleaseOptions{IncrementCompleted: true}), "second release is a no-op")
	info, _ = p.Get("W")
	assert.Equal(t, 1, info.CompletedRequests)
}

func TestReleaseRequestWithoutCompletion(t *testing.T) {
	p := New()
	w, _ := newTestWorker(p, "W", 1, "llama")
	p.Add(w)
	p.TrackRequest("W", "r1", "")

	p.ReleaseRequest("r1", ReleaseOptions{})
	info, _ := p.Get("W")
	assert.Equal(t, 0, info.CompletedRequests)
}

func TestReleaseRequestKeepsUnhealthy(t *testing.T) {
	clock := newFakeClock()
	p := New(WithClock(clock.Now))
	w, _ := newTestWorker(p, "W", 1, "llama")
	p.Add(w)
	p.TrackRequest("W", "r1", "")

	clock.Advance(2 * testTimeout)
	p.CheckHealth(testTimeout)
	p.ReleaseRequest("r1", ReleaseOptions{})

	info, _ := p.Get("W")
	assert.Equal(t, StatusUnhealthy, info.Status)
	assert.Equal(t, 0, info.ActiveRequests)
}

func TestReleaseFindsRequestTrackedOnTwoWorkers(t *testing.T) {
	p := New()
	a, _ := newTestWorker(p, "A", 2, "m")
	b, _ := newTestWorker(p, "B", 2, "m")
	p.Add(a)
	p.Add(b)

	p.TrackRequest("A", "shared", "")
	p.TrackRequest("B", "shared", "")

	require.True(t, p.ReleaseRequest("shared", ReleaseOptions{}))
	require.True(t, p.ReleaseRequest("shared", ReleaseOptions{}))
	assert.False(t, p.ReleaseRequest("shared", ReleaseOptions{}))

	for _, info := range p.List() {
		assert.Equal(t, 0, info.ActiveRequests)
	}
}

func TestTrackReleaseReturnsToBaseline(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	p := New()
	w, _ := newTestWorker(p, "W", 5, "llama")
	w.Capabilities.ConcurrencyLimits = map[string]int{"a": 2, "b": 3}
	p.Add(w)

	categories := []string{"", "a", "b", "c"}
	var inFlight []string
	for step := range 500 {
		if len(inFlight) > 0 && (rng.Intn(2) == 0 || len(inFlight) >= 5) {
			i := rng.Intn(len(inFlight))
			p.ReleaseRequest(inFlight[i], ReleaseOptions{IncrementCompleted: true})
			inFlight = append(inFlight[:i], inFlight[i+1:]...)
		} else {
			id := fmt.Sprintf("r%d", step)
			p.TrackRequest("W", id, categories[rng.Intn(len(categories))])
			inFlight = append(inFlight, id)
		}
		info, _ := p.Get("W")
		assertInvariants(t, info)
		require.Equal(t, len(inFlight), info.ActiveRequests)
	}

	for _, id := range inFlight {
		p.ReleaseRequest(id, ReleaseOptions{})
	}
	info, _ := p.Get("W")
	assert.Equal(t, 0, info.ActiveRequests)
	assert.Empty(t, info.CategoryActiveRequests)
	assert.Equal(t, StatusAvailable, info.Status)
}
