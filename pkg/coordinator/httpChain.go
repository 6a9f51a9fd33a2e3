package coordinator

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/CARTAvis/go-fleet/pkg/shared/httpHelpers"
)

// HTTPHandler is one link of the plain HTTP chain. It reports whether it wrote a
// response; a handler that returns an error or panics counts as not handled.
type HTTPHandler func(w http.ResponseWriter, r *http.Request) (handled bool, err error)

// AddHTTPHandler appends h to the chain. Handlers are offered each request in
// the order they were added.
func (c *Coordinator) AddHTTPHandler(h HTTPHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chain = append(c.chain, h)
}

// RouterHandler adapts a chi router to the chain. Requests the router has no
// route for fall through to the next handler.
func RouterHandler(router chi.Router) HTTPHandler {
	return func(w http.ResponseWriter, r *http.Request) (bool, error) {
		if !router.Match(chi.NewRouteContext(), r.Method, r.URL.Path) {
			return false, nil
		}
		router.ServeHTTP(w, r)
		return true, nil
	}
}

func (c *Coordinator) serveChain(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	chain := append([]HTTPHandler(nil), c.chain...)
	c.mu.Unlock()

	for i, h := range chain {
		handled, err := c.callHTTPHandler(h, w, r)
		if err != nil {
			c.logger.Error("HTTP handler failed", "index", i, "method", r.Method, "path", r.URL.Path, "error", err)
			continue
		}
		if handled {
			return
		}
	}

	httpHelpers.WriteError(w, http.StatusNotFound, "Not found")
}

func (c *Coordinator) callHTTPHandler(h HTTPHandler, w http.ResponseWriter, r *http.Request) (handled bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			handled, err = false, fmt.Errorf("panic: %v", rec)
		}
	}()
	return h(w, r)
}
