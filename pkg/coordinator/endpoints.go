package coordinator

import (
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/CARTAvis/go-fleet/pkg/shared/defs"
)

// EndpointHandler owns an upgraded socket until it returns, after which the
// socket is closed.
type EndpointHandler func(conn *websocket.Conn, r *http.Request)

// AddWebSocketEndpoint routes upgrades on path to h instead of the worker
// protocol. Adding the same path again replaces the previous handler.
func (c *Coordinator) AddWebSocketEndpoint(path string, h EndpointHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endpoints[path] = h
}

func (c *Coordinator) serveEndpoint(h EndpointHandler, conn *websocket.Conn, r *http.Request) {
	logger := c.logger.With("path", r.URL.Path, "remoteAddr", conn.RemoteAddr().String())
	logger.Debug("Endpoint socket connected")

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("Endpoint handler panicked", "panic", fmt.Sprint(rec))
		}
		closeSocket(conn, defs.CloseNormal, "")
		logger.Debug("Endpoint socket closed")
	}()

	h(conn, r)
}
