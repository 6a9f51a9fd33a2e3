// Package coordinator is the network entry point of a worker fleet. It owns the
// listener, routes WebSocket upgrades to the connection handler or to extra
// endpoints, serves plain HTTP through an ordered handler chain, and runs the
// periodic health sweep. Everything else is delegated to the registry.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/CARTAvis/go-fleet/pkg/auth"
	"github.com/CARTAvis/go-fleet/pkg/connection"
	"github.com/CARTAvis/go-fleet/pkg/pool"
	helpers "github.com/CARTAvis/go-fleet/pkg/shared"
	"github.com/CARTAvis/go-fleet/pkg/shared/defs"
	"github.com/CARTAvis/go-fleet/pkg/shared/httpHelpers"
)

const (
	DefaultHeartbeatTimeout    = 60 * time.Second
	DefaultHeartbeatInterval   = connection.DefaultHeartbeatInterval
	DefaultHealthCheckInterval = 10 * time.Second
)

var (
	ErrAlreadyRunning = errors.New("coordinator is already running")
	ErrNotRunning     = errors.New("coordinator is not running")
)

type Config struct {
	Hostname string
	// Port 0 picks a free port, see Addr
	Port int
	// AuthToken, when set, is required in every registration. WithVerifier takes precedence.
	AuthToken           string
	HeartbeatTimeout    time.Duration
	HeartbeatInterval   time.Duration
	HealthCheckInterval time.Duration
	// WorkerPath restricts worker upgrades to one path. Empty or "/" accepts any
	// path that is not a registered endpoint.
	WorkerPath string
}

func (c *Config) setDefaults() {
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if c.WorkerPath == "" {
		c.WorkerPath = "/"
	}
}

type options struct {
	logger   *slog.Logger
	verifier auth.Verifier
	upgrader *websocket.Upgrader
	clock    func() time.Time
}

type Option func(*options)

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithVerifier replaces the static token check derived from Config.AuthToken.
func WithVerifier(v auth.Verifier) Option {
	return func(o *options) { o.verifier = v }
}

func WithUpgrader(u *websocket.Upgrader) Option {
	return func(o *options) { o.upgrader = u }
}

// WithClock replaces time.Now for heartbeat ageing.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

type Coordinator struct {
	cfg      Config
	logger   *slog.Logger
	upgrader *websocket.Upgrader
	pool     *pool.Pool
	handler  *connection.Handler

	mu        sync.Mutex
	running   bool
	listener  net.Listener
	server    *http.Server
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	sockets   map[*websocket.Conn]struct{}
	chain     []HTTPHandler
	endpoints map[string]EndpointHandler
}

func New(cfg Config, opts ...Option) *Coordinator {
	cfg.setDefaults()

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	logger := helpers.OrDiscard(o.logger)

	verifier := o.verifier
	if verifier == nil && cfg.AuthToken != "" {
		verifier = auth.StaticToken{Token: cfg.AuthToken}
	}

	upgrader := o.upgrader
	if upgrader == nil {
		upgrader = &websocket.Upgrader{
			// Workers are not browsers, the Origin header carries no meaning
			CheckOrigin: func(r *http.Request) bool { return true },
		}
	}

	poolOpts := []pool.Option{pool.WithLogger(logger.With("component", "pool"))}
	if o.clock != nil {
		poolOpts = append(poolOpts, pool.WithClock(o.clock))
	}
	p := pool.New(poolOpts...)

	return &Coordinator{
		cfg:      cfg,
		logger:   logger,
		upgrader: upgrader,
		pool:     p,
		handler: connection.NewHandler(p, connection.Config{
			HeartbeatInterval: cfg.HeartbeatInterval,
			Verifier:          verifier,
			Logger:            logger.With("component", "connection"),
		}),
		sockets:   make(map[*websocket.Conn]struct{}),
		endpoints: make(map[string]EndpointHandler),
	}
}

// Start binds the listener, begins serving and starts the health sweep. It returns
// once the listener is bound.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return ErrAlreadyRunning
	}

	addr := net.JoinHostPort(c.cfg.Hostname, strconv.Itoa(c.cfg.Port))
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	sweepCtx, cancel := context.WithCancel(context.Background())
	c.listener = listener
	c.server = &http.Server{
		Handler:           c,
		ReadHeaderTimeout: 10 * time.Second,
	}
	c.cancel = cancel
	c.running = true

	server := c.server
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("HTTP server stopped", "error", err)
		}
	}()
	go func() {
		defer c.wg.Done()
		c.runHealthSweep(sweepCtx)
	}()

	c.logger.Info("Coordinator listening",
		"addr", listener.Addr().String(),
		"heartbeatTimeout", c.cfg.HeartbeatTimeout,
		"healthCheckInterval", c.cfg.HealthCheckInterval,
	)
	return nil
}

// Stop tears everything down and waits for the connection goroutines to finish.
// Calling it on a stopped coordinator does nothing.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	c.cancel()
	server := c.server
	sockets := make([]*websocket.Conn, 0, len(c.sockets))
	for conn := range c.sockets {
		sockets = append(sockets, conn)
	}
	c.mu.Unlock()

	c.logger.Info("Coordinator stopping", "workers", c.pool.Count(), "sockets", len(sockets))

	c.pool.CloseAll(defs.CloseServerShutdown, "server shutting down")
	c.handler.Shutdown(defs.CloseServerShutdown, "server shutting down")
	for _, conn := range sockets {
		closeSocket(conn, defs.CloseServerShutdown, "server shutting down")
	}

	var shutdownErr error
	if err := server.Shutdown(ctx); err != nil {
		shutdownErr = fmt.Errorf("shutting down HTTP server: %w", err)
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(shutdownErr, ctx.Err())
	}

	c.logger.Info("Coordinator stopped")
	return shutdownErr
}

// Addr is the bound listener address, or an empty string when not running.
func (c *Coordinator) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return ""
	}
	return c.listener.Addr().String()
}

func (c *Coordinator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		c.serveChain(w, r)
		return
	}

	c.mu.Lock()
	endpoint, isEndpoint := c.endpoints[r.URL.Path]
	c.mu.Unlock()

	if !isEndpoint && c.cfg.WorkerPath != "/" && r.URL.Path != c.cfg.WorkerPath {
		httpHelpers.WriteError(w, http.StatusNotFound, "Not found")
		return
	}

	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Warn("WebSocket upgrade failed", "path", r.URL.Path, "error", err)
		return
	}
	if !c.trackSocket(conn) {
		closeSocket(conn, defs.CloseServerShutdown, "server shutting down")
		return
	}
	defer c.untrackSocket(conn)

	if isEndpoint {
		c.serveEndpoint(endpoint, conn, r)
		return
	}
	c.handler.HandleConnection(conn)
}

// trackSocket records an upgraded socket so Stop can close and wait for it. It
// refuses once Stop has begun.
func (c *Coordinator) trackSocket(conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return false
	}
	c.sockets[conn] = struct{}{}
	c.wg.Add(1)
	return true
}

func (c *Coordinator) untrackSocket(conn *websocket.Conn) {
	c.mu.Lock()
	delete(c.sockets, conn)
	c.mu.Unlock()
	c.wg.Done()
}

func closeSocket(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	_ = conn.Close()
}
