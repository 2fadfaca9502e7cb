package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/haasonsaas/pairrelay/internal/auth"
	"github.com/haasonsaas/pairrelay/internal/config"
	"github.com/haasonsaas/pairrelay/internal/observability"
	"github.com/haasonsaas/pairrelay/internal/pairing"
	"github.com/haasonsaas/pairrelay/internal/ratelimit"
)

// Server is the pairing relay's HTTP and websocket front end.
type Server struct {
	config         *config.Config
	relay          *pairing.Relay
	authService    *auth.Service
	metrics        *observability.Metrics
	metricsHandler http.Handler
	logger         *slog.Logger
	upgrades       *ratelimit.Limiter

	httpServer   *http.Server
	httpListener net.Listener

	accepting atomic.Bool
	connMu    sync.Mutex
	conns     map[string]*wsConn
	connWG    sync.WaitGroup
}

// Options carries the optional collaborators of a Server.
type Options struct {
	Auth *auth.Service

	// Metrics records connection counts. MetricsHandler serves /metrics;
	// nil leaves the route unregistered.
	Metrics        *observability.Metrics
	MetricsHandler http.Handler

	Logger *slog.Logger
}

// NewServer creates a server dispatching socket events to relay.
func NewServer(cfg *config.Config, relay *pairing.Relay, opts Options) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if relay == nil {
		return nil, errors.New("relay is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:         cfg,
		relay:          relay,
		authService:    opts.Auth,
		metrics:        opts.Metrics,
		metricsHandler: opts.MetricsHandler,
		logger:         logger.With("component", "gateway"),
		upgrades:       newUpgradeLimiter(cfg.Server.UpgradeLimit),
		conns:          make(map[string]*wsConn),
	}, nil
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	addr := s.config.Server.Addr()
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	s.httpListener = listener
	s.accepting.Store(true)

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("pairing relay listening", "addr", listener.Addr().String(), "ws_path", s.config.Server.WSPath)
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	if s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

// Stop closes the listener and every remaining socket, then waits for
// connection handlers to exit.
func (s *Server) Stop(ctx context.Context) error {
	s.accepting.Store(false)
	var errs []error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}

	s.connMu.Lock()
	for _, conn := range s.conns {
		conn.Close()
	}
	s.connMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.connWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for connections: %w", ctx.Err()))
	}
	return errors.Join(errs...)
}

// ConnectionCount returns the number of open sockets.
func (s *Server) ConnectionCount() int {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return len(s.conns)
}

func (s *Server) track(conn *wsConn) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if !s.accepting.Load() {
		return false
	}
	s.conns[conn.id] = conn
	s.connWG.Add(1)
	return true
}

func (s *Server) untrack(conn *wsConn) {
	s.connMu.Lock()
	delete(s.conns, conn.id)
	s.connMu.Unlock()
	s.connWG.Done()
}

func newUpgradeLimiter(cfg *ratelimit.Config) *ratelimit.Limiter {
	if cfg == nil {
		return nil
	}
	return ratelimit.NewLimiter(*cfg)
}
