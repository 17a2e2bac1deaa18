package watchdog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"
)

// Config holds the server configuration
type Config struct {
	Port       int
	SocketPath string // If set, listen on this Unix socket instead of TCP
	ProbeURL   string // Browser liveness endpoint, e.g. the devtools /json/version
}

// Server is the in-container sidecar the kernel health-checks over a unix
// socket. It reports whether the browser process next to it is alive.
type Server struct {
	server *http.Server
	logger *slog.Logger
	cfg    Config
	probe  *http.Client
}

// NewServer creates a new watchdog server
func NewServer(cfg Config) *Server {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	s := &Server{
		logger: logger,
		cfg:    cfg,
		probe:  &http.Client{Timeout: time.Second},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)

	s.server = &http.Server{Handler: mux}
	if cfg.SocketPath == "" {
		s.server.Addr = fmt.Sprintf(":%d", cfg.Port)
	}
	return s
}

// Start runs the server
func (s *Server) Start() error {
	s.logger.Info("starting watchdog server")

	if s.cfg.SocketPath != "" {
		// Clean up old socket
		_ = os.Remove(s.cfg.SocketPath)

		listener, err := net.Listen("unix", s.cfg.SocketPath)
		if err != nil {
			return fmt.Errorf("failed to listen on socket %s: %w", s.cfg.SocketPath, err)
		}

		// The kernel reaches this socket through a bind mount, so it has
		// to be accessible across uid boundaries.
		if err := os.Chmod(s.cfg.SocketPath, 0777); err != nil {
			s.logger.Warn("failed to chmod socket", "error", err)
		}

		s.logger.Info("listening on unix socket", "path", s.cfg.SocketPath)
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("watchdog server error: %w", err)
		}
		return nil
	}

	s.logger.Info("listening on tcp", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("watchdog server error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// handleHealth reports alive only when the browser probe answers. With no
// probe configured it reports the watchdog's own liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "alive"
	code := http.StatusOK

	if s.cfg.ProbeURL != "" {
		resp, err := s.probe.Get(s.cfg.ProbeURL)
		if err != nil {
			status = "browser unreachable"
			code = http.StatusServiceUnavailable
		} else {
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				status = fmt.Sprintf("browser status %d", resp.StatusCode)
				code = http.StatusServiceUnavailable
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}
