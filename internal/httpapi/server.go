package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/ValorenceCLE/iocontrol/internal/engine"
	"github.com/ValorenceCLE/iocontrol/internal/point"
)

const (
	// DefaultShutdownTimeout bounds graceful shutdown of open requests.
	DefaultShutdownTimeout = 5 * time.Second

	// DefaultKeepAlive is the interval of SSE comment frames on idle streams.
	DefaultKeepAlive = 15 * time.Second

	maxBodyBytes = 1 << 16
)

// Controller is the subset of *engine.Engine the API serves.
type Controller interface {
	MetricsSnapshot() engine.Snapshot
	Health(name string) (engine.PointHealth, error)
	Refresh(ctx context.Context, name string) (point.Value, error)
	Write(ctx context.Context, name string, v point.Value) error
	Subscribe(filter engine.Filter) *engine.Subscription
}

// Server is the HTTP front end of an engine.
type Server struct {
	ctrl            Controller
	logger          *slog.Logger
	keepAlive       time.Duration
	shutdownTimeout time.Duration
	mux             *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithKeepAlive sets the SSE keep-alive interval.
// Default: 15s (DefaultKeepAlive)
func WithKeepAlive(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.keepAlive = d
		}
	}
}

// WithShutdownTimeout bounds graceful shutdown.
// Default: 5s (DefaultShutdownTimeout)
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// New creates a server for ctrl.
func New(ctrl Controller, opts ...Option) *Server {
	s := &Server{
		ctrl:            ctrl,
		logger:          slog.Default(),
		keepAlive:       DefaultKeepAlive,
		shutdownTimeout: DefaultShutdownTimeout,
		mux:             http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /metrics", s.handleMetrics)
	s.mux.HandleFunc("GET /points", s.handleListPoints)
	s.mux.HandleFunc("GET /points/{name}", s.handleGetPoint)
	s.mux.HandleFunc("PUT /points/{name}", s.handlePutPoint)
	s.mux.HandleFunc("GET /events", s.handleEvents)
	return s
}

// Handler returns the h2c-capable root handler.
func (s *Server) Handler() http.Handler {
	return h2c.NewHandler(s.logRequests(s.mux), &http2.Server{})
}

// Serve accepts connections on l until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(l) }()
	s.logger.Info("http api listening", "addr", l.Addr().String())

	select {
	case err := <-errCh:
		return fmt.Errorf("http api: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http api shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http api: %w", err)
	}
	s.logger.Info("http api stopped")
	return nil
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, l)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	snap := s.ctrl.MetricsSnapshot()
	status := http.StatusOK
	if snap.State != engine.StateRunning {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"state":        snap.State,
		"stale_points": snap.StalePoints,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.MetricsSnapshot())
}

func (s *Server) handleListPoints(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.MetricsSnapshot().Points)
}

func (s *Server) handleGetPoint(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh")); refresh {
		if _, err := s.ctrl.Refresh(r.Context(), name); err != nil {
			s.writeError(w, err)
			return
		}
	}
	h, err := s.ctrl.Health(name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

type writeRequest struct {
	Value any `json:"value"`
}

func (s *Server) handlePutPoint(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var req writeRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "BAD_REQUEST", fmt.Sprintf("invalid body: %v", err))
		return
	}

	h, err := s.ctrl.Health(name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	v, err := decodeValue(req.Value, h.Type.Kind())
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "BAD_VALUE", err.Error())
		return
	}
	if v == nil {
		writeProblem(w, http.StatusBadRequest, "BAD_VALUE", "value is required")
		return
	}

	if err := s.ctrl.Write(r.Context(), name, v); err != nil {
		s.writeError(w, err)
		return
	}
	if h, err = s.ctrl.Health(name); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

// decodeValue accepts a JSON bool or number, or a string parsed in the
// point's value domain.
func decodeValue(raw any, kind point.Kind) (point.Value, error) {
	if text, ok := raw.(string); ok {
		return point.ParseValue(text, kind)
	}
	return point.FromNative(raw)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"proto", r.Proto,
			"duration", time.Since(start))
	})
}
