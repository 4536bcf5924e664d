package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dagucloud/dagsched/internal/cmn/logger"
	"github.com/dagucloud/dagsched/internal/cmn/logger/tag"
)

// HealthServer serves the scheduler's health check and, when a registry
// is given, its Prometheus metrics.
type HealthServer struct {
	listen   string
	registry *prometheus.Registry
	server   *http.Server
	addr     net.Addr
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status string `json:"status"`
}

// NewHealthServer creates a server for listen (":9464"). An empty listen
// address disables it.
func NewHealthServer(listen string, registry *prometheus.Registry) *HealthServer {
	return &HealthServer{listen: listen, registry: registry}
}

// Handler returns the router served by Start.
func (h *HealthServer) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	router.Get("/health", h.healthHandler)
	if h.registry != nil {
		router.Handle("/metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}))
	}
	return router
}

// Start listens on the configured address and serves in the background.
func (h *HealthServer) Start(ctx context.Context) error {
	if h.listen == "" {
		logger.Info(ctx, "Scheduler health check server disabled")
		return nil
	}

	ln, err := net.Listen("tcp", h.listen)
	if err != nil {
		return err
	}
	h.addr = ln.Addr()
	h.server = &http.Server{
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info(ctx, "Starting scheduler health check server", tag.String("addr", h.addr.String()))
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "Health check server error", tag.Error(err))
		}
	}()

	return nil
}

// Addr is the bound address, nil before Start.
func (h *HealthServer) Addr() net.Addr { return h.addr }

// Stop gracefully stops the health check server
func (h *HealthServer) Stop(ctx context.Context) error {
	if h.server == nil {
		return nil
	}

	logger.Info(ctx, "Stopping scheduler health check server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := h.server.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "Failed to shutdown scheduler health check server", tag.Error(err))
		return err
	}
	return nil
}

func (h *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(HealthResponse{Status: "healthy"}); err != nil {
		logger.Error(r.Context(), "Failed to encode health response", tag.Error(err))
	}
}
