package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/droverhq/drover/internal/health"
	"github.com/droverhq/drover/internal/tracker"
)

// AdminDeps holds the handlers mounted on the admin listener. Nil
// entries are skipped so tests and partial deployments can mount a
// subset.
type AdminDeps struct {
	Health  *health.HTTPHandler
	Ops     *OpsHandler
	Tracker *tracker.WebhookHandler
}

// AdminServer is the operational HTTP listener: probes, metrics, ops
// views and webhooks. It is separate from the public gateway so
// operators can firewall it independently.
type AdminServer struct {
	server *http.Server
	logger *zap.Logger
}

// NewAdminServer composes the admin mux and wraps it in a server with
// sane timeouts.
func NewAdminServer(port int, deps AdminDeps, logger *zap.Logger) *AdminServer {
	mux := http.NewServeMux()
	if deps.Health != nil {
		deps.Health.RegisterRoutes(mux)
	}
	if deps.Ops != nil {
		deps.Ops.RegisterRoutes(mux)
	}
	if deps.Tracker != nil {
		deps.Tracker.RegisterRoutes(mux)
	}
	mux.Handle("GET /metrics", promhttp.Handler())

	return &AdminServer{
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// Start begins serving in a background goroutine.
func (s *AdminServer) Start() {
	go func() {
		s.logger.Info("Admin server listening", zap.String("addr", s.server.Addr))
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Admin server failed", zap.Error(err))
		}
	}()
}

// Shutdown drains in-flight requests and stops the listener.
func (s *AdminServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
