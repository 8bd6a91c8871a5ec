// Package health serves liveness, channel status and Prometheus metrics.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rickgao/realtime-bridge/internal/connection"
	"github.com/rickgao/realtime-bridge/internal/realtime"
)

// Source reports realtime state. *realtime.Client implements it.
type Source interface {
	State() connection.State
	Stats() connection.ManagerStats
	ChannelStatuses() []realtime.ChannelStatus
}

// Check probes one dependency, e.g. a database ping.
type Check func(ctx context.Context) error

// Options configures the router.
type Options struct {
	MetricsPath string
	Checks      map[string]Check
	SignedIn    func() bool // optional auth state
}

// Response is the /health body.
type Response struct {
	Status     string         `json:"status"` // healthy, degraded or unhealthy
	Components map[string]any `json:"components"`
}

// NewRouter builds the health and metrics handler.
func NewRouter(src Source, opts Options) http.Handler {
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", healthHandler(src, opts))
	r.Get("/debug/channels", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, src.ChannelStatuses())
	})
	r.Handle(opts.MetricsPath, promhttp.Handler())
	return r
}

func healthHandler(src Source, opts Options) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		resp := Response{Status: "healthy", Components: make(map[string]any)}

		stats := src.Stats()
		resp.Components["realtime"] = map[string]any{
			"state":      stats.State.String(),
			"topics":     len(stats.Topics),
			"pending":    stats.PendingPushes,
			"reconnects": stats.Reconnects,
		}
		if src.State() != connection.StateConnected {
			resp.Status = "unhealthy"
		}

		channels := src.ChannelStatuses()
		resp.Components["channels"] = channels
		for _, ch := range channels {
			if ch.State != "joined" && resp.Status == "healthy" {
				resp.Status = "degraded"
			}
		}

		for name, check := range opts.Checks {
			if err := check(ctx); err != nil {
				resp.Status = "unhealthy"
				resp.Components[name] = map[string]string{
					"status": "disconnected",
					"error":  err.Error(),
				}
				continue
			}
			resp.Components[name] = "connected"
		}

		if opts.SignedIn != nil {
			if opts.SignedIn() {
				resp.Components["auth"] = "signed_in"
			} else {
				resp.Components["auth"] = "signed_out"
			}
		}

		code := http.StatusOK
		if resp.Status == "unhealthy" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// Serve runs an HTTP server on port until ctx is cancelled.
func Serve(ctx context.Context, port int, handler http.Handler, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting health server", "port", port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("health server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown health server: %w", err)
	}
	logger.Info("health server stopped")
	return nil
}
