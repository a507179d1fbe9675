package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/elements-platform/elements/registry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the module-discovery dashboard",
	Long: "Runs the discovery dashboard: module listing, on-demand health\n" +
		"probes, periodic background checking, and prometheus metrics.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runServe(cmd.Context(), cfg)
	},
}

func runServe(ctx context.Context, cfg config) error {
	logger := newLogger(cfg.LogLevel)

	reg, err := buildRegistry(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Startup baseline, then periodic refresh.
	reg.CheckAll(ctx)
	checker := registry.NewChecker(reg, cfg.CheckSchedule, logger)
	if err := checker.Start(ctx); err != nil {
		return err
	}
	defer checker.Stop()

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           newRouter(reg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Dashboard listening", "addr", cfg.Listen)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

func newRouter(reg *registry.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/modules", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, reg.ListModules())
		})
		r.Get("/modules/{name}", func(w http.ResponseWriter, req *http.Request) {
			name := chi.URLParam(req, "name")
			mod, ok := reg.GetModule(name)
			if !ok {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "module not registered"})
				return
			}
			writeJSON(w, http.StatusOK, mod)
		})
		r.Post("/modules/{name}/check", func(w http.ResponseWriter, req *http.Request) {
			name := chi.URLParam(req, "name")
			status := reg.CheckHealth(req.Context(), name)
			if status == registry.StatusUnknown {
				if _, ok := reg.GetModule(name); !ok {
					writeJSON(w, http.StatusNotFound, map[string]string{"error": "module not registered"})
					return
				}
			}
			writeJSON(w, http.StatusOK, map[string]string{"module": name, "status": string(status)})
		})
		r.Post("/check", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, http.StatusOK, reg.CheckAll(req.Context()))
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
