// Package server exposes the stores and the aggregator over a small JSON
// HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/levenlabs/go-lflag"

	"github.com/gridsight/gridsight/pkg/aggregate"
	"github.com/gridsight/gridsight/pkg/earnings"
	"github.com/gridsight/gridsight/pkg/log"
	"github.com/gridsight/gridsight/pkg/storage"
)

// Server handles the HTTP API for the telemetry stores, the aggregator and
// the earnings calculator.
type Server struct {
	store      *storage.Store
	aggregator *aggregate.Aggregator
	earnings   *earnings.Calculator

	listenAddr string
	httpServer *http.Server
}

// Configured initializes the Server with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(store *storage.Store, agg *aggregate.Aggregator, calc *earnings.Calculator) *Server {
	srv := &Server{
		store:      store,
		aggregator: agg,
		earnings:   calc,
	}

	listenAddr := lflag.String("http-listen", ":8080", "HTTP server listen address")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
	})

	return srv
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/status", s.handleStatus)
	apiMux.HandleFunc("GET /api/current", s.handleCurrent)
	apiMux.HandleFunc("GET /api/history", s.handleHistory)
	apiMux.HandleFunc("GET /api/history/range", s.handleHistoryRange)
	apiMux.HandleFunc("GET /api/daily", s.handleDaily)
	apiMux.HandleFunc("GET /api/daily/range", s.handleDailyRange)
	apiMux.HandleFunc("GET /api/hourly", s.handleHourly)
	apiMux.HandleFunc("GET /api/daily/reconcile", s.handleReconcile)
	apiMux.HandleFunc("POST /api/daily/refresh", s.handleRefresh)
	apiMux.HandleFunc("GET /api/period", s.handlePeriod)
	apiMux.HandleFunc("GET /api/earnings", s.handleEarnings)
	apiMux.HandleFunc("GET /api/earnings/today", s.handleEarningsToday)
	apiMux.HandleFunc("GET /api/earnings/range", s.handleEarningsRange)
	apiMux.HandleFunc("GET /api/archives", s.handleArchives)

	mux := http.NewServeMux()
	mux.Handle("/api/", apiMux)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return gziphandler.GzipHandler(mux)
}

// Run starts the HTTP server and blocks until the context is canceled or an
// error occurs. It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}
