// Package main provides the SchoolSync desktop server.
// The UI talks to it over REST and receives sync events on /ws.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/schoolsync/cmd/desktop/handlers"
	"github.com/kimhsiao/schoolsync/internal/app"
	"github.com/kimhsiao/schoolsync/internal/config"
	"github.com/kimhsiao/schoolsync/internal/logging"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "config file (default: ./schoolsync.yaml or ~/.schoolsync/schoolsync.yaml)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "schoolsync-desktop: %v\n", err)
		os.Exit(1)
	}
}

// run serves until ctx is cancelled or the listener fails.
func run(ctx context.Context, configPath string) error {
	loader, err := config.NewLoader(configPath)
	if err != nil {
		return err
	}
	cfg := loader.Config()

	a, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	hub := NewWSHub()
	defer hub.Close()
	unsubscribe := a.Events.Subscribe(hub)
	defer unsubscribe()

	if err := a.Start(ctx, true); err != nil {
		return err
	}
	loader.Watch(a.ApplyConfig)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           newRouter(a, hub),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          log.New(logging.Get().Writer(), "", 0),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logging.Info("Desktop server listening", map[string]interface{}{
			"addr":   cfg.Server.Addr,
			"config": loader.ConfigFile(),
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logging.Info("Desktop server shutting down", nil)
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// newRouter registers every route.
func newRouter(a *app.App, hub *WSHub) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","service":"schoolsync-desktop","online":%t}`, a.Scheduler.IsOnline())
	})

	handlers.NewSyncHandler(a.Engine, a.Scheduler, a.Queue).Register(mux)
	handlers.NewRecordHandler(a.Students).Register(mux, "/api/students")
	handlers.NewRecordHandler(a.FeeTypes).Register(mux, "/api/fee-types")
	handlers.NewRecordHandler(a.InstallmentPlans).Register(mux, "/api/installment-plans")

	mux.HandleFunc("GET /api/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		snap := a.Metrics.Snapshot()
		if err := json.NewEncoder(w).Encode(snap); err != nil {
			logging.Warn("Failed to write metrics", map[string]interface{}{"error": err.Error()})
		}
	})

	mux.HandleFunc("GET /ws", HandleWebSocket(hub))
	return mux
}
