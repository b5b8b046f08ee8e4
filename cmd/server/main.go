package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"loadflow/internal/app"
	"loadflow/internal/controller"
	"loadflow/internal/solver/acflow"
	"loadflow/internal/store"
	"loadflow/internal/telemetry"
	"loadflow/internal/ws"
)

const shutdownTimeout = 5 * time.Second

func main() {
	var f app.Flags
	f.Register(flag.CommandLine)
	frontendDir := flag.String("frontend-dir", "frontend/build", "directory containing frontend build")
	addr := flag.String("addr", "", "listen address (default from config)")
	flag.Parse()

	env, err := app.Bootstrap(f)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := env.Log
	if *addr != "" {
		env.Config.Addr = *addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// Set up WebSocket hub and controller
	hub := ws.NewHub()
	hub.Log = log
	bridge := ws.NewBridge(hub)
	recorder := telemetry.NewRecorder(reg)
	telemetry.RegisterHub(reg, hub)

	cc, err := env.Config.Controller()
	if err != nil {
		log.Fatalf("Invalid controller configuration: %v", err)
	}
	session := acflow.NewSession()
	defer session.Close()
	ctrl, err := controller.New(session, cc, controller.Callbacks{bridge, recorder}, log)
	if err != nil {
		log.Fatalf("Failed to create controller: %v", err)
	}
	if _, err := ctrl.Load(env.Network); err != nil {
		log.Fatalf("Failed to load network: %v", err)
	}

	handler := ws.NewHandler(ctx, hub, bridge, ctrl, store.New(), env.Network)
	handler.DefaultSchedule = env.Schedule
	handler.Log = log

	mux := newMux(handler, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	// Serve frontend static files
	if _, err := os.Stat(*frontendDir); err == nil {
		log.Printf("Serving frontend from %s", *frontendDir)
		mux.Handle("/", http.FileServer(http.Dir(*frontendDir)))
	}

	srv := &http.Server{Addr: env.Config.Addr, Handler: mux}
	if err := serve(ctx, srv, log); err != nil {
		log.Fatal(err)
	}
	handler.Wait()
	log.Print("Server stopped")
}

// serve runs srv until ctx is done, then shuts it down gracefully.
func serve(ctx context.Context, srv *http.Server, log logrus.FieldLogger) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("Starting server on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// newMux routes health, WebSocket and metrics endpoints.
func newMux(wsHandler, metrics http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.Handle("/ws", wsHandler)
	mux.Handle("GET /metrics", metrics)
	return mux
}
