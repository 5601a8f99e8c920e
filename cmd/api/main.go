package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tallyd.org/internal/config"
	"tallyd.org/internal/httpapi"
	"tallyd.org/internal/ledger"
	"tallyd.org/internal/obs"
	"tallyd.org/internal/store/pg"
	"tallyd.org/internal/stream"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Postgres when a DSN is configured, otherwise the in-memory service.
	var svc ledger.Service
	probe := httpapi.ReadyProbe{}
	if cfg.PGDSN != "" {
		store, err := pg.Open(cfg.PGDSN, pg.WithLockWait(cfg.LockWait))
		if err != nil {
			log.Fatalf("open store: %v", err)
		}
		defer store.Close()
		svc = store
		probe.DB = store.DB()
	} else {
		svc = ledger.NewInMemory(ledger.WithLockWait(cfg.LockWait))
	}

	api := httpapi.New(probe, version, svc, stream.New())
	api.SetLimits(cfg.MaxBodyBytes, cfg.RateBurst, cfg.RatePerSec)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting tallyd-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}
