// Command master runs the swarmtest Master HTTP service: job submission,
// task scheduling, retry handling, job status and the results dashboard
// (spec.md §4.3).
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gcesarano/swarmtest/pkg/blob"
	"github.com/gcesarano/swarmtest/pkg/config"
	"github.com/gcesarano/swarmtest/pkg/logger"
	"github.com/gcesarano/swarmtest/pkg/master"
	"github.com/gcesarano/swarmtest/pkg/queue"
	"github.com/gcesarano/swarmtest/pkg/store"
)

var log = logger.Named("master-cmd")

func main() {
	configPath := flag.String("config", "", "path to swarmtest config YAML")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.RequireMaster(); err != nil {
		log.Fatal().Err(err).Msg("invalid master config")
	}

	db, err := store.Open(cfg.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer db.Close()
	if err := store.Migrate(db); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate results store")
	}

	blobStore, err := newBlobStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to construct blob store")
	}

	q := queue.NewClient(cfg.Redis.Addr)
	st := store.NewStore(db, blobStore)

	srv, err := master.NewServer(cfg, q, st, blobStore)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to construct master server")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reaper := q.StartReaper(ctx)
	defer reaper.Stop()

	mux := http.NewServeMux()
	mux.Handle("/", srv.Router())
	mux.Handle("/metrics", promhttp.Handler())

	httpSrv := &http.Server{
		Addr:    cfg.Master.ListenAddr,
		Handler: mux,
	}

	go func() {
		log.Info().Str("addr", cfg.Master.ListenAddr).Msg("master listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("master http server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}

func newBlobStore(cfg *config.Config) (blob.Store, error) {
	if cfg.Blob.Dir == "" {
		return blob.NullStore{}, nil
	}
	secret := []byte(os.Getenv("SWARM_BLOB_SECRET"))
	if len(secret) == 0 {
		secret = []byte("swarmtest-dev-secret")
	}
	return blob.NewFileStore(cfg.Blob.Dir, cfg.Master.URL+"/blob", secret)
}
