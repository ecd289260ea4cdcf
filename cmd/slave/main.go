// Command slave runs one swarmtest Slave process: it reserves tasks from
// the queue, executes them under the isolate runner, and reports results
// back to the Results Store and Master (spec.md §4.4).
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gcesarano/swarmtest/pkg/blob"
	"github.com/gcesarano/swarmtest/pkg/config"
	"github.com/gcesarano/swarmtest/pkg/logger"
	"github.com/gcesarano/swarmtest/pkg/queue"
	"github.com/gcesarano/swarmtest/pkg/slave"
	"github.com/gcesarano/swarmtest/pkg/store"
)

var log = logger.Named("slave-cmd")

func main() {
	configPath := flag.String("config", "", "path to swarmtest config YAML")
	metricsAddr := flag.String("metrics-addr", ":9091", "address to serve /metrics on")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.RequireSlave(); err != nil {
		log.Fatal().Err(err).Msg("invalid slave config")
	}

	db, err := store.Open(cfg.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer db.Close()

	blobStore, err := newBlobStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to construct blob store")
	}

	q := queue.NewClient(cfg.Redis.Addr)
	st := store.NewStore(db, blobStore)
	s := slave.New(cfg, q, st)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := http.ListenAndServe(*metricsAddr, promhttp.Handler()); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	log.Info().Str("hostname", hostname()).Msg("slave starting")
	if err := s.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("slave exited with error")
	}
	log.Info().Msg("slave stopped")
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
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
