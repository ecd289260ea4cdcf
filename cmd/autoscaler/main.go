// Command autoscaler runs the fleet-sizing control loop against a running
// master (spec.md §4.5).
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/gcesarano/swarmtest/pkg/autoscaler"
	"github.com/gcesarano/swarmtest/pkg/config"
	"github.com/gcesarano/swarmtest/pkg/logger"
)

var log = logger.Named("autoscaler-cmd")

func main() {
	configPath := flag.String("config", "", "path to swarmtest config YAML")
	resizeCmd := flag.String("resize-cmd", "", `fleet resize command template, e.g. "gcloud compute instance-groups managed resize my-group --size={{n}}"`)
	initialSize := flag.Int("initial-size", 1, "fleet size to assume at startup")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Master.URL == "" {
		log.Fatal().Msg("master.url must be configured")
	}

	template := *resizeCmd
	if template == "" {
		template = os.Getenv("SWARM_RESIZE_CMD")
	}
	resizer := autoscaler.ShellResizer{CommandTemplate: template}

	a := autoscaler.New(cfg.Master.URL, resizer, *initialSize)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("master_url", cfg.Master.URL).Int("initial_size", *initialSize).Msg("autoscaler starting")
	a.Run(ctx)
	log.Info().Msg("autoscaler stopped")
}
