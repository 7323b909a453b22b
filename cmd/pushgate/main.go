package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mverbeek/pushgate/internal/logging"
	"github.com/mverbeek/pushgate/internal/server"
	"github.com/mverbeek/pushgate/internal/settings"

	// Register the broker transports.
	_ "github.com/mverbeek/pushgate/transport/channel"
	_ "github.com/mverbeek/pushgate/transport/kafka"
	_ "github.com/mverbeek/pushgate/transport/nats"
	_ "github.com/mverbeek/pushgate/transport/rabbitmq"
)

func main() {
	cfg, err := settings.Load()
	if err != nil {
		// The logger normally follows the environment, but that is exactly
		// what failed to load.
		logging.New("production").Error("refusing to start: configuration invalid", "err", err)
		os.Exit(1)
	}

	log := logging.New(cfg.Env)
	log.Info("starting pushgate", "settings", cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.New(cfg, log).Run(ctx); err != nil {
		log.Error("pushgate exited with error", "err", err)
		stop()
		os.Exit(1)
	}
	log.Info("pushgate stopped")
}
