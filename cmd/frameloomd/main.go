package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"frameloom/internal/config"
	"frameloom/internal/daemon"
	"frameloom/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		log.Fatalf("prepare directories: %v", err)
	}

	logger, err := logging.NewWithLogFile(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}, cfg.Paths.LogDir, "frameloomd.log", nil)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}

	services, err := buildServices(cfg, logger)
	if err != nil {
		log.Fatalf("bootstrap: %v", err)
	}
	defer services.Close()

	d, err := daemon.New(cfg, services.Store, services.Locks, services.Worker, services.Reconciler, logger)
	if err != nil {
		log.Fatalf("create daemon: %v", err)
	}
	if err := d.Start(ctx); err != nil {
		log.Fatalf("start daemon: %v", err)
	}

	<-ctx.Done()
	d.Stop()
	logger.Info("frameloomd shut down")
}
