package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/akamensky/argparse"
	"github.com/coreos/go-systemd/daemon"
	"github.com/cyclopcam/logs"
	"github.com/viqsec/sentry/server"
	"github.com/viqsec/sentry/server/config"
)

func main() {
	parser := argparse.NewParser("sentry", "Camera footage ingestion and analytics relay")
	configFile := parser.String("c", "config", &argparse.Options{Help: "Configuration file", Default: "/etc/sentry/server.conf"})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(logger, *configFile)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	logger.Infof("Database: %v", cfg.DB.LogSafeDescription())

	srv, err := server.NewServer(logger, cfg)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Tell systemd that we're alive.
	daemon.SdNotify(false, daemon.SdNotifyReady)

	if err := srv.Run(ctx); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}
