package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/harunnryd/callbridge/pkg/config"
	"github.com/harunnryd/callbridge/pkg/runner"
	"github.com/harunnryd/callbridge/pkg/server"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML config")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "callbridge:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg, server.Options{})
	if err != nil {
		return err
	}

	drainTimeout := config.Millis(cfg.Server.DrainTimeoutMS, 30*time.Second)
	lr := runner.NewLifecycleRunner(srv, runner.Hooks{
		OnStart: srv.Start,
		OnStop: func() {
			slog.Info("callbridge_stopped")
		},
	}, drainTimeout)
	return lr.Run(ctx)
}
