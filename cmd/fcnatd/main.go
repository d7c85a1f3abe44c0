// SPDX-License-Identifier: GPL-3.0-or-later

// Command fcnatd discovers the public endpoint a Full-Cone NAT assigns
// to configured local services and publishes it to DNS providers, HTTP
// webhooks, and local scripts.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/bassosimone/fcnatd/internal/config"
	"github.com/bassosimone/fcnatd/internal/supervisor"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := flag.NewFlagSet("fcnatd", flag.ContinueOnError)
	var (
		configPath = flags.String("c", "config.json", "configuration file path")
		debug      = flags.Bool("debug", false, "raise log verbosity to debug")
	)
	if err := flags.Parse(args); err != nil {
		return 2
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fcnatd: %s\n", err.Error())
		return 1
	}

	sup, err := supervisor.New(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fcnatd: %s\n", err.Error())
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sup.Run(ctx); err != nil {
		logger.Error("fatal", slog.Any("err", err))
		return 1
	}
	return 0
}
