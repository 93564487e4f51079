package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:  "channelvault",
		Usage: "Sync IPTV sources and curate ordered channel playlists",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Optional config file (YAML or TOML); otherwise the environment is used",
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			workerCommand(),
			migrateCommand(),
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "channelvault: %v\n", err)
		os.Exit(1)
	}
}
