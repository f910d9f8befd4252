package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/latticeim/im-realtime-service/config"
)

const (
	ServiceName      = "im-realtime-service"
	ServiceNamespace = "latticeim"
)

var (
	version = "0.0.0"
	commit  = "hash"
	branch  = "branch"
)

func Run() error {
	app := &cli.App{
		Name:    ServiceName,
		Usage:   "Realtime messaging core: encrypted transport, durable fan-out, resumable sessions",
		Version: version,
		Commands: []*cli.Command{
			serverCmd(),
		},
	}

	return app.Run(os.Args)
}

func serverCmd() *cli.Command {
	return &cli.Command{
		Name:    "server",
		Aliases: []string{"s"},
		Usage:   "Run the realtime server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config_file",
				Usage: "Path to the configuration file",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.LoadConfig(c.String("config_file"))
			if err != nil {
				return err
			}
			app := NewApp(cfg)

			if err := app.Start(c.Context); err != nil {
				return err
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop

			slog.Info("shutting down", "service", ServiceName, "commit", commit, "branch", branch)
			return app.Stop(context.Background())
		},
	}
}
