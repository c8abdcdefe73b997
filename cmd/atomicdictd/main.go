// Package main is the entry point for the atomicdict server application.
package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "atomicdictd",
		Usage: "in-memory key-value store with wait-free reads and optimistic transactions",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a .toml or .yaml config file",
				EnvVars: []string{"ATOMICDICT_CONFIG"},
			},
			&cli.StringFlag{Name: "host", Usage: "listen host (overrides config)"},
			&cli.IntFlag{Name: "port", Usage: "listen port (overrides config)"},
			&cli.StringFlag{Name: "log-level", Usage: "log level (overrides config)"},
		},
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP server (default)",
				Action: serve,
			},
			{
				Name:  "stress",
				Usage: "hammer an in-process store with concurrent increments",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "workers", Value: 16, Usage: "number of concurrent writers"},
					&cli.IntFlag{Name: "increments", Value: 1000, Usage: "increments per writer"},
					&cli.IntFlag{Name: "keys", Value: 4, Usage: "keys updated by every transaction"},
				},
				Action: stress,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("atomicdictd failed")
	}
}
