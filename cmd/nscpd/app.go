package main

import (
	"context"
	"io"
	"os"

	"github.com/danmuck/nscpd/internal/logging"
	"github.com/urfave/cli/v2"
)

const envPrefix = "NSCPD"

type globalOptions struct {
	LogLevel string
	LogJSON  bool
	Config   string
}

func newApp(stdout, stderr io.Writer) *cli.App {
	opts := &globalOptions{LogLevel: "info", Config: defaultConfigPath}
	return &cli.App{
		Name:      "nscpd",
		Usage:     "NSCP check daemon",
		Version:   version,
		Writer:    stdout,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Verbosity of log, valid values are: trace, debug, info, warn, error",
				EnvVars:     []string{logging.EnvLogLevel},
				Destination: &opts.LogLevel,
				Value:       opts.LogLevel,
			},
			&cli.BoolFlag{
				Name:        "log-json",
				Usage:       "Write logs as JSON lines",
				EnvVars:     []string{logging.EnvLogJSON},
				Destination: &opts.LogJSON,
			},
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to nscpd.toml",
				EnvVars:     []string{envPrefix + "_CONFIG"},
				Destination: &opts.Config,
				Value:       opts.Config,
			},
		},
		Before: func(c *cli.Context) error {
			cfg := logging.DefaultConfig(logging.ProfileRuntime)
			logging.ApplyEnvOverrides(&cfg)
			if level, ok := logging.ParseLevel(opts.LogLevel); ok {
				cfg.Level = level
			}
			cfg.JSON = opts.LogJSON
			cfg.Out = c.App.ErrWriter
			logging.Apply(cfg)
			return nil
		},
		Commands: []*cli.Command{
			serveCmd(opts),
			queryCmd(),
			configCmd(opts),
		},
	}
}

func run(ctx context.Context, args []string) error {
	return newApp(os.Stdout, os.Stderr).RunContext(ctx, args)
}
