package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/danmuck/nscpd/internal/client"
	"github.com/danmuck/nscpd/internal/protocol/schema"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

func queryCmd() *cli.Command {
	cfg := client.DefaultConfig()
	cfg.Address = "127.0.0.1:5668"
	return &cli.Command{
		Name:      "query",
		Usage:     "Run one check against a daemon and exit with its status",
		ArgsUsage: "<command> [argument...]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "address",
				Aliases:     []string{"H"},
				Usage:       "Daemon host:port",
				EnvVars:     []string{envPrefix + "_ADDRESS"},
				Destination: &cfg.Address,
				Value:       cfg.Address,
			},
			&cli.DurationFlag{
				Name:        "timeout",
				Aliases:     []string{"t"},
				Usage:       "Give up after this long",
				Destination: &cfg.Timeout,
				Value:       cfg.Timeout,
			},
			&cli.BoolFlag{
				Name:        "tls",
				Usage:       "Connect with TLS",
				Destination: &cfg.TLS.Enabled,
			},
			&cli.StringFlag{
				Name:        "ca-file",
				Usage:       "CA bundle used to verify the daemon",
				Destination: &cfg.TLS.CAFile,
			},
			&cli.StringFlag{
				Name:        "cert-file",
				Usage:       "Client certificate for mutual TLS",
				Destination: &cfg.TLS.CertFile,
			},
			&cli.StringFlag{
				Name:        "key-file",
				Usage:       "Client key for mutual TLS",
				Destination: &cfg.TLS.KeyFile,
			},
			&cli.StringFlag{
				Name:        "server-name",
				Usage:       "Expected daemon certificate name",
				Destination: &cfg.TLS.ServerName,
			},
			&cli.BoolFlag{
				Name:        "insecure",
				Usage:       "Skip daemon certificate verification",
				Destination: &cfg.TLS.InsecureSkipVerify,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return cli.Exit("query: command required", int(schema.ResultUnknown))
			}
			cfg.TLS.Mutual = cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != ""
			cl, err := client.New(cfg, log.Logger)
			if err != nil {
				return cli.Exit(err.Error(), int(schema.ResultUnknown))
			}
			req := schema.Request{Command: c.Args().First(), Arguments: c.Args().Tail()}

			start := time.Now()
			resps, err := cl.Query(c.Context, req)
			if err != nil {
				return cli.Exit(fmt.Sprintf("UNKNOWN: %v", err), int(schema.ResultUnknown))
			}
			log.Debug().Dur("elapsed", time.Since(start)).Int("responses", len(resps)).Msg("query done")
			if worst := printResponses(c.App.Writer, resps); worst != schema.ResultOK {
				return cli.Exit("", int(worst))
			}
			return nil
		},
	}
}

// printResponses writes one line per response and returns the worst result.
func printResponses(w io.Writer, resps []schema.Response) schema.Result {
	worst := schema.ResultOK
	if len(resps) == 0 {
		fmt.Fprintln(w, "UNKNOWN: no responses")
		return schema.ResultUnknown
	}
	for _, r := range resps {
		line := r.Result.String() + ": " + r.Message
		if perf := strings.TrimSpace(r.Perf); perf != "" {
			line += " | " + perf
		}
		fmt.Fprintln(w, line)
		if r.Result > worst {
			worst = r.Result
		}
	}
	return worst
}
