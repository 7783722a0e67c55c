package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

const configTemplate = `# nscpd configuration.
id = "nscpd.local"
addr = ":5668"
admin_listen_addr = "127.0.0.1:5669"
cors_origins = ["http://localhost:3000"]
max_connections = 256
admin_token = ""

timeout = "30s"
read_buffer_size = 8192
max_header_bytes = 65536
max_payload_bytes = 8388608

tls_enabled = false
tls_mutual = false
tls_cert_file = ""
tls_key_file = ""
tls_ca_file = ""
tls_handshake_timeout = "10s"

external_timeout = "20s"
external_allow_arguments = false

nats_url = ""
nats_subject = ""
nats_serve_subject = ""
nats_timeout = "10s"

redis_addr = ""
redis_prefix = "nscpd:conn:"
redis_ttl = "5m"

[scripts]

[external]
`

func configCmd(opts *globalOptions) *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Write or check nscpd.toml",
		Subcommands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Write a config template",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Destination path (defaults to --config)",
					},
					&cli.BoolFlag{
						Name:  "force",
						Usage: "Overwrite an existing file",
					},
				},
				Action: func(c *cli.Context) error {
					target := c.String("output")
					if strings.TrimSpace(target) == "" {
						target = opts.Config
					}
					path, err := writeConfigTemplate(target, c.Bool("force"))
					if err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "wrote %s\n", path)
					return nil
				},
			},
			{
				Name:  "validate",
				Usage: "Load the config and every command it registers",
				Action: func(c *cli.Context) error {
					path, exists, err := resolveConfigPath(opts.Config)
					if err != nil {
						return err
					}
					if !exists {
						return fmt.Errorf("config file not found: %s", path)
					}
					if err := validateConfig(path); err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "%s is valid\n", path)
					return nil
				},
			},
		},
	}
}

func writeConfigTemplate(path string, overwrite bool) (string, error) {
	expanded, err := homedir.Expand(strings.TrimSpace(path))
	if err != nil {
		return "", fmt.Errorf("expand config path: %w", err)
	}
	if !overwrite {
		if _, err := os.Stat(expanded); err == nil {
			return "", fmt.Errorf("config already exists: %s", expanded)
		}
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o700); err != nil {
		return "", err
	}
	if err := os.WriteFile(expanded, []byte(configTemplate), 0o600); err != nil {
		return "", err
	}
	return expanded, nil
}

// validateConfig runs the same checks serve does before it binds anything.
func validateConfig(path string) error {
	cfg, err := loadDaemonConfig(path)
	if err != nil {
		return err
	}
	svc := cfg.Service.WithDefaults()
	if err := svc.Transport.ValidateServer(); err != nil {
		return err
	}
	if _, err := svc.Transport.ServerTLSConfig(); err != nil {
		return err
	}
	_, err = buildRouter(cfg, log.Logger)
	return err
}
