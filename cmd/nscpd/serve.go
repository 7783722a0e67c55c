package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/danmuck/nscpd/internal/dispatch"
	"github.com/danmuck/nscpd/internal/registry"
	"github.com/danmuck/nscpd/internal/server"
	"github.com/danmuck/nscpd/internal/tools"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

func serveCmd(opts *globalOptions) *cli.Command {
	var listen, adminListen string
	return &cli.Command{
		Name:  "serve",
		Usage: "Accept check requests until interrupted",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "listen",
				Aliases:     []string{"l"},
				Usage:       "Override addr from the config file",
				EnvVars:     []string{envPrefix + "_LISTEN"},
				Destination: &listen,
			},
			&cli.StringFlag{
				Name:        "admin-listen",
				Usage:       "Override admin_listen_addr from the config file",
				EnvVars:     []string{envPrefix + "_ADMIN_LISTEN"},
				Destination: &adminListen,
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadOrDefault(opts.Config, c.IsSet("config"))
			if err != nil {
				return err
			}
			if strings.TrimSpace(listen) != "" {
				cfg.Service.ListenAddr = listen
			}
			if strings.TrimSpace(adminListen) != "" {
				cfg.Service.AdminListenAddr = adminListen
			}
			cfg.Service.Version = version
			return serve(c.Context, cfg, log.Logger)
		},
	}
}

// loadOrDefault reads the config file. An explicitly named file must exist;
// the default path is optional.
func loadOrDefault(path string, explicit bool) (daemonConfig, error) {
	resolved, exists, err := resolveConfigPath(path)
	if err != nil {
		return daemonConfig{}, err
	}
	if !exists {
		if explicit {
			return daemonConfig{}, fmt.Errorf("config file not found: %s", resolved)
		}
		log.Info().Str("path", resolved).Msg("no config file, using defaults")
		return defaultDaemonConfig(), nil
	}
	log.Info().Str("path", resolved).Msg("loading config")
	return loadDaemonConfig(resolved)
}

func serve(ctx context.Context, cfg daemonConfig, logger zerolog.Logger) error {
	router, err := buildRouter(cfg, logger)
	if err != nil {
		return err
	}

	var d dispatch.Dispatcher = router
	if strings.TrimSpace(cfg.NATS.URL) != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("nscpd-"+cfg.Service.NodeID))
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer nc.Drain()
		if subject := cfg.NATS.ServeSubject; subject != "" {
			sub, err := dispatch.ServeNATS(nc, subject, router, logger.With().Str("component", "nats").Logger())
			if err != nil {
				return fmt.Errorf("subscribe %s: %w", subject, err)
			}
			defer sub.Unsubscribe()
			logger.Info().Str("subject", subject).Msg("answering relayed commands")
		}
		if subject := cfg.NATS.Subject; subject != "" {
			d = dispatch.NewNATSDispatcher(nc, subject, cfg.NATS.Timeout, logger.With().Str("component", "nats").Logger())
			logger.Info().Str("subject", subject).Msg("relaying commands over nats")
		}
	}

	reg, closeReg := buildRegistry(cfg, logger)
	defer closeReg()

	svc, err := server.NewService(cfg.Service, d, reg, logger)
	if err != nil {
		return err
	}
	return svc.Run(ctx)
}

func buildRouter(cfg daemonConfig, logger zerolog.Logger) (*dispatch.Router, error) {
	router := dispatch.NewRouter(logger.With().Str("component", "dispatch").Logger())
	if err := dispatch.RegisterBuiltins(router, version); err != nil {
		return nil, err
	}
	for name, path := range cfg.Scripts {
		h, err := dispatch.LoadScriptHandler(name, path)
		if err != nil {
			return nil, err
		}
		if err := router.Register(name, h); err != nil {
			return nil, err
		}
		logger.Debug().Str("command", name).Str("path", path).Msg("registered script command")
	}
	runner := tools.ExecRunner{}
	for name, argv := range cfg.External.Commands {
		h, err := dispatch.NewExternalHandler(name, argv, runner, dispatch.ExternalOptions{
			Timeout:        cfg.External.Timeout,
			AllowArguments: cfg.External.AllowArguments,
		})
		if err != nil {
			return nil, err
		}
		if err := router.Register(name, h); err != nil {
			return nil, err
		}
		logger.Debug().Str("command", name).Strs("argv", argv).Msg("registered external command")
	}
	return router, nil
}

// buildRegistry lists from redis when configured so /connections shows the
// whole fleet; memory always mirrors the local view.
func buildRegistry(cfg daemonConfig, logger zerolog.Logger) (registry.Registry, func()) {
	mem := registry.NewMemory()
	if strings.TrimSpace(cfg.Redis.Addr) == "" {
		return mem, func() {}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	logger.Info().Str("addr", cfg.Redis.Addr).Msg("mirroring connections to redis")
	return registry.Multi{registry.NewRedis(client, cfg.Redis.Prefix, cfg.Redis.TTL), mem}, func() {
		_ = client.Close()
	}
}
