package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/nscpd/internal/server"
	"github.com/mitchellh/go-homedir"
)

const defaultConfigPath = "~/.nscpd/nscpd.toml"

// nscpd.toml key mapping to daemon settings.
type fileConfig struct {
	ID              string   `toml:"id"`
	Addr            string   `toml:"addr"`
	AdminListenAddr string   `toml:"admin_listen_addr"`
	CORSOrigins     []string `toml:"cors_origins"`
	MaxConnections  int64    `toml:"max_connections"`

	Timeout         string `toml:"timeout"`
	ReadBufferSize  int    `toml:"read_buffer_size"`
	MaxHeaderBytes  uint32 `toml:"max_header_bytes"`
	MaxPayloadBytes uint32 `toml:"max_payload_bytes"`

	TLSEnabled          bool   `toml:"tls_enabled"`
	TLSMutual           bool   `toml:"tls_mutual"`
	TLSCertFile         string `toml:"tls_cert_file"`
	TLSKeyFile          string `toml:"tls_key_file"`
	TLSCAFile           string `toml:"tls_ca_file"`
	TLSHandshakeTimeout string `toml:"tls_handshake_timeout"`

	Scripts map[string]string `toml:"scripts"`

	External               map[string][]string `toml:"external"`
	ExternalTimeout        string              `toml:"external_timeout"`
	ExternalAllowArguments bool                `toml:"external_allow_arguments"`

	AdminToken string `toml:"admin_token"`

	NATSURL          string `toml:"nats_url"`
	NATSSubject      string `toml:"nats_subject"`
	NATSServeSubject string `toml:"nats_serve_subject"`
	NATSTimeout      string `toml:"nats_timeout"`

	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	RedisPrefix   string `toml:"redis_prefix"`
	RedisTTL      string `toml:"redis_ttl"`
}

type natsConfig struct {
	URL          string
	Subject      string
	ServeSubject string
	Timeout      time.Duration
}

type externalConfig struct {
	Commands       map[string][]string
	Timeout        time.Duration
	AllowArguments bool
}

type redisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// daemonConfig is everything `nscpd serve` needs to assemble the service.
type daemonConfig struct {
	Service  server.ServiceConfig
	Scripts  map[string]string
	External externalConfig
	NATS     natsConfig
	Redis    redisConfig
}

func defaultDaemonConfig() daemonConfig {
	return daemonConfig{
		Service:  server.DefaultServiceConfig(),
		Scripts:  map[string]string{},
		External: externalConfig{Commands: map[string][]string{}, Timeout: 20 * time.Second},
		NATS:     natsConfig{Timeout: 10 * time.Second},
		Redis:    redisConfig{TTL: 5 * time.Minute},
	}
}

// resolveConfigPath expands ~ and reports whether the file exists. A
// missing file at the default path is not an error.
func resolveConfigPath(path string) (string, bool, error) {
	if strings.TrimSpace(path) == "" {
		path = defaultConfigPath
	}
	expanded, err := homedir.Expand(strings.TrimSpace(path))
	if err != nil {
		return "", false, fmt.Errorf("expand config path: %w", err)
	}
	if _, err := os.Stat(expanded); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return expanded, false, nil
		}
		return "", false, err
	}
	return expanded, true, nil
}

// loadDaemonConfig overlays the TOML file at path on the defaults.
func loadDaemonConfig(path string) (daemonConfig, error) {
	cfg := defaultDaemonConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return daemonConfig{}, fmt.Errorf("load nscpd config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return daemonConfig{}, fmt.Errorf("load nscpd config: unknown key %q", undecoded[0].String())
	}

	svc := &cfg.Service
	if meta.IsDefined("id") {
		svc.NodeID = strings.TrimSpace(raw.ID)
	}
	if meta.IsDefined("addr") {
		svc.ListenAddr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("admin_listen_addr") {
		svc.AdminListenAddr = strings.TrimSpace(raw.AdminListenAddr)
	}
	if meta.IsDefined("cors_origins") {
		svc.CORSOrigins = raw.CORSOrigins
	}
	if meta.IsDefined("max_connections") {
		svc.MaxConnections = raw.MaxConnections
	}
	if meta.IsDefined("admin_token") {
		svc.AdminToken = strings.TrimSpace(raw.AdminToken)
	}

	if meta.IsDefined("timeout") {
		d, err := parseDuration("timeout", raw.Timeout)
		if err != nil {
			return daemonConfig{}, err
		}
		svc.Conn.Timeout = d
	}
	if meta.IsDefined("read_buffer_size") {
		svc.Conn.ReadBufferSize = raw.ReadBufferSize
	}
	if meta.IsDefined("max_header_bytes") {
		svc.Conn.Limits.MaxHeaderBytes = raw.MaxHeaderBytes
	}
	if meta.IsDefined("max_payload_bytes") {
		svc.Conn.Limits.MaxPayloadBytes = raw.MaxPayloadBytes
	}

	if meta.IsDefined("tls_enabled") {
		svc.Transport.TLS.Enabled = raw.TLSEnabled
	}
	if meta.IsDefined("tls_mutual") {
		svc.Transport.TLS.Mutual = raw.TLSMutual
	}
	base := filepath.Dir(path)
	if meta.IsDefined("tls_cert_file") {
		svc.Transport.TLS.CertFile = relativeTo(base, raw.TLSCertFile)
	}
	if meta.IsDefined("tls_key_file") {
		svc.Transport.TLS.KeyFile = relativeTo(base, raw.TLSKeyFile)
	}
	if meta.IsDefined("tls_ca_file") {
		svc.Transport.TLS.CAFile = relativeTo(base, raw.TLSCAFile)
	}
	if meta.IsDefined("tls_handshake_timeout") {
		d, err := parseDuration("tls_handshake_timeout", raw.TLSHandshakeTimeout)
		if err != nil {
			return daemonConfig{}, err
		}
		svc.Transport.HandshakeTimeout = d
	}

	if meta.IsDefined("scripts") {
		for name, p := range raw.Scripts {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			cfg.Scripts[name] = relativeTo(base, p)
		}
	}

	if meta.IsDefined("external") {
		for name, argv := range raw.External {
			name = strings.TrimSpace(name)
			if name == "" || len(argv) == 0 {
				continue
			}
			cfg.External.Commands[name] = argv
		}
	}
	if meta.IsDefined("external_timeout") {
		d, err := parseDuration("external_timeout", raw.ExternalTimeout)
		if err != nil {
			return daemonConfig{}, err
		}
		cfg.External.Timeout = d
	}
	if meta.IsDefined("external_allow_arguments") {
		cfg.External.AllowArguments = raw.ExternalAllowArguments
	}

	if meta.IsDefined("nats_url") {
		cfg.NATS.URL = strings.TrimSpace(raw.NATSURL)
	}
	if meta.IsDefined("nats_subject") {
		cfg.NATS.Subject = strings.TrimSpace(raw.NATSSubject)
	}
	if meta.IsDefined("nats_serve_subject") {
		cfg.NATS.ServeSubject = strings.TrimSpace(raw.NATSServeSubject)
	}
	if meta.IsDefined("nats_timeout") {
		d, err := parseDuration("nats_timeout", raw.NATSTimeout)
		if err != nil {
			return daemonConfig{}, err
		}
		cfg.NATS.Timeout = d
	}

	if meta.IsDefined("redis_addr") {
		cfg.Redis.Addr = strings.TrimSpace(raw.RedisAddr)
	}
	if meta.IsDefined("redis_password") {
		cfg.Redis.Password = raw.RedisPassword
	}
	if meta.IsDefined("redis_db") {
		cfg.Redis.DB = raw.RedisDB
	}
	if meta.IsDefined("redis_prefix") {
		cfg.Redis.Prefix = strings.TrimSpace(raw.RedisPrefix)
	}
	if meta.IsDefined("redis_ttl") {
		d, err := parseDuration("redis_ttl", raw.RedisTTL)
		if err != nil {
			return daemonConfig{}, err
		}
		cfg.Redis.TTL = d
	}

	if err := boundHandlerTimeouts(&cfg, meta); err != nil {
		return daemonConfig{}, err
	}
	return cfg, nil
}

// boundHandlerTimeouts keeps command timeouts below the connection
// inactivity timeout, which also runs while a command executes. Explicit
// values at or above it are rejected; defaults are pulled under it.
func boundHandlerTimeouts(cfg *daemonConfig, meta toml.MetaData) error {
	limit := cfg.Service.Conn.WithDefaults().Timeout
	bounded := []struct {
		key string
		d   *time.Duration
	}{
		{"external_timeout", &cfg.External.Timeout},
		{"nats_timeout", &cfg.NATS.Timeout},
	}
	for _, b := range bounded {
		if *b.d < limit {
			continue
		}
		if meta.IsDefined(b.key) {
			return fmt.Errorf("%s (%s) must be shorter than timeout (%s)", b.key, *b.d, limit)
		}
		*b.d = limit - limit/10
	}
	return nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func relativeTo(base, p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	if expanded, err := homedir.Expand(p); err == nil {
		p = expanded
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}
