package server

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/nscpd/internal/admin"
	"github.com/danmuck/nscpd/internal/dispatch"
	"github.com/danmuck/nscpd/internal/observability"
	"github.com/danmuck/nscpd/internal/protocol"
	"github.com/danmuck/nscpd/internal/protocol/frame"
	"github.com/danmuck/nscpd/internal/registry"
	"github.com/danmuck/nscpd/internal/transport"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const registryTimeout = 2 * time.Second

// ServiceConfig is the daemon's listener policy.
type ServiceConfig struct {
	NodeID          string
	Version         string
	ListenAddr      string
	AdminListenAddr string
	CORSOrigins     []string
	AdminToken      string
	MaxConnections  int64
	Transport       transport.Config
	Conn            ConnConfig
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		NodeID:         "nscpd.local",
		Version:        "0.1.0",
		ListenAddr:     ":5668",
		MaxConnections: 256,
		Transport:      transport.DefaultConfig(),
		Conn:           DefaultConnConfig(),
	}
}

func (c ServiceConfig) WithDefaults() ServiceConfig {
	def := DefaultServiceConfig()
	if strings.TrimSpace(c.NodeID) == "" {
		c.NodeID = def.NodeID
	}
	if strings.TrimSpace(c.Version) == "" {
		c.Version = def.Version
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = def.ListenAddr
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = def.MaxConnections
	}
	c.Transport = c.Transport.WithDefaults()
	c.Conn = c.Conn.WithDefaults()
	return c
}

// Service accepts peers and runs one Connection per socket.
type Service struct {
	cfg      ServiceConfig
	factory  *Factory
	registry registry.Registry
	admin    *admin.Server
	logger   zerolog.Logger

	sem    *semaphore.Weighted
	active atomic.Int64
	wg     sync.WaitGroup
}

// NewService loads key material, builds the connection factory and the
// admin surface. A nil registry falls back to process memory.
func NewService(cfg ServiceConfig, d dispatch.Dispatcher, reg registry.Registry, logger zerolog.Logger) (*Service, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Transport.ValidateServer(); err != nil {
		return nil, err
	}
	tlsCfg, err := cfg.Transport.ServerTLSConfig()
	if err != nil {
		return nil, err
	}
	connLogger := observability.ComponentLogger(logger, "conn")
	factory, err := NewFactory(cfg.Transport, tlsCfg, d, cfg.Conn, connLogger)
	if err != nil {
		return nil, err
	}
	if reg == nil {
		reg = registry.NewMemory()
	}
	var commands admin.CommandLister
	if lister, ok := d.(admin.CommandLister); ok {
		commands = lister
	}
	observability.RegisterMetrics()
	return &Service{
		cfg:      cfg,
		factory:  factory,
		registry: reg,
		admin: admin.New(admin.Config{
			NodeID:      cfg.NodeID,
			Version:     cfg.Version,
			CORSOrigins: cfg.CORSOrigins,
			Token:       cfg.AdminToken,
		}, reg, commands, observability.ComponentLogger(logger, "admin")),
		logger: observability.ComponentLogger(logger, "service"),
		sem:    semaphore.NewWeighted(cfg.MaxConnections),
	}, nil
}

func (s *Service) Config() ServiceConfig {
	return s.cfg
}

func (s *Service) Factory() *Factory {
	return s.factory
}

func (s *Service) Admin() *admin.Server {
	return s.admin
}

func (s *Service) Registry() registry.Registry {
	return s.registry
}

func (s *Service) ActiveConnections() int64 {
	return s.active.Load()
}

// Run listens on the configured addresses and blocks until ctx is
// cancelled or a listener fails.
func (s *Service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.logger.Info().
		Str("addr", ln.Addr().String()).
		Bool("tls", s.cfg.Transport.TLS.Enabled).
		Bool("mutual_tls", s.cfg.Transport.TLS.Mutual).
		Int64("max_connections", s.cfg.MaxConnections).
		Msg("listening")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.Serve(gctx, ln)
	})
	if addr := strings.TrimSpace(s.cfg.AdminListenAddr); addr != "" {
		g.Go(func() error {
			return s.admin.Serve(gctx, addr)
		})
	}
	return g.Wait()
}

// Serve accepts on ln until ctx is cancelled, then waits for in-flight
// exchanges to unwind.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.wg.Wait()
	defer ln.Close()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	s.admin.SetReady(true)
	defer s.admin.SetReady(false)

	for {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		conn, err := ln.Accept()
		if err != nil {
			s.sem.Release(1)
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.logger.Warn().Err(err).Msg("accept timeout")
				continue
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.sem.Release(1)
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Service) handleConn(ctx context.Context, conn net.Conn) {
	c, err := s.factory.Create(conn)
	if err != nil {
		s.logger.Error().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("failed to create connection")
		_ = conn.Close()
		return
	}
	kind := c.Transport().Kind()
	entry := registry.Entry{
		ID:        c.ID(),
		Remote:    conn.RemoteAddr().String(),
		Transport: kind,
		StartedAt: time.Now(),
	}
	s.register(ctx, entry)
	active := s.active.Add(1)
	observability.ConnectionOpened(kind)
	s.logger.Debug().Str("conn", entry.ID).Str("remote", entry.Remote).Int64("active_clients", active).Msg("client connected")

	err = c.Start(ctx)

	outcome := Outcome(err)
	observability.ConnectionClosed(kind, outcome, time.Since(entry.StartedAt))
	remaining := s.active.Add(-1)
	s.unregister(ctx, entry.ID)
	stats := c.Stats()
	s.logger.Debug().
		Str("conn", entry.ID).
		Str("outcome", outcome).
		Int64("packets_in", stats.PacketsIn).
		Int64("chunks_out", stats.ChunksOut).
		Int64("active_clients", remaining).
		Msg("client disconnected")
}

func (s *Service) register(ctx context.Context, e registry.Entry) {
	ctx, cancel := context.WithTimeout(ctx, registryTimeout)
	defer cancel()
	if err := s.registry.Register(ctx, e); err != nil {
		s.logger.Warn().Err(err).Str("conn", e.ID).Msg("registry register failed")
	}
}

func (s *Service) unregister(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), registryTimeout)
	defer cancel()
	if err := s.registry.Unregister(ctx, id); err != nil {
		s.logger.Warn().Err(err).Str("conn", id).Msg("registry unregister failed")
	}
}

// Outcome buckets a Start result for metrics.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "shutdown"
	case errors.Is(err, protocol.ErrNoProgress),
		errors.Is(err, frame.ErrPayloadTooLarge),
		errors.Is(err, frame.ErrHeaderTooLarge):
		return "protocol"
	case errors.Is(err, transport.ErrHandshake):
		return "handshake"
	default:
		return "error"
	}
}
