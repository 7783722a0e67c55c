// Package admin serves the operator HTTP surface: liveness, readiness,
// prometheus metrics and the live connection list. The connection and
// command listings can be put behind a bearer token.
package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/danmuck/nscpd/internal/auth"
	"github.com/danmuck/nscpd/internal/observability"
	"github.com/danmuck/nscpd/internal/registry"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const shutdownGrace = 5 * time.Second

type Config struct {
	NodeID      string
	Version     string
	CORSOrigins []string
	// Token guards /connections and /commands when set.
	Token string
}

// CommandLister reports the command names a dispatcher answers.
type CommandLister interface {
	Commands() []string
}

type Server struct {
	cfg      Config
	registry registry.Registry
	commands CommandLister
	logger   zerolog.Logger

	router   *gin.Engine
	started  time.Time
	ready    atomic.Bool
	draining atomic.Bool
}

func New(cfg Config, reg registry.Registry, commands CommandLister, logger zerolog.Logger) *Server {
	observability.RegisterMetrics()
	if strings.TrimSpace(cfg.NodeID) == "" {
		cfg.NodeID = "nscpd"
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.AdminMiddleware(logger, cfg.NodeID))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CORSOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		cfg:      cfg,
		registry: reg,
		commands: commands,
		logger:   logger,
		router:   r,
		started:  time.Now(),
	}
	s.registerRoutes()
	return s
}

// SetReady flips the /ready answer. The service marks itself ready once
// its listener is accepting.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"node":    s.cfg.NodeID,
			"version": s.cfg.Version,
		})
	})

	s.router.GET("/ready", func(c *gin.Context) {
		ready := s.ready.Load() && !s.draining.Load()
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":   ready,
			"uptime":  time.Since(s.started).String(),
			"node":    s.cfg.NodeID,
			"version": s.cfg.Version,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	var guard auth.Validator
	if token := strings.TrimSpace(s.cfg.Token); token != "" {
		guard = auth.StaticToken{Token: token}
	}
	private := s.router.Group("/", auth.Require(guard))

	private.GET("/connections", func(c *gin.Context) {
		if s.registry == nil {
			c.JSON(http.StatusOK, gin.H{"connections": []registry.Entry{}})
			return
		}
		entries, err := s.registry.List(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"connections": entries, "count": len(entries)})
	})

	private.GET("/commands", func(c *gin.Context) {
		var names []string
		if s.commands != nil {
			names = s.commands.Commands()
		}
		if names == nil {
			names = []string{}
		}
		c.JSON(http.StatusOK, gin.H{"commands": names})
	})
}

// Serve listens on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", strings.TrimSpace(addr))
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln)
}

func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("admin listening")

	go func() {
		<-ctx.Done()
		s.draining.Store(true)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"http://localhost:3000"}
	}
	return out
}
