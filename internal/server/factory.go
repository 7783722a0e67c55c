package server

import (
	"crypto/tls"
	"errors"
	"net"

	"github.com/danmuck/nscpd/internal/dispatch"
	"github.com/danmuck/nscpd/internal/observability"
	"github.com/danmuck/nscpd/internal/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var ErrDispatcherRequired = errors.New("server: dispatcher required")

// Factory builds a Connection for every accepted socket using one shared
// transport policy and dispatcher.
type Factory struct {
	Transport  transport.Config
	TLS        *tls.Config
	Dispatcher dispatch.Dispatcher
	Conn       ConnConfig
	Logger     zerolog.Logger
}

func NewFactory(
	tcfg transport.Config,
	tlsCfg *tls.Config,
	d dispatch.Dispatcher,
	ccfg ConnConfig,
	logger zerolog.Logger,
) (*Factory, error) {
	if d == nil {
		return nil, ErrDispatcherRequired
	}
	if tcfg.TLS.Enabled && tlsCfg == nil {
		return nil, transport.ErrTLSConfigMissing
	}
	return &Factory{
		Transport:  tcfg.WithDefaults(),
		TLS:        tlsCfg,
		Dispatcher: d,
		Conn:       ccfg.WithDefaults(),
		Logger:     logger,
	}, nil
}

// Create wraps conn in the configured transport. The returned Connection
// has not started; the caller owns running it.
func (f *Factory) Create(conn net.Conn) (*Connection, error) {
	if f.Dispatcher == nil {
		return nil, ErrDispatcherRequired
	}
	t, err := transport.New(conn, f.Transport.TLS.Enabled, f.TLS, f.Transport.WithDefaults().HandshakeTimeout)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	logger := observability.ConnLogger(f.Logger, id, remote, t.Kind())
	return NewConnection(id, t, f.Dispatcher, f.Conn, logger), nil
}
