// Package transport hides the difference between cleartext and TLS peers
// behind one stream interface.
package transport

import (
	"crypto/tls"
	"errors"
	"net"
	"time"
)

const (
	KindTCP = "tcp"
	KindTLS = "tls"
)

var (
	ErrTLSConfigMissing = errors.New("transport: tls enabled without tls config")
	ErrHandshake        = errors.New("transport: tls handshake failed")
)

// Transport is a byte stream to one peer.
type Transport interface {
	// Read blocks until some bytes arrive or the stream fails.
	Read(p []byte) (int, error)
	// WriteBuffers writes every buffer in order. The buffers are not
	// retained after it returns.
	WriteBuffers(bufs net.Buffers) (int64, error)
	// Shutdown closes both directions gracefully. Safe to call repeatedly.
	Shutdown() error
	// Close tears the socket down without any goodbye. Safe to call
	// repeatedly and concurrently with Read.
	Close() error
	// Conn is the underlying socket.
	Conn() net.Conn
	Kind() string
}

// New wraps an accepted connection, selecting TLS when useTLS is set.
func New(conn net.Conn, useTLS bool, tlsCfg *tls.Config, handshakeTimeout time.Duration) (Transport, error) {
	if !useTLS {
		return NewTCP(conn), nil
	}
	if tlsCfg == nil {
		return nil, ErrTLSConfigMissing
	}
	return NewTLS(conn, tlsCfg, handshakeTimeout), nil
}
