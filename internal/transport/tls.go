package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"
)

// TLS is the encrypted transport. The server handshake runs on the first
// Read so callers never see it.
type TLS struct {
	raw     net.Conn
	conn    *tls.Conn
	timeout time.Duration

	handshakeOnce sync.Once
	handshakeErr  error

	closeOnce sync.Once
	closeErr  error
}

func NewTLS(raw net.Conn, cfg *tls.Config, handshakeTimeout time.Duration) *TLS {
	return &TLS{
		raw:     raw,
		conn:    tls.Server(raw, cfg),
		timeout: handshakeTimeout,
	}
}

func (t *TLS) handshake() error {
	t.handshakeOnce.Do(func() {
		ctx := context.Background()
		if t.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, t.timeout)
			defer cancel()
		}
		if err := t.conn.HandshakeContext(ctx); err != nil {
			t.handshakeErr = fmt.Errorf("%w: %v", ErrHandshake, err)
		}
	})
	return t.handshakeErr
}

func (t *TLS) Read(p []byte) (int, error) {
	if err := t.handshake(); err != nil {
		return 0, err
	}
	return t.conn.Read(p)
}

func (t *TLS) WriteBuffers(bufs net.Buffers) (int64, error) {
	if err := t.handshake(); err != nil {
		return 0, err
	}
	return writeBuffers(t.conn, bufs)
}

// Shutdown sends close_notify when the session is established, then closes
// the socket.
func (t *TLS) Shutdown() error {
	t.closeOnce.Do(func() {
		if t.conn.ConnectionState().HandshakeComplete {
			_ = t.conn.CloseWrite()
		}
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

func (t *TLS) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.raw.Close()
	})
	return t.closeErr
}

func (t *TLS) Conn() net.Conn {
	return t.raw
}

func (t *TLS) Kind() string {
	return KindTLS
}

// PeerCommonName returns the verified client certificate subject, if any.
func (t *TLS) PeerCommonName() string {
	state := t.conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return ""
	}
	return state.PeerCertificates[0].Subject.CommonName
}
