package transport

import (
	"net"
	"sync"
)

type closeWriter interface {
	CloseWrite() error
}

// TCP is the cleartext transport.
type TCP struct {
	conn     net.Conn
	shutOnce sync.Once
	shutErr  error
}

func NewTCP(conn net.Conn) *TCP {
	return &TCP{conn: conn}
}

func (t *TCP) Read(p []byte) (int, error) {
	return t.conn.Read(p)
}

func (t *TCP) WriteBuffers(bufs net.Buffers) (int64, error) {
	return writeBuffers(t.conn, bufs)
}

func (t *TCP) Shutdown() error {
	t.shutOnce.Do(func() {
		if cw, ok := t.conn.(closeWriter); ok {
			_ = cw.CloseWrite()
		}
		t.shutErr = t.conn.Close()
	})
	return t.shutErr
}

func (t *TCP) Close() error {
	return t.Shutdown()
}

func (t *TCP) Conn() net.Conn {
	return t.conn
}

func (t *TCP) Kind() string {
	return KindTCP
}

// writeBuffers copies the slice header so the caller's buffer list is not
// consumed by net.Buffers.WriteTo.
func writeBuffers(conn net.Conn, bufs net.Buffers) (int64, error) {
	out := make(net.Buffers, len(bufs))
	copy(out, bufs)
	return out.WriteTo(conn)
}
