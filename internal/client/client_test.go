package client

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/danmuck/nscpd/internal/protocol"
	"github.com/danmuck/nscpd/internal/protocol/frame"
	"github.com/danmuck/nscpd/internal/protocol/schema"
	"github.com/danmuck/nscpd/internal/testutil/testlog"
	"github.com/danmuck/nscpd/internal/testutil/tlstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// peer accepts one connection, reads a whole batch and answers with reply.
func peer(t *testing.T, ln net.Listener, reply []frame.Chunk) <-chan []frame.Chunk {
	t.Helper()
	got := make(chan []frame.Chunk, 1)
	go func() {
		defer close(got)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		var in []frame.Chunk
		for {
			c, err := frame.ReadChunk(conn, frame.DefaultLimits())
			if err != nil {
				return
			}
			in = append(in, c)
			if c.Signature.AdditionalPacketCount == 0 {
				break
			}
		}
		for _, c := range reply {
			if err := frame.WriteChunk(conn, c); err != nil {
				return
			}
		}
		got <- in
	}()
	return got
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	return ln
}

func TestQuerySendsEnvelopeAndCommands(t *testing.T) {
	ln := listen(t)
	resp := schema.EncodeResponse(schema.ResponseMessage{Payload: []schema.Response{
		{Command: "check_ok", Result: schema.ResultOK, Message: "fine"},
	}})
	got := peer(t, ln, []frame.Chunk{
		frame.NewChunk(frame.TypeEnvelopeRequest, schema.EncodeEnvelope(schema.Envelope{Version: 1}), 1),
		frame.NewChunk(frame.TypeCommandResponse, resp, 0),
	})

	c, err := New(Config{Address: ln.Addr().String(), Timeout: 2 * time.Second}, testlog.Start(t))
	require.NoError(t, err)
	out, err := c.Query(context.Background(), schema.Request{Command: "check_ok"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "fine", out[0].Message)

	in := <-got
	require.Len(t, in, 2)
	assert.Equal(t, frame.TypeEnvelopeRequest, in[0].Signature.PayloadType)
	assert.EqualValues(t, 1, in[0].Signature.AdditionalPacketCount)
	assert.Equal(t, frame.TypeCommandRequest, in[1].Signature.PayloadType)
	assert.EqualValues(t, 0, in[1].Signature.AdditionalPacketCount)
	req, err := schema.DecodeRequest(in[1].Payload)
	require.NoError(t, err)
	assert.Equal(t, "check_ok", req.Payload[0].Command)
}

func TestQueryRejectsUnexpectedChunk(t *testing.T) {
	ln := listen(t)
	peer(t, ln, []frame.Chunk{frame.NewChunk(frame.TypeError, []byte("nope"), 0)})

	c, err := New(Config{Address: ln.Addr().String(), Timeout: 2 * time.Second}, testlog.Start(t))
	require.NoError(t, err)
	_, err = c.Query(context.Background(), schema.Request{Command: "check_ok"})
	assert.ErrorIs(t, err, protocol.ErrUnexpectedChunkType)
}

func TestQueryEmptyAnswer(t *testing.T) {
	ln := listen(t)
	peer(t, ln, nil)

	c, err := New(Config{Address: ln.Addr().String(), Timeout: 2 * time.Second}, testlog.Start(t))
	require.NoError(t, err)
	_, err = c.Query(context.Background(), schema.Request{Command: "check_ok"})
	assert.ErrorIs(t, err, ErrNoResponse)
}

func TestExchangeOverTLS(t *testing.T) {
	ca := tlstest.NewAuthority(t, "nscpd-test-ca")
	ln := listen(t)
	tlsLn := tls.NewListener(ln, ca.ServerConfig(t))
	got := peer(t, tlsLn, []frame.Chunk{frame.NewChunk(frame.TypeCommandResponse, []byte("pong"), 0)})

	caFile, _, _ := ca.WriteFiles(t, t.TempDir())
	c, err := New(Config{
		Address: ln.Addr().String(),
		TLS:     TLSConfig{Enabled: true, CAFile: caFile, ServerName: "localhost"},
		Timeout: 2 * time.Second,
	}, testlog.Start(t))
	require.NoError(t, err)

	out, err := c.Exchange(context.Background(), []frame.Chunk{frame.NewChunk(frame.TypeCommandRequest, []byte("ping"), 7)})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "pong", string(out[0].Payload))
	in := <-got
	require.Len(t, in, 1)
	assert.EqualValues(t, 0, in[0].Signature.AdditionalPacketCount, "counts are rewritten")
}

func TestExchangeHonoursContext(t *testing.T) {
	ln := listen(t)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			defer conn.Close()
			time.Sleep(2 * time.Second)
		}
	}()

	c, err := New(Config{Address: ln.Addr().String()}, testlog.Start(t))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = c.Exchange(ctx, []frame.Chunk{frame.NewChunk(frame.TypeCommandRequest, []byte("x"), 0)})
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{}, testlog.Start(t))
	assert.ErrorIs(t, err, ErrAddressRequired)

	c, err := New(Config{Address: "127.0.0.1:1"}, testlog.Start(t))
	require.NoError(t, err)
	_, err = c.Exchange(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyBatch)
	assert.Equal(t, DefaultConfig().Limits, c.cfg.Limits)
}
