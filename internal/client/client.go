// Package client speaks the daemon's batch protocol from the requesting
// side: one dial, one batch out, one batch back.
package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/danmuck/nscpd/internal/protocol"
	"github.com/danmuck/nscpd/internal/protocol/frame"
	"github.com/danmuck/nscpd/internal/protocol/schema"
	"github.com/rs/zerolog"
)

var (
	ErrAddressRequired = errors.New("client: address required")
	ErrEmptyBatch      = errors.New("client: empty batch")
	ErrNoResponse      = errors.New("client: peer closed without a response")
)

type TLSConfig struct {
	Enabled            bool
	Mutual             bool
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

type Config struct {
	Address          string
	TLS              TLSConfig
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	Timeout          time.Duration
	Limits           frame.Limits
	EnvelopeVersion  uint64

	// TLSConfig overrides the file based TLS settings when set.
	TLSConfig *tls.Config
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:   5 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		Timeout:          30 * time.Second,
		Limits:           frame.DefaultLimits(),
		EnvelopeVersion:  protocol.EnvelopeVersion,
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.Limits == (frame.Limits{}) {
		c.Limits = def.Limits
	}
	if c.EnvelopeVersion == 0 {
		c.EnvelopeVersion = def.EnvelopeVersion
	}
	return c
}

type Client struct {
	cfg    Config
	logger zerolog.Logger
}

func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, ErrAddressRequired
	}
	return &Client{cfg: cfg.WithDefaults(), logger: logger}, nil
}

// Exchange sends chunks as one batch and returns the peer's batch. Packet
// counts are rewritten to count down to zero. A peer that answers with
// nothing yields an empty result.
func (c *Client) Exchange(ctx context.Context, chunks []frame.Chunk) ([]frame.Chunk, error) {
	if len(chunks) == 0 {
		return nil, ErrEmptyBatch
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()
	_ = conn.SetDeadline(c.deadline(ctx))

	bufs := make(net.Buffers, 0, len(chunks))
	remaining := len(chunks)
	for _, chunk := range chunks {
		remaining--
		chunk.Signature.AdditionalPacketCount = uint32(remaining)
		bufs = append(bufs, chunk.Bytes())
	}
	if _, err := bufs.WriteTo(conn); err != nil {
		return nil, c.wrap(ctx, "write", err)
	}
	c.logger.Debug().Int("chunks", len(chunks)).Str("addr", c.cfg.Address).Msg("batch sent")

	var out []frame.Chunk
	for {
		chunk, err := frame.ReadChunk(conn, c.cfg.Limits)
		if err != nil {
			if errors.Is(err, io.EOF) && len(out) == 0 {
				return nil, nil
			}
			return out, c.wrap(ctx, "read", err)
		}
		out = append(out, chunk)
		if chunk.Signature.AdditionalPacketCount == 0 {
			return out, nil
		}
	}
}

// Query runs commands in one command request and returns their responses
// in order.
func (c *Client) Query(ctx context.Context, requests ...schema.Request) ([]schema.Response, error) {
	if len(requests) == 0 {
		return nil, ErrEmptyBatch
	}
	env := schema.Envelope{Version: c.cfg.EnvelopeVersion, MaxSupportedVersion: c.cfg.EnvelopeVersion}
	batch := []frame.Chunk{
		frame.NewChunk(frame.TypeEnvelopeRequest, schema.EncodeEnvelope(env), 0),
		frame.NewChunk(frame.TypeCommandRequest, schema.EncodeRequest(schema.RequestMessage{Payload: requests}), 0),
	}
	chunks, err := c.Exchange(ctx, batch)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, ErrNoResponse
	}

	var out []schema.Response
	for _, chunk := range chunks {
		switch chunk.Signature.PayloadType {
		case frame.TypeEnvelopeRequest, frame.TypeEnvelopeResponse:
			peer, err := schema.DecodeEnvelope(chunk.Payload)
			if err != nil {
				return nil, err
			}
			if err := protocol.CheckEnvelopeVersion(peer.Version); err != nil {
				c.logger.Warn().Err(err).Msg("peer envelope version")
			}
		case frame.TypeCommandResponse:
			msg, err := schema.DecodeResponse(chunk.Payload)
			if err != nil {
				return nil, err
			}
			out = append(out, msg.Payload...)
		default:
			return nil, fmt.Errorf("%w: %s", protocol.ErrUnexpectedChunkType, chunk.Signature.PayloadType)
		}
	}
	return out, nil
}

func (c *Client) deadline(ctx context.Context) time.Time {
	deadline := time.Now().Add(c.cfg.Timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	return deadline
}

func (c *Client) wrap(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if dl, ok := ctx.Deadline(); ok && !time.Now().Before(dl) {
		return context.DeadlineExceeded
	}
	return fmt.Errorf("client: %s: %w", op, err)
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", c.cfg.Address)
	if err != nil {
		return nil, err
	}
	if !c.cfg.TLS.Enabled && c.cfg.TLSConfig == nil {
		return rawConn, nil
	}

	tlsCfg, err := c.clientTLSConfig()
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return conn, nil
}

func (c *Client) clientTLSConfig() (*tls.Config, error) {
	if c.cfg.TLSConfig != nil {
		return c.cfg.TLSConfig.Clone(), nil
	}
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.cfg.TLS.InsecureSkipVerify,
	}

	serverName := strings.TrimSpace(c.cfg.TLS.ServerName)
	if serverName == "" {
		host, _, err := net.SplitHostPort(c.cfg.Address)
		if err != nil {
			return nil, err
		}
		serverName = host
	}
	cfg.ServerName = serverName

	if caPath := strings.TrimSpace(c.cfg.TLS.CAFile); caPath != "" {
		caPEM, err := os.ReadFile(caPath)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(caPEM); !ok {
			return nil, fmt.Errorf("client: parse tls ca bundle: %s", caPath)
		}
		cfg.RootCAs = pool
	}

	if c.cfg.TLS.Mutual {
		cert, err := tls.LoadX509KeyPair(c.cfg.TLS.CertFile, c.cfg.TLS.KeyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
