package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/nscpd/internal/dispatch"
	"github.com/danmuck/nscpd/internal/observability"
	"github.com/danmuck/nscpd/internal/protocol"
	"github.com/danmuck/nscpd/internal/protocol/frame"
	"github.com/danmuck/nscpd/internal/protocol/schema"
	"github.com/danmuck/nscpd/internal/transport"
	"github.com/rs/zerolog"
)

// State is the connection's position in its single exchange.
type State int32

const (
	StateAwaitSignature State = iota
	StateAwaitPayload
	StateResponseReady
	StateClosed
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateAwaitSignature:
		return "await_signature"
	case StateAwaitPayload:
		return "await_payload"
	case StateResponseReady:
		return "response_ready"
	case StateClosed:
		return "closed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

var (
	ErrTimeout        = errors.New("server: inactivity timeout")
	ErrAlreadyStarted = errors.New("server: connection already started")
)

// ConnConfig holds per-connection tunables.
type ConnConfig struct {
	Timeout         time.Duration
	ReadBufferSize  int
	Limits          frame.Limits
	EnvelopeVersion uint64
}

func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		Timeout:         30 * time.Second,
		ReadBufferSize:  8 * 1024,
		Limits:          frame.DefaultLimits(),
		EnvelopeVersion: protocol.EnvelopeVersion,
	}
}

func (c ConnConfig) WithDefaults() ConnConfig {
	def := DefaultConnConfig()
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = def.ReadBufferSize
	}
	if c.Limits == (frame.Limits{}) {
		c.Limits = def.Limits
	}
	if c.EnvelopeVersion == 0 {
		c.EnvelopeVersion = def.EnvelopeVersion
	}
	return c
}

// Stats counts what one exchange moved.
type Stats struct {
	PacketsIn int64
	ChunksOut int64
	BytesIn   int64
	BytesOut  int64
}

// continuation records which unit the next bytes belong to. A payload
// continuation carries the signature that declared it.
type continuation struct {
	expect State
	sig    frame.Signature
}

// Connection runs one request/response exchange with one peer. All parse
// and dispatch work happens on the goroutine that calls Start; the
// inactivity timer only ever closes the transport.
type Connection struct {
	id         string
	transport  transport.Transport
	dispatcher dispatch.Dispatcher
	cfg        ConnConfig
	logger     zerolog.Logger

	next    continuation
	scratch []byte
	pending []byte
	off     int
	// stalledAt is len(pending) at the last incomplete digest, -1 after
	// any completed unit.
	stalledAt int

	outbound []frame.Chunk
	// buffers own the serialized response until the write returns.
	buffers net.Buffers

	timerMu  sync.Mutex
	timer    *time.Timer
	timedOut atomic.Bool
	// cancel ends the exchange context; the timer cancels it with
	// ErrTimeout so running handlers stop with the peer.
	cancel context.CancelCauseFunc

	started atomic.Bool
	state   atomic.Int32

	packetsIn atomic.Int64
	chunksOut atomic.Int64
	bytesIn   atomic.Int64
	bytesOut  atomic.Int64
}

func NewConnection(id string, t transport.Transport, d dispatch.Dispatcher, cfg ConnConfig, logger zerolog.Logger) *Connection {
	cfg = cfg.WithDefaults()
	c := &Connection{
		id:         id,
		transport:  t,
		dispatcher: d,
		cfg:        cfg,
		logger:     logger,
		next:       continuation{expect: StateAwaitSignature},
		scratch:    make([]byte, cfg.ReadBufferSize),
		stalledAt:  -1,
	}
	c.state.Store(int32(StateAwaitSignature))
	return c
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) Transport() transport.Transport {
	return c.transport
}

func (c *Connection) State() State {
	return State(c.state.Load())
}

func (c *Connection) Stats() Stats {
	return Stats{
		PacketsIn: c.packetsIn.Load(),
		ChunksOut: c.chunksOut.Load(),
		BytesIn:   c.bytesIn.Load(),
		BytesOut:  c.bytesOut.Load(),
	}
}

func (c *Connection) setState(s State) {
	c.state.Store(int32(s))
}

// Start runs the exchange to completion: read every packet of the request
// batch, dispatch commands, write the response batch and shut the
// transport down. Cancelling ctx closes the transport.
func (c *Connection) Start(ctx context.Context) (err error) {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	ctx, c.cancel = context.WithCancelCause(ctx)
	defer c.cancel(nil)
	stop := context.AfterFunc(ctx, func() {
		_ = c.transport.Close()
	})
	defer stop()
	defer func() {
		c.finish(err)
	}()

	c.logger.Debug().Msg("connection started")
	if err := c.readRequest(ctx); err != nil {
		return err
	}
	return c.writeResponse(ctx)
}

func (c *Connection) readRequest(ctx context.Context) error {
	for {
		c.armTimer()
		n, readErr := c.transport.Read(c.scratch)
		if n > 0 {
			c.pending = append(c.pending, c.scratch[:n]...)
			c.bytesIn.Add(int64(n))
		}
		if n > 0 || readErr == nil {
			more, err := c.digest(ctx)
			if err != nil {
				return err
			}
			if !more {
				return nil
			}
			c.logger.Debug().Int("pending", len(c.pending)).Msg("waiting for more data")
		}
		if readErr != nil {
			return c.readFailure(ctx, readErr)
		}
	}
}

// digest consumes as many whole units from pending as possible. It reports
// whether the exchange still expects data.
func (c *Connection) digest(ctx context.Context) (bool, error) {
	defer c.compact()
	for {
		complete, more, err := c.step(ctx)
		if err != nil {
			return false, err
		}
		if cause := context.Cause(ctx); cause != nil {
			return false, cause
		}
		if !complete {
			avail := len(c.pending) - c.off
			if avail > 0 && avail == c.stalledAt {
				c.logger.Warn().
					Int("pending", avail).
					Stringer("expect", c.next.expect).
					Msg("digest made no progress")
				return false, fmt.Errorf("%w: %d bytes pending in %s", protocol.ErrNoProgress, avail, c.next.expect)
			}
			c.stalledAt = avail
			return true, nil
		}
		c.stalledAt = -1
		if !more {
			if rest := len(c.pending) - c.off; rest > 0 {
				c.logger.Warn().Int("bytes", rest).Msg("discarding bytes after final packet")
				c.off = len(c.pending)
			}
			return false, nil
		}
	}
}

// step applies the current continuation once. more is only meaningful when
// complete is true.
func (c *Connection) step(ctx context.Context) (complete, more bool, err error) {
	buf := c.pending[c.off:]
	switch c.next.expect {
	case StateAwaitSignature:
		sig, n, ok := frame.DigestSignature(buf)
		if !ok {
			return false, true, nil
		}
		c.off += n
		if err := c.onSignature(sig); err != nil {
			return false, false, err
		}
		return true, true, nil
	case StateAwaitPayload:
		header, payload, n, ok := frame.DigestPayload(buf, c.next.sig)
		if !ok {
			return false, true, nil
		}
		c.off += n
		return true, c.onPayload(ctx, c.next.sig, header, payload), nil
	default:
		return false, false, fmt.Errorf("server: digest in state %s", c.next.expect)
	}
}

func (c *Connection) onSignature(sig frame.Signature) error {
	c.logger.Debug().
		Uint32("payload_length", sig.PayloadLength).
		Stringer("payload_type", sig.PayloadType).
		Uint32("additional_packet_count", sig.AdditionalPacketCount).
		Msg("got signature")
	if err := c.cfg.Limits.Check(sig); err != nil {
		c.logger.Warn().Err(err).Msg("signature rejected")
		return err
	}
	if sig.HeaderLength > 0 {
		c.logger.Warn().
			Err(protocol.ErrHeaderUnsupported).
			Uint32("header_length", sig.HeaderLength).
			Msg("skipping header block")
	}
	c.next = continuation{expect: StateAwaitPayload, sig: sig}
	c.setState(StateAwaitPayload)
	return nil
}

func (c *Connection) onPayload(ctx context.Context, sig frame.Signature, header, payload []byte) bool {
	c.packetsIn.Add(1)
	observability.RecordPacket("in", sig.PayloadType.String())

	switch sig.PayloadType {
	case frame.TypeCommandRequest:
		c.logCommand(payload)
		resp := c.dispatcher.Process(ctx, payload)
		c.outbound = append(c.outbound, frame.NewChunk(frame.TypeCommandResponse, resp, 0))
	case frame.TypeEnvelopeRequest:
		c.logEnvelope(payload)
	default:
		c.logger.Error().
			Stringer("payload_type", sig.PayloadType).
			Int("payload_length", len(payload)).
			Int("header_length", len(header)).
			Msg("unhandled packet")
	}

	c.next = continuation{expect: StateAwaitSignature}
	c.setState(StateAwaitSignature)
	return sig.AdditionalPacketCount > 0
}

func (c *Connection) logCommand(payload []byte) {
	if !c.logger.Debug().Enabled() {
		return
	}
	msg, err := schema.DecodeRequest(payload)
	if err != nil {
		c.logger.Debug().Err(err).Msg("command payload not decodable, dispatching as-is")
		return
	}
	name := ""
	if len(msg.Payload) > 0 {
		name = msg.Payload[0].Command
	}
	c.logger.Debug().Str("command", name).Int("commands", len(msg.Payload)).Msg("processing command")
}

func (c *Connection) logEnvelope(payload []byte) {
	env, err := schema.DecodeEnvelope(payload)
	if err != nil {
		c.logger.Warn().Err(err).Msg("envelope not decodable")
		return
	}
	if err := protocol.CheckEnvelopeVersion(env.Version); err != nil {
		c.logger.Warn().Err(err).Msg("peer envelope version")
		return
	}
	c.logger.Debug().Uint64("version", env.Version).Msg("got envelope")
}

// compact drops consumed bytes so pending only holds the partial unit.
func (c *Connection) compact() {
	if c.off == 0 {
		return
	}
	n := copy(c.pending, c.pending[c.off:])
	c.pending = c.pending[:n]
	c.off = 0
}

func (c *Connection) writeResponse(ctx context.Context) error {
	c.setState(StateResponseReady)
	chunks := BuildResponse(c.outbound, c.cfg.EnvelopeVersion)
	c.outbound = nil

	c.logger.Debug().Int("chunks", len(chunks)).Msg("sending responses")
	c.buffers = make(net.Buffers, 0, len(chunks))
	for _, chunk := range chunks {
		c.buffers = append(c.buffers, chunk.Bytes())
		observability.RecordPacket("out", chunk.Signature.PayloadType.String())
		c.logger.Debug().Stringer("signature", chunk.Signature).Msg("sending chunk")
	}

	if len(c.buffers) > 0 {
		n, err := c.transport.WriteBuffers(c.buffers)
		c.bytesOut.Add(n)
		if err != nil {
			if c.timedOut.Load() {
				return ErrTimeout
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("server: write: %w", err)
		}
		c.chunksOut.Add(int64(len(chunks)))
	}
	c.buffers = nil
	c.logger.Debug().Msg("done sending data")

	c.stopTimer()
	if err := c.transport.Shutdown(); err != nil {
		c.logger.Debug().Err(err).Msg("shutdown")
	}
	c.setState(StateClosed)
	return nil
}

// BuildResponse prefixes a non-empty batch with an envelope chunk and
// rewrites additional_packet_count to count down to zero.
func BuildResponse(chunks []frame.Chunk, envelopeVersion uint64) []frame.Chunk {
	if len(chunks) == 0 {
		return nil
	}
	env := frame.NewChunk(frame.TypeEnvelopeRequest, schema.EncodeEnvelope(schema.Envelope{Version: envelopeVersion}), 0)
	out := make([]frame.Chunk, 0, len(chunks)+1)
	out = append(out, env)
	out = append(out, chunks...)
	remaining := len(out)
	for i := range out {
		remaining--
		out[i].Signature.AdditionalPacketCount = uint32(remaining)
	}
	return out
}

func (c *Connection) readFailure(ctx context.Context, err error) error {
	switch {
	case c.timedOut.Load():
		c.logger.Debug().Dur("timeout", c.cfg.Timeout).Msg("read aborted by inactivity timeout")
		return ErrTimeout
	case ctx.Err() != nil:
		c.logger.Debug().Err(ctx.Err()).Msg("read aborted by shutdown")
		return ctx.Err()
	case errors.Is(err, io.EOF):
		c.logger.Warn().
			Int("pending", len(c.pending)).
			Stringer("expect", c.next.expect).
			Msg("peer closed mid-exchange")
		return fmt.Errorf("server: read: %w", io.ErrUnexpectedEOF)
	default:
		c.logger.Error().Err(err).Msg("failed to read data")
		return fmt.Errorf("server: read: %w", err)
	}
}

func (c *Connection) armTimer() {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.timer == nil {
		c.timer = time.AfterFunc(c.cfg.Timeout, c.onTimeout)
		return
	}
	c.timer.Reset(c.cfg.Timeout)
}

func (c *Connection) stopTimer() {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
	}
}

func (c *Connection) onTimeout() {
	c.timedOut.Store(true)
	c.logger.Debug().Dur("timeout", c.cfg.Timeout).Msg("inactivity timeout, closing transport")
	c.cancel(ErrTimeout)
	_ = c.transport.Close()
}

func (c *Connection) finish(err error) {
	c.stopTimer()
	c.outbound = nil
	c.buffers = nil
	if err == nil {
		return
	}
	c.setState(StateAborted)
	_ = c.transport.Close()
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.Canceled) {
		c.logger.Debug().Err(err).Msg("connection aborted")
		return
	}
	c.logger.Warn().Err(err).Msg("connection aborted")
}
