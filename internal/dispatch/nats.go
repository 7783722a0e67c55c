package dispatch

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Requester is the request/reply subset of *nats.Conn.
type Requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

// NATSDispatcher forwards raw command payloads to a NATS responder.
type NATSDispatcher struct {
	conn    Requester
	subject string
	timeout time.Duration
	logger  zerolog.Logger
}

func NewNATSDispatcher(conn Requester, subject string, timeout time.Duration, logger zerolog.Logger) *NATSDispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &NATSDispatcher{
		conn:    conn,
		subject: subject,
		timeout: timeout,
		logger:  logger,
	}
}

func (d *NATSDispatcher) Process(ctx context.Context, command []byte) []byte {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	msg, err := d.conn.RequestWithContext(ctx, d.subject, command)
	if err != nil {
		d.logger.Error().Str("subject", d.subject).Err(err).Msg("dispatch.NATS request failed")
		return UnknownResponse("", "Command relay failed: %v", err)
	}
	d.logger.Debug().Str("subject", d.subject).Int("bytes", len(msg.Data)).Msg("dispatch.NATS reply")
	return msg.Data
}

// ServeNATS answers command requests on subject with d. It is the peer
// side of NATSDispatcher, used by worker processes.
func ServeNATS(nc *nats.Conn, subject string, d Dispatcher, logger zerolog.Logger) (*nats.Subscription, error) {
	return nc.Subscribe(subject, replyHandler(d, logger))
}

func replyHandler(d Dispatcher, logger zerolog.Logger) nats.MsgHandler {
	return func(msg *nats.Msg) {
		if err := msg.Respond(d.Process(context.Background(), msg.Data)); err != nil {
			logger.Error().Str("subject", msg.Subject).Err(err).Msg("dispatch.NATS reply failed")
		}
	}
}
