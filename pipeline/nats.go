package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/cyberinferno/hl7mllp/logger"
)

// NATSConfig locates the NATS server and subjects used by the bridge.
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	Name          string        `mapstructure:"name"`
	InboundSubj   string        `mapstructure:"inbound_subject"`
	OutboundSubj  string        `mapstructure:"outbound_subject"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// Options returns the nats.Option set for cfg, logging connection state
// changes through log.
func (cfg NATSConfig) Options(log logger.Logger) []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", logger.Err(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", logger.String("url", c.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			log.Info("nats connection closed")
		}),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, nats.Timeout(cfg.Timeout))
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	return opts
}

// ConnectNATS dials the server in cfg.
func ConnectNATS(cfg NATSConfig, log logger.Logger) (*nats.Conn, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	return nats.Connect(url, cfg.Options(log)...)
}

// NATSSink publishes inbound events to a subject.
type NATSSink struct {
	conn    *nats.Conn
	subject string
}

// NewNATSSink returns a sink publishing on subject through conn.
func NewNATSSink(conn *nats.Conn, subject string) *NATSSink {
	return &NATSSink{conn: conn, subject: subject}
}

// OnEvent publishes event. Publishing is buffered by the client, so the call
// does not wait for subscribers.
func (s *NATSSink) OnEvent(_ context.Context, event string) error {
	if s.conn == nil || s.conn.IsClosed() {
		return ErrClosed
	}
	return s.conn.Publish(s.subject, []byte(event))
}

// Handler consumes one outbound payload.
type Handler func(ctx context.Context, payload string) error

// NATSSource feeds messages from a subject to a Handler, one at a time, in
// arrival order.
type NATSSource struct {
	conn    *nats.Conn
	subject string
	handler Handler
	log     logger.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

// NewNATSSource returns a source for subject. Start begins delivery.
func NewNATSSource(conn *nats.Conn, subject string, handler Handler, log logger.Logger) *NATSSource {
	return &NATSSource{
		conn:    conn,
		subject: subject,
		handler: handler,
		log:     log.With(logger.String("subject", subject)),
	}
}

// Start subscribes to the subject. Handler errors are logged and the message
// is dropped; the caller decides on redelivery at the publishing side.
func (s *NATSSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		return nil
	}
	if s.conn == nil || s.conn.IsClosed() {
		return ErrClosed
	}
	sub, err := s.conn.Subscribe(s.subject, func(msg *nats.Msg) {
		if err := s.handler(ctx, string(msg.Data)); err != nil {
			s.log.Error("outbound message failed", logger.Err(err))
		}
	})
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

// Stop drains the subscription.
func (s *NATSSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub == nil {
		return nil
	}
	err := s.sub.Drain()
	s.sub = nil
	return err
}
