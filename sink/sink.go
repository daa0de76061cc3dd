// Package sink publishes HL7 messages from a host pipeline to a remote MLLP
// endpoint, one synchronous exchange per published payload.
package sink

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/cyberinferno/hl7mllp/config"
	"github.com/cyberinferno/hl7mllp/endpoint"
	"github.com/cyberinferno/hl7mllp/hl7err"
	"github.com/cyberinferno/hl7mllp/initiator"
	"github.com/cyberinferno/hl7mllp/keystore"
	"github.com/cyberinferno/hl7mllp/logger"
	"github.com/cyberinferno/hl7mllp/metrics"
)

// Deps carries the collaborators of a Sink. Every field is optional.
type Deps struct {
	// Stream names the host stream feeding the sink. It is recorded on
	// every publish error.
	Stream   string
	Logger   logger.Logger
	Metrics  *metrics.Metrics
	Provider keystore.Provider
}

// Sink owns one outbound connection. Connect, Publish and Disconnect may be
// called from different goroutines; publishes are serialised.
type Sink struct {
	id        string
	stream    string
	endpoint  endpoint.Endpoint
	initiator *initiator.Initiator
	log       logger.Logger

	mu   sync.Mutex
	conn *initiator.Connection
}

// New parses and validates opts. The keystore is checked here when TLS is
// enabled, so a misconfigured sink never connects.
//
// Parameters:
//   - opts: uri and hl7.encoding are required; hl7.ack.encoding, charset,
//     hl7.timeout and the tls.* keys are optional
//   - deps: Stream identity, logger, metrics and keystore provider
//
// Returns:
//   - The sink, or a validation or keystore error
func New(opts config.Options, deps Deps) (*Sink, error) {
	uri, err := opts.Required(config.KeyURI)
	if err != nil {
		return nil, err
	}
	ep, err := endpoint.Parse(uri)
	if err != nil {
		return nil, err
	}
	session, err := config.ParseSession(opts)
	if err != nil {
		return nil, err
	}
	timeout, err := opts.Millis(config.KeyTimeout, config.DefaultTimeoutMS)
	if err != nil {
		return nil, err
	}
	if session.TLS != nil {
		ep.TLS = true
	}

	log := deps.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}
	id := uuid.NewString()
	log = log.With(logger.String("stream", deps.Stream), logger.String("session_id", id))

	client, err := initiator.New(initiator.Config{
		Encoding:    session.Encoding,
		AckEncoding: session.AckEncoding,
		Charset:     session.Charset,
		Timeout:     timeout,
		TLS:         session.TLS,
	}, initiator.Options{
		Logger:   log,
		Metrics:  deps.Metrics,
		Provider: deps.Provider,
	})
	if err != nil {
		return nil, hl7err.WithSession(err, deps.Stream)
	}

	return &Sink{
		id:        id,
		stream:    deps.Stream,
		endpoint:  ep,
		initiator: client,
		log:       log,
	}, nil
}

// ID returns the unique session identifier of the sink.
func (s *Sink) ID() string {
	return s.id
}

// Endpoint returns the remote endpoint.
func (s *Sink) Endpoint() endpoint.Endpoint {
	return s.endpoint
}

// Connect opens the connection, replacing any existing one.
func (s *Sink) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.initiator.Disconnect(s.conn)
		s.conn = nil
	}
	conn, err := s.initiator.Connect(ctx, s.endpoint)
	if err != nil {
		return hl7err.WithSession(err, s.stream)
	}
	s.conn = conn
	return nil
}

// Publish sends payload and waits for its acknowledgement. Without a
// usable connection it fails with ConnectionUnavailable; the host decides
// whether to Connect again.
//
// Parameters:
//   - ctx: Bounds the exchange through its deadline
//   - payload: The message text in the configured encoding
//
// Returns:
//   - The acknowledgement
//   - An error carrying the stream, host and port
func (s *Sink) Publish(ctx context.Context, payload string) (*initiator.Response, error) {
	const op = "sink.Publish"
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil || s.conn.State() != initiator.Connected {
		err := &hl7err.Error{
			Kind:    hl7err.KindConnectionUnavailable,
			Op:      op,
			Msg:     "no usable connection",
			Session: s.stream,
			Host:    s.endpoint.Host,
			Port:    s.endpoint.Port,
		}
		s.log.Warn("publish without connection", logger.Err(err))
		return nil, err
	}

	resp, err := s.initiator.Send(ctx, s.conn, []byte(payload))
	if err != nil {
		return nil, hl7err.WithSession(err, s.stream)
	}
	return resp, nil
}

// Disconnect closes the connection. It is safe to call at any time.
func (s *Sink) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.initiator.Disconnect(s.conn)
	s.conn = nil
	return err
}

// Destroy releases the sink. The connection is closed if still open.
func (s *Sink) Destroy() {
	_ = s.Disconnect()
}

// CurrentState returns the state to persist for the host. A sink keeps no
// state, so the snapshot is always empty.
func (s *Sink) CurrentState() map[string]any {
	return map[string]any{}
}

// RestoreState accepts a snapshot from CurrentState. There is nothing to
// restore.
func (s *Sink) RestoreState(map[string]any) {}
