// Package initiator sends HL7 messages to a remote MLLP endpoint and waits
// for the synchronous acknowledgement.
//
// An Initiator is built once from a Config and shared; it holds no
// per-message state. Each Connection carries one request at a time and is
// explicitly connected and disconnected by its owner. Nothing is retried:
// every failure is returned to the caller classified by hl7err.
package initiator

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/cyberinferno/hl7mllp/endpoint"
	"github.com/cyberinferno/hl7mllp/hl7"
	"github.com/cyberinferno/hl7mllp/hl7err"
	"github.com/cyberinferno/hl7mllp/keystore"
	"github.com/cyberinferno/hl7mllp/logger"
	"github.com/cyberinferno/hl7mllp/metrics"
	"github.com/cyberinferno/hl7mllp/mllp"
)

// DefaultTimeout bounds one send and acknowledgement round trip.
const DefaultTimeout = 10 * time.Second

// Config holds the session settings shared by every connection of an
// Initiator.
type Config struct {
	// Encoding is the wire format of outgoing messages.
	Encoding hl7.Encoding
	// AckEncoding is the wire format of the acknowledgements sent back by
	// the remote endpoint.
	AckEncoding hl7.Encoding
	// Charset is the IANA name of the wire charset. Empty means UTF-8.
	Charset string
	// Timeout bounds each exchange, measured from the start of the write.
	Timeout time.Duration
	// TLS enables TLS with the given keystore when non-nil.
	TLS *keystore.Config
}

// DefaultConfig returns an ER7 configuration with the default timeout and
// charset and TLS disabled.
func DefaultConfig() Config {
	return Config{
		Encoding:    hl7.ER7,
		AckEncoding: hl7.ER7,
		Charset:     mllp.DefaultCharset,
		Timeout:     DefaultTimeout,
	}
}

// Options carries the collaborators of an Initiator. Every field is optional.
type Options struct {
	Logger  logger.Logger
	Metrics *metrics.Metrics
	// Provider validates the keystore and builds the TLS factory. Defaults
	// to keystore.DefaultProvider.
	Provider keystore.Provider
	// DialTimeout bounds connection establishment. Zero means
	// keystore.DefaultDialTimeout.
	DialTimeout time.Duration
}

// Response is a decoded acknowledgement.
type Response struct {
	// Message is the decoded acknowledgement.
	Message *hl7.Message
	// Raw holds the acknowledgement payload as received, converted to UTF-8.
	Raw []byte
	// Text is the acknowledgement encoded in the configured ack encoding.
	Text string
}

// Code returns MSA-1 of the acknowledgement.
func (r *Response) Code() string {
	return r.Message.AckCode()
}

// ControlID returns MSA-2 of the acknowledgement, the control ID of the
// message it acknowledges.
func (r *Response) ControlID() string {
	return r.Message.AckControlID()
}

// Initiator opens connections and performs exchanges on them. It is safe
// for concurrent use; individual connections are not shared between
// callers.
type Initiator struct {
	cfg     Config
	framer  *mllp.Framer
	factory keystore.SocketFactory
	log     logger.Logger
	metrics *metrics.Metrics
}

// New validates cfg and prepares the socket factory. When TLS is enabled
// the keystore is loaded and checked here, before any connection attempt.
//
// Parameters:
//   - cfg: Session settings
//   - opts: Logger, metrics and keystore provider
//
// Returns:
//   - The initiator, or a validation or keystore error
func New(cfg Config, opts Options) (*Initiator, error) {
	const op = "initiator.New"
	if cfg.Timeout <= 0 {
		return nil, hl7err.New(hl7err.KindValidation, op, "timeout must be positive, got %s", cfg.Timeout)
	}
	if cfg.Encoding != hl7.ER7 && cfg.Encoding != hl7.XML {
		return nil, hl7err.New(hl7err.KindValidation, op, "invalid encoding %d", int(cfg.Encoding))
	}
	if cfg.AckEncoding != hl7.ER7 && cfg.AckEncoding != hl7.XML {
		return nil, hl7err.New(hl7err.KindValidation, op, "invalid ack encoding %d", int(cfg.AckEncoding))
	}
	framer, err := mllp.NewFramer(cfg.Charset)
	if err != nil {
		return nil, err
	}

	log := opts.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}

	var factory keystore.SocketFactory
	if cfg.TLS != nil {
		provider := opts.Provider
		if provider == nil {
			provider = keystore.DefaultProvider{DialTimeout: opts.DialTimeout}
		}
		tlsCfg := cfg.TLS.WithDefaults()
		if err := provider.Validate(tlsCfg); err != nil {
			return nil, err
		}
		if factory, err = provider.BuildFactory(tlsCfg); err != nil {
			return nil, err
		}
	} else {
		factory = keystore.NewPlainFactory(opts.DialTimeout)
	}

	return &Initiator{
		cfg:     cfg,
		framer:  framer,
		factory: factory,
		log:     log.With(logger.String("component", "initiator")),
		metrics: opts.Metrics,
	}, nil
}

// Config returns the session settings.
func (i *Initiator) Config() Config {
	return i.cfg
}

// Connect opens a transport session to ep, completing the TLS handshake
// when TLS is enabled. Failures are ConnectionUnavailable errors carrying
// the endpoint, with Reason "dial" or "tls-handshake".
func (i *Initiator) Connect(ctx context.Context, ep endpoint.Endpoint) (*Connection, error) {
	const op = "initiator.Connect"
	conn, err := i.factory.DialContext(ctx, "tcp", ep.Address())
	if err != nil {
		reason := "dial"
		if keystore.IsHandshakeError(err) {
			reason = "tls-handshake"
		}
		i.metrics.DialFailed(reason)
		i.log.Warn("connection unavailable",
			logger.String("host", ep.Host), logger.Int("port", ep.Port),
			logger.String("reason", reason), logger.Err(err))
		return nil, &hl7err.Error{
			Kind:   hl7err.KindConnectionUnavailable,
			Op:     op,
			Msg:    "cannot connect",
			Host:   ep.Host,
			Port:   ep.Port,
			Reason: reason,
			Err:    err,
		}
	}
	i.log.Info("connected", logger.String("host", ep.Host), logger.Int("port", ep.Port))
	return newConnection(ep, conn), nil
}

// Send performs one exchange on conn: payload is decoded with the configured
// encoding, re-encoded, framed and written, and the acknowledgement is read
// and decoded with the ack encoding. The whole exchange runs under the
// configured timeout, or the context deadline if that is earlier.
//
// Parameters:
//   - ctx: Bounds the exchange through its deadline
//   - conn: A connection returned by Connect
//   - payload: The message text in the configured encoding
//
// Returns:
//   - The decoded acknowledgement
//   - A protocol, framing, timeout or transport error carrying the endpoint
func (i *Initiator) Send(ctx context.Context, conn *Connection, payload []byte) (*Response, error) {
	const op = "initiator.Send"
	if conn == nil {
		return nil, hl7err.New(hl7err.KindConnectionUnavailable, op, "not connected")
	}
	ep := conn.Endpoint()
	resp, err := i.send(ctx, conn, payload)
	if err != nil {
		i.metrics.SendFailed(hl7err.KindOf(err).String())
		i.log.Error("send failed",
			logger.String("host", ep.Host), logger.Int("port", ep.Port), logger.Err(err))
		return nil, hl7err.WithEndpoint(err, ep.Host, ep.Port)
	}
	i.log.Info("acknowledgement received",
		logger.String("host", ep.Host), logger.Int("port", ep.Port),
		logger.String("ack", printable(resp.Text)))
	return resp, nil
}

func (i *Initiator) send(ctx context.Context, conn *Connection, payload []byte) (*Response, error) {
	const op = "initiator.Send"
	msg, err := hl7.CodecFor(i.cfg.Encoding).Decode(payload)
	if err != nil {
		return nil, err
	}
	out, err := hl7.CodecFor(i.cfg.Encoding).Encode(msg)
	if err != nil {
		return nil, err
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if err := conn.usable(op); err != nil {
		return nil, err
	}

	i.metrics.SendStarted()
	start := time.Now()
	deadline := start.Add(i.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.conn.SetDeadline(deadline); err != nil {
		conn.state = Broken
		return nil, hl7err.Wrap(hl7err.KindTransport, op, err, "cannot set deadline")
	}
	// Cancellation without a deadline still has to unblock the read. The
	// callback must finish before the lock is released, or it could cut
	// short the next exchange on this connection.
	interrupted := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		_ = conn.conn.SetDeadline(time.Now())
		close(interrupted)
	})
	defer func() {
		if !stop() {
			<-interrupted
		}
	}()

	if err := i.framer.WriteFrame(conn.conn, out); err != nil {
		err = cancelled(ctx, op, err)
		conn.fail(err)
		return nil, err
	}
	raw, err := i.framer.ReadFrame(conn.reader)
	if errors.Is(err, io.EOF) {
		err = hl7err.Wrap(hl7err.KindTransport, op, err, "connection closed before acknowledgement")
	}
	if err != nil {
		err = cancelled(ctx, op, err)
		conn.fail(err)
		return nil, err
	}
	_ = conn.conn.SetDeadline(time.Time{})

	ack, err := hl7.CodecFor(i.cfg.AckEncoding).Decode(raw)
	if err != nil {
		return nil, err
	}
	i.metrics.AckReceived(ack.AckCode(), time.Since(start))
	return &Response{Message: ack, Raw: raw, Text: string(raw)}, nil
}

// cancelled reports a deadline hit caused by ctx cancellation as a transport
// error wrapping ctx.Err(). Deadline expiry stays a timeout.
func cancelled(ctx context.Context, op string, err error) error {
	if hl7err.KindOf(err) != hl7err.KindTimeout || !errors.Is(ctx.Err(), context.Canceled) {
		return err
	}
	return &hl7err.Error{
		Kind: hl7err.KindTransport,
		Op:   op,
		Msg:  "exchange cancelled",
		Err:  ctx.Err(),
	}
}

// Disconnect closes conn. It is safe to call on a nil, broken or already
// closed connection.
func (i *Initiator) Disconnect(conn *Connection) error {
	if conn == nil {
		return nil
	}
	ep := conn.Endpoint()
	err := conn.Disconnect()
	i.log.Info("disconnected", logger.String("host", ep.Host), logger.Int("port", ep.Port))
	return err
}

// printable turns CR segment terminators into newlines for log output.
func printable(text string) string {
	return strings.ReplaceAll(strings.TrimRight(text, "\r\n"), "\r", "\n")
}
