// Package receiver implements the inbound side of an HL7 session: an App
// that turns each received message into a pipeline event and an
// acknowledgement, and a Server that accepts MLLP connections and feeds
// their frames to the App.
package receiver

import (
	"context"
	"errors"
	"strings"

	"github.com/cyberinferno/hl7mllp/conformance"
	"github.com/cyberinferno/hl7mllp/gate"
	"github.com/cyberinferno/hl7mllp/hl7"
	"github.com/cyberinferno/hl7mllp/hl7err"
	"github.com/cyberinferno/hl7mllp/logger"
	"github.com/cyberinferno/hl7mllp/metrics"
	"github.com/cyberinferno/hl7mllp/pipeline"
)

// Config holds the message handling settings of an App.
type Config struct {
	// Encoding is the wire format of received messages and of the events
	// forwarded to the pipeline.
	Encoding hl7.Encoding
	// AckEncoding is the wire format of the acknowledgements returned.
	AckEncoding hl7.Encoding
	// Profile, when set, rejects messages that do not conform to it.
	Profile *conformance.Profile
}

// Options carries the collaborators of an App. Every field is optional.
type Options struct {
	Logger  logger.Logger
	Metrics *metrics.Metrics
	// Sink receives one event per decoded message. Defaults to
	// pipeline.Discard.
	Sink pipeline.EventSink
}

// App is the receiving application of one listening endpoint. Its pause
// gate is shared by all connections of that endpoint and by no other.
type App struct {
	cfg     Config
	gate    *gate.Gate
	sink    pipeline.EventSink
	log     logger.Logger
	metrics *metrics.Metrics
}

// NewApp returns a running App.
//
// Parameters:
//   - cfg: Encodings and optional conformance profile
//   - opts: Logger, metrics and the downstream event sink
//
// Returns:
//   - The App, or a validation error for an unknown encoding
func NewApp(cfg Config, opts Options) (*App, error) {
	const op = "receiver.NewApp"
	if cfg.Encoding != hl7.ER7 && cfg.Encoding != hl7.XML {
		return nil, hl7err.New(hl7err.KindValidation, op, "invalid encoding %d", int(cfg.Encoding))
	}
	if cfg.AckEncoding != hl7.ER7 && cfg.AckEncoding != hl7.XML {
		return nil, hl7err.New(hl7err.KindValidation, op, "invalid ack encoding %d", int(cfg.AckEncoding))
	}
	log := opts.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}
	sink := opts.Sink
	if sink == nil {
		sink = pipeline.Discard
	}
	return &App{
		cfg:     cfg,
		gate:    gate.New(),
		sink:    sink,
		log:     log.With(logger.String("component", "receiver")),
		metrics: opts.Metrics,
	}, nil
}

// Pause makes every current and future OnMessage call wait before decoding
// until Resume is called.
func (a *App) Pause() {
	if a.gate.IsOpen() {
		a.log.Info("paused")
	}
	a.gate.SetOpen(false)
	a.metrics.SetPaused(true)
}

// Resume releases all waiting OnMessage calls. Without a prior Pause it is
// a no-op.
func (a *App) Resume() {
	if !a.gate.IsOpen() {
		a.log.Info("resumed")
	}
	a.gate.SetOpen(true)
	a.metrics.SetPaused(false)
}

// Paused reports whether the App is paused.
func (a *App) Paused() bool {
	return !a.gate.IsOpen()
}

// CanProcess reports whether the App accepts msg. Every message type is
// accepted.
func (a *App) CanProcess(*hl7.Message) bool {
	return true
}

// OnMessage handles one received message and returns the encoded
// acknowledgement.
//
// While the App is paused the call waits; ctx releases it early. The message
// is decoded, forwarded to the sink as text and acknowledged. A failed
// handoff to the sink is logged and does not affect the acknowledgement.
//
// Parameters:
//   - ctx: Cancels the wait on a paused App and bounds the sink handoff
//   - raw: The message payload in the configured encoding
//
// Returns:
//   - The acknowledgement in the ack encoding
//   - A protocol error for an undecodable message, a conformance error
//     listing the findings, or a transport error when ctx ends the wait
func (a *App) OnMessage(ctx context.Context, raw []byte) ([]byte, error) {
	ack, err := a.onMessage(ctx, raw)
	if err != nil {
		a.metrics.HandleFailed(hl7err.KindOf(err).String())
		return nil, err
	}
	a.metrics.MessageHandled()
	return ack, nil
}

func (a *App) onMessage(ctx context.Context, raw []byte) ([]byte, error) {
	const op = "receiver.OnMessage"
	if err := a.gate.AwaitOpen(ctx); err != nil {
		return nil, hl7err.Wrap(hl7err.KindTransport, op, err, "released while paused")
	}

	msg, err := hl7.CodecFor(a.cfg.Encoding).Decode(raw)
	if err != nil {
		a.log.Warn("cannot decode message", logger.Int("length", len(raw)), logger.Err(err))
		return nil, err
	}
	log := a.log.With(logger.String("control_id", msg.ControlID()))

	text, err := hl7.EncodeString(msg, a.cfg.Encoding)
	if err != nil {
		return nil, err
	}
	if err := a.sink.OnEvent(ctx, pipeline.FormatEvent(text, a.cfg.Encoding)); err != nil {
		log.Warn("pipeline handoff failed", logger.Err(err))
	}

	ack, err := hl7.GenerateACK(msg)
	if err != nil {
		return nil, err
	}

	if a.cfg.Profile != nil {
		if err := a.cfg.Profile.Check(op, msg); err != nil {
			log.Warn("message rejected by conformance profile", logger.Err(err))
			return nil, err
		}
	}

	out, err := hl7.CodecFor(a.cfg.AckEncoding).Encode(ack)
	if err != nil {
		return nil, err
	}
	log.Info("acknowledgement generated", logger.String("ack", printable(string(out))))
	return out, nil
}

// Reject builds the negative acknowledgement written back when OnMessage
// fails: AE with the findings for a non-conforming message, AR for an ER7
// message whose header can still be read. It returns nil when no reply can
// be addressed, in which case the connection is dropped.
func (a *App) Reject(raw []byte, cause error) []byte {
	var code string
	var msg *hl7.Message
	var err error

	switch hl7err.KindOf(cause) {
	case hl7err.KindConformance:
		code = hl7.AckError
		msg, err = hl7.CodecFor(a.cfg.Encoding).Decode(raw)
	case hl7err.KindProtocol:
		if a.cfg.Encoding != hl7.ER7 {
			return nil
		}
		code = hl7.AckReject
		msg, err = hl7.HeaderOnly(raw)
	default:
		return nil
	}
	if err != nil {
		return nil
	}

	nak, err := hl7.GenerateNAK(msg, code, rejectText(cause))
	if err != nil {
		return nil
	}
	out, err := hl7.CodecFor(a.cfg.AckEncoding).Encode(nak)
	if err != nil {
		return nil
	}
	a.log.Info("negative acknowledgement generated",
		logger.String("control_id", msg.ControlID()), logger.String("code", code))
	return out
}

func rejectText(err error) string {
	var he *hl7err.Error
	if !errors.As(err, &he) {
		return err.Error()
	}
	if len(he.Findings) > 0 {
		return strings.Join(he.Findings, "; ")
	}
	if he.Err != nil {
		return he.Err.Error()
	}
	return he.Msg
}

// printable turns CR segment terminators into newlines for log output.
func printable(text string) string {
	return strings.ReplaceAll(strings.TrimRight(text, "\r\n"), "\r", "\n")
}
