// Package hl7err defines the error taxonomy shared by the HL7/MLLP packages.
// Every failure surfaced by the codec, framer, keystore, initiator and
// receiver is an *Error carrying a Kind, so callers can branch with
// errors.Is against the sentinel of each kind or with KindOf.
package hl7err

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Kind classifies an error by the way callers are expected to react to it.
type Kind int

const (
	// KindUnknown is reported by KindOf for errors that are not *Error.
	KindUnknown Kind = iota
	// KindValidation is a bad configuration value, URI or encoding name.
	KindValidation
	// KindKeystore is unusable TLS material.
	KindKeystore
	// KindConnectionUnavailable means the transport could not be established.
	KindConnectionUnavailable
	// KindProtocol is malformed HL7 content on encode or decode.
	KindProtocol
	// KindFraming is a corrupted MLLP envelope.
	KindFraming
	// KindTimeout means no complete response arrived before the deadline.
	KindTimeout
	// KindConformance means a message failed profile validation.
	KindConformance
	// KindTransport is a low-level socket failure.
	KindTransport
)

// String returns the name of the kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindKeystore:
		return "keystore"
	case KindConnectionUnavailable:
		return "connection unavailable"
	case KindProtocol:
		return "protocol"
	case KindFraming:
		return "framing"
	case KindTimeout:
		return "timeout"
	case KindConformance:
		return "conformance"
	case KindTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is. An *Error matches the sentinel of its kind.
var (
	ErrValidation            = &Error{Kind: KindValidation}
	ErrKeystore              = &Error{Kind: KindKeystore}
	ErrConnectionUnavailable = &Error{Kind: KindConnectionUnavailable}
	ErrProtocol              = &Error{Kind: KindProtocol}
	ErrFraming               = &Error{Kind: KindFraming}
	ErrTimeout               = &Error{Kind: KindTimeout}
	ErrConformance           = &Error{Kind: KindConformance}
	ErrTransport             = &Error{Kind: KindTransport}
)

// Error is a classified failure with enough context to diagnose it.
// Only Kind is mandatory; the remaining fields are filled in by the layer
// that knows them.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "initiator.Send".
	Op string
	// Msg is a human readable description.
	Msg string
	// Session identifies the host stream or session, if any.
	Session string
	// Host and Port identify the remote endpoint, if any.
	Host string
	Port int
	// Length is the size of the input that failed to decode.
	Length int
	// Reason refines the kind, e.g. "dial" or "tls-handshake".
	Reason string
	// Findings lists conformance violations.
	Findings []string
	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	b.WriteString(" error")
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	var ctx []string
	if e.Session != "" {
		ctx = append(ctx, "session="+e.Session)
	}
	if e.Host != "" {
		ctx = append(ctx, "host="+e.Host)
	}
	if e.Port != 0 {
		ctx = append(ctx, "port="+strconv.Itoa(e.Port))
	}
	if e.Reason != "" {
		ctx = append(ctx, "reason="+e.Reason)
	}
	if e.Length != 0 {
		ctx = append(ctx, "length="+strconv.Itoa(e.Length))
	}
	if len(ctx) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(ctx, ", "))
		b.WriteString(")")
	}
	if len(e.Findings) > 0 {
		b.WriteString(": [")
		b.WriteString(strings.Join(e.Findings, "; "))
		b.WriteString("]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel of e's kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Msg == "" && t.Err == nil
}

// New returns an *Error of the given kind.
func New(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap returns an *Error of the given kind wrapping err. If err is nil, Wrap
// returns nil.
func Wrap(kind Kind, op string, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Retryable reports whether a caller may reasonably try the operation again:
// the transport could not be reached, timed out or broke. Configuration,
// keystore, content and conformance failures are permanent.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindConnectionUnavailable, KindTimeout, KindTransport:
		return true
	default:
		return false
	}
}

// WithEndpoint returns err with host and port recorded on its first *Error.
// Non-classified errors are wrapped as transport errors.
func WithEndpoint(err error, host string, port int) error {
	if err == nil {
		return nil
	}
	var e *Error
	if !errors.As(err, &e) {
		return &Error{Kind: KindTransport, Host: host, Port: port, Err: err}
	}
	c := *e
	c.Host, c.Port = host, port
	return &c
}

// WithSession returns err with the session identity recorded on its first
// *Error. Non-classified errors are wrapped as transport errors.
func WithSession(err error, session string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if !errors.As(err, &e) {
		return &Error{Kind: KindTransport, Session: session, Err: err}
	}
	c := *e
	c.Session = session
	return &c
}
