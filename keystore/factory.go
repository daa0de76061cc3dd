package keystore

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"time"

	"github.com/cyberinferno/hl7mllp/hl7err"
)

// SocketFactory opens transport connections to HL7 endpoints.
type SocketFactory interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Provider validates keystores and builds TLS socket factories from them.
type Provider interface {
	Validate(cfg Config) error
	BuildFactory(cfg Config) (SocketFactory, error)
}

// DefaultProvider loads JKS, PKCS#12 and PEM keystores from disk.
type DefaultProvider struct {
	// DialTimeout bounds TCP connection establishment. Zero means
	// DefaultDialTimeout.
	DialTimeout time.Duration
}

// DefaultDialTimeout is used by factories built without an explicit timeout.
const DefaultDialTimeout = 10 * time.Second

// Validate loads the keystore and discards it.
func (p DefaultProvider) Validate(cfg Config) error {
	_, err := Load(cfg)
	return err
}

// BuildFactory loads the keystore and returns a factory whose connections
// complete a TLS handshake before DialContext returns.
func (p DefaultProvider) BuildFactory(cfg Config) (SocketFactory, error) {
	m, err := Load(cfg)
	if err != nil {
		return nil, err
	}
	return NewTLSFactory(ClientTLSConfig(m), p.DialTimeout), nil
}

// ClientTLSConfig returns a client TLS configuration presenting the key
// pairs of m and trusting its certificates. System roots are used when m
// carries no trusted certificate.
func ClientTLSConfig(m *Material) *tls.Config {
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: m.Certificates,
		RootCAs:      m.Roots,
	}
}

// ServerTLSConfig loads cfg and returns a listener TLS configuration. The
// keystore must contain a key pair; its trusted certificates, if any, are
// used to verify client certificates when presented.
func ServerTLSConfig(cfg Config) (*tls.Config, error) {
	m, err := Load(cfg)
	if err != nil {
		return nil, err
	}
	if len(m.Certificates) == 0 {
		return nil, hl7err.New(hl7err.KindKeystore, "keystore.ServerTLSConfig", "keystore %s holds no key pair", cfg.WithDefaults().Path)
	}
	tc := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: m.Certificates,
	}
	if m.Roots != nil {
		tc.ClientCAs = m.Roots
		tc.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return tc, nil
}

// PlainFactory dials unencrypted TCP connections.
type PlainFactory struct {
	Dialer net.Dialer
}

// NewPlainFactory returns a PlainFactory with the given dial timeout.
func NewPlainFactory(timeout time.Duration) *PlainFactory {
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	return &PlainFactory{Dialer: net.Dialer{Timeout: timeout}}
}

// DialContext implements SocketFactory.
func (f *PlainFactory) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return f.Dialer.DialContext(ctx, network, addr)
}

// HandshakeError reports a TLS negotiation failure after the TCP connection
// was established.
type HandshakeError struct {
	Err error
}

func (e *HandshakeError) Error() string { return "tls handshake: " + e.Err.Error() }

func (e *HandshakeError) Unwrap() error { return e.Err }

// IsHandshakeError reports whether err came from a failed TLS handshake.
func IsHandshakeError(err error) bool {
	var he *HandshakeError
	return errors.As(err, &he)
}

// TLSFactory dials TLS connections.
type TLSFactory struct {
	config *tls.Config
	dialer net.Dialer
}

// NewTLSFactory returns a factory using config for every connection.
func NewTLSFactory(config *tls.Config, timeout time.Duration) *TLSFactory {
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	return &TLSFactory{config: config, dialer: net.Dialer{Timeout: timeout}}
}

// DialContext connects to addr and completes the TLS handshake. Handshake
// failures are returned as *HandshakeError.
func (f *TLSFactory) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	raw, err := f.dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	cfg := f.config.Clone()
	if cfg.ServerName == "" {
		host, _, err := net.SplitHostPort(addr)
		if err == nil {
			cfg.ServerName = host
		}
	}

	hctx := ctx
	if f.dialer.Timeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, f.dialer.Timeout)
		defer cancel()
	}
	conn := tls.Client(raw, cfg)
	if err := conn.HandshakeContext(hctx); err != nil {
		_ = raw.Close()
		return nil, &HandshakeError{Err: err}
	}
	return conn, nil
}
