package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/cyberinferno/hl7mllp/hl7"
	"github.com/cyberinferno/hl7mllp/hl7err"
	"github.com/cyberinferno/hl7mllp/keystore"
	"github.com/cyberinferno/hl7mllp/mllp"
)

// Option keys understood by sinks and sources.
const (
	KeyURI                = "uri"
	KeyHost               = "host"
	KeyPort               = "port"
	KeyEncoding           = "hl7.encoding"
	KeyAckEncoding        = "hl7.ack.encoding"
	KeyCharset            = "charset"
	KeyTimeout            = "hl7.timeout"
	KeyTLSEnabled         = "tls.enabled"
	KeyKeystoreType       = "tls.keystore.type"
	KeyKeystorePath       = "tls.keystore.filepath"
	KeyKeystorePassphrase = "tls.keystore.passphrase"
	KeyProfileUsed        = "hl7.conformance.profile.used"
	KeyProfilePath        = "hl7.conformance.profile.file.path"
)

// Defaults of optional keys.
const (
	DefaultAckEncoding = "ER7"
	DefaultTimeoutMS   = 10000
	DefaultHost        = "0.0.0.0"
)

// Options is the flat key/value configuration handed to a sink or source.
// Keys are matched case-insensitively.
type Options map[string]string

func (o Options) lookup(key string) (string, bool) {
	if v, ok := o[key]; ok {
		return strings.TrimSpace(v), true
	}
	for k, v := range o {
		if strings.EqualFold(k, key) {
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}

// String returns the value of key, or def when it is absent or blank.
func (o Options) String(key, def string) string {
	if v, ok := o.lookup(key); ok && v != "" {
		return v
	}
	return def
}

// Required returns the value of key or a validation error when it is absent
// or blank.
func (o Options) Required(key string) (string, error) {
	v, ok := o.lookup(key)
	if !ok || v == "" {
		return "", hl7err.New(hl7err.KindValidation, "config.Options", "option %q is required", key)
	}
	return v, nil
}

// Bool parses key as a boolean, returning def when it is absent.
func (o Options) Bool(key string, def bool) (bool, error) {
	v, ok := o.lookup(key)
	if !ok || v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, hl7err.New(hl7err.KindValidation, "config.Options", "option %q must be true or false, got %q", key, v)
	}
	return b, nil
}

// Int parses key as an integer, returning def when it is absent.
func (o Options) Int(key string, def int) (int, error) {
	v, ok := o.lookup(key)
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, hl7err.New(hl7err.KindValidation, "config.Options", "option %q must be an integer, got %q", key, v)
	}
	return n, nil
}

// Millis parses key as a positive number of milliseconds.
func (o Options) Millis(key string, def int) (time.Duration, error) {
	n, err := o.Int(key, def)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, hl7err.New(hl7err.KindValidation, "config.Options", "option %q must be positive, got %d", key, n)
	}
	return time.Duration(n) * time.Millisecond, nil
}

// Session holds the settings shared by sinks and sources.
type Session struct {
	Encoding    hl7.Encoding
	AckEncoding hl7.Encoding
	Charset     string
	// TLS is nil when tls.enabled is false.
	TLS *keystore.Config
}

// ParseSession reads the encoding, charset and TLS keys. hl7.encoding is
// required; the others fall back to ER7, UTF-8 and TLS disabled.
//
// Parameters:
//   - o: The option map
//
// Returns:
//   - The parsed settings, or a validation error naming the offending key
func ParseSession(o Options) (Session, error) {
	var s Session
	name, err := o.Required(KeyEncoding)
	if err != nil {
		return s, err
	}
	if s.Encoding, err = hl7.ParseEncoding(name); err != nil {
		return s, err
	}
	if s.AckEncoding, err = hl7.ParseEncoding(o.String(KeyAckEncoding, DefaultAckEncoding)); err != nil {
		return s, err
	}
	s.Charset = o.String(KeyCharset, mllp.DefaultCharset)

	enabled, err := o.Bool(KeyTLSEnabled, false)
	if err != nil {
		return s, err
	}
	if enabled {
		ks := keystore.Config{
			Type:       o.String(KeyKeystoreType, keystore.TypeJKS),
			Path:       o.String(KeyKeystorePath, ""),
			Passphrase: o.String(KeyKeystorePassphrase, ""),
		}.WithDefaults()
		s.TLS = &ks
	}
	return s, nil
}
