// Package keystore loads TLS material from JKS, PKCS#12 and PEM keystores
// and builds the socket factories used to reach HL7 endpoints over TLS.
//
// Validation runs when a session is configured, before any connection is
// attempted, so an unusable keystore fails fast.
package keystore

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	jks "github.com/pavlo-v-chernykh/keystore-go/v4"
	"software.sslmate.com/src/go-pkcs12"

	"github.com/cyberinferno/hl7mllp/hl7err"
)

// Supported keystore types.
const (
	TypeJKS    = "JKS"
	TypePKCS12 = "PKCS12"
	TypePEM    = "PEM"
)

// Defaults applied to empty Config fields.
const (
	DefaultType       = TypeJKS
	DefaultPassphrase = "changeit"
	// HomeEnv names the directory holding resources/security. The working
	// directory is used when it is unset.
	HomeEnv = "HL7_HOME"
)

// Config references a keystore file.
type Config struct {
	Type       string `mapstructure:"type"`
	Path       string `mapstructure:"filepath"`
	Passphrase string `mapstructure:"passphrase"`
}

// DefaultPath returns the platform default keystore location.
func DefaultPath() string {
	home := os.Getenv(HomeEnv)
	if home == "" {
		home = "."
	}
	return filepath.Join(home, "resources", "security", "client-truststore.jks")
}

// WithDefaults returns c with empty fields replaced by their defaults.
func (c Config) WithDefaults() Config {
	if strings.TrimSpace(c.Type) == "" {
		c.Type = DefaultType
	}
	if c.Path == "" {
		c.Path = DefaultPath()
	}
	if c.Passphrase == "" {
		c.Passphrase = DefaultPassphrase
	}
	return c
}

func normaliseType(t string) (string, bool) {
	switch strings.ToUpper(strings.TrimSpace(t)) {
	case "JKS":
		return TypeJKS, true
	case "PKCS12", "P12", "PFX":
		return TypePKCS12, true
	case "PEM":
		return TypePEM, true
	default:
		return "", false
	}
}

// Material is the TLS material held by a keystore.
type Material struct {
	// Certificates are key pairs usable as client or server identity.
	Certificates []tls.Certificate
	// Roots holds trusted certificates, or nil when the keystore has none.
	Roots *x509.CertPool
	// Trusted is the number of certificates added to Roots.
	Trusted int
}

// Usable reports whether the material holds at least one key pair or
// trusted certificate.
func (m *Material) Usable() bool {
	return len(m.Certificates) > 0 || m.Trusted > 0
}

func (m *Material) trust(cert *x509.Certificate) {
	if m.Roots == nil {
		m.Roots = x509.NewCertPool()
	}
	m.Roots.AddCert(cert)
	m.Trusted++
}

// Load reads and unlocks the keystore referenced by cfg.
//
// Parameters:
//   - cfg: Keystore reference; empty fields take their defaults
//
// Returns:
//   - The decoded material
//   - A keystore error if the file cannot be read, the type is unsupported,
//     the passphrase is wrong or no usable entry is present
func Load(cfg Config) (*Material, error) {
	const op = "keystore.Load"
	cfg = cfg.WithDefaults()

	typ, ok := normaliseType(cfg.Type)
	if !ok {
		return nil, hl7err.New(hl7err.KindKeystore, op, "unsupported keystore type %q, expected JKS, PKCS12 or PEM", cfg.Type)
	}
	data, err := os.ReadFile(cfg.Path)
	if err != nil {
		return nil, hl7err.Wrap(hl7err.KindKeystore, op, err, "cannot read keystore %s", cfg.Path)
	}

	var m *Material
	switch typ {
	case TypeJKS:
		m, err = loadJKS(data, cfg.Passphrase)
	case TypePKCS12:
		m, err = loadPKCS12(data, cfg.Passphrase)
	case TypePEM:
		m, err = loadPEM(data)
	}
	if err != nil {
		return nil, hl7err.Wrap(hl7err.KindKeystore, op, err, "cannot load %s keystore %s", typ, cfg.Path)
	}
	if !m.Usable() {
		return nil, hl7err.New(hl7err.KindKeystore, op, "%s keystore %s holds no usable key pair or trusted certificate", typ, cfg.Path)
	}
	return m, nil
}

func loadJKS(data []byte, passphrase string) (*Material, error) {
	ks := jks.New()
	if err := ks.Load(bytes.NewReader(data), []byte(passphrase)); err != nil {
		return nil, err
	}

	m := &Material{}
	for _, alias := range ks.Aliases() {
		switch {
		case ks.IsTrustedCertificateEntry(alias):
			entry, err := ks.GetTrustedCertificateEntry(alias)
			if err != nil {
				return nil, fmt.Errorf("alias %s: %w", alias, err)
			}
			cert, err := x509.ParseCertificate(entry.Certificate.Content)
			if err != nil {
				return nil, fmt.Errorf("alias %s: %w", alias, err)
			}
			m.trust(cert)
		case ks.IsPrivateKeyEntry(alias):
			entry, err := ks.GetPrivateKeyEntry(alias, []byte(passphrase))
			if err != nil {
				return nil, fmt.Errorf("alias %s: %w", alias, err)
			}
			pair, err := keyPair(entry.PrivateKey, entry.CertificateChain)
			if err != nil {
				return nil, fmt.Errorf("alias %s: %w", alias, err)
			}
			m.Certificates = append(m.Certificates, pair)
		}
	}
	return m, nil
}

func keyPair(pkcs8 []byte, chain []jks.Certificate) (tls.Certificate, error) {
	if len(chain) == 0 {
		return tls.Certificate{}, errors.New("private key entry has no certificate chain")
	}
	key, err := x509.ParsePKCS8PrivateKey(pkcs8)
	if err != nil {
		return tls.Certificate{}, err
	}
	pair := tls.Certificate{PrivateKey: key}
	for _, c := range chain {
		pair.Certificate = append(pair.Certificate, c.Content)
	}
	leaf, err := x509.ParseCertificate(chain[0].Content)
	if err != nil {
		return tls.Certificate{}, err
	}
	pair.Leaf = leaf
	return pair, nil
}

func loadPKCS12(data []byte, passphrase string) (*Material, error) {
	key, leaf, chain, err := pkcs12.DecodeChain(data, passphrase)
	if err == nil {
		pair := tls.Certificate{
			Certificate: [][]byte{leaf.Raw},
			PrivateKey:  key,
			Leaf:        leaf,
		}
		for _, c := range chain {
			pair.Certificate = append(pair.Certificate, c.Raw)
		}
		return &Material{Certificates: []tls.Certificate{pair}}, nil
	}

	certs, trustErr := pkcs12.DecodeTrustStore(data, passphrase)
	if trustErr != nil {
		return nil, err
	}
	m := &Material{}
	for _, c := range certs {
		m.trust(c)
	}
	return m, nil
}

func loadPEM(data []byte) (*Material, error) {
	m := &Material{}
	hasKey := false
	rest := data
	for {
		var b *pem.Block
		b, rest = pem.Decode(rest)
		if b == nil {
			break
		}
		switch {
		case b.Type == "CERTIFICATE":
			cert, err := x509.ParseCertificate(b.Bytes)
			if err != nil {
				return nil, err
			}
			m.trust(cert)
		case strings.HasSuffix(b.Type, "PRIVATE KEY"):
			hasKey = true
		}
	}
	if hasKey {
		pair, err := tls.X509KeyPair(data, data)
		if err != nil {
			return nil, err
		}
		m.Certificates = append(m.Certificates, pair)
	}
	return m, nil
}
