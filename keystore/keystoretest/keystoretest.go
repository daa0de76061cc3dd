// Package keystoretest writes throwaway keystores for tests.
package keystoretest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	jks "github.com/pavlo-v-chernykh/keystore-go/v4"
	"software.sslmate.com/src/go-pkcs12"
)

// Passphrase protects every keystore written by this package.
const Passphrase = "changeit"

// Identity is a self-signed certificate for localhost and its key.
type Identity struct {
	Key  *ecdsa.PrivateKey
	Cert *x509.Certificate
	DER  []byte
}

// NewIdentity generates a self-signed certificate valid for localhost and
// 127.0.0.1.
func NewIdentity(t testing.TB) *Identity {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: "localhost"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return &Identity{Key: key, Cert: cert, DER: der}
}

// WriteJKS stores id in a JKS file under t.TempDir as a private key entry
// and, when trusted is set, also as a trusted certificate entry.
func WriteJKS(t testing.TB, id *Identity, trusted bool) string {
	t.Helper()
	ks := jks.New()
	pkcs8, err := x509.MarshalPKCS8PrivateKey(id.Key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	err = ks.SetPrivateKeyEntry("identity", jks.PrivateKeyEntry{
		CreationTime:     time.Now(),
		PrivateKey:       pkcs8,
		CertificateChain: []jks.Certificate{{Type: "X509", Content: id.DER}},
	}, []byte(Passphrase))
	if err != nil {
		t.Fatalf("set private key entry: %v", err)
	}
	if trusted {
		err = ks.SetTrustedCertificateEntry("trusted", jks.TrustedCertificateEntry{
			CreationTime: time.Now(),
			Certificate:  jks.Certificate{Type: "X509", Content: id.DER},
		})
		if err != nil {
			t.Fatalf("set trusted entry: %v", err)
		}
	}
	return store(t, ks, "identity.jks")
}

// WriteTrustJKS stores only id's certificate as a trusted entry.
func WriteTrustJKS(t testing.TB, id *Identity) string {
	t.Helper()
	ks := jks.New()
	err := ks.SetTrustedCertificateEntry("trusted", jks.TrustedCertificateEntry{
		CreationTime: time.Now(),
		Certificate:  jks.Certificate{Type: "X509", Content: id.DER},
	})
	if err != nil {
		t.Fatalf("set trusted entry: %v", err)
	}
	return store(t, ks, "truststore.jks")
}

func store(t testing.TB, ks jks.KeyStore, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create keystore: %v", err)
	}
	defer f.Close()
	if err := ks.Store(f, []byte(Passphrase)); err != nil {
		t.Fatalf("store keystore: %v", err)
	}
	return path
}

// WritePKCS12 stores id's key and certificate in a PKCS#12 file written
// with enc, e.g. pkcs12.Modern (AES-256, SHA-256) or pkcs12.LegacyDES.
func WritePKCS12(t testing.TB, id *Identity, enc *pkcs12.Encoder) string {
	t.Helper()
	data, err := enc.Encode(id.Key, id.Cert, nil, Passphrase)
	if err != nil {
		t.Fatalf("encode pkcs12: %v", err)
	}
	return writeFile(t, "identity.p12", data)
}

// WriteTrustPKCS12 stores only id's certificate, marked as trusted, in a
// PKCS#12 trust store.
func WriteTrustPKCS12(t testing.TB, id *Identity) string {
	t.Helper()
	data, err := pkcs12.Modern.EncodeTrustStore([]*x509.Certificate{id.Cert}, Passphrase)
	if err != nil {
		t.Fatalf("encode pkcs12 trust store: %v", err)
	}
	return writeFile(t, "truststore.p12", data)
}

func writeFile(t testing.TB, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

// WritePEM stores id's certificate, and its key when withKey is set, in a
// PEM file under t.TempDir.
func WritePEM(t testing.TB, id *Identity, withKey bool) string {
	t.Helper()
	data := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: id.DER})
	if withKey {
		pkcs8, err := x509.MarshalPKCS8PrivateKey(id.Key)
		if err != nil {
			t.Fatalf("marshal key: %v", err)
		}
		data = append(data, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8})...)
	}
	return writeFile(t, "identity.pem", data)
}
