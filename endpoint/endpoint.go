// Package endpoint resolves HL7 connection targets.
package endpoint

import (
	"net"
	"strconv"
	"strings"

	"github.com/cyberinferno/hl7mllp/hl7err"
)

// Scheme is the URI scheme accepted by Parse, matched case-insensitively.
const Scheme = "hl7"

const expectedFormats = "expected {host}:{port} or hl7://{host}:{port}"

// Endpoint is a remote HL7 listener.
type Endpoint struct {
	Host string
	Port int
	TLS  bool
}

// Parse resolves uri into an Endpoint. Accepted forms are host:port and
// hl7://host:port. Parse performs no network lookups.
//
// Parameters:
//   - uri: The connection target
//
// Returns:
//   - The endpoint, with TLS unset
//   - A validation error naming the accepted formats when uri is malformed
func Parse(uri string) (Endpoint, error) {
	const op = "endpoint.Parse"

	parts := strings.Split(strings.TrimSpace(uri), ":")
	var host, port string
	switch len(parts) {
	case 2:
		host, port = parts[0], parts[1]
	case 3:
		if !strings.EqualFold(parts[0], Scheme) {
			return Endpoint{}, hl7err.New(hl7err.KindValidation, op, "invalid uri %q: unsupported scheme %q, %s", uri, parts[0], expectedFormats)
		}
		if !strings.HasPrefix(parts[1], "//") {
			return Endpoint{}, hl7err.New(hl7err.KindValidation, op, "invalid uri %q, %s", uri, expectedFormats)
		}
		host, port = parts[1][2:], parts[2]
	default:
		return Endpoint{}, hl7err.New(hl7err.KindValidation, op, "invalid uri %q, %s", uri, expectedFormats)
	}

	if host == "" || strings.ContainsAny(host, "/ ") {
		return Endpoint{}, hl7err.New(hl7err.KindValidation, op, "invalid uri %q: missing or malformed host, %s", uri, expectedFormats)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 1 || p > 65535 {
		return Endpoint{}, hl7err.New(hl7err.KindValidation, op, "invalid uri %q: port %q is not in 1-65535, %s", uri, port, expectedFormats)
	}
	return Endpoint{Host: host, Port: p}, nil
}

// Address returns the host:port dial address.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// String returns the endpoint in hl7://host:port form.
func (e Endpoint) String() string {
	return Scheme + "://" + e.Address()
}
