package hl7

import (
	"strings"

	"github.com/cyberinferno/hl7mllp/hl7err"
)

// Encoding selects the wire serialisation of a message.
type Encoding int

const (
	// ER7 is the pipe-delimited text encoding.
	ER7 Encoding = iota
	// XML is the HL7 v2.xml encoding.
	XML
)

// String returns the canonical name of the encoding.
func (e Encoding) String() string {
	switch e {
	case ER7:
		return "ER7"
	case XML:
		return "XML"
	default:
		return "UNKNOWN"
	}
}

// ParseEncoding maps a case-insensitive name ("er7", "XML") to an Encoding.
//
// Parameters:
//   - name: The encoding name from configuration
//
// Returns:
//   - The Encoding, or a validation error naming the accepted values
func ParseEncoding(name string) (Encoding, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "ER7":
		return ER7, nil
	case "XML":
		return XML, nil
	default:
		return 0, hl7err.New(hl7err.KindValidation, "hl7.ParseEncoding",
			"invalid encoding %q, expected er7 or xml", name)
	}
}

// Codec encodes and decodes messages in one wire format. Implementations
// are stateless and safe for concurrent use.
type Codec interface {
	// Encoding reports the wire format handled by the codec.
	Encoding() Encoding

	// Encode serialises msg. A structurally invalid message yields a
	// protocol error.
	Encode(msg *Message) ([]byte, error)

	// Decode parses data into a message. Malformed input yields a protocol
	// error carrying the input length; no partial message is returned.
	Decode(data []byte) (*Message, error)
}

var (
	er7 Codec = er7Codec{}
	xml Codec = xmlCodec{}
)

// CodecFor returns the codec for enc.
func CodecFor(enc Encoding) Codec {
	if enc == XML {
		return xml
	}
	return er7
}

// EncodeString encodes msg with the codec for enc and returns the text.
func EncodeString(msg *Message, enc Encoding) (string, error) {
	b, err := CodecFor(enc).Encode(msg)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeError(op string, data []byte, err error) error {
	return &hl7err.Error{
		Kind:   hl7err.KindProtocol,
		Op:     op,
		Msg:    "cannot decode message",
		Length: len(data),
		Err:    err,
	}
}

func encodeError(op string, err error) error {
	return &hl7err.Error{
		Kind: hl7err.KindProtocol,
		Op:   op,
		Msg:  "cannot encode message",
		Err:  err,
	}
}
