package mllp

import (
	"bytes"
	"io"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/unicode"

	"github.com/cyberinferno/hl7mllp/hl7err"
)

// DefaultCharset is used when no charset is configured.
const DefaultCharset = "UTF-8"

// Framer frames payloads and converts them between UTF-8 and the wire
// charset. It is safe for concurrent use.
type Framer struct {
	charset string
	enc     encoding.Encoding
}

// asciiSample holds the envelope bytes and the characters of an ER7 header.
// A wire charset must leave all of them unchanged, since frames are found by
// scanning raw bytes.
var asciiSample = []byte("\x0b\x1c\r\nMSH|^~\\&ACK 0123456789")

// NewFramer returns a Framer for the IANA charset name. An empty name
// selects UTF-8.
//
// Parameters:
//   - charset: IANA name such as "UTF-8", "ISO-8859-1" or "windows-1252"
//
// Returns:
//   - The framer, or a validation error for an unknown charset or one that
//     does not keep ASCII bytes as they are (UTF-16, UTF-32, EBCDIC)
func NewFramer(charset string) (*Framer, error) {
	const op = "mllp.NewFramer"
	name := strings.TrimSpace(charset)
	if name == "" {
		name = DefaultCharset
	}
	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil || enc == nil {
		return nil, hl7err.New(hl7err.KindValidation, op, "unsupported charset %q", charset)
	}
	if !asciiCompatible(enc) {
		return nil, hl7err.New(hl7err.KindValidation, op, "charset %q is not ASCII compatible and cannot be framed", charset)
	}
	if preferred, err := ianaindex.MIME.Name(enc); err == nil && preferred != "" {
		name = preferred
	} else if canonical, err := ianaindex.IANA.Name(enc); err == nil && canonical != "" {
		name = canonical
	}
	return &Framer{charset: name, enc: enc}, nil
}

func asciiCompatible(enc encoding.Encoding) bool {
	out, err := enc.NewEncoder().Bytes(asciiSample)
	if err != nil || !bytes.Equal(out, asciiSample) {
		return false
	}
	back, err := enc.NewDecoder().Bytes(asciiSample)
	return err == nil && bytes.Equal(back, asciiSample)
}

// Charset returns the preferred MIME name of the wire charset, or its IANA
// name when it has none.
func (f *Framer) Charset() string {
	return f.charset
}

func (f *Framer) identity() bool {
	return f.enc == unicode.UTF8
}

// ToWire converts UTF-8 text to the wire charset.
func (f *Framer) ToWire(text []byte) ([]byte, error) {
	if f.identity() {
		return text, nil
	}
	out, err := f.enc.NewEncoder().Bytes(text)
	if err != nil {
		return nil, hl7err.Wrap(hl7err.KindProtocol, "mllp.ToWire", err, "cannot encode payload as %s", f.charset)
	}
	return out, nil
}

// FromWire converts wire bytes to UTF-8 text.
func (f *Framer) FromWire(data []byte) ([]byte, error) {
	if f.identity() {
		return data, nil
	}
	out, err := f.enc.NewDecoder().Bytes(data)
	if err != nil {
		return nil, hl7err.Wrap(hl7err.KindProtocol, "mllp.FromWire", err, "cannot decode payload as %s", f.charset)
	}
	return out, nil
}

// WriteFrame converts payload to the wire charset and writes it as one frame.
func (f *Framer) WriteFrame(w io.Writer, payload []byte) error {
	wire, err := f.ToWire(payload)
	if err != nil {
		return err
	}
	return WriteFrame(w, wire)
}

// ReadFrame reads one frame from r and converts its payload to UTF-8.
func (f *Framer) ReadFrame(r *Reader) ([]byte, error) {
	data, err := r.ReadFrame()
	if err != nil {
		return nil, err
	}
	return f.FromWire(data)
}
