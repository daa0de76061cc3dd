// Package mllp wraps HL7 payloads in the Minimal Lower Layer Protocol
// envelope and reads them back from a byte stream.
//
// A frame is the start block 0x0B, the payload, the end block 0x1C and a
// carriage return 0x0D.
package mllp

import (
	"bufio"
	"errors"
	"io"
	"net"
	"os"

	"github.com/cyberinferno/hl7mllp/hl7err"
)

const (
	StartBlock = '\x0b'
	EndBlock   = '\x1c'
	CR         = '\x0d'
	lf         = '\x0a'
)

// MaxFrameSize bounds the payload accepted by a Reader.
const MaxFrameSize = 16 << 20

// Frame returns payload wrapped in the MLLP envelope.
func Frame(payload []byte) []byte {
	out := make([]byte, len(payload)+3)
	out[0] = StartBlock
	copy(out[1:], payload)
	out[len(out)-2] = EndBlock
	out[len(out)-1] = CR
	return out
}

// WriteFrame wraps payload and writes it to w in a single call.
func WriteFrame(w io.Writer, payload []byte) error {
	if _, err := w.Write(Frame(payload)); err != nil {
		return classify("mllp.WriteFrame", err, true)
	}
	return nil
}

// Reader reads consecutive frames from a stream.
type Reader struct {
	br  *bufio.Reader
	max int
}

// NewReader returns a Reader over r accepting payloads up to MaxFrameSize.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r), max: MaxFrameSize}
}

// NewReaderSize returns a Reader with a custom payload limit.
func NewReaderSize(r io.Reader, max int) *Reader {
	if max <= 0 {
		max = MaxFrameSize
	}
	return &Reader{br: bufio.NewReader(r), max: max}
}

// ReadFrame reads the next frame and returns its payload.
//
// CR and LF bytes between frames are skipped. io.EOF is returned when the
// stream ends cleanly before a frame starts. A deadline expiry yields a
// timeout error, a corrupted envelope a framing error and any other read
// failure a transport error.
func (r *Reader) ReadFrame() ([]byte, error) {
	const op = "mllp.ReadFrame"

	for {
		b, err := r.br.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, classify(op, err, false)
		}
		if b == StartBlock {
			break
		}
		if b == CR || b == lf {
			continue
		}
		return nil, hl7err.New(hl7err.KindFraming, op, "unexpected byte 0x%02x before start block", b)
	}

	var payload []byte
	for {
		b, err := r.br.ReadByte()
		if err != nil {
			return nil, classify(op, err, true)
		}
		switch b {
		case StartBlock:
			return nil, hl7err.New(hl7err.KindFraming, op, "start block inside frame after %d bytes", len(payload))
		case EndBlock:
			next, err := r.br.ReadByte()
			if err != nil {
				return nil, classify(op, err, true)
			}
			if next != CR {
				return nil, hl7err.New(hl7err.KindFraming, op, "expected carriage return after end block, got 0x%02x", next)
			}
			if payload == nil {
				payload = []byte{}
			}
			return payload, nil
		}
		if len(payload) >= r.max {
			return nil, hl7err.New(hl7err.KindFraming, op, "frame exceeds %d bytes", r.max)
		}
		payload = append(payload, b)
	}
}

func classify(op string, err error, midFrame bool) error {
	var ne net.Error
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded), errors.As(err, &ne) && ne.Timeout():
		return hl7err.Wrap(hl7err.KindTimeout, op, err, "deadline exceeded")
	case midFrame && (errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)):
		return hl7err.Wrap(hl7err.KindFraming, op, err, "stream closed mid-frame")
	default:
		return hl7err.Wrap(hl7err.KindTransport, op, err, "i/o failure")
	}
}
