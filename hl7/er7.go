package hl7

import (
	"fmt"
	"strings"
)

const segmentTerminator = '\r'

type er7Codec struct{}

func (er7Codec) Encoding() Encoding { return ER7 }

// Decode parses pipe-delimited text. Segments may be terminated by CR, LF or
// CRLF; empty lines are skipped.
func (er7Codec) Decode(data []byte) (*Message, error) {
	msg, err := parseER7(string(data))
	if err != nil {
		return nil, decodeError("hl7.ER7.Decode", data, err)
	}
	return msg, nil
}

func parseER7(text string) (*Message, error) {
	text = strings.ReplaceAll(text, "\r\n", "\r")
	text = strings.ReplaceAll(text, "\n", "\r")
	lines := strings.Split(text, "\r")

	var segments []string
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			segments = append(segments, l)
		}
	}
	if len(segments) == 0 {
		return nil, fmt.Errorf("empty message")
	}

	header := segments[0]
	if !strings.HasPrefix(header, "MSH") {
		return nil, fmt.Errorf("message must start with MSH, got %.3q", header)
	}
	if len(header) < 5 {
		return nil, fmt.Errorf("MSH segment too short")
	}
	fieldSep := header[3:4]
	rest := header[4:]
	encChars := rest
	if i := strings.Index(rest, fieldSep); i >= 0 {
		encChars = rest[:i]
	}
	d, err := delimitersFrom(fieldSep, encChars)
	if err != nil {
		return nil, err
	}

	msg := &Message{Delimiters: d}
	for i, line := range segments {
		seg, err := parseSegment(line, d)
		if err != nil {
			return nil, fmt.Errorf("segment %d: %w", i+1, err)
		}
		if i > 0 && seg.Name == "MSH" {
			return nil, fmt.Errorf("segment %d: unexpected second MSH segment", i+1)
		}
		msg.Segments = append(msg.Segments, seg)
	}
	return msg, nil
}

func parseSegment(line string, d Delimiters) (*Segment, error) {
	parts := strings.Split(line, string(d.Field))
	name := parts[0]
	if !validSegmentName(name) {
		return nil, fmt.Errorf("invalid segment name %q", name)
	}
	seg := &Segment{Name: name}
	if name == "MSH" {
		// MSH-1 is the separator itself and MSH-2 is never split.
		seg.Fields = append(seg.Fields, NewField(string(d.Field)), NewField(d.EncodingCharacters()))
		for _, p := range parts[min(2, len(parts)):] {
			seg.Fields = append(seg.Fields, parseField(p, d))
		}
	} else {
		for _, p := range parts[1:] {
			seg.Fields = append(seg.Fields, parseField(p, d))
		}
	}
	seg.trim()
	return seg, nil
}

func parseField(raw string, d Delimiters) Field {
	if raw == "" {
		return nil
	}
	reps := strings.Split(raw, string(d.Repetition))
	f := make(Field, len(reps))
	for i, r := range reps {
		comps := strings.Split(r, string(d.Component))
		rep := make(Repetition, len(comps))
		for j, c := range comps {
			subs := strings.Split(c, string(d.Subcomponent))
			comp := make(Component, len(subs))
			for k, s := range subs {
				comp[k] = unescape(s, d)
			}
			rep[j] = comp
		}
		f[i] = rep
	}
	return f
}

// Encode writes segments separated by CR, without a trailing terminator.
func (er7Codec) Encode(msg *Message) ([]byte, error) {
	if msg == nil {
		return nil, encodeError("hl7.ER7.Encode", fmt.Errorf("nil message"))
	}
	if err := msg.validate(); err != nil {
		return nil, encodeError("hl7.ER7.Encode", err)
	}
	d := msg.Delimiters
	var b strings.Builder
	for i, seg := range msg.Segments {
		if i > 0 {
			b.WriteByte(segmentTerminator)
		}
		b.WriteString(seg.Name)
		fields := seg.Fields
		if seg.Name == "MSH" {
			b.WriteByte(d.Field)
			b.WriteString(d.EncodingCharacters())
			fields = fields[min(2, len(fields)):]
		}
		for _, f := range fields {
			b.WriteByte(d.Field)
			writeField(&b, f, d)
		}
	}
	return []byte(b.String()), nil
}

func writeField(b *strings.Builder, f Field, d Delimiters) {
	for i, rep := range f {
		if i > 0 {
			b.WriteByte(d.Repetition)
		}
		for j, comp := range rep {
			if j > 0 {
				b.WriteByte(d.Component)
			}
			for k, sub := range comp {
				if k > 0 {
					b.WriteByte(d.Subcomponent)
				}
				b.WriteString(escape(sub, d))
			}
		}
	}
}
