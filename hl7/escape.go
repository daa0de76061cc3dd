package hl7

import (
	"encoding/hex"
	"strings"
)

// unescape replaces the delimiter escape sequences \F\ \S\ \T\ \R\ \E\ and
// hexadecimal sequences such as \X0D\ with the characters they stand for.
// Formatting sequences such as \H\ are kept verbatim.
func unescape(s string, d Delimiters) string {
	if strings.IndexByte(s, d.Escape) < 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		c := s[i]
		if c != d.Escape {
			b.WriteByte(c)
			i++
			continue
		}
		j := strings.IndexByte(s[i+1:], d.Escape)
		if j < 0 {
			b.WriteString(s[i:])
			break
		}
		j += i + 1
		if r, ok := delimiterFor(s[i+1:j], d); ok {
			b.WriteByte(r)
		} else if raw, ok := hexSequence(s[i+1 : j]); ok {
			b.Write(raw)
		} else {
			b.WriteString(s[i : j+1])
		}
		i = j + 1
	}
	return b.String()
}

// escape is the inverse of unescape. Segment terminators inside a value are
// written as \X0D\ and \X0A\.
func escape(s string, d Delimiters) string {
	if strings.IndexAny(s, string([]byte{d.Field, d.Component, d.Repetition, d.Escape, d.Subcomponent, '\r', '\n'})) < 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); {
		c := s[i]
		switch c {
		case d.Field:
			b.WriteString(seq(d, 'F'))
		case d.Component:
			b.WriteString(seq(d, 'S'))
		case d.Subcomponent:
			b.WriteString(seq(d, 'T'))
		case d.Repetition:
			b.WriteString(seq(d, 'R'))
		case d.Escape:
			if j := formattingSequenceEnd(s, i, d); j > 0 {
				b.WriteString(s[i : j+1])
				i = j + 1
				continue
			}
			b.WriteString(seq(d, 'E'))
		case '\r':
			b.WriteString(string(d.Escape) + "X0D" + string(d.Escape))
		case '\n':
			b.WriteString(string(d.Escape) + "X0A" + string(d.Escape))
		default:
			b.WriteByte(c)
		}
		i++
	}
	return b.String()
}

func seq(d Delimiters, code byte) string {
	return string([]byte{d.Escape, code, d.Escape})
}

func delimiterFor(code string, d Delimiters) (byte, bool) {
	switch code {
	case "F":
		return d.Field, true
	case "S":
		return d.Component, true
	case "T":
		return d.Subcomponent, true
	case "R":
		return d.Repetition, true
	case "E":
		return d.Escape, true
	}
	return 0, false
}

// formattingSequenceEnd returns the index of the escape character closing a
// formatting sequence that starts at i, or -1.
func formattingSequenceEnd(s string, i int, d Delimiters) int {
	j := strings.IndexByte(s[i+1:], d.Escape)
	if j <= 0 {
		return -1
	}
	j += i + 1
	code := s[i+1 : j]
	if _, ok := delimiterFor(code, d); ok {
		return -1
	}
	if _, ok := hexSequence(code); ok {
		return -1
	}
	if strings.IndexAny(code, string([]byte{d.Field, d.Component, d.Repetition, d.Subcomponent})) >= 0 {
		return -1
	}
	return j
}

// hexSequence decodes the body of a \Xhh..\ sequence.
func hexSequence(code string) ([]byte, bool) {
	if len(code) < 3 || code[0] != 'X' {
		return nil, false
	}
	raw, err := hex.DecodeString(code[1:])
	if err != nil {
		return nil, false
	}
	return raw, true
}
