// Package hl7 converts HL7v2 messages between their wire serialisations
// (pipe-delimited ER7 text and HL7 v2.xml) and a structured in-memory form,
// and derives acknowledgements from decoded messages.
//
// The model is purely structural: segments hold fields, fields hold
// repetitions, repetitions hold components and components hold
// subcomponents. No segment or field semantics are attached beyond what is
// needed to route and acknowledge a message.
package hl7

import (
	"fmt"
	"strconv"
	"strings"
)

// Default delimiters used when a message does not specify its own.
const (
	DefaultFieldSeparator        = '|'
	DefaultComponentSeparator    = '^'
	DefaultRepetitionSeparator   = '~'
	DefaultEscapeCharacter       = '\\'
	DefaultSubcomponentSeparator = '&'
)

// Delimiters holds the separators declared in MSH-1 and MSH-2.
type Delimiters struct {
	Field        byte
	Component    byte
	Repetition   byte
	Escape       byte
	Subcomponent byte
}

// DefaultDelimiters returns the conventional |^~\& delimiters.
func DefaultDelimiters() Delimiters {
	return Delimiters{
		Field:        DefaultFieldSeparator,
		Component:    DefaultComponentSeparator,
		Repetition:   DefaultRepetitionSeparator,
		Escape:       DefaultEscapeCharacter,
		Subcomponent: DefaultSubcomponentSeparator,
	}
}

// EncodingCharacters returns the MSH-2 value for d.
func (d Delimiters) EncodingCharacters() string {
	return string([]byte{d.Component, d.Repetition, d.Escape, d.Subcomponent})
}

func (d Delimiters) validate() error {
	seen := map[byte]bool{}
	for _, b := range []byte{d.Field, d.Component, d.Repetition, d.Escape, d.Subcomponent} {
		if b == 0 || b == '\r' || b == '\n' {
			return fmt.Errorf("invalid delimiter %q", b)
		}
		if seen[b] {
			return fmt.Errorf("delimiter %q declared twice", b)
		}
		seen[b] = true
	}
	return nil
}

func delimitersFrom(fieldSep, encChars string) (Delimiters, error) {
	if len(fieldSep) != 1 {
		return Delimiters{}, fmt.Errorf("MSH-1 must be a single character, got %q", fieldSep)
	}
	if len(encChars) < 2 || len(encChars) > 4 {
		return Delimiters{}, fmt.Errorf("MSH-2 must hold 2 to 4 encoding characters, got %q", encChars)
	}
	d := DefaultDelimiters()
	d.Field = fieldSep[0]
	d.Component = encChars[0]
	d.Repetition = encChars[1]
	if len(encChars) > 2 {
		d.Escape = encChars[2]
	}
	if len(encChars) > 3 {
		d.Subcomponent = encChars[3]
	}
	if err := d.validate(); err != nil {
		return Delimiters{}, err
	}
	return d, nil
}

// Component is a list of subcomponent values.
type Component []string

// Repetition is one occurrence of a field.
type Repetition []Component

// Field is the list of repetitions of a field. A nil Field is empty.
type Field []Repetition

// Value returns the first subcomponent of the first component of the first
// repetition, or "" for an empty field.
func (f Field) Value() string {
	return f.Component(1, 1)
}

// Component returns subcomponent sub of component comp of the first
// repetition; positions are 1-based. Missing positions yield "".
func (f Field) Component(comp, sub int) string {
	if len(f) == 0 || comp < 1 || sub < 1 {
		return ""
	}
	rep := f[0]
	if comp > len(rep) {
		return ""
	}
	c := rep[comp-1]
	if sub > len(c) {
		return ""
	}
	return c[sub-1]
}

// IsEmpty reports whether the field carries no value at all.
func (f Field) IsEmpty() bool {
	for _, rep := range f {
		for _, c := range rep {
			for _, s := range c {
				if s != "" {
					return false
				}
			}
		}
	}
	return true
}

// NewField builds a single-repetition field from component values.
func NewField(components ...string) Field {
	rep := make(Repetition, len(components))
	for i, c := range components {
		rep[i] = Component{c}
	}
	return Field{rep}
}

// Segment is a named list of fields. Fields[i] holds field i+1, so for MSH
// Fields[0] is MSH-1 (the field separator) and Fields[1] is MSH-2.
type Segment struct {
	Name   string
	Fields []Field
}

// Field returns field n (1-based), or nil when absent.
func (s *Segment) Field(n int) Field {
	if n < 1 || n > len(s.Fields) {
		return nil
	}
	return s.Fields[n-1]
}

// SetField stores f at position n (1-based), growing the segment as needed.
func (s *Segment) SetField(n int, f Field) {
	if n < 1 {
		return
	}
	for len(s.Fields) < n {
		s.Fields = append(s.Fields, nil)
	}
	s.Fields[n-1] = f
}

func (s *Segment) trim() {
	n := len(s.Fields)
	for n > 0 && s.Fields[n-1].IsEmpty() {
		n--
	}
	if s.Name == "MSH" && n < 2 {
		n = min(2, len(s.Fields))
	}
	s.Fields = s.Fields[:n]
	for i, f := range s.Fields {
		if f.IsEmpty() && !(s.Name == "MSH" && i < 2) {
			s.Fields[i] = nil
		}
	}
}

// Message is a decoded HL7v2 message.
type Message struct {
	Delimiters Delimiters
	Segments   []*Segment
}

// Segment returns the first segment called name, or nil.
func (m *Message) Segment(name string) *Segment {
	for _, s := range m.Segments {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// SegmentsNamed returns every segment called name, in message order.
func (m *Message) SegmentsNamed(name string) []*Segment {
	var out []*Segment
	for _, s := range m.Segments {
		if s.Name == name {
			out = append(out, s)
		}
	}
	return out
}

// Get resolves a terser-style path such as "MSH-10", "MSH-9-2" or
// "PID-5-1-2" (segment, field, component, subcomponent) against the first
// matching segment and first repetition. Unknown paths yield "".
func (m *Message) Get(path string) string {
	parts := strings.Split(path, "-")
	if len(parts) < 2 || len(parts) > 4 {
		return ""
	}
	seg := m.Segment(parts[0])
	if seg == nil {
		return ""
	}
	pos := []int{0, 1, 1}
	for i, p := range parts[1:] {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 {
			return ""
		}
		pos[i] = n
	}
	return seg.Field(pos[0]).Component(pos[1], pos[2])
}

// ControlID returns MSH-10.
func (m *Message) ControlID() string {
	return m.Get("MSH-10")
}

// MessageType returns MSH-9-1, e.g. "ADT".
func (m *Message) MessageType() string {
	return m.Get("MSH-9-1")
}

// TriggerEvent returns MSH-9-2, e.g. "A01".
func (m *Message) TriggerEvent() string {
	return m.Get("MSH-9-2")
}

// Structure returns the message structure used to name the XML root
// element: MSH-9-3 when present, otherwise type and trigger joined by "_".
func (m *Message) Structure() string {
	if s := m.Get("MSH-9-3"); s != "" {
		return s
	}
	typ, trig := m.MessageType(), m.TriggerEvent()
	switch {
	case typ == "":
		return "GENERIC_MESSAGE"
	case trig == "":
		return typ
	default:
		return typ + "_" + trig
	}
}

// Version returns MSH-12.
func (m *Message) Version() string {
	return m.Get("MSH-12")
}

// AckCode returns MSA-1 for acknowledgement messages.
func (m *Message) AckCode() string {
	return m.Get("MSA-1")
}

// AckControlID returns MSA-2, the control ID of the acknowledged message.
func (m *Message) AckControlID() string {
	return m.Get("MSA-2")
}

func (m *Message) validate() error {
	if len(m.Segments) == 0 {
		return fmt.Errorf("message has no segments")
	}
	if m.Segments[0].Name != "MSH" {
		return fmt.Errorf("first segment is %q, expected MSH", m.Segments[0].Name)
	}
	for i, s := range m.Segments {
		if !validSegmentName(s.Name) {
			return fmt.Errorf("segment %d has invalid name %q", i+1, s.Name)
		}
	}
	return m.Delimiters.validate()
}

func validSegmentName(name string) bool {
	if len(name) != 3 {
		return false
	}
	for i := 0; i < 3; i++ {
		c := name[i]
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
