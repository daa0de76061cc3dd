// Package conformance checks decoded HL7 messages against message profiles
// described in YAML.
//
// A profile lists the segments a message may carry, how often, and the
// rules for their fields and components:
//
//	name: ADT_A01 admission
//	messageType: ADT^A01
//	segments:
//	  - name: PID
//	    usage: R
//	    max: 1
//	    fields:
//	      - position: 3
//	        usage: R
//	        maxLength: 20
//	      - position: 8
//	        values: [F, M, O, U]
package conformance

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cyberinferno/hl7mllp/hl7"
	"github.com/cyberinferno/hl7mllp/hl7err"
)

// Usage codes.
const (
	UsageRequired      = "R"
	UsageRequiredEmpty = "RE"
	UsageOptional      = "O"
	UsageNotSupported  = "X"
)

// ComponentRule constrains one component of a field.
type ComponentRule struct {
	Position  int      `yaml:"position" json:"position"`
	Usage     string   `yaml:"usage" json:"usage,omitempty"`
	MaxLength int      `yaml:"maxLength" json:"maxLength,omitempty"`
	Values    []string `yaml:"values" json:"values,omitempty"`
}

// FieldRule constrains one field of a segment.
type FieldRule struct {
	Position   int             `yaml:"position" json:"position"`
	Name       string          `yaml:"name" json:"name,omitempty"`
	Usage      string          `yaml:"usage" json:"usage,omitempty"`
	MaxRepeats int             `yaml:"maxRepeats" json:"maxRepeats,omitempty"`
	MaxLength  int             `yaml:"maxLength" json:"maxLength,omitempty"`
	Values     []string        `yaml:"values" json:"values,omitempty"`
	Components []ComponentRule `yaml:"components" json:"components,omitempty"`
}

// SegmentRule constrains the occurrences of one segment.
type SegmentRule struct {
	Name   string      `yaml:"name" json:"name"`
	Usage  string      `yaml:"usage" json:"usage,omitempty"`
	Max    int         `yaml:"max" json:"max,omitempty"`
	Fields []FieldRule `yaml:"fields" json:"fields,omitempty"`
}

// Profile is a message profile.
type Profile struct {
	Name        string        `yaml:"name" json:"name,omitempty"`
	MessageType string        `yaml:"messageType" json:"messageType,omitempty"`
	Strict      bool          `yaml:"strict" json:"strict,omitempty"`
	Segments    []SegmentRule `yaml:"segments" json:"segments"`
}

// Finding is one conformance violation.
type Finding struct {
	Location string `json:"location"`
	Rule     string `json:"rule"`
	Detail   string `json:"detail"`
}

func (f Finding) String() string {
	return f.Location + ": " + f.Detail
}

// ParseProfile decodes and checks a YAML profile. Unknown keys are rejected.
func ParseProfile(data []byte) (*Profile, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var p Profile
	if err := dec.Decode(&p); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("profile is empty")
		}
		return nil, err
	}
	if err := p.check(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadProfile reads the profile at path. Failures are validation errors.
func LoadProfile(path string) (*Profile, error) {
	const op = "conformance.LoadProfile"
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, hl7err.Wrap(hl7err.KindValidation, op, err, "cannot read profile %s", path)
	}
	p, err := ParseProfile(data)
	if err != nil {
		return nil, hl7err.Wrap(hl7err.KindValidation, op, err, "invalid profile %s", path)
	}
	return p, nil
}

func validUsage(u string) bool {
	switch u {
	case "", UsageRequired, UsageRequiredEmpty, UsageOptional, UsageNotSupported:
		return true
	}
	return false
}

func (p *Profile) check() error {
	if len(p.Segments) == 0 {
		return errors.New("profile declares no segments")
	}
	for _, s := range p.Segments {
		if len(s.Name) != 3 {
			return fmt.Errorf("segment %q: name must have 3 characters", s.Name)
		}
		if !validUsage(s.Usage) {
			return fmt.Errorf("segment %s: unknown usage %q", s.Name, s.Usage)
		}
		for _, f := range s.Fields {
			if f.Position < 1 {
				return fmt.Errorf("segment %s: field position must be positive", s.Name)
			}
			if !validUsage(f.Usage) {
				return fmt.Errorf("%s-%d: unknown usage %q", s.Name, f.Position, f.Usage)
			}
			for _, c := range f.Components {
				if c.Position < 1 {
					return fmt.Errorf("%s-%d: component position must be positive", s.Name, f.Position)
				}
				if !validUsage(c.Usage) {
					return fmt.Errorf("%s-%d-%d: unknown usage %q", s.Name, f.Position, c.Position, c.Usage)
				}
			}
		}
	}
	return nil
}

// Validate returns every violation of p found in msg, in profile order.
func (p *Profile) Validate(msg *hl7.Message) []Finding {
	var out []Finding
	add := func(loc, rule, format string, args ...any) {
		out = append(out, Finding{Location: loc, Rule: rule, Detail: fmt.Sprintf(format, args...)})
	}

	if p.MessageType != "" {
		got := msg.MessageType()
		if trig := msg.TriggerEvent(); trig != "" {
			got += "^" + trig
		}
		if got != p.MessageType {
			add("MSH-9", "messageType", "message type %q, expected %q", got, p.MessageType)
		}
	}

	declared := map[string]bool{}
	for _, rule := range p.Segments {
		declared[rule.Name] = true
		segs := msg.SegmentsNamed(rule.Name)
		switch {
		case rule.Usage == UsageRequired && len(segs) == 0:
			add(rule.Name, "usage", "required segment is missing")
		case rule.Usage == UsageNotSupported && len(segs) > 0:
			add(rule.Name, "usage", "segment is not supported")
			continue
		}
		if rule.Max > 0 && len(segs) > rule.Max {
			add(rule.Name, "max", "segment occurs %d times, at most %d allowed", len(segs), rule.Max)
		}
		for i, seg := range segs {
			prefix := rule.Name
			if i > 0 {
				prefix += "(" + strconv.Itoa(i+1) + ")"
			}
			for _, fr := range rule.Fields {
				validateField(add, prefix, seg.Field(fr.Position), fr, msg.Delimiters)
			}
		}
	}

	if p.Strict {
		for _, seg := range msg.Segments {
			if !declared[seg.Name] {
				add(seg.Name, "strict", "segment is not declared in the profile")
				declared[seg.Name] = true
			}
		}
	}
	return out
}

type addFunc func(loc, rule, format string, args ...any)

func validateField(add addFunc, prefix string, f hl7.Field, rule FieldRule, d hl7.Delimiters) {
	loc := prefix + "-" + strconv.Itoa(rule.Position)
	if f.IsEmpty() {
		if rule.Usage == UsageRequired {
			add(loc, "usage", "required field is missing")
		}
		return
	}
	if rule.Usage == UsageNotSupported {
		add(loc, "usage", "field is not supported")
		return
	}
	if rule.MaxRepeats > 0 && len(f) > rule.MaxRepeats {
		add(loc, "maxRepeats", "field repeats %d times, at most %d allowed", len(f), rule.MaxRepeats)
	}
	for _, rep := range f {
		if rule.MaxLength > 0 {
			if n := len(repetitionText(rep, d)); n > rule.MaxLength {
				add(loc, "maxLength", "length %d exceeds %d", n, rule.MaxLength)
			}
		}
		if len(rule.Values) > 0 && len(rep) > 0 && len(rep[0]) > 0 && rep[0][0] != "" {
			if !contains(rule.Values, rep[0][0]) {
				add(loc, "values", "value %q is not one of %s", rep[0][0], strings.Join(rule.Values, ", "))
			}
		}
		for _, cr := range rule.Components {
			validateComponent(add, loc, rep, cr)
		}
	}
}

func validateComponent(add addFunc, fieldLoc string, rep hl7.Repetition, rule ComponentRule) {
	loc := fieldLoc + "-" + strconv.Itoa(rule.Position)
	var comp hl7.Component
	if rule.Position <= len(rep) {
		comp = rep[rule.Position-1]
	}
	if strings.Join(comp, "") == "" {
		if rule.Usage == UsageRequired {
			add(loc, "usage", "required component is missing")
		}
		return
	}
	if rule.Usage == UsageNotSupported {
		add(loc, "usage", "component is not supported")
		return
	}
	value := strings.Join(comp, "&")
	if rule.MaxLength > 0 && len(value) > rule.MaxLength {
		add(loc, "maxLength", "length %d exceeds %d", len(value), rule.MaxLength)
	}
	if len(rule.Values) > 0 && !contains(rule.Values, value) {
		add(loc, "values", "value %q is not one of %s", value, strings.Join(rule.Values, ", "))
	}
}

func repetitionText(rep hl7.Repetition, d hl7.Delimiters) string {
	comps := make([]string, len(rep))
	for i, c := range rep {
		comps[i] = strings.Join(c, string(d.Subcomponent))
	}
	return strings.Join(comps, string(d.Component))
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Check validates msg and returns a conformance error listing the findings,
// or nil when msg conforms.
func (p *Profile) Check(op string, m *hl7.Message) error {
	findings := p.Validate(m)
	if len(findings) == 0 {
		return nil
	}
	texts := make([]string, len(findings))
	for i, f := range findings {
		texts[i] = f.String()
	}
	msg := "message does not conform to profile"
	if p.Name != "" {
		msg += " " + p.Name
	}
	return &hl7err.Error{
		Kind:     hl7err.KindConformance,
		Op:       op,
		Msg:      msg,
		Findings: texts,
	}
}
