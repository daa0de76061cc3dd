package hl7

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/beevik/etree"
)

// XMLNamespace is the default namespace of HL7 v2.xml documents.
const XMLNamespace = "urn:hl7-org:v2xml"

type xmlCodec struct{}

func (xmlCodec) Encoding() Encoding { return XML }

// Encode writes the message as an HL7 v2.xml document. The root element is
// named after the message structure; fields are SEG.n elements, components
// SEG.n.m and subcomponents SEG.n.m.k. Single-valued fields and components
// are written as text.
func (xmlCodec) Encode(msg *Message) ([]byte, error) {
	if msg == nil {
		return nil, encodeError("hl7.XML.Encode", fmt.Errorf("nil message"))
	}
	if err := msg.validate(); err != nil {
		return nil, encodeError("hl7.XML.Encode", err)
	}

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	root := doc.CreateElement(msg.Structure())
	root.CreateAttr("xmlns", XMLNamespace)

	d := msg.Delimiters
	for _, seg := range msg.Segments {
		el := root.CreateElement(seg.Name)
		first := 1
		if seg.Name == "MSH" {
			el.CreateElement("MSH.1").SetText(string(d.Field))
			el.CreateElement("MSH.2").SetText(d.EncodingCharacters())
			first = 3
		}
		for n := first; n <= len(seg.Fields); n++ {
			f := seg.Field(n)
			if f.IsEmpty() {
				continue
			}
			tag := seg.Name + "." + strconv.Itoa(n)
			for _, rep := range f {
				writeRepetition(el.CreateElement(tag), tag, rep)
			}
		}
	}

	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, encodeError("hl7.XML.Encode", err)
	}
	return out, nil
}

func writeRepetition(el *etree.Element, tag string, rep Repetition) {
	if len(rep) == 0 {
		el.SetText("")
		return
	}
	if len(rep) == 1 && len(rep[0]) == 1 {
		el.SetText(rep[0][0])
		return
	}
	for j, comp := range rep {
		ctag := tag + "." + strconv.Itoa(j+1)
		cel := el.CreateElement(ctag)
		if len(comp) == 1 {
			cel.SetText(comp[0])
			continue
		}
		for k, sub := range comp {
			cel.CreateElement(ctag + "." + strconv.Itoa(k+1)).SetText(sub)
		}
	}
}

// Decode parses an HL7 v2.xml document. Group elements are flattened so the
// decoded segments keep document order.
func (xmlCodec) Decode(data []byte) (*Message, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, decodeError("hl7.XML.Decode", data, err)
	}
	root := doc.Root()
	if root == nil {
		return nil, decodeError("hl7.XML.Decode", data, fmt.Errorf("document has no root element"))
	}

	msg := &Message{Delimiters: DefaultDelimiters()}
	if err := collectSegments(msg, root); err != nil {
		return nil, decodeError("hl7.XML.Decode", data, err)
	}
	if len(msg.Segments) == 0 || msg.Segments[0].Name != "MSH" {
		return nil, decodeError("hl7.XML.Decode", data, fmt.Errorf("message must start with an MSH segment"))
	}
	for i, seg := range msg.Segments[1:] {
		if seg.Name == "MSH" {
			return nil, decodeError("hl7.XML.Decode", data, fmt.Errorf("segment %d: unexpected second MSH segment", i+2))
		}
	}
	return msg, nil
}

func collectSegments(msg *Message, parent *etree.Element) error {
	for _, el := range parent.ChildElements() {
		if validSegmentName(el.Tag) {
			seg, err := readSegment(msg, el)
			if err != nil {
				return err
			}
			msg.Segments = append(msg.Segments, seg)
			continue
		}
		if len(el.ChildElements()) == 0 {
			return fmt.Errorf("unexpected element <%s>", el.Tag)
		}
		if err := collectSegments(msg, el); err != nil {
			return err
		}
	}
	return nil
}

func readSegment(msg *Message, el *etree.Element) (*Segment, error) {
	seg := &Segment{Name: el.Tag}
	fieldSep, encChars := "", ""
	for _, fel := range el.ChildElements() {
		if !strings.HasPrefix(fel.Tag, seg.Name+".") {
			return nil, fmt.Errorf("segment %s: unexpected element <%s>", seg.Name, fel.Tag)
		}
		n, err := position(fel.Tag)
		if err != nil {
			return nil, fmt.Errorf("segment %s: %w", seg.Name, err)
		}
		if seg.Name == "MSH" && n == 1 {
			fieldSep = fel.Text()
			continue
		}
		if seg.Name == "MSH" && n == 2 {
			encChars = fel.Text()
			continue
		}
		rep, err := readRepetition(fel)
		if err != nil {
			return nil, fmt.Errorf("segment %s: %w", seg.Name, err)
		}
		seg.SetField(n, append(seg.Field(n), rep))
	}

	if seg.Name == "MSH" {
		if fieldSep != "" || encChars != "" {
			d, err := delimitersFrom(fieldSep, encChars)
			if err != nil {
				return nil, err
			}
			msg.Delimiters = d
		}
		seg.SetField(1, NewField(string(msg.Delimiters.Field)))
		seg.SetField(2, NewField(msg.Delimiters.EncodingCharacters()))
	}
	seg.trim()
	return seg, nil
}

func readRepetition(el *etree.Element) (Repetition, error) {
	children := el.ChildElements()
	if len(children) == 0 {
		return Repetition{Component{el.Text()}}, nil
	}
	var rep Repetition
	for _, cel := range children {
		j, err := position(cel.Tag)
		if err != nil {
			return nil, err
		}
		comp, err := readComponent(cel)
		if err != nil {
			return nil, err
		}
		for len(rep) < j {
			rep = append(rep, Component{""})
		}
		rep[j-1] = comp
	}
	return rep, nil
}

func readComponent(el *etree.Element) (Component, error) {
	children := el.ChildElements()
	if len(children) == 0 {
		return Component{el.Text()}, nil
	}
	var comp Component
	for _, sel := range children {
		k, err := position(sel.Tag)
		if err != nil {
			return nil, err
		}
		if len(sel.ChildElements()) > 0 {
			return nil, fmt.Errorf("element <%s> nested below subcomponent level", sel.Tag)
		}
		for len(comp) < k {
			comp = append(comp, "")
		}
		comp[k-1] = sel.Text()
	}
	return comp, nil
}

// position returns the numeric suffix of tags such as "PID.5" or "XPN.1".
func position(tag string) (int, error) {
	i := strings.LastIndexByte(tag, '.')
	if i < 0 {
		return 0, fmt.Errorf("element <%s> has no position suffix", tag)
	}
	n, err := strconv.Atoi(tag[i+1:])
	if err != nil || n < 1 {
		return 0, fmt.Errorf("element <%s> has an invalid position suffix", tag)
	}
	return n, nil
}
