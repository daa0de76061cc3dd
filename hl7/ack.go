package hl7

import (
	"fmt"
	"time"
)

// Acknowledgement codes carried in MSA-1.
const (
	AckAccept = "AA"
	AckError  = "AE"
	AckReject = "AR"
)

const timestampLayout = "20060102150405"

// now is replaced in tests.
var now = time.Now

// GenerateACK builds the positive acknowledgement of msg. The ACK swaps the
// sending and receiving application and facility, repeats the original
// control ID in MSH-10 and MSA-2, and copies processing ID and version.
//
// Parameters:
//   - msg: The decoded message being acknowledged
//
// Returns:
//   - The ACK message, or a protocol error if msg has no MSH segment
func GenerateACK(msg *Message) (*Message, error) {
	return buildAck(msg, AckAccept, "")
}

// GenerateNAK builds a negative acknowledgement of msg with code AE or AR.
// text is written to MSA-3 and to an ERR segment.
func GenerateNAK(msg *Message, code, text string) (*Message, error) {
	if code != AckError && code != AckReject {
		return nil, encodeError("hl7.GenerateNAK", fmt.Errorf("invalid negative acknowledgement code %q", code))
	}
	return buildAck(msg, code, text)
}

func buildAck(msg *Message, code, text string) (*Message, error) {
	if msg == nil {
		return nil, encodeError("hl7.GenerateACK", fmt.Errorf("nil message"))
	}
	msh := msg.Segment("MSH")
	if msh == nil {
		return nil, encodeError("hl7.GenerateACK", fmt.Errorf("message has no MSH segment"))
	}
	d := msg.Delimiters
	ctrl := msg.ControlID()

	ack := &Segment{Name: "MSH"}
	ack.SetField(1, NewField(string(d.Field)))
	ack.SetField(2, NewField(d.EncodingCharacters()))
	ack.SetField(3, msh.Field(5))
	ack.SetField(4, msh.Field(6))
	ack.SetField(5, msh.Field(3))
	ack.SetField(6, msh.Field(4))
	ack.SetField(7, NewField(now().Format(timestampLayout)))
	ack.SetField(9, NewField("ACK", msg.TriggerEvent(), "ACK"))
	ack.SetField(10, NewField(ctrl))
	ack.SetField(11, msh.Field(11))
	ack.SetField(12, msh.Field(12))
	ack.trim()

	msa := &Segment{Name: "MSA"}
	msa.SetField(1, NewField(code))
	msa.SetField(2, NewField(ctrl))
	if text != "" {
		msa.SetField(3, NewField(text))
	}

	out := &Message{Delimiters: d, Segments: []*Segment{ack, msa}}
	if code != AckAccept && text != "" {
		errSeg := &Segment{Name: "ERR"}
		errSeg.SetField(3, NewField("207", "Application internal error", "HL70357"))
		errSeg.SetField(4, NewField("E"))
		errSeg.SetField(8, NewField(text))
		out.Segments = append(out.Segments, errSeg)
	}
	return out, nil
}

// HeaderOnly decodes just the MSH segment of ER7 data. It is used to
// address a rejection when the full message cannot be parsed.
func HeaderOnly(data []byte) (*Message, error) {
	text := string(data)
	for i := 0; i < len(text); i++ {
		if text[i] == '\r' || text[i] == '\n' {
			text = text[:i]
			break
		}
	}
	msg, err := parseER7(text)
	if err != nil {
		return nil, decodeError("hl7.HeaderOnly", data, err)
	}
	return msg, nil
}
