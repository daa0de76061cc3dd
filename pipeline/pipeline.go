// Package pipeline connects HL7 sessions to the surrounding event pipeline:
// inbound messages are handed off as text events and outbound messages are
// consumed from it.
package pipeline

import (
	"context"
	"errors"

	"github.com/cyberinferno/hl7mllp/hl7"
)

// ErrClosed is returned by sinks that no longer accept events.
var ErrClosed = errors.New("pipeline: sink closed")

// EventSink receives one text event per accepted inbound message. OnEvent
// may block only as long as the pipeline itself applies backpressure.
type EventSink interface {
	OnEvent(ctx context.Context, event string) error
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(ctx context.Context, event string) error

// OnEvent calls f.
func (f SinkFunc) OnEvent(ctx context.Context, event string) error {
	return f(ctx, event)
}

// Discard drops every event.
var Discard EventSink = SinkFunc(func(context.Context, string) error { return nil })

// FormatEvent renders message text as a pipeline event. ER7 text is wrapped
// as payload: '<text>'; XML is passed through unchanged.
func FormatEvent(text string, enc hl7.Encoding) string {
	if enc == hl7.XML {
		return text
	}
	return "payload: '" + text + "'"
}

// ChannelSink delivers events on a buffered channel.
type ChannelSink struct {
	ch chan string
}

// NewChannelSink returns a sink whose channel holds up to size events.
func NewChannelSink(size int) *ChannelSink {
	return &ChannelSink{ch: make(chan string, size)}
}

// OnEvent blocks until the event is buffered or ctx is done.
func (s *ChannelSink) OnEvent(ctx context.Context, event string) error {
	select {
	case s.ch <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events returns the receive side of the channel.
func (s *ChannelSink) Events() <-chan string {
	return s.ch
}
