package sink

import (
	"context"
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/hl7mllp/config"
	"github.com/cyberinferno/hl7mllp/hl7"
	"github.com/cyberinferno/hl7mllp/hl7err"
	"github.com/cyberinferno/hl7mllp/pipeline"
	"github.com/cyberinferno/hl7mllp/source"
)

const scenarioMessage = "MSH|^~\\&|A|B|C|D|20240101||ADT^A01|MSG00001|P|2.3"

// startSource listens on a free loopback port and returns its URI.
func startSource(t *testing.T, events pipeline.EventSink) string {
	t.Helper()
	src, err := source.New(context.Background(), config.Options{
		config.KeyHost:     "127.0.0.1",
		config.KeyPort:     "0",
		config.KeyEncoding: "er7",
	}, source.Deps{Stream: "inbound", Sink: events})
	require.NoError(t, err)
	require.NoError(t, src.Connect(context.Background()))
	t.Cleanup(src.Destroy)

	_, port, err := net.SplitHostPort(src.Addr().String())
	require.NoError(t, err)
	return "hl7://127.0.0.1:" + port
}

func TestSink_Publish(t *testing.T) {
	events := pipeline.NewChannelSink(1)
	uri := startSource(t, events)

	s, err := New(config.Options{config.KeyURI: uri, config.KeyEncoding: "ER7"}, Deps{Stream: "outbound"})
	require.NoError(t, err)
	defer s.Destroy()
	assert.NotEmpty(t, s.ID())
	assert.Equal(t, "127.0.0.1", s.Endpoint().Host)

	require.NoError(t, s.Connect(context.Background()))
	resp, err := s.Publish(context.Background(), scenarioMessage)
	require.NoError(t, err)
	assert.Equal(t, hl7.AckAccept, resp.Code())
	assert.Equal(t, "MSG00001", resp.ControlID())
	assert.Equal(t, "payload: '"+scenarioMessage+"'", <-events.Events())

	// Reconnecting replaces the connection.
	require.NoError(t, s.Connect(context.Background()))
	_, err = s.Publish(context.Background(), scenarioMessage)
	require.NoError(t, err)

	require.NoError(t, s.Disconnect())
	require.NoError(t, s.Disconnect())
}

func TestSink_PublishWithoutConnection(t *testing.T) {
	s, err := New(config.Options{config.KeyURI: "localhost:2575", config.KeyEncoding: "er7"}, Deps{Stream: "adt"})
	require.NoError(t, err)

	_, err = s.Publish(context.Background(), scenarioMessage)
	require.ErrorIs(t, err, hl7err.ErrConnectionUnavailable)

	var he *hl7err.Error
	require.ErrorAs(t, err, &he)
	assert.Equal(t, "adt", he.Session)
	assert.Equal(t, "localhost", he.Host)
	assert.Equal(t, 2575, he.Port)
}

func TestSink_PublishMalformed(t *testing.T) {
	uri := startSource(t, nil)
	s, err := New(config.Options{config.KeyURI: uri, config.KeyEncoding: "er7"}, Deps{Stream: "adt"})
	require.NoError(t, err)
	defer s.Destroy()
	require.NoError(t, s.Connect(context.Background()))

	_, err = s.Publish(context.Background(), "not hl7")
	require.ErrorIs(t, err, hl7err.ErrProtocol)

	var he *hl7err.Error
	require.ErrorAs(t, err, &he)
	assert.Equal(t, "adt", he.Session)
	assert.Equal(t, "127.0.0.1", he.Host)
}

func TestSink_ConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	s, err := New(config.Options{
		config.KeyURI:      "127.0.0.1:" + strconv.Itoa(port),
		config.KeyEncoding: "er7",
	}, Deps{Stream: "adt"})
	require.NoError(t, err)

	err = s.Connect(context.Background())
	require.ErrorIs(t, err, hl7err.ErrConnectionUnavailable)
	assert.True(t, hl7err.Retryable(err))

	var he *hl7err.Error
	require.ErrorAs(t, err, &he)
	assert.Equal(t, "adt", he.Session)
	assert.Equal(t, port, he.Port)
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		opts config.Options
		want error
	}{
		{"missing uri", config.Options{config.KeyEncoding: "er7"}, hl7err.ErrValidation},
		{"bad uri", config.Options{config.KeyURI: "tcp://host:1", config.KeyEncoding: "er7"}, hl7err.ErrValidation},
		{"missing encoding", config.Options{config.KeyURI: "host:1"}, hl7err.ErrValidation},
		{"bad timeout", config.Options{config.KeyURI: "host:1", config.KeyEncoding: "er7", config.KeyTimeout: "-5"}, hl7err.ErrValidation},
		{"bad charset", config.Options{config.KeyURI: "host:1", config.KeyEncoding: "er7", config.KeyCharset: "nope"}, hl7err.ErrValidation},
		{"unusable keystore", config.Options{
			config.KeyURI:          "host:1",
			config.KeyEncoding:     "er7",
			config.KeyTLSEnabled:   "true",
			config.KeyKeystorePath: "/nonexistent/client.jks",
		}, hl7err.ErrKeystore},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opts, Deps{Stream: "adt"})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestSink_State(t *testing.T) {
	s, err := New(config.Options{config.KeyURI: "host:1", config.KeyEncoding: "xml"}, Deps{})
	require.NoError(t, err)
	assert.Empty(t, s.CurrentState())
	s.RestoreState(map[string]any{"ignored": true})
	assert.Empty(t, s.CurrentState())
	assert.NoError(t, s.Disconnect())
}
