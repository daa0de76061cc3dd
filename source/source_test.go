package source

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/hl7mllp/config"
	"github.com/cyberinferno/hl7mllp/conformance"
	"github.com/cyberinferno/hl7mllp/endpoint"
	"github.com/cyberinferno/hl7mllp/hl7"
	"github.com/cyberinferno/hl7mllp/hl7err"
	"github.com/cyberinferno/hl7mllp/initiator"
	"github.com/cyberinferno/hl7mllp/pipeline"
)

const scenarioMessage = "MSH|^~\\&|A|B|C|D|20240101||ADT^A01|MSG00001|P|2.3"

const requirePatient = `
name: requires-pid
segments:
  - name: PID
    usage: R
`

func baseOptions() config.Options {
	return config.Options{
		config.KeyHost:     "127.0.0.1",
		config.KeyPort:     "0",
		config.KeyEncoding: "er7",
	}
}

func connectSource(t *testing.T, opts config.Options, deps Deps) *Source {
	t.Helper()
	s, err := New(context.Background(), opts, deps)
	require.NoError(t, err)
	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(s.Destroy)
	return s
}

func send(t *testing.T, s *Source, payload string) (*initiator.Response, error) {
	t.Helper()
	ep, err := endpoint.Parse(s.Addr().String())
	require.NoError(t, err)
	i, err := initiator.New(initiator.DefaultConfig(), initiator.Options{})
	require.NoError(t, err)
	conn, err := i.Connect(context.Background(), ep)
	require.NoError(t, err)
	defer i.Disconnect(conn)
	return i.Send(context.Background(), conn, []byte(payload))
}

func TestSource_Receive(t *testing.T) {
	events := pipeline.NewChannelSink(1)
	s := connectSource(t, baseOptions(), Deps{Stream: "adt", Sink: events})
	assert.NotEmpty(t, s.ID())

	resp, err := send(t, s, scenarioMessage)
	require.NoError(t, err)
	assert.Equal(t, hl7.AckAccept, resp.Code())
	assert.Equal(t, "MSG00001", resp.ControlID())
	assert.Equal(t, "payload: '"+scenarioMessage+"'", <-events.Events())
}

func TestSource_PauseResume(t *testing.T) {
	s := connectSource(t, baseOptions(), Deps{})
	s.Pause()
	assert.True(t, s.Paused())
	assert.True(t, s.App().Paused())

	done := make(chan error, 1)
	go func() {
		_, err := send(t, s, scenarioMessage)
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("message acknowledged while paused")
	case <-time.After(200 * time.Millisecond):
	}

	s.Resume()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("message not acknowledged after resume")
	}
	assert.False(t, s.Paused())
}

func TestSource_ConformanceProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(requirePatient), 0o600))

	opts := baseOptions()
	opts[config.KeyProfileUsed] = "true"
	opts[config.KeyProfilePath] = path

	loader := conformance.NewLoader(nil, time.Minute)
	s := connectSource(t, opts, Deps{Stream: "adt", Profiles: loader})

	resp, err := send(t, s, scenarioMessage)
	require.NoError(t, err)
	assert.Equal(t, hl7.AckError, resp.Code())
	assert.Contains(t, resp.Message.Get("MSA-3"), "PID")

	resp, err = send(t, s, scenarioMessage+"\rPID|1||12345")
	require.NoError(t, err)
	assert.Equal(t, hl7.AckAccept, resp.Code())
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name   string
		change func(config.Options)
		want   error
	}{
		{"missing port", func(o config.Options) { delete(o, config.KeyPort) }, hl7err.ErrValidation},
		{"bad port", func(o config.Options) { o[config.KeyPort] = "70000" }, hl7err.ErrValidation},
		{"missing encoding", func(o config.Options) { delete(o, config.KeyEncoding) }, hl7err.ErrValidation},
		{"profile without path", func(o config.Options) { o[config.KeyProfileUsed] = "true" }, hl7err.ErrValidation},
		{"missing profile file", func(o config.Options) {
			o[config.KeyProfileUsed] = "true"
			o[config.KeyProfilePath] = "/nonexistent/profile.yaml"
		}, hl7err.ErrValidation},
		{"unusable keystore", func(o config.Options) {
			o[config.KeyTLSEnabled] = "true"
			o[config.KeyKeystorePath] = "/nonexistent/server.jks"
		}, hl7err.ErrKeystore},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := baseOptions()
			tt.change(opts)
			_, err := New(context.Background(), opts, Deps{})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestSource_ConnectFailure(t *testing.T) {
	first := connectSource(t, baseOptions(), Deps{})

	opts := baseOptions()
	_, port, err := net.SplitHostPort(first.Addr().String())
	require.NoError(t, err)
	opts[config.KeyPort] = port
	s, err := New(context.Background(), opts, Deps{Stream: "dup"})
	require.NoError(t, err)

	err = s.Connect(context.Background())
	require.ErrorIs(t, err, hl7err.ErrConnectionUnavailable)
	var he *hl7err.Error
	require.ErrorAs(t, err, &he)
	assert.Equal(t, "listen", he.Reason)
	assert.Equal(t, "dup", he.Session)
}

func TestSource_State(t *testing.T) {
	s, err := New(context.Background(), baseOptions(), Deps{})
	require.NoError(t, err)
	assert.Empty(t, s.CurrentState())
	s.RestoreState(nil)
	assert.NoError(t, s.Disconnect())
}
