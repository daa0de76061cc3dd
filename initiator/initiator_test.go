package initiator

import (
	"context"
	"crypto/tls"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/hl7mllp/endpoint"
	"github.com/cyberinferno/hl7mllp/hl7"
	"github.com/cyberinferno/hl7mllp/hl7err"
	"github.com/cyberinferno/hl7mllp/keystore"
	"github.com/cyberinferno/hl7mllp/keystore/keystoretest"
	"github.com/cyberinferno/hl7mllp/metrics"
	"github.com/cyberinferno/hl7mllp/mllp"
)

const scenarioMessage = "MSH|^~\\&|A|B|C|D|20240101||ADT^A01|MSG00001|P|2.3"

const admitMessage = "MSH|^~\\&|SendApp|SendFac|RecvApp|RecvFac|20240101120000||ADT^A01^ADT_A01|MSG00042|P|2.4\r" +
	"EVN|A01|20240101120000\r" +
	"PID|1||12345^^^Hosp^MR||Doe^John^A||19800101|M"

type serverMode int

const (
	modeAck    serverMode = iota // acknowledge every frame
	modeSilent                   // read frames, never answer
	modeClose                    // close after the first frame
)

// serve answers MLLP frames on ln until it is closed.
func serve(t *testing.T, ln net.Listener, enc, ackEnc hl7.Encoding, mode serverMode) endpoint.Endpoint {
	t.Helper()
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				r := mllp.NewReader(conn)
				for {
					data, err := r.ReadFrame()
					if err != nil {
						return
					}
					switch mode {
					case modeSilent:
						continue
					case modeClose:
						return
					}
					msg, err := hl7.CodecFor(enc).Decode(data)
					if err != nil {
						return
					}
					ack, err := hl7.GenerateACK(msg)
					if err != nil {
						return
					}
					out, err := hl7.CodecFor(ackEnc).Encode(ack)
					if err != nil {
						return
					}
					if err := mllp.WriteFrame(conn, out); err != nil {
						return
					}
				}
			}()
		}
	}()

	ep, err := endpoint.Parse(ln.Addr().String())
	require.NoError(t, err)
	return ep
}

func startServer(t *testing.T, enc, ackEnc hl7.Encoding, mode serverMode) endpoint.Endpoint {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return serve(t, ln, enc, ackEnc, mode)
}

func newInitiator(t *testing.T, cfg Config, opts Options) *Initiator {
	t.Helper()
	i, err := New(cfg, opts)
	require.NoError(t, err)
	return i
}

func connect(t *testing.T, i *Initiator, ep endpoint.Endpoint) *Connection {
	t.Helper()
	conn, err := i.Connect(context.Background(), ep)
	require.NoError(t, err)
	t.Cleanup(func() { _ = i.Disconnect(conn) })
	return conn
}

func TestSend_Scenario(t *testing.T) {
	ep := startServer(t, hl7.ER7, hl7.ER7, modeAck)
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	i := newInitiator(t, DefaultConfig(), Options{Metrics: m})
	conn := connect(t, i, ep)

	resp, err := i.Send(context.Background(), conn, []byte(scenarioMessage))
	require.NoError(t, err)
	assert.Equal(t, hl7.AckAccept, resp.Code())
	assert.Equal(t, "MSG00001", resp.ControlID())
	assert.Equal(t, "MSG00001", resp.Message.ControlID())
	assert.Equal(t, "ACK", resp.Message.MessageType())
	assert.True(t, strings.HasPrefix(resp.Text, "MSH|^~\\&|C|D|A|B|"))
	assert.Equal(t, Connected, conn.State())

	expected := `
# HELP hl7mllp_initiator_acks_total Acknowledgements received by MSA-1 code
# TYPE hl7mllp_initiator_acks_total counter
hl7mllp_initiator_acks_total{code="AA"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "hl7mllp_initiator_acks_total"))
}

func TestSend_EncodingPairs(t *testing.T) {
	msg, err := hl7.CodecFor(hl7.ER7).Decode([]byte(admitMessage))
	require.NoError(t, err)

	for _, enc := range []hl7.Encoding{hl7.ER7, hl7.XML} {
		for _, ackEnc := range []hl7.Encoding{hl7.ER7, hl7.XML} {
			t.Run(enc.String()+"/"+ackEnc.String(), func(t *testing.T) {
				ep := startServer(t, enc, ackEnc, modeAck)
				cfg := DefaultConfig()
				cfg.Encoding, cfg.AckEncoding = enc, ackEnc
				i := newInitiator(t, cfg, Options{})
				conn := connect(t, i, ep)

				payload, err := hl7.CodecFor(enc).Encode(msg)
				require.NoError(t, err)

				for n := 0; n < 2; n++ {
					resp, err := i.Send(context.Background(), conn, payload)
					require.NoError(t, err)
					assert.Equal(t, "MSG00042", resp.ControlID())
					assert.Equal(t, hl7.AckAccept, resp.Code())
					if ackEnc == hl7.XML {
						assert.Contains(t, resp.Text, "<ACK")
					} else {
						assert.True(t, strings.HasPrefix(resp.Text, "MSH|"))
					}
				}
			})
		}
	}
}

func TestSend_Charset(t *testing.T) {
	ep := startServer(t, hl7.ER7, hl7.ER7, modeAck)
	cfg := DefaultConfig()
	cfg.Charset = "ISO-8859-1"
	i := newInitiator(t, cfg, Options{})
	conn := connect(t, i, ep)

	payload := strings.Replace(admitMessage, "Doe^John", "Müller^Jürgen", 1)
	resp, err := i.Send(context.Background(), conn, []byte(payload))
	require.NoError(t, err)
	assert.Equal(t, "MSG00042", resp.ControlID())
}

func TestSend_Timeout(t *testing.T) {
	ep := startServer(t, hl7.ER7, hl7.ER7, modeSilent)
	cfg := DefaultConfig()
	cfg.Timeout = 200 * time.Millisecond
	i := newInitiator(t, cfg, Options{})

	conn, err := i.Connect(context.Background(), ep)
	require.NoError(t, err)

	start := time.Now()
	_, err = i.Send(context.Background(), conn, []byte(scenarioMessage))
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, hl7err.ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, cfg.Timeout)
	assert.Less(t, elapsed, cfg.Timeout+time.Second)

	var he *hl7err.Error
	require.ErrorAs(t, err, &he)
	assert.Equal(t, ep.Host, he.Host)
	assert.Equal(t, ep.Port, he.Port)

	assert.Equal(t, Broken, conn.State())
	_, err = i.Send(context.Background(), conn, []byte(scenarioMessage))
	assert.ErrorIs(t, err, hl7err.ErrTransport)

	assert.NoError(t, i.Disconnect(conn))
	assert.NoError(t, i.Disconnect(conn))
	assert.Equal(t, Disconnected, conn.State())
}

func TestSend_ContextDeadline(t *testing.T) {
	ep := startServer(t, hl7.ER7, hl7.ER7, modeSilent)
	i := newInitiator(t, DefaultConfig(), Options{})
	conn := connect(t, i, ep)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := i.Send(ctx, conn, []byte(scenarioMessage))
	assert.ErrorIs(t, err, hl7err.ErrTimeout)
	assert.Less(t, time.Since(start), DefaultTimeout)
}

func TestSend_Cancelled(t *testing.T) {
	ep := startServer(t, hl7.ER7, hl7.ER7, modeSilent)
	i := newInitiator(t, DefaultConfig(), Options{})
	conn := connect(t, i, ep)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	_, err := i.Send(ctx, conn, []byte(scenarioMessage))
	require.ErrorIs(t, err, hl7err.ErrTransport)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, hl7err.ErrTimeout)
	assert.Less(t, time.Since(start), DefaultTimeout)
	assert.Equal(t, Broken, conn.State())
}

func TestSend_CancelAfterExchange(t *testing.T) {
	ep := startServer(t, hl7.ER7, hl7.ER7, modeAck)
	i := newInitiator(t, DefaultConfig(), Options{})
	conn := connect(t, i, ep)

	for n := 0; n < 20; n++ {
		ctx, cancel := context.WithCancel(context.Background())
		_, err := i.Send(ctx, conn, []byte(scenarioMessage))
		cancel()
		require.NoError(t, err)

		// A cancellation after the exchange leaves the connection usable.
		_, err = i.Send(context.Background(), conn, []byte(scenarioMessage))
		require.NoError(t, err)
		assert.Equal(t, Connected, conn.State())
	}
}

func TestSend_PeerCloses(t *testing.T) {
	ep := startServer(t, hl7.ER7, hl7.ER7, modeClose)
	i := newInitiator(t, DefaultConfig(), Options{})
	conn := connect(t, i, ep)

	_, err := i.Send(context.Background(), conn, []byte(scenarioMessage))
	assert.ErrorIs(t, err, hl7err.ErrTransport)
	assert.Equal(t, Broken, conn.State())
	assert.NoError(t, i.Disconnect(conn))
}

func TestSend_MalformedPayload(t *testing.T) {
	ep := startServer(t, hl7.ER7, hl7.ER7, modeAck)
	i := newInitiator(t, DefaultConfig(), Options{})
	conn := connect(t, i, ep)

	_, err := i.Send(context.Background(), conn, []byte("PID|1||12345"))
	assert.ErrorIs(t, err, hl7err.ErrProtocol)
	assert.Equal(t, Connected, conn.State())

	resp, err := i.Send(context.Background(), conn, []byte(scenarioMessage))
	require.NoError(t, err)
	assert.Equal(t, "MSG00001", resp.ControlID())
}

func TestSend_Disconnected(t *testing.T) {
	ep := startServer(t, hl7.ER7, hl7.ER7, modeAck)
	i := newInitiator(t, DefaultConfig(), Options{})
	conn := connect(t, i, ep)
	require.NoError(t, conn.Disconnect())

	_, err := i.Send(context.Background(), conn, []byte(scenarioMessage))
	assert.ErrorIs(t, err, hl7err.ErrTransport)

	_, err = i.Send(context.Background(), nil, []byte(scenarioMessage))
	assert.ErrorIs(t, err, hl7err.ErrConnectionUnavailable)
	assert.NoError(t, i.Disconnect(nil))
}

func TestConnect_Refused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ep, err := endpoint.Parse(ln.Addr().String())
	require.NoError(t, err)
	require.NoError(t, ln.Close())

	i := newInitiator(t, DefaultConfig(), Options{})
	_, err = i.Connect(context.Background(), ep)
	require.Error(t, err)
	assert.ErrorIs(t, err, hl7err.ErrConnectionUnavailable)
	assert.True(t, hl7err.Retryable(err))

	var he *hl7err.Error
	require.ErrorAs(t, err, &he)
	assert.Equal(t, "127.0.0.1", he.Host)
	assert.Equal(t, ep.Port, he.Port)
	assert.Equal(t, "dial", he.Reason)
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  func(*Config)
		want error
	}{
		{"zero timeout", func(c *Config) { c.Timeout = 0 }, hl7err.ErrValidation},
		{"unknown encoding", func(c *Config) { c.Encoding = hl7.Encoding(7) }, hl7err.ErrValidation},
		{"unknown ack encoding", func(c *Config) { c.AckEncoding = hl7.Encoding(7) }, hl7err.ErrValidation},
		{"unknown charset", func(c *Config) { c.Charset = "klingon" }, hl7err.ErrValidation},
		{"missing keystore", func(c *Config) {
			c.TLS = &keystore.Config{Path: "/nonexistent/truststore.jks"}
		}, hl7err.ErrKeystore},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.cfg(&cfg)
			_, err := New(cfg, Options{})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestConnect_TLS(t *testing.T) {
	id := keystoretest.NewIdentity(t)
	serverCfg, err := keystore.ServerTLSConfig(keystore.Config{
		Path:       keystoretest.WriteJKS(t, id, false),
		Passphrase: keystoretest.Passphrase,
	})
	require.NoError(t, err)

	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverCfg)
	require.NoError(t, err)
	ep := serve(t, ln, hl7.ER7, hl7.ER7, modeAck)

	t.Run("trusted", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.TLS = &keystore.Config{Path: keystoretest.WriteTrustJKS(t, id), Passphrase: keystoretest.Passphrase}
		i := newInitiator(t, cfg, Options{})
		conn := connect(t, i, ep)

		resp, err := i.Send(context.Background(), conn, []byte(scenarioMessage))
		require.NoError(t, err)
		assert.Equal(t, "MSG00001", resp.ControlID())
	})

	t.Run("untrusted", func(t *testing.T) {
		other := keystoretest.NewIdentity(t)
		cfg := DefaultConfig()
		cfg.TLS = &keystore.Config{Path: keystoretest.WriteTrustJKS(t, other), Passphrase: keystoretest.Passphrase}
		i := newInitiator(t, cfg, Options{})

		_, err := i.Connect(context.Background(), ep)
		require.Error(t, err)
		assert.ErrorIs(t, err, hl7err.ErrConnectionUnavailable)

		var he *hl7err.Error
		require.ErrorAs(t, err, &he)
		assert.Equal(t, "tls-handshake", he.Reason)
	})
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "Connected", Connected.String())
	assert.Equal(t, "Broken", Broken.String())
	assert.Equal(t, "Disconnected", Disconnected.String())
	assert.Equal(t, "Unknown", State(9).String())
}
