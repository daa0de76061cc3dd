// Package source receives HL7 messages on an MLLP listener and hands them
// to a host pipeline.
package source

import (
	"context"
	"net"
	"strconv"

	"github.com/google/uuid"

	"github.com/cyberinferno/hl7mllp/config"
	"github.com/cyberinferno/hl7mllp/conformance"
	"github.com/cyberinferno/hl7mllp/hl7err"
	"github.com/cyberinferno/hl7mllp/logger"
	"github.com/cyberinferno/hl7mllp/metrics"
	"github.com/cyberinferno/hl7mllp/pipeline"
	"github.com/cyberinferno/hl7mllp/receiver"
)

// Deps carries the collaborators of a Source. Every field is optional.
type Deps struct {
	// Stream names the host stream fed by the source.
	Stream  string
	Logger  logger.Logger
	Metrics *metrics.Metrics
	// Sink receives one event per accepted message.
	Sink pipeline.EventSink
	// Profiles loads conformance profiles. Without it the profile file is
	// read directly.
	Profiles *conformance.Loader
}

// Source owns one listening endpoint and its receiving application.
type Source struct {
	id     string
	stream string
	host   string
	port   int
	app    *receiver.App
	server *receiver.Server
	log    logger.Logger
}

// New parses and validates opts, loads the conformance profile when one is
// configured and prepares the listener without binding it.
//
// Parameters:
//   - ctx: Bounds profile loading
//   - opts: port and hl7.encoding are required; host, hl7.ack.encoding,
//     charset, hl7.conformance.profile.* and tls.* are optional. Port 0
//     picks a free port on Connect.
//   - deps: Stream identity, logger, metrics, event sink and profile loader
//
// Returns:
//   - The source, or a validation or keystore error
func New(ctx context.Context, opts config.Options, deps Deps) (*Source, error) {
	const op = "source.New"
	portText, err := opts.Required(config.KeyPort)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portText)
	if err != nil || port < 0 || port > 65535 {
		return nil, hl7err.New(hl7err.KindValidation, op, "invalid port %q, expected 0-65535", portText)
	}
	host := opts.String(config.KeyHost, config.DefaultHost)

	session, err := config.ParseSession(opts)
	if err != nil {
		return nil, err
	}
	profile, err := loadProfile(ctx, opts, deps.Profiles)
	if err != nil {
		return nil, hl7err.WithSession(err, deps.Stream)
	}

	log := deps.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}
	id := uuid.NewString()
	log = log.With(logger.String("stream", deps.Stream), logger.String("session_id", id))

	app, err := receiver.NewApp(receiver.Config{
		Encoding:    session.Encoding,
		AckEncoding: session.AckEncoding,
		Profile:     profile,
	}, receiver.Options{Logger: log, Metrics: deps.Metrics, Sink: deps.Sink})
	if err != nil {
		return nil, err
	}
	server, err := receiver.NewServer(receiver.ServerConfig{
		Name:    deps.Stream,
		Addr:    net.JoinHostPort(host, strconv.Itoa(port)),
		Charset: session.Charset,
		TLS:     session.TLS,
	}, app, receiver.Options{Logger: log, Metrics: deps.Metrics})
	if err != nil {
		return nil, hl7err.WithSession(err, deps.Stream)
	}

	return &Source{
		id:     id,
		stream: deps.Stream,
		host:   host,
		port:   port,
		app:    app,
		server: server,
		log:    log,
	}, nil
}

func loadProfile(ctx context.Context, opts config.Options, loader *conformance.Loader) (*conformance.Profile, error) {
	used, err := opts.Bool(config.KeyProfileUsed, false)
	if err != nil || !used {
		return nil, err
	}
	path, err := opts.Required(config.KeyProfilePath)
	if err != nil {
		return nil, err
	}
	if loader == nil {
		return conformance.LoadProfile(path)
	}
	return loader.Load(ctx, path)
}

// ID returns the unique session identifier of the source.
func (s *Source) ID() string {
	return s.id
}

// App returns the receiving application.
func (s *Source) App() *receiver.App {
	return s.app
}

// Connect binds the listener and starts accepting connections.
func (s *Source) Connect(context.Context) error {
	if err := s.server.Start(); err != nil {
		return &hl7err.Error{
			Kind:    hl7err.KindConnectionUnavailable,
			Op:      "source.Connect",
			Msg:     "cannot listen",
			Session: s.stream,
			Host:    s.host,
			Port:    s.port,
			Reason:  "listen",
			Err:     err,
		}
	}
	return nil
}

// Addr returns the bound address while connected.
func (s *Source) Addr() net.Addr {
	return s.server.Addr()
}

// Disconnect stops the listener and closes every connection. Messages
// waiting on a paused source are released without an acknowledgement.
func (s *Source) Disconnect() error {
	s.server.Stop()
	return nil
}

// Destroy releases the source.
func (s *Source) Destroy() {
	_ = s.Disconnect()
}

// Pause holds every inbound message before decoding until Resume.
func (s *Source) Pause() {
	s.app.Pause()
}

// Resume releases held messages.
func (s *Source) Resume() {
	s.app.Resume()
}

// Paused reports whether the source is paused.
func (s *Source) Paused() bool {
	return s.app.Paused()
}

// CurrentState returns an empty snapshot; the source keeps no state.
func (s *Source) CurrentState() map[string]any {
	return map[string]any{}
}

// RestoreState accepts a snapshot from CurrentState.
func (s *Source) RestoreState(map[string]any) {}
