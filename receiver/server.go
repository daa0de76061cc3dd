package receiver

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/hl7mllp/hl7err"
	"github.com/cyberinferno/hl7mllp/keystore"
	"github.com/cyberinferno/hl7mllp/logger"
	"github.com/cyberinferno/hl7mllp/metrics"
	"github.com/cyberinferno/hl7mllp/mllp"
)

// Handler processes the frames read by a Server.
type Handler interface {
	// OnMessage returns the reply to a frame payload.
	OnMessage(ctx context.Context, raw []byte) ([]byte, error)

	// Reject returns the reply written when OnMessage fails, or nil to drop
	// the connection instead.
	Reject(raw []byte, cause error) []byte
}

// ServerConfig configures the listener of a Server.
type ServerConfig struct {
	// Name identifies the server in log entries.
	Name string
	// Addr is the "host:port" to listen on. Port 0 picks a free port.
	Addr string
	// Charset is the IANA name of the wire charset. Empty means UTF-8.
	Charset string
	// TLS enables TLS with the key pair of the given keystore when non-nil.
	TLS *keystore.Config
	// IdleTimeout closes connections that send nothing for this long. Zero
	// disables it.
	IdleTimeout time.Duration
	// MaxFrameSize limits inbound payloads. Zero means mllp.MaxFrameSize.
	MaxFrameSize int
}

// Server accepts MLLP connections and delegates each one to a session
// goroutine. Sessions are tracked by ID so Stop can close them.
type Server struct {
	name      string
	addr      string
	cfg       ServerConfig
	handler   Handler
	framer    *mllp.Framer
	tlsConfig *tls.Config
	log       logger.Logger
	metrics   *metrics.Metrics

	listener net.Listener
	running  atomic.Bool
	nextID   atomic.Uint32

	mu       sync.Mutex
	sessions map[uint32]*session
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewServer validates cfg and returns a stopped server. When TLS is enabled
// the keystore is loaded here.
//
// Parameters:
//   - cfg: Listener settings
//   - handler: Receives every frame; usually an *App
//   - opts: Logger and metrics; Sink is ignored
//
// Returns:
//   - The server, or a validation or keystore error
func NewServer(cfg ServerConfig, handler Handler, opts Options) (*Server, error) {
	const op = "receiver.NewServer"
	if handler == nil {
		return nil, hl7err.New(hl7err.KindValidation, op, "handler is required")
	}
	if _, _, err := net.SplitHostPort(cfg.Addr); err != nil {
		return nil, hl7err.Wrap(hl7err.KindValidation, op, err, "invalid listen address %q", cfg.Addr)
	}
	framer, err := mllp.NewFramer(cfg.Charset)
	if err != nil {
		return nil, err
	}
	var tlsConfig *tls.Config
	if cfg.TLS != nil {
		if tlsConfig, err = keystore.ServerTLSConfig(cfg.TLS.WithDefaults()); err != nil {
			return nil, err
		}
	}
	name := cfg.Name
	if name == "" {
		name = "hl7"
	}
	log := opts.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Server{
		name:      name,
		addr:      cfg.Addr,
		cfg:       cfg,
		handler:   handler,
		framer:    framer,
		tlsConfig: tlsConfig,
		log:       log.With(logger.String("component", "server"), logger.String("server", name)),
		metrics:   opts.Metrics,
		sessions:  make(map[uint32]*session),
	}, nil
}

// Start binds the listener and begins the accept loop in a goroutine.
//
// Returns:
//   - A transport error if the server is already running or listening fails
func (s *Server) Start() error {
	const op = "receiver.Start"
	if s.running.Load() {
		return hl7err.New(hl7err.KindTransport, op, "server %s already running", s.name)
	}

	var ln net.Listener
	var err error
	if s.tlsConfig != nil {
		ln, err = tls.Listen("tcp", s.addr, s.tlsConfig)
	} else {
		ln, err = net.Listen("tcp", s.addr)
	}
	if err != nil {
		s.log.Error("server failed to start", logger.Err(err))
		return hl7err.Wrap(hl7err.KindTransport, op, err, "server %s failed to start", s.name)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.listener = ln
	s.cancel = cancel
	s.mu.Unlock()
	s.running.Store(true)

	s.log.Info(fmt.Sprintf("%s server started", s.name),
		logger.String("addr", ln.Addr().String()), logger.Field{Key: "tls", Value: s.tlsConfig != nil})
	s.wg.Add(1)
	go s.acceptLoop(ctx, ln)
	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Running reports whether the accept loop is active.
func (s *Server) Running() bool {
	return s.running.Load()
}

// SessionCount returns the number of open connections.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Stop closes the listener and every session and waits for their
// goroutines. Handlers blocked on a paused App are released through their
// context. Safe to call when the server is not running.
func (s *Server) Stop() {
	if !s.running.Swap(false) {
		return
	}

	s.mu.Lock()
	_ = s.listener.Close()
	s.cancel()
	for _, ss := range s.sessions {
		_ = ss.close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info(fmt.Sprintf("%s server stopped", s.name))
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()
	for s.running.Load() {
		conn, err := ln.Accept()
		if err != nil {
			if !s.running.Load() {
				return
			}
			s.log.Error(fmt.Sprintf("%s server accept error", s.name), logger.Err(err))
			continue
		}
		s.metrics.ConnectionAccepted()

		ss := newSession(s.nextID.Add(1), conn, s)
		if !s.addSession(ss) {
			_ = conn.Close()
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.removeSession(ss.id)
			ss.handle(ctx)
		}()
	}
}

// addSession registers ss unless the server is stopping.
func (s *Server) addSession(ss *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running.Load() {
		return false
	}
	s.sessions[ss.id] = ss
	return true
}

func (s *Server) removeSession(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}
