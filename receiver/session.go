package receiver

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cyberinferno/hl7mllp/logger"
	"github.com/cyberinferno/hl7mllp/mllp"
)

// session serves one accepted connection: it reads frames, hands them to
// the server's handler and writes each reply before reading the next frame.
type session struct {
	id     uint32
	conn   net.Conn
	server *Server
	log    logger.Logger

	closeOnce sync.Once
	closeErr  error
}

func newSession(id uint32, conn net.Conn, s *Server) *session {
	return &session{
		id:     id,
		conn:   conn,
		server: s,
		log: s.log.With(
			logger.Int("session", int(id)),
			logger.String("remote", conn.RemoteAddr().String())),
	}
}

func (ss *session) handle(ctx context.Context) {
	defer func() { _ = ss.close() }()
	ss.log.Debug("session opened")

	s := ss.server
	r := mllp.NewReaderSize(ss.conn, s.cfg.MaxFrameSize)
	for {
		if s.cfg.IdleTimeout > 0 {
			_ = ss.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		data, err := s.framer.ReadFrame(r)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				ss.log.Debug("session closed by peer")
			case ctx.Err() != nil:
			default:
				ss.log.Warn("read failed", logger.Err(err))
			}
			return
		}
		s.metrics.FrameRead()

		reply, err := s.handler.OnMessage(ctx, data)
		if err != nil {
			reply = s.handler.Reject(data, err)
			if reply == nil {
				if ctx.Err() == nil {
					ss.log.Warn("message rejected, dropping connection", logger.Err(err))
				}
				return
			}
			ss.log.Warn("message rejected", logger.Err(err))
		}

		if err := s.framer.WriteFrame(ss.conn, reply); err != nil {
			ss.log.Warn("write failed", logger.Err(err))
			return
		}
		s.metrics.ReplyWritten()
	}
}

// close is safe to call more than once.
func (ss *session) close() error {
	ss.closeOnce.Do(func() {
		ss.closeErr = ss.conn.Close()
	})
	return ss.closeErr
}
