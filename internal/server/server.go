// Package server accepts game connections, runs the login handshake and
// dispatches each inbound record to the lobby or the match engine.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/caro-server/internal/directory"
	"github.com/caro-server/internal/domain"
	"github.com/caro-server/internal/invite"
	"github.com/caro-server/internal/match"
	"github.com/caro-server/internal/protocol"
	"github.com/caro-server/internal/session"
)

// Config holds per-connection limits
type Config struct {
	MaxNameLength int
	MaxFrameBytes int
	WriteWait     time.Duration
	RateLimit     float64
	RateBurst     int
	Session       session.Options
}

// Server owns the game listener and every live session
type Server struct {
	cfg    Config
	dir    *directory.Directory
	ledger *invite.Ledger
	engine *match.Engine
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	sessions map[*session.Session]struct{}
	closed   bool
	wg       sync.WaitGroup

	// frames dropped by sessions that have since closed
	dropped atomic.Int64
}

// New creates a Server
func New(cfg Config, dir *directory.Directory, ledger *invite.Ledger, engine *match.Engine, logger *slog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		dir:      dir,
		ledger:   ledger,
		engine:   engine,
		logger:   logger,
		sessions: make(map[*session.Session]struct{}),
	}
}

// ListenAndServe listens on addr and serves until ctx is cancelled
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled. Every open
// session is closed before Serve returns.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return net.ErrClosed
	}
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("game listener started", "addr", ln.Addr().String())

	stop := context.AfterFunc(ctx, s.Shutdown)
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.Shutdown()
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.logger.Warn("accept timeout", "error", err)
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return fmt.Errorf("accepting connection: %w", err)
		}
		go s.ServeConn(ctx, session.NewLineConn(conn, s.cfg.MaxFrameBytes, s.cfg.WriteWait))
	}
}

// Addr returns the listener address, or nil before Serve
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting, closes every session and waits for their
// handlers to finish.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		if s.listener != nil {
			s.listener.Close()
		}
		for sess := range s.sessions {
			sess.Close()
		}
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// SessionCount returns the number of open connections, logged in or not
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// DroppedFrames returns the number of outbound frames discarded under the
// drop overflow policy since the server started
func (s *Server) DroppedFrames() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.dropped.Load()
	for sess := range s.sessions {
		n += sess.Dropped()
	}
	return n
}

// ServeConn runs one connection to completion: login, then the read loop,
// then disconnect cleanup. It blocks until the connection closes.
func (s *Server) ServeConn(ctx context.Context, conn session.Conn) {
	sess := session.New(conn, s.cfg.Session, s.logger)
	if !s.track(sess) {
		sess.Close()
		return
	}
	defer s.untrack(sess)

	stop := context.AfterFunc(ctx, sess.Close)
	defer stop()

	var loggedIn bool
	defer func() {
		if loggedIn {
			s.disconnect(sess)
		}
		sess.Close()
	}()
	defer func() {
		if r := recover(); r != nil {
			sess.Logger().Error("connection handler panicked", "panic", r)
		}
	}()

	if err := s.login(sess); err != nil {
		if domain.IsLoginError(err) {
			if werr := sess.WriteNow(protocol.NewError(err)); werr != nil {
				sess.Logger().Debug("writing login error", "error", werr)
			}
		}
		sess.Logger().Info("login rejected", "error", err)
		return
	}
	loggedIn = true

	go sess.Run()
	s.dir.BroadcastRoster()
	sess.Logger().Info("player logged in")

	s.readLoop(sess)
}

func (s *Server) login(sess *session.Session) error {
	msg, err := sess.ReadMessage()
	if err != nil {
		if protocol.IsProtocolError(err) {
			return domain.ErrLoginRequired
		}
		return err
	}

	login, ok := msg.(*protocol.Login)
	if !ok {
		return domain.ErrLoginRequired
	}

	name := strings.TrimSpace(login.Name)
	if name == "" {
		return domain.ErrEmptyName
	}
	if s.cfg.MaxNameLength > 0 && utf8.RuneCountInString(name) > s.cfg.MaxNameLength {
		return domain.ErrNameTooLong
	}

	sess.SetName(name)
	return s.dir.Register(sess)
}

func (s *Server) readLoop(sess *session.Session) {
	var limiter *rate.Limiter
	if s.cfg.RateLimit > 0 {
		burst := s.cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(s.cfg.RateLimit), burst)
	}

	for {
		msg, err := sess.ReadMessage()
		if err != nil && !protocol.IsProtocolError(err) {
			sess.Logger().Debug("connection closed", "error", err)
			return
		}

		if limiter != nil && !limiter.Allow() {
			s.reply(sess, domain.ErrRateLimited)
			continue
		}
		if err != nil {
			s.reply(sess, err)
			continue
		}

		if err := s.dispatch(sess, msg); err != nil {
			s.reply(sess, err)
		}
	}
}

func (s *Server) dispatch(sess *session.Session, msg protocol.Message) error {
	switch m := msg.(type) {
	case *protocol.Login:
		return domain.ErrAlreadyLoggedIn
	case *protocol.Challenge:
		return s.ledger.Challenge(sess, m.Opponent)
	case *protocol.Accept:
		_, err := s.ledger.Accept(sess, m.Opponent)
		return err
	case *protocol.Move:
		return s.engine.Move(sess, m.X, m.Y)
	case *protocol.Chat:
		s.engine.Chat(sess, m.Text)
		return nil
	default:
		return fmt.Errorf("%w: %q is not accepted from clients", protocol.ErrUnknownType, msg.MessageType())
	}
}

func (s *Server) reply(sess *session.Session, err error) {
	if protocol.IsProtocolError(err) {
		sess.Logger().Debug("rejected record", "error", err)
	}
	if serr := sess.Send(protocol.NewError(err)); serr != nil {
		sess.Logger().Debug("sending error reply", "error", serr)
	}
}

// disconnect releases everything the player held
func (s *Server) disconnect(sess *session.Session) {
	if !s.dir.Unregister(sess) {
		return
	}
	if n := s.ledger.RemoveFor(sess.Name()); n > 0 {
		sess.Logger().Debug("purged invites", "count", n)
	}
	s.engine.Forfeit(sess)
	s.dir.BroadcastRoster()
	sess.Logger().Info("player disconnected")
}

func (s *Server) track(sess *session.Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sessions[sess] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(sess *session.Session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.dropped.Add(sess.Dropped())
	s.mu.Unlock()
	s.wg.Done()
}
