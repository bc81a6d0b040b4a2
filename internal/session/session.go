// Package session owns one client connection: its identity, its current
// match binding and its serialized outbound queue.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/caro-server/internal/protocol"
)

// Errors returned by Send
var (
	ErrClosed       = errors.New("session closed")
	ErrSlowConsumer = errors.New("outbound queue full, session closed")
	ErrDropped      = errors.New("outbound queue full, frame dropped")
)

// OverflowPolicy decides what happens when a peer's outbound queue is full
type OverflowPolicy string

const (
	// OverflowDisconnect closes the slow peer
	OverflowDisconnect OverflowPolicy = "disconnect"
	// OverflowDrop discards the frame and keeps the peer
	OverflowDrop OverflowPolicy = "drop"
)

// Peer is the view of a logged-in session used by the lobby and match engine
type Peer interface {
	ID() string
	Name() string
	Send(msg protocol.Message) error
	MatchID() string
	SetMatchID(id string)
}

// Options configures a Session
type Options struct {
	SendBuffer int
	Overflow   OverflowPolicy
}

// Session is a per-connection handle. All outbound frames go through a
// bounded queue drained by Run, the only writer on the connection.
type Session struct {
	id     string
	conn   Conn
	logger *slog.Logger
	policy OverflowPolicy

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.RWMutex
	name    string
	matchID string

	dropped atomic.Int64
}

// New creates a session for conn. Run must be started before frames queued
// with Send reach the wire.
func New(conn Conn, opts Options, logger *slog.Logger) *Session {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.Overflow == "" {
		opts.Overflow = OverflowDisconnect
	}
	id := uuid.NewString()
	return &Session{
		id:     id,
		conn:   conn,
		logger: logger.With("session_id", id, "remote_addr", conn.RemoteAddr()),
		policy: opts.Overflow,
		send:   make(chan []byte, opts.SendBuffer),
		done:   make(chan struct{}),
	}
}

// ID returns the session id
func (s *Session) ID() string {
	return s.id
}

// Name returns the identity bound at login, or "" before login
func (s *Session) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name
}

// SetName binds the identity. Called once by the login flow.
func (s *Session) SetName(name string) {
	s.mu.Lock()
	s.name = name
	s.mu.Unlock()
	s.logger = s.logger.With("player", name)
}

// MatchID returns the current match id, "" when idle
func (s *Session) MatchID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.matchID
}

// SetMatchID binds or clears the current match
func (s *Session) SetMatchID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.matchID = id
}

// Logger returns the session-scoped logger
func (s *Session) Logger() *slog.Logger {
	return s.logger
}

// Dropped returns the number of frames discarded under the drop policy
func (s *Session) Dropped() int64 {
	return s.dropped.Load()
}

// Send enqueues msg without blocking
func (s *Session) Send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	select {
	case s.send <- data:
		return nil
	case <-s.done:
		return ErrClosed
	default:
	}

	if s.policy == OverflowDrop {
		s.dropped.Add(1)
		s.logger.Debug("dropping outbound frame", "type", msg.MessageType())
		return ErrDropped
	}
	s.logger.Warn("outbound queue full, closing session", "type", msg.MessageType())
	s.Close()
	return ErrSlowConsumer
}

// WriteNow writes msg synchronously, bypassing the queue. Only valid
// before Run has been started.
func (s *Session) WriteNow(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return s.conn.WriteFrame(data)
}

// ReadMessage reads and decodes the next inbound record. Framing errors
// are wrapped; protocol errors are returned as-is.
func (s *Session) ReadMessage() (protocol.Message, error) {
	frame, err := s.conn.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("reading frame: %w", err)
	}
	return protocol.Decode(frame)
}

// Run pumps queued frames to the connection until the session closes or a
// write fails.
func (s *Session) Run() {
	defer s.Close()

	for {
		select {
		case data := <-s.send:
			if err := s.conn.WriteFrame(data); err != nil {
				s.logger.Debug("write failed", "error", err)
				return
			}
		case <-s.done:
			return
		}
	}
}

// Close closes the connection once. Safe from any goroutine.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if err := s.conn.Close(); err != nil {
			s.logger.Debug("closing connection", "error", err)
		}
	})
}
