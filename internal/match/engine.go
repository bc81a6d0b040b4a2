// Package match referees active games: turn order, move validation, turn
// timers, win detection and the hand-off of finished games to history.
package match

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/caro-server/internal/domain"
	"github.com/caro-server/internal/protocol"
	"github.com/caro-server/internal/session"
)

// Sink receives every finished match
type Sink interface {
	Record(ctx context.Context, rec domain.MatchRecord) error
}

// Config holds the rules every match is played under
type Config struct {
	BoardSize      int
	ThinkTime      time.Duration
	PersistTimeout time.Duration
}

// Engine owns the set of active matches
type Engine struct {
	mu      sync.RWMutex
	matches map[string]*Match

	cfg    Config
	clock  clockwork.Clock
	sink   Sink
	logger *slog.Logger
}

// NewEngine creates an Engine. A nil sink discards finished matches.
func NewEngine(cfg Config, clock clockwork.Clock, sink Sink, logger *slog.Logger) *Engine {
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 5 * time.Second
	}
	return &Engine{
		matches: make(map[string]*Match),
		cfg:     cfg,
		clock:   clock,
		sink:    sink,
		logger:  logger,
	}
}

// Start creates a match with x moving first, binds both peers to it and
// starts x's turn clock.
func (e *Engine) Start(x, o session.Peer) (string, error) {
	if x.MatchID() != "" || o.MatchID() != "" {
		return "", domain.ErrAlreadyBusy
	}

	now := e.clock.Now()
	m := &Match{
		id:        newMatchID(),
		board:     domain.NewBoard(e.cfg.BoardSize),
		turn:      domain.SymbolX,
		startedAt: now,
	}
	m.players[domain.SymbolX] = x
	m.players[domain.SymbolO] = o

	m.mu.Lock()
	defer m.mu.Unlock()

	e.mu.Lock()
	e.matches[m.id] = m
	e.mu.Unlock()

	x.SetMatchID(m.id)
	o.SetMatchID(m.id)

	_ = x.Send(&protocol.MatchStart{You: domain.SymbolX.String(), Opponent: o.Name(), Size: e.cfg.BoardSize})
	_ = o.Send(&protocol.MatchStart{You: domain.SymbolO.String(), Opponent: x.Name(), Size: e.cfg.BoardSize})

	e.beginTurnLocked(m, now)

	e.logger.Info("match started", "match_id", m.id, "player_x", x.Name(), "player_o", o.Name())
	return m.id, nil
}

// Move validates and applies a move by p. Rejections leave the match unchanged.
func (e *Engine) Move(p session.Peer, x, y *int) error {
	m := e.lookup(p.MatchID())
	if m == nil {
		return domain.ErrNotInMatch
	}

	m.mu.Lock()
	if m.finished {
		m.mu.Unlock()
		return domain.ErrNotInMatch
	}
	sym := m.symbolOf(p)
	if sym == domain.SymbolNone {
		m.mu.Unlock()
		return domain.ErrNotInMatch
	}
	if sym != m.turn {
		m.mu.Unlock()
		return domain.ErrNotYourTurn
	}
	if x == nil || y == nil {
		m.mu.Unlock()
		return domain.ErrOutOfRange
	}
	if err := m.board.Place(*x, *y, sym); err != nil {
		m.mu.Unlock()
		return err
	}

	now := e.clock.Now()
	m.moves = append(m.moves, domain.MoveRecord{X: *x, Y: *y, Symbol: sym, Timestamp: now.Unix()})
	m.ply++
	m.deadline = time.Time{}

	opponent := m.players[sym.Other()]
	_ = p.Send(&protocol.MoveOK{X: *x, Y: *y, Symbol: sym.String()})
	_ = opponent.Send(&protocol.OpponentMove{X: *x, Y: *y, Symbol: sym.String()})

	var (
		rec      domain.MatchRecord
		finished bool
	)
	switch {
	case m.board.WinsAt(*x, *y, sym):
		rec, finished = m.finishLocked(sym, domain.ReasonWin, now), true
	case m.board.Full():
		rec, finished = m.finishLocked(domain.SymbolNone, domain.ReasonDraw, now), true
	default:
		m.turn = sym.Other()
		e.beginTurnLocked(m, now)
	}
	m.mu.Unlock()

	if finished {
		e.complete(rec)
	}
	return nil
}

// Forfeit ends p's match in the opponent's favour. Used when p disconnects.
func (e *Engine) Forfeit(p session.Peer) {
	m := e.lookup(p.MatchID())
	if m == nil {
		return
	}

	m.mu.Lock()
	sym := m.symbolOf(p)
	if m.finished || sym == domain.SymbolNone {
		m.mu.Unlock()
		return
	}
	rec := m.finishLocked(sym.Other(), domain.ReasonDisconnect, e.clock.Now())
	m.mu.Unlock()

	e.complete(rec)
}

// Chat relays text to p's opponent. Outside a match it is ignored.
func (e *Engine) Chat(p session.Peer, text string) {
	m := e.lookup(p.MatchID())
	if m == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	sym := m.symbolOf(p)
	if m.finished || sym == domain.SymbolNone {
		return
	}
	_ = m.players[sym.Other()].Send(&protocol.Chat{From: p.Name(), Text: text})
}

// Active returns a summary of every match in progress, oldest first
func (e *Engine) Active() []domain.MatchSummary {
	e.mu.RLock()
	matches := make([]*Match, 0, len(e.matches))
	for _, m := range e.matches {
		matches = append(matches, m)
	}
	e.mu.RUnlock()

	out := make([]domain.MatchSummary, 0, len(matches))
	for _, m := range matches {
		m.mu.Lock()
		if !m.finished {
			out = append(out, m.summaryLocked(false))
		}
		m.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns a summary of one active match including its board
func (e *Engine) Get(id string) (domain.MatchSummary, bool) {
	m := e.lookup(id)
	if m == nil {
		return domain.MatchSummary{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finished {
		return domain.MatchSummary{}, false
	}
	return m.summaryLocked(true), true
}

// Count returns the number of matches in the active set
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.matches)
}

// beginTurnLocked sets a fresh deadline, arms the turn timer and tells the
// turn-holder.
func (e *Engine) beginTurnLocked(m *Match, now time.Time) {
	m.deadline = now.Add(e.cfg.ThinkTime)
	ticket := m.ticketLocked()
	e.clock.AfterFunc(e.cfg.ThinkTime, func() {
		e.expire(ticket)
	})
	_ = m.players[m.turn].Send(&protocol.YourTurn{Deadline: m.deadline.Unix()})
}

func (e *Engine) expire(t turnTicket) {
	m := e.lookup(t.matchID)
	if m == nil {
		return
	}

	m.mu.Lock()
	if m.finished || m.turn != t.turn || m.ply != t.ply || !m.deadline.Equal(t.deadline) {
		m.mu.Unlock()
		return
	}
	rec := m.finishLocked(t.turn.Other(), domain.ReasonTimeout, e.clock.Now())
	m.mu.Unlock()

	e.complete(rec)
}

// complete hands a finished match to the sink, then drops it from the active set
func (e *Engine) complete(rec domain.MatchRecord) {
	e.logger.Info("match finished",
		"match_id", rec.ID,
		"winner", rec.Winner,
		"reason", rec.Reason,
		"moves", len(rec.Moves),
	)

	if e.sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.PersistTimeout)
		if err := e.sink.Record(ctx, rec); err != nil {
			e.logger.Error("failed to record match", "match_id", rec.ID, "error", err)
		}
		cancel()
	}

	e.mu.Lock()
	delete(e.matches, rec.ID)
	e.mu.Unlock()
}

func (e *Engine) lookup(id string) *Match {
	if id == "" {
		return nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.matches[id]
}

func newMatchID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
