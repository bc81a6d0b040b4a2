package match

import (
	"sync"
	"time"

	"github.com/caro-server/internal/domain"
	"github.com/caro-server/internal/protocol"
	"github.com/caro-server/internal/session"
)

// Match is one game between two peers. All fields are guarded by mu.
type Match struct {
	mu sync.Mutex

	id        string
	players   [3]session.Peer // indexed by domain.Symbol
	board     *domain.Board
	turn      domain.Symbol
	deadline  time.Time // zero unless awaiting a move
	ply       int
	moves     []domain.MoveRecord
	startedAt time.Time
	finished  bool
}

// turnTicket is captured when a turn timer is armed. The timer only fires
// a timeout if the match still matches it exactly.
type turnTicket struct {
	matchID  string
	turn     domain.Symbol
	deadline time.Time
	ply      int
}

func (m *Match) ticketLocked() turnTicket {
	return turnTicket{matchID: m.id, turn: m.turn, deadline: m.deadline, ply: m.ply}
}

func (m *Match) symbolOf(p session.Peer) domain.Symbol {
	for _, s := range []domain.Symbol{domain.SymbolX, domain.SymbolO} {
		if m.players[s] != nil && m.players[s].ID() == p.ID() {
			return s
		}
	}
	return domain.SymbolNone
}

// finishLocked ends the match, notifies both players with the outcome
// framed for each of them and clears their bindings.
func (m *Match) finishLocked(winner domain.Symbol, reason string, now time.Time) domain.MatchRecord {
	m.finished = true
	m.deadline = time.Time{}

	for _, s := range []domain.Symbol{domain.SymbolX, domain.SymbolO} {
		p := m.players[s]
		framed := protocol.WinnerOpponent
		switch winner {
		case domain.SymbolNone:
			framed = protocol.WinnerNone
		case s:
			framed = protocol.WinnerYou
		}
		_ = p.Send(&protocol.MatchEnd{Reason: reason, Winner: framed})
		if p.MatchID() == m.id {
			p.SetMatchID("")
		}
	}

	winnerName := domain.NoWinner
	if winner != domain.SymbolNone {
		winnerName = m.players[winner].Name()
	}
	moves := make([]domain.MoveRecord, len(m.moves))
	copy(moves, m.moves)

	return domain.MatchRecord{
		ID:         m.id,
		PlayerX:    m.players[domain.SymbolX].Name(),
		PlayerO:    m.players[domain.SymbolO].Name(),
		Winner:     winnerName,
		Reason:     reason,
		BoardSize:  m.board.Size(),
		StartedAt:  m.startedAt,
		FinishedAt: now,
		Moves:      moves,
	}
}

func (m *Match) summaryLocked(withBoard bool) domain.MatchSummary {
	s := domain.MatchSummary{
		ID:        m.id,
		PlayerX:   m.players[domain.SymbolX].Name(),
		PlayerO:   m.players[domain.SymbolO].Name(),
		Turn:      m.turn,
		Deadline:  m.deadline,
		Moves:     len(m.moves),
		StartedAt: m.startedAt,
	}
	if withBoard {
		s.Board = m.board.Rows()
	}
	return s
}
