// Package invite tracks pending challenges between logged-in players.
package invite

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/caro-server/internal/domain"
	"github.com/caro-server/internal/protocol"
	"github.com/caro-server/internal/session"
)

// Directory resolves names to logged-in peers
type Directory interface {
	Lookup(name string) (session.Peer, bool)
}

// Starter starts a match between a challenger (X) and an accepter (O)
type Starter interface {
	Start(x, o session.Peer) (string, error)
}

type key struct {
	from, to string
}

type pending struct {
	challenger session.Peer
	createdAt  time.Time
}

// Ledger stores at most one pending invite per ordered pair
type Ledger struct {
	mu      sync.Mutex
	invites map[key]pending

	dir     Directory
	starter Starter
	clock   clockwork.Clock
	ttl     time.Duration
	logger  *slog.Logger
}

// NewLedger creates a Ledger. A zero ttl keeps invites until accepted or
// until either party disconnects.
func NewLedger(dir Directory, starter Starter, clock clockwork.Clock, ttl time.Duration, logger *slog.Logger) *Ledger {
	return &Ledger{
		invites: make(map[key]pending),
		dir:     dir,
		starter: starter,
		clock:   clock,
		ttl:     ttl,
		logger:  logger,
	}
}

// Challenge records an invite from challenger to the named opponent and
// notifies the opponent.
func (l *Ledger) Challenge(challenger session.Peer, opponent string) error {
	if opponent == challenger.Name() {
		return domain.ErrSelfChallenge
	}
	target, ok := l.dir.Lookup(opponent)
	if !ok {
		return domain.ErrOpponentNotFound
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if challenger.MatchID() != "" || target.MatchID() != "" {
		return domain.ErrAlreadyBusy
	}
	k := key{from: challenger.Name(), to: opponent}
	if inv, ok := l.invites[k]; ok && !l.expired(inv) {
		return domain.ErrDuplicateInvite
	}
	l.invites[k] = pending{challenger: challenger, createdAt: l.clock.Now()}

	_ = target.Send(&protocol.Invite{From: challenger.Name()})
	l.logger.Debug("invite created", "from", k.from, "to", k.to)
	return nil
}

// Accept consumes the invite the named challenger sent to accepter and
// starts their match. Accepts are serialized, so no identity is ever bound
// to two matches.
func (l *Ledger) Accept(accepter session.Peer, challenger string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := key{from: challenger, to: accepter.Name()}
	inv, ok := l.invites[k]
	if !ok || l.expired(inv) {
		return "", domain.ErrInviteNotFound
	}

	current, ok := l.dir.Lookup(challenger)
	if !ok || current.ID() != inv.challenger.ID() {
		delete(l.invites, k)
		return "", domain.ErrOpponentNotFound
	}
	if current.MatchID() != "" || accepter.MatchID() != "" {
		return "", domain.ErrAlreadyBusy
	}

	delete(l.invites, k)
	id, err := l.starter.Start(current, accepter)
	if err != nil {
		return "", err
	}
	l.logger.Debug("invite accepted", "from", k.from, "to", k.to, "match_id", id)
	return id, nil
}

// RemoveFor drops every invite naming the player, in either role
func (l *Ledger) RemoveFor(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for k := range l.invites {
		if k.from == name || k.to == name {
			delete(l.invites, k)
			n++
		}
	}
	return n
}

// Sweep drops invites older than the ttl. It is a no-op without a ttl.
func (l *Ledger) Sweep() int {
	if l.ttl <= 0 {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for k, inv := range l.invites {
		if l.expired(inv) {
			delete(l.invites, k)
			n++
		}
	}
	if n > 0 {
		l.logger.Debug("expired invites swept", "count", n)
	}
	return n
}

// Pending returns every pending invite, oldest first
func (l *Ledger) Pending() []domain.InviteSummary {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]domain.InviteSummary, 0, len(l.invites))
	for k, inv := range l.invites {
		if l.expired(inv) {
			continue
		}
		out = append(out, domain.InviteSummary{From: k.from, To: k.to, CreatedAt: inv.createdAt})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out
}

func (l *Ledger) expired(inv pending) bool {
	return l.ttl > 0 && l.clock.Since(inv.createdAt) >= l.ttl
}
