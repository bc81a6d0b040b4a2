// Package directory maps logged-in identities to their sessions.
package directory

import (
	"log/slog"
	"sync"

	"github.com/caro-server/internal/domain"
	"github.com/caro-server/internal/protocol"
	"github.com/caro-server/internal/session"
)

// Directory maintains the set of logged-in peers and broadcasts roster changes
type Directory struct {
	// Registered peers by name
	peers map[string]session.Peer

	// Names in registration order
	order []string

	mu     sync.RWMutex
	logger *slog.Logger
}

// New creates an empty Directory
func New(logger *slog.Logger) *Directory {
	return &Directory{
		peers:  make(map[string]session.Peer),
		logger: logger,
	}
}

// Register binds peer.Name() to peer. The check and insert are atomic, so of
// several concurrent logins with one name exactly one succeeds. On success
// login_ok with the updated roster is queued to the peer before any
// broadcast can reach it.
func (d *Directory) Register(peer session.Peer) error {
	name := peer.Name()

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.peers[name]; ok {
		return domain.ErrNameTaken
	}
	d.peers[name] = peer
	d.order = append(d.order, name)

	if err := peer.Send(&protocol.LoginOK{Users: d.namesLocked()}); err != nil {
		d.logger.Debug("queueing login_ok", "player", name, "error", err)
	}
	d.logger.Debug("peer registered", "player", name, "session_id", peer.ID())
	return nil
}

// Unregister removes peer. A name rebound to a different session is left alone.
func (d *Directory) Unregister(peer session.Peer) bool {
	name := peer.Name()

	d.mu.Lock()
	defer d.mu.Unlock()

	current, ok := d.peers[name]
	if !ok || current.ID() != peer.ID() {
		return false
	}
	delete(d.peers, name)
	for i, n := range d.order {
		if n == name {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	d.logger.Debug("peer unregistered", "player", name, "session_id", peer.ID())
	return true
}

// Lookup returns the peer registered under name
func (d *Directory) Lookup(name string) (session.Peer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.peers[name]
	return p, ok
}

// List returns every registered name in registration order
func (d *Directory) List() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.namesLocked()
}

// Count returns the number of registered peers
func (d *Directory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.peers)
}

// Broadcast queues msg to every registered peer. Send never blocks, so the
// read lock is held while queueing.
func (d *Directory) Broadcast(msg protocol.Message) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	d.broadcastLocked(msg)
}

// BroadcastRoster sends the current user_list to everyone. The roster is
// built and queued under the write lock so every peer receives successive
// rosters in the order the directory changed.
func (d *Directory) BroadcastRoster() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.broadcastLocked(&protocol.UserList{Users: d.namesLocked()})
}

func (d *Directory) broadcastLocked(msg protocol.Message) {
	for _, name := range d.order {
		p := d.peers[name]
		if err := p.Send(msg); err != nil {
			d.logger.Debug("broadcast skipped peer", "player", name, "error", err)
		}
	}
}

func (d *Directory) namesLocked() []string {
	names := make([]string, len(d.order))
	copy(names, d.order)
	return names
}
