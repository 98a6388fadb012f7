package network

import (
	"sort"
	"sync"
	"time"
)

// PeerTable maps a peer's network address to its active receiver session. At
// most one session exists per address. The table's own operations are safe
// for concurrent use; each session has a single writer, the dispatch loop.
type PeerTable struct {
	mu       sync.RWMutex
	sessions map[string]*ReceiverSession
}

// NewPeerTable returns an empty table.
func NewPeerTable() *PeerTable {
	return &PeerTable{sessions: make(map[string]*ReceiverSession)}
}

// Lookup returns the active session for addr.
func (t *PeerTable) Lookup(addr string) (*ReceiverSession, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	session, ok := t.sessions[addr]
	return session, ok
}

// Create registers the session built by open unless addr already has one, in
// which case the existing session is returned and open is not called.
func (t *PeerTable) Create(addr string, open func() (*ReceiverSession, error)) (*ReceiverSession, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.sessions[addr]; ok {
		return existing, false, nil
	}
	session, err := open()
	if err != nil {
		return nil, false, err
	}
	t.sessions[addr] = session
	return session, true, nil
}

// Remove deletes and returns the session for addr.
func (t *PeerTable) Remove(addr string) (*ReceiverSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	session, ok := t.sessions[addr]
	if ok {
		delete(t.sessions, addr)
	}
	return session, ok
}

// Len returns the number of active sessions.
func (t *PeerTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// IdleSince returns the addresses whose sessions saw no traffic after cutoff.
func (t *PeerTable) IdleSince(cutoff time.Time) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	idle := make([]string, 0)
	for addr, session := range t.sessions {
		if session.LastActivity().Before(cutoff) {
			idle = append(idle, addr)
		}
	}
	sort.Strings(idle)
	return idle
}

// Addresses returns every address with an active session, sorted.
func (t *PeerTable) Addresses() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]string, 0, len(t.sessions))
	for addr := range t.sessions {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns a copy of every session's counters, ordered by address.
func (t *PeerTable) Snapshot() []ReceiverSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]ReceiverSnapshot, 0, len(t.sessions))
	for _, session := range t.sessions {
		out = append(out, session.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
	return out
}
