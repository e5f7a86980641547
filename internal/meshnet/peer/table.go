package peer

import (
	"sync"
	"time"
)

// activeWindow is how recently a peer must have been seen to count as
// active for ActivePeers().
const activeWindow = 60 * time.Second

// Table is the mutex-guarded peer table owned exclusively by one node.
// Critical sections never perform network I/O.
type Table struct {
	mu     sync.Mutex
	selfID string
	peers  map[string]*Peer
	now    func() time.Time
}

// NewTable creates an empty table for a node identified by selfID; entries
// for selfID are rejected by Upsert.
func NewTable(selfID string) *Table {
	return &Table{
		selfID: selfID,
		peers:  make(map[string]*Peer),
		now:    time.Now,
	}
}

// WithClock overrides the table's time source, for deterministic tests.
func (t *Table) WithClock(now func() time.Time) *Table {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
	return t
}

// Upsert adds or updates a peer's endpoint information, touching last_seen.
// A peer equal to the table's own node_id is ignored.
func (t *Table) Upsert(nodeID string, external Endpoint, local *Endpoint) *Peer {
	if nodeID == t.selfID {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[nodeID]
	if !ok {
		p = &Peer{
			NodeID:   nodeID,
			External: external,
			Status:   StatusDiscovered,
		}
		t.peers[nodeID] = p
	} else {
		p.External = external
	}
	if local != nil {
		p.Local = local
	}
	p.LastSeen = t.now()
	return p
}

// Touch updates last_seen for an existing peer; a no-op if the peer is
// unknown.
func (t *Table) Touch(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[nodeID]; ok {
		p.LastSeen = t.now()
	}
}

// MarkStatus sets a peer's status, if present.
func (t *Table) MarkStatus(nodeID string, status Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[nodeID]; ok {
		p.Status = status
	}
}

// SetCapabilities records a peer's advertised capabilities.
func (t *Table) SetCapabilities(nodeID string, caps map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[nodeID]; ok {
		p.Capabilities = caps
	}
}

// Get returns a copy of a peer's current state.
func (t *Table) Get(nodeID string) (Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[nodeID]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// All returns a snapshot of every peer in the table.
func (t *Table) All() []Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, *p)
	}
	return out
}

// ActivePeers returns the node_ids of peers with status active and
// last_seen within the last 60 seconds.
func (t *Table) ActivePeers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	out := make([]string, 0, len(t.peers))
	for id, p := range t.peers {
		if p.Status == StatusActive && now.Sub(p.LastSeen) < activeWindow {
			out = append(out, id)
		}
	}
	return out
}

// Cleanup removes peers whose last_seen exceeds maxAge and returns their
// node_ids.
func (t *Table) Cleanup(maxAge time.Duration) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	var removed []string
	for id, p := range t.peers {
		if now.Sub(p.LastSeen) > maxAge {
			removed = append(removed, id)
			delete(t.peers, id)
		}
	}
	return removed
}

// Remove deletes a peer unconditionally.
func (t *Table) Remove(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, nodeID)
}

// Len reports the number of peers currently tracked.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}
