package server

import (
	"sync"
	"time"

	"go.uber.org/atomic"
)

// entry is one announced peer within a single torrent's roster.
type entry struct {
	ip         string
	port       uint16
	lastSeen   atomic.Int64 // unix nanos
	uploaded   uint64
	downloaded uint64
	left       uint64
}

// Roster is the in-memory peer set for one torrent, keyed by peer id.
// It is the only piece of shared, mutable state in the tracker (spec.md
// §5): a single mutex guards the map itself, and each entry's last-seen
// timestamp is a separate atomic. Sweep holds the map lock while it reads
// the timestamps and deletes stale entries.
type Roster struct {
	mu    sync.Mutex
	peers map[string]*entry
}

func newRoster() *Roster {
	return &Roster{peers: make(map[string]*entry)}
}

// Upsert refreshes or inserts the entry for peerID.
func (r *Roster) Upsert(peerID, ip string, port uint16, uploaded, downloaded, left uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.peers[peerID]
	if !ok {
		e = &entry{}
		r.peers[peerID] = e
	}
	e.ip = ip
	e.port = port
	e.uploaded = uploaded
	e.downloaded = downloaded
	e.left = left
	e.lastSeen.Store(time.Now().UnixNano())
}

// Remove deletes peerID from the roster (event=stopped).
func (r *Roster) Remove(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, peerID)
}

// PeerEntry is a snapshot of one roster member.
type PeerEntry struct {
	PeerID string
	IP     string
	Port   uint16
}

// Snapshot returns every peer in the roster except excludePeerID.
func (r *Roster) Snapshot(excludePeerID string) []PeerEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]PeerEntry, 0, len(r.peers))
	for id, e := range r.peers {
		if id == excludePeerID {
			continue
		}
		out = append(out, PeerEntry{PeerID: id, IP: e.ip, Port: e.port})
	}
	return out
}

// Sweep removes every peer whose last announce is older than timeout.
// Returns the number of peers evicted.
func (r *Roster) Sweep(timeout time.Duration) int {
	cutoff := time.Now().Add(-timeout).UnixNano()

	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for id, e := range r.peers {
		if e.lastSeen.Load() < cutoff {
			delete(r.peers, id)
			evicted++
		}
	}
	return evicted
}

// Len returns the current roster size.
func (r *Roster) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}
