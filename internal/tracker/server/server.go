// Package server implements the tracker HTTP endpoint: announce
// handling, the in-memory roster, and the periodic peer-timeout sweep.
package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi"

	"github.com/ormandy/swarmgo/internal/bencode"
)

const (
	DefaultAnnounceInterval = 30 * time.Second
	DefaultPeerTimeout      = 120 * time.Second
)

// Config tunes announce interval and peer eviction.
type Config struct {
	AnnounceInterval time.Duration
	PeerTimeout      time.Duration
	SweepInterval    time.Duration
}

func DefaultConfig() Config {
	return Config{
		AnnounceInterval: DefaultAnnounceInterval,
		PeerTimeout:      DefaultPeerTimeout,
		SweepInterval:    30 * time.Second,
	}
}

// Server is the tracker HTTP service (C8 in the design notes): one
// Roster per info_hash, guarded by its own lock; rostersMu only guards
// the outer map of rosters, never held together with a Roster's lock.
type Server struct {
	cfg    Config
	log    *slog.Logger
	router chi.Router

	rostersMu sync.Mutex
	rosters   map[string]*Roster
}

// New builds a tracker server and wires its chi router.
func New(cfg Config, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "tracker")

	s := &Server{cfg: cfg, log: log, rosters: make(map[string]*Roster)}

	r := chi.NewRouter()
	r.Get("/announce", s.handleAnnounce)
	r.Get("/health", s.handleHealth)
	s.router = r

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

// Run starts the periodic roster sweep; it returns when ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweepAll()
		}
	}
}

func (s *Server) sweepAll() {
	s.rostersMu.Lock()
	rosters := make([]*Roster, 0, len(s.rosters))
	for _, r := range s.rosters {
		rosters = append(rosters, r)
	}
	s.rostersMu.Unlock()

	for _, r := range rosters {
		if n := r.Sweep(s.cfg.PeerTimeout); n > 0 {
			s.log.Debug("evicted stale peers", "count", n)
		}
	}
}

func (s *Server) rosterFor(infoHash string) *Roster {
	s.rostersMu.Lock()
	defer s.rostersMu.Unlock()

	r, ok := s.rosters[infoHash]
	if !ok {
		r = newRoster()
		s.rosters[infoHash] = r
	}
	return r
}

// decoded20 validates that an already-decoded query value is exactly 20
// bytes, per spec.md §6/§8. The caller reads it via r.URL.Query(), which
// has already percent-decoded it once; decoding it again here would
// corrupt (or spuriously reject) any info_hash/peer_id containing a raw
// '%' byte.
func decoded20(v string) (string, bool) {
	if len(v) != 20 {
		return "", false
	}
	return v, true
}

func (s *Server) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	infoHash, ok := decoded20(q.Get("info_hash"))
	if !ok {
		http.Error(w, "invalid info_hash", http.StatusBadRequest)
		return
	}
	peerID, ok := decoded20(q.Get("peer_id"))
	if !ok {
		http.Error(w, "invalid peer_id", http.StatusBadRequest)
		return
	}

	port, err := strconv.ParseUint(q.Get("port"), 10, 16)
	if err != nil {
		http.Error(w, "invalid port", http.StatusBadRequest)
		return
	}
	uploaded, _ := strconv.ParseUint(q.Get("uploaded"), 10, 64)
	downloaded, _ := strconv.ParseUint(q.Get("downloaded"), 10, 64)
	left, _ := strconv.ParseUint(q.Get("left"), 10, 64)

	ip := q.Get("ip")
	if ip == "" {
		ip, _, _ = net.SplitHostPort(r.RemoteAddr)
	}

	roster := s.rosterFor(infoHash)

	if q.Get("event") == "stopped" {
		roster.Remove(peerID)
	} else {
		roster.Upsert(peerID, ip, uint16(port), uploaded, downloaded, left)
	}

	peers := roster.Snapshot(peerID)
	respDict := map[string]any{
		"interval": int64(s.cfg.AnnounceInterval / time.Second),
		"peers":    peersToBencode(peers),
	}

	body, err := bencode.Marshal(respDict)
	if err != nil {
		http.Error(w, "encode error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func peersToBencode(peers []PeerEntry) []any {
	out := make([]any, len(peers))
	for i, p := range peers {
		out[i] = map[string]any{
			"peer id": p.PeerID,
			"ip":      p.IP,
			"port":    int64(p.Port),
		}
	}
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("ok"))
}
