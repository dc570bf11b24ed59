// Package swarm coordinates peer sessions for a single torrent: accepting
// inbound connections, dialing peers handed to it from the tracker's
// responses, and running the progress monitor. Re-announcing to the
// tracker is done by the caller (cmd/swarmc), not by this package.
package swarm

import (
	"context"
	"crypto/sha1"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ormandy/swarmgo/internal/peer"
	"github.com/ormandy/swarmgo/internal/piece"
)

// Config tunes the coordinator's timers and buffering.
type Config struct {
	ProgressInterval time.Duration
	DialBacklog      int
}

func DefaultConfig() Config {
	return Config{
		ProgressInterval: 5 * time.Second,
		DialBacklog:      200,
	}
}

// Options bundles the dependencies a Coordinator needs to run.
type Options struct {
	Config   Config
	Log      *slog.Logger
	Store    *piece.Store
	InfoHash [sha1.Size]byte
	SelfID   [sha1.Size]byte
	// ListenAddr is passed to net.Listen; port 0 requests an OS-assigned
	// port. Format is "host:port", e.g. ":0".
	ListenAddr string
}

// Coordinator is the swarm-wide peer manager (C6 in the design notes).
type Coordinator struct {
	cfg      Config
	log      *slog.Logger
	store    *piece.Store
	infoHash [sha1.Size]byte
	selfID   [sha1.Size]byte

	ln       net.Listener
	dialCh   chan string
	stopped  atomic.Bool

	sessMu   sync.Mutex
	sessions map[string]*peer.Session
}

// New binds the listening socket described by opts.ListenAddr.
func New(opts Options) (*Coordinator, error) {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "swarm")

	ln, err := net.Listen("tcp", opts.ListenAddr)
	if err != nil {
		return nil, err
	}

	return &Coordinator{
		cfg:      opts.Config,
		log:      log,
		store:    opts.Store,
		infoHash: opts.InfoHash,
		selfID:   opts.SelfID,
		ln:       ln,
		dialCh:   make(chan string, opts.Config.DialBacklog),
		sessions: make(map[string]*peer.Session),
	}, nil
}

// Addr returns the bound listener address (used as the announce port).
func (c *Coordinator) Addr() net.Addr { return c.ln.Addr() }

// AdmitPeers queues addresses learned from the tracker for outbound
// dialing. Addresses are dropped if the dial backlog is full.
func (c *Coordinator) AdmitPeers(addrs []string) {
	for _, addr := range addrs {
		select {
		case c.dialCh <- addr:
		default:
			c.log.Warn("dial backlog full, dropping peer", "addr", addr)
		}
	}
}

// Run drives accept, dial, and the progress monitor until ctx is
// cancelled or the listener fails. Shutdown is cooperative: ctx
// cancellation (wired to SIGINT/SIGTERM by the caller) causes every loop
// to exit and the listener to close.
func (c *Coordinator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.acceptLoop(gctx) })
	g.Go(func() error { return c.dialLoop(gctx) })
	g.Go(func() error { return c.monitorLoop(gctx) })

	go func() {
		<-ctx.Done()
		c.stopped.Store(true)
		c.ln.Close()
	}()

	return g.Wait()
}

func (c *Coordinator) acceptLoop(ctx context.Context) error {
	for {
		conn, err := c.ln.Accept()
		if err != nil {
			if c.stopped.Load() || ctx.Err() != nil {
				return nil
			}
			c.log.Warn("accept failed", "error", err)
			continue
		}

		go c.serve(ctx, conn)
	}
}

func (c *Coordinator) dialLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case addr, ok := <-c.dialCh:
			if !ok {
				return nil
			}
			c.sessMu.Lock()
			_, dup := c.sessions[addr]
			c.sessMu.Unlock()
			if dup {
				continue
			}
			go c.dial(ctx, addr)
		}
	}
}

func (c *Coordinator) dial(ctx context.Context, addr string) {
	sess, err := peer.Outbound(ctx, addr, peer.Options{
		Store:    c.store,
		InfoHash: c.infoHash,
		SelfID:   c.selfID,
		OnHave:   c.broadcastHave,
	})
	if err != nil {
		c.log.Debug("dial failed", "addr", addr, "error", err)
		return
	}
	c.run(ctx, addr, sess)
}

func (c *Coordinator) serve(ctx context.Context, conn net.Conn) {
	sess, err := peer.Inbound(conn, peer.Options{
		Store:    c.store,
		InfoHash: c.infoHash,
		SelfID:   c.selfID,
		OnHave:   c.broadcastHave,
	})
	if err != nil {
		c.log.Debug("inbound handshake failed", "remote", conn.RemoteAddr(), "error", err)
		return
	}
	c.run(ctx, conn.RemoteAddr().String(), sess)
}

func (c *Coordinator) run(ctx context.Context, addr string, sess *peer.Session) {
	c.sessMu.Lock()
	c.sessions[addr] = sess
	c.sessMu.Unlock()

	defer func() {
		c.sessMu.Lock()
		delete(c.sessions, addr)
		c.sessMu.Unlock()
	}()

	if err := sess.Run(ctx); err != nil {
		c.log.Debug("session ended", "addr", addr, "error", err)
	}
}

// broadcastHave is a placeholder hook: per spec.md §4.5, other
// connections learn about a newly completed piece via their own
// bitfield/have exchange, not via cross-session fan-out, so this is
// intentionally a no-op today. It exists so Session.Options.OnHave has a
// stable call site if that changes.
func (c *Coordinator) broadcastHave(remote string, index int) {}

func (c *Coordinator) monitorLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.ProgressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.log.Info("progress",
				"complete", c.store.IsComplete(),
				"bytes_left", c.store.BytesLeft(),
				"peers", c.peerCount(),
			)
		}
	}
}

func (c *Coordinator) peerCount() int {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	return len(c.sessions)
}

// Snapshot returns per-peer stats for every live session.
func (c *Coordinator) Snapshot() []peer.Stats {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()

	out := make([]peer.Stats, 0, len(c.sessions))
	for _, sess := range c.sessions {
		out = append(out, sess.Snapshot())
	}
	return out
}
