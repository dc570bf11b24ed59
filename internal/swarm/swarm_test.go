package swarm

import (
	"context"
	"crypto/sha1"
	"path/filepath"
	"testing"
	"time"

	"github.com/ormandy/swarmgo/internal/metainfo"
	"github.com/ormandy/swarmgo/internal/piece"
)

func newTestStore(t *testing.T, pieces [][]byte) *piece.Store {
	t.Helper()

	hashes := make([][sha1.Size]byte, len(pieces))
	total := int64(0)
	for i, p := range pieces {
		hashes[i] = sha1.Sum(p)
		total += int64(len(p))
	}
	m := &metainfo.Metainfo{
		Name:        "t",
		Length:      total,
		PieceLength: int64(len(pieces[0])),
		Pieces:      hashes,
	}
	s, err := piece.Open(m, filepath.Join(t.TempDir(), "data"), nil)
	if err != nil {
		t.Fatalf("piece.Open error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCoordinator_BindsEphemeralPort(t *testing.T) {
	store := newTestStore(t, [][]byte{[]byte("aaaa")})
	var infoHash, selfID [sha1.Size]byte

	c, err := New(Options{
		Config:     DefaultConfig(),
		Store:      store,
		InfoHash:   infoHash,
		SelfID:     selfID,
		ListenAddr: "127.0.0.1:0",
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if c.Addr() == nil {
		t.Fatalf("expected a bound address")
	}
}

func TestCoordinator_RunStopsOnCancel(t *testing.T) {
	store := newTestStore(t, [][]byte{[]byte("aaaa")})
	var infoHash, selfID [sha1.Size]byte

	c, err := New(Options{
		Config:     DefaultConfig(),
		Store:      store,
		InfoHash:   infoHash,
		SelfID:     selfID,
		ListenAddr: "127.0.0.1:0",
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop after context cancellation")
	}
}

func TestCoordinator_SnapshotEmpty(t *testing.T) {
	store := newTestStore(t, [][]byte{[]byte("aaaa")})
	var infoHash, selfID [sha1.Size]byte

	c, err := New(Options{
		Config:     DefaultConfig(),
		Store:      store,
		InfoHash:   infoHash,
		SelfID:     selfID,
		ListenAddr: "127.0.0.1:0",
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if len(c.Snapshot()) != 0 {
		t.Fatalf("expected no sessions yet")
	}
}
