// Package peer implements the per-connection peer session: handshake,
// choke/interest bookkeeping, and whole-piece request/response exchange.
package peer

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ormandy/swarmgo/internal/bitfield"
	"github.com/ormandy/swarmgo/internal/piece"
	"github.com/ormandy/swarmgo/internal/protocol"

	"golang.org/x/sync/errgroup"
)

const (
	maskAmChoking      = 1 << 0
	maskAmInterested   = 1 << 1
	maskPeerChoking    = 1 << 2
	maskPeerInterested = 1 << 3

	outboxBacklog    = 64
	readWriteTimeout = 2 * time.Minute
	keepAliveEvery   = 90 * time.Second
)

// Stats is a point-in-time snapshot of a session's counters, as returned
// per live session by the swarm coordinator's Snapshot.
type Stats struct {
	Addr             string
	Downloaded       uint64
	Uploaded         uint64
	MessagesSent     uint64
	MessagesReceived uint64
	PeerChoking      bool
	PeerInterested   bool
	AmInterested     bool
	ConnectedAt      time.Time
}

// Session owns a single peer connection. Its only shared state is the
// piece.Store; everything else here is session-local, matching
// SPEC_FULL.md's concurrency model.
type Session struct {
	log  *slog.Logger
	conn net.Conn
	addr string

	store    *piece.Store
	infoHash [sha1.Size]byte
	selfID   [sha1.Size]byte

	state uint32 // atomic bitmask of the four choke/interest flags

	remoteMu sync.Mutex
	remote   bitfield.Bitfield

	reservedMu sync.Mutex
	reserved   int
	hasReserve bool

	outbox    chan *protocol.Message
	closeOnce sync.Once

	downloaded atomic.Uint64
	uploaded   atomic.Uint64
	sent       atomic.Uint64
	received   atomic.Uint64
	connectAt  time.Time

	onHave func(remote string, index int)
}

// Options configures a new Session.
type Options struct {
	Log      *slog.Logger
	Store    *piece.Store
	InfoHash [sha1.Size]byte
	SelfID   [sha1.Size]byte
	// OnHave is invoked whenever this session receives a have message
	// from the remote peer; may be nil.
	OnHave func(remote string, index int)
}

// Outbound dials addr, exchanges handshakes (we send first), and returns a
// ready session. The handshake is bounded by protocol.HandshakeTimeout.
func Outbound(ctx context.Context, addr string, opts Options) (*Session, error) {
	dialer := net.Dialer{Timeout: protocol.HandshakeTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("peer: dial %s: %w", addr, err)
	}

	h := protocol.NewHandshake(opts.InfoHash, opts.SelfID)
	if _, err := protocol.Exchange(conn, h, true); err != nil {
		conn.Close()
		return nil, err
	}

	return newSession(conn, addr, opts), nil
}

// Inbound wraps an already-accepted connection: we receive the remote
// handshake first, validate it, then reply with our own.
func Inbound(conn net.Conn, opts Options) (*Session, error) {
	if err := conn.SetDeadline(time.Now().Add(protocol.HandshakeTimeout)); err != nil {
		conn.Close()
		return nil, err
	}
	defer conn.SetDeadline(time.Time{})

	remote, err := protocol.ReadHandshake(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if remote.InfoHash != opts.InfoHash {
		conn.Close()
		return nil, protocol.ErrInfoHashMismatch
	}

	reply := protocol.NewHandshake(opts.InfoHash, opts.SelfID)
	if err := protocol.WriteHandshake(conn, reply); err != nil {
		conn.Close()
		return nil, err
	}

	return newSession(conn, conn.RemoteAddr().String(), opts), nil
}

func newSession(conn net.Conn, addr string, opts Options) *Session {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	s := &Session{
		log:      log.With("component", "peer", "addr", addr),
		conn:     conn,
		addr:     addr,
		store:    opts.Store,
		infoHash: opts.InfoHash,
		selfID:   opts.SelfID,
		remote:   bitfield.New(int(opts.Store.TotalPieces())),
		outbox:   make(chan *protocol.Message, outboxBacklog),
		onHave:   opts.OnHave,
		connectAt: time.Now(),
	}
	s.setState(maskAmChoking|maskPeerChoking, true)
	return s
}

// Run drives the session until the connection fails or ctx is cancelled.
// It sends our bitfield as the first post-handshake action, then runs the
// read and write loops concurrently.
func (s *Session) Run(ctx context.Context) error {
	defer s.Close()

	s.enqueue(protocol.MessageBitfield(s.store.BitfieldSnapshot()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error { return s.writeLoop(gctx) })
	return g.Wait()
}

// Close releases the reservation (if any) and the connection. Safe to
// call multiple times.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.reservedMu.Lock()
		if s.hasReserve {
			s.store.MarkAbandoned(s.reserved)
			s.hasReserve = false
		}
		s.reservedMu.Unlock()

		s.conn.Close()
	})
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		s.conn.SetReadDeadline(time.Now().Add(readWriteTimeout))
		msg, err := protocol.ReadMessage(s.conn)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return err
		}
		s.received.Add(1)

		if protocol.IsKeepAlive(msg) {
			continue
		}
		if err := msg.ValidatePayloadSize(); err != nil {
			s.log.Warn("bad payload size", "id", msg.ID, "error", err)
			continue
		}
		if err := s.handle(msg); err != nil {
			return err
		}
	}
}

func (s *Session) writeLoop(ctx context.Context) error {
	ticker := time.NewTicker(keepAliveEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-s.outbox:
			if !ok {
				return nil
			}
			s.conn.SetWriteDeadline(time.Now().Add(readWriteTimeout))
			if err := protocol.WriteMessage(s.conn, msg); err != nil {
				return err
			}
			s.sent.Add(1)
			s.onWritten(msg)
		case <-ticker.C:
			s.enqueue(nil)
		}
	}
}

func (s *Session) handle(msg *protocol.Message) error {
	switch msg.ID {
	case protocol.Choke:
		s.setState(maskPeerChoking, true)
		s.abandonReservation()

	case protocol.Unchoke:
		s.setState(maskPeerChoking, false)
		s.tryDownload()

	case protocol.Interested:
		s.setState(maskPeerInterested, true)
		s.setState(maskAmChoking, false)
		s.enqueue(protocol.MessageUnchoke())

	case protocol.NotInterested:
		s.setState(maskPeerInterested, false)

	case protocol.Have:
		index, ok := msg.ParseHave()
		if !ok {
			return errors.New("peer: malformed have")
		}
		s.remoteMu.Lock()
		s.remote.Set(int(index))
		s.remoteMu.Unlock()

		if s.onHave != nil {
			s.onHave(s.addr, int(index))
		}
		s.maybeDeclareInterest(int(index))

	case protocol.Bitfield:
		n := int(s.store.TotalPieces())
		bf := bitfield.FromBytes(msg.Payload)
		if len(msg.Payload) != (n+7)/8 || bf.HasAnyBeyond(n) {
			return errors.New("peer: malformed bitfield")
		}
		s.remoteMu.Lock()
		s.remote = bf
		s.remoteMu.Unlock()
		s.maybeDeclareInterestFromBitfield()

	case protocol.Request:
		return s.handleRequest(msg)

	case protocol.Piece:
		return s.handlePiece(msg)

	case protocol.Cancel:
		// downloads are whole-piece; cancel is a no-op.

	default:
		s.log.Debug("unknown message id, skipping", "id", uint8(msg.ID))
	}
	return nil
}

func (s *Session) handleRequest(msg *protocol.Message) error {
	index, begin, length, ok := msg.ParseRequest()
	if !ok {
		return errors.New("peer: malformed request")
	}
	if s.AmChoking() || !s.store.Have(int(index)) {
		return nil
	}

	size, err := s.store.PieceSize(int(index))
	if err != nil || int64(begin)+int64(length) > size {
		return nil
	}

	data, err := s.store.ReadPiece(int(index))
	if err != nil {
		s.log.Warn("read piece failed", "index", index, "error", err)
		return nil
	}

	reply := protocol.MessagePiece(index, data[begin:begin+length])
	binary.BigEndian.PutUint32(reply.Payload[4:8], begin)
	s.enqueue(reply)
	return nil
}

func (s *Session) handlePiece(msg *protocol.Message) error {
	index, begin, data, ok := msg.ParsePiece()
	if !ok {
		return errors.New("peer: malformed piece")
	}

	size, err := s.store.PieceSize(int(index))
	if err != nil || begin != 0 || int64(len(data)) != size {
		// Only the whole-piece case is accepted; anything else is
		// silently dropped rather than treated as fatal.
		return nil
	}

	s.downloaded.Add(uint64(len(data)))

	if !s.store.Verify(int(index), data) {
		s.abandonReservationIndex(int(index))
		s.tryDownload()
		return nil
	}

	if err := s.store.WritePiece(int(index), data); err != nil {
		s.log.Warn("write piece failed", "index", index, "error", err)
		s.abandonReservationIndex(int(index))
		s.tryDownload()
		return nil
	}
	s.store.MarkComplete(int(index))
	s.clearReservationIndex(int(index))

	s.enqueue(protocol.MessageHave(index))
	s.tryDownload()
	return nil
}

func (s *Session) maybeDeclareInterest(index int) {
	if !s.store.Have(index) && !s.AmInterested() {
		s.setState(maskAmInterested, true)
		s.enqueue(protocol.MessageInterested())
	}
}

func (s *Session) maybeDeclareInterestFromBitfield() {
	if s.AmInterested() {
		return
	}
	s.remoteMu.Lock()
	remote := s.remote
	s.remoteMu.Unlock()

	for i := 0; i < remote.Len(); i++ {
		if remote.Has(i) && !s.store.Have(i) {
			s.setState(maskAmInterested, true)
			s.enqueue(protocol.MessageInterested())
			return
		}
	}
}

// tryDownload attempts to start the next whole-piece download, scanning
// past reserved pieces the remote doesn't have (spec.md §4.5). Skipped
// pieces stay reserved until the scan ends, so each index is tried at
// most once; if none fits, the session stays idle.
func (s *Session) tryDownload() {
	if s.PeerChoking() || s.hasReservation() || s.store.IsComplete() {
		return
	}

	var skipped []int
	defer func() {
		for _, i := range skipped {
			s.store.MarkAbandoned(i)
		}
	}()

	for {
		index, ok := s.store.ReserveNext()
		if !ok {
			return
		}

		s.remoteMu.Lock()
		has := s.remote.Has(index)
		s.remoteMu.Unlock()

		if !has {
			skipped = append(skipped, index)
			continue
		}

		size, err := s.store.PieceSize(index)
		if err != nil {
			skipped = append(skipped, index)
			continue
		}

		s.reservedMu.Lock()
		s.reserved = index
		s.hasReserve = true
		s.reservedMu.Unlock()

		s.enqueue(protocol.MessageRequest(uint32(index), size))
		return
	}
}

func (s *Session) hasReservation() bool {
	s.reservedMu.Lock()
	defer s.reservedMu.Unlock()
	return s.hasReserve
}

func (s *Session) abandonReservation() {
	s.reservedMu.Lock()
	defer s.reservedMu.Unlock()
	if s.hasReserve {
		s.store.MarkAbandoned(s.reserved)
		s.hasReserve = false
	}
}

func (s *Session) abandonReservationIndex(index int) {
	s.reservedMu.Lock()
	defer s.reservedMu.Unlock()
	if s.hasReserve && s.reserved == index {
		s.store.MarkAbandoned(index)
		s.hasReserve = false
	}
}

func (s *Session) clearReservationIndex(index int) {
	s.reservedMu.Lock()
	defer s.reservedMu.Unlock()
	if s.hasReserve && s.reserved == index {
		s.hasReserve = false
	}
}

func (s *Session) enqueue(msg *protocol.Message) {
	select {
	case s.outbox <- msg:
	default:
		s.log.Debug("outbox full, dropping message")
	}
}

func (s *Session) onWritten(msg *protocol.Message) {
	if msg == nil {
		return
	}
	switch msg.ID {
	case protocol.Choke:
		s.setState(maskAmChoking, true)
	case protocol.Unchoke:
		s.setState(maskAmChoking, false)
	case protocol.Piece:
		if len(msg.Payload) >= 8 {
			s.uploaded.Add(uint64(len(msg.Payload) - 8))
		}
	}
}

func (s *Session) AmChoking() bool      { return s.getState(maskAmChoking) }
func (s *Session) AmInterested() bool   { return s.getState(maskAmInterested) }
func (s *Session) PeerChoking() bool    { return s.getState(maskPeerChoking) }
func (s *Session) PeerInterested() bool { return s.getState(maskPeerInterested) }

func (s *Session) getState(mask uint32) bool { return atomic.LoadUint32(&s.state)&mask != 0 }

func (s *Session) setState(mask uint32, on bool) {
	for {
		old := atomic.LoadUint32(&s.state)
		next := old &^ mask
		if on {
			next = old | mask
		}
		if atomic.CompareAndSwapUint32(&s.state, old, next) {
			return
		}
	}
}

// Snapshot returns a point-in-time view of this session's counters.
func (s *Session) Snapshot() Stats {
	return Stats{
		Addr:             s.addr,
		Downloaded:       s.downloaded.Load(),
		Uploaded:         s.uploaded.Load(),
		MessagesSent:     s.sent.Load(),
		MessagesReceived: s.received.Load(),
		PeerChoking:      s.PeerChoking(),
		PeerInterested:   s.PeerInterested(),
		AmInterested:     s.AmInterested(),
		ConnectedAt:      s.connectAt,
	}
}
