// Package piece implements the single-file piece-state engine: two
// disjoint bitmaps tracking which pieces are owned or reserved
// in-progress, and the backing file those pieces are verified against
// and written to.
package piece

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/ormandy/swarmgo/internal/bitfield"
	"github.com/ormandy/swarmgo/internal/metainfo"
)

// ErrOutOfRange is returned for a piece index outside [0, total_pieces).
var ErrOutOfRange = errors.New("piece: index out of range")

// Store is the piece-state engine (C3 in the design notes): the bitmaps
// are guarded by stateMu, the file handle by fileMu. The two locks are
// never held at the same time — reserve/mark operate purely on the
// bitmaps, write_piece/read_piece open fileMu only for the I/O itself.
type Store struct {
	log *slog.Logger

	stateMu    sync.Mutex
	owned      bitfield.Bitfield
	inProgress bitfield.Bitfield

	fileMu sync.Mutex
	file   *os.File

	hashes      [][sha1.Size]byte
	pieceLength int64
	totalLength int64
	path        string
}

// Open opens (creating if absent) the backing file for m at path and
// reconstructs piece ownership by rehashing existing content.
func Open(m *metainfo.Metainfo, path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "piece")

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("piece: open backing file: %w", err)
	}
	if err := f.Truncate(m.Length); err != nil {
		f.Close()
		return nil, fmt.Errorf("piece: truncate backing file: %w", err)
	}

	s := &Store{
		log:         log,
		owned:       bitfield.New(m.PieceCount()),
		inProgress:  bitfield.New(m.PieceCount()),
		file:        f,
		hashes:      m.Pieces,
		pieceLength: m.PieceLength,
		totalLength: m.Length,
		path:        path,
	}

	if err := s.reconstruct(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// reconstruct rehashes every piece already on disk and marks the ones
// that verify as owned. Pieces that fail verification or cannot be
// fully read remain missing (spec.md §4.3).
func (s *Store) reconstruct() error {
	n := s.totalPieces()
	buf := make([]byte, s.pieceLength)

	for i := 0; i < n; i++ {
		size, err := s.pieceSize(i)
		if err != nil {
			return err
		}
		chunk := buf[:size]

		if _, err := s.file.ReadAt(chunk, int64(i)*s.pieceLength); err != nil {
			continue
		}
		if s.Verify(i, chunk) {
			s.owned.Set(i)
			s.log.Debug("reconstructed piece", "index", i)
		}
	}
	return nil
}

// Close releases the backing file handle.
func (s *Store) Close() error {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	return s.file.Close()
}

func (s *Store) totalPieces() int { return len(s.hashes) }

// TotalPieces returns the number of pieces described by the metainfo.
func (s *Store) TotalPieces() uint32 { return uint32(s.totalPieces()) }

// PieceLengthVal returns the nominal (non-final) piece length.
func (s *Store) PieceLengthVal() uint32 { return uint32(s.pieceLength) }

func (s *Store) pieceSize(index int) (int64, error) {
	n := s.totalPieces()
	if index < 0 || index >= n {
		return 0, ErrOutOfRange
	}
	if index < n-1 {
		return s.pieceLength, nil
	}
	return s.totalLength - int64(n-1)*s.pieceLength, nil
}

// PieceSize is the exported form of pieceSize, used by callers that must
// size a whole-piece request/response (spec.md §4.3 short-final-piece rule).
func (s *Store) PieceSize(index int) (int64, error) { return s.pieceSize(index) }

// Verify reports whether bytes hash to the stored digest for index. It
// performs no locking and no I/O: pure comparison.
func (s *Store) Verify(index int, data []byte) bool {
	if index < 0 || index >= s.totalPieces() {
		return false
	}
	return sha1.Sum(data) == s.hashes[index]
}

// Have returns a snapshot of whether index is owned.
func (s *Store) Have(index int) bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.owned.Has(index)
}

// ReserveNext returns the lowest index neither owned nor in-progress,
// marking it in-progress. ok is false if every piece is owned or
// reserved. The bitmap mutation is atomic under stateMu, so two
// concurrent callers never receive the same index.
func (s *Store) ReserveNext() (index int, ok bool) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	for i := 0; i < s.totalPieces(); i++ {
		if !s.owned.Has(i) && !s.inProgress.Has(i) {
			s.inProgress.Set(i)
			return i, true
		}
	}
	return 0, false
}

// MarkComplete sets owned=true, in_progress=false for index.
func (s *Store) MarkComplete(index int) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.owned.Set(index)
	s.clearInProgress(index)
}

// MarkAbandoned clears in_progress without touching owned — used when a
// session holding a reservation dies mid-request.
func (s *Store) MarkAbandoned(index int) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.clearInProgress(index)
}

// clearInProgress must be called with stateMu held.
func (s *Store) clearInProgress(index int) {
	if index < 0 || index >= s.inProgress.Len() {
		return
	}
	byteIdx, off := index/8, 7-(index%8)
	s.inProgress[byteIdx] &^= 1 << uint(off)
}

// BitfieldSnapshot returns a copy of the owned bitmap, suitable for
// sending as a wire bitfield message.
func (s *Store) BitfieldSnapshot() bitfield.Bitfield {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.owned.Bytes()
}

// WritePiece writes data at piece index's offset and flushes before
// returning. write_piece always happens-before the caller's
// MarkComplete (spec.md §4.3 ordering guarantee).
func (s *Store) WritePiece(index int, data []byte) error {
	size, err := s.pieceSize(index)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return fmt.Errorf("piece: write size mismatch for index %d: got %d, want %d", index, len(data), size)
	}

	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	if _, err := s.file.WriteAt(data, int64(index)*s.pieceLength); err != nil {
		return fmt.Errorf("piece: write index %d: %w", index, err)
	}
	return s.file.Sync()
}

// ReadPiece reads the full content of piece index.
func (s *Store) ReadPiece(index int) ([]byte, error) {
	size, err := s.pieceSize(index)
	if err != nil {
		return nil, err
	}

	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	buf := make([]byte, size)
	if _, err := s.file.ReadAt(buf, int64(index)*s.pieceLength); err != nil {
		return nil, fmt.Errorf("piece: read index %d: %w", index, err)
	}
	return buf, nil
}

// IsComplete reports whether every piece is owned.
func (s *Store) IsComplete() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.owned.Count() == s.totalPieces()
}

// BytesLeft returns the number of bytes still missing, accounting for
// the short final piece (spec.md §9 resolves this as (missing_count -
// [last piece missing]) * piece_length + last_piece_size when the last
// piece is itself missing, and missing_count * piece_length otherwise).
func (s *Store) BytesLeft() uint64 {
	s.stateMu.Lock()
	n := s.totalPieces()
	missing := n - s.owned.Count()
	lastMissing := n > 0 && !s.owned.Has(n-1)
	s.stateMu.Unlock()

	if missing == 0 {
		return 0
	}
	if !lastMissing {
		return uint64(missing) * uint64(s.pieceLength)
	}

	lastSize, _ := s.pieceSize(n - 1)
	return uint64(missing-1)*uint64(s.pieceLength) + uint64(lastSize)
}
