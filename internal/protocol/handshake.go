// Package protocol implements the BitTorrent peer wire protocol: the
// initial handshake and the length-prefixed message stream that follows it.
package protocol

import (
	"encoding"
	"errors"
	"io"
	"net"
	"time"
)

const (
	pstr      = "BitTorrent protocol"
	reservedN = 8
	hashSize  = 20
)

// Handshake is the 68-byte message exchanged immediately after a TCP
// connection to a peer is established.
//
// Wire format:
//
//	<pstrlen=19><pstr><reserved:8><info_hash:20><peer_id:20>
type Handshake struct {
	Pstr     string
	Reserved [reservedN]byte
	InfoHash [hashSize]byte
	PeerID   [hashSize]byte
}

var (
	ErrProtocolMismatch = errors.New("protocol: handshake pstr mismatch")
	ErrBadPstrlen       = errors.New("protocol: invalid pstrlen")
	ErrShortHandshake   = errors.New("protocol: short handshake")
	ErrInfoHashMismatch = errors.New("protocol: handshake info hash mismatch")
)

var (
	_ encoding.BinaryMarshaler   = (*Handshake)(nil)
	_ encoding.BinaryUnmarshaler = (*Handshake)(nil)
	_ io.WriterTo                = (*Handshake)(nil)
	_ io.ReaderFrom              = (*Handshake)(nil)
)

// NewHandshake builds a handshake carrying the standard protocol string and
// zeroed reserved bytes.
func NewHandshake(infoHash, peerID [hashSize]byte) *Handshake {
	return &Handshake{Pstr: pstr, InfoHash: infoHash, PeerID: peerID}
}

func (h *Handshake) MarshalBinary() ([]byte, error) {
	if len(h.Pstr) == 0 || len(h.Pstr) > 255 {
		return nil, ErrBadPstrlen
	}

	buf := make([]byte, 1+len(h.Pstr)+reservedN+hashSize+hashSize)
	buf[0] = byte(len(h.Pstr))
	off := 1
	off += copy(buf[off:], h.Pstr)
	off += copy(buf[off:], h.Reserved[:])
	off += copy(buf[off:], h.InfoHash[:])
	copy(buf[off:], h.PeerID[:])

	return buf, nil
}

func (h *Handshake) UnmarshalBinary(b []byte) error {
	if len(b) < 1 {
		return ErrShortHandshake
	}
	pstrlen := int(b[0])
	if pstrlen == 0 || pstrlen > 255 {
		return ErrBadPstrlen
	}
	const tail = reservedN + hashSize + hashSize
	if len(b) < 1+pstrlen+tail {
		return ErrShortHandshake
	}

	end := 1 + pstrlen
	h.Pstr = string(b[1:end])
	copy(h.Reserved[:], b[end:end+reservedN])
	copy(h.InfoHash[:], b[end+reservedN:end+reservedN+hashSize])
	copy(h.PeerID[:], b[end+reservedN+hashSize:])
	return nil
}

func (h *Handshake) WriteTo(w io.Writer) (int64, error) {
	b, err := h.MarshalBinary()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(b)
	return int64(n), err
}

func (h *Handshake) ReadFrom(r io.Reader) (int64, error) {
	var hdr [1]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return 0, ErrShortHandshake
		}
		return 0, err
	}
	pstrlen := int(hdr[0])
	if pstrlen == 0 || pstrlen > 255 {
		return 1, ErrBadPstrlen
	}

	rest := make([]byte, pstrlen+reservedN+hashSize+hashSize)
	if _, err := io.ReadFull(r, rest); err != nil {
		return int64(1 + len(rest)), ErrShortHandshake
	}

	return int64(1 + len(rest)), h.UnmarshalBinary(append(hdr[:], rest...))
}

// ReadHandshake reads a full handshake from r.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var h Handshake
	_, err := h.ReadFrom(r)
	return h, err
}

// WriteHandshake writes h to w.
func WriteHandshake(w io.Writer, h *Handshake) error {
	_, err := h.WriteTo(w)
	return err
}

// HandshakeTimeout bounds how long a peer connection may take to complete
// the handshake exchange before it is abandoned.
const HandshakeTimeout = 30 * time.Second

// Exchange writes h to conn, reads the remote peer's handshake, and
// validates the protocol string and (if requested) the info hash. The
// whole exchange is bounded by HandshakeTimeout via conn's deadline.
func Exchange(conn net.Conn, h *Handshake, verifyInfoHash bool) (Handshake, error) {
	if err := conn.SetDeadline(time.Now().Add(HandshakeTimeout)); err != nil {
		return Handshake{}, err
	}
	defer conn.SetDeadline(time.Time{})

	if _, err := h.WriteTo(conn); err != nil {
		return Handshake{}, err
	}

	peer, err := ReadHandshake(conn)
	if err != nil {
		return Handshake{}, err
	}

	if peer.Pstr != pstr {
		return Handshake{}, ErrProtocolMismatch
	}
	if verifyInfoHash && peer.InfoHash != h.InfoHash {
		return Handshake{}, ErrInfoHashMismatch
	}
	return peer, nil
}
