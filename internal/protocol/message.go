package protocol

import (
	"encoding"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/ormandy/swarmgo/internal/bitfield"
)

// MessageID identifies the kind of a non-keep-alive wire message.
type MessageID uint8

const (
	Choke         MessageID = 0
	Unchoke       MessageID = 1
	Interested    MessageID = 2
	NotInterested MessageID = 3
	Have          MessageID = 4
	Bitfield      MessageID = 5
	Request       MessageID = 6
	Piece         MessageID = 7
	Cancel        MessageID = 8
)

func (mid MessageID) String() string {
	switch mid {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not-interested"
	case Have:
		return "have"
	case Bitfield:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(mid))
	}
}

// Message is a single length-prefixed wire message. A nil *Message denotes
// a keep-alive frame (<length=0>, no id, no payload).
//
// This client never pipelines blocks: the requests it sends always carry
// begin=0 and a length equal to the whole piece (spec.md §4.4), and it
// accepts a piece message only when it holds the whole piece at begin=0.
// The begin field stays on the wire because the protocol itself is
// generic; one layer up, the peer session drops a piece message with a
// nonzero begin, and answers an incoming request at the begin it names.
type Message struct {
	ID      MessageID
	Payload []byte
}

var (
	ErrShortMessage    = errors.New("protocol: short message")
	ErrBadLengthPrefix = errors.New("protocol: invalid length prefix")
	ErrBadPayloadSize  = errors.New("protocol: invalid payload size for message id")
)

var (
	_ encoding.BinaryMarshaler   = (*Message)(nil)
	_ encoding.BinaryUnmarshaler = (*Message)(nil)
	_ io.WriterTo                = (*Message)(nil)
	_ io.ReaderFrom              = (*Message)(nil)
)

// IsKeepAlive reports whether m is a keep-alive frame.
func IsKeepAlive(m *Message) bool { return m == nil }

func MessageChoke() *Message         { return &Message{ID: Choke} }
func MessageUnchoke() *Message       { return &Message{ID: Unchoke} }
func MessageInterested() *Message    { return &Message{ID: Interested} }
func MessageNotInterested() *Message { return &Message{ID: NotInterested} }

func MessageHave(index uint32) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, index)
	return &Message{ID: Have, Payload: payload}
}

func MessageBitfield(bf bitfield.Bitfield) *Message {
	return &Message{ID: Bitfield, Payload: bf.Bytes()}
}

// MessageRequest builds a whole-piece request: begin is always 0.
func MessageRequest(index uint32, size int64) *Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], 0)
	binary.BigEndian.PutUint32(payload[8:12], uint32(size))
	return &Message{ID: Request, Payload: payload}
}

// MessagePiece builds a whole-piece response: begin is always 0.
func MessagePiece(index uint32, data []byte) *Message {
	payload := make([]byte, 8+len(data))
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], 0)
	copy(payload[8:], data)
	return &Message{ID: Piece, Payload: payload}
}

func MessageCancel(index uint32, size int64) *Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], 0)
	binary.BigEndian.PutUint32(payload[8:12], uint32(size))
	return &Message{ID: Cancel, Payload: payload}
}

// ParseHave returns the piece index carried by a Have message.
func (m *Message) ParseHave() (index uint32, ok bool) {
	if m == nil || m.ID != Have || len(m.Payload) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(m.Payload), true
}

// ParseRequest returns index, begin, and length. The protocol layer only
// parses the wire shape; callers bounds-check begin+length against the
// piece size themselves.
func (m *Message) ParseRequest() (index, begin, length uint32, ok bool) {
	if m == nil || m.ID != Request || len(m.Payload) != 12 {
		return 0, 0, 0, false
	}
	return binary.BigEndian.Uint32(m.Payload[0:4]),
		binary.BigEndian.Uint32(m.Payload[4:8]),
		binary.BigEndian.Uint32(m.Payload[8:12]),
		true
}

// ParsePiece returns index, begin, and the data block.
func (m *Message) ParsePiece() (index, begin uint32, block []byte, ok bool) {
	if m == nil || m.ID != Piece || len(m.Payload) < 8 {
		return 0, 0, nil, false
	}
	return binary.BigEndian.Uint32(m.Payload[0:4]),
		binary.BigEndian.Uint32(m.Payload[4:8]),
		m.Payload[8:], true
}

// ParseCancel returns index, begin, and length.
func (m *Message) ParseCancel() (index, begin, length uint32, ok bool) {
	if m == nil || m.ID != Cancel || len(m.Payload) != 12 {
		return 0, 0, 0, false
	}
	return binary.BigEndian.Uint32(m.Payload[0:4]),
		binary.BigEndian.Uint32(m.Payload[4:8]),
		binary.BigEndian.Uint32(m.Payload[8:12]),
		true
}

func (m *Message) MarshalBinary() ([]byte, error) {
	if m == nil {
		return []byte{0, 0, 0, 0}, nil
	}

	length := 1 + len(m.Payload)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], uint32(length))
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)
	return buf, nil
}

func (m *Message) UnmarshalBinary(b []byte) error {
	if len(b) < 4 {
		return ErrShortMessage
	}
	length := binary.BigEndian.Uint32(b[0:4])
	if length == 0 {
		*m = Message{}
		return nil
	}
	if len(b) < 4+int(length) {
		return ErrShortMessage
	}
	m.ID = MessageID(b[4])
	m.Payload = append(m.Payload[:0], b[5:4+int(length)]...)
	return nil
}

func (m *Message) WriteTo(w io.Writer) (int64, error) {
	if m == nil {
		n, err := w.Write([]byte{0, 0, 0, 0})
		return int64(n), err
	}

	var hdr [5]byte
	length := 1 + len(m.Payload)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(length))
	hdr[4] = byte(m.ID)

	n1, err := w.Write(hdr[:])
	if err != nil {
		return int64(n1), err
	}
	if len(m.Payload) == 0 {
		return int64(n1), nil
	}
	n2, err := w.Write(m.Payload)
	return int64(n1 + n2), err
}

// ReadFrom reads one frame from r. After a successful read of a keep-alive
// frame, m is zeroed (ID=0, Payload=nil); use ReadMessage if you want
// keep-alives normalized to a nil *Message. Note that a zeroed m is also
// what a genuine Choke frame (id=0, no payload) unmarshals to — callers
// that need to tell the two apart should use ReadMessage instead, which
// keys off the wire length prefix rather than the decoded fields.
func (m *Message) ReadFrom(r io.Reader) (int64, error) {
	n, length, buf, err := readFrame(r)
	if err != nil {
		return n, err
	}
	if length == 0 {
		*m = Message{}
		return n, nil
	}
	m.ID = MessageID(buf[0])
	m.Payload = append(m.Payload[:0], buf[1:]...)
	return n, nil
}

// readFrame reads the length-prefixed frame itself, without interpreting
// a zero length as a particular Message value; this is the one place that
// knows a keep-alive frame has length 0, independent of what id/payload a
// zero-length vs. non-zero-length frame happens to decode to.
func readFrame(r io.Reader) (n int64, length uint32, buf []byte, err error) {
	var lp [4]byte
	if _, err := io.ReadFull(r, lp[:]); err != nil {
		return 0, 0, nil, err
	}
	length = binary.BigEndian.Uint32(lp[:])
	if length == 0 {
		return 4, 0, nil, nil
	}

	buf = make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return int64(4 + len(buf)), length, nil, err
	}
	return int64(4 + len(buf)), length, buf, nil
}

// ReadMessage reads a single frame, returning nil for a keep-alive
// (length-prefix == 0). A real Choke/Unchoke/Interested/NotInterested
// frame has length 1 and is never mistaken for one.
func ReadMessage(r io.Reader) (*Message, error) {
	_, length, buf, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, nil
	}
	return &Message{ID: MessageID(buf[0]), Payload: append([]byte(nil), buf[1:]...)}, nil
}

// WriteMessage writes m to w; a nil m writes a keep-alive.
func WriteMessage(w io.Writer, m *Message) error {
	_, err := m.WriteTo(w)
	return err
}

// ValidatePayloadSize enforces the fixed payload length each message id
// requires (spec.md §4.4): any mismatch is a protocol error.
func (m *Message) ValidatePayloadSize() error {
	if m == nil {
		return nil
	}
	switch m.ID {
	case Have:
		if len(m.Payload) != 4 {
			return ErrBadPayloadSize
		}
	case Request, Cancel:
		if len(m.Payload) != 12 {
			return ErrBadPayloadSize
		}
	case Piece:
		if len(m.Payload) < 8 {
			return ErrBadPayloadSize
		}
	case Choke, Unchoke, Interested, NotInterested:
		if len(m.Payload) != 0 {
			return ErrBadPayloadSize
		}
	}
	return nil
}
