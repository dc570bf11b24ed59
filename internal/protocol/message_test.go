package protocol

import (
	"bytes"
	"testing"

	"github.com/ormandy/swarmgo/internal/bitfield"
)

func TestMessage_KeepAliveRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, nil); err != nil {
		t.Fatalf("WriteMessage error: %v", err)
	}
	m, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage error: %v", err)
	}
	if !IsKeepAlive(m) {
		t.Fatalf("expected keep-alive, got %+v", m)
	}
}

func TestMessage_ChokeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, MessageChoke()); err != nil {
		t.Fatalf("WriteMessage error: %v", err)
	}
	m, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage error: %v", err)
	}
	if m.ID != Choke || len(m.Payload) != 0 {
		t.Fatalf("got %+v", m)
	}
}

func TestMessage_HaveRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, MessageHave(42)); err != nil {
		t.Fatalf("WriteMessage error: %v", err)
	}
	m, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage error: %v", err)
	}
	idx, ok := m.ParseHave()
	if !ok || idx != 42 {
		t.Fatalf("got idx=%d ok=%v, want 42 true", idx, ok)
	}
}

func TestMessage_BitfieldRoundTrip(t *testing.T) {
	bf := bitfield.Pack([]bool{true, false, true})
	var buf bytes.Buffer
	if err := WriteMessage(&buf, MessageBitfield(bf)); err != nil {
		t.Fatalf("WriteMessage error: %v", err)
	}
	m, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage error: %v", err)
	}
	if m.ID != Bitfield || !bytes.Equal(m.Payload, bf.Bytes()) {
		t.Fatalf("got %+v", m)
	}
}

func TestMessage_RequestWholePiece(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, MessageRequest(3, 16384)); err != nil {
		t.Fatalf("WriteMessage error: %v", err)
	}
	m, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage error: %v", err)
	}
	idx, begin, length, ok := m.ParseRequest()
	if !ok || idx != 3 || begin != 0 || length != 16384 {
		t.Fatalf("got idx=%d begin=%d length=%d ok=%v", idx, begin, length, ok)
	}
}

func TestMessage_PieceRoundTrip(t *testing.T) {
	data := []byte("piece-bytes")
	var buf bytes.Buffer
	if err := WriteMessage(&buf, MessagePiece(7, data)); err != nil {
		t.Fatalf("WriteMessage error: %v", err)
	}
	m, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage error: %v", err)
	}
	idx, begin, block, ok := m.ParsePiece()
	if !ok || idx != 7 || begin != 0 || !bytes.Equal(block, data) {
		t.Fatalf("got idx=%d begin=%d block=%q ok=%v", idx, begin, block, ok)
	}
}

func TestMessage_ValidatePayloadSize(t *testing.T) {
	tests := []struct {
		name    string
		m       *Message
		wantErr bool
	}{
		{"nil-keepalive", nil, false},
		{"choke-ok", MessageChoke(), false},
		{"choke-bad-payload", &Message{ID: Choke, Payload: []byte{1}}, true},
		{"have-ok", MessageHave(1), false},
		{"have-bad-payload", &Message{ID: Have, Payload: []byte{1, 2}}, true},
		{"request-ok", MessageRequest(1, 100), false},
		{"piece-short", &Message{ID: Piece, Payload: []byte{1, 2, 3}}, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.m.ValidatePayloadSize()
			if (err != nil) != tc.wantErr {
				t.Fatalf("got err=%v, wantErr=%v", err, tc.wantErr)
			}
		})
	}
}

func TestMessage_ShortRead(t *testing.T) {
	_, err := ReadMessage(bytes.NewReader([]byte{0, 0, 0, 5, 7}))
	if err == nil {
		t.Fatalf("expected error for truncated frame")
	}
}
