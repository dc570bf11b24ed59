package metainfo

import (
	"encoding/hex"
	"testing"

	"github.com/ormandy/swarmgo/internal/bencode"
)

func buildTorrent(t *testing.T, fields map[string]any) []byte {
	t.Helper()
	b, err := bencode.Marshal(fields)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	return b
}

func validInfo() map[string]any {
	return map[string]any{
		"name":         "ubuntu.iso",
		"length":       int64(14),
		"piece length": int64(4),
		"pieces":       "01234567890123456789012345678901234567890123456789012345678901234567890123456789",
	}
}

func TestParse_Valid(t *testing.T) {
	data := buildTorrent(t, map[string]any{
		"announce": "http://tracker.example/announce",
		"info":     validInfo(),
	})

	m, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if m.Name != "ubuntu.iso" {
		t.Fatalf("got name %q", m.Name)
	}
	if m.PieceCount() != 4 {
		t.Fatalf("got piece count %d, want 4", m.PieceCount())
	}
	if m.Length != 14 {
		t.Fatalf("got length %d", m.Length)
	}
}

func TestParse_InfoHashStable(t *testing.T) {
	data := buildTorrent(t, map[string]any{
		"announce": "http://tracker.example/announce",
		"info":     validInfo(),
	})

	m1, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	m2, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if m1.InfoHash != m2.InfoHash {
		t.Fatalf("info hash not deterministic: %x vs %x", m1.InfoHash, m2.InfoHash)
	}
	if hex.EncodeToString(m1.InfoHash[:]) == "" {
		t.Fatalf("empty info hash")
	}
}

func TestParse_PieceSize(t *testing.T) {
	data := buildTorrent(t, map[string]any{
		"announce": "http://tracker.example/announce",
		"info":     validInfo(),
	})
	m, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	for i := 0; i < 3; i++ {
		sz, err := m.PieceSize(i)
		if err != nil || sz != 4 {
			t.Fatalf("piece %d: got %d, %v, want 4, nil", i, sz, err)
		}
	}
	sz, err := m.PieceSize(3)
	if err != nil || sz != 2 {
		t.Fatalf("final piece: got %d, %v, want 2, nil", sz, err)
	}
	if _, err := m.PieceSize(4); err == nil {
		t.Fatalf("expected out-of-range error")
	}
}

func TestParse_AnnounceList(t *testing.T) {
	data := buildTorrent(t, map[string]any{
		"announce": "http://primary/announce",
		"announce-list": []any{
			[]any{"http://primary/announce"},
			[]any{"http://backup1/announce", "http://backup2/announce"},
		},
		"info": validInfo(),
	})
	m, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if len(m.AnnounceList) != 2 || len(m.AnnounceList[1]) != 2 {
		t.Fatalf("got %#v", m.AnnounceList)
	}
}

func TestParse_MalformedCases(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]any
	}{
		{"missing-announce", map[string]any{"info": validInfo()}},
		{"missing-info", map[string]any{"announce": "http://t"}},
		{"missing-name", func() map[string]any {
			info := validInfo()
			delete(info, "name")
			return map[string]any{"announce": "http://t", "info": info}
		}()},
		{"zero-length", func() map[string]any {
			info := validInfo()
			info["length"] = int64(0)
			return map[string]any{"announce": "http://t", "info": info}
		}()},
		{"bad-pieces-length", func() map[string]any {
			info := validInfo()
			info["pieces"] = "short"
			return map[string]any{"announce": "http://t", "info": info}
		}()},
		{"length-inconsistent", func() map[string]any {
			info := validInfo()
			info["length"] = int64(999)
			return map[string]any{"announce": "http://t", "info": info}
		}()},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			data := buildTorrent(t, tc.fields)
			if _, err := Parse(data); err == nil {
				t.Fatalf("expected error for %s", tc.name)
			}
		})
	}
}
