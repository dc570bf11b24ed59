// Package metainfo decodes a BitTorrent .torrent descriptor using
// internal/bencode and exposes the fields the rest of the swarm needs.
package metainfo

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"os"

	"github.com/ormandy/swarmgo/internal/bencode"
)

const HashSize = sha1.Size

// Metainfo is the immutable, fully-validated view of a .torrent file.
type Metainfo struct {
	Announce     string
	AnnounceList [][]string // tiers of 'announce-list' as given, nil if absent; Announce is not inserted; see SPEC_FULL.md §4
	Name         string
	Length       int64
	PieceLength  int64
	Pieces       [][HashSize]byte
	InfoHash     [HashSize]byte
}

// MalformedMetainfo indicates a missing or wrongly-typed metainfo field.
type MalformedMetainfo struct {
	Msg string
}

func (e *MalformedMetainfo) Error() string { return "malformed metainfo: " + e.Msg }

func malformed(msg string) error { return &MalformedMetainfo{Msg: msg} }

// Load reads and parses the .torrent file at path.
func Load(path string) (*Metainfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes a bencoded metainfo buffer into a Metainfo.
func Parse(data []byte) (*Metainfo, error) {
	raw, err := bencode.Unmarshal(data)
	if err != nil {
		return nil, err
	}

	root, ok := raw.(map[string]any)
	if !ok {
		return nil, malformed("top-level value is not a dictionary")
	}

	announce, ok := root["announce"].(string)
	if !ok {
		return nil, malformed("'announce' missing or not a string")
	}

	infoRaw, ok := root["info"]
	if !ok {
		return nil, malformed("'info' missing")
	}
	infoDict, ok := infoRaw.(map[string]any)
	if !ok {
		return nil, malformed("'info' is not a dictionary")
	}

	name, ok := infoDict["name"].(string)
	if !ok || name == "" {
		return nil, malformed("'info.name' missing or not a string")
	}

	length, err := toPositiveInt(infoDict["length"])
	if err != nil {
		return nil, malformed("'info.length': " + err.Error())
	}

	pieceLength, err := toPositiveInt(infoDict["piece length"])
	if err != nil {
		return nil, malformed("'info.piece length': " + err.Error())
	}

	piecesRaw, ok := infoDict["pieces"].(string)
	if !ok {
		return nil, malformed("'info.pieces' missing or not a string")
	}
	if len(piecesRaw)%HashSize != 0 {
		return nil, malformed("'info.pieces' length is not a multiple of 20")
	}
	pieceCount := len(piecesRaw) / HashSize
	pieces := make([][HashSize]byte, pieceCount)
	for i := 0; i < pieceCount; i++ {
		copy(pieces[i][:], piecesRaw[i*HashSize:(i+1)*HashSize])
	}

	if int64(pieceCount-1)*pieceLength >= length || length > int64(pieceCount)*pieceLength {
		return nil, malformed("length inconsistent with piece count and piece length")
	}

	infoHashBytes, err := bencode.Marshal(infoDict)
	if err != nil {
		return nil, fmt.Errorf("metainfo: re-encoding info dict: %w", err)
	}
	infoHash := sha1.Sum(infoHashBytes)

	announceList, err := parseAnnounceList(root["announce-list"])
	if err != nil {
		return nil, err
	}

	return &Metainfo{
		Announce:     announce,
		AnnounceList: announceList,
		Name:         name,
		Length:       length,
		PieceLength:  pieceLength,
		Pieces:       pieces,
		InfoHash:     infoHash,
	}, nil
}

// PieceCount returns the number of pieces described by the metainfo.
func (m *Metainfo) PieceCount() int { return len(m.Pieces) }

// PieceSize returns the size in bytes of piece index i, accounting for the
// short final piece (spec.md §3/§4.3).
func (m *Metainfo) PieceSize(index int) (int64, error) {
	n := m.PieceCount()
	if index < 0 || index >= n {
		return 0, errors.New("metainfo: piece index out of range")
	}
	if index < n-1 {
		return m.PieceLength, nil
	}
	return m.Length - int64(n-1)*m.PieceLength, nil
}

func toPositiveInt(v any) (int64, error) {
	n, ok := v.(int64)
	if !ok {
		return 0, errors.New("missing or not an integer")
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}

func parseAnnounceList(v any) ([][]string, error) {
	if v == nil {
		return nil, nil
	}
	tiers, ok := v.([]any)
	if !ok {
		return nil, malformed("'announce-list' is not a list")
	}

	out := make([][]string, 0, len(tiers))
	for _, tierRaw := range tiers {
		tierList, ok := tierRaw.([]any)
		if !ok {
			return nil, malformed("'announce-list' tier is not a list")
		}
		tier := make([]string, 0, len(tierList))
		for _, urlRaw := range tierList {
			url, ok := urlRaw.(string)
			if !ok {
				return nil, malformed("'announce-list' entry is not a string")
			}
			tier = append(tier, url)
		}
		if len(tier) > 0 {
			out = append(out, tier)
		}
	}
	return out, nil
}
