package bencode

import (
	"bufio"
	"bytes"
	"io"
)

// Unmarshal parses a single complete bencoded value from data and returns
// it. It fails if the input is malformed or has trailing data after the
// first value.
func Unmarshal(data []byte) (any, error) {
	d := NewDecoder(data)

	v, err := d.Decode()
	if err != nil {
		return nil, err
	}

	if _, err := d.r.Peek(1); err == nil {
		return nil, &ParseError{Offset: d.offset, Msg: "trailing data after first value"}
	} else if err != io.EOF {
		return nil, err
	}

	return v, nil
}

// Decoder reads bencoded values from an in-memory byte slice.
//
// A Decoder is safe for use by a single goroutine at a time.
type Decoder struct {
	r        *bufio.Reader
	offset   int
	maxDepth int
}

// NewDecoder returns a new Decoder reading from data.
func NewDecoder(data []byte) *Decoder {
	return &Decoder{
		r:        bufio.NewReader(bytes.NewReader(data)),
		maxDepth: 512,
	}
}

func (d *Decoder) errf(msg string) error {
	return &ParseError{Offset: d.offset, Msg: msg}
}

func (d *Decoder) readByte() (byte, error) {
	b, err := d.r.ReadByte()
	if err != nil {
		return 0, err
	}
	d.offset++
	return b, nil
}

func (d *Decoder) unreadByte() {
	_ = d.r.UnreadByte()
	d.offset--
}

// Decode parses and returns the next bencoded value from the input: one of
// int64, string, []any, or map[string]any.
func (d *Decoder) Decode() (any, error) { return d.decode(0) }

func (d *Decoder) decode(depth int) (any, error) {
	if depth > d.maxDepth {
		return nil, d.errf("max nesting depth exceeded")
	}

	b, err := d.readByte()
	if err != nil {
		return nil, err
	}

	switch b {
	case byte(TokenDict):
		return d.decodeDict(depth + 1)
	case byte(TokenList):
		return d.decodeList(depth + 1)
	case byte(TokenInteger):
		return d.decodeInteger()
	default:
		d.unreadByte()
		return d.decodeString()
	}
}

// decodeInteger parses "i<digits>e". No leading zero is permitted except
// the literal "0"; "-0" is rejected; an empty digit run is rejected.
func (d *Decoder) decodeInteger() (int64, error) {
	neg := false

	b, err := d.readByte()
	if err != nil {
		return 0, err
	}
	if b == '-' {
		neg = true
		b, err = d.readByte()
		if err != nil {
			return 0, err
		}
	}

	if b < '0' || b > '9' {
		return 0, d.errf("invalid integer: expected digit")
	}

	digits := []byte{b}
	firstDigit := b

	for {
		b, err = d.readByte()
		if err != nil {
			return 0, err
		}
		if b == byte(TokenEnding) {
			break
		}
		if b < '0' || b > '9' {
			return 0, d.errf("invalid integer: non-digit character")
		}
		digits = append(digits, b)
		if len(digits) > 20 {
			return 0, d.errf("invalid integer: too many digits")
		}
	}

	if firstDigit == '0' && len(digits) > 1 {
		return 0, d.errf("invalid integer: leading zero")
	}
	if neg && firstDigit == '0' {
		return 0, d.errf("invalid integer: negative zero")
	}

	var n int64
	for _, c := range digits {
		n = n*10 + int64(c-'0')
	}
	if neg {
		n = -n
	}

	return n, nil
}

// decodeString parses "<len>:<bytes>". len is a non-negative decimal
// without leading zeros (except "0" itself).
func (d *Decoder) decodeString() (string, error) {
	b, err := d.readByte()
	if err != nil {
		return "", err
	}
	if b < '0' || b > '9' {
		return "", d.errf("invalid string: expected length digit")
	}

	digits := []byte{b}
	firstDigit := b

	for {
		b, err = d.readByte()
		if err != nil {
			return "", err
		}
		if b == byte(TokenStringSeparator) {
			break
		}
		if b < '0' || b > '9' {
			return "", d.errf("invalid string: non-digit in length")
		}
		digits = append(digits, b)
		if len(digits) > 19 {
			return "", d.errf("invalid string: length too long")
		}
	}

	if firstDigit == '0' && len(digits) > 1 {
		return "", d.errf("invalid string: leading zero in length")
	}

	var length int64
	for _, c := range digits {
		length = length*10 + int64(c-'0')
	}

	buf := make([]byte, length)
	n, err := io.ReadFull(d.r, buf)
	d.offset += n
	if err != nil {
		return "", d.errf("invalid string: short read")
	}

	return string(buf), nil
}

func (d *Decoder) decodeList(depth int) ([]any, error) {
	list := make([]any, 0, 4)

	for {
		next, err := d.r.Peek(1)
		if err != nil {
			return nil, err
		}
		if next[0] == byte(TokenEnding) {
			_, _ = d.readByte()
			break
		}

		v, err := d.decode(depth)
		if err != nil {
			return nil, err
		}
		list = append(list, v)
	}

	return list, nil
}

func (d *Decoder) decodeDict(depth int) (map[string]any, error) {
	dict := make(map[string]any, 8)

	for {
		next, err := d.r.Peek(1)
		if err != nil {
			return nil, err
		}
		if next[0] == byte(TokenEnding) {
			_, _ = d.readByte()
			break
		}

		k, err := d.decodeString()
		if err != nil {
			return nil, err
		}
		if _, dup := dict[k]; dup {
			return nil, d.errf("duplicate dictionary key " + k)
		}

		v, err := d.decode(depth)
		if err != nil {
			return nil, err
		}
		dict[k] = v
	}

	return dict, nil
}
