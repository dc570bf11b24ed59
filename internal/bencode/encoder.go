package bencode

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strconv"
)

// Marshal returns the bencoded form of v.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	e := NewEncoder(&buf)

	if err := e.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Encoder writes bencoded values to an io.Writer.
type Encoder struct {
	w io.Writer
}

// NewEncoder returns a new Encoder that writes to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes the bencoded representation of v to the underlying writer.
//
// Supported types: string, []byte, int/int8.../int64, uint/uint8.../uint64,
// []any, map[string]any. Dictionary keys are emitted in ascending byte
// order, which is required for info-hash re-encoding to be byte-exact.
// Unlike the decoder's tagged-variant Data Model, Go has no closed sum type
// to switch on; bool is deliberately not one of the supported cases below,
// since the Data Model this encoder implements has no boolean kind (it is
// {int64, bytes, list, ordered-map} only) — a bool argument is a caller
// bug, not a 0/1 integer to encode silently.
func (e *Encoder) Encode(v any) error {
	return e.encode(v, "")
}

func (e *Encoder) encode(v any, path string) error {
	switch x := v.(type) {
	case string:
		return e.encodeString(x)
	case []byte:
		return e.encodeString(string(x))
	case int:
		return e.encodeInt64(int64(x))
	case int8:
		return e.encodeInt64(int64(x))
	case int16:
		return e.encodeInt64(int64(x))
	case int32:
		return e.encodeInt64(int64(x))
	case int64:
		return e.encodeInt64(x)
	case uint:
		return e.encodeUint(uint64(x))
	case uint8:
		return e.encodeUint(uint64(x))
	case uint16:
		return e.encodeUint(uint64(x))
	case uint32:
		return e.encodeUint(uint64(x))
	case uint64:
		return e.encodeUint(x)
	case []any:
		return e.encodeSlice(x, path)
	case map[string]any:
		return e.encodeDict(x, path)
	default:
		return &EncodeError{Path: path, Msg: fmt.Sprintf("unsupported datatype '%T'", v)}
	}
}

func (e *Encoder) encodeInt64(n int64) error {
	if _, err := e.w.Write([]byte{TokenInteger.Byte()}); err != nil {
		return err
	}

	var buf [32]byte
	b := strconv.AppendInt(buf[:0], n, 10)
	if _, err := e.w.Write(b); err != nil {
		return err
	}

	_, err := e.w.Write([]byte{TokenEnding.Byte()})
	return err
}

func (e *Encoder) encodeUint(u uint64) error {
	if _, err := e.w.Write([]byte{TokenInteger.Byte()}); err != nil {
		return err
	}

	var buf [32]byte
	b := strconv.AppendUint(buf[:0], u, 10)
	if _, err := e.w.Write(b); err != nil {
		return err
	}

	_, err := e.w.Write([]byte{TokenEnding.Byte()})
	return err
}

func (e *Encoder) encodeString(s string) error {
	var buf [32]byte
	b := strconv.AppendInt(buf[:0], int64(len(s)), 10)
	if _, err := e.w.Write(b); err != nil {
		return err
	}
	if _, err := e.w.Write([]byte{TokenStringSeparator.Byte()}); err != nil {
		return err
	}

	_, err := io.WriteString(e.w, s)
	return err
}

func (e *Encoder) encodeSlice(xs []any, path string) error {
	if _, err := e.w.Write([]byte{TokenList.Byte()}); err != nil {
		return err
	}
	for i, v := range xs {
		if err := e.encode(v, fmt.Sprintf("%s[%d]", path, i)); err != nil {
			return err
		}
	}
	_, err := e.w.Write([]byte{TokenEnding.Byte()})
	return err
}

func (e *Encoder) encodeDict(m map[string]any, path string) error {
	if _, err := e.w.Write([]byte{TokenDict.Byte()}); err != nil {
		return err
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := e.encodeString(k); err != nil {
			return err
		}
		if err := e.encode(m[k], path+"."+k); err != nil {
			return err
		}
	}

	_, err := e.w.Write([]byte{TokenEnding.Byte()})
	return err
}
