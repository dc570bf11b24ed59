package bencode

import (
	"testing"
)

func TestDecode_Primitives(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want any
	}{
		{"string", "4:spam", "spam"},
		{"empty-string", "0:", ""},
		{"int", "i42e", int64(42)},
		{"neg-int", "i-42e", int64(-42)},
		{"zero", "i0e", int64(0)},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Unmarshal([]byte(tc.in))
			if err != nil {
				t.Fatalf("Unmarshal(%q) error: %v", tc.in, err)
			}
			if got != tc.want {
				t.Fatalf("Unmarshal(%q) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestDecode_List(t *testing.T) {
	got, err := Unmarshal([]byte("li1e4:spami2ee"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []any{int64(1), "spam", int64(2)}
	list, ok := got.([]any)
	if !ok || len(list) != len(want) {
		t.Fatalf("got %#v, want %#v", got, want)
	}
	for i := range want {
		if list[i] != want[i] {
			t.Fatalf("index %d: got %v, want %v", i, list[i], want[i])
		}
	}
}

func TestDecode_Dict(t *testing.T) {
	got, err := Unmarshal([]byte("d3:bar4:spam3:fooi42ee"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	dict, ok := got.(map[string]any)
	if !ok {
		t.Fatalf("got %#v, want map", got)
	}
	if dict["bar"] != "spam" || dict["foo"] != int64(42) {
		t.Fatalf("got %#v", dict)
	}
}

func TestDecode_Invalid(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"leading-zero-int", "i01e"},
		{"negative-zero", "i-0e"},
		{"empty-int-digits", "ie"},
		{"leading-zero-strlen", "01:a"},
		{"short-string", "5:ab"},
		{"unterminated-list", "li1e"},
		{"trailing-data", "i1ei2e"},
		{"duplicate-key", "d1:ai1e1:ai2ee"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Unmarshal([]byte(tc.in)); err == nil {
				t.Fatalf("Unmarshal(%q): expected error, got nil", tc.in)
			}
		})
	}
}

func TestParseError_HasOffset(t *testing.T) {
	_, err := Unmarshal([]byte("i01e"))
	if err == nil {
		t.Fatalf("expected error")
	}
	pe, ok := err.(*ParseError)
	if !ok {
		t.Fatalf("expected *ParseError, got %T", err)
	}
	if pe.Offset <= 0 {
		t.Fatalf("expected positive offset, got %d", pe.Offset)
	}
}

func TestDecodeEncode_RoundTrip(t *testing.T) {
	canonical := "d8:announce14:http://tracker4:infod6:lengthi1024e4:name10:ubuntu.iso6:pieces6:abcdefee"

	v, err := Unmarshal([]byte(canonical))
	if err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}

	b, err := Marshal(v)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	if string(b) != canonical {
		t.Fatalf("got %q, want %q", b, canonical)
	}
}
