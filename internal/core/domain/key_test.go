package domain

import (
	"testing"
)

func TestKeyEncodeDecode_RoundTrip(t *testing.T) {
	cases := []Key{
		{Owner: "u1", Namespace: "trades_recent", Logical: "latest"},
		{Owner: "", Namespace: "account", Logical: "current"},
		{Owner: "user:with:colons", Namespace: "ns", Logical: "a:b:c"},
		{Owner: "pct%owner", Namespace: "n%s", Logical: "l%3Aog"},
	}

	for _, k := range cases {
		decoded, err := DecodeKey(k.Encode())
		if err != nil {
			t.Fatalf("decode %q: %v", k.Encode(), err)
		}
		if decoded != k {
			t.Errorf("round trip mismatch: got %+v, want %+v", decoded, k)
		}
	}
}

func TestKeyEncode_SeparatorCannotCollide(t *testing.T) {
	// A logical key containing the separator must not produce the same
	// storage key as a genuinely different namespace split.
	a := Key{Owner: "u1", Namespace: "calendar", Logical: "2026:01"}
	b := Key{Owner: "u1", Namespace: "calendar:2026", Logical: "01"}

	if a.Encode() == b.Encode() {
		t.Errorf("expected distinct encodings, both got %q", a.Encode())
	}
}

func TestDecodeKey_Malformed(t *testing.T) {
	if _, err := DecodeKey("only-one-part"); err == nil {
		t.Error("expected error for malformed key")
	}
}
