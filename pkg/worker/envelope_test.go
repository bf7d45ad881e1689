package worker

import (
	"errors"
	"testing"
)

func TestNewCodec(t *testing.T) {
	if c, err := NewCodec("", ""); err != nil || c == nil {
		t.Errorf("NewCodec(\"\") = %v, %v", c, err)
	}
	if _, err := NewCodec(CodecSealed, ""); err == nil {
		t.Error("sealed codec without secret should fail")
	}
	if _, err := NewCodec("rot13", ""); err == nil {
		t.Error("unknown codec should fail")
	}
}

func TestSealedCodec_RoundTrip(t *testing.T) {
	c, err := NewSealedCodec("shared secret")
	if err != nil {
		t.Fatalf("NewSealedCodec: %v", err)
	}

	blob, err := c.Encode(`{"operator_id":1}`, 99)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if blob == `{"operator_id":1}` {
		t.Fatal("blob should not be the plaintext")
	}
	plain, err := c.Decode(blob, 99)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if plain != `{"operator_id":1}` {
		t.Errorf("Decode() = %q", plain)
	}

	again, _ := c.Encode(`{"operator_id":1}`, 99)
	if again == blob {
		t.Error("each seal should use a fresh nonce")
	}
}

func TestSealedCodec_Rejects(t *testing.T) {
	c, _ := NewSealedCodec("k1")
	other, _ := NewSealedCodec("k2")
	blob, _ := c.Encode("hello", 7)
	tampered := []byte(blob)
	if tampered[40] == 'A' {
		tampered[40] = 'B'
	} else {
		tampered[40] = 'A'
	}

	tests := []struct {
		name    string
		codec   Codec
		blob    string
		eventID uint64
	}{
		{"wrong event id", c, blob, 8},
		{"wrong key", other, blob, 7},
		{"not base64", c, "%%%", 7},
		{"too short", c, "AAAA", 7},
		{"tampered", c, string(tampered), 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.codec.Decode(tt.blob, tt.eventID); !errors.Is(err, ErrEnvelope) {
				t.Errorf("expected ErrEnvelope, got %v", err)
			}
		})
	}
}

func TestEnvelope_SealOpen(t *testing.T) {
	codec, _ := NewSealedCodec("secret")
	env := Envelope{Codec: codec, AuthCode: DefaultAuthCode}

	text, err := env.Seal(12, 34, `{"func":"f"}`)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	base, info, err := env.Open(text)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if base.EventID != 12 || info.OperatorID != 34 || info.Payload != `{"func":"f"}` {
		t.Errorf("unexpected envelope %+v %+v", base, info)
	}
	if info.AuthCode != 0x24420251131 {
		t.Errorf("auth code = %#x", info.AuthCode)
	}
}

func TestEnvelope_OpenErrors(t *testing.T) {
	env := Envelope{Codec: PlainCodec{}}
	for _, text := range []string{"", "not json", `{"event_id":1,"payload":"not json"}`} {
		if _, _, err := env.Open(text); err == nil {
			t.Errorf("Open(%q) should fail", text)
		}
	}
}
