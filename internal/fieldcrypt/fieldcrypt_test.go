package fieldcrypt

import (
	"bytes"
	"strings"
	"testing"
)

func testCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := New(bytes.Repeat([]byte{0x42}, 32))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func TestEncryptField_RoundTrip(t *testing.T) {
	c := testCodec(t)

	plain := "the raw prompt text with user content"
	sealed, err := c.EncryptField(plain)
	if err != nil {
		t.Fatalf("EncryptField() error = %v", err)
	}

	if !strings.HasPrefix(sealed, "enc:") {
		t.Errorf("envelope missing enc: tag: %q", sealed)
	}
	if strings.Contains(sealed, plain) {
		t.Errorf("ciphertext contains plaintext: %q", sealed)
	}
	if parts := strings.Split(sealed, ":"); len(parts) != 3 {
		t.Errorf("envelope has %d segments, want 3", len(parts))
	}

	got, err := c.DecryptField(sealed)
	if err != nil {
		t.Fatalf("DecryptField() error = %v", err)
	}
	if got != plain {
		t.Errorf("round trip = %q, want %q", got, plain)
	}
}

func TestEncryptField_FreshIV(t *testing.T) {
	c := testCodec(t)

	a, _ := c.EncryptField("same input")
	b, _ := c.EncryptField("same input")
	if a == b {
		t.Error("two encryptions of the same plaintext produced identical envelopes")
	}
}

func TestDecryptField_PassthroughUntagged(t *testing.T) {
	c := testCodec(t)

	got, err := c.DecryptField("legacy plaintext row")
	if err != nil {
		t.Fatalf("DecryptField() error = %v", err)
	}
	if got != "legacy plaintext row" {
		t.Errorf("passthrough = %q", got)
	}
}

func TestDecryptField_RejectsTampering(t *testing.T) {
	c := testCodec(t)

	sealed, _ := c.EncryptField("payload")
	tampered := sealed[:len(sealed)-2] + "00"
	if tampered == sealed {
		tampered = sealed[:len(sealed)-2] + "11"
	}

	if _, err := c.DecryptField(tampered); err == nil {
		t.Error("tampered ciphertext decrypted without error")
	}

	if _, err := c.DecryptField("enc:nothex:alsonothex"); err == nil {
		t.Error("malformed envelope decrypted without error")
	}
}

func TestParseKey_Formats(t *testing.T) {
	raw := strings.Repeat("k", 32)
	if _, err := ParseKey(raw); err != nil {
		t.Errorf("raw key rejected: %v", err)
	}
	if _, err := ParseKey("4b4b4b4b4b4b4b4b4b4b4b4b4b4b4b4b4b4b4b4b4b4b4b4b4b4b4b4b4b4b4b4b"); err != nil {
		t.Errorf("hex key rejected: %v", err)
	}
	if _, err := ParseKey("short"); err == nil {
		t.Error("short key accepted")
	}
}

func TestNormalizeSessionID_Deterministic(t *testing.T) {
	a := NormalizeSessionID("agent-session-42")
	b := NormalizeSessionID("agent-session-42")
	if a != b {
		t.Errorf("same input normalized differently: %q vs %q", a, b)
	}

	other := NormalizeSessionID("agent-session-43")
	if other == a {
		t.Errorf("distinct inputs collided: %q", a)
	}
}

func TestNormalizeSessionID_UUIDPassthrough(t *testing.T) {
	id := "6ba7b810-9dad-11d1-80b4-00c04fd430c8"
	if got := NormalizeSessionID(id); got != id {
		t.Errorf("canonical UUID changed: %q", got)
	}
	if got := NormalizeSessionID(strings.ToUpper(id)); got != id {
		t.Errorf("uppercase UUID not canonicalized: %q", got)
	}
}

func TestNormalizeSessionID_NeutralizesHostileInput(t *testing.T) {
	hostile := []string{
		"../../etc/passwd",
		"session\x00id",
		"'; DROP TABLE telemetry_events; --",
	}
	for _, raw := range hostile {
		got := NormalizeSessionID(raw)
		if strings.ContainsAny(got, "./'\x00;") && len(got) != 36 {
			t.Errorf("NormalizeSessionID(%q) = %q, not a UUID", raw, got)
		}
		if len(got) != 36 {
			t.Errorf("NormalizeSessionID(%q) length = %d, want 36", raw, len(got))
		}
	}
}
