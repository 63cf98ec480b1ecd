package crypto

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef-vault"

func TestSealerRoundTrip(t *testing.T) {
	s, err := NewSealer(testSecret)
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	plain := []byte(`{"apiKey":"k-123"}`)
	sealed, err := s.Seal(plain, []byte("conn-1"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(sealed, []byte("k-123")) {
		t.Fatal("plaintext visible in envelope")
	}
	var env map[string]any
	if err := json.Unmarshal(sealed, &env); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"version", "nonce", "tag", "ciphertext"} {
		if _, ok := env[k]; !ok {
			t.Errorf("envelope missing %s", k)
		}
	}

	// A second sealer from the same secret must read the blob.
	s2, err := NewSealer(testSecret)
	if err != nil {
		t.Fatal(err)
	}
	got, err := s2.Open(sealed, []byte("conn-1"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("got %q", got)
	}
}

func TestSealerFailsClosed(t *testing.T) {
	s, _ := NewSealer(testSecret)
	sealed, _ := s.Seal([]byte("secret"), []byte("conn-1"))

	if _, err := s.Open(sealed, []byte("conn-2")); !errors.Is(err, ErrTampered) {
		t.Errorf("wrong aad: err = %v", err)
	}

	var env envelope
	_ = json.Unmarshal(sealed, &env)
	ct, _ := base64.StdEncoding.DecodeString(env.Ciphertext)
	ct[0] ^= 0xff
	env.Ciphertext = base64.StdEncoding.EncodeToString(ct)
	tampered, _ := json.Marshal(env)
	if _, err := s.Open(tampered, []byte("conn-1")); !errors.Is(err, ErrTampered) {
		t.Errorf("tampered ciphertext: err = %v", err)
	}

	other, _ := NewSealer(strings.Repeat("z", 40))
	if _, err := other.Open(sealed, []byte("conn-1")); !errors.Is(err, ErrTampered) {
		t.Errorf("wrong key: err = %v", err)
	}
}

func TestNewSealerRejectsShortSecret(t *testing.T) {
	if _, err := NewSealer("short"); err == nil {
		t.Fatal("expected error for short secret")
	}
}

func TestEphemeralSealer(t *testing.T) {
	s, err := NewEphemeralSealer()
	if err != nil {
		t.Fatal(err)
	}
	if !s.Ephemeral() {
		t.Fatal("not marked ephemeral")
	}
	sealed, _ := s.Seal([]byte("x"), nil)
	if _, err := s.Open(sealed, nil); err != nil {
		t.Fatal(err)
	}
}

func TestVerifyHex(t *testing.T) {
	secret := []byte("shh")
	body := []byte(`{"eventType":"balances#credit"}`)
	sig := SignSHA256Hex(secret, body)

	if err := VerifyHex(secret, body, sig); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
	if err := VerifyHex(secret, body, "sha256="+strings.ToUpper(sig)); err != nil {
		t.Fatalf("prefixed signature rejected: %v", err)
	}
	tampered := bytes.Clone(body)
	tampered[5] ^= 0x01
	if err := VerifyHex(secret, tampered, sig); !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("tampered body: err = %v", err)
	}
	if err := VerifyHex(secret, body, ""); !errors.Is(err, ErrMalformedHeader) {
		t.Fatalf("empty header: err = %v", err)
	}
}

func TestVerifySvix(t *testing.T) {
	secret := "whsec_" + base64.StdEncoding.EncodeToString([]byte("basiq-signing-key"))
	body := []byte(`{"eventTypeId":"transactions.updated"}`)
	now := time.Unix(1_700_000_000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)

	sig, err := SignSvix(secret, "msg_1", ts, body)
	if err != nil {
		t.Fatal(err)
	}
	params := SvixParams{ID: "msg_1", Timestamp: ts, Signature: "v1,bogus " + sig, Secret: secret, Now: now}
	if err := VerifySvix(params, body); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}

	late := params
	late.Now = now.Add(6 * time.Minute)
	if err := VerifySvix(late, body); !errors.Is(err, ErrTimestampSkew) {
		t.Fatalf("stale timestamp: err = %v", err)
	}

	if err := VerifySvix(params, append(bytes.Clone(body), ' ')); !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("tampered body: err = %v", err)
	}

	missing := params
	missing.ID = ""
	if err := VerifySvix(missing, body); !errors.Is(err, ErrMalformedHeader) {
		t.Fatalf("missing id: err = %v", err)
	}
}
