// Package crypto provides credential sealing for the vault and the HMAC
// helpers used to authenticate inbound webhooks.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// pbkdf2Iterations is the OWASP-recommended minimum for HMAC-SHA256.
	pbkdf2Iterations = 480_000
	aesKeyLen        = 32
	gcmTagLen        = 16
	currentVersion   = 1

	// MinSecretLen is the shortest operator secret accepted for key derivation.
	MinSecretLen = 32
)

// appSalt is fixed so the same operator secret always derives the same key
// across restarts and instances.
var appSalt = []byte("txnbridge/credential-vault/v1")

// ErrTampered is returned when a sealed blob fails authentication.
var ErrTampered = errors.New("crypto: sealed data failed authentication")

// envelope is the persisted format of one sealed blob.
type envelope struct {
	Version    int    `json:"version"`
	Nonce      string `json:"nonce"`      // base64 standard encoding
	Tag        string `json:"tag"`        // base64 standard encoding
	Ciphertext string `json:"ciphertext"` // base64 standard encoding
}

// Sealer encrypts and decrypts credential blobs with AES-256-GCM.
type Sealer struct {
	aead      cipher.AEAD
	ephemeral bool
}

// NewSealer derives the data key from secret once with PBKDF2-HMAC-SHA256.
func NewSealer(secret string) (*Sealer, error) {
	if len(secret) < MinSecretLen {
		return nil, fmt.Errorf("crypto: vault secret must be at least %d characters", MinSecretLen)
	}
	key := pbkdf2.Key([]byte(secret), appSalt, pbkdf2Iterations, aesKeyLen, sha256.New)
	return newSealer(key, false)
}

// NewEphemeralSealer uses a random key that dies with the process. Blobs
// sealed by it cannot be read after a restart.
func NewEphemeralSealer() (*Sealer, error) {
	key := make([]byte, aesKeyLen)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("crypto: generating key: %w", err)
	}
	return newSealer(key, true)
}

func newSealer(key []byte, ephemeral bool) (*Sealer, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM: %w", err)
	}
	return &Sealer{aead: gcm, ephemeral: ephemeral}, nil
}

// Ephemeral reports whether the key was generated at start-up.
func (s *Sealer) Ephemeral() bool { return s.ephemeral }

// Seal encrypts plaintext bound to aad and returns the JSON envelope.
func (s *Sealer) Seal(plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}
	sealed := s.aead.Seal(nil, nonce, plaintext, aad)
	ct, tag := sealed[:len(sealed)-gcmTagLen], sealed[len(sealed)-gcmTagLen:]

	return json.Marshal(envelope{
		Version:    currentVersion,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Tag:        base64.StdEncoding.EncodeToString(tag),
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
	})
}

// Open decrypts an envelope produced by Seal with the same aad.
func (s *Sealer) Open(data, aad []byte) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("crypto: parsing envelope: %w", err)
	}
	if env.Version != currentVersion {
		return nil, fmt.Errorf("crypto: unsupported envelope version %d", env.Version)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding nonce: %w", err)
	}
	tag, err := base64.StdEncoding.DecodeString(env.Tag)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding tag: %w", err)
	}
	ct, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding ciphertext: %w", err)
	}
	if len(nonce) != s.aead.NonceSize() || len(tag) != gcmTagLen {
		return nil, ErrTampered
	}

	plaintext, err := s.aead.Open(nil, nonce, append(ct, tag...), aad)
	if err != nil {
		return nil, ErrTampered
	}
	return plaintext, nil
}
