package webhook

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/alanyoungcy/txnbridge/internal/crypto"
)

// ErrNotConfigured is returned by a Verifier that has no secret or key
// source. The gateway rejects such requests in production and lets them
// through with a warning elsewhere.
var ErrNotConfigured = errors.New("webhook: verifier not configured")

// ErrInvalidSignature wraps every authenticity failure.
var ErrInvalidSignature = errors.New("webhook: invalid signature")

// Verifier checks that a raw body was sent by the provider.
type Verifier interface {
	Verify(ctx context.Context, header http.Header, body []byte) error
}

// HMACHexVerifier checks a hex HMAC-SHA256 of the raw body carried in one
// header. Wise and Apideck sign this way.
type HMACHexVerifier struct {
	Header string
	Secret string
}

func (v HMACHexVerifier) Verify(_ context.Context, header http.Header, body []byte) error {
	if v.Secret == "" {
		return ErrNotConfigured
	}
	sig := header.Get(v.Header)
	if sig == "" {
		return fmt.Errorf("%w: missing %s header", ErrInvalidSignature, v.Header)
	}
	if err := crypto.VerifyHex([]byte(v.Secret), body, sig); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	return nil
}

// SvixVerifier checks the webhook-id/webhook-timestamp/webhook-signature
// scheme used by Basiq.
type SvixVerifier struct {
	Secret    string
	Tolerance time.Duration
	Now       func() time.Time
}

func (v SvixVerifier) Verify(_ context.Context, header http.Header, body []byte) error {
	if v.Secret == "" {
		return ErrNotConfigured
	}
	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}
	err := crypto.VerifySvix(crypto.SvixParams{
		ID:        header.Get("webhook-id"),
		Timestamp: header.Get("webhook-timestamp"),
		Signature: header.Get("webhook-signature"),
		Secret:    v.Secret,
		Tolerance: v.Tolerance,
		Now:       now,
	}, body)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	return nil
}

// MaxTokenAge bounds how old a signed verification token may be.
const MaxTokenAge = 5 * time.Minute

// JWKVerifier checks Plaid's Plaid-Verification header: an ES256 JWT whose
// key id names a key served by the provider and whose request_body_sha256
// claim is the hash of the raw body.
type JWKVerifier struct {
	Header string
	Keys   *KeyCache
	MaxAge time.Duration
	Now    func() time.Time
}

type bodyHashClaims struct {
	RequestBodySHA256 string `json:"request_body_sha256"`
}

func (v JWKVerifier) Verify(ctx context.Context, header http.Header, body []byte) error {
	if v.Keys == nil {
		return ErrNotConfigured
	}
	name := v.Header
	if name == "" {
		name = "Plaid-Verification"
	}
	raw := strings.TrimSpace(header.Get(name))
	if raw == "" {
		return fmt.Errorf("%w: missing %s header", ErrInvalidSignature, name)
	}

	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.ES256})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	if len(tok.Headers) == 0 || tok.Headers[0].KeyID == "" {
		return fmt.Errorf("%w: token has no key id", ErrInvalidSignature)
	}

	key, err := v.Keys.Get(ctx, tok.Headers[0].KeyID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}

	var std jwt.Claims
	var custom bodyHashClaims
	if err := tok.Claims(key.Key, &std, &custom); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}

	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}
	maxAge := v.MaxAge
	if maxAge <= 0 {
		maxAge = MaxTokenAge
	}
	if std.IssuedAt == nil {
		return fmt.Errorf("%w: token has no iat", ErrInvalidSignature)
	}
	age := now.Sub(std.IssuedAt.Time())
	if age > maxAge || age < -maxAge {
		return fmt.Errorf("%w: token issued %s ago", ErrInvalidSignature, age.Round(time.Second))
	}

	sum := sha256.Sum256(body)
	want := hex.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(want), []byte(strings.ToLower(custom.RequestBodySHA256))) != 1 {
		return fmt.Errorf("%w: body hash mismatch", ErrInvalidSignature)
	}
	return nil
}
