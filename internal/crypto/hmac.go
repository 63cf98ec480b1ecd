package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	ErrSignatureMismatch = errors.New("crypto: signature mismatch")
	ErrTimestampSkew     = errors.New("crypto: timestamp outside tolerance")
	ErrMalformedHeader   = errors.New("crypto: malformed signature header")
)

// SignSHA256Hex returns hex(HMAC-SHA256(secret, body)).
func SignSHA256Hex(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignSHA256Base64 returns base64(HMAC-SHA256(secret, body)).
func SignSHA256Base64(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Equal compares two signatures in constant time.
func Equal(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}

// VerifyHex checks a hex HMAC-SHA256 signature over body. A "sha256=" prefix
// on the header value is accepted and the hex comparison is case-insensitive.
func VerifyHex(secret, body []byte, signature string) error {
	sig := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(signature, "sha256=")))
	if sig == "" {
		return ErrMalformedHeader
	}
	if !Equal(SignSHA256Hex(secret, body), sig) {
		return ErrSignatureMismatch
	}
	return nil
}

// SvixParams are the inputs of the svix-style scheme used by Basiq.
type SvixParams struct {
	ID        string // webhook-id header
	Timestamp string // webhook-timestamp header, unix seconds
	Signature string // webhook-signature header, space separated "v1,<b64>"
	Secret    string // "whsec_" prefixed base64 secret
	Tolerance time.Duration
	Now       time.Time
}

// VerifySvix checks a svix-style signature over "id.timestamp.body".
func VerifySvix(p SvixParams, body []byte) error {
	if p.ID == "" || p.Timestamp == "" || p.Signature == "" {
		return ErrMalformedHeader
	}
	ts, err := strconv.ParseInt(p.Timestamp, 10, 64)
	if err != nil {
		return ErrMalformedHeader
	}
	if p.Tolerance <= 0 {
		p.Tolerance = 5 * time.Minute
	}
	if p.Now.IsZero() {
		p.Now = time.Now()
	}
	skew := p.Now.Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > p.Tolerance {
		return ErrTimestampSkew
	}

	key, err := svixKey(p.Secret)
	if err != nil {
		return err
	}
	signed := make([]byte, 0, len(p.ID)+len(p.Timestamp)+len(body)+2)
	signed = append(signed, p.ID...)
	signed = append(signed, '.')
	signed = append(signed, p.Timestamp...)
	signed = append(signed, '.')
	signed = append(signed, body...)
	expected := SignSHA256Base64(key, signed)

	for _, part := range strings.Fields(p.Signature) {
		version, sig, ok := strings.Cut(part, ",")
		if !ok || version != "v1" {
			continue
		}
		if Equal(expected, sig) {
			return nil
		}
	}
	return ErrSignatureMismatch
}

// SignSvix produces a "v1,<sig>" header value, used by tests and tooling.
func SignSvix(secret, id, timestamp string, body []byte) (string, error) {
	key, err := svixKey(secret)
	if err != nil {
		return "", err
	}
	msg := id + "." + timestamp + "." + string(body)
	return "v1," + SignSHA256Base64(key, []byte(msg)), nil
}

func svixKey(secret string) ([]byte, error) {
	raw := strings.TrimPrefix(secret, "whsec_")
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, errors.New("crypto: webhook secret is not valid base64")
	}
	return key, nil
}
