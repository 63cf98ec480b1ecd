package vault

import (
	"strings"

	"github.com/alanyoungcy/txnbridge/internal/domain"
)

const maskedSecret = "********"

// Mask returns a display-safe copy of creds. Values under sensitive keys are
// replaced entirely; other values keep their first four characters.
func Mask(creds domain.Credentials) map[string]string {
	out := make(map[string]string, len(creds))
	for k, v := range creds {
		switch {
		case domain.IsSensitiveKey(k):
			out[k] = maskedSecret
		case len(v) <= 4:
			out[k] = strings.Repeat("*", len(v))
		default:
			out[k] = v[:4] + strings.Repeat("*", min(len(v)-4, 8))
		}
	}
	return out
}
