package domain

import (
	"strings"
	"time"
)

// AuditAction names a security-relevant operation.
type AuditAction string

const (
	AuditConnect          AuditAction = "connect"
	AuditDisconnect       AuditAction = "disconnect"
	AuditSync             AuditAction = "sync"
	AuditSyncComplete     AuditAction = "sync_complete"
	AuditTokenExchange    AuditAction = "token_exchange"
	AuditTokenRefresh     AuditAction = "token_refresh"
	AuditCredentialStore  AuditAction = "credential_store"
	AuditCredentialAccess AuditAction = "credential_access"
	AuditCredentialUpdate AuditAction = "credential_update"
	AuditCredentialDelete AuditAction = "credential_delete"
	AuditAccountList      AuditAction = "account_list"
	AuditTransactionFetch AuditAction = "transaction_fetch"
	AuditWebhookReceive   AuditAction = "webhook_receive"
	AuditError            AuditAction = "error"
	AuditSecurityAlert    AuditAction = "security_alert"
)

// AuditStatus is the outcome of an audited operation.
type AuditStatus string

const (
	AuditSuccess AuditStatus = "success"
	AuditFailure AuditStatus = "failure"
	AuditPending AuditStatus = "pending"
)

// AuditEntry is one append-only audit row.
type AuditEntry struct {
	ID           int64          `json:"id"`
	Action       AuditAction    `json:"action"`
	Status       AuditStatus    `json:"status"`
	UserID       string         `json:"userId"`
	ConnectionID string         `json:"connectionId,omitempty"`
	ConnectorID  string         `json:"connectorId,omitempty"`
	IPAddress    string         `json:"ipAddress,omitempty"`
	UserAgent    string         `json:"userAgent,omitempty"`
	RequestID    string         `json:"requestId,omitempty"`
	Detail       map[string]any `json:"detail,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	DurationMs   int64          `json:"durationMs,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
}

const redactedValue = "[REDACTED]"

var sensitiveFragments = []string{
	"password", "secret", "token", "key", "credential", "auth", "bearer", "private",
}

// IsSensitiveKey reports whether a field name looks like it holds a secret.
// Matching is by key name only.
func IsSensitiveKey(name string) bool {
	n := strings.ToLower(name)
	for _, f := range sensitiveFragments {
		if strings.Contains(n, f) {
			return true
		}
	}
	return false
}

// RedactDetails returns a deep copy of m with every sensitive key replaced by
// a placeholder. Nested maps and slices are walked recursively.
func RedactDetails(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if IsSensitiveKey(k) {
			out[k] = redactedValue
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

// StripSensitive returns a deep copy of m without sensitive keys at any depth.
func StripSensitive(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if IsSensitiveKey(k) {
			continue
		}
		switch tv := v.(type) {
		case map[string]any:
			out[k] = StripSensitive(tv)
		case []any:
			items := make([]any, len(tv))
			for i, item := range tv {
				if im, ok := item.(map[string]any); ok {
					items[i] = StripSensitive(im)
				} else {
					items[i] = item
				}
			}
			out[k] = items
		default:
			out[k] = v
		}
	}
	return out
}

func redactValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return RedactDetails(tv)
	case map[string]string:
		m := make(map[string]any, len(tv))
		for k, s := range tv {
			m[k] = s
		}
		return RedactDetails(m)
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = redactValue(item)
		}
		return out
	default:
		return v
	}
}
