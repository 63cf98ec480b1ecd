package domain

import "context"

// Alert event names forwarded to operators.
const (
	AlertSecurity         = "security_alert"
	AlertCircuitOpen      = "circuit_open"
	AlertSyncFailed       = "sync_failed"
	AlertDeliveryFailed   = "delivery_failed"
	AlertWebhookUnhandled = "webhook_unhandled"
)

// Alerter raises an operator-facing signal. Implementations must not block
// the caller for long and must never include credential material.
type Alerter interface {
	Alert(ctx context.Context, event, title string, fields map[string]string) error
}
