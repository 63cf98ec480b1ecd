package s3blob

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/txnbridge/internal/domain"
)

// PayloadArchive keeps the raw body of every accepted webhook for replay and
// dispute investigation.
type PayloadArchive struct {
	writer domain.BlobWriter
}

// NewPayloadArchive creates a PayloadArchive on top of writer.
func NewPayloadArchive(writer domain.BlobWriter) *PayloadArchive {
	return &PayloadArchive{writer: writer}
}

// Store uploads body under
//
//	webhooks/<connector>/<yyyy>/<mm>/<dd>/<event>.json
//
// Redelivered events overwrite their earlier copy.
func (p *PayloadArchive) Store(ctx context.Context, connectorID, eventID string, body []byte, at time.Time) error {
	key := payloadPath(connectorID, eventID, at)
	if err := p.writer.Put(ctx, key, bytes.NewReader(body), "application/json"); err != nil {
		return fmt.Errorf("s3blob: store webhook payload: %w", err)
	}
	return nil
}

func payloadPath(connectorID, eventID string, at time.Time) string {
	return fmt.Sprintf("webhooks/%s/%s/%s.json",
		safeSegment(connectorID), at.UTC().Format("2006/01/02"), safeSegment(eventID))
}

// safeSegment keeps caller-supplied ids from introducing extra path levels.
func safeSegment(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, s)
}
