// Package audit records security events (failed logins, rate-limit blocks,
// token reuse) to an external sink for later review.
package audit

import (
	"context"
	"time"

	"wace-auth/internal/models"

	"github.com/google/uuid"
)

type Recorder interface {
	Record(ctx context.Context, event models.SecurityEvent) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Record(context.Context, models.SecurityEvent) error { return nil }

// normalize fills the ID and timestamp when the caller left them empty.
func normalize(e models.SecurityEvent, now time.Time) models.SecurityEvent {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = now
	}
	e.OccurredAt = e.OccurredAt.UTC()
	return e
}
