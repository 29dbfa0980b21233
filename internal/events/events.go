// Package events publishes membership lifecycle events. Publishing is best
// effort: a broker outage never fails a link or a reconciliation step.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"clublink/pkg/requestcontext"
)

type Type string

const (
	TypeLinked  Type = "membership.linked"
	TypeExpired Type = "membership.expired"
	TypeRemoved Type = "membership.removed"
)

// Event is the JSON payload written to the events topic.
type Event struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	OrgID      string    `json:"org_id"`
	PlatformID string    `json:"platform_id"`
	ExpiryYear int       `json:"expiry_year,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// New stamps an event with a fresh id and the context's time.
func New(ctx context.Context, typ Type, orgID, platformID string, expiryYear int) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       typ,
		OrgID:      orgID,
		PlatformID: platformID,
		ExpiryYear: expiryYear,
		OccurredAt: requestcontext.Now(ctx).UTC(),
	}
}

// Publisher delivers lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Noop discards events. It is used when no brokers are configured.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }

// Emit publishes e and logs, rather than returns, any failure.
func Emit(ctx context.Context, p Publisher, logger *slog.Logger, e Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, e); err != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.WarnContext(ctx, "failed to publish membership event",
			"type", string(e.Type),
			"org_id", e.OrgID,
			"error", err,
		)
	}
}

// Recorder keeps published events in memory for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	Err    error
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of the recorded events in publish order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
