package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"clublink/pkg/requestcontext"
)

// Publisher records operator log entries. It is append-only and never
// returns an error: a failed write is reported through the structured
// logger instead, so callers that swallow errors still leave a trace.
type Publisher struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Publisher)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithClock overrides the wall clock used to stamp entries.
func WithClock(now func() time.Time) Option {
	return func(p *Publisher) {
		if now != nil {
			p.now = now
		}
	}
}

func NewPublisher(store Store, opts ...Option) *Publisher {
	p := &Publisher{store: store, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Emit stamps the entry with the time of writing, appends it and mirrors it
// to the structured log. The pinned request or cycle time is not used: a
// long cycle must show when each kick happened.
func (p *Publisher) Emit(ctx context.Context, e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = p.now()
	}

	level := slog.LevelInfo
	if e.Err != nil {
		level = slog.LevelError
	}
	attrs := []any{"channel", string(e.Channel)}
	if e.OrgID != "" {
		attrs = append(attrs, "org_id", e.OrgID)
	}
	if e.PlatformID != "" {
		attrs = append(attrs, "platform_id", e.PlatformID)
	}
	if e.Err != nil {
		attrs = append(attrs, "error", e.Err)
	}
	if reqID := requestcontext.RequestID(ctx); reqID != "" {
		attrs = append(attrs, "request_id", reqID)
	}
	p.logger.Log(ctx, level, e.Message, attrs...)

	if p.store == nil {
		return
	}
	if err := p.store.Append(ctx, e); err != nil {
		p.logger.ErrorContext(ctx, "failed to append operator log entry",
			"channel", string(e.Channel),
			"error", err,
		)
	}
}

// Infof emits a formatted entry without an error.
func (p *Publisher) Infof(ctx context.Context, ch Channel, format string, args ...any) {
	p.Emit(ctx, Entry{Channel: ch, Message: fmt.Sprintf(format, args...)})
}

// Errorf emits a formatted entry carrying err.
func (p *Publisher) Errorf(ctx context.Context, ch Channel, err error, format string, args ...any) {
	p.Emit(ctx, Entry{Channel: ch, Message: fmt.Sprintf(format, args...), Err: err})
}
