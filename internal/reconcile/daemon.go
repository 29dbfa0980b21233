// Package reconcile periodically removes lapsed members from the members
// group and deletes their links.
package reconcile

//go:generate mockgen -source=daemon.go -destination=mocks/mocks.go -package=mocks Store,Gateway,CycleLock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"clublink/internal/audit"
	"clublink/internal/calendar"
	"clublink/internal/events"
	"clublink/internal/membership/models"
	"clublink/internal/platform/metrics"
	"clublink/pkg/requestcontext"
)

// Store is the subset of the membership store the daemon needs.
type Store interface {
	ListExpiredAtOrBefore(ctx context.Context, year int) ([]*models.Membership, error)
	Remove(ctx context.Context, orgID string) (int64, error)
}

// Gateway removes accounts from the members group.
type Gateway interface {
	Remove(ctx context.Context, serviceToken, groupID, userID string) bool
}

// CycleLock lets one replica claim a cycle. Acquire reports false when
// another holder owns the lock. Extend pushes the expiry of a lock this
// holder still owns and reports false once it has been lost.
type CycleLock interface {
	Acquire(ctx context.Context, ttl time.Duration) (bool, error)
	Extend(ctx context.Context, ttl time.Duration) (bool, error)
}

type Config struct {
	GroupID      string
	ServiceToken string
	// Interval is the pause between the end of one cycle and the next.
	Interval time.Duration
	// MemberDelay spaces consecutive gateway calls.
	MemberDelay time.Duration
	// CallTimeout bounds each gateway and store call.
	CallTimeout time.Duration
}

// CycleReport summarises one pass.
type CycleReport struct {
	CutoffYear      int
	Expired         int
	Removed         int
	GatewayFailures int
	StoreFailures   int
	// Skipped is set when the cycle did no member work because the store
	// listing failed or another replica holds the cycle lock.
	Skipped    bool
	SkipReason string
	// LockLost is set when the cycle stopped early because its lock expired
	// or was taken over.
	LockLost bool
}

type Daemon struct {
	store   Store
	gateway Gateway
	policy  *calendar.Policy
	cfg     Config
	limiter *rate.Limiter

	lock    CycleLock
	events  events.Publisher
	audit   *audit.Publisher
	metrics *metrics.Metrics
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

type Option func(*Daemon)

func WithLogger(logger *slog.Logger) Option {
	return func(d *Daemon) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Daemon) {
		d.metrics = m
	}
}

func WithEventPublisher(p events.Publisher) Option {
	return func(d *Daemon) {
		if p != nil {
			d.events = p
		}
	}
}

func WithAuditPublisher(p *audit.Publisher) Option {
	return func(d *Daemon) {
		if p != nil {
			d.audit = p
		}
	}
}

func WithCycleLock(l CycleLock) Option {
	return func(d *Daemon) {
		d.lock = l
	}
}

// WithClock overrides the source of each cycle's pinned time.
func WithClock(now func() time.Time) Option {
	return func(d *Daemon) {
		if now != nil {
			d.now = now
		}
	}
}

func New(store Store, gateway Gateway, policy *calendar.Policy, cfg Config, opts ...Option) (*Daemon, error) {
	if store == nil {
		return nil, errors.New("membership store is required")
	}
	if gateway == nil {
		return nil, errors.New("gateway is required")
	}
	if policy == nil {
		return nil, errors.New("calendar policy is required")
	}
	if cfg.GroupID == "" {
		return nil, errors.New("group id is required")
	}
	if cfg.Interval <= 0 {
		return nil, errors.New("interval must be positive")
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}

	limit := rate.Inf
	if cfg.MemberDelay > 0 {
		limit = rate.Every(cfg.MemberDelay)
	}

	d := &Daemon{
		store:   store,
		gateway: gateway,
		policy:  policy,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		events:  events.Noop{},
		logger:  slog.Default(),
		tracer:  otel.Tracer("clublink/reconcile"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.audit == nil {
		d.audit = audit.NewPublisher(nil, audit.WithLogger(d.logger))
	}
	return d, nil
}

// Run executes cycles until ctx is cancelled, sleeping Interval between
// them. It returns ctx.Err().
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.InfoContext(ctx, "reconciliation daemon started",
		"interval", d.cfg.Interval.String(),
		"member_delay", d.cfg.MemberDelay.String(),
	)
	for {
		d.RunCycle(ctx)

		timer := time.NewTimer(d.cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			d.logger.InfoContext(ctx, "reconciliation daemon stopped")
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// RunCycle performs one pass: list members whose expiry year is at or
// before the cutoff, then kick and delete each one in turn. Every failure is
// recorded and the pass moves on.
func (d *Daemon) RunCycle(ctx context.Context) CycleReport {
	started := time.Now()
	ctx = requestcontext.WithTime(ctx, d.now())

	report := CycleReport{CutoffYear: d.policy.ExpiryCutoffYear(ctx)}
	ctx, span := d.tracer.Start(ctx, "reconcile.cycle", trace.WithAttributes(
		attribute.Int("cutoff_year", report.CutoffYear),
	))
	defer span.End()

	defer func() {
		d.metrics.ObserveCycle(time.Since(started))
		d.metrics.IncReconcileCycle(cycleOutcome(report))
		span.SetAttributes(
			attribute.Int("expired", report.Expired),
			attribute.Int("removed", report.Removed),
		)
		d.logger.InfoContext(ctx, "reconciliation cycle finished",
			"cutoff_year", report.CutoffYear,
			"expired", report.Expired,
			"removed", report.Removed,
			"gateway_failures", report.GatewayFailures,
			"store_failures", report.StoreFailures,
			"skipped", report.Skipped,
			"lock_lost", report.LockLost,
			"duration", time.Since(started).String(),
		)
	}()

	locked := false
	if d.lock != nil {
		acquired, err := d.lock.Acquire(ctx, d.lockTTL())
		switch {
		case err != nil:
			// Removal is idempotent, so a lock outage degrades to running.
			d.logger.WarnContext(ctx, "cycle lock unavailable, running unlocked", "error", err)
		case !acquired:
			report.Skipped, report.SkipReason = true, "locked"
			d.logger.InfoContext(ctx, "reconciliation cycle held by another replica")
			return report
		default:
			locked = true
		}
	}

	members, err := d.listExpired(ctx, report.CutoffYear)
	if err != nil {
		report.Skipped, report.SkipReason = true, "store_error"
		span.SetStatus(codes.Error, err.Error())
		d.audit.Errorf(ctx, audit.ChannelExpiryError, err, "Could not fetch expired members from the store")
		return report
	}
	report.Expired = len(members)

	for _, m := range members {
		if err := d.limiter.Wait(ctx); err != nil {
			break
		}
		if locked && !d.extendLock(ctx) {
			report.LockLost = true
			span.SetStatus(codes.Error, "cycle lock lost")
			break
		}
		d.processMember(ctx, m, &report)
	}
	return report
}

// lockTTL covers the longer of one interval and the worst-case gap between
// two extensions: a member delay plus a gateway and a store call.
func (d *Daemon) lockTTL() time.Duration {
	return max(d.cfg.Interval, d.cfg.MemberDelay+2*d.cfg.CallTimeout)
}

// extendLock renews the cycle lock before a member is processed. It returns
// false when the lock now belongs to someone else. A Redis error keeps the
// cycle going, as with an outage at Acquire.
func (d *Daemon) extendLock(ctx context.Context) bool {
	held, err := d.lock.Extend(ctx, d.lockTTL())
	if err != nil {
		d.logger.WarnContext(ctx, "cycle lock extension failed, continuing", "error", err)
		return true
	}
	if !held {
		d.logger.WarnContext(ctx, "cycle lock lost, stopping cycle early")
		return false
	}
	return true
}

func (d *Daemon) listExpired(ctx context.Context, cutoff int) ([]*models.Membership, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	defer cancel()
	return d.store.ListExpiredAtOrBefore(ctx, cutoff)
}

func (d *Daemon) processMember(ctx context.Context, m *models.Membership, report *CycleReport) {
	ctx, span := d.tracer.Start(ctx, "reconcile.member", trace.WithAttributes(
		attribute.String("org_id", m.OrgID),
		attribute.String("platform_id", m.PlatformID),
	))
	defer span.End()

	kickCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	kicked := d.gateway.Remove(kickCtx, d.cfg.ServiceToken, d.cfg.GroupID, m.PlatformID)
	cancel()
	if !kicked {
		report.GatewayFailures++
		d.metrics.IncReconcileMember("gateway_failure")
		span.SetStatus(codes.Error, "gateway")
		d.audit.Emit(ctx, audit.Entry{
			Channel:    audit.ChannelKickError,
			Message:    fmt.Sprintf("Could not kick %s", m.PlatformID),
			OrgID:      m.OrgID,
			PlatformID: m.PlatformID,
		})
		return
	}

	storeCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	_, err := d.store.Remove(storeCtx, m.OrgID)
	cancel()
	if err != nil {
		report.StoreFailures++
		d.metrics.IncReconcileMember("store_error")
		span.SetStatus(codes.Error, "store")
		d.audit.Emit(ctx, audit.Entry{
			Channel:    audit.ChannelKickError,
			Message:    fmt.Sprintf("Could not remove %s from the store", m.PlatformID),
			OrgID:      m.OrgID,
			PlatformID: m.PlatformID,
			Err:        err,
		})
		return
	}

	report.Removed++
	d.metrics.IncReconcileMember("removed")
	d.audit.Emit(ctx, audit.Entry{
		Channel:    audit.ChannelKick,
		Message:    fmt.Sprintf("Successfully kicked %s (expired %d)", m.PlatformID, m.ExpiryYear),
		OrgID:      m.OrgID,
		PlatformID: m.PlatformID,
	})
	events.Emit(ctx, d.events, d.logger, events.New(ctx, events.TypeExpired, m.OrgID, m.PlatformID, m.ExpiryYear))
}

func cycleOutcome(r CycleReport) string {
	switch {
	case r.Skipped:
		return "skipped_" + r.SkipReason
	case r.LockLost:
		return "lock_lost"
	case r.GatewayFailures+r.StoreFailures > 0:
		return "partial"
	default:
		return "ok"
	}
}
