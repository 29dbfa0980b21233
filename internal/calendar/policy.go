package calendar

import (
	"context"
	"fmt"
	"time"

	dErrors "clublink/pkg/domain-errors"
)

// MonthDay is a yearly cutoff such as "31 August".
type MonthDay struct {
	Month time.Month
	Day   int
}

// Validate rejects dates that do not exist in every year. 29 February is
// refused because it would silently roll over to 1 March in common years.
func (md MonthDay) Validate() error {
	if md.Month < time.January || md.Month > time.December {
		return fmt.Errorf("month %d out of range", md.Month)
	}
	if md.Day < 1 {
		return fmt.Errorf("day %d out of range", md.Day)
	}
	// 2023 is a common year.
	last := time.Date(2023, md.Month+1, 0, 0, 0, 0, 0, time.UTC).Day()
	if md.Day > last {
		return fmt.Errorf("day %d out of range for %s", md.Day, md.Month)
	}
	return nil
}

func (md MonthDay) String() string {
	return fmt.Sprintf("%02d-%02d", int(md.Month), md.Day)
}

// Policy binds the organization's timezone to its expiry and renewal cutoffs.
type Policy struct {
	loc     *time.Location
	expiry  MonthDay
	renewal MonthDay
}

// NewPolicy validates the timezone and both cutoffs. Renewal must not fall
// before expiry within the same year.
func NewPolicy(tz string, expiry, renewal MonthDay) (*Policy, error) {
	loc, err := LoadLocation(tz)
	if err != nil {
		return nil, err
	}
	if err := expiry.Validate(); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeConfiguration, "invalid expiry date")
	}
	if err := renewal.Validate(); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeConfiguration, "invalid renewal date")
	}
	if renewal.Month < expiry.Month || (renewal.Month == expiry.Month && renewal.Day < expiry.Day) {
		return nil, dErrors.New(dErrors.CodeConfiguration,
			fmt.Sprintf("renewal deadline %s is before expiry %s", renewal, expiry))
	}
	return &Policy{loc: loc, expiry: expiry, renewal: renewal}, nil
}

func (p *Policy) Location() *time.Location { return p.loc }
func (p *Policy) Expiry() MonthDay         { return p.expiry }
func (p *Policy) Renewal() MonthDay        { return p.renewal }

func (p *Policy) CurrentYear(ctx context.Context) int {
	return CurrentYear(ctx, p.loc)
}

func (p *Policy) IsPastExpiryThisYear(ctx context.Context) bool {
	return IsPastExpiryThisYear(ctx, p.loc, p.expiry.Month, p.expiry.Day)
}

func (p *Policy) IsPastRenewal(ctx context.Context, expiryYear int) bool {
	return IsPastRenewal(ctx, expiryYear, p.loc, p.renewal.Month, p.renewal.Day)
}

// ExpiryCutoffYear is the latest expiry year eligible for removal. This
// year's lapsed members are kept until the renewal grace period ends.
func (p *Policy) ExpiryCutoffYear(ctx context.Context) int {
	year := p.CurrentYear(ctx)
	if p.IsPastRenewal(ctx, year) {
		return year
	}
	return year - 1
}

// ExpiryYearForNewLink is the year a membership verified now lapses.
func (p *Policy) ExpiryYearForNewLink(ctx context.Context) int {
	year := p.CurrentYear(ctx)
	if p.IsPastExpiryThisYear(ctx) {
		return year + 1
	}
	return year
}

// IsExpired reports whether a membership expiring in expiryYear has lapsed.
func (p *Policy) IsExpired(ctx context.Context, expiryYear int) bool {
	return IsPastDeadline(ctx, expiryYear, p.loc, p.expiry.Month, p.expiry.Day)
}
