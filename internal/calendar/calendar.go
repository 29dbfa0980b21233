// Package calendar answers membership-year questions in the organization's
// timezone. "Now" is read from requestcontext so callers can pin it.
package calendar

import (
	"context"
	"fmt"
	"time"

	dErrors "clublink/pkg/domain-errors"
	"clublink/pkg/requestcontext"
)

// LoadLocation resolves a timezone identifier. An unknown identifier is a
// configuration error; callers must not fall back to a default zone.
func LoadLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return nil, dErrors.New(dErrors.CodeConfiguration, "timezone is required")
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeConfiguration, fmt.Sprintf("invalid timezone %q", tz))
	}
	return loc, nil
}

// CurrentYear returns the calendar year of now in loc.
func CurrentYear(ctx context.Context, loc *time.Location) int {
	return requestcontext.Now(ctx).In(loc).Year()
}

// IsPastDeadline reports whether now is strictly after 23:59:59 on
// year-month-day in loc.
func IsPastDeadline(ctx context.Context, year int, loc *time.Location, month time.Month, day int) bool {
	deadline := time.Date(year, month, day, 23, 59, 59, 0, loc)
	return requestcontext.Now(ctx).In(loc).After(deadline)
}

// IsPastExpiryThisYear reports whether this year's expiry deadline has passed.
func IsPastExpiryThisYear(ctx context.Context, loc *time.Location, expiryMonth time.Month, expiryDay int) bool {
	return IsPastDeadline(ctx, CurrentYear(ctx, loc), loc, expiryMonth, expiryDay)
}

// IsPastRenewal reports whether the renewal grace period for memberships
// expiring in expiryYear has elapsed.
func IsPastRenewal(ctx context.Context, expiryYear int, loc *time.Location, renewalMonth time.Month, renewalDay int) bool {
	return IsPastDeadline(ctx, expiryYear, loc, renewalMonth, renewalDay)
}
