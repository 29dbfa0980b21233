package models

import (
	"fmt"

	dErrors "clublink/pkg/domain-errors"
)

// Membership links an organization member to a community platform account.
// A membership row exists only while the link is active.
type Membership struct {
	OrgID      string `json:"org_id"`
	PlatformID string `json:"platform_id"`
	ExpiryYear int    `json:"expiry_year"`
}

// ValidateExpiryYear accepts four-digit years only.
func ValidateExpiryYear(year int) error {
	if year < 1000 || year > 9999 {
		return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("expiry year %d is not a four-digit year", year))
	}
	return nil
}

// NewMembership validates identifiers and the expiry year.
func NewMembership(orgID, platformID string, expiryYear int) (*Membership, error) {
	if orgID == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "org id is required")
	}
	if platformID == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "platform id is required")
	}
	if err := ValidateExpiryYear(expiryYear); err != nil {
		return nil, err
	}
	return &Membership{OrgID: orgID, PlatformID: platformID, ExpiryYear: expiryYear}, nil
}
