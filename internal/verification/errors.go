package verification

import (
	"errors"
	"fmt"

	dErrors "clublink/pkg/domain-errors"
)

// Category normalizes why a verification attempt did not succeed.
type Category string

const (
	// CategoryRejected means the authority answered and refused the claim.
	CategoryRejected Category = "rejected"
	// CategoryUnreachable covers transport errors, timeouts and non-2xx statuses.
	CategoryUnreachable Category = "unreachable"
	// CategoryBadResponse means the body could not be parsed.
	CategoryBadResponse Category = "bad_response"
	// CategoryAmbiguous means a well-formed body that is neither the success
	// sentinel nor an explicit rejection. The raw payload is kept for review.
	CategoryAmbiguous Category = "ambiguous"
	// CategoryTransform means a credential transform stage failed.
	CategoryTransform Category = "transform_failed"
	// CategoryCircuitOpen means the authority was skipped after repeated failures.
	CategoryCircuitOpen Category = "circuit_open"
)

const (
	msgFailed      = "Membership verification failed, please check your member ID and password"
	msgUnavailable = "At the moment we're unable to verify your membership. Please try again later."
)

// Error describes a failed attempt. It never carries the credential.
type Error struct {
	Category   Category
	Message    string
	Underlying error
	RawPayload string
}

func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("verification [%s]: %s: %v", e.Category, e.Message, e.Underlying)
	}
	return fmt.Sprintf("verification [%s]: %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Underlying
}

// classify wraps e in the domain code matching its category.
func classify(e *Error) error {
	if e.Category == CategoryRejected {
		return dErrors.Wrap(e, dErrors.CodeVerificationFailed, msgFailed)
	}
	return dErrors.Wrap(e, dErrors.CodeVerificationUnavailable, msgUnavailable)
}

// GetCategory extracts the category from err, or "" if err is not a
// verification error.
func GetCategory(err error) Category {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Category
	}
	return ""
}
