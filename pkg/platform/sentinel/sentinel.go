package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores return these (optionally
// wrapped) so callers can match on them with errors.Is.
//
// For validation errors (bad input, missing fields), use pkg/domain-errors directly.
var (
	// ErrConflict means a uniqueness constraint rejected the write.
	ErrConflict = errors.New("conflict")
)
