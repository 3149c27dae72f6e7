// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested item, loan or borrower does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation indicates malformed input or a credential mismatch.
	ErrValidation = errors.New("validation")

	// ErrConflict indicates a lost concurrency race (open loan already exists, stale version).
	ErrConflict = errors.New("conflict")

	// ErrPolicy is matched by every *PolicyViolation.
	ErrPolicy = errors.New("policy violation")

	// ErrUnauthorized indicates failed authentication.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden indicates an authenticated caller without the required role.
	ErrForbidden = errors.New("forbidden")

	// ErrRateLimited indicates the nudge cooldown for a (loan, requester) pair is still running.
	ErrRateLimited = errors.New("rate limited")
)
