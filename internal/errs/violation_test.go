package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestPolicyViolation_IsAndReason(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("renew: %w", Violation(ReasonRenewalLimit))
	if !errors.Is(err, ErrPolicy) {
		t.Fatalf("wrapped violation must match ErrPolicy")
	}
	if errors.Is(err, ErrConflict) {
		t.Fatalf("violation must not match ErrConflict")
	}
	r, ok := ReasonOf(err)
	if !ok || r != ReasonRenewalLimit {
		t.Fatalf("reason: got %q ok=%v", r, ok)
	}
	if err.Error() != "renew: policy violation: renewal_limit" {
		t.Fatalf("message: %q", err.Error())
	}
}

func TestReasonOf_NotAViolation(t *testing.T) {
	t.Parallel()

	if _, ok := ReasonOf(ErrNotFound); ok {
		t.Fatalf("plain sentinel has no reason")
	}
	if _, ok := ReasonOf(nil); ok {
		t.Fatalf("nil has no reason")
	}
}
