package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestDomainError_ErrorAndUnwrap(t *testing.T) {
	cause := errors.New("root")
	err := (&DomainError{
		Category: ErrCatValidation,
		Code:     "CODE",
		Message:  "message",
	}).WithCause(cause)

	if err.Unwrap() != cause {
		t.Fatalf("expected cause to be unwrapped")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to match cause")
	}

	match := &DomainError{Category: ErrCatValidation, Code: "CODE"}
	if !errors.Is(err, match) {
		t.Fatalf("expected errors.Is to match category and code")
	}
}

func TestDomainError_WithDetail(t *testing.T) {
	err := &DomainError{Category: ErrCatExecution, Code: "X", Message: "msg"}
	err.WithDetail("k", "v")
	if err.Details == nil || err.Details["k"] != "v" {
		t.Fatalf("expected details to be set")
	}
}

func TestErrorFactories(t *testing.T) {
	if ErrValidation("C", "m").Retryable {
		t.Fatalf("validation should not be retryable")
	}
	if ErrExecution("C", "m").Retryable {
		t.Fatalf("execution errors are fatal")
	}
	if !ErrRunner("m", true).Retryable {
		t.Fatalf("runner error should honour retryable flag")
	}
	if ErrRunner("m", false).Retryable {
		t.Fatalf("runner error should honour retryable flag")
	}
	if !ErrTimeout("m").Retryable {
		t.Fatalf("timeout should be retryable")
	}
	if !ErrStalled("p1", "5s").Retryable {
		t.Fatalf("stalled runner should be retryable")
	}
	if ErrVersionLocked("wf", "1.0.0", "i-1").Retryable {
		t.Fatalf("version lock should not be retryable")
	}
	if ErrConcurrencyConflict("i-1", 1, 2).Retryable {
		t.Fatalf("conflict should not be retryable")
	}
}

func TestIsCodeThroughWrapping(t *testing.T) {
	err := fmt.Errorf("starting: %w", ErrVersionLocked("wf", "1.0.0", "i-1"))
	if !IsCode(err, CodeVersionLocked) {
		t.Fatalf("expected VERSION_LOCKED code through wrapping")
	}
	if GetCategory(err) != ErrCatConflict {
		t.Fatalf("expected conflict category, got %s", GetCategory(err))
	}
	if IsCode(errors.New("plain"), CodeVersionLocked) {
		t.Fatalf("plain errors carry no code")
	}
}

func TestIsConfigurationError(t *testing.T) {
	if !IsConfigurationError(ErrValidation(CodeCycleDetected, "cycle")) {
		t.Fatalf("cycle should be a configuration error")
	}
	if IsConfigurationError(ErrRunner("boom", false)) {
		t.Fatalf("runner failure is not a configuration error")
	}
	if GetCategory(errors.New("plain")) != ErrCatInternal {
		t.Fatalf("expected internal category for non-domain error")
	}
}
