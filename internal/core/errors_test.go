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
	err := ErrValidation(CodeForwardAlias, "msg").WithDetail("alias", "sales")
	if err.Details == nil || err.Details["alias"] != "sales" {
		t.Fatalf("expected details to be set")
	}
}

func TestErrorFactories(t *testing.T) {
	if ErrValidation("C", "m").Retryable {
		t.Fatalf("validation should not be retryable")
	}
	if !ErrExecution("C", "m").Retryable {
		t.Fatalf("execution should be retryable")
	}
	if !ErrTimeout("m").Retryable {
		t.Fatalf("timeout should be retryable")
	}
	if !ErrNetwork("m").Retryable {
		t.Fatalf("network should be retryable")
	}
	if ErrState("C", "m").Retryable {
		t.Fatalf("state should not be retryable")
	}
	if ErrSequenceBusy("s").Retryable {
		t.Fatalf("busy should not be retryable")
	}
	if ErrClarification("m").Retryable {
		t.Fatalf("clarification should not be retryable")
	}
}

func TestGetCategory(t *testing.T) {
	if GetCategory(ErrSequenceBusy("s")) != ErrCatConflict {
		t.Fatalf("expected conflict category")
	}
	if GetCategory(errors.New("plain")) != ErrCatInternal {
		t.Fatalf("expected internal category for non-domain error")
	}
	wrapped := fmt.Errorf("turn: %w", ErrNotFound("sequence", "abc"))
	if !IsCategory(wrapped, ErrCatNotFound) {
		t.Fatalf("expected category match through wrapping")
	}
	if IsRetryable(errors.New("plain")) {
		t.Fatalf("plain errors are not retryable")
	}
}
