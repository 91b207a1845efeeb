package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindMatching(t *testing.T) {
	err := Validationf("bad input: %d instances", 3)
	if !IsValidation(err) {
		t.Fatalf("expected validation kind for %v", err)
	}
	if IsConflict(err) || IsScope(err) || IsRemote(err) || IsInvariant(err) {
		t.Fatalf("validation error matched a foreign kind")
	}
}

func TestKindSurvivesWrapping(t *testing.T) {
	inner := Conflictf("task already running")
	wrapped := fmt.Errorf("failed to authorize group: %w", inner)
	if !IsConflict(wrapped) {
		t.Fatalf("expected conflict kind to survive wrapping")
	}
}

func TestWrappedCauseIsReachable(t *testing.T) {
	cause := errors.New("connection refused")
	err := Remotef("backend call failed: %w", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable through the kinded error")
	}
	if !IsRemote(err) {
		t.Fatalf("expected remote kind")
	}
}

func TestPlainErrorMatchesNothing(t *testing.T) {
	err := errors.New("plain")
	if IsValidation(err) || IsConflict(err) || IsScope(err) || IsRemote(err) || IsInvariant(err) {
		t.Fatalf("plain error matched a kind")
	}
}
