package dberr

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorMatchesKind(t *testing.T) {
	err := Precondition("chunk %q is not compressed", "_hyper_1_1_chunk")
	if !errors.Is(err, ErrPreconditionViolation) {
		t.Fatalf("expected precondition violation, got %v", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("precondition error must not match ErrNotFound")
	}

	wrapped := fmt.Errorf("compress chunk: %w", err)
	if !errors.Is(wrapped, ErrPreconditionViolation) {
		t.Error("wrapped error lost its kind")
	}
	if CodeOf(wrapped) != CodeNotInPrerequisite {
		t.Errorf("CodeOf = %s, want %s", CodeOf(wrapped), CodeNotInPrerequisite)
	}
}

func TestDuplicateKeyIsPrecondition(t *testing.T) {
	err := New(ErrDuplicateKey, CodeUniqueViolation, "key (chunk_id)=(7) already exists")
	if !errors.Is(err, ErrDuplicateKey) {
		t.Error("expected duplicate key")
	}
	if !errors.Is(err, ErrPreconditionViolation) {
		t.Error("duplicate key should also be a precondition violation")
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("disk on fire")
	err := Wrap(ErrInternal, CodeInternalError, cause, "measure relation %d", 12)
	if !errors.Is(err, cause) {
		t.Error("cause not reachable through errors.Is")
	}
	if err.Error() != "measure relation 12: disk on fire" {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestHint(t *testing.T) {
	err := Precondition("compression not enabled").WithHint("enable compression first")
	if HintOf(fmt.Errorf("x: %w", err)) != "enable compression first" {
		t.Errorf("hint lost")
	}
	if HintOf(errors.New("plain")) != "" {
		t.Error("plain errors have no hint")
	}
	if CodeOf(errors.New("plain")) != CodeInternalError {
		t.Error("unclassified errors report XX000")
	}
}
