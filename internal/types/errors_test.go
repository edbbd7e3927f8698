package types

import (
	"errors"
	"fmt"
	"testing"
)

func TestCoordError_ErrorsIsMatchesOnKind(t *testing.T) {
	wrapped := fmt.Errorf("acquire failed: %w", NewCoordError(KindLockHeldByOther, "tasks.json", "held by s-2", nil))

	if !errors.Is(wrapped, ErrLockHeldByOther) {
		t.Fatal("expected errors.Is to match on Kind regardless of Resource/Detail")
	}
	if errors.Is(wrapped, ErrLockExpired) {
		t.Fatal("expected errors.Is to not match a different Kind")
	}
}

func TestCoordError_UnwrapExposesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := NewCoordError(KindStoreUnavailable, "coordstore.db", "open failed", cause)

	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is(err, cause) via Unwrap")
	}
}

func TestErrOptimisticLock_CarriesVersions(t *testing.T) {
	err := ErrOptimisticLock("agent-1", 3, 4)

	if err.Kind != KindOptimisticLockConflict {
		t.Errorf("Kind = %v, want %v", err.Kind, KindOptimisticLockConflict)
	}
	if err.Resource != "agent-1" {
		t.Errorf("Resource = %v, want agent-1", err.Resource)
	}
	if err.Detail == "" {
		t.Error("expected Detail to describe the version mismatch")
	}
}
