package coordstore

import (
	"testing"
	"time"

	"github.com/coordinationcore/coordination-core/internal/types"
)

func newTestConflict() types.Conflict {
	now := time.Now()
	return types.Conflict{
		Type:       types.ConflictVersion,
		Resource:   "tasks.json",
		DetectedAt: now,
		Severity:   types.SeverityWarning,
		SessionA:   types.ConflictSide{SessionID: "s-1", Version: 1, Timestamp: now},
		SessionB:   types.ConflictSide{SessionID: "s-2", Version: 2, Timestamp: now},
		Status:     types.ConflictPending,
	}
}

func TestRecordAndGetPendingConflicts(t *testing.T) {
	s := newTestStore(t)

	id, err := s.RecordConflict(newTestConflict())
	if err != nil {
		t.Fatalf("RecordConflict: %v", err)
	}

	pending, err := s.GetPendingConflicts()
	if err != nil {
		t.Fatalf("GetPendingConflicts: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != id {
		t.Errorf("pending conflicts = %+v, want one with id %s", pending, id)
	}
}

func TestResolveConflict_OnlyMutatesPending(t *testing.T) {
	s := newTestStore(t)

	id, err := s.RecordConflict(newTestConflict())
	if err != nil {
		t.Fatalf("RecordConflict: %v", err)
	}

	if err := s.ResolveConflict(id, types.ResolutionVersionA, ResolveConflictOptions{ResolvedBy: "operator"}); err != nil {
		t.Fatalf("ResolveConflict: %v", err)
	}

	pending, err := s.GetPendingConflicts()
	if err != nil {
		t.Fatalf("GetPendingConflicts: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected no pending conflicts after resolve, got %+v", pending)
	}

	if err := s.ResolveConflict(id, types.ResolutionVersionA, ResolveConflictOptions{}); err == nil {
		t.Fatal("expected resolving an already-resolved conflict to fail")
	}
}

func TestResolveConflict_UnknownIDFails(t *testing.T) {
	s := newTestStore(t)

	if err := s.ResolveConflict("missing", types.ResolutionManual, ResolveConflictOptions{}); err == nil {
		t.Fatal("expected ResolveConflict to fail for an unknown id")
	}
}

func TestRecordConflict_RoundTripsAffectedIDsAndFieldConflicts(t *testing.T) {
	s := newTestStore(t)

	c := newTestConflict()
	c.AffectedIDs = []string{"task-1", "task-2"}
	c.FieldConflicts = []string{"status", "assignee"}

	id, err := s.RecordConflict(c)
	if err != nil {
		t.Fatalf("RecordConflict: %v", err)
	}

	pending, err := s.GetPendingConflicts()
	if err != nil {
		t.Fatalf("GetPendingConflicts: %v", err)
	}

	var got *types.Conflict
	for i := range pending {
		if pending[i].ID == id {
			got = &pending[i]
		}
	}
	if got == nil {
		t.Fatalf("conflict %s not found in pending list", id)
	}

	if len(got.AffectedIDs) != 2 || got.AffectedIDs[0] != "task-1" || got.AffectedIDs[1] != "task-2" {
		t.Errorf("AffectedIDs = %v, want [task-1 task-2]", got.AffectedIDs)
	}
	if len(got.FieldConflicts) != 2 || got.FieldConflicts[0] != "status" || got.FieldConflicts[1] != "assignee" {
		t.Errorf("FieldConflicts = %v, want [status assignee]", got.FieldConflicts)
	}
}
