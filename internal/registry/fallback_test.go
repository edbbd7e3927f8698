package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestClassifyFailure_DirectoryFailure(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	if os.Getuid() == 0 {
		t.Skip("running as root: permission checks are bypassed")
	}
	if err := os.Chmod(dir, 0o500); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	t.Cleanup(func() { os.Chmod(dir, 0o700) })

	fc := newFallbackController(filepath.Join(dir, "nested", "coord.db"), nil, time.Minute, 5)
	fc.open(ctx)
	t.Cleanup(fc.close)

	snap := fc.snapshot()
	if !snap.Active {
		t.Fatal("expected fallback to be active")
	}
	if snap.Reason != ReasonDirectoryFailure && snap.Reason != ReasonPermissionDenied {
		t.Errorf("Reason = %v, want directory_failure or permission_denied", snap.Reason)
	}
	if snap.Strategy != StrategyRetry && snap.Strategy != StrategyUserAction {
		t.Errorf("Strategy = %v, want retry or user_action", snap.Strategy)
	}
}

func TestForceRecovery_ReconnectsAfterPermissionsFixed(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	if os.Getuid() == 0 {
		t.Skip("running as root: permission checks are bypassed")
	}
	subdir := filepath.Join(dir, "sub")
	if err := os.Mkdir(subdir, 0o500); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	fc := newFallbackController(filepath.Join(subdir, "nested", "coord.db"), nil, time.Hour, 5)
	fc.open(ctx)
	t.Cleanup(fc.close)

	if _, ok := fc.get(); ok {
		t.Fatal("expected fallback active before permissions fixed")
	}

	if err := os.Chmod(subdir, 0o700); err != nil {
		t.Fatalf("chmod: %v", err)
	}

	fc.forceRecovery(ctx)

	store, ok := fc.get()
	if !ok || store == nil {
		t.Fatal("expected reconnection after forceRecovery")
	}
}

func TestResetFallbackMetrics_ClearsConsecutiveCount(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	if os.Getuid() == 0 {
		t.Skip("running as root: permission checks are bypassed")
	}
	if err := os.Chmod(dir, 0o500); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	t.Cleanup(func() { os.Chmod(dir, 0o700) })

	fc := newFallbackController(filepath.Join(dir, "nested", "coord.db"), nil, time.Hour, 5)
	fc.open(ctx)
	t.Cleanup(fc.close)

	if fc.snapshot().ConsecutiveFallbacks == 0 {
		t.Fatal("expected at least one recorded fallback")
	}

	fc.resetFallbackMetrics()
	if fc.snapshot().ConsecutiveFallbacks != 0 {
		t.Errorf("ConsecutiveFallbacks = %d, want 0 after reset", fc.snapshot().ConsecutiveFallbacks)
	}
}

func TestScheduleRecoveryLocked_StopsRetryingAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	if os.Getuid() == 0 {
		t.Skip("running as root: permission checks are bypassed")
	}
	if err := os.Chmod(dir, 0o500); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	t.Cleanup(func() { os.Chmod(dir, 0o700) })

	fc := newFallbackController(filepath.Join(dir, "nested", "coord.db"), nil, time.Hour, 2)
	fc.open(ctx)
	t.Cleanup(fc.close)

	// Drive failed attempts directly rather than waiting on backoff timers;
	// the second attempt's failure path schedules past the cap and should
	// flip into recoveryExhausted instead of queuing a third attempt.
	fc.attemptRecovery(ctx)
	fc.attemptRecovery(ctx)

	snap := fc.snapshot()
	if !snap.RecoveryExhausted {
		t.Fatalf("expected RecoveryExhausted after %d attempts, got snapshot %+v", snap.RecoveryAttempts, snap)
	}
	if snap.RecoveryAttempts < 2 {
		t.Errorf("RecoveryAttempts = %d, want at least 2", snap.RecoveryAttempts)
	}
}

func TestForceRecovery_ClearsExhaustedState(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	if os.Getuid() == 0 {
		t.Skip("running as root: permission checks are bypassed")
	}
	subdir := filepath.Join(dir, "sub")
	if err := os.Mkdir(subdir, 0o500); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	fc := newFallbackController(filepath.Join(subdir, "nested", "coord.db"), nil, time.Hour, 1)
	fc.open(ctx)
	t.Cleanup(fc.close)

	fc.mu.Lock()
	fc.recoveryExhausted = true
	fc.recoveryAttempts = 1
	fc.mu.Unlock()

	if err := os.Chmod(subdir, 0o700); err != nil {
		t.Fatalf("chmod: %v", err)
	}

	fc.forceRecovery(ctx)

	snap := fc.snapshot()
	if snap.RecoveryExhausted {
		t.Error("expected RecoveryExhausted to clear after a successful forced recovery")
	}
	if snap.RecoveryAttempts != 0 {
		t.Errorf("RecoveryAttempts = %d, want 0 after successful forced recovery", snap.RecoveryAttempts)
	}
}
