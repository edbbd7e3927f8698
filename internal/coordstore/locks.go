package coordstore

import (
	"database/sql"
	"errors"
	"time"

	"github.com/coordinationcore/coordination-core/internal/types"
)

// AcquireLock implements spec.md §4.1's exact ordering under a single row
// read of the target resource: expire-and-retry, extend-same-holder,
// reject-other-holder, insert-new, and the race-on-insert re-read.
func (s *Store) AcquireLock(resource, sessionID string, ttl time.Duration) (types.LockResult, error) {
	now := nowFunc()
	var result types.LockResult
	var expiredPriorHolder string

	err := s.withTx(func(tx *sql.Tx) error {
		var holder string
		var acquiredAtMs, expiresAtMs int64
		var refreshCount int

		row := tx.QueryRow(`SELECT session_id, acquired_at, expires_at, refresh_count FROM locks WHERE resource = ?`, resource)
		err := row.Scan(&holder, &acquiredAtMs, &expiresAtMs, &refreshCount)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			return s.insertLock(tx, resource, sessionID, now, ttl, &result)

		case err != nil:
			return err

		case expiresAtMs <= now.UnixMilli():
			// Expired: delete and proceed as if absent.
			if _, err := tx.Exec(`DELETE FROM locks WHERE resource = ?`, resource); err != nil {
				return err
			}
			expiredPriorHolder = holder
			return s.insertLock(tx, resource, sessionID, now, ttl, &result)

		case holder == sessionID:
			newExpiry := now.Add(ttl)
			if _, err := tx.Exec(`UPDATE locks SET expires_at = ?, refresh_count = refresh_count + 1 WHERE resource = ?`,
				newExpiry.UnixMilli(), resource); err != nil {
				return err
			}
			result = types.LockResult{
				Acquired:     true,
				Extended:     true,
				Holder:       sessionID,
				ExpiresAt:    newExpiry,
				RefreshCount: refreshCount + 1,
			}
			return nil

		default:
			result = types.LockResult{
				Acquired:    false,
				Holder:      holder,
				RemainingMs: expiresAtMs - now.UnixMilli(),
			}
			return nil
		}
	})
	if err != nil {
		return types.LockResult{}, types.NewCoordError(types.KindStoreUnavailable, resource, "acquireLock failed", err)
	}

	if expiredPriorHolder != "" {
		log.Infof("lock:expired resource=%s priorHolder=%s", resource, expiredPriorHolder)
	}

	return result, nil
}

// insertLock performs the plain insert path, including the uniqueness-
// conflict re-read fallback for the race spec.md describes: on a
// uniqueness violation (another process inserted first), re-read and
// report the current holder instead of erroring out.
func (s *Store) insertLock(tx *sql.Tx, resource, sessionID string, now time.Time, ttl time.Duration, result *types.LockResult) error {
	expiresAt := now.Add(ttl)
	_, err := tx.Stmt(s.stmtAcquireInsert).Exec(resource, sessionID, now.UnixMilli(), expiresAt.UnixMilli())

	if err == nil {
		*result = types.LockResult{Acquired: true, Holder: sessionID, ExpiresAt: expiresAt}
		return nil
	}

	// Uniqueness conflict: another process won the race. Re-read and
	// report the current holder rather than failing.
	var holder string
	var expiresAtMs int64
	row := tx.QueryRow(`SELECT session_id, expires_at FROM locks WHERE resource = ?`, resource)
	if scanErr := row.Scan(&holder, &expiresAtMs); scanErr != nil {
		return err
	}
	*result = types.LockResult{
		Acquired:    false,
		Holder:      holder,
		RemainingMs: expiresAtMs - now.UnixMilli(),
	}
	return nil
}

func (s *Store) ReleaseLock(resource, sessionID string) (bool, error) {
	var ok bool
	err := s.withTx(func(tx *sql.Tx) error {
		var holder string
		var expiresAtMs int64
		row := tx.QueryRow(`SELECT session_id, expires_at FROM locks WHERE resource = ?`, resource)
		err := row.Scan(&holder, &expiresAtMs)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			ok = true
			return nil
		case err != nil:
			return err
		case expiresAtMs <= nowFunc().UnixMilli():
			_, err := tx.Exec(`DELETE FROM locks WHERE resource = ?`, resource)
			ok = true
			return err
		case holder != sessionID:
			ok = false
			return nil
		default:
			_, err := tx.Exec(`DELETE FROM locks WHERE resource = ?`, resource)
			ok = true
			return err
		}
	})
	if err != nil {
		return false, types.NewCoordError(types.KindStoreUnavailable, resource, "releaseLock failed", err)
	}
	return ok, nil
}

func (s *Store) RefreshLock(resource, sessionID string, ttl time.Duration) (types.LockResult, error) {
	return s.AcquireLock(resource, sessionID, ttl)
}

func (s *Store) IsLockHeld(resource string) (bool, error) {
	var expiresAtMs int64
	err := s.db.QueryRow(`SELECT expires_at FROM locks WHERE resource = ?`, resource).Scan(&expiresAtMs)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, types.NewCoordError(types.KindStoreUnavailable, resource, "isLockHeld failed", err)
	}
	return expiresAtMs > nowFunc().UnixMilli(), nil
}

// CleanupExpiredLocks deletes every lock whose expiresAt has passed and
// returns the count removed. Emitted as locks:cleanup by callers.
func (s *Store) CleanupExpiredLocks() (int, error) {
	res, err := s.db.Exec(`DELETE FROM locks WHERE expires_at <= ?`, nowFunc().UnixMilli())
	if err != nil {
		return 0, types.NewCoordError(types.KindStoreUnavailable, "", "cleanupExpiredLocks failed", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// WithLockOptions configures the acquisition retry loop for WithLock.
type WithLockOptions struct {
	TTL           time.Duration
	Timeout       time.Duration
	RetryInterval time.Duration
}

// WithLock retries acquisition on a fixed interval up to opts.Timeout; on
// success it guarantees release on all exit paths, including fn failing,
// per spec.md §4.1.
func (s *Store) WithLock(resource, sessionID string, fn func() error, opts WithLockOptions) error {
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 50 * time.Millisecond
	}
	if opts.TTL <= 0 {
		opts.TTL = 60 * time.Second
	}

	deadline := nowFunc().Add(opts.Timeout)
	for {
		result, err := s.AcquireLock(resource, sessionID, opts.TTL)
		if err != nil {
			return err
		}
		if result.Acquired {
			defer s.ReleaseLock(resource, sessionID)
			return fn()
		}

		if opts.Timeout <= 0 || nowFunc().After(deadline) {
			return types.NewCoordError(types.KindLockTimeout, resource, "withLock timed out waiting for lock", nil)
		}
		time.Sleep(opts.RetryInterval)
	}
}
