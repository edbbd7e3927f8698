package coordstore

import (
	"crypto/sha256"
	"database/sql"
	"fmt"

	"github.com/coordinationcore/coordination-core/internal/types"
)

// checksum is the teacher's memory/db.go hashString helper, reused
// verbatim: a SHA-256 digest of the serialized changeData, truncated to
// 16 hex characters for readability in logs and journal rows.
func checksum(changeData []byte) string {
	h := sha256.New()
	h.Write(changeData)
	return fmt.Sprintf("%x", h.Sum(nil))[:16]
}

func (s *Store) RecordChange(sessionID, resource, operation string, changeData []byte) (int64, error) {
	sum := checksum(changeData)
	res, err := s.stmtRecordChange.Exec(sessionID, resource, operation, string(changeData), nowMs(), sum)
	if err != nil {
		return 0, types.NewCoordError(types.KindStoreUnavailable, resource, "recordChange failed", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, types.NewCoordError(types.KindStoreUnavailable, resource, "recordChange id failed", err)
	}
	return id, nil
}

func (s *Store) GetRecentChanges(limit int) ([]types.ChangeJournalEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, resource, operation, change_data, created_at, applied, checksum
		FROM change_journal ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, types.NewCoordError(types.KindStoreUnavailable, "", "getRecentChanges failed", err)
	}
	defer rows.Close()

	var out []types.ChangeJournalEntry
	for rows.Next() {
		var e types.ChangeJournalEntry
		var data sql.NullString
		var createdAtMs int64
		var applied int
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Resource, &e.Operation, &data, &createdAtMs, &applied, &e.Checksum); err != nil {
			return nil, err
		}
		e.ChangeData = []byte(data.String)
		e.Applied = applied != 0
		e.CreatedAt = msToTime(createdAtMs)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) MarkChangeApplied(id int64) error {
	res, err := s.db.Exec(`UPDATE change_journal SET applied = 1 WHERE id = ?`, id)
	if err != nil {
		return types.NewCoordError(types.KindStoreUnavailable, "", "markChangeApplied failed", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return types.NewCoordError(types.KindConflictNotFound, fmt.Sprintf("%d", id), "no such journal entry", nil)
	}
	return nil
}

// PruneOldChanges removes entries where applied=true AND age >= retention,
// measured in milliseconds, so a retention of 0 removes every applied
// entry, including one recorded in the current millisecond.
func (s *Store) PruneOldChanges(retentionMs int64) (int, error) {
	cutoff := nowMs() - retentionMs
	res, err := s.db.Exec(`DELETE FROM change_journal WHERE applied = 1 AND created_at <= ?`, cutoff)
	if err != nil {
		return 0, types.NewCoordError(types.KindStoreUnavailable, "", "pruneOldChanges failed", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
