package coordstore

import (
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/coordinationcore/coordination-core/internal/types"
)

// RecordConflict persists c. affected_task_ids and field_conflicts are
// stored as JSON arrays per spec.md §6, matching sessions.go's Metadata
// encoding rather than a CSV join.
func (s *Store) RecordConflict(c types.Conflict) (string, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	affectedJSON, err := json.Marshal(c.AffectedIDs)
	if err != nil {
		return "", types.NewCoordError(types.KindStoreUnavailable, c.Resource, "recordConflict: marshal affected_task_ids", err)
	}
	fieldJSON, err := json.Marshal(c.FieldConflicts)
	if err != nil {
		return "", types.NewCoordError(types.KindStoreUnavailable, c.Resource, "recordConflict: marshal field_conflicts", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO conflicts (
			id, type, resource, detected_at, severity,
			session_a_id, session_a_data, session_a_version, session_a_timestamp,
			session_b_id, session_b_data, session_b_version, session_b_timestamp,
			affected_task_ids, field_conflicts, description, status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending')
	`, c.ID, string(c.Type), c.Resource, c.DetectedAt.UnixMilli(), string(c.Severity),
		c.SessionA.SessionID, string(c.SessionA.Data), c.SessionA.Version, c.SessionA.Timestamp.UnixMilli(),
		c.SessionB.SessionID, string(c.SessionB.Data), c.SessionB.Version, c.SessionB.Timestamp.UnixMilli(),
		string(affectedJSON), string(fieldJSON), "")
	if err != nil {
		return "", types.NewCoordError(types.KindStoreUnavailable, c.Resource, "recordConflict failed", err)
	}
	return c.ID, nil
}

func (s *Store) GetPendingConflicts() ([]types.Conflict, error) {
	rows, err := s.db.Query(`
		SELECT id, type, resource, detected_at, severity,
			session_a_id, session_a_data, session_a_version, session_a_timestamp,
			session_b_id, session_b_data, session_b_version, session_b_timestamp,
			affected_task_ids, field_conflicts, status
		FROM conflicts WHERE status = 'pending'
	`)
	if err != nil {
		return nil, types.NewCoordError(types.KindStoreUnavailable, "", "getPendingConflicts failed", err)
	}
	defer rows.Close()

	var out []types.Conflict
	for rows.Next() {
		var c types.Conflict
		var detectedAtMs, aTsMs, bTsMs int64
		var aData, bData, affected, fields sql.NullString
		if err := rows.Scan(&c.ID, &c.Type, &c.Resource, &detectedAtMs, &c.Severity,
			&c.SessionA.SessionID, &aData, &c.SessionA.Version, &aTsMs,
			&c.SessionB.SessionID, &bData, &c.SessionB.Version, &bTsMs,
			&affected, &fields, &c.Status); err != nil {
			return nil, err
		}
		c.DetectedAt = msToTime(detectedAtMs)
		c.SessionA.Data = []byte(aData.String)
		c.SessionA.Timestamp = msToTime(aTsMs)
		c.SessionB.Data = []byte(bData.String)
		c.SessionB.Timestamp = msToTime(bTsMs)
		if affected.Valid && affected.String != "" {
			_ = json.Unmarshal([]byte(affected.String), &c.AffectedIDs)
		}
		if fields.Valid && fields.String != "" {
			_ = json.Unmarshal([]byte(fields.String), &c.FieldConflicts)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ResolveConflictOptions mirrors spec.md §4.1's resolveConflict options.
type ResolveConflictOptions struct {
	AutoResolved bool
	ResolvedBy   string
	Notes        string
}

// ResolveConflict may only mutate rows with status = pending, per
// spec.md §4.1.
func (s *Store) ResolveConflict(id string, resolution types.Resolution, opts ResolveConflictOptions) error {
	status := string(types.ConflictResolved)
	if opts.AutoResolved {
		status = string(types.ConflictAutoResolved)
	}

	res, err := s.db.Exec(`
		UPDATE conflicts SET status = ?, resolution = ?, resolved_at = ?, resolved_by = ?, resolution_notes = ?
		WHERE id = ? AND status = 'pending'
	`, status, string(resolution), nowMs(), opts.ResolvedBy, opts.Notes, id)
	if err != nil {
		return types.NewCoordError(types.KindStoreUnavailable, id, "resolveConflict failed", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		var exists bool
		_ = s.db.QueryRow(`SELECT 1 FROM conflicts WHERE id = ?`, id).Scan(&exists)
		if !exists {
			return types.NewCoordError(types.KindConflictNotFound, id, "no such conflict", nil)
		}
		return types.NewCoordError(types.KindConflictAlreadyResolved, id, "conflict is not pending", nil)
	}
	return nil
}

// PruneResolvedConflicts removes terminal conflicts older than retentionMs.
func (s *Store) PruneResolvedConflicts(retentionMs int64) (int, error) {
	cutoff := nowMs() - retentionMs
	res, err := s.db.Exec(`DELETE FROM conflicts WHERE status != 'pending' AND detected_at < ?`, cutoff)
	if err != nil {
		return 0, types.NewCoordError(types.KindStoreUnavailable, "", "pruneResolvedConflicts failed", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
