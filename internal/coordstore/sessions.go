package coordstore

import (
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/coordinationcore/coordination-core/internal/types"
)

// StoredSession is the coordstore's row-shaped view of a session, distinct
// from registry.Session which carries the full in-process hierarchy.
type StoredSession struct {
	ID            string
	ProjectPath   string
	AgentType     string
	StartedAtMs   int64
	LastHeartbeat int64
	Metadata      map[string]interface{}
	PID           int
}

func (s *Store) RegisterSession(sess StoredSession) error {
	metaJSON, err := json.Marshal(sess.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO sessions (id, project_path, agent_type, started_at, last_heartbeat, metadata, pid)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_path = excluded.project_path,
			agent_type = excluded.agent_type,
			last_heartbeat = excluded.last_heartbeat,
			metadata = excluded.metadata,
			pid = excluded.pid
	`, sess.ID, sess.ProjectPath, sess.AgentType, sess.StartedAtMs, sess.LastHeartbeat, string(metaJSON), sess.PID)
	if err != nil {
		return types.NewCoordError(types.KindStoreUnavailable, sess.ID, "registerSession failed", err)
	}
	return nil
}

func (s *Store) UpdateHeartbeat(sessionID string, atMs int64) error {
	res, err := s.stmtHeartbeat.Exec(atMs, sessionID)
	if err != nil {
		return types.NewCoordError(types.KindStoreUnavailable, sessionID, "updateHeartbeat failed", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return types.NewCoordError(types.KindSessionNotFound, sessionID, "no such session", nil)
	}
	return nil
}

// DeregisterSession deletes the session and all locks it holds in one
// serialized transaction, per spec.md §4.1's "deregister = delete locks
// then delete session" ordering.
func (s *Store) DeregisterSession(sessionID string) error {
	err := s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM locks WHERE session_id = ?`, sessionID); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return types.NewCoordError(types.KindStoreUnavailable, sessionID, "deregisterSession failed", err)
	}
	return nil
}

func (s *Store) GetActiveSessions(staleThresholdMs int64) ([]StoredSession, error) {
	cutoff := nowMs() - staleThresholdMs
	rows, err := s.db.Query(`
		SELECT id, project_path, agent_type, started_at, last_heartbeat, metadata, pid
		FROM sessions WHERE last_heartbeat >= ?
	`, cutoff)
	if err != nil {
		return nil, types.NewCoordError(types.KindStoreUnavailable, "", "getActiveSessions failed", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (s *Store) CleanupStaleSessions(staleThresholdMs int64) (int, error) {
	cutoff := nowMs() - staleThresholdMs
	var n int64
	err := s.withTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(`SELECT id FROM sessions WHERE last_heartbeat < ?`, cutoff)
		if err != nil {
			return err
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()

		for _, id := range ids {
			if _, err := tx.Exec(`DELETE FROM locks WHERE session_id = ?`, id); err != nil {
				return err
			}
			if _, err := tx.Exec(`DELETE FROM sessions WHERE id = ?`, id); err != nil {
				return err
			}
		}
		n = int64(len(ids))
		return nil
	})
	if err != nil {
		return 0, types.NewCoordError(types.KindStoreUnavailable, "", "cleanupStaleSessions failed", err)
	}
	return int(n), nil
}

func scanSessions(rows *sql.Rows) ([]StoredSession, error) {
	var out []StoredSession
	for rows.Next() {
		var sess StoredSession
		var metaJSON sql.NullString
		var pid sql.NullInt64
		if err := rows.Scan(&sess.ID, &sess.ProjectPath, &sess.AgentType, &sess.StartedAtMs,
			&sess.LastHeartbeat, &metaJSON, &pid); err != nil {
			return nil, err
		}
		if metaJSON.Valid && metaJSON.String != "" {
			_ = json.Unmarshal([]byte(metaJSON.String), &sess.Metadata)
		}
		sess.PID = int(pid.Int64)
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// SetSystemInfo and GetSystemInfo back the `system_info` key/value row
// used for cross-restart counters (the session-id allocator).
func (s *Store) SetSystemInfo(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO system_info (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, nowFunc().Unix())
	if err != nil {
		return types.NewCoordError(types.KindStoreUnavailable, key, "setSystemInfo failed", err)
	}
	return nil
}

func (s *Store) GetSystemInfo(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM system_info WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, types.NewCoordError(types.KindStoreUnavailable, key, "getSystemInfo failed", err)
	}
	return value, true, nil
}
