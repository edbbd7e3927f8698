// Package coordstore implements the Coordination Store (component A):
// the durable, cross-process registry of distributed locks, session
// heartbeats, the change journal, and conflict records. It is grounded on
// the teacher's internal/memory/db.go (WAL + busy-timeout SQLite open,
// migrate/withTx shape) and internal/tasks/store.go (prepared-statement,
// scan-helper query idiom).
package coordstore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/coordinationcore/coordination-core/internal/logging"
	"github.com/coordinationcore/coordination-core/internal/types"
)

var log = logging.New("STORE")

const schemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	project_path TEXT NOT NULL,
	agent_type TEXT,
	started_at INTEGER NOT NULL,
	last_heartbeat INTEGER NOT NULL,
	metadata TEXT,
	pid INTEGER
);
CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project_path);
CREATE INDEX IF NOT EXISTS idx_sessions_heartbeat ON sessions(last_heartbeat);

CREATE TABLE IF NOT EXISTS locks (
	resource TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	acquired_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	lock_type TEXT NOT NULL DEFAULT 'exclusive',
	refresh_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_locks_session ON locks(session_id);
CREATE INDEX IF NOT EXISTS idx_locks_expires ON locks(expires_at);

CREATE TABLE IF NOT EXISTS change_journal (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	resource TEXT NOT NULL,
	operation TEXT NOT NULL,
	change_data TEXT,
	created_at INTEGER NOT NULL,
	applied INTEGER NOT NULL DEFAULT 0,
	checksum TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_journal_resource ON change_journal(resource, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_journal_session ON change_journal(session_id);
CREATE INDEX IF NOT EXISTS idx_journal_pending ON change_journal(applied) WHERE applied = 0;

CREATE TABLE IF NOT EXISTS conflicts (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	resource TEXT NOT NULL,
	detected_at INTEGER NOT NULL,
	severity TEXT NOT NULL,
	session_a_id TEXT,
	session_a_data TEXT,
	session_a_version INTEGER,
	session_a_timestamp INTEGER,
	session_b_id TEXT,
	session_b_data TEXT,
	session_b_version INTEGER,
	session_b_timestamp INTEGER,
	affected_task_ids TEXT,
	field_conflicts TEXT,
	description TEXT,
	status TEXT NOT NULL DEFAULT 'pending',
	resolution TEXT,
	resolution_data TEXT,
	resolved_at INTEGER,
	resolved_by TEXT,
	resolution_notes TEXT
);
CREATE INDEX IF NOT EXISTS idx_conflicts_pending ON conflicts(status) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_conflicts_detected ON conflicts(detected_at);

CREATE TABLE IF NOT EXISTS system_info (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// Store is the Coordination Store. The lock-insert, heartbeat and
// change-record paths use prepared statements held here, mirroring the
// teacher's tasks.Store field layout; the other queries run as plain
// statements.
type Store struct {
	db   *sql.DB
	path string

	stmtAcquireInsert *sql.Stmt
	stmtHeartbeat     *sql.Stmt
	stmtRecordChange  *sql.Stmt
}

// Open creates (or reuses) the SQLite-backed coordination store at path,
// with WAL journaling and a busy timeout of at least 5s per spec.md §4.1.
// Returns a types.CoordError{Kind: StoreUnavailable} if the file cannot be
// opened, matching the teacher's directory-creation + sql.Open error path.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, types.NewCoordError(types.KindStoreUnavailable, path, "directory_failure", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, types.NewCoordError(types.KindStoreUnavailable, path, "open_failure", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, types.NewCoordError(types.KindStoreUnavailable, path, "open_failure", err)
	}

	s := &Store{db: db, path: path}
	if err := s.init(); err != nil {
		db.Close()
		return nil, types.NewCoordError(types.KindStoreUnavailable, path, "init_failure", err)
	}

	return s, nil
}

func (s *Store) init() error {
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	var err error
	s.stmtAcquireInsert, err = s.db.Prepare(`
		INSERT INTO locks (resource, session_id, acquired_at, expires_at, lock_type, refresh_count)
		VALUES (?, ?, ?, ?, 'exclusive', 0)
	`)
	if err != nil {
		return fmt.Errorf("prepare acquire insert: %w", err)
	}

	s.stmtHeartbeat, err = s.db.Prepare(`UPDATE sessions SET last_heartbeat = ? WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("prepare heartbeat: %w", err)
	}

	s.stmtRecordChange, err = s.db.Prepare(`
		INSERT INTO change_journal (session_id, resource, operation, change_data, created_at, applied, checksum)
		VALUES (?, ?, ?, ?, ?, 0, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare record change: %w", err)
	}

	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// HealthCheck runs the `SELECT 1` liveness probe the registry's recovery
// scheduler polls on, per spec.md §4.2.
func (s *Store) HealthCheck() error {
	var one int
	return s.db.QueryRow("SELECT 1").Scan(&one)
}

// withTx executes fn inside a serialized transaction, matching the
// teacher's memory.SQLiteMemoryDB.withTx helper.
func (s *Store) withTx(fn func(*sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func nowMs() int64 {
	return nowFunc().UnixMilli()
}
