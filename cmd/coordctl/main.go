// Command coordctl is a flag-driven admin CLI for inspecting and
// repairing a coordination store directly, bypassing the daemon.
// Grounded on the teacher's cmd/dbctl/main.go (flag set, raw
// database/sql queries with WAL + busy-timeout DSN params, -json dual
// output mode), generalized from single-agent heartbeat/shutdown
// checks to session/lock/conflict inspection.
package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	_ "github.com/mattn/go-sqlite3"
)

func main() {
	dbPath := flag.String("db", "data/coord.db", "Path to the coordination store SQLite file")
	action := flag.String("action", "", "Action: list-sessions, get-session, list-locks, expire-lock, list-conflicts, resolve-conflict")
	sessionID := flag.String("session", "", "Session ID (get-session)")
	resource := flag.String("resource", "", "Lock resource name (expire-lock)")
	conflictID := flag.String("conflict", "", "Conflict ID (resolve-conflict)")
	resolution := flag.String("resolution", "manual", "Resolution label to record (resolve-conflict)")
	jsonOutput := flag.Bool("json", false, "Output as JSON")
	flag.Parse()

	if *action == "" {
		fmt.Fprintf(os.Stderr, "Usage: coordctl -db <path> -action <action> [-json]\n")
		fmt.Fprintf(os.Stderr, "Actions: list-sessions, get-session, list-locks, expire-lock, list-conflicts, resolve-conflict\n")
		os.Exit(1)
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000", *dbPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	switch *action {
	case "list-sessions":
		sessions, err := listSessions(db)
		exitOnErr(err, "list sessions")
		printResult(sessions, *jsonOutput, func() {
			for _, s := range sessions {
				fmt.Printf("%-36s %-20s heartbeat %s ago\n", s.ID, s.ProjectPath, humanize.Time(s.LastHeartbeat))
			}
		})

	case "get-session":
		requireFlag(*sessionID, "-session")
		s, err := getSession(db, *sessionID)
		exitOnErr(err, "get session")
		printResult(s, *jsonOutput, func() {
			fmt.Printf("id:           %s\n", s.ID)
			fmt.Printf("project:      %s\n", s.ProjectPath)
			fmt.Printf("started:      %s (%s)\n", s.StartedAt.Format(time.RFC3339), humanize.Time(s.StartedAt))
			fmt.Printf("heartbeat:    %s (%s)\n", s.LastHeartbeat.Format(time.RFC3339), humanize.Time(s.LastHeartbeat))
		})

	case "list-locks":
		locks, err := listLocks(db)
		exitOnErr(err, "list locks")
		printResult(locks, *jsonOutput, func() {
			for _, l := range locks {
				fmt.Printf("%-30s held by %-36s expires %s\n", l.Resource, l.SessionID, humanize.Time(l.ExpiresAt))
			}
		})

	case "expire-lock":
		requireFlag(*resource, "-resource")
		rows, err := expireLock(db, *resource)
		exitOnErr(err, "expire lock")
		if rows == 0 {
			fmt.Fprintf(os.Stderr, "no lock held on resource: %s\n", *resource)
			os.Exit(1)
		}
		if !*jsonOutput {
			fmt.Printf("expired lock on %s\n", *resource)
		} else {
			json.NewEncoder(os.Stdout).Encode(map[string]interface{}{"success": true, "resource": *resource})
		}

	case "list-conflicts":
		conflicts, err := listPendingConflicts(db)
		exitOnErr(err, "list conflicts")
		printResult(conflicts, *jsonOutput, func() {
			for _, c := range conflicts {
				fmt.Printf("%-36s %-12s %-20s detected %s\n", c.ID, c.Type, c.Resource, humanize.Time(c.DetectedAt))
			}
		})

	case "resolve-conflict":
		requireFlag(*conflictID, "-conflict")
		if err := resolveConflict(db, *conflictID, *resolution); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to resolve conflict: %v\n", err)
			os.Exit(1)
		}
		if !*jsonOutput {
			fmt.Printf("resolved conflict %s as %q\n", *conflictID, *resolution)
		} else {
			json.NewEncoder(os.Stdout).Encode(map[string]interface{}{"success": true, "conflict_id": *conflictID, "resolution": *resolution})
		}

	default:
		fmt.Fprintf(os.Stderr, "Unknown action: %s\n", *action)
		os.Exit(1)
	}
}

func requireFlag(v, name string) {
	if v == "" {
		fmt.Fprintf(os.Stderr, "%s is required for this action\n", name)
		os.Exit(1)
	}
}

func exitOnErr(err error, action string) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to %s: %v\n", action, err)
		os.Exit(1)
	}
}

func printResult(v interface{}, jsonOutput bool, human func()) {
	if jsonOutput {
		json.NewEncoder(os.Stdout).Encode(v)
		return
	}
	human()
}

type sessionRow struct {
	ID            string    `json:"id"`
	ProjectPath   string    `json:"project_path"`
	StartedAt     time.Time `json:"started_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

func listSessions(db *sql.DB) ([]sessionRow, error) {
	rows, err := db.Query(`SELECT id, project_path, started_at, last_heartbeat FROM sessions ORDER BY last_heartbeat DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []sessionRow
	for rows.Next() {
		var s sessionRow
		var startedMs, heartbeatMs int64
		if err := rows.Scan(&s.ID, &s.ProjectPath, &startedMs, &heartbeatMs); err != nil {
			return nil, err
		}
		s.StartedAt = time.UnixMilli(startedMs)
		s.LastHeartbeat = time.UnixMilli(heartbeatMs)
		out = append(out, s)
	}
	return out, rows.Err()
}

func getSession(db *sql.DB, id string) (*sessionRow, error) {
	var s sessionRow
	s.ID = id
	var startedMs, heartbeatMs int64
	err := db.QueryRow(`SELECT project_path, started_at, last_heartbeat FROM sessions WHERE id = ?`, id).
		Scan(&s.ProjectPath, &startedMs, &heartbeatMs)
	if err != nil {
		return nil, err
	}
	s.StartedAt = time.UnixMilli(startedMs)
	s.LastHeartbeat = time.UnixMilli(heartbeatMs)
	return &s, nil
}

type lockRow struct {
	Resource  string    `json:"resource"`
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

func listLocks(db *sql.DB) ([]lockRow, error) {
	rows, err := db.Query(`SELECT resource, session_id, expires_at FROM locks ORDER BY expires_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []lockRow
	for rows.Next() {
		var l lockRow
		var expiresMs int64
		if err := rows.Scan(&l.Resource, &l.SessionID, &expiresMs); err != nil {
			return nil, err
		}
		l.ExpiresAt = time.UnixMilli(expiresMs)
		out = append(out, l)
	}
	return out, rows.Err()
}

func expireLock(db *sql.DB, resource string) (int64, error) {
	result, err := db.Exec(`UPDATE locks SET expires_at = ? WHERE resource = ?`, time.Now().UnixMilli(), resource)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

type conflictRow struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Resource   string    `json:"resource"`
	DetectedAt time.Time `json:"detected_at"`
}

func listPendingConflicts(db *sql.DB) ([]conflictRow, error) {
	rows, err := db.Query(`SELECT id, type, resource, detected_at FROM conflicts WHERE status = 'pending' ORDER BY detected_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []conflictRow
	for rows.Next() {
		var c conflictRow
		var detectedMs int64
		if err := rows.Scan(&c.ID, &c.Type, &c.Resource, &detectedMs); err != nil {
			return nil, err
		}
		c.DetectedAt = time.UnixMilli(detectedMs)
		out = append(out, c)
	}
	return out, rows.Err()
}

func resolveConflict(db *sql.DB, id, resolution string) error {
	result, err := db.Exec(
		`UPDATE conflicts SET status = 'resolved', resolution = ?, resolved_at = ?, resolved_by = 'coordctl' WHERE id = ?`,
		resolution, time.Now().UnixMilli(), id,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("conflict not found: %s", id)
	}
	return nil
}
