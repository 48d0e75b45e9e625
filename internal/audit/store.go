// Package audit records mutations and authentication events in a sqlite
// database.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"grimm.is/tunnelboard/internal/clock"
	"grimm.is/tunnelboard/internal/logging"
)

// Event statuses.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Actions recorded by the daemon.
const (
	ActionLogin    = "auth.login"
	ActionLogout   = "auth.logout"
	ActionRefresh  = "auth.refresh"
	ActionPassword = "auth.password"
)

// EntryAction returns the action name for an entry mutation, for example
// "server.update".
func EntryAction(kind, op string) string {
	return kind + "." + op
}

// Event represents a single audit log entry.
type Event struct {
	ID        int64          `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Session   string         `json:"session,omitempty"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Status    string         `json:"status"`
	IP        string         `json:"ip,omitempty"`
}

// Store provides persistent storage for audit events.
type Store struct {
	mu            sync.RWMutex
	db            *sql.DB
	retentionDays int
	clock         clock.Clock
	logger        *logging.Logger
}

// NewStore opens (creating if needed) the audit database at dbPath.
func NewStore(dbPath string, retentionDays int, logger *logging.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0750); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			session TEXT,
			action TEXT NOT NULL,
			resource TEXT,
			details TEXT,
			status TEXT NOT NULL,
			ip TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_events(ts);
		CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_events(action);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit table: %w", err)
	}

	if retentionDays <= 0 {
		retentionDays = 90
	}
	if logger == nil {
		logger = logging.Default()
	}

	return &Store{
		db:            db,
		retentionDays: retentionDays,
		clock:         clock.Real,
		logger:        logger.WithComponent("audit"),
	}, nil
}

// SetClock overrides the time source used for timestamps and pruning.
func (s *Store) SetClock(c clock.Clock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock.OrReal(c)
}

// Write persists an audit event. A zero Timestamp is set to now.
func (s *Store) Write(evt Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if evt.Timestamp.IsZero() {
		evt.Timestamp = s.clock.Now()
	}

	var details sql.NullString
	if evt.Details != nil {
		data, err := json.Marshal(evt.Details)
		if err != nil {
			data = []byte("{}")
		}
		details = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.Exec(`
		INSERT INTO audit_events (ts, session, action, resource, details, status, ip)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, evt.Timestamp.UnixMilli(), evt.Session, evt.Action, evt.Resource, details, evt.Status, evt.IP)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// Record writes evt and logs instead of returning a failure. Audit problems
// never fail the request being audited.
func (s *Store) Record(evt Event) {
	if err := s.Write(evt); err != nil {
		s.logger.Error("failed to record audit event", "action", evt.Action, "error", err)
	}
}

// Recent returns the newest events first, optionally filtered by action.
// limit <= 0 means 100.
func (s *Store) Recent(action string, limit int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, ts, session, action, resource, details, status, ip FROM audit_events`
	var args []any
	if action != "" {
		query += " WHERE action = ?"
		args = append(args, action)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var (
			evt      Event
			ts       int64
			session  sql.NullString
			resource sql.NullString
			details  sql.NullString
			ip       sql.NullString
		)
		if err := rows.Scan(&evt.ID, &ts, &session, &evt.Action, &resource, &details, &evt.Status, &ip); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		evt.Timestamp = time.UnixMilli(ts)
		evt.Session = session.String
		evt.Resource = resource.String
		evt.IP = ip.String
		if details.Valid && details.String != "" {
			json.Unmarshal([]byte(details.String), &evt.Details)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// Prune removes events older than the retention period.
func (s *Store) Prune() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.clock.Now().AddDate(0, 0, -s.retentionDays)
	result, err := s.db.Exec("DELETE FROM audit_events WHERE ts < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune audit events: %w", err)
	}
	return result.RowsAffected()
}

// Count returns the total number of events in the store.
func (s *Store) Count() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	err := s.db.QueryRow("SELECT COUNT(*) FROM audit_events").Scan(&count)
	return count, err
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
