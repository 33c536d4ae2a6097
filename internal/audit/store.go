// Package audit persists credential lifecycle events to a SQLite
// database so operators can trace why a tenant was logged out.
package audit

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ledgergate/ledgergate/internal/errors"
	"github.com/ledgergate/ledgergate/internal/logging"
	_ "modernc.org/sqlite"
)

// EventType identifies what happened to a credential.
type EventType string

const (
	// EventTokenRefresh is a refresh exchange, successful or not.
	EventTokenRefresh EventType = "TOKEN_REFRESH"
	// EventCredentialStore is a credential written on code exchange or
	// manual import.
	EventCredentialStore EventType = "CREDENTIAL_STORE"
	// EventCredentialDelete is a credential removed after a fatal
	// refresh failure or explicit revocation.
	EventCredentialDelete EventType = "CREDENTIAL_DELETE"
	// EventStoreMigration is a legacy-salt store migrated to the
	// random-salt derivation.
	EventStoreMigration EventType = "STORE_MIGRATION"
	// EventRetryGuard is the one-shot retry guard tripping.
	EventRetryGuard EventType = "RETRY_GUARD"
)

// Event is one audited credential lifecycle event.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	TenantID  string    `json:"tenant_id,omitempty"`
	Outcome   string    `json:"outcome"` // "success" or "failure"
	Detail    string    `json:"detail,omitempty"`
}

// Recorder accepts audit events. The zero-value nop implementation is
// used when auditing is disabled.
type Recorder interface {
	Record(event Event)
}

// Nop is a Recorder that discards everything.
type Nop struct{}

// Record implements Recorder.
func (Nop) Record(Event) {}

// Store is a WAL-mode SQLite event store with time-based retention.
type Store struct {
	db            *sql.DB
	logger        *logging.Logger
	retentionDays int
	cleanupTicker *time.Ticker
	cleanupDone   chan struct{}
	closeOnce     sync.Once
}

// NewStore opens (or creates) the audit database. retentionDays <= 0
// disables the retention sweep.
func NewStore(dbPath string, retentionDays int, logger *logging.Logger) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &errors.ErrDirectoryCreate{Path: dir, Err: err}
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, &errors.ErrDatabaseOpen{Path: dbPath, Err: err}
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &errors.ErrDatabaseOpen{Path: dbPath, Err: err}
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_events (
			id         TEXT PRIMARY KEY,
			timestamp  DATETIME NOT NULL,
			event_type TEXT NOT NULL,
			tenant_id  TEXT NOT NULL DEFAULT '',
			outcome    TEXT NOT NULL,
			detail     TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_audit_events_tenant ON audit_events(tenant_id, timestamp);
		CREATE INDEX IF NOT EXISTS idx_audit_events_ts ON audit_events(timestamp);
	`); err != nil {
		db.Close()
		return nil, &errors.ErrDatabaseQuery{Operation: "create audit schema", Err: err}
	}

	if logger == nil {
		logger = logging.NewLogger()
	}

	s := &Store{
		db:            db,
		logger:        logger,
		retentionDays: retentionDays,
		cleanupDone:   make(chan struct{}),
	}
	if retentionDays > 0 {
		s.startCleanup()
	}
	return s, nil
}

// Record inserts an event, filling in the id and timestamp when the
// caller left them empty. Insert failures are logged, not returned: an
// audit trail must never take down the request path.
func (s *Store) Record(event Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err := s.db.Exec(
		`INSERT INTO audit_events (id, timestamp, event_type, tenant_id, outcome, detail) VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, event.Timestamp, string(event.Type), event.TenantID, event.Outcome, event.Detail,
	)
	if err != nil {
		s.logger.Error("failed to record audit event",
			"event_type", string(event.Type), "tenant_id", event.TenantID, "error", err.Error())
	}
}

// Recent returns up to limit events, newest first.
func (s *Store) Recent(limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, timestamp, event_type, tenant_id, outcome, detail
		 FROM audit_events ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "list recent audit events", Err: err}
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ByTenant returns up to limit events for one tenant, newest first.
func (s *Store) ByTenant(tenantID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, timestamp, event_type, tenant_id, outcome, detail
		 FROM audit_events WHERE tenant_id = ? ORDER BY timestamp DESC LIMIT ?`, tenantID, limit)
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "list tenant audit events", Err: err}
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var e Event
		var eventType string
		if err := rows.Scan(&e.ID, &e.Timestamp, &eventType, &e.TenantID, &e.Outcome, &e.Detail); err != nil {
			return nil, &errors.ErrDatabaseQuery{Operation: "scan audit event", Err: err}
		}
		e.Type = EventType(eventType)
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *Store) startCleanup() {
	s.cleanupTicker = time.NewTicker(6 * time.Hour)
	go func() {
		for {
			select {
			case <-s.cleanupDone:
				return
			case <-s.cleanupTicker.C:
				s.purgeExpired()
			}
		}
	}()
}

func (s *Store) purgeExpired() {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays)
	result, err := s.db.Exec(`DELETE FROM audit_events WHERE timestamp < ?`, cutoff)
	if err != nil {
		s.logger.Error("audit retention sweep failed", "error", err.Error())
		return
	}
	if deleted, err := result.RowsAffected(); err == nil && deleted > 0 {
		s.logger.Info("audit retention sweep", "deleted", deleted, "retention_days", s.retentionDays)
	}
}

// Close stops the retention sweep and closes the database. Both the
// shutdown signal path and the serve command's defer reach it, so
// calls after the first are no-ops.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.cleanupTicker != nil {
			s.cleanupTicker.Stop()
		}
		close(s.cleanupDone)
		err = s.db.Close()
	})
	return err
}

// Shutdown closes the store as part of coordinated server shutdown.
// Closing SQLite does not block on in-flight work, so the context goes
// unused.
func (s *Store) Shutdown(context.Context) error {
	return s.Close()
}

var _ Recorder = (*Store)(nil)
var _ Recorder = Nop{}
