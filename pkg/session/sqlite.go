package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"chatpilot/pkg/logx"
)

// schemaVersion tracks the session store schema for forward migrations.
const schemaVersion = 1

// SQLiteStore is the production Store backed by an embedded SQLite database.
// The connection pool is capped at one open connection: SQLite allows a
// single writer, and the cap is what serializes concurrent Saves per key.
type SQLiteStore struct {
	db     *sql.DB
	logger *logx.Logger
}

// OpenSQLite opens (creating if necessary) the session database at dbPath.
func OpenSQLite(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000",
		dbPath,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initializeSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	logger := logx.NewLogger("session")
	logger.Info("📦 Session store initialized: %s", dbPath)

	return &SQLiteStore{db: db, logger: logger}, nil
}

func initializeSchema(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var version int
	err := db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, schemaVersion); err != nil {
			return fmt.Errorf("failed to record schema version: %w", err)
		}
		version = schemaVersion
	} else if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	if version != schemaVersion {
		return fmt.Errorf("unsupported schema version %d (want %d)", version, schemaVersion)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			tenant_id        TEXT NOT NULL,
			instance_id      TEXT NOT NULL,
			correspondent_id TEXT NOT NULL,
			state            TEXT NOT NULL,
			data_json        TEXT NOT NULL DEFAULT '{}',
			awaiting_human   INTEGER NOT NULL DEFAULT 0,
			updated_at       TEXT NOT NULL,
			PRIMARY KEY (tenant_id, instance_id, correspondent_id)
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_instance
			ON sessions (tenant_id, instance_id, updated_at DESC);

		CREATE TABLE IF NOT EXISTS instances (
			instance_id  TEXT PRIMARY KEY,
			tenant_id    TEXT NOT NULL,
			status       TEXT NOT NULL,
			last_seen_at TEXT
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

// Load retrieves the record for key. Decode failures surface as ErrCorrupt
// and the record is left untouched for manual repair.
func (s *SQLiteStore) Load(ctx context.Context, key Key) (*Record, error) {
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session key: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT state, data_json, awaiting_human, updated_at
		FROM sessions
		WHERE tenant_id = ? AND instance_id = ? AND correspondent_id = ?
	`, key.TenantID, key.InstanceID, key.CorrespondentID)

	var (
		state         string
		dataJSON      string
		awaitingHuman int
		updatedAt     string
	)
	err := row.Scan(&state, &dataJSON, &awaitingHuman, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session %s: %w", key, err)
	}

	record := &Record{
		Key:   key,
		State: state,
		Flags: Flags{AwaitingHuman: awaitingHuman != 0},
	}

	if err := json.Unmarshal([]byte(dataJSON), &record.CapturedData); err != nil {
		s.logger.Error("Corrupt captured data for session %s: %v", key, err)
		return nil, fmt.Errorf("%w: %s: bad captured data", ErrCorrupt, key)
	}
	if record.CapturedData == nil {
		record.CapturedData = make(map[string]any)
	}

	ts, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		s.logger.Error("Corrupt timestamp for session %s: %v", key, err)
		return nil, fmt.Errorf("%w: %s: bad timestamp", ErrCorrupt, key)
	}
	record.UpdatedAt = ts

	return record, nil
}

// Save upserts the record. The single-connection pool serializes concurrent
// writers, and the upsert replaces the whole row so a reader never observes
// a mix of two writes.
func (s *SQLiteStore) Save(ctx context.Context, record *Record) error {
	if err := record.Key.Validate(); err != nil {
		return fmt.Errorf("invalid session key: %w", err)
	}
	if record.State == "" {
		return fmt.Errorf("session state cannot be empty")
	}

	dataJSON, err := json.Marshal(record.CapturedData)
	if err != nil {
		return fmt.Errorf("failed to marshal captured data for %s: %w", record.Key, err)
	}

	awaitingHuman := 0
	if record.Flags.AwaitingHuman {
		awaitingHuman = 1
	}

	updatedAt := record.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (tenant_id, instance_id, correspondent_id, state, data_json, awaiting_human, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, instance_id, correspondent_id) DO UPDATE SET
			state = excluded.state,
			data_json = excluded.data_json,
			awaiting_human = excluded.awaiting_human,
			updated_at = excluded.updated_at
	`, record.Key.TenantID, record.Key.InstanceID, record.Key.CorrespondentID,
		record.State, string(dataJSON), awaitingHuman, updatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", record.Key, err)
	}
	return nil
}

// ListByInstance returns all records for one instance, newest first.
func (s *SQLiteStore) ListByInstance(ctx context.Context, tenantID, instanceID string) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT correspondent_id, state, data_json, awaiting_human, updated_at
		FROM sessions
		WHERE tenant_id = ? AND instance_id = ?
		ORDER BY updated_at DESC
	`, tenantID, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*Record
	for rows.Next() {
		var (
			correspondentID string
			state           string
			dataJSON        string
			awaitingHuman   int
			updatedAt       string
		)
		if err := rows.Scan(&correspondentID, &state, &dataJSON, &awaitingHuman, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}

		record := &Record{
			Key:   Key{TenantID: tenantID, InstanceID: instanceID, CorrespondentID: correspondentID},
			State: state,
			Flags: Flags{AwaitingHuman: awaitingHuman != 0},
		}
		if err := json.Unmarshal([]byte(dataJSON), &record.CapturedData); err != nil {
			return nil, fmt.Errorf("%w: %s: bad captured data", ErrCorrupt, record.Key)
		}
		if record.CapturedData == nil {
			record.CapturedData = make(map[string]any)
		}
		if ts, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
			record.UpdatedAt = ts
		}

		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return records, nil
}

// InstanceStatus is the persisted connection status snapshot for one
// instance. The connection manager owns the live status; this table exists so
// restarts can tell which instances were connected before and reset them.
type InstanceStatus struct {
	InstanceID string
	TenantID   string
	Status     string
	LastSeenAt *time.Time
}

// SaveInstanceStatus upserts an instance status snapshot.
func (s *SQLiteStore) SaveInstanceStatus(ctx context.Context, st *InstanceStatus) error {
	var lastSeen any
	if st.LastSeenAt != nil {
		lastSeen = st.LastSeenAt.Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instances (instance_id, tenant_id, status, last_seen_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(instance_id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			status = excluded.status,
			last_seen_at = excluded.last_seen_at
	`, st.InstanceID, st.TenantID, st.Status, lastSeen)
	if err != nil {
		return fmt.Errorf("failed to save instance status: %w", err)
	}
	return nil
}

// MarkStaleInstances resets any instance persisted as connected or connecting
// to disconnected. Called at startup: a previous process that died cannot
// still hold transport sessions.
func (s *SQLiteStore) MarkStaleInstances(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE instances SET status = 'disconnected'
		WHERE status IN ('connected', 'connecting')
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to mark stale instances: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected > 0 {
		s.logger.Info("Reset %d stale instance(s) to disconnected", affected)
	}
	return affected, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close session store: %w", err)
	}
	return nil
}
