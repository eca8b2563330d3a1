package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS run_checkpoints (
	run_id     VARCHAR(64) PRIMARY KEY,
	state      VARCHAR(16) NOT NULL,
	version    BIGINT NOT NULL,
	payload    TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
)`

// the WHERE clause on the conflict branch keeps older writes from
// overwriting newer ones
const upsertQuery = `
INSERT INTO run_checkpoints (run_id, state, version, payload, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (run_id) DO UPDATE SET
	state = excluded.state,
	version = excluded.version,
	payload = excluded.payload,
	updated_at = excluded.updated_at
WHERE run_checkpoints.version < excluded.version`

// SQLConfig holds database configuration
type SQLConfig struct {
	// Driver is "postgres" or "sqlite3"
	Driver          string
	DSN             string
	MaxConnections  int
	IdleConnections int
	MaxLifetime     time.Duration
}

// SQLStore keeps snapshots in the run_checkpoints table
type SQLStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// OpenSQL connects, configures the pool and creates the table
func OpenSQL(ctx context.Context, cfg SQLConfig, logger *zap.Logger) (*SQLStore, error) {
	if cfg.Driver == "" {
		cfg.Driver = "postgres"
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 10
	}
	if cfg.IdleConnections == 0 {
		cfg.IdleConnections = 2
	}
	if cfg.MaxLifetime == 0 {
		cfg.MaxLifetime = 5 * time.Minute
	}
	db, err := sqlx.ConnectContext(ctx, cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.IdleConnections)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	s := NewSQLStore(db, logger)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if logger != nil {
		logger.Info("Checkpoint database initialized",
			zap.String("driver", cfg.Driver),
			zap.Int("max_connections", cfg.MaxConnections),
		)
	}
	return s, nil
}

// NewSQLStore wraps an existing connection
func NewSQLStore(db *sqlx.DB, logger *zap.Logger) *SQLStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLStore{db: db, logger: logger}
}

// Migrate creates the checkpoint table if needed
func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create checkpoint table: %w", err)
	}
	return nil
}

// Save implements Store
func (s *SQLStore) Save(ctx context.Context, snap *Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(upsertQuery),
		snap.RunID, snap.State, snap.Version, string(payload), snap.CreatedAt.UTC(), snap.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	if n == 0 {
		return ErrStale
	}
	return nil
}

// Load implements Store
func (s *SQLStore) Load(ctx context.Context, runID string) (*Snapshot, error) {
	var payload string
	err := s.db.GetContext(ctx, &payload, s.db.Rebind(`SELECT payload FROM run_checkpoints WHERE run_id = ?`), runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return decode(runID, payload)
}

type row struct {
	RunID   string `db:"run_id"`
	Payload string `db:"payload"`
}

// List implements Store
func (s *SQLStore) List(ctx context.Context) ([]*Snapshot, error) {
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, `SELECT run_id, payload FROM run_checkpoints ORDER BY created_at, run_id`); err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	out := make([]*Snapshot, 0, len(rows))
	for _, r := range rows {
		snap, err := decode(r.RunID, r.Payload)
		if err != nil {
			s.logger.Warn("Skipping unreadable checkpoint", zap.String("run_id", r.RunID), zap.Error(err))
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}

// Delete implements Store
func (s *SQLStore) Delete(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM run_checkpoints WHERE run_id = ?`), runID); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// Ping checks the database connection
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying connection pool
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func decode(runID, payload string) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %s: %w", runID, err)
	}
	return &snap, nil
}
