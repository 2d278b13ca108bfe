// internal/storage/postgres.go
// Package storage provides PostgreSQL implementation of the Store interface.
// It lets a view survive a restart or a move between replicas within its session.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// postgres provides persistent storage for view snapshots.
type postgres struct {
	db *pgxpool.Pool // Connection pool to PostgreSQL database
}

// NewPostgres creates a new PostgreSQL storage implementation.
// It establishes a connection pool to the database and initializes the schema.
// Parameters:
//   - dsn: Database connection string in PostgreSQL format
//
// Returns:
//   - Store: Implementation of the storage interface
//   - error: Any error that occurred during initialization
func NewPostgres(dsn string) (Store, error) {
	// Parse the database connection string
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	// Snapshot writes are small and frequent
	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = time.Minute * 30
	config.HealthCheckPeriod = time.Minute

	// Establish connection with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Test the connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &postgres{db: pool}, nil
}

// initSchema creates the snapshot table and its expiry index if they don't already exist.
func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	schema := `
		-- One row per open view
		CREATE TABLE IF NOT EXISTS view_snapshots (
		    view_id TEXT PRIMARY KEY,                -- ULID of the view
		    owner TEXT NOT NULL,                     -- Subject that opened the view
		    collection TEXT NOT NULL,                -- Collection name
		    resource_id TEXT NOT NULL DEFAULT '',    -- Collection key
		    state JSONB NOT NULL,                    -- Descriptor, selection and columns
		    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),  -- Last write
		    expires_at TIMESTAMP WITH TIME ZONE NOT NULL  -- End of the session
		);

		CREATE INDEX IF NOT EXISTS idx_view_snapshots_expires_at ON view_snapshots(expires_at);
		CREATE INDEX IF NOT EXISTS idx_view_snapshots_owner ON view_snapshots(owner);
	`
	_, err := db.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool
func (p *postgres) Close() {
	p.db.Close()
}

// Ping checks the database connection
func (p *postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

// PutSnapshot inserts or replaces a snapshot
func (p *postgres) PutSnapshot(ctx context.Context, s Snapshot) error {
	query := `INSERT INTO view_snapshots (view_id, owner, collection, resource_id, state, updated_at, expires_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7)
	          ON CONFLICT (view_id) DO UPDATE
	          SET state = $5, updated_at = $6, expires_at = $7`

	updatedAt := s.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err := p.db.Exec(ctx, query, s.ViewID, s.Owner, s.Collection, s.ResourceID, []byte(s.State), updatedAt, s.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to store snapshot: %w", err)
	}
	return nil
}

// GetSnapshot retrieves an unexpired snapshot
func (p *postgres) GetSnapshot(ctx context.Context, viewID string) (*Snapshot, error) {
	query := `SELECT view_id, owner, collection, resource_id, state, updated_at, expires_at
	          FROM view_snapshots WHERE view_id = $1 AND expires_at > $2`

	var s Snapshot
	var state []byte
	err := p.db.QueryRow(ctx, query, viewID, time.Now().UTC()).Scan(
		&s.ViewID, &s.Owner, &s.Collection, &s.ResourceID, &state, &s.UpdatedAt, &s.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	s.State = state
	return &s, nil
}

// DeleteSnapshot deletes a snapshot
func (p *postgres) DeleteSnapshot(ctx context.Context, viewID string) error {
	tag, err := p.db.Exec(ctx, `DELETE FROM view_snapshots WHERE view_id = $1`, viewID)
	if err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteExpired purges snapshots whose session ended
func (p *postgres) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := p.db.Exec(ctx, `DELETE FROM view_snapshots WHERE expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge snapshots: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
