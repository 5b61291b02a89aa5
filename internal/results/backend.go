// Package results provides the optional PostgreSQL backend for storing run
// summaries: one row per test run with its verdict and op counts, keyed by
// the run's uuid, plus retention maintenance. The backend is disabled
// unless configured; the harness never requires it.
package results

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/elchinoo/tempest/pkg/types"
)

// Backend stores run summaries in PostgreSQL.
type Backend struct {
	db            *pgxpool.Pool
	retentionDays int
}

// RunRecord is one stored test run.
type RunRecord struct {
	ID          uuid.UUID      `json:"id"`
	Name        string         `json:"name"`
	Workload    string         `json:"workload"`
	Nodes       int            `json:"nodes"`
	Concurrency int            `json:"concurrency"`
	Valid       bool           `json:"valid"`
	OpCount     int            `json:"op_count"`
	InfoCount   int            `json:"info_count"`
	StartTime   time.Time      `json:"start_time"`
	EndTime     time.Time      `json:"end_time"`
	Results     map[string]any `json:"results"`
}

// NewBackend connects to the configured results database, creating the
// schema on first use. Returns (nil, nil) when the backend is disabled.
func NewBackend(ctx context.Context, cfg *types.Config) (*Backend, error) {
	if !cfg.Results.Enabled {
		return nil, nil
	}
	sslmode := cfg.Results.Sslmode
	if sslmode == "" {
		sslmode = "disable"
	}
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Results.Host, cfg.Results.Port, cfg.Results.Username,
		cfg.Results.Password, cfg.Results.Dbname, sslmode)

	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create results connection pool: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping results database: %w", err)
	}

	b := &Backend{db: db, retentionDays: cfg.Results.RetentionDays}
	if err := b.createTables(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create results tables: %w", err)
	}
	return b, nil
}

// Close releases the connection pool.
func (b *Backend) Close() {
	if b != nil && b.db != nil {
		b.db.Close()
	}
}

func (b *Backend) createTables(ctx context.Context) error {
	_, err := b.db.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS tempest_runs (
            id          UUID PRIMARY KEY,
            name        TEXT NOT NULL,
            workload    TEXT NOT NULL,
            nodes       INT NOT NULL,
            concurrency INT NOT NULL,
            valid       BOOLEAN NOT NULL,
            op_count    BIGINT NOT NULL,
            info_count  BIGINT NOT NULL,
            start_time  TIMESTAMPTZ NOT NULL,
            end_time    TIMESTAMPTZ NOT NULL,
            results     JSONB,
            created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
        )`)
	return err
}

// StoreRun persists one run summary.
func (b *Backend) StoreRun(ctx context.Context, rec *RunRecord) error {
	resultsJSON, err := json.Marshal(rec.Results)
	if err != nil {
		return fmt.Errorf("failed to encode results: %w", err)
	}
	_, err = b.db.Exec(ctx, `
        INSERT INTO tempest_runs
            (id, name, workload, nodes, concurrency, valid, op_count, info_count, start_time, end_time, results)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ID, rec.Name, rec.Workload, rec.Nodes, rec.Concurrency,
		rec.Valid, rec.OpCount, rec.InfoCount, rec.StartTime, rec.EndTime, resultsJSON)
	if err != nil {
		return fmt.Errorf("failed to store run %s: %w", rec.ID, err)
	}
	return nil
}

// PerformMaintenance removes runs older than the retention window.
func (b *Backend) PerformMaintenance(ctx context.Context) error {
	if b.retentionDays <= 0 {
		return nil
	}
	_, err := b.db.Exec(ctx,
		`DELETE FROM tempest_runs WHERE created_at < NOW() - make_interval(days => $1)`,
		b.retentionDays)
	if err != nil {
		return fmt.Errorf("failed to prune old runs: %w", err)
	}
	return nil
}
