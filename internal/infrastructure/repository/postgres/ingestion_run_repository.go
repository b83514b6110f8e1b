package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kirillkom/tabular-rag/internal/core/domain"
)

// IngestionRunRepository is the audit ledger of ingestion runs. Rows are
// written by the orchestrator and never read back by it.
type IngestionRunRepository struct {
	db *sql.DB
}

func NewIngestionRunRepository(db *sql.DB) *IngestionRunRepository {
	return &IngestionRunRepository{db: db}
}

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func (r *IngestionRunRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026101801)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS ingestion_runs (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	skip_rows INTEGER NOT NULL DEFAULT 0,
	batch_size INTEGER NOT NULL,
	total_documents INTEGER NOT NULL DEFAULT 0,
	total_batches INTEGER NOT NULL DEFAULT 0,
	total_embedded INTEGER NOT NULL DEFAULT 0,
	resume_skip_rows INTEGER,
	error_message TEXT,
	started_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_ingestion_runs_started_at ON ingestion_runs(started_at DESC);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func (r *IngestionRunRepository) Start(ctx context.Context, rec *domain.IngestionRunRecord) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO ingestion_runs (id, status, skip_rows, batch_size, started_at)
VALUES ($1,$2,$3,$4,$5)
`, rec.ID, string(rec.Status), rec.SkipRows, rec.BatchSize, rec.StartedAt)
	if err != nil {
		return fmt.Errorf("insert ingestion run: %w", err)
	}
	return nil
}

func (r *IngestionRunRepository) Finish(ctx context.Context, rec *domain.IngestionRunRecord) error {
	var resume sql.NullInt64
	if rec.ResumeSkipRows != nil {
		resume = sql.NullInt64{Int64: int64(*rec.ResumeSkipRows), Valid: true}
	}
	result, err := r.db.ExecContext(ctx, `
UPDATE ingestion_runs
SET status = $2, total_documents = $3, total_batches = $4, total_embedded = $5,
	resume_skip_rows = $6, error_message = $7, finished_at = $8
WHERE id = $1
`, rec.ID, string(rec.Status), rec.TotalDocuments, rec.TotalBatches, rec.TotalEmbedded,
		resume, nullIfEmpty(rec.Error), rec.FinishedAt)
	if err != nil {
		return fmt.Errorf("finish ingestion run: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish ingestion run rows affected: %w", err)
	}
	if rows == 0 {
		return domain.WrapError(domain.ErrNotFound, "finish ingestion run", fmt.Errorf("run %s", rec.ID))
	}
	return nil
}

func (r *IngestionRunRepository) GetByID(ctx context.Context, id string) (*domain.IngestionRunRecord, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, status, skip_rows, batch_size, total_documents, total_batches, total_embedded,
	resume_skip_rows, error_message, started_at, finished_at
FROM ingestion_runs
WHERE id = $1
`, id)

	var (
		rec        domain.IngestionRunRecord
		status     string
		resume     sql.NullInt64
		errMessage sql.NullString
		finishedAt sql.NullTime
	)
	err := row.Scan(
		&rec.ID,
		&status,
		&rec.SkipRows,
		&rec.BatchSize,
		&rec.TotalDocuments,
		&rec.TotalBatches,
		&rec.TotalEmbedded,
		&resume,
		&errMessage,
		&rec.StartedAt,
		&finishedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrNotFound, "get ingestion run", fmt.Errorf("run %s", id))
		}
		return nil, fmt.Errorf("get ingestion run: %w", err)
	}

	rec.Status = domain.RunStatus(status)
	rec.Error = errMessage.String
	if resume.Valid {
		n := int(resume.Int64)
		rec.ResumeSkipRows = &n
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		rec.FinishedAt = &t
	}
	return &rec, nil
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
