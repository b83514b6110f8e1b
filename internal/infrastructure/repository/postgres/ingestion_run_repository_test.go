package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/kirillkom/tabular-rag/internal/core/domain"
)

func newRepoWithMock(t *testing.T) (*IngestionRunRepository, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	return NewIngestionRunRepository(db), mock, func() { _ = db.Close() }
}

func TestEnsureSchemaTakesAdvisoryLock(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs(int64(2026101801)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS ingestion_runs").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	if err := repo.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestStartAndFinishRun(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	started := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	finished := started.Add(time.Minute)
	resume := 1000
	rec := &domain.IngestionRunRecord{
		ID:        "run-1",
		Status:    domain.RunRunning,
		SkipRows:  0,
		BatchSize: 1000,
		StartedAt: started,
	}

	mock.ExpectExec("INSERT INTO ingestion_runs").
		WithArgs("run-1", "running", 0, 1000, started).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE ingestion_runs").
		WithArgs("run-1", "failed", 3000, 3, 1000, sql.NullInt64{Int64: 1000, Valid: true},
			sql.NullString{String: "boom", Valid: true}, &finished).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.Start(context.Background(), rec); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	rec.Status = domain.RunFailed
	rec.TotalDocuments = 3000
	rec.TotalBatches = 3
	rec.TotalEmbedded = 1000
	rec.ResumeSkipRows = &resume
	rec.Error = "boom"
	rec.FinishedAt = &finished
	if err := repo.Finish(context.Background(), rec); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestFinishUnknownRunIsNotFound(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	mock.ExpectExec("UPDATE ingestion_runs").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Finish(context.Background(), &domain.IngestionRunRecord{ID: "missing", Status: domain.RunSucceeded})
	if !domain.IsKind(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetByIDMapsNullableColumns(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	started := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"id", "status", "skip_rows", "batch_size", "total_documents", "total_batches", "total_embedded",
		"resume_skip_rows", "error_message", "started_at", "finished_at",
	}).AddRow("run-1", "running", 50, 1000, 0, 0, 0, nil, nil, started, nil)

	mock.ExpectQuery("FROM ingestion_runs").
		WithArgs("run-1").
		WillReturnRows(rows)

	rec, err := repo.GetByID(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if rec.Status != domain.RunRunning || rec.SkipRows != 50 || rec.ResumeSkipRows != nil || rec.FinishedAt != nil || rec.Error != "" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetByIDReturnsDomainNotFound(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	mock.ExpectQuery("FROM ingestion_runs").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByID(context.Background(), "missing")
	if !domain.IsKind(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
