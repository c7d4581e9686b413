package sqlstore

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/kirillkom/knowledge-server/internal/core/domain"
)

func newRepoWithMock(t *testing.T) (*DocumentRepository, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	return NewDocumentRepository(db, DialectPostgres), mock, func() { _ = db.Close() }
}

func TestRebindNumbersPlaceholdersForPostgres(t *testing.T) {
	got := DialectPostgres.rebind("a = ? AND b IN (?,?)")
	if got != "a = $1 AND b IN ($2,$3)" {
		t.Fatalf("rebind() = %q", got)
	}
	if got := DialectSQLite.rebind("a = ?"); got != "a = ?" {
		t.Fatalf("sqlite rebind() = %q", got)
	}
}

func TestGetByHashReturnsDomainNotFound(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	mock.ExpectQuery(`SELECT domain, content_hash, filename`).
		WithArgs("med", "missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByHash(context.Background(), "med", "missing")
	if !domain.IsKind(err, domain.ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpdateStatusReturnsDomainNotFoundWhenRecordMissing(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE documents`).
		WithArgs(string(domain.StatusExtracting), "", sqlmock.AnyArg(), "med", "missing", string(domain.StatusReceived)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT status FROM documents`).
		WithArgs("med", "missing").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := repo.UpdateStatus(context.Background(), "med", "missing", domain.StatusExtracting, "")
	if !domain.IsKind(err, domain.ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpdateStatusReturnsStaleTransition(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE documents`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT status FROM documents`).
		WithArgs("med", "abc").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(string(domain.StatusIndexed)))
	mock.ExpectRollback()

	err := repo.UpdateStatus(context.Background(), "med", "abc", domain.StatusFailed, "boom")
	if !domain.IsKind(err, domain.ErrStaleStatusTransition) {
		t.Fatalf("expected ErrStaleStatusTransition, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpdateStatusLogsAcceptedTransition(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE documents`).
		WithArgs(string(domain.StatusChunking), "", sqlmock.AnyArg(), "med", "abc", string(domain.StatusExtracting)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO processing_log`).
		WithArgs("med", "abc", string(domain.StatusChunking), "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := repo.UpdateStatus(context.Background(), "med", "abc", domain.StatusChunking, ""); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpdateStatusRejectsReceived(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	err := repo.UpdateStatus(context.Background(), "med", "abc", domain.StatusReceived, "")
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpsertDocumentRejectsInFlightRecord(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status, created_at FROM documents`).
		WithArgs("med", "abc").
		WillReturnRows(sqlmock.NewRows([]string{"status", "created_at"}).AddRow(string(domain.StatusEmbedding), int64(1)))
	mock.ExpectRollback()

	err := repo.UpsertDocument(context.Background(), &domain.Document{
		Domain: "med", Hash: "abc", Filename: "a.txt", Format: domain.FormatText, Status: domain.StatusReceived,
	})
	if !domain.IsKind(err, domain.ErrStaleStatusTransition) {
		t.Fatalf("expected ErrStaleStatusTransition, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSetChunkCountReturnsDomainNotFoundWhenNoRowsAffected(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	mock.ExpectExec(`UPDATE documents SET chunk_count`).
		WithArgs(3, sqlmock.AnyArg(), "med", "missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.SetChunkCount(context.Background(), "med", "missing", 3)
	if !domain.IsKind(err, domain.ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestTagPatternEscapesWildcards(t *testing.T) {
	got, err := tagPattern(`a_b%`)
	if err != nil {
		t.Fatalf("tagPattern() error = %v", err)
	}
	if got != `%"a\_b\%"%` {
		t.Fatalf("tagPattern() = %q", got)
	}
}
