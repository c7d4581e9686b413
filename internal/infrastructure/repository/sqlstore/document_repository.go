package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kirillkom/knowledge-server/internal/core/domain"
)

type DocumentRepository struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

func NewDocumentRepository(db *sql.DB, dialect Dialect) *DocumentRepository {
	return &DocumentRepository{
		db:      db,
		dialect: dialect,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (r *DocumentRepository) EnsureSchema(ctx context.Context) error {
	return ensureSchema(ctx, r.db, r.dialect)
}

const documentColumns = `domain, content_hash, filename, format, tags, size_bytes, chunk_count, storage_key, status, error_message, created_at, updated_at`

func (r *DocumentRepository) UpsertDocument(ctx context.Context, doc *domain.Document) error {
	tagsJSON, err := marshalTags(doc.Tags)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := r.now()
	var (
		current   string
		createdAt int64
	)
	err = tx.QueryRowContext(ctx, r.dialect.rebind(`
SELECT status, created_at FROM documents WHERE domain = ? AND content_hash = ?
`), doc.Domain, doc.Hash).Scan(&current, &createdAt)

	detail := "uploaded"
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, r.dialect.rebind(`
INSERT INTO documents (`+documentColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
`),
			doc.Domain, doc.Hash, doc.Filename, string(doc.Format), tagsJSON, doc.SizeBytes, 0,
			doc.StorageKey, string(doc.Status), doc.Error, now.UnixNano(), now.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("insert document: %w", err)
		}
		doc.CreatedAt = now
	case err != nil:
		return fmt.Errorf("read document status: %w", err)
	case domain.DocumentStatus(current) != domain.StatusFailed:
		return domain.WrapError(domain.ErrStaleStatusTransition, "upsert document",
			fmt.Errorf("document %s is %s", doc.Key(), current))
	default:
		res, err := tx.ExecContext(ctx, r.dialect.rebind(`
UPDATE documents
SET filename = ?, format = ?, tags = ?, size_bytes = ?, chunk_count = 0, storage_key = ?, status = ?, error_message = ?, updated_at = ?
WHERE domain = ? AND content_hash = ? AND status = ?
`),
			doc.Filename, string(doc.Format), tagsJSON, doc.SizeBytes, doc.StorageKey, string(doc.Status), doc.Error,
			now.UnixNano(), doc.Domain, doc.Hash, string(domain.StatusFailed),
		)
		if err != nil {
			return fmt.Errorf("overwrite failed document: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return domain.WrapError(domain.ErrStaleStatusTransition, "upsert document",
				fmt.Errorf("document %s left failed state", doc.Key()))
		}
		doc.CreatedAt = time.Unix(0, createdAt).UTC()
		detail = "re-uploaded after failure"
	}

	if err := r.appendEvent(ctx, tx, doc.Domain, doc.Hash, doc.Status, detail, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert tx: %w", err)
	}
	doc.ChunkCount = 0
	doc.UpdatedAt = now
	return nil
}

func (r *DocumentRepository) GetByHash(ctx context.Context, domainName, hash string) (*domain.Document, error) {
	row := r.db.QueryRowContext(ctx, r.dialect.rebind(`
SELECT `+documentColumns+`
FROM documents
WHERE domain = ? AND content_hash = ?
`), domainName, hash)

	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document", fmt.Errorf("document %s", domain.DocumentKey(domainName, hash)))
		}
		return nil, err
	}
	return doc, nil
}

func (r *DocumentRepository) ListDocuments(ctx context.Context, filter domain.DocumentFilter) ([]domain.Document, error) {
	var (
		where []string
		args  []any
	)
	if filter.Domain != "" {
		where = append(where, "domain = ?")
		args = append(args, filter.Domain)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Tag != "" {
		pattern, err := tagPattern(filter.Tag)
		if err != nil {
			return nil, err
		}
		where = append(where, `tags LIKE ? ESCAPE '\'`)
		args = append(args, pattern)
	}

	query := `SELECT ` + documentColumns + ` FROM documents`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, content_hash ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, r.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return out, nil
}

func (r *DocumentRepository) UpdateStatus(
	ctx context.Context,
	domainName, hash string,
	status domain.DocumentStatus,
	errMessage string,
) error {
	from := status.Predecessors()
	if len(from) == 0 {
		return domain.WrapError(domain.ErrInvalidInput, "update document status", fmt.Errorf("status %q cannot be set directly", status))
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin status tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := r.now()
	args := []any{string(status), errMessage, now.UnixNano(), domainName, hash}
	for _, s := range from {
		args = append(args, string(s))
	}
	res, err := tx.ExecContext(ctx, r.dialect.rebind(`
UPDATE documents
SET status = ?, error_message = ?, updated_at = ?
WHERE domain = ? AND content_hash = ? AND status IN (`+placeholders(len(from))+`)
`), args...)
	if err != nil {
		return fmt.Errorf("update document status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update document status rows affected: %w", err)
	}
	if affected == 0 {
		var current string
		err := tx.QueryRowContext(ctx, r.dialect.rebind(`
SELECT status FROM documents WHERE domain = ? AND content_hash = ?
`), domainName, hash).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.WrapError(domain.ErrDocumentNotFound, "update document status",
				fmt.Errorf("document %s", domain.DocumentKey(domainName, hash)))
		}
		if err != nil {
			return fmt.Errorf("read document status: %w", err)
		}
		return domain.WrapError(domain.ErrStaleStatusTransition, "update document status",
			fmt.Errorf("document %s is %s, cannot move to %s", domain.DocumentKey(domainName, hash), current, status))
	}

	if err := r.appendEvent(ctx, tx, domainName, hash, status, errMessage, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit status tx: %w", err)
	}
	return nil
}

func (r *DocumentRepository) SetChunkCount(ctx context.Context, domainName, hash string, count int) error {
	res, err := r.db.ExecContext(ctx, r.dialect.rebind(`
UPDATE documents SET chunk_count = ?, updated_at = ? WHERE domain = ? AND content_hash = ?
`), count, r.now().UnixNano(), domainName, hash)
	if err != nil {
		return fmt.Errorf("set chunk count: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.WrapError(domain.ErrDocumentNotFound, "set chunk count",
			fmt.Errorf("document %s", domain.DocumentKey(domainName, hash)))
	}
	return nil
}

func (r *DocumentRepository) DeleteDocument(ctx context.Context, domainName, hash string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx, r.dialect.rebind(`
DELETE FROM documents WHERE domain = ? AND content_hash = ?
`), domainName, hash)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.WrapError(domain.ErrDocumentNotFound, "delete document",
			fmt.Errorf("document %s", domain.DocumentKey(domainName, hash)))
	}
	if _, err := tx.ExecContext(ctx, r.dialect.rebind(`
DELETE FROM processing_log WHERE domain = ? AND content_hash = ?
`), domainName, hash); err != nil {
		return fmt.Errorf("delete processing log: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete tx: %w", err)
	}
	return nil
}

func (r *DocumentRepository) ListEvents(ctx context.Context, domainName, hash string) ([]domain.ProcessingEvent, error) {
	rows, err := r.db.QueryContext(ctx, r.dialect.rebind(`
SELECT domain, content_hash, status, detail, created_at
FROM processing_log
WHERE domain = ? AND content_hash = ?
ORDER BY id ASC
`), domainName, hash)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	out := make([]domain.ProcessingEvent, 0)
	for rows.Next() {
		var (
			ev        domain.ProcessingEvent
			status    string
			createdAt int64
		)
		if err := rows.Scan(&ev.Domain, &ev.Hash, &status, &ev.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Status = domain.DocumentStatus(status)
		ev.CreatedAt = time.Unix(0, createdAt).UTC()
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func (r *DocumentRepository) CountByStatus(ctx context.Context, domainName string) (map[domain.DocumentStatus]int, error) {
	query := `SELECT status, COUNT(*) FROM documents`
	var args []any
	if domainName != "" {
		query += ` WHERE domain = ?`
		args = append(args, domainName)
	}
	query += ` GROUP BY status`

	rows, err := r.db.QueryContext(ctx, r.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("count documents: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.DocumentStatus]int)
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[domain.DocumentStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counts: %w", err)
	}
	return out, nil
}

func (r *DocumentRepository) appendEvent(
	ctx context.Context,
	tx *sql.Tx,
	domainName, hash string,
	status domain.DocumentStatus,
	detail string,
	at time.Time,
) error {
	_, err := tx.ExecContext(ctx, r.dialect.rebind(`
INSERT INTO processing_log (domain, content_hash, status, detail, created_at) VALUES (?,?,?,?,?)
`), domainName, hash, string(status), detail, at.UnixNano())
	if err != nil {
		return fmt.Errorf("append processing log: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*domain.Document, error) {
	var (
		doc       domain.Document
		format    string
		tagsRaw   string
		status    string
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(
		&doc.Domain, &doc.Hash, &doc.Filename, &format, &tagsRaw, &doc.SizeBytes, &doc.ChunkCount,
		&doc.StorageKey, &status, &doc.Error, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan document: %w", err)
	}
	if err := json.Unmarshal([]byte(tagsRaw), &doc.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}
	if doc.Tags == nil {
		doc.Tags = []string{}
	}
	doc.Format = domain.Format(format)
	doc.Status = domain.DocumentStatus(status)
	doc.CreatedAt = time.Unix(0, createdAt).UTC()
	doc.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &doc, nil
}

func marshalTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	raw, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("marshal tags: %w", err)
	}
	return string(raw), nil
}

// tagPattern matches one exact element of the JSON-encoded tags array.
func tagPattern(tag string) (string, error) {
	raw, err := json.Marshal(tag)
	if err != nil {
		return "", fmt.Errorf("marshal tag filter: %w", err)
	}
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(string(raw))
	return "%" + escaped + "%", nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
