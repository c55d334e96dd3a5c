package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const documentColumns = `id, file_name, mime_type, size_bytes, analysis_type, questions_json, status, result_json, created_at, updated_at`

// SaveDocument stores an uploaded document. When job is non-nil it is
// enqueued in the same transaction.
func (s *Store) SaveDocument(ctx context.Context, d Document, job *Job) error {
	now := time.Now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.Status == "" {
		d.Status = DocumentPending
	}
	if d.AnalysisType == "" {
		d.AnalysisType = "summary"
	}
	if d.Data == nil {
		d.Data = []byte{}
	}
	if d.QuestionsJSON == "" {
		d.QuestionsJSON = "[]"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning document transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO documents (`+documentColumns+`, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.FileName, d.MimeType, int64(len(d.Data)), d.AnalysisType, d.QuestionsJSON,
		d.Status, d.ResultJSON, formatTime(d.CreatedAt), formatTime(now), d.Data,
	)
	if err != nil {
		return fmt.Errorf("inserting document: %w", err)
	}

	if job != nil {
		if err := enqueueJob(ctx, tx, *job); err != nil {
			return fmt.Errorf("enqueueing job for document %s: %w", d.ID, err)
		}
	}
	return tx.Commit()
}

// GetDocument returns the document including its content.
func (s *Store) GetDocument(ctx context.Context, id string) (Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+`, data FROM documents WHERE id = ?`, id)
	d, err := scanDocument(row, true)
	if err == sql.ErrNoRows {
		return Document{}, ErrNotFound
	}
	return d, err
}

// ListDocuments returns up to limit documents, newest first, without their
// content.
func (s *Store) ListDocuments(ctx context.Context, limit int) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+documentColumns+` FROM documents ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		d, err := scanDocument(rows, false)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// SetDocumentResult records the outcome of an analysis.
func (s *Store) SetDocumentResult(ctx context.Context, id, status, resultJSON string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE documents SET status = ?, result_json = ?, updated_at = ? WHERE id = ?`,
		status, resultJSON, formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	return notFoundIfNone(res)
}

func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return notFoundIfNone(res)
}

func scanDocument(r rowScanner, withData bool) (Document, error) {
	var d Document
	var createdAt, updatedAt string
	dest := []any{&d.ID, &d.FileName, &d.MimeType, &d.SizeBytes, &d.AnalysisType, &d.QuestionsJSON,
		&d.Status, &d.ResultJSON, &createdAt, &updatedAt}
	if withData {
		dest = append(dest, &d.Data)
	}
	if err := r.Scan(dest...); err != nil {
		return Document{}, err
	}
	var err error
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return Document{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if d.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Document{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return d, nil
}
