package documents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/patientrecord/internal/platform/db"
)

// =========== Patient Repository ===========

type patientRepoPG struct{ pool *pgxpool.Pool }

func NewPatientRepoPG(pool *pgxpool.Pool) PatientRepository { return &patientRepoPG{pool: pool} }

func (r *patientRepoPG) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	var ok bool
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM patients WHERE id = $1)`, id).Scan(&ok)
	return ok, err
}

// =========== Update Repository ===========

type updateRepoPG struct{ pool *pgxpool.Pool }

func NewUpdateRepoPG(pool *pgxpool.Pool) UpdateRepository { return &updateRepoPG{pool: pool} }

func (r *updateRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

const updateCols = `id, patient_id, created_by, title, description, status, content_type, created_at, updated_at`

func (r *updateRepoPG) Create(ctx context.Context, u *Update) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO updates (id, patient_id, created_by, title, description, status, content_type)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`,
		u.ID, u.PatientID, u.CreatedBy, u.Title, u.Description, u.Status, u.ContentType,
	).Scan(&u.CreatedAt, &u.UpdatedAt)
}

func (r *updateRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Update, error) {
	var u Update
	err := r.conn(ctx).QueryRow(ctx, `SELECT `+updateCols+` FROM updates WHERE id = $1`, id).Scan(
		&u.ID, &u.PatientID, &u.CreatedBy, &u.Title, &u.Description, &u.Status, &u.ContentType,
		&u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUpdateNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// statusRankSQL mirrors UpdateStatus.Rank.
const statusRankSQL = `CASE status WHEN 'pending' THEN 0 WHEN 'processing' THEN 1 WHEN 'completed' THEN 2 ELSE 3 END`

func (r *updateRepoPG) AdvanceStatus(ctx context.Context, id uuid.UUID, status UpdateStatus) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE updates SET status = $2, updated_at = NOW(),
			ai_processed = CASE WHEN $2 = 'completed' THEN false ELSE ai_processed END
		WHERE id = $1 AND `+statusRankSQL+` < $3`,
		id, string(status), status.Rank())
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	var exists bool
	if err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM updates WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrUpdateNotFound
	}
	return false, nil
}

func (r *updateRepoPG) ListPending(ctx context.Context, createdBefore time.Time, limit int) ([]PendingWork, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT d.id, u.id, u.patient_id, u.created_at
		FROM updates u
		JOIN documents d ON d.update_id = u.id
		WHERE u.status = 'pending' AND u.created_at < $1
		ORDER BY u.created_at
		LIMIT $2`, createdBefore, limit)
	if err != nil {
		return nil, err
	}
	return scanWork(rows)
}

func (r *updateRepoPG) ListFailed(ctx context.Context, updatedBefore time.Time, limit int) ([]PendingWork, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT d.id, u.id, u.patient_id, u.created_at
		FROM updates u
		JOIN documents d ON d.update_id = u.id
		WHERE d.extracted_data->>'status' = 'failed' AND u.updated_at < $1
		ORDER BY u.updated_at
		LIMIT $2`, updatedBefore, limit)
	if err != nil {
		return nil, err
	}
	return scanWork(rows)
}

func scanWork(rows pgx.Rows) ([]PendingWork, error) {
	defer rows.Close()

	var out []PendingWork
	for rows.Next() {
		var w PendingWork
		if err := rows.Scan(&w.DocumentID, &w.UpdateID, &w.PatientID, &w.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// =========== Document Repository ===========

type documentRepoPG struct{ pool *pgxpool.Pool }

func NewDocumentRepoPG(pool *pgxpool.Pool) DocumentRepository { return &documentRepoPG{pool: pool} }

func (r *documentRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

const documentCols = `id, update_id, document_type, file_name, file_path, file_size, mime_type, extracted_data, created_at`

func (r *documentRepoPG) Create(ctx context.Context, d *Document) error {
	if d.ID == uuid.Nil {
		return fmt.Errorf("document id must be reserved before insert")
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO documents (id, update_id, document_type, file_name, file_path, file_size, mime_type)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`,
		d.ID, d.UpdateID, d.DocumentType, d.FileName, d.FilePath, d.FileSize, d.MimeType,
	).Scan(&d.CreatedAt)
}

func (r *documentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Document, error) {
	var d Document
	var raw []byte
	err := r.conn(ctx).QueryRow(ctx, `SELECT `+documentCols+` FROM documents WHERE id = $1`, id).Scan(
		&d.ID, &d.UpdateID, &d.DocumentType, &d.FileName, &d.FilePath, &d.FileSize, &d.MimeType,
		&raw, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, err
	}
	d.ExtractedData = ParseProcessingResult(raw)
	return &d, nil
}

func (r *documentRepoPG) SetExtractedData(ctx context.Context, id uuid.UUID, res *ProcessingResult) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal extracted_data: %w", err)
	}
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE documents SET extracted_data = $2 WHERE id = $1`, id, raw)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

// =========== Activity Repository ===========

type activityRepoPG struct{ pool *pgxpool.Pool }

func NewActivityRepoPG(pool *pgxpool.Pool) ActivityRepository { return &activityRepoPG{pool: pool} }

func (r *activityRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

func (r *activityRepoPG) Append(ctx context.Context, e *ActivityLogEntry) error {
	e.ID = uuid.New()
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO activity_log (id, user_id, patient_id, action, entity_type, entity_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`,
		e.ID, e.UserID, e.PatientID, e.Action, e.EntityType, e.EntityID, meta,
	).Scan(&e.CreatedAt)
}

func (r *activityRepoPG) ListByEntity(ctx context.Context, entityType string, entityID uuid.UUID, limit int) ([]*ActivityLogEntry, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, user_id, patient_id, action, entity_type, entity_id, metadata, created_at
		FROM activity_log
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY created_at DESC
		LIMIT $3`, entityType, entityID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ActivityLogEntry
	for rows.Next() {
		var e ActivityLogEntry
		var meta []byte
		if err := rows.Scan(&e.ID, &e.UserID, &e.PatientID, &e.Action, &e.EntityType, &e.EntityID,
			&meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &e.Metadata)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
