package documents

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type PatientRepository interface {
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
}

type UpdateRepository interface {
	Create(ctx context.Context, u *Update) error
	GetByID(ctx context.Context, id uuid.UUID) (*Update, error)
	// AdvanceStatus moves the update forward to status. It is a no-op
	// (changed=false) when the update is already at or past status, and
	// returns ErrUpdateNotFound when the row does not exist.
	AdvanceStatus(ctx context.Context, id uuid.UUID, status UpdateStatus) (changed bool, err error)
	ListPending(ctx context.Context, createdBefore time.Time, limit int) ([]PendingWork, error)
	// ListFailed returns documents whose last extraction failed, for updates
	// last touched before the cutoff.
	ListFailed(ctx context.Context, updatedBefore time.Time, limit int) ([]PendingWork, error)
}

type DocumentRepository interface {
	Create(ctx context.Context, d *Document) error
	GetByID(ctx context.Context, id uuid.UUID) (*Document, error)
	SetExtractedData(ctx context.Context, id uuid.UUID, r *ProcessingResult) error
}

type ActivityRepository interface {
	Append(ctx context.Context, e *ActivityLogEntry) error
	ListByEntity(ctx context.Context, entityType string, entityID uuid.UUID, limit int) ([]*ActivityLogEntry, error)
}
