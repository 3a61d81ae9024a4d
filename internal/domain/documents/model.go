package documents

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type DocumentType string

const (
	DocumentTypeLabResult     DocumentType = "lab_result"
	DocumentTypeImaging       DocumentType = "imaging"
	DocumentTypePrescription  DocumentType = "prescription"
	DocumentTypeMedicalReport DocumentType = "medical_report"
	DocumentTypeOther         DocumentType = "other"
)

var validDocumentTypes = map[DocumentType]bool{
	DocumentTypeLabResult: true, DocumentTypeImaging: true, DocumentTypePrescription: true,
	DocumentTypeMedicalReport: true, DocumentTypeOther: true,
}

func (t DocumentType) Valid() bool { return validDocumentTypes[t] }

// UpdateStatus is the lifecycle of an Update. Only pending, processing and
// completed are written here; cancelled comes from elsewhere and is read only.
type UpdateStatus string

const (
	StatusPending    UpdateStatus = "pending"
	StatusProcessing UpdateStatus = "processing"
	StatusCompleted  UpdateStatus = "completed"
	StatusCancelled  UpdateStatus = "cancelled"
)

// Rank orders the forward lifecycle. Cancelled ranks above completed so it is
// never advanced out of.
func (s UpdateStatus) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusProcessing:
		return 1
	case StatusCompleted:
		return 2
	case StatusCancelled:
		return 3
	}
	return -1
}

func (s UpdateStatus) Valid() bool { return s.Rank() >= 0 }

// Update maps to the updates table: one unit of clinical activity.
type Update struct {
	ID          uuid.UUID    `db:"id" json:"id"`
	PatientID   uuid.UUID    `db:"patient_id" json:"patient_id"`
	CreatedBy   *uuid.UUID   `db:"created_by" json:"created_by,omitempty"`
	Title       string       `db:"title" json:"title"`
	Description *string      `db:"description" json:"description,omitempty"`
	Status      UpdateStatus `db:"status" json:"status"`
	ContentType string       `db:"content_type" json:"content_type"`
	CreatedAt   time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time    `db:"updated_at" json:"updated_at"`
}

// Document maps to the documents table.
type Document struct {
	ID            uuid.UUID         `db:"id" json:"id"`
	UpdateID      *uuid.UUID        `db:"update_id" json:"update_id,omitempty"`
	DocumentType  DocumentType      `db:"document_type" json:"document_type"`
	FileName      string            `db:"file_name" json:"file_name"`
	FilePath      string            `db:"file_path" json:"file_path"`
	FileSize      *int64            `db:"file_size" json:"file_size,omitempty"`
	MimeType      *string           `db:"mime_type" json:"mime_type,omitempty"`
	ExtractedData *ProcessingResult `db:"extracted_data" json:"extracted_data,omitempty"`
	CreatedAt     time.Time         `db:"created_at" json:"created_at"`
}

// ProcessedVersion is the extractor version stamped by the last successful
// run, or "" when the document was never processed.
func (d *Document) ProcessedVersion() string {
	if d == nil || d.ExtractedData == nil {
		return ""
	}
	return d.ExtractedData.ExtractorVersion
}

func (d *Document) MimeTypeOrEmpty() string {
	if d.MimeType == nil {
		return ""
	}
	return *d.MimeType
}

const (
	ProcessingCompleted = "completed"
	ProcessingFailed    = "failed"
)

// ProcessingResult is the extracted_data column written by the document
// processor.
type ProcessingResult struct {
	ExtractorVersion string     `json:"extractor_version"`
	ProcessedAt      *time.Time `json:"processed_at,omitempty"`
	Status           string     `json:"status"`
	ResultsCount     int        `json:"results_count"`
	FileProcessed    string     `json:"file_processed,omitempty"`
	Error            string     `json:"error,omitempty"`
}

// ParseProcessingResult decodes extracted_data. Unknown fields are ignored;
// null, empty or malformed JSON reads as never processed (nil).
func ParseProcessingResult(raw []byte) *ProcessingResult {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var r ProcessingResult
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil
	}
	return &r
}

const (
	ActionDocumentUploaded    = "document_uploaded"
	ActionProcessingStarted   = "document_processing_started"
	ActionProcessingCompleted = "document_processing_completed"

	EntityDocument = "document"
)

// ActivityLogEntry maps to the append-only activity_log table.
type ActivityLogEntry struct {
	ID         uuid.UUID              `db:"id" json:"id"`
	UserID     *uuid.UUID             `db:"user_id" json:"user_id,omitempty"`
	PatientID  *uuid.UUID             `db:"patient_id" json:"patient_id,omitempty"`
	Action     string                 `db:"action" json:"action"`
	EntityType *string                `db:"entity_type" json:"entity_type,omitempty"`
	EntityID   *uuid.UUID             `db:"entity_id" json:"entity_id,omitempty"`
	Metadata   map[string]interface{} `db:"metadata" json:"metadata,omitempty"`
	CreatedAt  time.Time              `db:"created_at" json:"created_at"`
}

// NewDocumentActivity builds an entry about a document.
func NewDocumentActivity(action string, patientID, documentID uuid.UUID, metadata map[string]interface{}) *ActivityLogEntry {
	entity := EntityDocument
	return &ActivityLogEntry{
		PatientID:  &patientID,
		Action:     action,
		EntityType: &entity,
		EntityID:   &documentID,
		Metadata:   metadata,
	}
}

// ProcessRequest is the processing trigger payload.
type ProcessRequest struct {
	DocumentID uuid.UUID `json:"document_id"`
	UpdateID   uuid.UUID `json:"update_id"`
	PatientID  uuid.UUID `json:"patient_id"`
}

// PendingWork is an update still pending together with its document, as
// listed for operator retries.
type PendingWork struct {
	ProcessRequest
	CreatedAt time.Time `json:"created_at"`
}

type TimelineEventType string

const (
	TimelineSurgery      TimelineEventType = "surgery"
	TimelineProcedure    TimelineEventType = "procedure"
	TimelineEvaluation   TimelineEventType = "evaluation"
	TimelineDialysis     TimelineEventType = "dialysis"
	TimelineStatus       TimelineEventType = "status"
	TimelineMedication   TimelineEventType = "medication"
	TimelineLabResult    TimelineEventType = "lab_result"
	TimelineImaging      TimelineEventType = "imaging"
	TimelineConsultation TimelineEventType = "consultation"
	TimelineTransfer     TimelineEventType = "transfer"
	TimelineAdmission    TimelineEventType = "admission"
	TimelineDischarge    TimelineEventType = "discharge"
)

var validTimelineEventTypes = map[TimelineEventType]bool{
	TimelineSurgery: true, TimelineProcedure: true, TimelineEvaluation: true, TimelineDialysis: true,
	TimelineStatus: true, TimelineMedication: true, TimelineLabResult: true, TimelineImaging: true,
	TimelineConsultation: true, TimelineTransfer: true, TimelineAdmission: true, TimelineDischarge: true,
}

func (t TimelineEventType) Valid() bool { return validTimelineEventTypes[t] }

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		return true
	}
	return false
}
