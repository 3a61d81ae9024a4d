package diagnostics

import (
	"time"

	"github.com/google/uuid"
)

// LabResult maps to the lab_results table. Value is nil when the report
// carried a non-numeric result.
type LabResult struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	PatientID    uuid.UUID  `db:"patient_id" json:"patient_id"`
	UpdateID     *uuid.UUID `db:"update_id" json:"update_id,omitempty"`
	DocumentID   *uuid.UUID `db:"document_id" json:"document_id,omitempty"`
	TestCode     *string    `db:"test_code" json:"test_code,omitempty"`
	TestName     string     `db:"test_name" json:"test_name"`
	Value        *float64   `db:"value" json:"value"`
	Unit         *string    `db:"unit" json:"unit,omitempty"`
	ReferenceMin *float64   `db:"reference_min" json:"reference_min,omitempty"`
	ReferenceMax *float64   `db:"reference_max" json:"reference_max,omitempty"`
	IsCritical   bool       `db:"is_critical" json:"is_critical"`
	TestDate     time.Time  `db:"test_date" json:"test_date"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
}

// HasRange reports whether both reference bounds are known.
func (r *LabResult) HasRange() bool {
	return r.ReferenceMin != nil && r.ReferenceMax != nil
}

func (r *LabResult) UnitOrEmpty() string {
	if r.Unit == nil {
		return ""
	}
	return *r.Unit
}

// LabParsedValue maps to lab_parsed_values: the raw text behind a LabResult.
type LabParsedValue struct {
	ID               uuid.UUID  `db:"id" json:"id"`
	LabResultID      uuid.UUID  `db:"lab_result_id" json:"lab_result_id"`
	RawName          string     `db:"raw_name" json:"raw_name"`
	RawValue         string     `db:"raw_value" json:"raw_value"`
	ParsedValue      *float64   `db:"parsed_value" json:"parsed_value,omitempty"`
	Unit             *string    `db:"unit" json:"unit,omitempty"`
	ConfidenceScore  *float64   `db:"confidence_score" json:"confidence_score,omitempty"`
	ExtractionMethod *string    `db:"extraction_method" json:"extraction_method,omitempty"`
	BiomarkerID      *uuid.UUID `db:"biomarker_id" json:"biomarker_id,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
}

// Biomarker maps to the biomarkers reference table.
type Biomarker struct {
	ID             uuid.UUID `db:"id" json:"id"`
	Name           string    `db:"name" json:"name"`
	DisplayName    string    `db:"display_name" json:"display_name"`
	Category       string    `db:"category" json:"category"`
	Unit           string    `db:"unit" json:"unit"`
	ReferenceMin   *float64  `db:"reference_min" json:"reference_min,omitempty"`
	ReferenceMax   *float64  `db:"reference_max" json:"reference_max,omitempty"`
	CriticalMin    *float64  `db:"critical_min" json:"critical_min,omitempty"`
	CriticalMax    *float64  `db:"critical_max" json:"critical_max,omitempty"`
	Description    *string   `db:"description" json:"description,omitempty"`
	LifestyleNotes *string   `db:"lifestyle_notes" json:"lifestyle_notes,omitempty"`
}

// ResultWithValue pairs a LabResult to insert with its parsed-value row.
type ResultWithValue struct {
	Result *LabResult
	Parsed *LabParsedValue
}

// LabResultFilter narrows a patient's lab results listing.
type LabResultFilter struct {
	TestName string
	Limit    int
	Offset   int
}
