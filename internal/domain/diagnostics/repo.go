package diagnostics

import (
	"context"

	"github.com/google/uuid"
)

type LabResultRepository interface {
	ListByPatient(ctx context.Context, patientID uuid.UUID, f LabResultFilter) ([]LabResult, int, error)
	// ListAllByPatient returns every result for the patient, newest first.
	ListAllByPatient(ctx context.Context, patientID uuid.UUID) ([]LabResult, error)
	ListByPatientAndTest(ctx context.Context, patientID uuid.UUID, testName string) ([]LabResult, error)
	ListByDocument(ctx context.Context, documentID uuid.UUID) ([]LabResult, error)
	// ReplaceForDocument deletes the results of a document together with their
	// parsed values and inserts items in their place. Callers provide the
	// transaction.
	ReplaceForDocument(ctx context.Context, documentID uuid.UUID, items []ResultWithValue) error
}

type BiomarkerRepository interface {
	List(ctx context.Context) ([]Biomarker, error)
}
