package diagnostics

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/patientrecord/internal/domain/documents"
)

type Service struct {
	labs       LabResultRepository
	biomarkers BiomarkerRepository
	patients   documents.PatientRepository
	logger     zerolog.Logger
}

func NewService(labs LabResultRepository, biomarkers BiomarkerRepository, patients documents.PatientRepository, logger zerolog.Logger) *Service {
	return &Service{labs: labs, biomarkers: biomarkers, patients: patients, logger: logger}
}

func (s *Service) ensurePatient(ctx context.Context, pid uuid.UUID) error {
	ok, err := s.patients.Exists(ctx, pid)
	if err != nil {
		return fmt.Errorf("lookup patient: %w", err)
	}
	if !ok {
		return documents.ErrPatientNotFound
	}
	return nil
}

func (s *Service) ListLabResults(ctx context.Context, pid uuid.UUID, f LabResultFilter) ([]LabResult, int, error) {
	if err := s.ensurePatient(ctx, pid); err != nil {
		return nil, 0, err
	}
	return s.labs.ListByPatient(ctx, pid, f)
}

// TestTrend is the analysis of one test with its presentation metadata.
type TestTrend struct {
	TestName string        `json:"test_name"`
	Unit     string        `json:"unit,omitempty"`
	Info     TestInfo      `json:"info"`
	Count    int           `json:"count"`
	Analysis TrendAnalysis `json:"analysis"`
	Results  []LabResult   `json:"results,omitempty"`
}

func newTestTrend(g TestGroup, withResults bool) TestTrend {
	t := TestTrend{
		TestName: g.TestName,
		Info:     TestDisplayInfo(g.TestName),
		Count:    len(g.Results),
		Analysis: AnalyzeTrend(g.Results),
	}
	for i := len(g.Results) - 1; i >= 0; i-- {
		if u := g.Results[i].UnitOrEmpty(); u != "" {
			t.Unit = u
			break
		}
	}
	if withResults {
		t.Results = g.Results
	}
	return t
}

// LabTrends analyzes every test the patient has results for.
func (s *Service) LabTrends(ctx context.Context, pid uuid.UUID) ([]TestTrend, error) {
	if err := s.ensurePatient(ctx, pid); err != nil {
		return nil, err
	}
	results, err := s.labs.ListAllByPatient(ctx, pid)
	if err != nil {
		return nil, err
	}
	out := make([]TestTrend, 0)
	for _, g := range GroupByTest(results) {
		out = append(out, newTestTrend(g, false))
	}
	return out, nil
}

func (s *Service) LabTrend(ctx context.Context, pid uuid.UUID, testName string) (*TestTrend, error) {
	if err := s.ensurePatient(ctx, pid); err != nil {
		return nil, err
	}
	results, err := s.labs.ListByPatientAndTest(ctx, pid, testName)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("lab test %q: %w", testName, documents.ErrNotFound)
	}
	sortByTestDate(results)
	t := newTestTrend(TestGroup{TestName: testName, Results: results}, true)
	return &t, nil
}

// referenceTable loads the biomarker table. A failure degrades to an empty
// table so every test still gets a summary.
func (s *Service) referenceTable(ctx context.Context) []Biomarker {
	refs, err := s.biomarkers.List(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to load biomarker reference table")
		return nil
	}
	return refs
}

func (s *Service) Biomarkers(ctx context.Context, pid uuid.UUID) ([]BiomarkerSummary, error) {
	if err := s.ensurePatient(ctx, pid); err != nil {
		return nil, err
	}
	results, err := s.labs.ListAllByPatient(ctx, pid)
	if err != nil {
		return nil, err
	}
	return AggregateBiomarkers(results, s.referenceTable(ctx)), nil
}

type BiomarkerDetail struct {
	BiomarkerSummary
	Stats *BiomarkerStats `json:"stats"`
}

// Biomarker returns one summary, looked up by standard name or test name.
func (s *Service) Biomarker(ctx context.Context, pid uuid.UUID, name string) (*BiomarkerDetail, error) {
	all, err := s.Biomarkers(ctx, pid)
	if err != nil {
		return nil, err
	}
	for _, b := range all {
		if b.ID == name || b.Name == name || b.ID == StandardName(name) {
			return &BiomarkerDetail{BiomarkerSummary: b, Stats: ComputeStats(b.HistoricalData)}, nil
		}
	}
	return nil, fmt.Errorf("biomarker %q: %w", name, documents.ErrNotFound)
}

func (s *Service) ReferenceBiomarkers(ctx context.Context) ([]Biomarker, error) {
	return s.biomarkers.List(ctx)
}
