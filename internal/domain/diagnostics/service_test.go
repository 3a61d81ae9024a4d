package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/patientrecord/internal/domain/documents"
)

// -- Mock Repositories --

type mockPatients struct{ ids map[uuid.UUID]bool }

func (m *mockPatients) Exists(_ context.Context, id uuid.UUID) (bool, error) {
	return m.ids[id], nil
}

type mockLabRepo struct {
	results []LabResult
}

func (m *mockLabRepo) byPatient(pid uuid.UUID) []LabResult {
	var out []LabResult
	for _, r := range m.results {
		if r.PatientID == pid {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TestDate.After(out[j].TestDate) })
	return out
}

func (m *mockLabRepo) ListByPatient(_ context.Context, pid uuid.UUID, f LabResultFilter) ([]LabResult, int, error) {
	var out []LabResult
	for _, r := range m.byPatient(pid) {
		if f.TestName == "" || r.TestName == f.TestName {
			out = append(out, r)
		}
	}
	total := len(out)
	if f.Offset >= total {
		return nil, total, nil
	}
	end := f.Offset + f.Limit
	if end > total {
		end = total
	}
	return out[f.Offset:end], total, nil
}

func (m *mockLabRepo) ListAllByPatient(_ context.Context, pid uuid.UUID) ([]LabResult, error) {
	return m.byPatient(pid), nil
}

func (m *mockLabRepo) ListByPatientAndTest(_ context.Context, pid uuid.UUID, name string) ([]LabResult, error) {
	var out []LabResult
	for _, r := range m.byPatient(pid) {
		if r.TestName == name {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *mockLabRepo) ListByDocument(_ context.Context, did uuid.UUID) ([]LabResult, error) {
	var out []LabResult
	for _, r := range m.results {
		if r.DocumentID != nil && *r.DocumentID == did {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *mockLabRepo) ReplaceForDocument(_ context.Context, did uuid.UUID, items []ResultWithValue) error {
	kept := m.results[:0]
	for _, r := range m.results {
		if r.DocumentID == nil || *r.DocumentID != did {
			kept = append(kept, r)
		}
	}
	m.results = kept
	for _, it := range items {
		r := *it.Result
		r.DocumentID = &did
		m.results = append(m.results, r)
	}
	return nil
}

type mockBiomarkerRepo struct {
	items []Biomarker
	err   error
}

func (m *mockBiomarkerRepo) List(_ context.Context) ([]Biomarker, error) {
	return m.items, m.err
}

func newTestService() (*Service, uuid.UUID, *mockLabRepo, *mockBiomarkerRepo) {
	pid := uuid.New()
	labs := &mockLabRepo{}
	for _, r := range []LabResult{
		named(lab(0, 90, false), "Glucosa"),
		named(lab(1, 95, false), "Glucosa"),
		named(lab(2, 130, true), "Glucosa"),
		withRange(named(lab(1, 9.2, false), "Hemoglobina"), 12, 16),
	} {
		r.ID = uuid.New()
		r.PatientID = pid
		labs.results = append(labs.results, r)
	}
	refs := &mockBiomarkerRepo{items: refTable()}
	svc := NewService(labs, refs, &mockPatients{ids: map[uuid.UUID]bool{pid: true}}, zerolog.Nop())
	return svc, pid, labs, refs
}

func TestService_UnknownPatient(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()
	other := uuid.New()

	if _, err := svc.LabTrends(ctx, other); !errors.Is(err, documents.ErrPatientNotFound) {
		t.Errorf("LabTrends: expected ErrPatientNotFound, got %v", err)
	}
	if _, err := svc.Biomarkers(ctx, other); !errors.Is(err, documents.ErrPatientNotFound) {
		t.Errorf("Biomarkers: expected ErrPatientNotFound, got %v", err)
	}
	if _, _, err := svc.ListLabResults(ctx, other, LabResultFilter{Limit: 10}); !errors.Is(err, documents.ErrPatientNotFound) {
		t.Errorf("ListLabResults: expected ErrPatientNotFound, got %v", err)
	}
}

func TestService_LabTrends(t *testing.T) {
	svc, pid, _, _ := newTestService()
	trends, err := svc.LabTrends(context.Background(), pid)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(trends) != 2 {
		t.Fatalf("expected 2 tests, got %d", len(trends))
	}
	for _, tr := range trends {
		if tr.TestName == "Glucosa" {
			if tr.Count != 3 || tr.Info.Category != "Metabolism" || tr.Unit != "mg/dL" {
				t.Errorf("unexpected glucose trend: %+v", tr)
			}
			if tr.Analysis.LastValue == nil || *tr.Analysis.LastValue != 130 {
				t.Errorf("expected last value 130, got %v", tr.Analysis.LastValue)
			}
			if tr.Results != nil {
				t.Error("list view should not embed results")
			}
		}
	}
}

func TestService_LabTrend(t *testing.T) {
	svc, pid, _, _ := newTestService()
	tr, err := svc.LabTrend(context.Background(), pid, "Glucosa")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tr.Results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(tr.Results))
	}
	for i := 1; i < len(tr.Results); i++ {
		if tr.Results[i].TestDate.Before(tr.Results[i-1].TestDate) {
			t.Errorf("expected ascending results, got %v before %v", tr.Results[i-1].TestDate, tr.Results[i].TestDate)
		}
	}
	if tr.Analysis.LastValue == nil || *tr.Analysis.LastValue != 130 {
		t.Errorf("expected last value 130, got %v", tr.Analysis.LastValue)
	}

	_, err = svc.LabTrend(context.Background(), pid, "Ferritina")
	if !errors.Is(err, documents.ErrNotFound) || errors.Is(err, documents.ErrPatientNotFound) {
		t.Errorf("expected plain not found, got %v", err)
	}
}

func TestService_Biomarkers(t *testing.T) {
	svc, pid, _, _ := newTestService()
	out, err := svc.Biomarkers(context.Background(), pid)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 biomarkers, got %d", len(out))
	}
	if out[0].ID != "hemoglobin" || out[0].Status != StatusAbnormal {
		t.Errorf("unexpected first summary: %+v", out[0])
	}
}

func TestService_BiomarkersWithoutReferenceTable(t *testing.T) {
	svc, pid, _, refs := newTestService()
	refs.err = fmt.Errorf("table missing")
	out, err := svc.Biomarkers(context.Background(), pid)
	if err != nil {
		t.Fatalf("reference failure must degrade, got %v", err)
	}
	for _, s := range out {
		if s.Category != CategoryOther {
			t.Errorf("expected category other without references, got %s", s.Category)
		}
	}
}

func TestService_Biomarker(t *testing.T) {
	svc, pid, _, _ := newTestService()
	ctx := context.Background()

	d, err := svc.Biomarker(ctx, pid, "glucose")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Stats == nil || d.Stats.Latest != 130 || d.Stats.Min != 90 {
		t.Errorf("unexpected stats: %+v", d.Stats)
	}
	if _, err := svc.Biomarker(ctx, pid, "Glucosa"); err != nil {
		t.Errorf("lookup by test name failed: %v", err)
	}
	if _, err := svc.Biomarker(ctx, pid, "zinc"); !errors.Is(err, documents.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestService_ListLabResults(t *testing.T) {
	svc, pid, _, _ := newTestService()
	items, total, err := svc.ListLabResults(context.Background(), pid, LabResultFilter{TestName: "Glucosa", Limit: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 3 || len(items) != 2 {
		t.Errorf("expected 2 of 3, got %d of %d", len(items), total)
	}
}
