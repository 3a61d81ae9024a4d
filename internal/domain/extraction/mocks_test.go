package extraction

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/patientrecord/internal/domain/diagnostics"
	"github.com/ehr/patientrecord/internal/domain/documents"
)

type memDocs struct {
	mu     sync.Mutex
	docs   map[uuid.UUID]*documents.Document
	getErr error
	setErr error
}

func (m *memDocs) Create(_ context.Context, d *documents.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[d.ID] = d
	return nil
}

func (m *memDocs) GetByID(_ context.Context, id uuid.UUID) (*documents.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	d, ok := m.docs[id]
	if !ok {
		return nil, documents.ErrDocumentNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *memDocs) SetExtractedData(_ context.Context, id uuid.UUID, r *documents.ProcessingResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	d, ok := m.docs[id]
	if !ok {
		return documents.ErrDocumentNotFound
	}
	d.ExtractedData = r
	return nil
}

type memUpdates struct {
	mu      sync.Mutex
	updates map[uuid.UUID]*documents.Update
	failOn  documents.UpdateStatus
	history []documents.UpdateStatus
}

func (m *memUpdates) Create(_ context.Context, u *documents.Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates[u.ID] = u
	return nil
}

func (m *memUpdates) GetByID(_ context.Context, id uuid.UUID) (*documents.Update, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.updates[id]
	if !ok {
		return nil, documents.ErrUpdateNotFound
	}
	return u, nil
}

func (m *memUpdates) AdvanceStatus(_ context.Context, id uuid.UUID, s documents.UpdateStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn == s {
		return false, fmt.Errorf("write %s failed", s)
	}
	u, ok := m.updates[id]
	if !ok {
		return false, documents.ErrUpdateNotFound
	}
	if u.Status.Rank() >= s.Rank() {
		return false, nil
	}
	u.Status = s
	m.history = append(m.history, s)
	return true, nil
}

func (m *memUpdates) ListPending(_ context.Context, before time.Time, limit int) ([]documents.PendingWork, error) {
	return nil, nil
}

func (m *memUpdates) ListFailed(_ context.Context, before time.Time, limit int) ([]documents.PendingWork, error) {
	return nil, nil
}

func (m *memUpdates) status(id uuid.UUID) documents.UpdateStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updates[id].Status
}

type memActivity struct {
	mu      sync.Mutex
	entries []*documents.ActivityLogEntry
	err     error
}

func (m *memActivity) Append(_ context.Context, e *documents.ActivityLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, e)
	return nil
}

func (m *memActivity) ListByEntity(_ context.Context, _ string, _ uuid.UUID, _ int) ([]*documents.ActivityLogEntry, error) {
	return m.entries, nil
}

func (m *memActivity) actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.entries {
		out = append(out, e.Action)
	}
	return out
}

type memLabs struct {
	mu         sync.Mutex
	results    map[uuid.UUID]diagnostics.LabResult
	parsed     map[uuid.UUID]diagnostics.LabParsedValue
	replaceErr error
}

func (m *memLabs) ListByPatient(_ context.Context, _ uuid.UUID, _ diagnostics.LabResultFilter) ([]diagnostics.LabResult, int, error) {
	return nil, 0, nil
}

func (m *memLabs) ListAllByPatient(_ context.Context, _ uuid.UUID) ([]diagnostics.LabResult, error) {
	return nil, nil
}

func (m *memLabs) ListByPatientAndTest(_ context.Context, _ uuid.UUID, _ string) ([]diagnostics.LabResult, error) {
	return nil, nil
}

func (m *memLabs) ListByDocument(_ context.Context, did uuid.UUID) ([]diagnostics.LabResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []diagnostics.LabResult
	for _, r := range m.results {
		if r.DocumentID != nil && *r.DocumentID == did {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memLabs) ReplaceForDocument(_ context.Context, did uuid.UUID, items []diagnostics.ResultWithValue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.replaceErr != nil {
		return m.replaceErr
	}
	for id, r := range m.results {
		if r.DocumentID != nil && *r.DocumentID == did {
			for pid, p := range m.parsed {
				if p.LabResultID == id {
					delete(m.parsed, pid)
				}
			}
			delete(m.results, id)
		}
	}
	for _, it := range items {
		r := *it.Result
		r.ID = uuid.New()
		r.DocumentID = &did
		m.results[r.ID] = r
		if it.Parsed != nil {
			p := *it.Parsed
			p.ID = uuid.New()
			p.LabResultID = r.ID
			m.parsed[p.ID] = p
		}
	}
	return nil
}

func (m *memLabs) parsedFor(resultIDs []uuid.UUID) []diagnostics.LabParsedValue {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := map[uuid.UUID]bool{}
	for _, id := range resultIDs {
		want[id] = true
	}
	var out []diagnostics.LabParsedValue
	for _, p := range m.parsed {
		if want[p.LabResultID] {
			out = append(out, p)
		}
	}
	return out
}

type memBiomarkers struct {
	items []diagnostics.Biomarker
	err   error
}

func (m *memBiomarkers) List(_ context.Context) ([]diagnostics.Biomarker, error) {
	return m.items, m.err
}

// countingExtractor returns n copies of a result and counts calls.
type countingExtractor struct {
	mu    sync.Mutex
	n     int
	calls int
	err   error
}

func (e *countingExtractor) Extract(_ context.Context, _ *documents.Document) ([]ExtractedResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	out := make([]ExtractedResult, e.n)
	for i := range out {
		out[i] = ExtractedResult{
			TestName:   fmt.Sprintf("Test %d", i),
			Value:      ptr(float64(i)),
			RawValue:   fmt.Sprint(i),
			Unit:       "u",
			TestDate:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			Confidence: 0.5,
			Method:     "test",
		}
	}
	return out, nil
}
