package documents

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/patientrecord/internal/platform/auth"
	"github.com/ehr/patientrecord/internal/platform/blobstore"
	"github.com/ehr/patientrecord/internal/platform/db"
)

// -- Mock Repositories --

type mockPatients struct {
	ids map[uuid.UUID]bool
	err error
}

func (m *mockPatients) Exists(_ context.Context, id uuid.UUID) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	return m.ids[id], nil
}

type mockUpdates struct {
	updates map[uuid.UUID]*Update
	err     error
}

func newMockUpdates() *mockUpdates {
	return &mockUpdates{updates: make(map[uuid.UUID]*Update)}
}

func (m *mockUpdates) Create(_ context.Context, u *Update) error {
	if m.err != nil {
		return m.err
	}
	u.CreatedAt = time.Now()
	u.UpdatedAt = u.CreatedAt
	m.updates[u.ID] = u
	return nil
}

func (m *mockUpdates) GetByID(_ context.Context, id uuid.UUID) (*Update, error) {
	u, ok := m.updates[id]
	if !ok {
		return nil, ErrUpdateNotFound
	}
	return u, nil
}

func (m *mockUpdates) AdvanceStatus(_ context.Context, id uuid.UUID, s UpdateStatus) (bool, error) {
	u, ok := m.updates[id]
	if !ok {
		return false, ErrUpdateNotFound
	}
	if u.Status.Rank() >= s.Rank() {
		return false, nil
	}
	u.Status = s
	return true, nil
}

func (m *mockUpdates) ListPending(_ context.Context, before time.Time, limit int) ([]PendingWork, error) {
	return nil, nil
}

func (m *mockUpdates) ListFailed(_ context.Context, before time.Time, limit int) ([]PendingWork, error) {
	return nil, nil
}

type mockDocs struct {
	docs map[uuid.UUID]*Document
	err  error
}

func newMockDocs() *mockDocs {
	return &mockDocs{docs: make(map[uuid.UUID]*Document)}
}

func (m *mockDocs) Create(_ context.Context, d *Document) error {
	if m.err != nil {
		return m.err
	}
	d.CreatedAt = time.Now()
	m.docs[d.ID] = d
	return nil
}

func (m *mockDocs) GetByID(_ context.Context, id uuid.UUID) (*Document, error) {
	d, ok := m.docs[id]
	if !ok {
		return nil, ErrDocumentNotFound
	}
	return d, nil
}

func (m *mockDocs) SetExtractedData(_ context.Context, id uuid.UUID, r *ProcessingResult) error {
	d, ok := m.docs[id]
	if !ok {
		return ErrDocumentNotFound
	}
	d.ExtractedData = r
	return nil
}

type mockActivity struct {
	entries []*ActivityLogEntry
	err     error
}

func (m *mockActivity) Append(_ context.Context, e *ActivityLogEntry) error {
	if m.err != nil {
		return m.err
	}
	e.ID = uuid.New()
	m.entries = append(m.entries, e)
	return nil
}

func (m *mockActivity) ListByEntity(_ context.Context, entityType string, id uuid.UUID, limit int) ([]*ActivityLogEntry, error) {
	var out []*ActivityLogEntry
	for _, e := range m.entries {
		if e.EntityType != nil && *e.EntityType == entityType && e.EntityID != nil && *e.EntityID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

type mockSigner struct {
	paths []string
	err   error
}

func (m *mockSigner) CreateSignedUploadURL(_ context.Context, p string, opts blobstore.UploadOptions) (*blobstore.SignedUpload, error) {
	if m.err != nil {
		return nil, m.err
	}
	if opts.Upsert {
		return nil, fmt.Errorf("upsert must not be requested")
	}
	m.paths = append(m.paths, p)
	return &blobstore.SignedUpload{
		SignedURL: "http://storage.test/upload/" + p + "?token=t",
		Token:     "t",
		Path:      p,
		ExpiresAt: time.Now().Add(time.Hour),
	}, nil
}

type mockDispatcher struct {
	reqs []ProcessRequest
	err  error
}

func (m *mockDispatcher) Dispatch(_ context.Context, req ProcessRequest) error {
	m.reqs = append(m.reqs, req)
	return m.err
}

type countingMetrics map[string]int

func (m countingMetrics) UploadHandshake(outcome string) { m[outcome]++ }

type fixture struct {
	svc        *Service
	patientID  uuid.UUID
	patients   *mockPatients
	updates    *mockUpdates
	docs       *mockDocs
	activity   *mockActivity
	signer     *mockSigner
	dispatcher *mockDispatcher
	metrics    countingMetrics
}

func newFixture() *fixture {
	pid := uuid.New()
	f := &fixture{
		patientID:  pid,
		patients:   &mockPatients{ids: map[uuid.UUID]bool{pid: true}},
		updates:    newMockUpdates(),
		docs:       newMockDocs(),
		activity:   &mockActivity{},
		signer:     &mockSigner{},
		dispatcher: &mockDispatcher{},
		metrics:    countingMetrics{},
	}
	f.svc = NewService(f.patients, f.updates, f.docs, f.activity, db.NoopTxRunner{}, f.signer,
		WithDispatcher(f.dispatcher), WithMetrics(f.metrics),
		WithClock(func() time.Time { return time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC) }))
	return f
}

func (f *fixture) prepareInput() PrepareUploadInput {
	return PrepareUploadInput{
		PatientID: f.patientID.String(),
		FileName:  "CBC.pdf",
		FileType:  "application/pdf",
		FileSize:  2 * 1024 * 1024,
	}
}

func (f *fixture) finalizeInput(t *testing.T) FinalizeUploadInput {
	t.Helper()
	res, err := f.svc.PrepareUpload(context.Background(), f.prepareInput())
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	return FinalizeUploadInput{
		PrepareUploadInput: f.prepareInput(),
		DocumentID:         res.DocumentID.String(),
		FilePath:           res.FilePath,
		Title:              "Blood panel",
		DocumentType:       string(DocumentTypeLabResult),
	}
}

func TestPrepareUpload_PathShape(t *testing.T) {
	f := newFixture()
	res, err := f.svc.PrepareUpload(context.Background(), f.prepareInput())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pattern := "^" + f.patientID.String() + "/" + res.DocumentID.String() + `/cbc-[0-9a-f]{8}\.pdf$`
	if !regexp.MustCompile(pattern).MatchString(res.FilePath) {
		t.Errorf("path %q does not match %s", res.FilePath, pattern)
	}
	if res.SignedUploadURL == "" {
		t.Error("expected signed upload url")
	}
	if len(f.signer.paths) != 1 || f.signer.paths[0] != res.FilePath {
		t.Errorf("expected signer to be asked for %q, got %v", res.FilePath, f.signer.paths)
	}
	if len(f.updates.updates) != 0 || len(f.docs.docs) != 0 {
		t.Error("handshake must not persist anything")
	}
	if f.metrics["ok"] != 1 {
		t.Errorf("expected ok handshake counted, got %v", f.metrics)
	}
}

func TestPrepareUpload_UniqueDocumentIDs(t *testing.T) {
	f := newFixture()
	a, err := f.svc.PrepareUpload(context.Background(), f.prepareInput())
	if err != nil {
		t.Fatal(err)
	}
	b, err := f.svc.PrepareUpload(context.Background(), f.prepareInput())
	if err != nil {
		t.Fatal(err)
	}
	if a.DocumentID == b.DocumentID || a.FilePath == b.FilePath {
		t.Error("expected distinct document ids and paths")
	}
}

func TestPrepareUpload_Validation(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(*PrepareUploadInput)
		field string
	}{
		{"bad patient id", func(in *PrepareUploadInput) { in.PatientID = "nope" }, "patientId"},
		{"empty file name", func(in *PrepareUploadInput) { in.FileName = " " }, "fileName"},
		{"empty file type", func(in *PrepareUploadInput) { in.FileType = "" }, "fileType"},
		{"zero size", func(in *PrepareUploadInput) { in.FileSize = 0 }, "fileSize"},
		{"negative size", func(in *PrepareUploadInput) { in.FileSize = -1 }, "fileSize"},
		{"51 MiB", func(in *PrepareUploadInput) { in.FileSize = 51 * 1024 * 1024 }, "fileSize"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			in := f.prepareInput()
			tt.edit(&in)
			_, err := f.svc.PrepareUpload(context.Background(), in)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if ve.Field != tt.field {
				t.Errorf("expected field %s, got %s", tt.field, ve.Field)
			}
			if len(f.signer.paths) != 0 {
				t.Error("signer must not be called on invalid input")
			}
		})
	}
}

func TestPrepareUpload_SizeBoundary(t *testing.T) {
	f := newFixture()
	in := f.prepareInput()
	in.FileSize = MaxFileSize
	if _, err := f.svc.PrepareUpload(context.Background(), in); err != nil {
		t.Fatalf("exactly 50 MiB should be accepted: %v", err)
	}
}

func TestPrepareUpload_MaxSizeMessage(t *testing.T) {
	f := newFixture()
	in := f.prepareInput()
	in.FileSize = MaxFileSize + 1
	_, err := f.svc.PrepareUpload(context.Background(), in)
	if err == nil || !strings.Contains(err.Error(), "50MB") {
		t.Errorf("expected message naming the 50MB maximum, got %v", err)
	}
}

func TestPrepareUpload_UnknownPatient(t *testing.T) {
	f := newFixture()
	in := f.prepareInput()
	in.PatientID = uuid.New().String()
	_, err := f.svc.PrepareUpload(context.Background(), in)
	if !errors.Is(err, ErrPatientNotFound) {
		t.Fatalf("expected ErrPatientNotFound, got %v", err)
	}
	if f.metrics["rejected"] != 1 {
		t.Errorf("expected rejected handshake counted, got %v", f.metrics)
	}
}

func TestPrepareUpload_StorageFailure(t *testing.T) {
	f := newFixture()
	f.signer.err = fmt.Errorf("bucket unavailable")
	_, err := f.svc.PrepareUpload(context.Background(), f.prepareInput())
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
	if len(f.updates.updates) != 0 || len(f.docs.docs) != 0 {
		t.Error("nothing may be persisted on storage failure")
	}
}

func TestFinalizeUpload_Success(t *testing.T) {
	f := newFixture()
	in := f.finalizeInput(t)

	res, err := f.svc.FinalizeUpload(context.Background(), in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.DocumentID.String() != in.DocumentID {
		t.Errorf("document id drifted: %s != %s", res.DocumentID, in.DocumentID)
	}

	u, ok := f.updates.updates[res.UpdateID]
	if !ok {
		t.Fatal("expected update to be stored")
	}
	if u.Status != StatusPending || u.ContentType != "document" || u.PatientID != f.patientID {
		t.Errorf("unexpected update: %+v", u)
	}

	d, ok := f.docs.docs[res.DocumentID]
	if !ok {
		t.Fatal("expected document to be stored under the reserved id")
	}
	if d.UpdateID == nil || *d.UpdateID != res.UpdateID {
		t.Error("document must reference the update")
	}
	if d.FilePath != in.FilePath || d.DocumentType != DocumentTypeLabResult {
		t.Errorf("unexpected document: %+v", d)
	}

	if len(f.activity.entries) != 1 || f.activity.entries[0].Action != ActionDocumentUploaded {
		t.Fatalf("expected one upload activity, got %d", len(f.activity.entries))
	}
	if f.activity.entries[0].Metadata["file_path"] != in.FilePath {
		t.Errorf("unexpected activity metadata: %v", f.activity.entries[0].Metadata)
	}

	if len(f.dispatcher.reqs) != 1 {
		t.Fatalf("expected one dispatch, got %d", len(f.dispatcher.reqs))
	}
	want := ProcessRequest{DocumentID: res.DocumentID, UpdateID: res.UpdateID, PatientID: f.patientID}
	if f.dispatcher.reqs[0] != want {
		t.Errorf("dispatch %+v, want %+v", f.dispatcher.reqs[0], want)
	}
}

func TestFinalizeUpload_RecordsActor(t *testing.T) {
	f := newFixture()
	userID := uuid.New()
	ctx := auth.WithUserID(context.Background(), userID.String())

	res, err := f.svc.FinalizeUpload(ctx, f.finalizeInput(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	u := f.updates.updates[res.UpdateID]
	if u.CreatedBy == nil || *u.CreatedBy != userID {
		t.Errorf("expected update created_by %s, got %v", userID, u.CreatedBy)
	}
	if e := f.activity.entries[0]; e.UserID == nil || *e.UserID != userID {
		t.Errorf("expected activity user_id %s, got %v", userID, e.UserID)
	}
}

func TestFinalizeUpload_AnonymousActor(t *testing.T) {
	f := newFixture()
	ctx := auth.WithUserID(context.Background(), "service-account")

	res, err := f.svc.FinalizeUpload(ctx, f.finalizeInput(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.updates.updates[res.UpdateID].CreatedBy != nil {
		t.Error("non-uuid subjects must not be stored as created_by")
	}
}

func TestFinalizeUpload_NonFatalSteps(t *testing.T) {
	f := newFixture()
	in := f.finalizeInput(t)
	f.activity.err = fmt.Errorf("activity down")
	f.dispatcher.err = fmt.Errorf("processor unreachable")

	res, err := f.svc.FinalizeUpload(context.Background(), in)
	if err != nil {
		t.Fatalf("activity and dispatch failures must not fail finalize: %v", err)
	}
	if f.updates.updates[res.UpdateID].Status != StatusPending {
		t.Error("update should stay pending for a later retry")
	}
}

func TestFinalizeUpload_RegistrationFailure(t *testing.T) {
	f := newFixture()
	in := f.finalizeInput(t)
	f.docs.err = fmt.Errorf("unique violation")

	_, err := f.svc.FinalizeUpload(context.Background(), in)
	if !errors.Is(err, ErrRegistration) {
		t.Fatalf("expected ErrRegistration, got %v", err)
	}
	if len(f.dispatcher.reqs) != 0 || len(f.activity.entries) != 0 {
		t.Error("no follow-up steps may run after a structural failure")
	}
}

func TestFinalizeUpload_Validation(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(*FinalizeUploadInput)
		field string
	}{
		{"bad document id", func(in *FinalizeUploadInput) { in.DocumentID = "x" }, "documentId"},
		{"empty path", func(in *FinalizeUploadInput) { in.FilePath = "" }, "filePath"},
		{"foreign path", func(in *FinalizeUploadInput) { in.FilePath = uuid.NewString() + "/" + in.DocumentID + "/a.pdf" }, "filePath"},
		{"empty title", func(in *FinalizeUploadInput) { in.Title = "" }, "title"},
		{"bad type", func(in *FinalizeUploadInput) { in.DocumentType = "xray" }, "documentType"},
		{"oversized", func(in *FinalizeUploadInput) { in.FileSize = MaxFileSize + 1 }, "fileSize"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			in := f.finalizeInput(t)
			tt.edit(&in)
			_, err := f.svc.FinalizeUpload(context.Background(), in)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if ve.Field != tt.field {
				t.Errorf("expected field %s, got %s", tt.field, ve.Field)
			}
			if len(f.updates.updates) != 0 {
				t.Error("nothing may be persisted on invalid input")
			}
		})
	}
}

func TestGetDocument_WithActivity(t *testing.T) {
	f := newFixture()
	res, err := f.svc.FinalizeUpload(context.Background(), f.finalizeInput(t))
	if err != nil {
		t.Fatal(err)
	}
	view, err := f.svc.GetDocument(context.Background(), res.DocumentID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(view.Activity) != 1 {
		t.Errorf("expected 1 activity entry, got %d", len(view.Activity))
	}
	if _, err := f.svc.GetDocument(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestSlugify(t *testing.T) {
	tests := map[string]string{
		"CBC":                   "cbc",
		"Análisis de Sangre":    "an-lisis-de-sangre",
		"--Lab  Report__2024--": "lab-report-2024",
		"***":                   "document",
		"v1.2 final":            "v1.2-final",
	}
	for in, want := range tests {
		if got := Slugify(in); got != want {
			t.Errorf("Slugify(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBuildObjectPath(t *testing.T) {
	pid, did := uuid.New(), uuid.New()
	now := time.Unix(1700000000, 0)

	p := BuildObjectPath(pid, did, "Lab Report.PDF", now)
	if !strings.HasPrefix(p, pid.String()+"/"+did.String()+"/lab-report-") || !strings.HasSuffix(p, ".PDF") {
		t.Errorf("unexpected path %q", p)
	}
	if again := BuildObjectPath(pid, did, "Lab Report.PDF", now); again != p {
		t.Error("path must be deterministic for the same name and instant")
	}
	if later := BuildObjectPath(pid, did, "Lab Report.PDF", now.Add(time.Millisecond)); later == p {
		t.Error("suffix should change with the timestamp")
	}

	noExt := BuildObjectPath(pid, did, "scan", now)
	if !regexp.MustCompile(`/scan-[0-9a-f]{8}$`).MatchString(noExt) {
		t.Errorf("unexpected path without extension %q", noExt)
	}
}
