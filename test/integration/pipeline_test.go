//go:build integration

package integration

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/patientrecord/internal/domain/diagnostics"
	"github.com/ehr/patientrecord/internal/domain/documents"
	"github.com/ehr/patientrecord/internal/domain/extraction"
	"github.com/ehr/patientrecord/internal/platform/blobstore"
	"github.com/ehr/patientrecord/internal/platform/db"
)

const report = `LABORATORIO CLINICO
Fecha: 2024-03-01
Glucosa: 130 mg/dL (70-100)
Creatinina suero: 1.0 mg/dL (0.6-1.2)
Hemoglobina: 13.2 g/dL (12-17.5)
`

type pipeline struct {
	store       *blobstore.MemoryStore
	signer      *blobstore.Signer
	updates     documents.UpdateRepository
	docs        documents.DocumentRepository
	labs        diagnostics.LabResultRepository
	uploads     *documents.Service
	diagnostics *diagnostics.Service
	processor   func(version string) *extraction.Processor
}

func newPipeline(dispatch bool) *pipeline {
	pool := globalPool
	p := &pipeline{
		store:   blobstore.NewMemoryStore(),
		signer:  blobstore.NewSigner("integration-signing-key-0123456789", "medical-documents", "http://localhost", time.Hour),
		updates: documents.NewUpdateRepoPG(pool),
		docs:    documents.NewDocumentRepoPG(pool),
		labs:    diagnostics.NewLabResultRepoPG(pool),
	}
	patients := documents.NewPatientRepoPG(pool)
	activity := documents.NewActivityRepoPG(pool)
	biomarkers := diagnostics.NewBiomarkerRepoPG(pool)
	tx := db.NewTxRunner(pool)

	extractor := extraction.NewMimeRouter(extraction.SampleExtractor{}).
		Handle("text/plain", extraction.TextExtractor{Store: p.store})
	p.processor = func(version string) *extraction.Processor {
		return extraction.NewProcessor(version, p.docs, p.updates, activity, p.labs, biomarkers, tx, extractor)
	}

	var opts []documents.Option
	if dispatch {
		opts = append(opts, documents.WithDispatcher(extraction.NewLocalDispatcher(p.processor("v0"))))
	}
	p.uploads = documents.NewService(patients, p.updates, p.docs, activity, tx, p.signer, opts...)
	p.diagnostics = diagnostics.NewService(p.labs, biomarkers, patients, zerolog.Nop())
	return p
}

// upload runs the full handshake: prepare, PUT to the signed URL, finalize.
func (p *pipeline) upload(t *testing.T, ctx context.Context, patientID, body string) *documents.FinalizeResult {
	t.Helper()
	in := documents.PrepareUploadInput{
		PatientID: patientID,
		FileName:  "Informe laboratorio.txt",
		FileType:  "text/plain",
		FileSize:  int64(len(body)),
	}
	prep, err := p.uploads.PrepareUpload(ctx, in)
	require.NoError(t, err)

	u, err := url.Parse(prep.SignedUploadURL)
	require.NoError(t, err)
	e := echo.New()
	blobstore.NewHandler(p.store, p.signer, zerolog.Nop()).RegisterRoutes(e.Group("/storage/v1"))
	req := httptest.NewRequest(http.MethodPut, u.RequestURI(), strings.NewReader(body))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	res, err := p.uploads.FinalizeUpload(ctx, documents.FinalizeUploadInput{
		PrepareUploadInput: in,
		DocumentID:         prep.DocumentID.String(),
		FilePath:           prep.FilePath,
		Title:              "Analítica marzo",
		Description:        ptrStr("control trimestral"),
		DocumentType:       string(documents.DocumentTypeLabResult),
	})
	require.NoError(t, err)
	return res
}

func TestPipeline_UploadProcessAndQuery(t *testing.T) {
	ctx := context.Background()
	pid := createTestPatient(t, ctx)
	p := newPipeline(true)

	res := p.upload(t, ctx, pid.String(), report)

	update, err := p.updates.GetByID(ctx, res.UpdateID)
	require.NoError(t, err)
	assert.Equal(t, documents.StatusCompleted, update.Status)

	doc, err := p.docs.GetByID(ctx, res.DocumentID)
	require.NoError(t, err)
	require.NotNil(t, doc.ExtractedData)
	assert.Equal(t, "v0", doc.ExtractedData.ExtractorVersion)
	assert.Equal(t, 3, doc.ExtractedData.ResultsCount)

	results, total, err := p.diagnostics.ListLabResults(ctx, pid, diagnostics.LabResultFilter{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, results, 3)

	linked := countRows(t, ctx, `
		SELECT COUNT(*) FROM lab_parsed_values v
		JOIN lab_results r ON r.id = v.lab_result_id
		WHERE r.document_id = $1 AND v.biomarker_id IS NOT NULL`, res.DocumentID)
	assert.Equal(t, 3, linked, "glucose, creatinine and hemoglobin are reference biomarkers")

	summaries, err := p.diagnostics.Biomarkers(ctx, pid)
	require.NoError(t, err)
	byName := map[string]diagnostics.BiomarkerSummary{}
	for _, s := range summaries {
		byName[s.Name] = s
	}
	require.Contains(t, byName, "glucose")
	assert.Equal(t, diagnostics.StatusAbnormal, byName["glucose"].Status)
	assert.Equal(t, "metabolic", byName["glucose"].Category)

	actions := countRows(t, ctx, `SELECT COUNT(*) FROM activity_log WHERE entity_id = $1`, res.DocumentID)
	assert.Equal(t, 3, actions, "uploaded, processing started, processing completed")
}

func TestPipeline_ReprocessingIsIdempotent(t *testing.T) {
	ctx := context.Background()
	pid := createTestPatient(t, ctx)
	p := newPipeline(true)
	res := p.upload(t, ctx, pid.String(), report)
	req := documents.ProcessRequest{DocumentID: res.DocumentID, UpdateID: res.UpdateID, PatientID: pid}

	before, err := p.labs.ListByDocument(ctx, res.DocumentID)
	require.NoError(t, err)

	out, err := p.processor("v0").Process(ctx, req)
	require.NoError(t, err)
	assert.True(t, out.Skipped)

	after, err := p.labs.ListByDocument(ctx, res.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestPipeline_VersionBumpReplacesResults(t *testing.T) {
	ctx := context.Background()
	pid := createTestPatient(t, ctx)
	p := newPipeline(true)
	res := p.upload(t, ctx, pid.String(), report)
	req := documents.ProcessRequest{DocumentID: res.DocumentID, UpdateID: res.UpdateID, PatientID: pid}

	_, err := p.store.Put(ctx, mustDoc(t, ctx, p, res).FilePath, "text/plain",
		strings.NewReader("Glucosa: 98 mg/dL (70-100)\n"), true)
	require.NoError(t, err)

	out, err := p.processor("v1").Process(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 1, out.ResultsCount)

	assert.Equal(t, 1, countRows(t, ctx, `SELECT COUNT(*) FROM lab_results WHERE document_id = $1`, res.DocumentID))
	assert.Equal(t, 1, countRows(t, ctx, `
		SELECT COUNT(*) FROM lab_parsed_values v JOIN lab_results r ON r.id = v.lab_result_id
		WHERE r.document_id = $1`, res.DocumentID))

	update, err := p.updates.GetByID(ctx, res.UpdateID)
	require.NoError(t, err)
	assert.Equal(t, documents.StatusCompleted, update.Status)
}

func mustDoc(t *testing.T, ctx context.Context, p *pipeline, res *documents.FinalizeResult) *documents.Document {
	t.Helper()
	doc, err := p.docs.GetByID(ctx, res.DocumentID)
	require.NoError(t, err)
	return doc
}

func TestPipeline_UnknownPatientIsRejected(t *testing.T) {
	p := newPipeline(false)
	_, err := p.uploads.PrepareUpload(context.Background(), documents.PrepareUploadInput{
		PatientID: "8a5b1f9e-0000-4000-8000-000000000000",
		FileName:  "scan.pdf",
		FileType:  "application/pdf",
		FileSize:  1024,
	})
	assert.True(t, errors.Is(err, documents.ErrPatientNotFound))
}
