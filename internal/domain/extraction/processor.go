package extraction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ehr/patientrecord/internal/domain/diagnostics"
	"github.com/ehr/patientrecord/internal/domain/documents"
	"github.com/ehr/patientrecord/internal/platform/db"
	"github.com/ehr/patientrecord/internal/platform/telemetry"
)

type ProcessRequest = documents.ProcessRequest

var (
	// ErrStartTransition means the update could not be moved to processing.
	ErrStartTransition = errors.New("failed to update status")
	// ErrCompleteTransition means results were stored but the update could not
	// be moved to completed. It is left in processing for operator follow-up.
	ErrCompleteTransition = errors.New("failed to finalize update")
)

// Outcome reports what a processing run did.
type Outcome struct {
	Skipped      bool `json:"skipped,omitempty"`
	ResultsCount int  `json:"results_count"`
}

// Processor runs the extraction state machine for one document:
// pending -> processing -> completed, with a skip when the document was
// already processed by the current extractor version.
type Processor struct {
	Version string

	docs       documents.DocumentRepository
	updates    documents.UpdateRepository
	activity   documents.ActivityRepository
	labs       diagnostics.LabResultRepository
	biomarkers diagnostics.BiomarkerRepository
	tx         db.TxRunner
	extractor  Extractor
	telemetry  *telemetry.Provider
	logger     zerolog.Logger
	now        func() time.Time
}

type ProcessorOption func(*Processor)

func WithTelemetry(p *telemetry.Provider) ProcessorOption {
	return func(pr *Processor) { pr.telemetry = p }
}

func WithLogger(l zerolog.Logger) ProcessorOption {
	return func(pr *Processor) { pr.logger = l }
}

func WithClock(now func() time.Time) ProcessorOption {
	return func(pr *Processor) { pr.now = now }
}

func NewProcessor(version string, docs documents.DocumentRepository, updates documents.UpdateRepository,
	activity documents.ActivityRepository, labs diagnostics.LabResultRepository,
	biomarkers diagnostics.BiomarkerRepository, tx db.TxRunner, extractor Extractor, opts ...ProcessorOption) *Processor {
	p := &Processor{
		Version:    version,
		docs:       docs,
		updates:    updates,
		activity:   activity,
		labs:       labs,
		biomarkers: biomarkers,
		tx:         tx,
		extractor:  extractor,
		logger:     zerolog.Nop(),
		now:        time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Process runs one document through extraction. Only the processing and
// completed transitions and a missing document are fatal; every other write
// failure is logged and the run continues.
func (p *Processor) Process(ctx context.Context, req ProcessRequest) (out Outcome, err error) {
	start := p.now()
	ctx, span := p.telemetry.StartSpan(ctx, "document.process",
		attribute.String("document.id", req.DocumentID.String()),
		attribute.String("update.id", req.UpdateID.String()),
		attribute.String("extractor.version", p.Version),
	)
	defer func() {
		span.SetAttributes(attribute.Bool("skipped", out.Skipped), attribute.Int("results.count", out.ResultsCount))
		telemetry.EndSpan(span, err)
		p.telemetry.ObserveProcessing(outcomeLabel(out, err), p.now().Sub(start), out.ResultsCount)
	}()

	log := p.logger.With().
		Str("document_id", req.DocumentID.String()).
		Str("update_id", req.UpdateID.String()).
		Str("patient_id", req.PatientID.String()).
		Logger()

	// 1. skip documents already processed by this version
	doc, err := p.docs.GetByID(ctx, req.DocumentID)
	if err != nil && !errors.Is(err, documents.ErrNotFound) {
		log.Error().Err(err).Msg("failed to load document metadata")
	}
	if doc != nil && doc.ProcessedVersion() == p.Version {
		log.Info().Str("extractor_version", p.Version).Msg("document already processed, skipping")
		return Outcome{Skipped: true}, nil
	}

	// 2. record start and move to processing
	p.logActivity(ctx, log, documents.ActionProcessingStarted, req)
	if _, err := p.updates.AdvanceStatus(ctx, req.UpdateID, documents.StatusProcessing); err != nil {
		log.Error().Err(err).Msg("failed to mark update as processing")
		return Outcome{}, fmt.Errorf("%w: %v", ErrStartTransition, err)
	}

	// 3. the document must exist and point at an object
	if doc == nil {
		if doc, err = p.docs.GetByID(ctx, req.DocumentID); err != nil && !errors.Is(err, documents.ErrNotFound) {
			log.Error().Err(err).Msg("failed to get document data")
		}
	}
	if doc == nil || doc.FilePath == "" {
		log.Error().Msg("document not found")
		return Outcome{}, documents.ErrDocumentNotFound
	}

	// 4-5. extract, then replace the previous generation of results
	count, runErr := p.extractAndReplace(ctx, doc, req)

	// 6. stamp the document
	processedAt := p.now().UTC()
	result := &documents.ProcessingResult{
		ExtractorVersion: p.Version,
		ProcessedAt:      &processedAt,
		Status:           documents.ProcessingCompleted,
		ResultsCount:     count,
		FileProcessed:    doc.FileName,
	}
	if runErr != nil {
		log.Error().Err(runErr).Msg("extraction failed, document will be reprocessed on the next trigger")
		result.ExtractorVersion = ""
		result.Status = documents.ProcessingFailed
		result.Error = runErr.Error()
	}
	if err := p.docs.SetExtractedData(ctx, doc.ID, result); err != nil {
		log.Error().Err(err).Msg("failed to update document metadata")
	}

	// 7. complete the update
	if _, err := p.updates.AdvanceStatus(ctx, req.UpdateID, documents.StatusCompleted); err != nil {
		log.Error().Err(err).Msg("failed to mark update as completed")
		return Outcome{ResultsCount: count}, fmt.Errorf("%w: %v", ErrCompleteTransition, err)
	}

	// 8. record completion
	p.logActivity(ctx, log, documents.ActionProcessingCompleted, req)

	log.Info().Int("results_count", count).Str("extractor_version", p.Version).Msg("document processed")
	return Outcome{ResultsCount: count}, nil
}

func (p *Processor) extractAndReplace(ctx context.Context, doc *documents.Document, req ProcessRequest) (int, error) {
	extracted, err := p.extractor.Extract(ctx, doc)
	if err != nil {
		return 0, fmt.Errorf("extract: %w", err)
	}

	items := p.buildRows(ctx, extracted, req)
	err = p.tx.WithTx(ctx, func(ctx context.Context) error {
		return p.labs.ReplaceForDocument(ctx, req.DocumentID, items)
	})
	if err != nil {
		return 0, fmt.Errorf("replace lab results: %w", err)
	}
	return len(items), nil
}

func (p *Processor) buildRows(ctx context.Context, extracted []ExtractedResult, req ProcessRequest) []diagnostics.ResultWithValue {
	refs, err := p.biomarkers.List(ctx)
	if err != nil {
		p.logger.Warn().Err(err).Msg("failed to load biomarker reference table, parsed values stay unlinked")
		refs = nil
	}
	matcher := diagnostics.NewBiomarkerMatcher(refs)

	docID, updateID := req.DocumentID, req.UpdateID
	items := make([]diagnostics.ResultWithValue, 0, len(extracted))
	for _, x := range extracted {
		var unit *string
		if x.Unit != "" {
			u := x.Unit
			unit = &u
		}
		confidence, method := x.Confidence, x.Method

		items = append(items, diagnostics.ResultWithValue{
			Result: &diagnostics.LabResult{
				PatientID:    req.PatientID,
				UpdateID:     &updateID,
				DocumentID:   &docID,
				TestName:     x.TestName,
				Value:        x.Value,
				Unit:         unit,
				ReferenceMin: x.ReferenceMin,
				ReferenceMax: x.ReferenceMax,
				IsCritical:   x.IsCritical,
				TestDate:     x.TestDate,
			},
			Parsed: &diagnostics.LabParsedValue{
				RawName:          x.TestName,
				RawValue:         x.RawValue,
				ParsedValue:      x.Value,
				Unit:             unit,
				ConfidenceScore:  &confidence,
				ExtractionMethod: &method,
				BiomarkerID:      matcher.MatchID(x.TestName),
			},
		})
	}
	return items
}

func (p *Processor) logActivity(ctx context.Context, log zerolog.Logger, action string, req ProcessRequest) {
	entry := documents.NewDocumentActivity(action, req.PatientID, req.DocumentID, map[string]interface{}{
		"update_id": req.UpdateID.String(),
	})
	if err := p.activity.Append(ctx, entry); err != nil {
		log.Warn().Err(err).Str("action", action).Msg("failed to record activity")
	}
}

func outcomeLabel(out Outcome, err error) string {
	switch {
	case err != nil:
		return "error"
	case out.Skipped:
		return "skipped"
	}
	return "completed"
}
