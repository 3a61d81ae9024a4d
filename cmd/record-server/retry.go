package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/patientrecord/internal/domain/documents"
	"github.com/ehr/patientrecord/internal/domain/extraction"
)

// listFunc selects retry candidates, e.g. UpdateRepository.ListPending or
// UpdateRepository.ListFailed.
type listFunc func(ctx context.Context, before time.Time, limit int) ([]documents.PendingWork, error)

type documentProcessor interface {
	Process(ctx context.Context, req documents.ProcessRequest) (extraction.Outcome, error)
}

type retryResult struct {
	Total     int
	Processed int
	Skipped   int
	Failed    int
}

// retryWork processes the listed documents one at a time. A failed document
// does not stop the run.
func retryWork(ctx context.Context, list listFunc, p documentProcessor, before time.Time, limit int, logger zerolog.Logger) (retryResult, error) {
	var res retryResult
	work, err := list(ctx, before, limit)
	if err != nil {
		return res, fmt.Errorf("list retry candidates: %w", err)
	}

	for _, w := range work {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Total++
		out, err := p.Process(ctx, w.ProcessRequest)
		switch {
		case err != nil:
			res.Failed++
			logger.Error().Err(err).
				Str("document_id", w.DocumentID.String()).
				Str("update_id", w.UpdateID.String()).
				Msg("retry failed")
		case out.Skipped:
			res.Skipped++
		default:
			res.Processed++
		}
	}
	return res, nil
}
