package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/patientrecord/internal/config"
	"github.com/ehr/patientrecord/internal/domain/diagnostics"
	"github.com/ehr/patientrecord/internal/domain/documents"
	"github.com/ehr/patientrecord/internal/domain/extraction"
	"github.com/ehr/patientrecord/internal/platform/blobstore"
	"github.com/ehr/patientrecord/internal/platform/db"
	"github.com/ehr/patientrecord/internal/platform/telemetry"
	"github.com/ehr/patientrecord/internal/platform/webhook"
)

// dispatchDrainTimeout bounds how long shutdown waits for in-flight
// processing triggers.
const dispatchDrainTimeout = 30 * time.Second

// app holds every long-lived component of the server.
type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	pool      *pgxpool.Pool
	telemetry *telemetry.Provider

	store  blobstore.BlobStore
	signer *blobstore.Signer

	updates     documents.UpdateRepository
	processor   *extraction.Processor
	dispatcher  *extraction.AsyncDispatcher
	documents   *documents.Service
	diagnostics *diagnostics.Service
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	a, err := buildApp(cfg, logger, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return a, nil
}

// buildApp wires repositories, services and the processing pipeline on top of
// pool. It performs no I/O besides preparing the storage directory.
func buildApp(cfg *config.Config, logger zerolog.Logger, pool *pgxpool.Pool) (*app, error) {
	tel := telemetry.NewProvider(telemetry.Config{
		ServiceName:       serviceName,
		ServiceVersion:    version,
		RuntimeCollectors: cfg.MetricsEnabled,
	})

	store, err := buildStore(cfg)
	if err != nil {
		return nil, err
	}
	signer := blobstore.NewSigner(cfg.StorageSigningKey, cfg.StorageBucket, cfg.StoragePublicURL, cfg.SignedUploadTTL)

	patients := documents.NewPatientRepoPG(pool)
	updates := documents.NewUpdateRepoPG(pool)
	docs := documents.NewDocumentRepoPG(pool)
	activity := documents.NewActivityRepoPG(pool)
	labs := diagnostics.NewLabResultRepoPG(pool)
	biomarkers := diagnostics.NewBiomarkerRepoPG(pool)
	tx := db.NewTxRunner(pool)

	processor := extraction.NewProcessor(cfg.ExtractorVersion, docs, updates, activity, labs, biomarkers, tx,
		buildExtractor(store),
		extraction.WithTelemetry(tel),
		extraction.WithLogger(logger.With().Str("component", "processor").Logger()),
	)

	dispatcher := extraction.NewAsyncDispatcher(
		buildDispatcher(cfg, processor, logger),
		cfg.ProcessorTimeout, tel,
		logger.With().Str("component", "dispatcher").Logger(),
	)

	uploads := documents.NewService(patients, updates, docs, activity, tx, signer,
		documents.WithDispatcher(dispatcher),
		documents.WithMetrics(tel),
		documents.WithLogger(logger.With().Str("component", "uploads").Logger()),
	)
	labSvc := diagnostics.NewService(labs, biomarkers, patients, logger.With().Str("component", "diagnostics").Logger())

	return &app{
		cfg:         cfg,
		logger:      logger,
		pool:        pool,
		telemetry:   tel,
		store:       store,
		signer:      signer,
		updates:     updates,
		processor:   processor,
		dispatcher:  dispatcher,
		documents:   uploads,
		diagnostics: labSvc,
	}, nil
}

func buildStore(cfg *config.Config) (blobstore.BlobStore, error) {
	switch cfg.StorageBackend {
	case "dir":
		s, err := blobstore.NewDirStore(cfg.StorageDir)
		if err != nil {
			return nil, fmt.Errorf("open storage directory: %w", err)
		}
		return s, nil
	case "memory", "":
		return blobstore.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
}

// buildExtractor routes plain-text and csv reports to the text parsers and
// everything else to the sample panel.
func buildExtractor(store blobstore.BlobStore) extraction.Extractor {
	text := extraction.TextExtractor{Store: store}
	return extraction.NewMimeRouter(extraction.SampleExtractor{}).
		Handle("text/plain", text).
		Handle("text/csv", text)
}

func buildDispatcher(cfg *config.Config, p *extraction.Processor, logger zerolog.Logger) extraction.Dispatcher {
	if cfg.ProcessorMode == "http" {
		sender := webhook.NewSender(cfg.ProcessorTimeout, logger, webhook.WithSecret(cfg.ProcessorSecret))
		return extraction.NewHTTPDispatcher(cfg.ProcessorURL, sender)
	}
	return extraction.NewLocalDispatcher(p)
}

// Close drains pending processing triggers and closes the pool.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), dispatchDrainTimeout)
	defer cancel()
	if err := a.dispatcher.Close(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("processing triggers still running at shutdown")
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
