package documents

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/patientrecord/internal/platform/auth"
	"github.com/ehr/patientrecord/internal/platform/blobstore"
	"github.com/ehr/patientrecord/internal/platform/db"
)

// MaxFileSize is the largest document accepted by the upload handshake.
const MaxFileSize = blobstore.MaxObjectSize

// UploadSigner issues single-use write locations in object storage.
type UploadSigner interface {
	CreateSignedUploadURL(ctx context.Context, path string, opts blobstore.UploadOptions) (*blobstore.SignedUpload, error)
}

// Dispatcher fires the processing trigger for a finalized document. Delivery
// is best effort.
type Dispatcher interface {
	Dispatch(ctx context.Context, req ProcessRequest) error
}

// HandshakeMetrics counts upload handshake outcomes.
type HandshakeMetrics interface {
	UploadHandshake(outcome string)
}

type Service struct {
	patients   PatientRepository
	updates    UpdateRepository
	docs       DocumentRepository
	activity   ActivityRepository
	tx         db.TxRunner
	signer     UploadSigner
	dispatcher Dispatcher
	metrics    HandshakeMetrics
	logger     zerolog.Logger
	now        func() time.Time
}

type Option func(*Service)

func WithDispatcher(d Dispatcher) Option { return func(s *Service) { s.dispatcher = d } }

func WithMetrics(m HandshakeMetrics) Option { return func(s *Service) { s.metrics = m } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.logger = l } }

func NewService(patients PatientRepository, updates UpdateRepository, docs DocumentRepository,
	activity ActivityRepository, tx db.TxRunner, signer UploadSigner, opts ...Option) *Service {
	s := &Service{
		patients: patients,
		updates:  updates,
		docs:     docs,
		activity: activity,
		tx:       tx,
		signer:   signer,
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

type PrepareUploadInput struct {
	PatientID string `json:"patientId"`
	FileName  string `json:"fileName"`
	FileType  string `json:"fileType"`
	FileSize  int64  `json:"fileSize"`
}

type PrepareUploadResult struct {
	SignedUploadURL string    `json:"signedUploadUrl"`
	FilePath        string    `json:"filePath"`
	DocumentID      uuid.UUID `json:"documentId"`
	Token           string    `json:"token,omitempty"`
	ExpiresAt       time.Time `json:"expiresAt"`
}

type FinalizeUploadInput struct {
	PrepareUploadInput
	DocumentID   string  `json:"documentId"`
	FilePath     string  `json:"filePath"`
	Title        string  `json:"title"`
	Description  *string `json:"description,omitempty"`
	DocumentType string  `json:"documentType"`
}

type FinalizeResult struct {
	UpdateID   uuid.UUID `json:"updateId"`
	DocumentID uuid.UUID `json:"documentId"`
}

func (in *PrepareUploadInput) validate() (uuid.UUID, error) {
	pid, err := uuid.Parse(in.PatientID)
	if err != nil {
		return uuid.Nil, invalid("patientId", "must be a valid UUID")
	}
	if strings.TrimSpace(in.FileName) == "" {
		return uuid.Nil, invalid("fileName", "is required")
	}
	if strings.TrimSpace(in.FileType) == "" {
		return uuid.Nil, invalid("fileType", "is required")
	}
	if in.FileSize <= 0 {
		return uuid.Nil, invalid("fileSize", "must be positive")
	}
	if in.FileSize > MaxFileSize {
		return uuid.Nil, invalid("fileSize", "exceeds the 50MB maximum")
	}
	return pid, nil
}

func (in *FinalizeUploadInput) validate() (pid, did uuid.UUID, err error) {
	if pid, err = in.PrepareUploadInput.validate(); err != nil {
		return
	}
	if did, err = uuid.Parse(in.DocumentID); err != nil {
		err = invalid("documentId", "must be a valid UUID")
		return
	}
	if in.FilePath == "" {
		err = invalid("filePath", "is required")
		return
	}
	if !strings.HasPrefix(in.FilePath, pid.String()+"/"+did.String()+"/") {
		err = invalid("filePath", "does not belong to this patient and document")
		return
	}
	if strings.TrimSpace(in.Title) == "" {
		err = invalid("title", "is required")
		return
	}
	if !DocumentType(in.DocumentType).Valid() {
		err = invalid("documentType", "must be one of lab_result, imaging, prescription, medical_report, other")
	}
	return
}

func (s *Service) ensurePatient(ctx context.Context, pid uuid.UUID) error {
	ok, err := s.patients.Exists(ctx, pid)
	if err != nil {
		return fmt.Errorf("lookup patient: %w", err)
	}
	if !ok {
		return ErrPatientNotFound
	}
	return nil
}

// actorFromContext returns the authenticated user when the token subject is a
// user id. Anonymous and non-uuid subjects are recorded as nil.
func actorFromContext(ctx context.Context) *uuid.UUID {
	id, err := uuid.Parse(auth.UserIDFromContext(ctx))
	if err != nil {
		return nil
	}
	return &id
}

func (s *Service) countHandshake(outcome string) {
	if s.metrics != nil {
		s.metrics.UploadHandshake(outcome)
	}
}

// PrepareUpload reserves a document identity and a storage path and returns a
// single-use write location for it. Nothing is persisted.
func (s *Service) PrepareUpload(ctx context.Context, in PrepareUploadInput) (*PrepareUploadResult, error) {
	pid, err := in.validate()
	if err != nil {
		s.countHandshake("invalid")
		return nil, err
	}
	if err := s.ensurePatient(ctx, pid); err != nil {
		s.countHandshake("rejected")
		return nil, err
	}

	did := uuid.New()
	path := BuildObjectPath(pid, did, in.FileName, s.now())

	signed, err := s.signer.CreateSignedUploadURL(ctx, path, blobstore.UploadOptions{Upsert: false})
	if err != nil {
		s.logger.Error().Err(err).Str("patient_id", pid.String()).Str("file_path", path).
			Msg("failed to create signed upload url")
		s.countHandshake("error")
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	s.countHandshake("ok")
	return &PrepareUploadResult{
		SignedUploadURL: signed.SignedURL,
		FilePath:        path,
		DocumentID:      did,
		Token:           signed.Token,
		ExpiresAt:       signed.ExpiresAt,
	}, nil
}

// FinalizeUpload registers an uploaded object as an Update plus Document and
// fires the processing trigger. Only the two inserts are fatal.
func (s *Service) FinalizeUpload(ctx context.Context, in FinalizeUploadInput) (*FinalizeResult, error) {
	pid, did, err := in.validate()
	if err != nil {
		return nil, err
	}
	if err := s.ensurePatient(ctx, pid); err != nil {
		return nil, err
	}

	log := s.logger.With().Str("patient_id", pid.String()).Str("document_id", did.String()).Logger()
	actor := actorFromContext(ctx)

	update := &Update{
		ID:          uuid.New(),
		PatientID:   pid,
		CreatedBy:   actor,
		Title:       strings.TrimSpace(in.Title),
		Description: in.Description,
		Status:      StatusPending,
		ContentType: "document",
	}
	size := in.FileSize
	mime := in.FileType
	doc := &Document{
		ID:           did,
		UpdateID:     &update.ID,
		DocumentType: DocumentType(in.DocumentType),
		FileName:     in.FileName,
		FilePath:     in.FilePath,
		FileSize:     &size,
		MimeType:     &mime,
	}

	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.updates.Create(ctx, update); err != nil {
			return fmt.Errorf("insert update: %w", err)
		}
		if err := s.docs.Create(ctx, doc); err != nil {
			return fmt.Errorf("insert document: %w", err)
		}
		return nil
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to register document")
		return nil, fmt.Errorf("%w: %v", ErrRegistration, err)
	}

	entry := NewDocumentActivity(ActionDocumentUploaded, pid, did, map[string]interface{}{
		"file_name":     in.FileName,
		"file_path":     in.FilePath,
		"document_type": in.DocumentType,
	})
	entry.UserID = actor
	if err := s.activity.Append(ctx, entry); err != nil {
		log.Warn().Err(err).Msg("failed to record upload activity")
	}

	if s.dispatcher != nil {
		req := ProcessRequest{DocumentID: did, UpdateID: update.ID, PatientID: pid}
		if err := s.dispatcher.Dispatch(ctx, req); err != nil {
			log.Warn().Err(err).Str("update_id", update.ID.String()).
				Msg("processing trigger failed, update left pending")
		}
	}

	return &FinalizeResult{UpdateID: update.ID, DocumentID: did}, nil
}

// DocumentView is a document with its recent activity.
type DocumentView struct {
	*Document
	Activity []*ActivityLogEntry `json:"activity"`
}

func (s *Service) GetDocument(ctx context.Context, id uuid.UUID) (*DocumentView, error) {
	doc, err := s.docs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	activity, err := s.activity.ListByEntity(ctx, EntityDocument, id, 50)
	if err != nil {
		return nil, err
	}
	return &DocumentView{Document: doc, Activity: activity}, nil
}

var nonSlug = regexp.MustCompile(`[^a-z0-9.]+`)
var dashes = regexp.MustCompile(`-{2,}`)

// Slugify lower-cases name and reduces it to [a-z0-9.-].
func Slugify(name string) string {
	s := nonSlug.ReplaceAllString(strings.ToLower(name), "-")
	s = dashes.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		return "document"
	}
	return s
}

// BuildObjectPath returns {patientId}/{documentId}/{slug}-{hex8}{ext}.
func BuildObjectPath(patientID, documentID uuid.UUID, fileName string, now time.Time) string {
	ext := ""
	if i := strings.LastIndex(fileName, "."); i >= 0 && !strings.ContainsAny(fileName[i:], `/\`) {
		ext = fileName[i:]
	}
	base := strings.TrimSuffix(fileName, ext)

	sum := sha1.Sum([]byte(fmt.Sprintf("%s-%d", fileName, now.UnixMilli())))
	suffix := hex.EncodeToString(sum[:])[:8]

	return fmt.Sprintf("%s/%s/%s-%s%s", patientID, documentID, Slugify(base), suffix, ext)
}
