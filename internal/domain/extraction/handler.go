package extraction

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/patientrecord/internal/domain/documents"
	"github.com/ehr/patientrecord/internal/platform/webhook"
)

// maxTriggerBody bounds the process-document request body.
const maxTriggerBody = 64 << 10

type Handler struct {
	processor *Processor
	secret    string
}

// NewHandler serves the process-document trigger. When secret is non-empty
// every request must carry a valid webhook signature.
func NewHandler(p *Processor, secret string) *Handler {
	return &Handler{processor: p, secret: secret}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.Any("/process-document", h.ProcessDocument)
}

type triggerPayload struct {
	DocumentID string `json:"document_id"`
	UpdateID   string `json:"update_id"`
	PatientID  string `json:"patient_id"`
}

func errorBody(msg string) map[string]interface{} {
	return map[string]interface{}{"error": msg}
}

func (h *Handler) ProcessDocument(c echo.Context) error {
	if c.Request().Method != http.MethodPost {
		return c.JSON(http.StatusMethodNotAllowed, errorBody("Method not allowed"))
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxTriggerBody))
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("Invalid payload"))
	}

	if h.secret != "" && !webhook.VerifySignature(body, h.secret, c.Request().Header.Get(webhook.SignatureHeader)) {
		return c.JSON(http.StatusUnauthorized, errorBody("Invalid signature"))
	}

	req, fieldErrs := parseTrigger(body)
	if fieldErrs != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error":   "Invalid payload",
			"details": map[string]interface{}{"fieldErrors": fieldErrs},
		})
	}

	out, err := h.processor.Process(c.Request().Context(), req)
	switch {
	case err == nil:
	case errors.Is(err, documents.ErrNotFound):
		return c.JSON(http.StatusNotFound, errorBody("Document not found"))
	case errors.Is(err, ErrStartTransition):
		return c.JSON(http.StatusInternalServerError, errorBody(ErrStartTransition.Error()))
	case errors.Is(err, ErrCompleteTransition):
		return c.JSON(http.StatusInternalServerError, errorBody(ErrCompleteTransition.Error()))
	default:
		return c.JSON(http.StatusInternalServerError, errorBody("Processing failed"))
	}

	resp := map[string]interface{}{"success": true}
	if out.Skipped {
		resp["skipped"] = true
	}
	return c.JSON(http.StatusOK, resp)
}

// parseTrigger decodes and validates the payload, returning per-field
// messages when it is unusable.
func parseTrigger(body []byte) (ProcessRequest, map[string][]string) {
	var p triggerPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return ProcessRequest{}, map[string][]string{"body": {"must be a JSON object"}}
	}

	errs := map[string][]string{}
	parse := func(field, v string) uuid.UUID {
		id, err := uuid.Parse(v)
		if err != nil {
			errs[field] = append(errs[field], "must be a valid UUID")
		}
		return id
	}
	req := ProcessRequest{
		DocumentID: parse("document_id", p.DocumentID),
		UpdateID:   parse("update_id", p.UpdateID),
		PatientID:  parse("patient_id", p.PatientID),
	}
	if len(errs) > 0 {
		return ProcessRequest{}, errs
	}
	return req, nil
}
