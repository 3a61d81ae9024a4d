package diagnostics

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/patientrecord/internal/domain/documents"
	"github.com/ehr/patientrecord/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	p := api.Group("/patients/:patientId")
	p.GET("/lab-results", h.ListLabResults)
	p.GET("/lab-trends", h.ListLabTrends)
	p.GET("/lab-trends/:testName", h.GetLabTrend)
	p.GET("/biomarkers", h.ListBiomarkers)
	p.GET("/biomarkers/:name", h.GetBiomarker)

	api.GET("/biomarkers", h.ListReferenceBiomarkers)
}

func patientID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("patientId"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	return id, nil
}

// pathParam unescapes a path segment such as "Colesterol%20Total".
func pathParam(c echo.Context, name string) string {
	v := c.Param(name)
	if u, err := url.PathUnescape(v); err == nil {
		return u
	}
	return v
}

func (h *Handler) ListLabResults(c echo.Context) error {
	pid, err := patientID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListLabResults(c.Request().Context(), pid, LabResultFilter{
		TestName: c.QueryParam("test_name"),
		Limit:    pg.Limit,
		Offset:   pg.Offset,
	})
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []LabResult{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListLabTrends(c echo.Context) error {
	pid, err := patientID(c)
	if err != nil {
		return err
	}
	trends, err := h.svc.LabTrends(c.Request().Context(), pid)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, trends)
}

func (h *Handler) GetLabTrend(c echo.Context) error {
	pid, err := patientID(c)
	if err != nil {
		return err
	}
	trend, err := h.svc.LabTrend(c.Request().Context(), pid, pathParam(c, "testName"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, trend)
}

func (h *Handler) ListBiomarkers(c echo.Context) error {
	pid, err := patientID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.Biomarkers(c.Request().Context(), pid)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) GetBiomarker(c echo.Context) error {
	pid, err := patientID(c)
	if err != nil {
		return err
	}
	detail, err := h.svc.Biomarker(c.Request().Context(), pid, pathParam(c, "name"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, detail)
}

func (h *Handler) ListReferenceBiomarkers(c echo.Context) error {
	items, err := h.svc.ReferenceBiomarkers(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []Biomarker{}
	}
	return c.JSON(http.StatusOK, items)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, documents.ErrPatientNotFound):
		return echo.NewHTTPError(http.StatusForbidden, "patient not found or access denied")
	case errors.Is(err, documents.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
}
