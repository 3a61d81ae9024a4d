package documents

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/uploads/prepare", h.PrepareUpload)
	api.POST("/uploads/finalize", h.FinalizeUpload)
	api.GET("/documents/:id", h.GetDocument)
}

func (h *Handler) PrepareUpload(c echo.Context) error {
	var in PrepareUploadInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	res, err := h.svc.PrepareUpload(c.Request().Context(), in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) FinalizeUpload(c echo.Context) error {
	var in FinalizeUploadInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	res, err := h.svc.FinalizeUpload(c.Request().Context(), in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) GetDocument(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	view, err := h.svc.GetDocument(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func httpError(err error) error {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		return echo.NewHTTPError(http.StatusBadRequest, map[string]interface{}{
			"error":   "validation failed",
			"details": []*ValidationError{ve},
		})
	case errors.Is(err, ErrPatientNotFound):
		return echo.NewHTTPError(http.StatusForbidden, "patient not found or access denied")
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrStorage):
		return echo.NewHTTPError(http.StatusInternalServerError, ErrStorage.Error()).SetInternal(err)
	case errors.Is(err, ErrRegistration):
		return echo.NewHTTPError(http.StatusInternalServerError, ErrRegistration.Error()).SetInternal(err)
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
	}
}
