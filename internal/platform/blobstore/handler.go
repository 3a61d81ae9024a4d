package blobstore

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Handler accepts direct client uploads against signed URLs.
type Handler struct {
	store  BlobStore
	signer *Signer
	logger zerolog.Logger
}

func NewHandler(store BlobStore, signer *Signer, logger zerolog.Logger) *Handler {
	return &Handler{store: store, signer: signer, logger: logger}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.PUT("/object/upload/sign/:bucket/*", h.Upload)
	g.POST("/object/upload/sign/:bucket/*", h.Upload)
}

func (h *Handler) Upload(c echo.Context) error {
	bucket := c.Param("bucket")
	p, err := url.PathUnescape(c.Param("*"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid object path")
	}
	if p, err = CleanPath(p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid object path")
	}

	token := c.QueryParam("token")
	if token == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing upload token")
	}
	claims, err := h.signer.Verify(token, bucket, p)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}

	req := c.Request()
	if req.ContentLength > MaxObjectSize {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, ErrObjectTooLarge.Error())
	}

	if err := h.signer.Claim(claims); err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}

	info, err := h.store.Put(req.Context(), p, req.Header.Get(echo.HeaderContentType), req.Body, claims.Upsert)
	if err != nil {
		h.signer.Release(claims)
		switch {
		case errors.Is(err, ErrObjectExists):
			return echo.NewHTTPError(http.StatusConflict, "the resource already exists")
		case errors.Is(err, ErrObjectTooLarge):
			return echo.NewHTTPError(http.StatusRequestEntityTooLarge, ErrObjectTooLarge.Error())
		case errors.Is(err, ErrInvalidPath):
			return echo.NewHTTPError(http.StatusBadRequest, "invalid object path")
		}
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		h.logger.Error().Err(err).Str("path", p).Msg("failed to store uploaded object")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to store object")
	}

	h.logger.Info().Str("path", info.Path).Int64("size", info.Size).
		Str("content_type", info.ContentType).Msg("object uploaded")

	return c.JSON(http.StatusOK, map[string]interface{}{
		"Key":  bucket + "/" + info.Path,
		"path": info.Path,
		"size": info.Size,
	})
}
