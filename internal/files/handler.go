package files

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Notifier reports a freshly uploaded document to the retrieval sidecar.
// Satisfied by retrieval.Client.
type Notifier interface {
	Notify(ctx context.Context, path string) error
}

// Handler serves the file management routes.
type Handler struct {
	manager  *Manager
	registry *Registry
	notifier Notifier // nil when no retrieval sidecar is configured
	log      zerolog.Logger
}

// NewHandler creates the file routes handler. notifier may be nil.
func NewHandler(manager *Manager, registry *Registry, notifier Notifier, log zerolog.Logger) *Handler {
	return &Handler{
		manager:  manager,
		registry: registry,
		notifier: notifier,
		log:      log.With().Str("component", "files").Logger(),
	}
}

// RegisterRoutes mounts the file management API.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/v1/files", h.ListFiles)
	e.POST("/v1/files/upload", h.UploadFile)
	e.POST("/v1/files/folder", h.CreateFolder)
	e.PUT("/v1/files/rename", h.RenameItem)
	e.DELETE("/v1/files", h.DeleteItem)
	e.GET("/v1/files/content", h.FileContent)
	e.GET("/v1/documents", h.ListDocuments)
}

// ListFiles returns the contents of a directory.
// GET /v1/files?path=
func (h *Handler) ListFiles(c echo.Context) error {
	path := c.QueryParam("path")
	items, err := h.manager.List(path)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"path":        path,
		"files":       items,
		"total_count": len(items),
	})
}

// UploadFile stores a multipart upload, registers it, and notifies the
// retrieval sidecar.
// POST /v1/files/upload (multipart: file, path)
func (h *Handler) UploadFile(c echo.Context) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "no file selected"})
	}
	src, err := fileHeader.Open()
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "failed to read upload"})
	}
	defer src.Close()

	item, err := h.manager.Save(c.FormValue("path"), fileHeader.Filename, src, fileHeader.Size)
	if err != nil {
		return h.fail(c, err)
	}

	ctx := c.Request().Context()
	doc := &Document{
		ID:         uuid.New().String(),
		Name:       item.Name,
		Path:       item.Path,
		Size:       item.Size,
		MimeType:   item.MimeType,
		Status:     StatusPending,
		UploadedAt: time.Now().UTC(),
	}
	if err := h.registry.Add(ctx, doc); err != nil {
		h.log.Error().Err(err).Str("path", item.Path).Msg("failed to register upload")
	}

	if h.notifier != nil {
		go h.notifyIngest(item.Path)
	}

	return c.JSON(http.StatusCreated, map[string]any{
		"message": "file uploaded successfully",
		"file":    item,
	})
}

// notifyIngest tells the sidecar about the upload and records the outcome.
func (h *Handler) notifyIngest(path string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := h.notifier.Notify(ctx, path); err != nil {
		h.log.Warn().Err(err).Str("path", path).Msg("ingest notification failed")
		return
	}
	if err := h.registry.SetStatus(ctx, path, StatusIngested); err != nil {
		h.log.Error().Err(err).Str("path", path).Msg("failed to update ingest status")
	}
}

// CreateFolder makes a new folder.
// POST /v1/files/folder {path, name}
func (h *Handler) CreateFolder(c echo.Context) error {
	var req struct {
		Path string `json:"path"`
		Name string `json:"name"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	item, err := h.manager.CreateFolder(req.Path, req.Name)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]any{
		"message": "folder created successfully",
		"folder":  item,
	})
}

// RenameItem renames a file or folder.
// PUT /v1/files/rename {path, new_name}
func (h *Handler) RenameItem(c echo.Context) error {
	var req struct {
		Path    string `json:"path"`
		NewName string `json:"new_name"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	item, err := h.manager.Rename(req.Path, req.NewName)
	if err != nil {
		return h.fail(c, err)
	}
	if err := h.registry.Rename(c.Request().Context(), req.Path, item.Path); err != nil {
		h.log.Error().Err(err).Str("path", req.Path).Msg("failed to re-register renamed item")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"message": "item renamed successfully",
		"item":    item,
	})
}

// DeleteItem removes a file or folder.
// DELETE /v1/files?path=
func (h *Handler) DeleteItem(c echo.Context) error {
	path := c.QueryParam("path")
	if path == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "path is required"})
	}
	if err := h.manager.Delete(path); err != nil {
		return h.fail(c, err)
	}
	if err := h.registry.Remove(c.Request().Context(), path); err != nil {
		h.log.Error().Err(err).Str("path", path).Msg("failed to unregister deleted item")
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "item deleted successfully"})
}

// FileContent returns a text preview.
// GET /v1/files/content?path=
func (h *Handler) FileContent(c echo.Context) error {
	content, item, err := h.manager.Content(c.QueryParam("path"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"content":   content,
		"mime_type": item.MimeType,
		"file":      item,
	})
}

// ListDocuments returns the upload registry.
// GET /v1/documents
func (h *Handler) ListDocuments(c echo.Context) error {
	docs, err := h.registry.List(c.Request().Context())
	if err != nil {
		h.log.Error().Err(err).Msg("failed to list documents")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to list documents"})
	}
	return c.JSON(http.StatusOK, map[string]any{"documents": docs})
}

// fail maps manager errors onto HTTP responses.
func (h *Handler) fail(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrExists):
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrInvalidName), errors.Is(err, ErrTypeNotAllowed),
		errors.Is(err, ErrTooLarge), errors.Is(err, ErrNoPreview):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		h.log.Error().Err(err).Msg("file operation failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}
