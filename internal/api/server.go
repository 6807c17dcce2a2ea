// Package api is the request layer in front of the ledger: upload,
// status polling, download and deletion. It never touches the
// processing pipeline directly.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pressmill/pdf-compress-service/config"
	"github.com/pressmill/pdf-compress-service/internal/ledger"
	"github.com/pressmill/pdf-compress-service/internal/storage"
)

type Server struct {
	cfg    *config.Config
	ledger *ledger.Ledger
	files  *storage.Store
	logger *zap.Logger
}

func NewServer(cfg *config.Config, led *ledger.Ledger, files *storage.Store, logger *zap.Logger) *Server {
	return &Server{
		cfg:    cfg,
		ledger: led,
		files:  files,
		logger: logger.With(zap.String("component", "api")),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/api/tasks", s.handleUpload)
	r.Get("/api/tasks", s.handleList)
	r.Get("/api/tasks/{id}", s.handleStatus)
	r.Get("/api/tasks/{id}/download", s.handleDownload)
	r.Delete("/api/tasks/{id}", s.handleDelete)

	return r
}

// taskResponse is the client-facing view of a ledger row.
type taskResponse struct {
	ID                 string `json:"id"`
	Status             string `json:"status"`
	Progress           int    `json:"progress"`
	Message            string `json:"message"`
	OriginalFilename   string `json:"original_filename"`
	OriginalSizeBytes  int64  `json:"original_size_bytes"`
	ProcessedSizeBytes *int64 `json:"processed_size_bytes"`
	ErrorDetail        string `json:"error_detail,omitempty"`
	CreatedAt          string `json:"created_at"`
	UpdatedAt          string `json:"updated_at"`
}

func toResponse(t *ledger.Task) taskResponse {
	return taskResponse{
		ID:                 t.ID,
		Status:             string(t.Status),
		Progress:           t.Progress,
		Message:            t.Message,
		OriginalFilename:   t.OriginalFilename,
		OriginalSizeBytes:  t.OriginalSizeBytes,
		ProcessedSizeBytes: t.ProcessedSizeBytes,
		ErrorDetail:        t.ErrorDetail,
		CreatedAt:          t.CreatedAt.Format(time.RFC3339),
		UpdatedAt:          t.UpdatedAt.Format(time.RFC3339),
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	maxBytes := s.cfg.MaxUploadSizeMB << 20
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.writeError(w, http.StatusBadRequest, "could not parse upload: "+err.Error())
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "no file part in the request")
		return
	}
	defer file.Close()

	if !strings.HasSuffix(strings.ToLower(header.Filename), ".pdf") {
		s.writeError(w, http.StatusBadRequest, "invalid file type, only PDF files are allowed")
		return
	}

	settings, err := s.settingsFromForm(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// The id is assigned here so the input file can land at its final
	// task-scoped path before the ledger row exists.
	id := uuid.NewString()
	size, err := s.saveUpload(id, file)
	if err != nil {
		s.logger.Error("Error saving upload", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "could not save uploaded file")
		return
	}

	task, err := s.ledger.Create(r.Context(), ledger.NewTask{
		ID:                id,
		Settings:          settings,
		InputRef:          s.files.InputPath(id),
		OriginalFilename:  sanitizeFilename(header.Filename),
		OriginalSizeBytes: size,
	})
	if err != nil {
		s.files.RemoveTask(id)
		if errors.Is(err, ledger.ErrInvalidSettings) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("Error creating task", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "could not create task")
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id": task.ID,
		"message": "File upload successful, processing queued.",
	})
}

func (s *Server) settingsFromForm(r *http.Request) (ledger.Settings, error) {
	settings := ledger.DefaultSettings()
	settings.DPI = s.cfg.DefaultDPI

	if v := r.FormValue("dpi"); v != "" {
		dpi, err := strconv.Atoi(v)
		if err != nil {
			return settings, fmt.Errorf("dpi must be an integer")
		}
		settings.DPI = dpi
	}
	if v := r.FormValue("output"); v != "" {
		settings.Output = v
	}
	if v := r.FormValue("format"); v != "" {
		settings.Format = v
	}
	if v := r.FormValue("quality"); v != "" {
		q, err := strconv.Atoi(v)
		if err != nil {
			return settings, fmt.Errorf("quality must be an integer")
		}
		settings.Quality = q
	}
	if v := r.FormValue("ocr"); v != "" {
		ocr, err := strconv.ParseBool(v)
		if err != nil {
			return settings, fmt.Errorf("ocr must be a boolean")
		}
		settings.OCR = ocr
	}
	if v := r.FormValue("optimization"); v != "" {
		settings.Optimization = v
	}
	return settings, settings.Validate()
}

func (s *Server) saveUpload(id string, file multipart.File) (int64, error) {
	if _, err := s.files.TaskDir(id); err != nil {
		return 0, err
	}
	dst, err := os.Create(s.files.InputPath(id))
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(dst, file)
	if err != nil {
		dst.Close()
		return 0, err
	}
	return n, dst.Close()
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.ledger.List(r.Context())
	if err != nil {
		s.logger.Error("Error listing tasks", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "could not list tasks")
		return
	}
	out := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toResponse(t))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	task, err := s.ledger.Get(r.Context(), chi.URLParam(r, "id"))
	if err == ledger.ErrNotFound {
		s.writeError(w, http.StatusNotFound, "task not found or expired")
		return
	}
	if err != nil {
		s.logger.Error("Error reading task", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "could not read task")
		return
	}
	s.writeJSON(w, http.StatusOK, toResponse(task))
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	task, err := s.ledger.Get(r.Context(), chi.URLParam(r, "id"))
	if err == ledger.ErrNotFound {
		s.writeError(w, http.StatusNotFound, "task not found or expired")
		return
	}
	if err != nil {
		s.logger.Error("Error reading task", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "could not read task")
		return
	}
	if task.Status != ledger.StatusCompleted {
		s.writeError(w, http.StatusConflict, "file is not ready for download")
		return
	}
	if task.OutputRef == "" {
		s.writeError(w, http.StatusNotFound, "task produced no output")
		return
	}

	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", downloadName(task)))
	http.ServeFile(w, r, task.OutputRef)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := s.ledger.RequestCancel(r.Context(), id)
	switch {
	case err == ledger.ErrNotFound:
		s.writeError(w, http.StatusNotFound, "task not found or expired")
		return
	case err == ledger.ErrInvalidState:
		// already terminal, deletion below is all that's left
	case err != nil:
		s.logger.Error("Error cancelling task", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "could not cancel task")
		return
	}

	if err := s.ledger.Delete(r.Context(), id); err != nil {
		s.logger.Error("Error deleting task", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "could not delete task")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// downloadName is the user-facing filename, derived from the original
// upload name with the extension of the produced artifact.
func downloadName(t *ledger.Task) string {
	base := strings.TrimSuffix(t.OriginalFilename, ".pdf")
	if base == "" {
		base = t.ID
	}
	return "Compressed_" + base + "." + storage.OutputExt(t.Settings)
}

// sanitizeFilename strips any path components a client might smuggle in.
func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	return name
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
