package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/raphaelgruber/distill/internal/convert"
	"github.com/raphaelgruber/distill/internal/db"
	"github.com/raphaelgruber/distill/internal/metrics"
	"github.com/raphaelgruber/distill/internal/models"
	"github.com/raphaelgruber/distill/internal/service"
	"github.com/raphaelgruber/distill/internal/storage"
)

const defaultListLimit = 50

type errorBody struct {
	Error   string              `json:"error"`
	Content *models.ContentItem `json:"content,omitempty"`
}

type textRequest struct {
	OwnerID  string         `json:"owner_id"`
	Title    string         `json:"title"`
	Text     string         `json:"text"`
	MetaInfo map[string]any `json:"meta_info"`
}

type urlRequest struct {
	OwnerID  string         `json:"owner_id"`
	Title    string         `json:"title"`
	URL      string         `json:"url"`
	MetaInfo map[string]any `json:"meta_info"`
}

type presignRequest struct {
	OwnerID       string `json:"owner_id"`
	Filename      string `json:"filename"`
	MimeType      string `json:"mime_type"`
	ExpirySeconds int    `json:"expiry_seconds"`
}

type statsResponse struct {
	metrics.Snapshot
	Events   eventStats         `json:"events"`
	InFlight []service.TaskInfo `json:"in_flight"`
}

type eventStats struct {
	Identities    int `json:"identities"`
	Subscriptions int `json:"subscriptions"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			s.logger.Warn("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{Snapshot: s.metrics.Snapshot(), InFlight: []service.TaskInfo{}}
	if s.events != nil {
		resp.Events.Identities, resp.Events.Subscriptions = s.events.Stats()
	}
	if s.tasks != nil {
		resp.InFlight = s.tasks.InFlight()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		s.writeError(w, service.ErrOwnerRequired, nil)
		return
	}
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid limit"})
			return
		}
		limit = n
	}

	items, err := s.ingest.List(r.Context(), owner, limit)
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	if items == nil {
		items = []models.ContentItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleCreateText(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if !s.decode(w, r, &req) {
		return
	}
	item, err := s.ingest.CreateText(r.Context(), service.TextInput{
		OwnerID:  req.OwnerID,
		Title:    req.Title,
		Text:     req.Text,
		MetaInfo: req.MetaInfo,
	})
	s.writeCreated(w, item, err)
}

func (s *Server) handleCreateURL(w http.ResponseWriter, r *http.Request) {
	var req urlRequest
	if !s.decode(w, r, &req) {
		return
	}
	item, err := s.ingest.CreateURL(r.Context(), service.URLInput{
		OwnerID:  req.OwnerID,
		Title:    req.Title,
		URL:      req.URL,
		MetaInfo: req.MetaInfo,
	})
	s.writeCreated(w, item, err)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "upload too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid multipart form: " + err.Error()})
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "missing file field"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "read upload: " + err.Error()})
		return
	}

	in := service.UploadInput{
		OwnerID:  r.FormValue("owner_id"),
		Title:    r.FormValue("title"),
		Filename: header.Filename,
		MimeType: header.Header.Get("Content-Type"),
		Data:     data,
	}
	if raw := r.FormValue("type"); raw != "" {
		t, err := models.ParseContentType(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
			return
		}
		in.Type = t
	}

	item, err := s.ingest.CreateUpload(r.Context(), in)
	s.writeCreated(w, item, err)
}

func (s *Server) handlePresign(w http.ResponseWriter, r *http.Request) {
	var req presignRequest
	if !s.decode(w, r, &req) {
		return
	}
	up, err := s.ingest.PresignUpload(r.Context(), req.OwnerID, req.Filename, req.MimeType, time.Duration(req.ExpirySeconds)*time.Second)
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, up)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	item, err := s.ingest.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleChunks(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.ingest.Get(r.Context(), id); err != nil {
		s.writeError(w, err, nil)
		return
	}
	chunks, err := s.ingest.Chunks(r.Context(), id)
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	if chunks == nil {
		chunks = []models.ContentChunk{}
	}
	writeJSON(w, http.StatusOK, chunks)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.ingest.Get(r.Context(), id); err != nil {
		s.writeError(w, err, nil)
		return
	}
	jobs, err := s.ingest.Jobs(r.Context(), id)
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	if jobs == nil {
		jobs = []models.ProcessingJob{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	item, err := s.ingest.Process(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err, item)
		return
	}
	writeJSON(w, http.StatusAccepted, item)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	item, err := s.ingest.Retry(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err, item)
		return
	}
	writeJSON(w, http.StatusAccepted, item)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body: " + err.Error()})
		return false
	}
	return true
}

// writeCreated answers a submission. An item that was stored but could not
// be queued is returned alongside the error.
func (s *Server) writeCreated(w http.ResponseWriter, item *models.ContentItem, err error) {
	if err != nil {
		s.writeError(w, err, item)
		return
	}
	writeJSON(w, http.StatusAccepted, item)
}

func (s *Server) writeError(w http.ResponseWriter, err error, item *models.ContentItem) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable && status != http.StatusNotImplemented {
		s.logger.Error("request error", "error", err)
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Content: item})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrOwnerRequired),
		errors.Is(err, service.ErrEmptyText),
		errors.Is(err, service.ErrInvalidURL),
		errors.Is(err, service.ErrEmptyUpload),
		errors.Is(err, convert.ErrUnsupportedFormat),
		errors.Is(err, storage.ErrInvalidPath):
		return http.StatusBadRequest
	case errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrAlreadyCompleted),
		errors.Is(err, service.ErrNotFailed),
		errors.Is(err, service.ErrAlreadyInFlight),
		errors.Is(err, db.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, service.ErrQueueFull),
		errors.Is(err, service.ErrExecutorClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, storage.ErrPresignUnsupported):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
