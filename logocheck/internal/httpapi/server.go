// Package httpapi implements C10: the HTTP surface, a chi router table
// mapping (method, path) to handlers, with a rate -> auth -> CSRF
// middleware chain (spec §4.9, §9).
package httpapi

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hazyhaar/logocheck/auth"
	"github.com/hazyhaar/logocheck/errs"
	"github.com/hazyhaar/logocheck/logocheck/internal/batch"
	"github.com/hazyhaar/logocheck/logocheck/internal/export"
	"github.com/hazyhaar/logocheck/logocheck/internal/ingest"
	"github.com/hazyhaar/logocheck/logocheck/internal/maintenance"
	"github.com/hazyhaar/logocheck/logocheck/internal/progress"
	"github.com/hazyhaar/logocheck/logocheck/internal/session"
	"github.com/hazyhaar/logocheck/shield"
)

// Server wires every component into a chi.Router (spec §4.9).
type Server struct {
	tracker     *batch.Tracker
	pipeline    *ingest.Pipeline
	hub         *progress.Hub
	sessions    *session.Store
	maint       *maintenance.Scheduler
	newClientID func() string
	archiveMax  int
	logger      *slog.Logger

	Router chi.Router
}

// Config collects the dependencies and rate-limit rules for a Server.
type Config struct {
	Tracker          *batch.Tracker
	Pipeline         *ingest.Pipeline
	Hub              *progress.Hub
	Sessions         *session.Store
	Maintenance      *maintenance.Scheduler
	NewClientID      func() string
	ArchiveThreshold int
	Logger           *slog.Logger
}

// rateRules implements spec §6.1's rate policy table.
var rateRules = map[string]shield.RateLimitConfig{
	"single":    {MaxRequests: 100, WindowSeconds: 60},
	"batch":     {MaxRequests: 60, WindowSeconds: 60},
	"csv":       {MaxRequests: 10, WindowSeconds: 60},
	"cleanup":   {MaxRequests: 2, WindowSeconds: 60},
}

// New builds a Server and its route table.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		tracker:     cfg.Tracker,
		pipeline:    cfg.Pipeline,
		hub:         cfg.Hub,
		sessions:    cfg.Sessions,
		maint:       cfg.Maintenance,
		newClientID: cfg.NewClientID,
		archiveMax:  cfg.ArchiveThreshold,
		logger:      logger,
	}
	s.Router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(shield.SecurityHeaders(shield.DefaultHeaders()))
	r.Use(shield.HeadToGet)
	r.Use(shield.MaxFormBody(64 * 1024))
	r.Use(auth.Middleware(s.sessions))

	limiter := shield.NewRateLimiter(rateRules)
	limiter.StartGC(make(chan struct{}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})

	r.Post("/api/start-batch", s.handleStartBatch)
	r.Post("/api/init-batch", s.handleInitBatch)
	r.With(limiter.Middleware("single")).Post("/api/check-logo/single/", s.handleSingle)
	r.With(limiter.Middleware("batch")).Post("/api/check-logo/batch/", s.handleBatchSubmit)
	r.Get("/api/check-logo/batch/{id}/status", s.handleBatchStatus)
	r.Post("/api/check-logo/batch/{id}/complete", s.handleBatchComplete)
	r.With(limiter.Middleware("csv")).Get("/api/check-logo/batch/export-csv/{id}", s.handleBatchExportCSV)

	r.Post("/api/admin/login", s.handleAdminLogin)

	r.Get("/ws/{client_id}", func(w http.ResponseWriter, r *http.Request) {
		s.serveClientWS(w, r, chi.URLParam(r, "client_id"))
	})
	r.Get("/ws/batch/{batch_id}", func(w http.ResponseWriter, r *http.Request) {
		s.serveBatchWS(w, r, chi.URLParam(r, "batch_id"))
	})

	r.Group(func(r chi.Router) {
		r.Use(requireSession)

		r.Post("/api/admin/logout", s.requireCSRF(s.handleAdminLogout))
		r.Get("/api/admin/check-session", s.handleCheckSession)
		r.Get("/api/admin/batch-history", s.handleBatchHistory)
		r.Get("/api/admin/batch/{id}", s.handleAdminBatchDetail)
		r.Get("/api/admin/batch/{id}/preview", s.handleAdminBatchPreview)
		r.Get("/api/admin/dashboard-stats", s.handleDashboardStats)
	})
	r.With(limiter.Middleware("cleanup"), requireSession).Post("/maintenance/cleanup", s.requireCSRF(s.handleMaintenanceCleanup))

	return r
}

// requireSession returns 401 JSON if no authenticated principal is present
// (spec §4.8, grounded on cmd/chrc/main.go's requireSession).
func requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth.Principal(r.Context()) == "" {
			writeJSON(w, 401, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireCSRF enforces spec §4.8's CSRF check on mutating admin calls:
// X-Auth-Token (or, when absent, the session_token cookie) identifies the
// session, X-CSRF-Token must match its bound nonce.
func (s *Server) requireCSRF(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			if c, err := r.Cookie("session_token"); err == nil {
				token = c.Value
			}
		}
		csrfToken := r.Header.Get("X-CSRF-Token")
		if err := s.sessions.CheckCSRF(token, csrfToken); err != nil {
			writeError(w, errs.StatusCode(err), err)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleStartBatch(w http.ResponseWriter, r *http.Request) {
	r.ParseMultipartForm(1 << 20)
	id, err := s.tracker.Create()
	if err != nil {
		writeError(w, errs.StatusCode(err), err)
		return
	}
	writeJSON(w, 201, map[string]string{"batch_id": id})
}

func (s *Server) handleInitBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BatchID  string `json:"batch_id"`
		ClientID string `json:"client_id"`
		Total    int    `json:"total"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, &errs.Invalid{Reason: err.Error()})
		return
	}
	if err := s.tracker.Init(req.BatchID, req.ClientID, req.Total); err != nil {
		writeError(w, errs.StatusCode(err), err)
		return
	}
	writeJSON(w, 200, map[string]string{"status": "ok"})
}

func (s *Server) handleSingle(w http.ResponseWriter, r *http.Request) {
	r.ParseMultipartForm(32 << 20)

	var content []byte
	var name string
	if file, header, err := r.FormFile("file"); err == nil {
		defer file.Close()
		content, err = io.ReadAll(file)
		if err != nil {
			writeError(w, 400, &errs.Invalid{Reason: err.Error()})
			return
		}
		name = header.Filename
	} else if path := r.FormValue("image_path"); path != "" {
		name = path
	} else {
		writeError(w, 400, &errs.Invalid{Reason: "file or image_path required"})
		return
	}

	id, err := s.tracker.Create()
	if err != nil {
		writeError(w, errs.StatusCode(err), err)
		return
	}
	if err := s.tracker.Init(id, "", 1); err != nil {
		writeError(w, errs.StatusCode(err), err)
		return
	}

	if content != nil {
		err = s.pipeline.SubmitFiles(r.Context(), id, map[string][]byte{name: content})
	} else {
		err = s.pipeline.SubmitURLs(r.Context(), id, []string{name}, s.newClientID)
	}
	if err != nil {
		writeError(w, errs.StatusCode(err), err)
		return
	}

	view, err := waitForCompletion(s.tracker, id)
	if err != nil {
		writeError(w, errs.StatusCode(err), err)
		return
	}
	writeJSON(w, 200, view)
}

func (s *Server) handleBatchSubmit(w http.ResponseWriter, r *http.Request) {
	contentType := r.Header.Get("Content-Type")

	var batchID, clientID string
	var files map[string][]byte
	var urls []string

	if len(contentType) >= 16 && contentType[:16] == "application/json" {
		var req struct {
			ImagePaths []string `json:"image_paths"`
			BatchID    string   `json:"batch_id"`
			ClientID   string   `json:"client_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, 400, &errs.Invalid{Reason: err.Error()})
			return
		}
		batchID, clientID, urls = req.BatchID, req.ClientID, req.ImagePaths
	} else {
		if err := r.ParseMultipartForm(64 << 20); err != nil {
			writeError(w, 400, &errs.Invalid{Reason: err.Error()})
			return
		}
		batchID = r.FormValue("batch_id")
		clientID = r.FormValue("client_id")
		files = make(map[string][]byte)

		if zf, zh, err := r.FormFile("zip_file"); err == nil {
			defer zf.Close()
			data, err := io.ReadAll(zf)
			if err != nil {
				writeError(w, 400, &errs.Invalid{Reason: err.Error()})
				return
			}
			extracted, err := extractZip(data)
			if err != nil {
				writeError(w, 400, &errs.Invalid{Reason: fmt.Sprintf("bad archive %q: %v", zh.Filename, err)})
				return
			}
			files = extracted
		}
		if r.MultipartForm != nil {
			for _, fh := range r.MultipartForm.File["files[]"] {
				f, err := fh.Open()
				if err != nil {
					continue
				}
				data, err := io.ReadAll(f)
				f.Close()
				if err != nil {
					continue
				}
				if ingest.IsAcceptedImage(fh.Filename) {
					files[fh.Filename] = data
				}
			}
		}
	}

	if batchID == "" {
		id, err := s.tracker.Create()
		if err != nil {
			writeError(w, errs.StatusCode(err), err)
			return
		}
		batchID = id
	}

	if s.archiveMax > 0 && len(files) > s.archiveMax {
		s.logger.Info("httpapi: large individual-file submission, archive upload recommended",
			"batch_id", batchID, "file_count", len(files), "archive_threshold", s.archiveMax)
	}

	total := len(files) + len(urls)
	if err := s.tracker.Init(batchID, clientID, total); err != nil {
		writeError(w, errs.StatusCode(err), err)
		return
	}

	if len(files) > 0 {
		if err := s.pipeline.SubmitFiles(r.Context(), batchID, files); err != nil {
			writeError(w, errs.StatusCode(err), err)
			return
		}
	}
	if len(urls) > 0 {
		if err := s.pipeline.SubmitURLs(r.Context(), batchID, urls, s.newClientID); err != nil {
			writeError(w, errs.StatusCode(err), err)
			return
		}
	}

	writeJSON(w, 202, map[string]string{"batch_id": batchID, "status": "processing"})
}

// extractZip decompresses an archive and keeps only recognized image
// entries (spec §4.5 archive submission path, grounded on docpipe's
// archive/zip usage).
func extractZip(data []byte) (map[string][]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte)
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !ingest.IsAcceptedImage(f.Name) {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, err
		}
		out[f.Name] = data
	}
	return out, nil
}

func (s *Server) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	view, err := s.tracker.Status(id)
	if err != nil {
		writeError(w, errs.StatusCode(err), err)
		return
	}
	writeJSON(w, 200, view)
}

func (s *Server) handleBatchComplete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	results, err := s.tracker.Complete(id)
	if err != nil {
		writeError(w, errs.StatusCode(err), err)
		return
	}
	writeJSON(w, 200, map[string]any{"results": results})
}

func (s *Server) handleBatchExportCSV(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	b, err := s.tracker.Load(id)
	if err != nil {
		writeError(w, errs.StatusCode(err), err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=batch_%s_results.csv", id))
	if err := export.WriteCSV(w, b); err != nil {
		s.logger.Error("httpapi: csv export failed", "batch_id", id, "error", err)
	}
}

func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	r.ParseForm()
	username := r.FormValue("username")
	password := r.FormValue("password")
	sess, err := s.sessions.Login(username, password)
	if err != nil {
		writeError(w, errs.StatusCode(err), err)
		return
	}
	secure := r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https"
	auth.SetTokenCookie(w, sess.Token, secure)
	writeJSON(w, 200, map[string]string{"token": sess.Token, "csrf": sess.CSRF})
}

func (s *Server) handleAdminLogout(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("X-Auth-Token")
	if token == "" {
		if c, err := r.Cookie("session_token"); err == nil {
			token = c.Value
		}
	}
	s.sessions.Logout(token)
	auth.ClearTokenCookie(w)
	writeJSON(w, 200, map[string]string{"status": "ok"})
}

func (s *Server) handleCheckSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, map[string]string{"username": auth.Principal(r.Context())})
}

func (s *Server) handleBatchHistory(w http.ResponseWriter, r *http.Request) {
	list, err := s.tracker.List()
	if err != nil {
		writeError(w, errs.StatusCode(err), err)
		return
	}
	writeJSON(w, 200, list)
}

func (s *Server) handleAdminBatchDetail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	b, err := s.tracker.Load(id)
	if err != nil {
		writeError(w, errs.StatusCode(err), err)
		return
	}
	writeJSON(w, 200, b)
}

const previewRows = 5

func (s *Server) handleAdminBatchPreview(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	b, err := s.tracker.Load(id)
	if err != nil {
		writeError(w, errs.StatusCode(err), err)
		return
	}
	n := previewRows
	if len(b.Results) < n {
		n = len(b.Results)
	}
	writeJSON(w, 200, map[string]any{"preview": b.Results[:n]})
}

func (s *Server) handleDashboardStats(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.tracker.List()
	if err != nil {
		writeError(w, errs.StatusCode(err), err)
		return
	}
	stats := map[string]int{
		"total_batches":     len(summaries),
		"completed_batches": 0,
		"failed_batches":    0,
		"processing_batches": 0,
	}
	for _, sum := range summaries {
		switch sum.Status {
		case batch.StatusCompleted:
			stats["completed_batches"]++
		case batch.StatusFailed:
			stats["failed_batches"]++
		case batch.StatusProcessing, batch.StatusInitialized:
			stats["processing_batches"]++
		}
	}
	writeJSON(w, 200, stats)
}

func (s *Server) handleMaintenanceCleanup(w http.ResponseWriter, r *http.Request) {
	batchAgeHours := queryInt(r, "batch_age_hours", 24)
	tempAgeMinutes := queryInt(r, "temp_age_minutes", 30)
	pendingAgeHours := queryInt(r, "pending_age_hours", 72)

	tempRemoved := s.maint.SweepTemp(durationFromMinutes(tempAgeMinutes))
	res := s.maint.SweepBatches(durationFromHours(batchAgeHours), durationFromHours(pendingAgeHours))
	res.TempFilesCleaned = tempRemoved
	writeJSON(w, 200, res)
}
