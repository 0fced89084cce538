// Package api exposes the pipeline over HTTP: account registration
// and login, document submission, and job/document queries. Writes go
// through the intake service; reads through the status service. All
// job routes require a Bearer token.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/docforge/docforge/auth"
	"github.com/docforge/docforge/intake"
	"github.com/docforge/docforge/job"
	"github.com/docforge/docforge/shield"
	"github.com/docforge/docforge/status"
	"github.com/docforge/docforge/store"
)

// maxRequestBytes caps any request body, leaving headroom above the
// intake upload ceiling for multipart framing.
const maxRequestBytes = 32 * 1024 * 1024

// Server wires handlers to services.
type Server struct {
	intake      *intake.Service
	status      *status.Service
	users       *auth.UserStore
	secret      []byte
	tokenExpiry time.Duration
	gatherer    prometheus.Gatherer
	logger      *slog.Logger
}

// Options carries the optional wiring for NewServer.
type Options struct {
	TokenExpiry time.Duration
	// Gatherer backs /metrics; nil disables the route.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// NewServer creates the HTTP server front.
func NewServer(in *intake.Service, st *status.Service, users *auth.UserStore, secret []byte, opts Options) *Server {
	if opts.TokenExpiry <= 0 {
		opts.TokenExpiry = 24 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		intake:      in,
		status:      st,
		users:       users,
		secret:      secret,
		tokenExpiry: opts.TokenExpiry,
		gatherer:    opts.Gatherer,
		logger:      opts.Logger,
	}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(shield.SecurityHeaders(shield.DefaultHeaders()))
	r.Use(shield.MaxBody(maxRequestBytes))
	r.Use(auth.Middleware(s.secret))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})
	if s.gatherer != nil {
		r.Method("GET", "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	// Credential routes get a tight per-IP limit against brute force.
	authLimit := shield.NewRateLimiter(10, time.Minute)
	r.Group(func(r chi.Router) {
		r.Use(authLimit.Middleware)
		r.Post("/api/register", s.handleRegister)
		r.Post("/api/login", s.handleLogin)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth)
		r.Post("/api/documents", s.handleUpload)
		r.Post("/api/documents/url", s.handleSubmitURL)
		r.Get("/api/jobs", s.handleListJobs)
		r.Get("/api/jobs/{jobID}", s.handleGetJob)
		r.Get("/api/documents/{jobID}", s.handleGetDocument)
	})

	return r
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, err)
		return
	}
	u, err := s.users.Register(r.Context(), req.Username, req.Password)
	if errors.Is(err, auth.ErrUserExists) {
		writeError(w, 409, err)
		return
	}
	if err != nil {
		writeError(w, 400, err)
		return
	}
	writeJSON(w, 201, map[string]string{"id": u.ID, "username": u.Username})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, err)
		return
	}
	u, err := s.users.Authenticate(r.Context(), req.Username, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		writeError(w, 401, err)
		return
	}
	if err != nil {
		writeError(w, 500, err)
		return
	}
	token, err := auth.GenerateToken(s.secret, &auth.Claims{UserID: u.ID, Username: u.Username}, s.tokenExpiry)
	if err != nil {
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 200, map[string]string{"token": token})
}

// handleUpload accepts a multipart form with a "file" part and queues
// an extraction job. Rejections (bad payload, unsupported format) are
// 4xx; the job itself is returned with 202 since extraction is
// asynchronous.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, 400, errors.New("multipart form must carry a 'file' part"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, 400, err)
		return
	}

	j, err := s.intake.Submit(r.Context(), data, header.Filename, claims.UserID)
	if err != nil {
		writeIntakeError(w, err)
		return
	}
	writeJSON(w, 202, j)
}

func (s *Server) handleSubmitURL(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())

	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, err)
		return
	}

	j, err := s.intake.SubmitURL(r.Context(), req.URL, claims.UserID)
	if err != nil {
		writeIntakeError(w, err)
		return
	}
	writeJSON(w, 202, j)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())
	jobID := chi.URLParam(r, "jobID")

	st, err := s.status.Get(r.Context(), jobID, claims.UserID)
	if err != nil {
		writeStatusError(w, err)
		return
	}
	writeJSON(w, 200, st)
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())
	jobID := chi.URLParam(r, "jobID")

	doc, err := s.status.GetDocument(r.Context(), jobID, claims.UserID)
	if err != nil {
		writeStatusError(w, err)
		return
	}
	writeJSON(w, 200, doc)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())
	limit := queryInt(r, "limit", 100)

	jobs, err := s.status.List(r.Context(), claims.UserID, limit)
	if err != nil {
		writeError(w, 500, err)
		return
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}
	writeJSON(w, 200, jobs)
}

// writeIntakeError maps intake failures to status codes: rejections
// are the caller's fault, everything else is ours.
func writeIntakeError(w http.ResponseWriter, err error) {
	var unsupported *intake.UnsupportedFormatError
	switch {
	case errors.As(err, &unsupported):
		writeError(w, 415, err)
	case intake.IsRejection(err):
		writeError(w, 400, err)
	default:
		writeError(w, 500, err)
	}
}

// writeStatusError hides ownership: a foreign job reads as missing.
func writeStatusError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, status.ErrForbidden):
		writeError(w, 404, errors.New("not found"))
	default:
		writeError(w, 500, err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
