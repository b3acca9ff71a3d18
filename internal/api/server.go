// Package api exposes conversation turns and uploads over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nextseek-chat/server/internal/agent/model"
	errx "github.com/nextseek-chat/server/internal/core/error"
	logx "github.com/nextseek-chat/server/pkg/logger"
)

const (
	// SessionHeader carries the session id on requests and responses.
	SessionHeader = "X-Session-ID"
	maxUploadSize = 32 << 20
	maxBodySize   = 1 << 20
)

// Turns is the conversation service behind the HTTP surface.
type Turns interface {
	Handle(ctx context.Context, delta model.DeltaMessage) (*model.TurnResult, error)
	Upload(ctx context.Context, sessionID string, content []byte) (model.FileData, error)
}

// Server holds the HTTP handlers.
type Server struct {
	turns Turns
}

// UploadResponse acknowledges a stored upload.
type UploadResponse struct {
	FileID    string `json:"file_id"`
	SessionID string `json:"session_id"`
}

// NewHandler builds the router. gatherer backs /metrics; nil uses the
// default Prometheus registry.
func NewHandler(turns Turns, gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{turns: turns}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/sampleretriever", func(r chi.Router) {
		r.Post("/invoke", s.Invoke)
		r.Post("/upload", s.Upload)
	})
	return r
}

// Invoke handles POST /sampleretriever/invoke.
func (s *Server) Invoke(w http.ResponseWriter, r *http.Request) {
	var delta model.DeltaMessage
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&delta); err != nil {
		writeError(w, r, errx.BadRequest(err, "invalid request body"))
		return
	}
	if delta.SessionID == "" {
		delta.SessionID = r.Header.Get(SessionHeader)
	}

	res, err := s.turns.Handle(r.Context(), delta)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set(SessionHeader, res.SessionID)
	writeJSON(w, http.StatusOK, res.Messages)
}

// Upload handles POST /sampleretriever/upload. The CSV is taken from the
// multipart field "file" or, for other content types, from the raw body.
func (s *Server) Upload(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = r.Header.Get(SessionHeader)
	}

	content, err := readUpload(w, r)
	if err != nil {
		writeError(w, r, errx.BadRequest(err, "could not read uploaded file"))
		return
	}
	file, err := s.turns.Upload(r.Context(), sessionID, content)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set(SessionHeader, file.SessionID)
	writeJSON(w, http.StatusCreated, UploadResponse{FileID: file.ID, SessionID: file.SessionID})
}

func readUpload(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		return io.ReadAll(r.Body)
	}
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		return nil, err
	}
	f, _, err := r.FormFile("file")
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logx.Warn().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, message := errx.StatusOf(err)
	if errors.Is(err, context.DeadlineExceeded) {
		status, message = http.StatusGatewayTimeout, "the request took too long to answer"
	}
	ev := logx.Error()
	if status < http.StatusInternalServerError {
		ev = logx.Warn()
	}
	ev.Err(err).
		Str("request_id", middleware.GetReqID(r.Context())).
		Str("path", r.URL.Path).
		Int("status", status).
		Msg("request failed")
	writeJSON(w, status, map[string]string{"error": message})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logx.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}
