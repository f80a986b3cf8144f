package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/MrWong99/jaga/internal/analyze"
	"github.com/MrWong99/jaga/internal/observe"
	"github.com/MrWong99/jaga/internal/resilience"
	"github.com/MrWong99/jaga/pkg/live"
)

type vetRequest struct {
	Listing string `json:"listing"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleMechanic(w http.ResponseWriter, r *http.Request) {
	if s.analyzer == nil {
		writeError(w, http.StatusServiceUnavailable, "analysis is not configured")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(s.maxUpload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	var in analyze.MechanicInput
	var err error
	in.Audio, in.AudioMIME, err = readPart(r.MultipartForm, "audio", "audio/webm")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(in.Audio) == 0 {
		writeError(w, http.StatusBadRequest, `form field "audio" is required`)
		return
	}
	in.QuoteImage, in.QuoteMIME, err = readPart(r.MultipartForm, "quote", "image/jpeg")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	d, err := s.analyzer.Diagnose(r.Context(), in)
	if err != nil {
		s.writeAnalysisError(w, r, "mechanic", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleSceptic(w http.ResponseWriter, r *http.Request) {
	if s.analyzer == nil {
		writeError(w, http.StatusServiceUnavailable, "analysis is not configured")
		return
	}
	var req vetRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxUpload))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Listing) == "" {
		writeError(w, http.StatusBadRequest, `"listing" is required`)
		return
	}

	v, err := s.analyzer.Vet(r.Context(), req.Listing)
	if err != nil {
		s.writeAnalysisError(w, r, "sceptic", err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) writeAnalysisError(w http.ResponseWriter, r *http.Request, kind string, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, analyze.ErrEmptyInput):
		status = http.StatusBadRequest
	case errors.Is(err, live.ErrRateLimited), errors.Is(err, live.ErrSessionDegraded):
		status = http.StatusTooManyRequests
	case errors.Is(err, resilience.ErrCircuitOpen), errors.Is(err, resilience.ErrAllFailed):
		status = http.StatusServiceUnavailable
	}
	observe.Logger(r.Context()).Warn("analysis failed", "kind", kind, "status", status, "err", err)
	writeError(w, status, err.Error())
}

// readPart returns the first file of a multipart field. A missing field yields
// no data and no error.
func readPart(form *multipart.Form, field, defaultMIME string) ([]byte, string, error) {
	files := form.File[field]
	if len(files) == 0 {
		return nil, "", nil
	}
	fh := files[0]
	f, err := fh.Open()
	if err != nil {
		return nil, "", fmt.Errorf("open %q: %w", field, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, "", fmt.Errorf("read %q: %w", field, err)
	}
	mime := fh.Header.Get("Content-Type")
	if mime == "" || mime == "application/octet-stream" {
		mime = defaultMIME
	}
	return data, mime, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("server: write response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
