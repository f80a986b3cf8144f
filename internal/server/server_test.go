package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/jaga/internal/analyze"
	"github.com/MrWong99/jaga/internal/health"
	"github.com/MrWong99/jaga/internal/server"
	"github.com/MrWong99/jaga/internal/session"
	"github.com/MrWong99/jaga/pkg/live"
)

// fakeAnalyzer records its inputs and returns canned results.
type fakeAnalyzer struct {
	mu       sync.Mutex
	inputs   []analyze.MechanicInput
	listings []string
	err      error
}

func (f *fakeAnalyzer) Diagnose(_ context.Context, in analyze.MechanicInput) (analyze.Diagnosis, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return analyze.Diagnosis{}, f.err
	}
	return analyze.Diagnosis{Issue: "Worn serpentine belt", Confidence: 82, FraudRisk: analyze.RiskHigh}, nil
}

func (f *fakeAnalyzer) Vet(_ context.Context, listing string) (analyze.Vetting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listings = append(f.listings, listing)
	if f.err != nil {
		return analyze.Vetting{}, f.err
	}
	return analyze.Vetting{LemonScore: 71, Summary: "Odometer looks rolled back."}, nil
}

func newTestServer(t *testing.T, opts ...server.Option) *server.Server {
	t.Helper()
	m := session.NewManager(&connProvider{}, session.Config{})
	t.Cleanup(func() { _ = m.CloseAll(context.Background()) })
	return server.New(m, opts...)
}

type part struct {
	field, filename, mime string
	data                  []byte
}

func multipartBody(t *testing.T, parts ...part) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, p := range parts {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, p.field, p.filename))
		h.Set("Content-Type", p.mime)
		w, err := mw.CreatePart(h)
		if err != nil {
			t.Fatalf("CreatePart: %v", err)
		}
		_, _ = w.Write(p.data)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("multipart close: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

// ── Mechanic ─────────────────────────────────────────────────────────────────

func TestMechanic_Diagnose(t *testing.T) {
	t.Parallel()

	fa := &fakeAnalyzer{}
	h := newTestServer(t, server.WithAnalyzer(fa)).Handler()

	body, ct := multipartBody(t,
		part{field: "audio", filename: "engine.webm", mime: "audio/webm", data: []byte("rattle")},
		part{field: "quote", filename: "quote.png", mime: "image/png", data: []byte("png")},
	)
	req := httptest.NewRequest(http.MethodPost, "/v1/mechanic/analyze", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body)
	}
	var d analyze.Diagnosis
	if err := json.NewDecoder(rec.Body).Decode(&d); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.Issue != "Worn serpentine belt" || d.FraudRisk != analyze.RiskHigh {
		t.Errorf("diagnosis = %+v", d)
	}

	fa.mu.Lock()
	defer fa.mu.Unlock()
	if len(fa.inputs) != 1 {
		t.Fatalf("Diagnose calls = %d, want 1", len(fa.inputs))
	}
	in := fa.inputs[0]
	if string(in.Audio) != "rattle" || in.AudioMIME != "audio/webm" {
		t.Errorf("audio = %q (%s)", in.Audio, in.AudioMIME)
	}
	if string(in.QuoteImage) != "png" || in.QuoteMIME != "image/png" {
		t.Errorf("quote = %q (%s)", in.QuoteImage, in.QuoteMIME)
	}
}

func TestMechanic_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		analyzer server.Analyzer
		parts    []part
		want     int
	}{
		{
			name:  "not configured",
			parts: []part{{field: "audio", filename: "a.webm", mime: "audio/webm", data: []byte("x")}},
			want:  http.StatusServiceUnavailable,
		},
		{
			name:     "missing audio",
			analyzer: &fakeAnalyzer{},
			parts:    []part{{field: "quote", filename: "q.jpg", mime: "image/jpeg", data: []byte("x")}},
			want:     http.StatusBadRequest,
		},
		{
			name:     "rate limited",
			analyzer: &fakeAnalyzer{err: fmt.Errorf("analyze: mechanic: %w", live.ErrRateLimited)},
			parts:    []part{{field: "audio", filename: "a.webm", mime: "audio/webm", data: []byte("x")}},
			want:     http.StatusTooManyRequests,
		},
		{
			name:     "upstream failure",
			analyzer: &fakeAnalyzer{err: fmt.Errorf("boom")},
			parts:    []part{{field: "audio", filename: "a.webm", mime: "audio/webm", data: []byte("x")}},
			want:     http.StatusBadGateway,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var opts []server.Option
			if tt.analyzer != nil {
				opts = append(opts, server.WithAnalyzer(tt.analyzer))
			}
			h := newTestServer(t, opts...).Handler()
			body, ct := multipartBody(t, tt.parts...)
			req := httptest.NewRequest(http.MethodPost, "/v1/mechanic/analyze", body)
			req.Header.Set("Content-Type", ct)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d; body %s", rec.Code, tt.want, rec.Body)
			}
		})
	}
}

// ── Sceptic ──────────────────────────────────────────────────────────────────

func TestSceptic_Vet(t *testing.T) {
	t.Parallel()

	fa := &fakeAnalyzer{}
	h := newTestServer(t, server.WithAnalyzer(fa)).Handler()

	req := httptest.NewRequest(http.MethodPost, "/v1/sceptic/vet",
		strings.NewReader(`{"listing":"2012 sedan, one careful owner"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body)
	}
	var v analyze.Vetting
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v.LemonScore != 71 {
		t.Errorf("LemonScore = %v, want 71", v.LemonScore)
	}
	fa.mu.Lock()
	defer fa.mu.Unlock()
	if len(fa.listings) != 1 || fa.listings[0] != "2012 sedan, one careful owner" {
		t.Errorf("listings = %q", fa.listings)
	}
}

func TestSceptic_BadRequests(t *testing.T) {
	t.Parallel()

	h := newTestServer(t, server.WithAnalyzer(&fakeAnalyzer{})).Handler()
	for _, body := range []string{`not json`, `{}`, `{"listing":"   "}`} {
		req := httptest.NewRequest(http.MethodPost, "/v1/sceptic/vet", strings.NewReader(body))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, rec.Code)
		}
	}
}

// ── Ops routes ───────────────────────────────────────────────────────────────

func TestRoutes_OpsEndpoints(t *testing.T) {
	t.Parallel()

	h := newTestServer(t, server.WithHealth(health.New())).Handler()
	for _, path := range []string{"/healthz", "/readyz", "/metrics", "/v1/sessions"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/mechanic/analyze", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /v1/mechanic/analyze = %d, want 405", rec.Code)
	}
}
