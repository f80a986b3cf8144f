// Package health serves the liveness and readiness probes.
//
// GET /healthz answers 200 while the process is up. GET /readyz runs every
// registered [Checker] and answers 503 unless all of them pass. Both reply
// with a JSON [Report].
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// CheckTimeout bounds each readiness check.
const CheckTimeout = 5 * time.Second

// Status values used in a [Report].
const (
	StatusOK   = "ok"
	StatusFail = "fail"
)

// Checker is one named readiness check. Check returns nil when the dependency
// is usable and must give up when ctx is done.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Pinger is satisfied by clients that can probe their backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker checks p by pinging it.
func PingChecker(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

// NonEmptyChecker fails with msg while value returns "". value is read on
// every check, so settings changed by a config reload are picked up.
func NonEmptyChecker(name, msg string, value func() string) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		if value() != "" {
			return nil
		}
		return errors.New(msg)
	}}
}

// Result is the outcome of one check.
type Result struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// Report is the body of both probes.
type Report struct {
	Status string            `json:"status"`
	Checks map[string]Result `json:"checks,omitempty"`
}

// OK reports whether every check passed.
func (r Report) OK() bool { return r.Status == StatusOK }

// Handler runs the registered checks. It is safe for concurrent use.
type Handler struct {
	mu       sync.RWMutex
	checkers []Checker
}

// New returns a Handler with the given checkers.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Add registers another checker.
func (h *Handler) Add(c Checker) {
	h.mu.Lock()
	h.checkers = append(h.checkers, c)
	h.mu.Unlock()
}

// Check runs all checkers concurrently, each under [CheckTimeout].
func (h *Handler) Check(ctx context.Context) Report {
	h.mu.RLock()
	checkers := append([]Checker(nil), h.checkers...)
	h.mu.RUnlock()

	results := make([]Result, len(checkers))
	var g errgroup.Group
	for i, c := range checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, CheckTimeout)
			defer cancel()
			start := time.Now()
			err := c.Check(cctx)
			results[i] = Result{Status: StatusOK, LatencyMS: time.Since(start).Milliseconds()}
			if err != nil {
				results[i].Status, results[i].Error = StatusFail, err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{Status: StatusOK, Checks: make(map[string]Result, len(checkers))}
	for i, c := range checkers {
		rep.Checks[c.Name] = results[i]
		if results[i].Status != StatusOK {
			rep.Status = StatusFail
		}
	}
	return rep
}

// Healthz answers 200 unconditionally.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	reply(w, http.StatusOK, Report{Status: StatusOK})
}

// Readyz answers 200 when every check passes and 503 otherwise.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Check(r.Context())
	code := http.StatusOK
	if !rep.OK() {
		code = http.StatusServiceUnavailable
	}
	reply(w, code, rep)
}

// Register mounts both probes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func reply(w http.ResponseWriter, code int, rep Report) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(rep)
}
