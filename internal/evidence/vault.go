package evidence

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// DefaultMirrorTimeout bounds a single mirror write.
const DefaultMirrorTimeout = 5 * time.Second

// Mirror persists records outside the process. Implementations must be safe
// for concurrent use.
type Mirror interface {
	Store(ctx context.Context, sessionID string, rec Record) error
}

// VaultOption configures a [Vault].
type VaultOption func(*Vault)

// WithMirror adds a mirror backend. It may be given more than once.
func WithMirror(m Mirror) VaultOption {
	return func(v *Vault) {
		if m != nil {
			v.mirrors = append(v.mirrors, m)
		}
	}
}

// WithMirrorTimeout overrides [DefaultMirrorTimeout].
func WithMirrorTimeout(d time.Duration) VaultOption {
	return func(v *Vault) {
		if d > 0 {
			v.mirrorTimeout = d
		}
	}
}

// Vault is the in-memory evidence log of a single session. Records are kept
// newest-first and are never modified or removed.
//
// All methods are safe for concurrent use.
type Vault struct {
	sessionID     string
	mirrors       []Mirror
	mirrorTimeout time.Duration

	mu      sync.RWMutex
	records []Record

	wg sync.WaitGroup
}

// NewVault creates an empty Vault for the given session.
func NewVault(sessionID string, opts ...VaultOption) *Vault {
	v := &Vault{
		sessionID:     sessionID,
		mirrorTimeout: DefaultMirrorTimeout,
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Log prepends rec and hands it to every mirror in the background.
func (v *Vault) Log(rec Record) error {
	if rec.Value == "" {
		return ErrInvalidRecord
	}
	v.mu.Lock()
	v.records = slices.Insert(v.records, 0, rec)
	v.mu.Unlock()

	for _, m := range v.mirrors {
		v.wg.Add(1)
		go func() {
			defer v.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), v.mirrorTimeout)
			defer cancel()
			if err := m.Store(ctx, v.sessionID, rec); err != nil {
				slog.Warn("evidence: mirror failed", "session_id", v.sessionID, "record_id", rec.ID, "err", err)
			}
		}()
	}
	return nil
}

// List returns a copy of all records, newest first.
func (v *Vault) List() []Record {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return slices.Clone(v.records)
}

// Len returns the number of records.
func (v *Vault) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.records)
}

// Flush blocks until every pending mirror write has finished.
func (v *Vault) Flush() { v.wg.Wait() }
