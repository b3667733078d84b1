// Package usage provides optional request accounting. Records are
// buffered on a channel and batch-inserted into sqlite; when no
// backend is configured every call is a cheap no-op.
package usage

import (
	"sync"
	"sync/atomic"
	"time"
)

// RequestRecord is one completed (or failed) chat turn.
type RequestRecord struct {
	Model     string
	AccountID int64
	QuotaKind string
	Failed    bool
	Duration  time.Duration
	At        time.Time
}

var (
	enabled atomic.Bool

	backendMu sync.Mutex
	backend   *SQLiteBackend
)

// BackendConfig tunes the sqlite writer.
type BackendConfig struct {
	DSN           string
	BatchSize     int
	FlushInterval time.Duration
	RetentionDays int
}

// Initialize opens the backend and starts its workers. Safe to skip
// entirely; Record stays a no-op then.
func Initialize(cfg BackendConfig) error {
	b, err := NewSQLiteBackend(cfg)
	if err != nil {
		return err
	}
	b.Start()

	backendMu.Lock()
	backend = b
	backendMu.Unlock()
	enabled.Store(true)
	return nil
}

// Record submits one record. Never blocks: a full buffer drops the
// record rather than stalling the chat path.
func Record(rec RequestRecord) {
	if !enabled.Load() {
		return
	}
	backendMu.Lock()
	b := backend
	backendMu.Unlock()
	if b != nil {
		b.Submit(rec)
	}
}

// Stop flushes and shuts the backend down.
func Stop() {
	backendMu.Lock()
	b := backend
	backend = nil
	backendMu.Unlock()
	enabled.Store(false)
	if b != nil {
		b.Stop()
	}
}
