package usage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/zczy999/business-gemini/internal/logging"
	_ "modernc.org/sqlite"
)

// SQLiteBackend batches request records into sqlite.
type SQLiteBackend struct {
	db            *sql.DB
	recordChan    chan RequestRecord
	flushTicker   *time.Ticker
	cleanupTicker *time.Ticker
	stopChan      chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
	batchSize     int
	retentionDays int
}

const (
	defaultBatchSize         = 100
	defaultFlushInterval     = 5 * time.Second
	defaultRetentionDays     = 30
	defaultChannelBufferSize = 1000
)

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS request_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		model TEXT NOT NULL,
		account_id INTEGER NOT NULL,
		quota_kind TEXT NOT NULL DEFAULT '',
		failed BOOLEAN NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		requested_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_request_requested_at ON request_records(requested_at);
	CREATE INDEX IF NOT EXISTS idx_request_model ON request_records(model);
	`
	_, err := db.Exec(schema)
	return err
}

// NewSQLiteBackend opens the database; Start must be called before use.
func NewSQLiteBackend(cfg BackendConfig) (*SQLiteBackend, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("usage DSN is required")
	}
	if dir := filepath.Dir(cfg.DSN); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create usage directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.DSN+"?_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open usage database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize usage schema: %w", err)
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}
	retentionDays := cfg.RetentionDays
	if retentionDays <= 0 {
		retentionDays = defaultRetentionDays
	}

	return &SQLiteBackend{
		db:            db,
		recordChan:    make(chan RequestRecord, defaultChannelBufferSize),
		flushTicker:   time.NewTicker(flushInterval),
		cleanupTicker: time.NewTicker(24 * time.Hour),
		stopChan:      make(chan struct{}),
		batchSize:     batchSize,
		retentionDays: retentionDays,
	}, nil
}

// Start launches the write and cleanup loops.
func (b *SQLiteBackend) Start() {
	b.wg.Add(2)
	go b.writeLoop()
	go b.cleanupLoop()
}

// Submit enqueues one record; full buffers drop.
func (b *SQLiteBackend) Submit(rec RequestRecord) {
	select {
	case b.recordChan <- rec:
	default:
		log.Debugf("usage: buffer full, dropping record")
	}
}

// Stop drains pending records and closes the database.
func (b *SQLiteBackend) Stop() {
	b.stopOnce.Do(func() { close(b.stopChan) })
	b.wg.Wait()
	b.flushTicker.Stop()
	b.cleanupTicker.Stop()
	_ = b.db.Close()
}

func (b *SQLiteBackend) writeLoop() {
	defer b.wg.Done()
	batch := make([]RequestRecord, 0, b.batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := b.insertBatch(batch); err != nil {
			log.Warnf("usage: batch insert failed: %v", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-b.recordChan:
			batch = append(batch, rec)
			if len(batch) >= b.batchSize {
				flush()
			}
		case <-b.flushTicker.C:
			flush()
		case <-b.stopChan:
			// Drain whatever is still buffered.
			for {
				select {
				case rec := <-b.recordChan:
					batch = append(batch, rec)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (b *SQLiteBackend) insertBatch(batch []RequestRecord) error {
	tx, err := b.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`
		INSERT INTO request_records (model, account_id, quota_kind, failed, duration_ms, requested_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, rec := range batch {
		if _, err := stmt.Exec(rec.Model, rec.AccountID, rec.QuotaKind, rec.Failed,
			rec.Duration.Milliseconds(), rec.At); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (b *SQLiteBackend) cleanupLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stopChan:
			return
		case <-b.cleanupTicker.C:
			cutoff := time.Now().AddDate(0, 0, -b.retentionDays)
			res, err := b.db.Exec(`DELETE FROM request_records WHERE requested_at < ?`, cutoff)
			if err != nil {
				log.Warnf("usage: retention cleanup failed: %v", err)
				continue
			}
			if n, _ := res.RowsAffected(); n > 0 {
				log.Infof("usage: pruned %d records older than %d days", n, b.retentionDays)
			}
		}
	}
}
