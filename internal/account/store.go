package account

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/zczy999/business-gemini/internal/logging"
	_ "modernc.org/sqlite"
)

// Store persists accounts and system-config key/values in sqlite. The
// pool owns the in-memory state; the store is the durable side and is
// best-effort: a write failure never blocks selection.
type Store struct {
	db *sql.DB
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		config_id TEXT NOT NULL,
		session_cookie TEXT NOT NULL,
		host_cookie TEXT NOT NULL DEFAULT '',
		session_index TEXT NOT NULL,
		user_agent TEXT NOT NULL DEFAULT '',
		enabled BOOLEAN NOT NULL DEFAULT 1,
		tempmail_url TEXT NOT NULL DEFAULT '',
		last_refresh_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS system_config (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := db.Exec(schema)
	return err
}

// OpenStore opens (creating if needed) the sqlite database at path.
func OpenStore(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store path is required")
	}
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[1:])
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite works best with a single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// ListAccounts returns every account in id order.
func (s *Store) ListAccounts() ([]*Account, error) {
	rows, err := s.db.Query(`
		SELECT id, config_id, session_cookie, host_cookie, session_index,
		       user_agent, enabled, tempmail_url, last_refresh_at
		FROM accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		a := &Account{}
		var lastRefresh sql.NullTime
		if err := rows.Scan(&a.ID, &a.ConfigID, &a.SessionCookie, &a.HostCookie,
			&a.SessionIndex, &a.UserAgent, &a.Enabled, &a.TempMailURL, &lastRefresh); err != nil {
			return nil, err
		}
		if lastRefresh.Valid {
			a.LastRefreshAt = lastRefresh.Time
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// InsertAccount adds a new account and returns its assigned id.
func (s *Store) InsertAccount(a *Account) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO accounts (config_id, session_cookie, host_cookie, session_index,
		                      user_agent, enabled, tempmail_url, last_refresh_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ConfigID, a.SessionCookie, a.HostCookie, a.SessionIndex,
		a.UserAgent, a.Enabled, a.TempMailURL, nullTime(a.LastRefreshAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// UpdateAccount rewrites a row; used by the cookie-refresh collaborator
// after re-binding the cookie triple.
func (s *Store) UpdateAccount(a *Account) error {
	_, err := s.db.Exec(`
		UPDATE accounts SET config_id=?, session_cookie=?, host_cookie=?,
		       session_index=?, user_agent=?, enabled=?, tempmail_url=?, last_refresh_at=?
		WHERE id=?`,
		a.ConfigID, a.SessionCookie, a.HostCookie, a.SessionIndex,
		a.UserAgent, a.Enabled, a.TempMailURL, nullTime(a.LastRefreshAt), a.ID)
	return err
}

// SetEnabled persists the enabled flag without touching cookies.
func (s *Store) SetEnabled(id int64, enabled bool) {
	if _, err := s.db.Exec(`UPDATE accounts SET enabled=? WHERE id=?`, enabled, id); err != nil {
		log.Warnf("store: failed to persist enabled=%v for account %d: %v", enabled, id, err)
	}
}

// GetConfigValue reads one system-config value; empty string on miss.
func (s *Store) GetConfigValue(key string) string {
	var value string
	err := s.db.QueryRow(`SELECT value FROM system_config WHERE key=?`, key).Scan(&value)
	if err != nil {
		return ""
	}
	return value
}

// SetConfigValue upserts one system-config value.
func (s *Store) SetConfigValue(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO system_config (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP`,
		key, value)
	return err
}

// ConfigValues returns the whole system-config table.
func (s *Store) ConfigValues() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM system_config`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	values := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		values[k] = v
	}
	return values, rows.Err()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
