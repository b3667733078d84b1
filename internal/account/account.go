// Package account implements the upstream account pool: selection,
// cooldown state, and the passive quota classifier.
package account

import "time"

// QuotaKind identifies an independently throttled upstream capability.
type QuotaKind string

const (
	QuotaImages      QuotaKind = "images"
	QuotaVideos      QuotaKind = "videos"
	QuotaTextQueries QuotaKind = "text_queries"
)

// Account is one upstream identity. Rows are owned by the Pool and
// persisted by the store; mutations happen under the pool lock.
type Account struct {
	// ID is stable across restarts (sqlite rowid or migration order).
	ID int64 `json:"id"`

	// ConfigID is the upstream team/tenant id sent on every call.
	ConfigID string `json:"config_id"`

	// Cookie triple used to mint JWTs.
	SessionCookie string `json:"session_cookie"`
	HostCookie    string `json:"host_cookie"`
	SessionIndex  string `json:"session_index"`

	// UserAgent overrides the default browser UA when set.
	UserAgent string `json:"user_agent,omitempty"`

	Enabled bool `json:"enabled"`

	// Cookie-refresh collaborator fields, carried but not interpreted here.
	TempMailURL   string    `json:"tempmail_url,omitempty"`
	LastRefreshAt time.Time `json:"last_refresh_at,omitempty"`
}

// ErrorRecord is one entry of the bounded per-account error ring.
type ErrorRecord struct {
	Kind       string    `json:"kind"`
	HTTPStatus int       `json:"http_status"`
	Detail     string    `json:"detail"`
	QuotaKind  QuotaKind `json:"quota_kind,omitempty"`
	At         time.Time `json:"at"`
}

// errorRingCap bounds the per-account error history.
const errorRingCap = 5

// runtimeState is the transient, in-memory side of an account. Never
// persisted; rebuilt to defaults at startup. All access is under the
// pool mutex.
type runtimeState struct {
	jwt          string
	jwtFetchedAt time.Time

	session          string
	sessionCreatedAt time.Time
	sessionUseCount  int

	cooldownUntil  time.Time
	cooldownReason string

	perQuotaCooldowns map[QuotaKind]time.Time

	cookieExpired bool

	errors []ErrorRecord
}

func newRuntimeState() *runtimeState {
	return &runtimeState{
		perQuotaCooldowns: make(map[QuotaKind]time.Time),
	}
}

func (s *runtimeState) pushError(rec ErrorRecord) {
	s.errors = append(s.errors, rec)
	if len(s.errors) > errorRingCap {
		s.errors = s.errors[len(s.errors)-errorRingCap:]
	}
}

// View is a read-only snapshot of an account and its runtime state,
// for status endpoints and operator tooling.
type View struct {
	ID             int64                   `json:"id"`
	ConfigID       string                  `json:"config_id"`
	Enabled        bool                    `json:"enabled"`
	CookieExpired  bool                    `json:"cookie_expired"`
	CooldownUntil  time.Time               `json:"cooldown_until,omitempty"`
	CooldownReason string                  `json:"cooldown_reason,omitempty"`
	QuotaCooldowns map[QuotaKind]time.Time `json:"quota_cooldowns,omitempty"`
	SessionActive  bool                    `json:"session_active"`
	SessionUses    int                     `json:"session_uses"`
	Errors         []ErrorRecord           `json:"errors,omitempty"`
}

// Snapshot is the immutable account copy handed to callers of Next; it
// carries everything needed to talk upstream without touching the pool.
type Snapshot struct {
	ID            int64
	ConfigID      string
	SessionCookie string
	HostCookie    string
	SessionIndex  string
	UserAgent     string
}

func snapshotOf(a *Account) Snapshot {
	return Snapshot{
		ID:            a.ID,
		ConfigID:      a.ConfigID,
		SessionCookie: a.SessionCookie,
		HostCookie:    a.HostCookie,
		SessionIndex:  a.SessionIndex,
		UserAgent:     a.UserAgent,
	}
}
