package account

import (
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/zczy999/business-gemini/internal/logging"
)

// NoAvailableError is returned by Next when every account is disabled,
// expired, or cooling. RetryAfter carries the shortest remaining
// cooldown for operator-facing hints; zero when nothing is cooling.
type NoAvailableError struct {
	RetryAfter time.Duration
}

func (e *NoAvailableError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("no available account (retry in ~%ds)", int(e.RetryAfter.Seconds()))
	}
	return "no available account"
}

// Pool holds the accounts, their runtime state, and the round-robin
// cursor. One coarse mutex guards everything; long operations (network,
// disk) never run under it.
type Pool struct {
	mu       sync.Mutex
	accounts []*Account
	states   map[int64]*runtimeState
	cursor   int

	nowFunc func() time.Time

	// refreshCh signals account ids whose cookies expired, for the
	// external cookie-refresh collaborator. Non-blocking sends.
	refreshCh chan int64
}

func NewPool() *Pool {
	return &Pool{
		states:    make(map[int64]*runtimeState),
		nowFunc:   time.Now,
		refreshCh: make(chan int64, 16),
	}
}

// SetNowFunc replaces the time source. Test hook.
func (p *Pool) SetNowFunc(fn func() time.Time) {
	p.mu.Lock()
	p.nowFunc = fn
	p.mu.Unlock()
}

// RefreshSignals returns the channel of account ids needing a cookie
// refresh.
func (p *Pool) RefreshSignals() <-chan int64 { return p.refreshCh }

// Load replaces the account set. Runtime state is preserved for ids
// that survive the reload so cooldowns are not forgotten on config
// changes; state for removed ids is dropped.
func (p *Pool) Load(accounts []*Account) {
	p.mu.Lock()
	defer p.mu.Unlock()

	keep := make(map[int64]bool, len(accounts))
	for _, a := range accounts {
		keep[a.ID] = true
		if _, ok := p.states[a.ID]; !ok {
			p.states[a.ID] = newRuntimeState()
		}
	}
	for id := range p.states {
		if !keep[id] {
			delete(p.states, id)
		}
	}
	p.accounts = accounts
}

// Size returns the number of loaded accounts.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.accounts)
}

func (p *Pool) isAvailableLocked(a *Account, kind QuotaKind, now time.Time) bool {
	st := p.states[a.ID]
	if st == nil {
		return false
	}
	if !a.Enabled || st.cookieExpired {
		return false
	}
	if now.Before(st.cooldownUntil) {
		return false
	}
	if kind != "" {
		if until, ok := st.perQuotaCooldowns[kind]; ok && now.Before(until) {
			return false
		}
	}
	return true
}

// IsAvailable reports the availability predicate for one account.
func (p *Pool) IsAvailable(id int64, kind QuotaKind) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.nowFunc()
	for _, a := range p.accounts {
		if a.ID == id {
			return p.isAvailableLocked(a, kind, now)
		}
	}
	return false
}

// Next returns the next available account in round-robin order over the
// currently available subset. The cursor advances modulo that subset,
// never the full set.
func (p *Pool) Next(kind QuotaKind) (Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.nowFunc()
	available := make([]*Account, 0, len(p.accounts))
	for _, a := range p.accounts {
		if p.isAvailableLocked(a, kind, now) {
			available = append(available, a)
		}
	}
	if len(available) == 0 {
		return Snapshot{}, &NoAvailableError{RetryAfter: p.shortestCooldownLocked(kind, now)}
	}

	p.cursor = p.cursor % len(available)
	picked := available[p.cursor]
	p.cursor = (p.cursor + 1) % len(available)
	return snapshotOf(picked), nil
}

// shortestCooldownLocked finds the soonest-ending cooldown among the
// non-available accounts, for retry-after hints.
func (p *Pool) shortestCooldownLocked(kind QuotaKind, now time.Time) time.Duration {
	var earliest time.Time
	consider := func(until time.Time) {
		if until.After(now) && (earliest.IsZero() || until.Before(earliest)) {
			earliest = until
		}
	}
	for _, a := range p.accounts {
		st := p.states[a.ID]
		if st == nil {
			continue
		}
		consider(st.cooldownUntil)
		if kind != "" {
			if until, ok := st.perQuotaCooldowns[kind]; ok {
				consider(until)
			}
		}
	}
	if earliest.IsZero() {
		return 0
	}
	return earliest.Sub(now)
}

// MarkError classifies one non-2xx upstream response and applies the
// resulting cooldown. Returns the classification so callers can shape
// the client-facing error. 2xx statuses are a no-op.
func (p *Pool) MarkError(id int64, status int, detail string, kind QuotaKind) Classification {
	p.mu.Lock()
	now := p.nowFunc()
	cls := Classify(now, status, kind)
	st := p.states[id]
	if st == nil || cls.Kind == "" {
		p.mu.Unlock()
		return cls
	}

	if len(detail) > 200 {
		detail = detail[:200]
	}
	st.pushError(ErrorRecord{
		Kind:       string(cls.Kind),
		HTTPStatus: status,
		Detail:     detail,
		QuotaKind:  kind,
		At:         now,
	})

	if cls.PerQuota {
		p.extendQuotaCooldownLocked(st, kind, now.Add(cls.Duration))
		log.Warnf("account %d: %s quota exhausted (HTTP %d), cooling until next PT midnight", id, kind, status)
	} else {
		p.extendCooldownLocked(st, now.Add(cls.Duration), fmt.Sprintf("%s (HTTP %d)", cls.Kind, status))
		// Cached credentials are useless across an account-wide cooldown.
		st.jwt = ""
		st.jwtFetchedAt = time.Time{}
		st.session = ""
		log.Warnf("account %d: %s (HTTP %d), cooling %s", id, cls.Kind, status, cls.Duration)
	}

	signalRefresh := false
	if cls.CookieExpired {
		if !st.cookieExpired {
			signalRefresh = true
		}
		st.cookieExpired = true
		p.setEnabledLocked(id, false)
	}
	p.mu.Unlock()

	if signalRefresh {
		p.signalRefresh(id)
	}
	return cls
}

// MarkCooldown applies an extend-only cooldown with an operator reason.
func (p *Pool) MarkCooldown(id int64, reason string, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.states[id]
	if st == nil {
		return
	}
	now := p.nowFunc()
	p.extendCooldownLocked(st, now.Add(d), reason)
	st.jwt = ""
	st.jwtFetchedAt = time.Time{}
	st.session = ""
}

// extendCooldownLocked implements the extend-only rule: a proposed
// cooldown shorter than the stored one is a no-op.
func (p *Pool) extendCooldownLocked(st *runtimeState, until time.Time, reason string) {
	if until.Before(st.cooldownUntil) {
		return
	}
	st.cooldownUntil = until
	st.cooldownReason = reason
}

func (p *Pool) extendQuotaCooldownLocked(st *runtimeState, kind QuotaKind, until time.Time) {
	if existing, ok := st.perQuotaCooldowns[kind]; ok && until.Before(existing) {
		return
	}
	st.perQuotaCooldowns[kind] = until
}

// MarkCookieRefreshed clears the expired flag, all cooldowns, and
// re-enables the account. The session/JWT caches are left to the
// refresh collaborator, which re-binds the cookie triple first.
func (p *Pool) MarkCookieRefreshed(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.states[id]
	if st == nil {
		return
	}
	st.cookieExpired = false
	st.cooldownUntil = time.Time{}
	st.cooldownReason = ""
	st.perQuotaCooldowns = make(map[QuotaKind]time.Time)
	p.setEnabledLocked(id, true)
	log.Infof("account %d: cookie refreshed, cooldowns cleared", id)
}

// MarkUnavailable disables an account. Auth-shaped reasons also flag
// the cookie as expired and signal the refresh collaborator.
func (p *Pool) MarkUnavailable(id int64, reason string) {
	p.mu.Lock()
	st := p.states[id]
	if st == nil {
		p.mu.Unlock()
		return
	}
	p.setEnabledLocked(id, false)
	st.cooldownReason = reason
	signalRefresh := false
	if isAuthReason(reason) {
		if !st.cookieExpired {
			signalRefresh = true
		}
		st.cookieExpired = true
	}
	p.mu.Unlock()

	log.Warnf("account %d: marked unavailable: %s", id, reason)
	if signalRefresh {
		p.signalRefresh(id)
	}
}

func isAuthReason(reason string) bool {
	lower := strings.ToLower(reason)
	for _, marker := range []string{"401", "403", "auth"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func (p *Pool) setEnabledLocked(id int64, enabled bool) {
	for _, a := range p.accounts {
		if a.ID == id {
			a.Enabled = enabled
			return
		}
	}
}

func (p *Pool) signalRefresh(id int64) {
	select {
	case p.refreshCh <- id:
	default:
		log.Debugf("account %d: refresh signal dropped, channel full", id)
	}
}

// UpdateCookies installs a freshly refreshed cookie triple. The refresh
// collaborator publishes values; pool consumers only ever see copies.
func (p *Pool) UpdateCookies(id int64, sessionCookie, hostCookie, sessionIndex string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range p.accounts {
		if a.ID == id {
			a.SessionCookie = sessionCookie
			a.HostCookie = hostCookie
			a.SessionIndex = sessionIndex
			a.LastRefreshAt = p.nowFunc()
			return
		}
	}
}

// --- JWT cache (runtime state accessors, all under the pool lock) ---

// JWT returns the cached token and its fetch time.
func (p *Pool) JWT(id int64) (jwt string, fetchedAt time.Time, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.states[id]
	if st == nil {
		return "", time.Time{}, false
	}
	return st.jwt, st.jwtFetchedAt, true
}

// SetJWT stores a freshly minted token. Refreshing the JWT does not
// invalidate the session; only the age/count rotation rules do.
func (p *Pool) SetJWT(id int64, jwt string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.states[id]
	if st == nil {
		return
	}
	st.jwt = jwt
	st.jwtFetchedAt = p.nowFunc()
}

// --- Session cache ---

// SessionState describes the cached upstream session for rotation checks.
type SessionState struct {
	Name      string
	CreatedAt time.Time
	UseCount  int
}

func (p *Pool) Session(id int64) (SessionState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.states[id]
	if st == nil {
		return SessionState{}, false
	}
	return SessionState{Name: st.session, CreatedAt: st.sessionCreatedAt, UseCount: st.sessionUseCount}, true
}

// SetSession installs a newly created session with use count 1.
func (p *Pool) SetSession(id int64, name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.states[id]
	if st == nil {
		return
	}
	st.session = name
	st.sessionCreatedAt = p.nowFunc()
	st.sessionUseCount = 1
}

// IncSessionUse bumps the use counter of the current session and
// returns the new count.
func (p *Pool) IncSessionUse(id int64) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.states[id]
	if st == nil {
		return 0
	}
	st.sessionUseCount++
	return st.sessionUseCount
}

func (p *Pool) ClearSession(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st := p.states[id]; st != nil {
		st.session = ""
		st.sessionCreatedAt = time.Time{}
		st.sessionUseCount = 0
	}
}

// --- Views ---

// View builds a read-only snapshot of one account for status surfaces.
func (p *Pool) View(id int64) (View, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range p.accounts {
		if a.ID == id {
			return p.viewLocked(a), true
		}
	}
	return View{}, false
}

// Views snapshots every account in insertion order.
func (p *Pool) Views() []View {
	p.mu.Lock()
	defer p.mu.Unlock()
	views := make([]View, 0, len(p.accounts))
	for _, a := range p.accounts {
		views = append(views, p.viewLocked(a))
	}
	return views
}

func (p *Pool) viewLocked(a *Account) View {
	st := p.states[a.ID]
	v := View{
		ID:       a.ID,
		ConfigID: a.ConfigID,
		Enabled:  a.Enabled,
	}
	if st == nil {
		return v
	}
	v.CookieExpired = st.cookieExpired
	v.CooldownUntil = st.cooldownUntil
	v.CooldownReason = st.cooldownReason
	v.SessionActive = st.session != ""
	v.SessionUses = st.sessionUseCount
	if len(st.perQuotaCooldowns) > 0 {
		v.QuotaCooldowns = make(map[QuotaKind]time.Time, len(st.perQuotaCooldowns))
		for k, t := range st.perQuotaCooldowns {
			v.QuotaCooldowns[k] = t
		}
	}
	if len(st.errors) > 0 {
		v.Errors = append([]ErrorRecord(nil), st.errors...)
	}
	return v
}

// Counts returns (total, available-without-kind) for startup banners
// and the status endpoint.
func (p *Pool) Counts() (total, available int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.nowFunc()
	for _, a := range p.accounts {
		total++
		if p.isAvailableLocked(a, "", now) {
			available++
		}
	}
	return total, available
}
