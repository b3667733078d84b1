package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/zczy999/business-gemini/internal/account"
	"github.com/zczy999/business-gemini/internal/json"
	log "github.com/zczy999/business-gemini/internal/logging"
	"golang.org/x/sync/singleflight"
)

// Session rotation thresholds: whichever trips first retires the
// cached conversation session.
const (
	maxSessionUses = 50
	maxSessionAge  = 12 * time.Hour
)

// SessionManager keeps one live upstream conversation session per
// account, rotating it by age or use count. Session creates are
// single-flighted per account.
type SessionManager struct {
	pool        *account.Pool
	client      *Client
	credentials *CredentialCache
	sf          singleflight.Group

	nowFunc func() time.Time
}

func NewSessionManager(pool *account.Pool, client *Client, credentials *CredentialCache) *SessionManager {
	return &SessionManager{
		pool:        pool,
		client:      client,
		credentials: credentials,
		nowFunc:     time.Now,
	}
}

// SetNowFunc replaces the time source. Test hook.
func (m *SessionManager) SetNowFunc(fn func() time.Time) { m.nowFunc = fn }

// SessionFor returns (session, jwt, configId) for the account, creating
// or rotating the upstream session as needed.
func (m *SessionManager) SessionFor(ctx context.Context, snap account.Snapshot) (string, string, string, error) {
	jwt, err := m.credentials.JWTFor(ctx, snap)
	if err != nil {
		return "", "", "", err
	}

	state, ok := m.pool.Session(snap.ID)
	if ok && !m.needsRotation(state) {
		m.pool.IncSessionUse(snap.ID)
		return state.Name, jwt, snap.ConfigID, nil
	}

	created := false
	result, err, _ := m.sf.Do(fmt.Sprintf("session:%d", snap.ID), func() (any, error) {
		// Another caller may have rotated while we waited on the flight.
		if state, ok := m.pool.Session(snap.ID); ok && !m.needsRotation(state) {
			return state.Name, nil
		}
		name, err := m.createSession(ctx, snap, jwt)
		if err != nil {
			return "", err
		}
		m.pool.SetSession(snap.ID, name)
		created = true
		return name, nil
	})
	if err != nil {
		return "", "", "", err
	}
	name := result.(string)
	if !created {
		// The creator's SetSession counted its own use; every other
		// caller counts its use here.
		m.pool.IncSessionUse(snap.ID)
	}
	return name, jwt, snap.ConfigID, nil
}

func (m *SessionManager) needsRotation(state account.SessionState) bool {
	if state.Name == "" {
		return true
	}
	if state.UseCount >= maxSessionUses {
		return true
	}
	return m.nowFunc().Sub(state.CreatedAt) >= maxSessionAge
}

// createSession issues widgetCreateSession with a fresh 12-hex display
// name and returns the opaque session name the upstream assigns.
func (m *SessionManager) createSession(ctx context.Context, snap account.Snapshot, jwt string) (string, error) {
	displayName := strings.ReplaceAll(uuid.New().String(), "-", "")[:12]

	body := map[string]any{
		"configId":         snap.ConfigID,
		"additionalParams": map[string]any{"token": "-"},
		"createSessionRequest": map[string]any{
			"session": map[string]any{
				"name":        displayName,
				"displayName": displayName,
			},
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequest(http.MethodPost, m.client.APIBaseURL+"/widgetCreateSession", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	m.client.applyHeaders(req, snap, jwt)

	resp, cancel, err := m.client.do(ctx, req, authTimeout)
	if err != nil {
		return "", fmt.Errorf("create session request failed: %w", err)
	}
	defer cancel()
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("create session read failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", NewStatusError(resp.StatusCode, "create session failed", string(raw))
	}

	name := gjson.GetBytes(raw, "session.name").String()
	if name == "" {
		return "", NewStatusError(http.StatusBadGateway, "create session response missing session.name", string(raw))
	}
	log.Infof("session: account %d created session %s", snap.ID, name)
	return name, nil
}
