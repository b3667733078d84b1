package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/zczy999/business-gemini/internal/account"
	log "github.com/zczy999/business-gemini/internal/logging"
	"golang.org/x/sync/singleflight"
)

// jwtMaxAge is how long a minted JWT stays usable. Anything older is
// refreshed before the next upstream call.
const jwtMaxAge = 240 * time.Second

// oxsrfPrefix is the anti-hijack prefix on the getoxsrf response body.
const oxsrfPrefix = ")]}'"

// CredentialCache exchanges an account's cookie triple for a short-lived
// JWT and memoizes it in the pool's runtime state. At most one exchange
// per account is in flight; concurrent callers share the result.
type CredentialCache struct {
	pool   *account.Pool
	client *Client
	sf     singleflight.Group

	nowFunc func() time.Time
}

func NewCredentialCache(pool *account.Pool, client *Client) *CredentialCache {
	return &CredentialCache{
		pool:    pool,
		client:  client,
		nowFunc: time.Now,
	}
}

// SetNowFunc replaces the time source. Test hook.
func (c *CredentialCache) SetNowFunc(fn func() time.Time) { c.nowFunc = fn }

// JWTFor returns a JWT at most jwtMaxAge old for the account, minting a
// fresh one through the oxsrf endpoint when the cache is stale.
func (c *CredentialCache) JWTFor(ctx context.Context, snap account.Snapshot) (string, error) {
	if jwt, fetchedAt, ok := c.pool.JWT(snap.ID); ok && jwt != "" {
		if c.nowFunc().Sub(fetchedAt) < jwtMaxAge {
			return jwt, nil
		}
	}

	result, err, _ := c.sf.Do(fmt.Sprintf("jwt:%d", snap.ID), func() (any, error) {
		// Re-check under the flight: another caller may have refreshed
		// between our fast path and acquiring the flight.
		if jwt, fetchedAt, ok := c.pool.JWT(snap.ID); ok && jwt != "" {
			if c.nowFunc().Sub(fetchedAt) < jwtMaxAge {
				return jwt, nil
			}
		}

		jwt, err := c.fetchJWT(ctx, snap)
		if err != nil {
			return "", err
		}
		c.pool.SetJWT(snap.ID, jwt)
		return jwt, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// fetchJWT performs the oxsrf exchange: cookie-authenticated GET whose
// JSON body (behind the anti-hijack prefix) carries keyId, the bearer
// token.
func (c *CredentialCache) fetchJWT(ctx context.Context, snap account.Snapshot) (string, error) {
	url := fmt.Sprintf("%s/auth/getoxsrf?csesidx=%s", c.client.AuthBaseURL, snap.SessionIndex)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	c.client.applyHeaders(req, snap, "")
	req.Header.Del("Content-Type")
	req.Header.Set("Cookie", fmt.Sprintf("__Secure-C_SES=%s; __Host-C_OSES=%s", snap.SessionCookie, snap.HostCookie))

	start := c.nowFunc()
	resp, cancel, err := c.client.do(ctx, req, authTimeout)
	if err != nil {
		return "", fmt.Errorf("oxsrf request failed: %w", err)
	}
	defer cancel()
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("oxsrf read failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", NewStatusError(resp.StatusCode, "oxsrf exchange failed", string(body))
	}

	payload := strings.TrimSpace(strings.TrimPrefix(string(body), oxsrfPrefix))
	keyID := gjson.Get(payload, "keyId").String()
	if keyID == "" {
		return "", NewStatusError(http.StatusUnauthorized, "oxsrf response missing keyId", payload)
	}

	log.Debugf("credentials: minted jwt for account %d in %v", snap.ID, time.Since(start).Round(time.Millisecond))
	return keyID, nil
}
