package account

import (
	"time"

	log "github.com/zczy999/business-gemini/internal/logging"
)

// Cooldown durations applied by the passive classifier.
const (
	AuthErrorCooldown    = 15 * time.Minute
	RateLimitCooldown    = 5 * time.Minute
	GenericErrorCooldown = 2 * time.Minute
)

// CooldownKind labels why an account (or quota kind) is cooling.
type CooldownKind string

const (
	CooldownAuthError  CooldownKind = "auth_error"
	CooldownRateLimit  CooldownKind = "rate_limit"
	CooldownGeneric    CooldownKind = "generic"
	CooldownQuotaDaily CooldownKind = "quota_daily"
)

// Classification is the cooldown action derived from one upstream
// response. PerQuota selects between a whole-account cooldown and a
// single quota dimension.
type Classification struct {
	Kind          CooldownKind
	Duration      time.Duration
	PerQuota      bool
	CookieExpired bool
}

// quotaTZ is the upstream's daily-reset timezone.
var quotaTZ = mustLoadLocation("America/Los_Angeles")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		// tzdata missing on the host; fixed UTC-8 keeps the reset roughly
		// aligned, ignoring DST.
		log.Warnf("classifier: timezone %s unavailable (%v), using UTC-8", name, err)
		return time.FixedZone("PT", -8*3600)
	}
	return loc
}

// UntilNextPTMidnight returns the duration from now to the next
// 00:00:00 America/Los_Angeles, honoring DST.
func UntilNextPTMidnight(now time.Time) time.Duration {
	pt := now.In(quotaTZ)
	next := time.Date(pt.Year(), pt.Month(), pt.Day()+1, 0, 0, 0, 0, quotaTZ)
	return next.Sub(now)
}

// Classify maps an upstream HTTP status (plus an optional quota kind)
// to a cooldown action. 2xx yields a zero Classification.
func Classify(now time.Time, status int, kind QuotaKind) Classification {
	switch {
	case status >= 200 && status < 300:
		return Classification{}
	case status == 401 || status == 403:
		return Classification{
			Kind:          CooldownAuthError,
			Duration:      AuthErrorCooldown,
			CookieExpired: true,
		}
	case status == 429 && kind != "":
		return Classification{
			Kind:     CooldownQuotaDaily,
			Duration: UntilNextPTMidnight(now),
			PerQuota: true,
		}
	case status == 429:
		return Classification{
			Kind:     CooldownRateLimit,
			Duration: RateLimitCooldown,
		}
	default:
		return Classification{
			Kind:     CooldownGeneric,
			Duration: GenericErrorCooldown,
		}
	}
}
