package account

import (
	"fmt"
	"os"

	"github.com/tailscale/hujson"
	"github.com/zczy999/business-gemini/internal/json"
	log "github.com/zczy999/business-gemini/internal/logging"
)

// legacyFile mirrors the JSON layout of the pre-sqlite deployments so
// existing installs can be imported in place.
type legacyFile struct {
	Accounts []legacyAccount `json:"accounts"`

	Proxy             string `json:"proxy,omitempty"`
	ImageBaseURL      string `json:"image_base_url,omitempty"`
	UploadEndpoint    string `json:"upload_endpoint,omitempty"`
	UploadAPIToken    string `json:"upload_api_token,omitempty"`
	AutoRefreshCookie bool   `json:"auto_refresh_cookie,omitempty"`
}

type legacyAccount struct {
	TeamID      string `json:"team_id"`
	SecureCSes  string `json:"secure_c_ses"`
	HostCOSes   string `json:"host_c_oses"`
	CSesIdx     string `json:"csesidx"`
	UserAgent   string `json:"user_agent,omitempty"`
	Available   *bool  `json:"available,omitempty"`
	TempMailURL string `json:"tempmail_url,omitempty"`
}

// MigrateJSON imports a legacy JSON account file into the store. The
// file is parsed tolerantly (comments and trailing commas allowed) so
// hand-edited configs survive the move. With force=false an already
// populated store is left untouched.
func MigrateJSON(store *Store, path string, force bool) error {
	existing, err := store.ListAccounts()
	if err != nil {
		return fmt.Errorf("failed to inspect store: %w", err)
	}
	if len(existing) > 0 && !force {
		return fmt.Errorf("store already holds %d accounts (use --force to overwrite)", len(existing))
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	standardized, err := hujson.Standardize(raw)
	if err != nil {
		return fmt.Errorf("failed to standardize %s: %w", path, err)
	}

	var legacy legacyFile
	if err := json.Unmarshal(standardized, &legacy); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}

	for _, la := range legacy.Accounts {
		enabled := true
		if la.Available != nil {
			enabled = *la.Available
		}
		id, err := store.InsertAccount(&Account{
			ConfigID:      la.TeamID,
			SessionCookie: la.SecureCSes,
			HostCookie:    la.HostCOSes,
			SessionIndex:  la.CSesIdx,
			UserAgent:     la.UserAgent,
			Enabled:       enabled,
			TempMailURL:   la.TempMailURL,
		})
		if err != nil {
			return fmt.Errorf("failed to insert account %s: %w", la.TeamID, err)
		}
		log.Infof("migrate: imported account %d (config %s)", id, la.TeamID)
	}

	for key, value := range map[string]string{
		"proxy":            legacy.Proxy,
		"image_base_url":   legacy.ImageBaseURL,
		"upload_endpoint":  legacy.UploadEndpoint,
		"upload_api_token": legacy.UploadAPIToken,
	} {
		if value == "" {
			continue
		}
		if err := store.SetConfigValue(key, value); err != nil {
			return fmt.Errorf("failed to store config %s: %w", key, err)
		}
	}
	if legacy.AutoRefreshCookie {
		if err := store.SetConfigValue("auto_refresh_cookie", "true"); err != nil {
			return err
		}
	}

	log.Infof("migrate: imported %d accounts from %s", len(legacy.Accounts), path)
	return nil
}

// ExportJSON writes the store back out in the legacy JSON layout for
// backup and portability.
func ExportJSON(store *Store, path string) error {
	accounts, err := store.ListAccounts()
	if err != nil {
		return err
	}
	values, err := store.ConfigValues()
	if err != nil {
		return err
	}

	out := legacyFile{
		Proxy:             values["proxy"],
		ImageBaseURL:      values["image_base_url"],
		UploadEndpoint:    values["upload_endpoint"],
		UploadAPIToken:    values["upload_api_token"],
		AutoRefreshCookie: values["auto_refresh_cookie"] == "true",
	}
	for _, a := range accounts {
		enabled := a.Enabled
		out.Accounts = append(out.Accounts, legacyAccount{
			TeamID:      a.ConfigID,
			SecureCSes:  a.SessionCookie,
			HostCOSes:   a.HostCookie,
			CSesIdx:     a.SessionIndex,
			UserAgent:   a.UserAgent,
			Available:   &enabled,
			TempMailURL: a.TempMailURL,
		})
	}

	data, err := json.Marshal(out)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	log.Infof("export: wrote %d accounts to %s", len(accounts), path)
	return nil
}
