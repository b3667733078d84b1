// Package bootstrap initializes configuration, storage, and the
// account pool for CLI commands.
package bootstrap

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/zczy999/business-gemini/internal/account"
	"github.com/zczy999/business-gemini/internal/config"
	log "github.com/zczy999/business-gemini/internal/logging"
)

// Result carries everything a command needs after bootstrap.
type Result struct {
	Config         *config.Config
	ConfigFilePath string
	Store          *account.Store
	Pool           *account.Pool
}

// Bootstrap loads .env, the YAML config, env overrides, the sqlite
// store, and the account pool.
func Bootstrap(configPath string) (*Result, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}

	// Load environment variables from .env if present.
	if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil {
		if !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load .env file")
		}
	}

	if configPath == "" {
		configPath = filepath.Join(wd, "config.yaml")
	}
	cfg, err := config.LoadConfigOptional(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg == nil {
		cfg = config.NewDefaultConfig()
	}
	config.ApplyEnvOverrides(cfg)
	log.SetLevel(cfg.LogLevel)

	store, err := account.OpenStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open account store: %w", err)
	}

	applyStoredConfig(cfg, store)

	pool := account.NewPool()
	if err := ReloadAccounts(pool, store); err != nil {
		return nil, err
	}

	return &Result{
		Config:         cfg,
		ConfigFilePath: configPath,
		Store:          store,
		Pool:           pool,
	}, nil
}

// applyStoredConfig overlays system-config values from the store onto
// the file config: operators edit these through the (external) admin
// surface, so the database wins when set.
func applyStoredConfig(cfg *config.Config, store *account.Store) {
	if v := store.GetConfigValue("proxy"); v != "" {
		cfg.ProxyURL = v
	}
	if v := store.GetConfigValue("image_base_url"); v != "" {
		cfg.ImageBaseURL = v
	}
	if v := store.GetConfigValue("upload_endpoint"); v != "" {
		cfg.UploadEndpoint = v
	}
	if v := store.GetConfigValue("upload_api_token"); v != "" {
		cfg.UploadAPIToken = v
	}
	if v := store.GetConfigValue("auto_refresh_cookie"); v == "true" {
		cfg.AutoRefreshCookie = true
	}
}

// ReloadAccounts re-reads the account table into the pool, preserving
// runtime cooldowns for surviving ids.
func ReloadAccounts(pool *account.Pool, store *account.Store) error {
	accounts, err := store.ListAccounts()
	if err != nil {
		return fmt.Errorf("failed to load accounts: %w", err)
	}
	pool.Load(accounts)
	total, available := pool.Counts()
	log.Infof("bootstrap: %d accounts loaded, %d available", total, available)
	return nil
}
