package cli

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/zczy999/business-gemini/internal/api"
	"github.com/zczy999/business-gemini/internal/bootstrap"
	"github.com/zczy999/business-gemini/internal/config"
	"github.com/zczy999/business-gemini/internal/logging"
	log "github.com/zczy999/business-gemini/internal/logging"
	"github.com/zczy999/business-gemini/internal/media"
	"github.com/zczy999/business-gemini/internal/relay"
	"github.com/zczy999/business-gemini/internal/upstream"
	"github.com/zczy999/business-gemini/internal/usage"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway server",
	Long: `Start the OpenAI-compatible gateway.

Loads the configuration and account store, initializes the upstream
client and media relay, and serves HTTP until interrupted.`,
	Run: func(c *cobra.Command, args []string) {
		logging.SetupBaseLogger()

		result, err := bootstrap.Bootstrap(cfgFile)
		if err != nil {
			log.Fatalf("Failed to bootstrap: %v", err)
		}
		cfg := result.Config
		defer result.Store.Close()

		if servePort != 0 {
			cfg.Port = servePort
		}
		if err := logging.ConfigureLogOutput(cfg.LoggingToFile, cfg.LogDir); err != nil {
			log.Fatalf("Failed to configure log output: %v", err)
		}

		if cfg.Usage.DSN != "" {
			initUsageBackend(cfg)
			defer usage.Stop()
		}

		if err := runServer(result); err != nil {
			log.Fatalf("Server exited: %v", err)
		}
	},
}

func runServer(result *bootstrap.Result) error {
	cfg := result.Config
	pool := result.Pool

	client, err := upstream.NewClient(cfg.ProxyURL)
	if err != nil {
		return err
	}
	credentials := upstream.NewCredentialCache(pool, client)
	sessions := upstream.NewSessionManager(pool, client, credentials)

	var cache *media.Cache
	var uploader *media.ExternalUploader
	if cfg.ExternalUploadEnabled() {
		uploader = media.NewExternalUploader(cfg.UploadEndpoint, cfg.UploadAPIToken, cfg.ImageBaseURL)
		log.Infof("media: external upload mode (%s)", cfg.UploadEndpoint)
	} else {
		cache, err = media.NewCache(cfg.MediaCacheDir)
		if err != nil {
			return err
		}
		cache.Start()
		defer cache.Stop()
		log.Infof("media: local cache mode (%s)", cache.Dir(media.KindImage))
	}
	mediaRelay := media.NewRelay(cache, uploader)

	orchestrator := relay.NewOrchestrator(pool, client, sessions, mediaRelay, cfg)
	server := api.NewServer(cfg, orchestrator, pool, cache)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Persist disables and hand expired accounts to the (external)
	// cookie-refresh collaborator.
	go consumeRefreshSignals(ctx, result)

	// Hot-reload accounts when the store or config file changes.
	stopWatch, err := bootstrap.WatchFiles(
		[]string{cfg.DBPath, result.ConfigFilePath},
		func(path string) {
			if err := bootstrap.ReloadAccounts(pool, result.Store); err != nil {
				log.Warnf("reload after %s changed failed: %v", path, err)
			}
		})
	if err != nil {
		log.Warnf("file watch unavailable: %v", err)
	} else {
		defer stopWatch()
	}

	return server.Run(ctx)
}

func consumeRefreshSignals(ctx context.Context, result *bootstrap.Result) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-result.Pool.RefreshSignals():
			result.Store.SetEnabled(id, false)
			if result.Config.AutoRefreshCookie {
				log.Warnf("account %d: cookie expired, refresh collaborator notified", id)
			} else {
				log.Warnf("account %d: cookie expired, manual refresh required", id)
			}
		}
	}
}

func initUsageBackend(cfg *config.Config) {
	var flushInterval time.Duration
	if cfg.Usage.FlushInterval != "" {
		if d, parseErr := time.ParseDuration(cfg.Usage.FlushInterval); parseErr == nil {
			flushInterval = d
		}
	}
	backendCfg := usage.BackendConfig{
		DSN:           cfg.Usage.DSN,
		BatchSize:     cfg.Usage.BatchSize,
		FlushInterval: flushInterval,
		RetentionDays: cfg.Usage.RetentionDays,
	}
	if initErr := usage.Initialize(backendCfg); initErr != nil {
		log.Warnf("Failed to initialize usage backend: %v", initErr)
	} else {
		log.Infof("Usage backend initialized: %s", cfg.Usage.DSN)
	}
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "override the listen port")
	rootCmd.AddCommand(serveCmd)
}
