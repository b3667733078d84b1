package cli

import (
	"github.com/spf13/cobra"
	"github.com/zczy999/business-gemini/internal/account"
	"github.com/zczy999/business-gemini/internal/bootstrap"
	"github.com/zczy999/business-gemini/internal/logging"
	log "github.com/zczy999/business-gemini/internal/logging"
)

var (
	migrateForce bool
	legacyPath   string
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Import a legacy JSON account file into the sqlite store",
	Run: func(c *cobra.Command, args []string) {
		logging.SetupBaseLogger()
		result, err := bootstrap.Bootstrap(cfgFile)
		if err != nil {
			log.Fatalf("Failed to bootstrap: %v", err)
		}
		defer result.Store.Close()

		if err := account.MigrateJSON(result.Store, legacyPath, migrateForce); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the sqlite store back to the legacy JSON layout",
	Run: func(c *cobra.Command, args []string) {
		logging.SetupBaseLogger()
		result, err := bootstrap.Bootstrap(cfgFile)
		if err != nil {
			log.Fatalf("Failed to bootstrap: %v", err)
		}
		defer result.Store.Close()

		if err := account.ExportJSON(result.Store, legacyPath); err != nil {
			log.Fatalf("Export failed: %v", err)
		}
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateForce, "force", false, "overwrite existing accounts")
	migrateCmd.Flags().StringVar(&legacyPath, "file", "business_gemini_session.json", "legacy JSON file path")
	exportCmd.Flags().StringVar(&legacyPath, "file", "business_gemini_session.json", "output JSON file path")
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(exportCmd)
}
