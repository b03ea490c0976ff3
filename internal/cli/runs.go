package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openclaw/clawproxy/internal/config"
	"github.com/openclaw/clawproxy/pkg/runstore"
)

var (
	runsStatus   string
	runsProvider string
	runsSearch   string
	runsLimit    int
	runsCSV      bool
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Query recorded runs",
	Long: `Query the run history directly from the local database,
most recent first. Use --csv to export the selection as CSV on stdout.`,
	RunE: runRuns,
}

func init() {
	runsCmd.Flags().StringVar(&runsStatus, "status", "", "filter by status (pending, streaming, completed, error, cancelled)")
	runsCmd.Flags().StringVar(&runsProvider, "provider", "", "filter by provider")
	runsCmd.Flags().StringVar(&runsSearch, "search", "", "free-text match against log excerpts")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 50, "maximum rows")
	runsCmd.Flags().BoolVar(&runsCSV, "csv", false, "emit CSV instead of a table")
	rootCmd.AddCommand(runsCmd)
}

func runRuns(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	store, err := runstore.NewStore(runstore.Config{
		DBPath: filepath.Join(cfg.DataDir, "runs.db"),
		Logger: zerolog.Nop(),
	})
	if err != nil {
		return fmt.Errorf("failed to open run store: %w", err)
	}
	defer store.Close()

	filter := runstore.Filter{
		Provider: runsProvider,
		Status:   runstore.Status(runsStatus),
		Search:   runsSearch,
		Limit:    runsLimit,
	}

	if runsCSV {
		return store.ExportCSV(os.Stdout, filter)
	}

	runs, err := store.Query(filter)
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded")
		return nil
	}

	fmt.Printf("%-36s  %-9s  %-10s  %-20s  %-9s  %8s\n",
		"ID", "KIND", "STATUS", "PROVIDER/MODEL", "STARTED", "TOKENS")
	for _, r := range runs {
		fmt.Printf("%-36s  %-9s  %-10s  %-20s  %-9s  %8d\n",
			r.ID,
			r.Kind,
			r.Status,
			fmt.Sprintf("%s/%s", r.Provider, r.Model),
			r.StartedAt.Local().Format(time.Kitchen),
			r.PromptTokens+r.CompletionTokens,
		)
	}
	return nil
}
