package cli

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/harun/ally/internal/config"
	"github.com/harun/ally/pkg/retrieval"
	"github.com/harun/ally/pkg/session"
	"github.com/harun/ally/pkg/subagent"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and stored data",
	Long:  `Show the active provider and model, where data is stored, the indexed collections and the most recent conversation.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, warnings, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	for _, w := range warnings {
		fmt.Fprintf(out, "Warning: %s\n", w)
	}

	fmt.Fprintf(out, "Provider: %s\n", cfg.Provider.Name)
	fmt.Fprintf(out, "Model: %s\n", cfg.Models.Default)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(out, "Configuration: incomplete (%v)\n", err)
	} else {
		fmt.Fprintln(out, "Configuration: ok")
	}
	fmt.Fprintf(out, "History: %s\n", cfg.Paths.HistoryDir)
	fmt.Fprintf(out, "Database: %s\n", cfg.Paths.DatabaseDir)
	fmt.Fprintf(out, "Log file: %s\n", cfg.Logging.File)

	switch {
	case !cfg.WebSearch.Enabled:
		fmt.Fprintln(out, "Web search: disabled")
	case cfg.WebSearch.SearchAvailable():
		fmt.Fprintln(out, "Web search: ok")
	default:
		fmt.Fprintf(out, "Web search: unavailable (set %s and %s)\n", config.SearchAPIKeyEnv, config.SearchEngineIDEnv)
	}

	if index, err := retrieval.LoadIndexRegistry(cfg.Paths.DatabaseDir); err != nil {
		fmt.Fprintf(out, "Indexed collections: unreadable (%v)\n", err)
	} else if names := index.Names(); len(names) > 0 {
		fmt.Fprintf(out, "Indexed collections: %s\n", strings.Join(names, ", "))
	} else {
		fmt.Fprintln(out, "Indexed collections: none")
	}

	store, err := session.NewStore(session.Config{Dir: cfg.Paths.HistoryDir})
	if err != nil {
		return err
	}
	threads, err := store.List(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Conversations: %d\n", len(threads))
	if len(threads) > 0 {
		latest := threads[0]
		fmt.Fprintf(out, "Last conversation: %s (%s ago)\n", latest.ThreadID, formatDuration(time.Since(latest.Modified)))
	}

	coordinator := subagent.NewCoordinator(subagent.Config{RegistryPath: filepath.Join(cfg.Paths.DataDir, subagentRegistryFile)})
	if err := coordinator.Initialize(); err == nil {
		if stats := coordinator.GetStats(); stats.TotalRuns > 0 {
			fmt.Fprintf(out, "Delegated runs: %d (%d completed, %d failed, %d aborted)\n",
				stats.TotalRuns, stats.CompletedRuns, stats.FailedRuns, stats.AbortedRuns)
		}
	}

	return nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
