package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/harun/ally/pkg/session"
	"github.com/spf13/cobra"
)

var pruneOlderThan time.Duration

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "Manage stored conversations",
	Long:  `List and prune the conversations stored in the history directory.`,
}

var threadsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored conversations, most recent first",
	Args:  cobra.NoArgs,
	RunE:  runThreadsList,
}

var threadsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete conversations not used recently",
	Args:  cobra.NoArgs,
	RunE:  runThreadsPrune,
}

func init() {
	threadsPruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", session.DefaultRetention, "delete conversations untouched for this long")
	threadsCmd.AddCommand(threadsListCmd, threadsPruneCmd)
	rootCmd.AddCommand(threadsCmd)
}

func openCheckpoints() (*session.Store, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return session.NewStore(session.Config{Dir: cfg.Paths.HistoryDir})
}

func runThreadsList(cmd *cobra.Command, args []string) error {
	store, err := openCheckpoints()
	if err != nil {
		return err
	}
	threads, err := store.List(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(threads) == 0 {
		fmt.Fprintln(out, "No stored conversations.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMESSAGES\tLAST ACTIVE")
	for _, t := range threads {
		fmt.Fprintf(w, "%s\t%d\t%s ago\n", t.ThreadID, t.Messages, formatDuration(time.Since(t.Modified)))
	}
	return w.Flush()
}

func runThreadsPrune(cmd *cobra.Command, args []string) error {
	if pruneOlderThan <= 0 {
		return fmt.Errorf("--older-than must be positive")
	}
	store, err := openCheckpoints()
	if err != nil {
		return err
	}
	n, err := store.Prune(cmd.Context(), pruneOlderThan)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d conversation(s).\n", n)
	return nil
}
