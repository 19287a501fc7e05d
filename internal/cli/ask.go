package cli

import (
	"fmt"
	"strings"

	"github.com/harun/ally/pkg/agent"
	"github.com/spf13/cobra"
)

var askFlags struct {
	threadID      string
	dir           string
	context       []string
	allowAllTools bool
	thinking      bool
}

var askCmd = &cobra.Command{
	Use:   "ask <message...>",
	Short: "Ask a single question and print the answer",
	Long: `Run one message through the agent and print the final answer.
Tools still ask for permission unless --allow-all-tools is set.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringVarP(&askFlags.threadID, "id", "i", "", "continue the conversation with this id")
	askCmd.Flags().StringVarP(&askFlags.dir, "dir", "d", "", "working directory for tools (default is the current directory)")
	askCmd.Flags().StringArrayVarP(&askFlags.context, "context", "c", nil, "extra context appended to the message (repeatable)")
	askCmd.Flags().BoolVar(&askFlags.allowAllTools, "allow-all-tools", false, "run tools without asking for permission")
	askCmd.Flags().BoolVar(&askFlags.thinking, "thinking", false, "keep <think> blocks in the answer")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	workingDir, err := resolveWorkingDir(askFlags.dir)
	if err != nil {
		return err
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := newApp(cfg, appOptions{
		In:            cmd.InOrStdin(),
		Out:           cmd.ErrOrStderr(),
		WorkingDir:    workingDir,
		Agent:         true,
		AllowAllTools: askFlags.allowAllTools,
	})
	if err != nil {
		return err
	}
	defer a.Close()

	answer := a.session.Invoke(cmd.Context(), strings.Join(args, " "), agent.InvokeOptions{
		ThreadID:        askFlags.threadID,
		ExtraContext:    askFlags.context,
		IncludeThinking: askFlags.thinking,
	})
	fmt.Fprintln(cmd.OutOrStdout(), answer)

	if answer == agent.FailedText {
		return fmt.Errorf("agent execution failed")
	}
	return nil
}
