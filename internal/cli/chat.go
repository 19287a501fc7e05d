package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/harun/ally/pkg/agent"
	"github.com/spf13/cobra"
)

var chatFlags struct {
	threadID      string
	prompt        string
	dir           string
	allowAllTools bool
	noColor       bool
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat session",
	Long: `Start an interactive chat session with the configured model.
Type /help inside the session for commands. Ctrl+C at the prompt or Ctrl+D ends it.`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatFlags.threadID, "id", "i", "", "continue the conversation with this id")
	chatCmd.Flags().StringVarP(&chatFlags.prompt, "prompt", "p", "", "send this message first")
	chatCmd.Flags().StringVarP(&chatFlags.dir, "dir", "d", "", "working directory for tools (default is the current directory)")
	chatCmd.Flags().BoolVar(&chatFlags.allowAllTools, "allow-all-tools", false, "run tools without asking for permission")
	chatCmd.Flags().BoolVar(&chatFlags.noColor, "no-color", false, "disable colored output")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	workingDir, err := resolveWorkingDir(chatFlags.dir)
	if err != nil {
		return err
	}

	cfg, warnings, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := newApp(cfg, appOptions{
		In:            cmd.InOrStdin(),
		Out:           cmd.OutOrStdout(),
		WorkingDir:    workingDir,
		NoColor:       chatFlags.noColor,
		Agent:         true,
		AllowAllTools: chatFlags.allowAllTools,
		ShowMessages:  true,
		Background:    true,
	})
	if err != nil {
		return err
	}
	defer a.Close()

	for _, w := range warnings {
		a.console.Warning(w)
	}
	a.console.Logo()

	a.log.Info().
		Str("provider", cfg.Provider.Name).
		Str("model", cfg.Models.Default).
		Str("working_dir", workingDir).
		Msg("Chat session started")

	_, err = a.session.StartSession(cmd.Context(), agent.StartOptions{
		ThreadID:       chatFlags.threadID,
		InitialMessage: chatFlags.prompt,
	})
	return err
}

// resolveWorkingDir returns dir as an absolute existing directory, or the
// current directory when dir is empty
func resolveWorkingDir(dir string) (string, error) {
	if dir == "" {
		return os.Getwd()
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("directory %s does not exist", dir)
	}
	return abs, nil
}
