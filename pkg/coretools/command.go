package coretools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/harun/ally/pkg/toolexecutor"
)

const defaultCommandTimeout = 5 * time.Minute

func runCommandTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "run_command",
		Description: "Run a shell command on the user's machine and return its output. The user is asked before it runs.",
		Category:    toolexecutor.CategoryShell,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "command", Type: "string", Description: "Command line passed to the shell", Required: true},
			{Name: "cwd", Type: "string", Description: "Working directory (defaults to the session directory)", Required: false},
			{Name: "timeout", Type: "number", Description: "Timeout in seconds (default 300)", Required: false},
			{Name: "stdin", Type: "string", Description: "Standard input", Required: false},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			command, _ := params["command"].(string)
			command = strings.TrimSpace(command)
			if command == "" {
				return nil, fmt.Errorf("command is required")
			}

			dir := workingDir(ctx, opts)
			if params["cwd"] != nil {
				resolved, err := resolvePath(dir, params["cwd"])
				if err != nil {
					return nil, err
				}
				dir = resolved
			}

			timeout := parseDurationSeconds(params["timeout"], defaultCommandTimeout)
			runCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			shell := os.Getenv("SHELL")
			if shell == "" {
				shell = "/bin/sh"
			}

			cmd := exec.CommandContext(runCtx, shell, "-c", command)
			cmd.Dir = dir
			cmd.WaitDelay = time.Second
			var stdout, stderr bytes.Buffer
			cmd.Stdout = &stdout
			cmd.Stderr = &stderr
			if stdin, ok := params["stdin"].(string); ok && stdin != "" {
				cmd.Stdin = strings.NewReader(stdin)
			}

			start := time.Now()
			err := cmd.Run()
			duration := time.Since(start)

			exitCode := 0
			if err != nil {
				var exitErr *exec.ExitError
				if !errors.As(err, &exitErr) {
					return nil, fmt.Errorf("failed to run command: %w", err)
				}
				exitCode = exitErr.ExitCode()
			}
			if runCtx.Err() == context.DeadlineExceeded {
				return nil, fmt.Errorf("command timed out after %v", timeout)
			}

			opts.Logger.Debug().Str("command", command).Int("exit_code", exitCode).Dur("duration", duration).Msg("Command finished")

			return map[string]interface{}{
				"stdout":    stdout.String(),
				"stderr":    stderr.String(),
				"exit_code": exitCode,
				"duration":  duration.Milliseconds(),
			}, nil
		},
	}
}
