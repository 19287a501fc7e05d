package coretools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/harun/ally/pkg/toolexecutor"
	"github.com/rs/zerolog"
)

// Options configures core tool registration
type Options struct {
	// WorkingDir resolves relative paths when the execution context has none
	WorkingDir string
	// Fetcher backs fetch_page; the tool is not registered without one
	Fetcher *PageFetcher
	Logger  zerolog.Logger
}

// RegisterCoreTools registers the built-in tools. Side-effecting tools are
// categorized so the registry routes them through the permission gate.
func RegisterCoreTools(registry *toolexecutor.Registry, opts Options) error {
	if registry == nil {
		return errors.New("tool registry is required")
	}

	tools := []toolexecutor.ToolDefinition{
		runCommandTool(opts),
		readFileTool(opts),
		writeFileTool(opts),
		listDirectoryTool(opts),
		findReferencesTool(opts),
	}
	if opts.Fetcher != nil {
		tools = append(tools, fetchPageTool(opts))
	}

	for _, tool := range tools {
		if err := registry.RegisterTool(tool); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", tool.Name, err)
		}
	}
	return nil
}

// workingDir returns the directory relative paths resolve against
func workingDir(ctx context.Context, opts Options) string {
	if execCtx := toolexecutor.ExecContextFromContext(ctx); execCtx != nil && execCtx.WorkingDir != "" {
		return execCtx.WorkingDir
	}
	if opts.WorkingDir != "" {
		return opts.WorkingDir
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

// resolvePath expands ~ and makes value absolute against base
func resolvePath(base string, value interface{}) (string, error) {
	raw, _ := value.(string)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("path is required")
	}
	if strings.ContainsRune(raw, 0) {
		return "", errors.New("path contains a null byte")
	}

	if raw == "~" || strings.HasPrefix(raw, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve home directory: %w", err)
		}
		raw = filepath.Join(home, strings.TrimPrefix(raw, "~"))
	}
	if !filepath.IsAbs(raw) {
		raw = filepath.Join(base, raw)
	}
	return filepath.Clean(raw), nil
}

func parseDurationSeconds(value interface{}, fallback time.Duration) time.Duration {
	switch v := value.(type) {
	case float64:
		if v > 0 {
			return time.Duration(v * float64(time.Second))
		}
	case int:
		if v > 0 {
			return time.Duration(v) * time.Second
		}
	}
	return fallback
}

func intParam(value interface{}, fallback int) int {
	switch v := value.(type) {
	case float64:
		if v > 0 {
			return int(v)
		}
	case int:
		if v > 0 {
			return v
		}
	}
	return fallback
}
