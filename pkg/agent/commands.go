package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/google/uuid"
	"github.com/harun/ally/pkg/retrieval"
)

// CommandHandler runs a host command registered with RegisterCommand
type CommandHandler func(ctx context.Context, args []string) error

var quitCommands = map[string]bool{"/quit": true, "/exit": true, "/q": true}

// RegisterCommand adds a slash command. Names are matched case insensitively.
func (s *Session) RegisterCommand(name string, handler CommandHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands[strings.ToLower(name)] = handler
}

// UnregisterCommand removes a slash command
func (s *Session) UnregisterCommand(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.commands, strings.ToLower(name))
}

// HandleCommand executes input if it is a command. handled is false for
// ordinary messages; quit is set when the session should end.
func (s *Session) HandleCommand(ctx context.Context, input string) (handled, quit bool) {
	trimmed := strings.TrimSpace(input)
	lower := strings.ToLower(trimmed)
	if !strings.HasPrefix(lower, "/") {
		return false, false
	}
	fields := strings.Fields(trimmed)
	name := strings.ToLower(fields[0])

	switch {
	case quitCommands[lower]:
		return true, true

	case lower == "/clear":
		s.mu.Lock()
		s.threadID = uuid.NewString()
		s.mu.Unlock()
		s.ui.HistoryCleared()

	case lower == "/cls" || lower == "/clearterm" || lower == "/clearscreen":
		s.ui.ClearScreen()

	case lower == "/help" || lower == "/h":
		s.ui.Help(s.Model())

	case name == "/model":
		s.modelCommand(fields[1:])

	case name == "/id":
		if len(fields) == 1 {
			s.ui.Status("Current Session ID", s.ThreadID())
			break
		}
		if err := s.SetThreadID(fields[1]); err != nil {
			s.ui.Error(err.Error())
			break
		}
		s.ui.Status("Changed Session ID", "Session ID changed to: "+fields[1])

	case lower == "/refs" || lower == "/references":
		if refs := s.References(); len(refs) > 0 {
			s.ui.Status("Latest References", strings.Join(refs, "\n"))
		} else {
			s.ui.Status("Latest References", "No references available.")
		}

	case lower == "/start_rag":
		if s.EnableRetrieval(true) {
			s.ui.Status("RAG Enabled", "Retrieval-Augmented Generation is now active.")
		}

	case lower == "/stop_rag":
		s.EnableRetrieval(false)
		s.ui.Status("RAG Disabled", "Retrieval-Augmented Generation is now inactive.")

	default:
		s.mu.RLock()
		handler, ok := s.commands[name]
		s.mu.RUnlock()
		if !ok {
			s.ui.Error("Unknown command. Type /help for instructions.")
			break
		}
		s.runCommand(ctx, name, handler, fields[1:])
	}

	return true, false
}

func (s *Session) runCommand(ctx context.Context, name string, handler CommandHandler, args []string) {
	err := handler(ctx, args)
	if err == nil {
		return
	}

	if errors.Is(err, retrieval.ErrDataAccess) {
		s.logger.Error().Err(err).Str("command", name).Msg("Command hit a data access error")
		s.ui.Error("Database access error occurred.")
		s.ui.Warning("RAG features disabled.")
		s.mu.Lock()
		s.rag = false
		s.mu.Unlock()
		return
	}

	s.logger.Error().Err(err).Str("command", name).Msg("Command failed")
	s.ui.Error(fmt.Sprintf("Command '%s' failed: %v", name, err))
}

func (s *Session) modelCommand(args []string) {
	if len(args) == 0 {
		s.ui.Status("Current Model", s.Model())
		return
	}
	if strings.ToLower(args[0]) != "change" {
		s.ui.Error("Unknown model command. Type /help for instructions.")
		return
	}
	if len(args) < 2 {
		s.ui.Error("Please specify a model to change to.")
		return
	}

	s.ui.Status("Change Model", "Changing model to "+args[1])
	if err := s.SwapModel(args[1]); err != nil {
		s.ui.Error(err.Error())
	}
}

// runShell executes a user typed !command in the user's shell. It is not a
// tool call and is not gated.
func (s *Session) runShell(ctx context.Context, command string) {
	if command == "" {
		return
	}
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	s.logger.Debug().Str("command", command).Msg("Executing shell command")

	cmd := exec.CommandContext(ctx, shell, "-c", command)
	cmd.Dir = s.workingDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		s.logger.Error().Err(err).Str("command", command).Msg("Shell command failed")
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		s.ui.Error("An error occurred: " + msg)
		return
	}

	if out := strings.TrimSpace(stdout.String()); out != "" {
		s.ui.Print(out)
	} else {
		s.ui.Status("Shell", "No output returned from the command.")
	}
}
