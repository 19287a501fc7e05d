package agent

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/harun/ally/internal/tracing"
	"github.com/harun/ally/pkg/conversation"
	"github.com/harun/ally/pkg/recovery"
)

const (
	// FailedText is returned by Invoke when the retry policy gives up
	FailedText = "[ERROR] Agent execution failed."
	// NoMessagesText is returned by Invoke when the thread has no AI reply
	NoMessagesText = "[ERROR] Agent did not return any messages."
)

// InvokeOptions configures a one-shot invocation
type InvokeOptions struct {
	// ThreadID continues a stored thread; empty uses a fresh one
	ThreadID string
	// ExtraContext is appended to the message
	ExtraContext []string
	// IncludeThinking keeps <think> blocks in the answer
	IncludeThinking bool
}

// Invoke runs a single message through the state machine and returns the
// final answer. A permission denial asks the user for a new message; the
// recursion limit is not continued.
func (s *Session) Invoke(ctx context.Context, message string, opts InvokeOptions) string {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	threadID := opts.ThreadID
	if threadID == "" {
		threadID = uuid.NewString()
	}
	if err := validateThreadID(s.checkpoints, threadID); err != nil {
		s.logger.Error().Err(err).Msg("Rejected invoke thread id")
		s.ui.Error(err.Error())
		return FailedText
	}
	ctx = tracing.NewTurnContext(ctx, threadID)
	if len(opts.ExtraContext) > 0 {
		message += "\n\nExtra context you must know:\n" + strings.Join(opts.ExtraContext, "\n")
	}

	result := s.invoke(ctx, threadID, message)
	if !result.OK {
		return FailedText
	}

	text := strings.TrimSpace(result.Text)
	if text == "" {
		return NoMessagesText
	}
	if !opts.IncludeThinking {
		text = StripThinking(text)
	}
	return text
}

func (s *Session) invoke(ctx context.Context, threadID, message string) recovery.Result {
	state, err := s.checkpoints.Load(ctx, threadID)
	if err != nil {
		s.logger.Error().Err(err).Str("thread_id", threadID).Msg("Failed to load checkpoint")
		return recovery.Result{Kind: recovery.KindDataAccess, Err: err}
	}

	run := func(text string) recovery.Operation {
		return func(ctx context.Context) (string, error) {
			return s.machine.Run(ctx, state, conversation.Human(text))
		}
	}

	result := s.engine.Run(ctx, recovery.Plan{
		Op: run(message),
		Reject: func(ctx context.Context) (string, error) {
			text, err := s.ui.Input(ctx, s.Model(), s.workingDir)
			if err != nil {
				return "", err
			}
			return run(strings.TrimSpace(text))(ctx)
		},
		Continue: run(ContinuePrompt),
	})

	if err := s.checkpoints.Save(context.WithoutCancel(ctx), state); err != nil {
		s.logger.Error().Err(err).Str("thread_id", threadID).Msg("Failed to save checkpoint")
	}
	return result
}
