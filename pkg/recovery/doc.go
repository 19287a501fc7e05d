// Package recovery holds the error taxonomy shared by the agent runtime and
// the retry policy that decides what to do after a failed operation.
//
// Invariants:
// - Decide is pure: the same Input always yields the same Decision.
// - A RecursionLimitExceeded failure is never continued once the retry
//   counter reaches MaxRetries, whatever the user answers.
// - The retry counter lives in a single Run call and starts at zero.
//
// Usage:
//
//	engine := recovery.NewEngine(recovery.Config{Prompter: ui, Logger: logger})
//	res := engine.Run(ctx, recovery.Plan{
//		Op:       func(ctx context.Context) (string, error) { return turn(ctx, input) },
//		Continue: func(ctx context.Context) (string, error) { return turn(ctx, continuePrompt) },
//	})
package recovery
