// Package agent drives conversations: the turn state machine, the model
// providers it calls, and the interactive session host around it.
//
// Invariants:
// - Every INFER step appends exactly one AI message.
// - A Run ends at TERMINAL, on an error, or after the recursion limit.
// - Tool results always answer the calls of the AI message before them.
// - Sessions load the checkpoint before a turn and save it after, whatever
//   the outcome.
//
// Usage:
//
//	provider, _ := agent.NewProvider(agent.ProviderConfig{Name: "openai", APIKey: key})
//	machine, _ := agent.NewMachine(agent.MachineConfig{Provider: provider, Model: "gpt-4o", Tools: engine})
//	sess, _ := agent.NewSession(agent.SessionConfig{Machine: machine, Checkpoints: store, UI: ui})
//	_, _ = sess.StartSession(ctx, agent.StartOptions{})
package agent
