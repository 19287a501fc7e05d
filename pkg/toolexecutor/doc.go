// Package toolexecutor registers tools, gates side effects behind user
// approval, and executes the tool calls of one model message.
//
// Invariants:
// - Tool names are unique within a Registry.
// - Arguments are schema-validated before a handler runs.
// - A batch runs strictly one call at a time, in the order the model issued them.
// - A permission denial never aborts a batch; any other tool failure does,
//   unless the Engine swallows tool errors.
// - The Gate is only widened by explicit user action.
//
// Usage:
//
//	reg := toolexecutor.NewRegistry()
//	_ = reg.RegisterTool(toolexecutor.ToolDefinition{
//		Name: "echo",
//		Description: "Echo input",
//		Parameters: []toolexecutor.ToolParameter{{Name: "text", Type: "string", Description: "text", Required: true}},
//		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) { return params["text"], nil },
//	})
//	engine := toolexecutor.NewEngine(toolexecutor.EngineConfig{Registry: reg, Gate: toolexecutor.NewGate(handler)})
//	results, err := engine.Execute(ctx, aiMessage.ToolCalls)
package toolexecutor
