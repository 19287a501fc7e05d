// Package subagent lets the main agent hand tasks to helper agents and
// tracks those delegated runs.
//
// Invariants:
// - Every delegation runs on a fresh child thread of its own.
// - A run moves pending -> running -> completed, failed or aborted, and a
//   finished run never changes again.
// - Runs left unfinished by a previous process load as aborted.
//
// Usage:
//
//	coordinator := subagent.NewCoordinator(subagent.Config{RegistryPath: path, AutoSave: true})
//	_ = coordinator.Initialize()
//	searcher, _ := subagent.RegisterWebSearcher(registry, coordinator, subagent.WebSearcherConfig{...})
package subagent
