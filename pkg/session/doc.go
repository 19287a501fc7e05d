// Package session persists conversation checkpoints, one JSONL file per
// thread id.
//
// Invariants:
// - Thread ids are validated and path-safe.
// - Saves for the same thread are serialized and replace the file atomically.
// - A thread that was never saved loads as an empty state.
// - Load and save are observable via tracing and metrics.
//
// Usage:
//
//	store, _ := session.NewStore(session.Config{Dir: "/tmp/ally/history"})
//	state, _ := store.Load(ctx, "thread-1")
//	state.Append(conversation.Human("hello"))
//	_ = store.Save(ctx, state)
package session
