// Package retrieval stores embedded document chunks in sqlite-vec collections
// and merges nearest-neighbor results across the indexed ones.
//
// Invariants:
// - Merge returns at most K candidates, ascending by distance, drawn only from enabled collections.
// - Any collection failure surfaces as an error wrapping ErrDataAccess.
// - A file is re-embedded only when its content hash or modification date changed.
//
// Usage:
//
//	store, _ := retrieval.Open(retrieval.Config{DBPath: "/data/ally.db", Embedder: embedder})
//	defer store.Close()
//	merger, _ := retrieval.NewMerger(retrieval.MergerConfig{Source: store, TopK: 5})
//	cands, err := merger.Merge(ctx, "how do I deploy?", index.Enabled())
//	msg, ok := retrieval.WrapResults(cands)
package retrieval
