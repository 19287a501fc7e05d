package retrieval

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunk(t *testing.T) {
	t.Run("should produce overlapping windows", func(t *testing.T) {
		content := strings.Repeat("a", 40) + strings.Repeat("b", 40) + strings.Repeat("c", 40)

		chunks := Chunk(content, 50, 10)

		require.Len(t, chunks, 3)
		assert.Equal(t, content[0:50], chunks[0])
		assert.Equal(t, content[40:90], chunks[1])
		assert.Equal(t, content[80:120], chunks[2])
	})

	t.Run("should keep short content whole", func(t *testing.T) {
		assert.Equal(t, []string{"short"}, Chunk("short", 50, 10))
	})

	t.Run("should return nothing for empty content", func(t *testing.T) {
		assert.Empty(t, Chunk("", 50, 10))
	})

	t.Run("should not split multibyte characters", func(t *testing.T) {
		chunks := Chunk(strings.Repeat("é", 60), 50, 10)
		require.Len(t, chunks, 2)
		assert.Equal(t, 50, len([]rune(chunks[0])))
		assert.Equal(t, 20, len([]rune(chunks[1])))
	})
}

func setupTestIngestor(t *testing.T) (*Ingestor, *Store, *keywordEmbedder, string, *[]string) {
	t.Helper()

	store, embedder, _ := setupTestStore(t)
	var mu sync.Mutex
	failures := []string{}
	ingestor, err := NewIngestor(IngestorConfig{
		Store:        store,
		ChunkSize:    50,
		ChunkOverlap: 10,
		OnFailure: func(path string, err error) {
			mu.Lock()
			defer mu.Unlock()
			failures = append(failures, filepath.Base(path))
		},
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)

	src := t.TempDir()
	writeFile(t, filepath.Join(src, "apple.txt"), "apple pie")
	writeFile(t, filepath.Join(src, "notes", "banana.md"), "banana bread")
	writeFile(t, filepath.Join(src, "image.png"), "\x89PNG")
	writeFile(t, filepath.Join(src, ".git", "cherry.txt"), "cherry")

	return ingestor, store, embedder, src, &failures
}

func TestIngestor_EmbedDirectory(t *testing.T) {
	ctx := context.Background()

	t.Run("should embed text files and skip the rest", func(t *testing.T) {
		ingestor, store, _, src, failures := setupTestIngestor(t)

		report, err := ingestor.EmbedDirectory(ctx, src, "docs")

		require.NoError(t, err)
		assert.Equal(t, 2, report.Embedded)
		assert.Equal(t, 1, report.Skipped)
		assert.Equal(t, 2, report.Chunks)
		assert.Empty(t, *failures)

		got, err := store.Collection("docs").Query(ctx, "banana", 1)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "banana bread", got[0].Document)
		assert.Equal(t, filepath.Join(src, "notes", "banana.md"), got[0].Metadata["file_path"])
		assert.NotEmpty(t, got[0].Metadata["hash"])
		assert.NotEmpty(t, got[0].Metadata["mod_date"])

		sources, err := store.Sources(ctx)
		require.NoError(t, err)
		require.Len(t, sources, 1)
		assert.Equal(t, src, sources[0].Dir)
	})

	t.Run("should skip unchanged files on the next run", func(t *testing.T) {
		ingestor, _, embedder, src, _ := setupTestIngestor(t)

		_, err := ingestor.EmbedDirectory(ctx, src, "docs")
		require.NoError(t, err)
		calls := embedder.calls

		report, err := ingestor.EmbedDirectory(ctx, src, "docs")

		require.NoError(t, err)
		assert.Equal(t, 0, report.Embedded)
		assert.Equal(t, 2, report.Unchanged)
		assert.Equal(t, calls, embedder.calls)
	})

	t.Run("should re-embed modified files", func(t *testing.T) {
		ingestor, _, _, src, _ := setupTestIngestor(t)

		_, err := ingestor.EmbedDirectory(ctx, src, "docs")
		require.NoError(t, err)

		path := filepath.Join(src, "apple.txt")
		writeFile(t, path, "apple crumble")
		future := time.Now().Add(time.Hour)
		require.NoError(t, os.Chtimes(path, future, future))

		modified, err := ingestor.WasModified(ctx, "docs", path)
		require.NoError(t, err)
		assert.True(t, modified)

		report, err := ingestor.EmbedDirectory(ctx, src, "docs")
		require.NoError(t, err)
		assert.Equal(t, 1, report.Embedded)
		assert.Equal(t, 1, report.Unchanged)
	})

	t.Run("should report failing files and continue", func(t *testing.T) {
		ingestor, _, embedder, src, failures := setupTestIngestor(t)
		embedder.fail = true

		report, err := ingestor.EmbedDirectory(ctx, src, "docs")

		require.NoError(t, err)
		assert.Equal(t, 2, report.Failed)
		assert.ElementsMatch(t, []string{"apple.txt", "banana.md"}, *failures)
	})

	t.Run("should reject a missing directory", func(t *testing.T) {
		ingestor, _, _, src, _ := setupTestIngestor(t)

		_, err := ingestor.EmbedDirectory(ctx, filepath.Join(src, "missing"), "docs")
		assert.Error(t, err)
	})

	t.Run("should treat never stored files as modified", func(t *testing.T) {
		ingestor, _, _, src, _ := setupTestIngestor(t)

		modified, err := ingestor.WasModified(ctx, "docs", filepath.Join(src, "apple.txt"))
		require.NoError(t, err)
		assert.True(t, modified)
	})
}

func TestScheduler_ResyncStale(t *testing.T) {
	ctx := context.Background()

	t.Run("should re-embed only stale sources", func(t *testing.T) {
		ingestor, store, _, src, _ := setupTestIngestor(t)
		_, err := ingestor.EmbedDirectory(ctx, src, "docs")
		require.NoError(t, err)

		sched, err := NewScheduler(SchedulerConfig{Store: store, Ingestor: ingestor, Schedule: "@hourly", Logger: zerolog.Nop()})
		require.NoError(t, err)

		n, err := sched.ResyncStale(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		writeFile(t, filepath.Join(src, "cherry.txt"), "cherry jam")
		sched.MarkStale(src)

		n, err = sched.ResyncStale(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, err := store.Collection("docs").Query(ctx, "cherry", 1)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "cherry jam", got[0].Document)

		sources, err := store.Sources(ctx)
		require.NoError(t, err)
		assert.False(t, sources[0].Stale)
	})

	t.Run("should reject an invalid schedule", func(t *testing.T) {
		ingestor, store, _, _, _ := setupTestIngestor(t)
		_, err := NewScheduler(SchedulerConfig{Store: store, Ingestor: ingestor, Schedule: "every tuesday"})
		assert.Error(t, err)
	})
}

func TestWatcher(t *testing.T) {
	t.Run("should report the changed source root", func(t *testing.T) {
		root := t.TempDir()
		writeFile(t, filepath.Join(root, "sub", "a.md"), "one")

		var mu sync.Mutex
		var stale []string
		w, err := NewWatcher(zerolog.Nop(), func(dir string) {
			mu.Lock()
			defer mu.Unlock()
			stale = append(stale, dir)
		})
		require.NoError(t, err)
		defer w.Stop()
		w.SetDebounce(20 * time.Millisecond)

		require.NoError(t, w.Watch(root))
		writeFile(t, filepath.Join(root, "sub", "a.md"), "two")

		assert.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(stale) >= 1 && stale[0] == root
		}, 5*time.Second, 20*time.Millisecond)
	})
}
