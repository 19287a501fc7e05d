package retrieval

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// keywordEmbedder maps texts onto a fixed vocabulary so distances are predictable
type keywordEmbedder struct {
	vocab []string
	fail  bool
	calls int
}

func newKeywordEmbedder() *keywordEmbedder {
	return &keywordEmbedder{vocab: []string{"apple", "banana", "cherry"}}
}

func (e *keywordEmbedder) Dimension() int {
	return len(e.vocab) + 1
}

func (e *keywordEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	e.calls++
	if e.fail {
		return nil, errors.New("embedding service unavailable")
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, e.Dimension())
		for j, word := range e.vocab {
			if strings.Contains(strings.ToLower(text), word) {
				vec[j] = 1
			}
		}
		vec[len(e.vocab)] = 0.1
		out[i] = vec
	}
	return out, nil
}

func setupTestStore(t *testing.T) (*Store, *keywordEmbedder, string) {
	t.Helper()

	dir := t.TempDir()
	embedder := newKeywordEmbedder()
	store, err := Open(Config{
		DBPath:   filepath.Join(dir, "ally.db"),
		Embedder: embedder,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store, embedder, dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestOpen_InvalidConfig(t *testing.T) {
	t.Run("should require a path", func(t *testing.T) {
		_, err := Open(Config{Embedder: newKeywordEmbedder()})
		assert.Error(t, err)
	})

	t.Run("should require an embedder", func(t *testing.T) {
		_, err := Open(Config{DBPath: filepath.Join(t.TempDir(), "x.db")})
		assert.Error(t, err)
	})
}

func TestCollection_Query(t *testing.T) {
	store, embedder, _ := setupTestStore(t)
	ctx := context.Background()

	col := store.Collection("fruit")
	require.NoError(t, col.ReplaceFile(ctx, "/docs/apple.txt", []Document{
		{ID: "h1_0", Content: "apple pie", Hash: "h1", ModDate: "d1", Metadata: map[string]interface{}{"file_path": "/docs/apple.txt"}},
	}))
	require.NoError(t, col.ReplaceFile(ctx, "/docs/banana.txt", []Document{
		{ID: "h2_0", Content: "banana bread", Hash: "h2", ModDate: "d2", Metadata: map[string]interface{}{"file_path": "/docs/banana.txt"}},
	}))

	t.Run("should order by cosine distance", func(t *testing.T) {
		got, err := col.Query(ctx, "an apple", 2)

		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "apple pie", got[0].Document)
		assert.Equal(t, "/docs/apple.txt", got[0].Metadata["file_path"])
		assert.Less(t, got[0].Distance, got[1].Distance)
		assert.Equal(t, "fruit", got[0].Collection)
	})

	t.Run("should stay inside the collection", func(t *testing.T) {
		other := store.Collection("other")
		got, err := other.Query(ctx, "apple", 5)

		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("should replace previous chunks of a file", func(t *testing.T) {
		require.NoError(t, col.ReplaceFile(ctx, "/docs/apple.txt", []Document{
			{ID: "h3_0", Content: "cherry tart", Hash: "h3", ModDate: "d3", Metadata: map[string]interface{}{"file_path": "/docs/apple.txt"}},
		}))

		got, err := col.Query(ctx, "cherry", 5)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "cherry tart", got[0].Document)

		hash, mod, found, err := col.FileState(ctx, "/docs/apple.txt")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "h3", hash)
		assert.Equal(t, "d3", mod)
	})

	t.Run("should wrap embedder failures as data access errors", func(t *testing.T) {
		embedder.fail = true
		defer func() { embedder.fail = false }()

		_, err := col.Query(ctx, "apple", 1)
		assert.ErrorIs(t, err, ErrDataAccess)
	})
}

func TestStore_Collections(t *testing.T) {
	store, _, _ := setupTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"b", "a"} {
		require.NoError(t, store.Collection(name).ReplaceFile(ctx, "/f.txt", []Document{
			{ID: "x_0", Content: "apple", Hash: "x", ModDate: "y", Metadata: map[string]interface{}{}},
		}))
	}

	t.Run("should list collections sorted by name", func(t *testing.T) {
		cols, err := store.ListCollections(ctx)
		require.NoError(t, err)
		require.Len(t, cols, 2)
		assert.Equal(t, "a", cols[0].Name)
		assert.Equal(t, 1, cols[0].Documents)
	})

	t.Run("should delete a collection", func(t *testing.T) {
		require.NoError(t, store.DeleteCollection(ctx, "a"))

		ok, err := store.HasCollection(ctx, "a")
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := store.Collection("a").Query(ctx, "apple", 5)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("should purge everything", func(t *testing.T) {
		require.NoError(t, store.Purge(ctx))
		cols, err := store.ListCollections(ctx)
		require.NoError(t, err)
		assert.Empty(t, cols)
	})
}

func TestStore_Sources(t *testing.T) {
	store, _, _ := setupTestStore(t)
	ctx := context.Background()

	t.Run("should track and flag sources", func(t *testing.T) {
		require.NoError(t, store.Collection("docs").TrackSource(ctx, "/src"))
		require.NoError(t, store.MarkStale(ctx, "/src"))

		sources, err := store.Sources(ctx)
		require.NoError(t, err)
		require.Len(t, sources, 1)
		assert.True(t, sources[0].Stale)
		assert.WithinDuration(t, time.Now(), sources[0].SyncedAt, time.Minute)

		require.NoError(t, store.Collection("docs").TrackSource(ctx, "/src"))
		sources, err = store.Sources(ctx)
		require.NoError(t, err)
		assert.False(t, sources[0].Stale)
	})
}
