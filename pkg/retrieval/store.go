package retrieval

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/harun/ally/internal/observability"
	"github.com/harun/ally/internal/tracing"
	"github.com/harun/ally/pkg/recovery"
	gonanoid "github.com/matoous/go-nanoid/v2"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

func init() {
	// Auto-register sqlite-vec extension
	sqlite_vec.Auto()
}

// ErrDataAccess marks failures of the vector store
var ErrDataAccess = recovery.ErrDataAccess

// Document is one stored chunk. ID names the chunk within its file version.
type Document struct {
	ID       string
	FilePath string
	Content  string
	Hash     string
	ModDate  string
	Metadata map[string]interface{}
}

// CollectionInfo summarizes a stored collection
type CollectionInfo struct {
	Name      string    `json:"name"`
	Documents int       `json:"documents"`
	CreatedAt time.Time `json:"created_at"`
}

// Config holds vector store configuration
type Config struct {
	DBPath   string
	Embedder Embedder
	Logger   zerolog.Logger
}

// Store persists collections of embedded chunks in sqlite with the vec0 extension.
// One Store is opened per process and passed to whoever needs it.
type Store struct {
	db       *sql.DB
	embedder Embedder
	logger   zerolog.Logger
	mu       sync.Mutex
}

// Open opens or creates the store at cfg.DBPath
func Open(cfg Config) (*Store, error) {
	observability.EnsureRegistered()

	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}
	if cfg.Embedder == nil {
		return nil, errors.New("embedder is required")
	}

	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %v", ErrDataAccess, err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: failed to enable WAL mode: %v", ErrDataAccess, err)
	}

	s := &Store{
		db:       db,
		embedder: cfg.Embedder,
		logger:   cfg.Logger,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: failed to initialize schema: %v", ErrDataAccess, err)
	}

	s.logger.Debug().Str("path", cfg.DBPath).Msg("Vector store opened")
	return s, nil
}

// initSchema creates database tables
func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS collections (
			name TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			collection TEXT NOT NULL,
			file_path TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata TEXT NOT NULL,
			hash TEXT NOT NULL,
			mod_date TEXT NOT NULL,
			FOREIGN KEY (collection) REFERENCES collections(name) ON DELETE CASCADE
		);
		CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents(collection);
		CREATE INDEX IF NOT EXISTS idx_documents_file ON documents(collection, file_path);

		CREATE TABLE IF NOT EXISTS sources (
			collection TEXT NOT NULL,
			dir TEXT NOT NULL,
			stale INTEGER NOT NULL DEFAULT 0,
			synced_at INTEGER NOT NULL,
			PRIMARY KEY (collection, dir)
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	vectorSchema := fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS embeddings USING vec0(
			document_id TEXT PRIMARY KEY,
			embedding float[%d] distance_metric=cosine
		);
	`, s.embedder.Dimension())

	if _, err := s.db.Exec(vectorSchema); err != nil {
		return fmt.Errorf("failed to create vector table: %w", err)
	}
	return nil
}

// Close closes the store
func (s *Store) Close() error {
	return s.db.Close()
}

// Collection returns a handle on the named collection. It does not touch the database.
func (s *Store) Collection(name string) *Collection {
	return &Collection{name: name, store: s}
}

// ListCollections returns all collections with their document counts
func (s *Store) ListCollections(ctx context.Context) ([]CollectionInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.name, c.created_at, COUNT(d.id)
		FROM collections c
		LEFT JOIN documents d ON d.collection = c.name
		GROUP BY c.name
		ORDER BY c.name
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataAccess, err)
	}
	defer rows.Close()

	var out []CollectionInfo
	for rows.Next() {
		var info CollectionInfo
		var created int64
		if err := rows.Scan(&info.Name, &created, &info.Documents); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDataAccess, err)
		}
		info.CreatedAt = time.Unix(created, 0)
		out = append(out, info)
	}
	return out, rows.Err()
}

// HasCollection reports whether name exists
func (s *Store) HasCollection(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM collections WHERE name = ?", name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrDataAccess, err)
	}
	return n > 0, nil
}

// DeleteCollection removes a collection with its documents, embeddings and sources
func (s *Store) DeleteCollection(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDataAccess, err)
	}
	defer tx.Rollback()

	stmts := []string{
		"DELETE FROM embeddings WHERE document_id IN (SELECT id FROM documents WHERE collection = ?)",
		"DELETE FROM documents WHERE collection = ?",
		"DELETE FROM sources WHERE collection = ?",
		"DELETE FROM collections WHERE name = ?",
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt, name); err != nil {
			return fmt.Errorf("%w: %v", ErrDataAccess, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrDataAccess, err)
	}
	s.logger.Info().Str("collection", name).Msg("Collection deleted")
	return nil
}

// Purge deletes every collection
func (s *Store) Purge(ctx context.Context) error {
	cols, err := s.ListCollections(ctx)
	if err != nil {
		return err
	}
	for _, c := range cols {
		if err := s.DeleteCollection(ctx, c.Name); err != nil {
			return err
		}
	}
	return nil
}

// Collection is a named, independently searchable partition of the store
type Collection struct {
	name  string
	store *Store
}

// Name returns the collection name
func (c *Collection) Name() string {
	return c.name
}

// Query returns up to k candidates nearest to text, ascending by cosine distance
func (c *Collection) Query(ctx context.Context, text string, k int) ([]Candidate, error) {
	ctx, span := tracing.StartSpan(ctx, "ally.retrieval", "collection.query",
		attribute.String("collection", c.name),
		attribute.Int("k", k),
	)
	var err error
	defer func() { tracing.EndSpan(span, err) }()

	vectors, err := c.store.embedder.Embed(ctx, []string{text})
	if err != nil {
		err = fmt.Errorf("%w: failed to embed query: %v", ErrDataAccess, err)
		return nil, err
	}
	if len(vectors) != 1 {
		err = fmt.Errorf("%w: embedder returned %d vectors", ErrDataAccess, len(vectors))
		return nil, err
	}

	embeddingJSON, err := json.Marshal(vectors[0])
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding: %w", err)
	}

	rows, err := c.store.db.QueryContext(ctx, `
		SELECT d.content, d.metadata, vec_distance_cosine(e.embedding, ?) AS distance
		FROM embeddings e
		JOIN documents d ON d.id = e.document_id
		WHERE d.collection = ?
		ORDER BY distance ASC
		LIMIT ?
	`, string(embeddingJSON), c.name, k)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrDataAccess, err)
		return nil, err
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var cand Candidate
		var metaJSON string
		if err = rows.Scan(&cand.Document, &metaJSON, &cand.Distance); err != nil {
			err = fmt.Errorf("%w: %v", ErrDataAccess, err)
			return nil, err
		}
		if metaJSON != "" {
			if jerr := json.Unmarshal([]byte(metaJSON), &cand.Metadata); jerr != nil {
				c.store.logger.Warn().Err(jerr).Str("collection", c.name).Msg("Invalid document metadata")
			}
		}
		cand.Collection = c.name
		out = append(out, cand)
	}
	if err = rows.Err(); err != nil {
		err = fmt.Errorf("%w: %v", ErrDataAccess, err)
		return nil, err
	}
	return out, nil
}

// FileState returns the stored hash and modification date of filePath.
// found is false when the collection holds no chunk of the file.
func (c *Collection) FileState(ctx context.Context, filePath string) (hash, modDate string, found bool, err error) {
	err = c.store.db.QueryRowContext(ctx,
		"SELECT hash, mod_date FROM documents WHERE collection = ? AND file_path = ? LIMIT 1",
		c.name, filePath,
	).Scan(&hash, &modDate)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fmt.Errorf("%w: %v", ErrDataAccess, err)
	}
	return hash, modDate, true, nil
}

// ReplaceFile removes previous chunks of filePath and stores docs with their embeddings
func (c *Collection) ReplaceFile(ctx context.Context, filePath string, docs []Document) error {
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}

	var vectors [][]float32
	if len(texts) > 0 {
		var err error
		vectors, err = c.store.embedder.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("failed to embed %s: %w", filePath, err)
		}
		if len(vectors) != len(docs) {
			return fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(docs))
		}
	}

	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	tx, err := c.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDataAccess, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO collections (name, created_at) VALUES (?, ?)",
		c.name, time.Now().Unix(),
	); err != nil {
		return fmt.Errorf("%w: %v", ErrDataAccess, err)
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM embeddings WHERE document_id IN (SELECT id FROM documents WHERE collection = ? AND file_path = ?)",
		c.name, filePath,
	); err != nil {
		return fmt.Errorf("%w: %v", ErrDataAccess, err)
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM documents WHERE collection = ? AND file_path = ?",
		c.name, filePath,
	); err != nil {
		return fmt.Errorf("%w: %v", ErrDataAccess, err)
	}

	for i, d := range docs {
		metaJSON, err := json.Marshal(d.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		id, err := gonanoid.New()
		if err != nil {
			return fmt.Errorf("failed to generate document id: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO documents (id, collection, file_path, content, metadata, hash, mod_date) VALUES (?, ?, ?, ?, ?, ?, ?)",
			id, c.name, filePath, d.Content, string(metaJSON), d.Hash, d.ModDate,
		); err != nil {
			return fmt.Errorf("%w: %v", ErrDataAccess, err)
		}

		embeddingJSON, err := json.Marshal(vectors[i])
		if err != nil {
			return fmt.Errorf("failed to marshal embedding: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO embeddings (document_id, embedding) VALUES (?, ?)",
			id, string(embeddingJSON),
		); err != nil {
			return fmt.Errorf("%w: failed to store embedding: %v", ErrDataAccess, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrDataAccess, err)
	}
	return nil
}

// TrackSource records dir as a source of the collection for resync
func (c *Collection) TrackSource(ctx context.Context, dir string) error {
	_, err := c.store.db.ExecContext(ctx, `
		INSERT INTO sources (collection, dir, stale, synced_at) VALUES (?, ?, 0, ?)
		ON CONFLICT(collection, dir) DO UPDATE SET stale = 0, synced_at = excluded.synced_at
	`, c.name, dir, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDataAccess, err)
	}
	return nil
}

// Source is a directory embedded into a collection
type Source struct {
	Collection string
	Dir        string
	Stale      bool
	SyncedAt   time.Time
}

// Sources lists every tracked source directory
func (s *Store) Sources(ctx context.Context) ([]Source, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT collection, dir, stale, synced_at FROM sources ORDER BY collection, dir")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataAccess, err)
	}
	defer rows.Close()

	var out []Source
	for rows.Next() {
		var src Source
		var stale int
		var synced int64
		if err := rows.Scan(&src.Collection, &src.Dir, &stale, &synced); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDataAccess, err)
		}
		src.Stale = stale != 0
		src.SyncedAt = time.Unix(synced, 0)
		out = append(out, src)
	}
	return out, rows.Err()
}

// MarkStale flags every source whose directory is dir
func (s *Store) MarkStale(ctx context.Context, dir string) error {
	if _, err := s.db.ExecContext(ctx, "UPDATE sources SET stale = 1 WHERE dir = ?", dir); err != nil {
		return fmt.Errorf("%w: %v", ErrDataAccess, err)
	}
	return nil
}
