package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/harun/ally/internal/observability"
	"github.com/harun/ally/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultChunkSize    = 50
	DefaultChunkOverlap = 10
)

// TextExtensions are the file types read as plain text
var TextExtensions = map[string]bool{
	".txt": true, ".md": true, ".markdown": true, ".log": true, ".json": true,
	".xml": true, ".yaml": true, ".yml": true, ".html": true, ".csv": true,
}

// ErrUnsupportedFile is returned for files that cannot be read as text
var ErrUnsupportedFile = errors.New("unsupported file type")

// IngestReport counts the outcome of an EmbedDirectory run
type IngestReport struct {
	Embedded  int
	Unchanged int
	Skipped   int
	Failed    int
	Chunks    int
}

// IngestorConfig configures an Ingestor
type IngestorConfig struct {
	Store        *Store
	ChunkSize    int
	ChunkOverlap int
	// OnFailure is told about files that could not be embedded
	OnFailure func(path string, err error)
	Logger    zerolog.Logger
}

// Ingestor embeds directories of text files into collections
type Ingestor struct {
	store     *Store
	size      int
	overlap   int
	onFailure func(path string, err error)
	logger    zerolog.Logger
}

// NewIngestor creates an ingestor
func NewIngestor(cfg IngestorConfig) (*Ingestor, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	size, overlap := cfg.ChunkSize, cfg.ChunkOverlap
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	onFailure := cfg.OnFailure
	if onFailure == nil {
		onFailure = func(string, error) {}
	}
	return &Ingestor{
		store:     cfg.Store,
		size:      size,
		overlap:   overlap,
		onFailure: onFailure,
		logger:    cfg.Logger,
	}, nil
}

// Chunk splits content into windows of size runes starting every size-overlap runes
func Chunk(content string, size, overlap int) []string {
	runes := []rune(content)
	if len(runes) == 0 || size <= 0 {
		return nil
	}
	step := size - overlap
	if step <= 0 {
		step = size
	}

	var chunks []string
	for i := 0; i < len(runes); i += step {
		end := i + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[i:end]))
	}
	return chunks
}

// EmbedDirectory walks dir and embeds every new or modified text file into
// collection. A file that fails is reported through OnFailure and skipped.
func (in *Ingestor) EmbedDirectory(ctx context.Context, dir, collection string) (IngestReport, error) {
	var report IngestReport

	if dir == "." || dir == "./" {
		wd, err := os.Getwd()
		if err != nil {
			return report, fmt.Errorf("failed to resolve working directory: %w", err)
		}
		dir = wd
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return report, fmt.Errorf("failed to resolve %s: %w", dir, err)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return report, fmt.Errorf("directory %s does not exist", dir)
	}

	ctx, span := tracing.StartSpan(ctx, "ally.retrieval", "retrieval.embed_directory",
		attribute.String("dir", abs),
		attribute.String("collection", collection),
	)
	defer func() { tracing.EndSpan(span, err) }()
	logger := tracing.LoggerFromContext(ctx, in.logger)

	col := in.store.Collection(collection)

	err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			report.Failed++
			in.onFailure(path, walkErr)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if path != abs && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}

		embedded, chunks, ferr := in.embedFile(ctx, col, path)
		switch {
		case errors.Is(ferr, ErrUnsupportedFile):
			report.Skipped++
		case ferr != nil:
			report.Failed++
			logger.Warn().Err(ferr).Str("file", path).Msg("Failed to embed file")
			in.onFailure(path, ferr)
		case embedded:
			report.Embedded++
			report.Chunks += chunks
		default:
			report.Unchanged++
		}
		return nil
	})
	if err != nil {
		return report, err
	}

	if err = col.TrackSource(ctx, abs); err != nil {
		return report, err
	}

	observability.AddChunksEmbedded(report.Chunks)
	logger.Info().
		Str("collection", collection).
		Int("embedded", report.Embedded).
		Int("unchanged", report.Unchanged).
		Int("skipped", report.Skipped).
		Int("failed", report.Failed).
		Int("chunks", report.Chunks).
		Msg("Directory embedded")

	return report, nil
}

// WasModified reports whether path differs from what collection stored.
// Files never stored count as modified.
func (in *Ingestor) WasModified(ctx context.Context, collection, path string) (bool, error) {
	hash, modDate, err := fileFingerprint(path)
	if err != nil {
		return false, err
	}
	return in.wasModified(ctx, in.store.Collection(collection), path, hash, modDate)
}

func (in *Ingestor) wasModified(ctx context.Context, col *Collection, path, hash, modDate string) (bool, error) {
	storedHash, storedMod, found, err := col.FileState(ctx, path)
	if err != nil {
		return false, err
	}
	if !found || storedHash == "" || storedMod == "" {
		return true, nil
	}
	return storedHash != hash || storedMod != modDate, nil
}

func (in *Ingestor) embedFile(ctx context.Context, col *Collection, path string) (bool, int, error) {
	if !TextExtensions[strings.ToLower(filepath.Ext(path))] {
		return false, 0, ErrUnsupportedFile
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return false, 0, err
	}
	hash, modDate, err := fileFingerprint(path)
	if err != nil {
		return false, 0, err
	}

	modified, err := in.wasModified(ctx, col, path, hash, modDate)
	if err != nil {
		return false, 0, err
	}
	if !modified {
		return false, 0, nil
	}

	chunks := Chunk(string(content), in.size, in.overlap)
	docs := make([]Document, len(chunks))
	for i, text := range chunks {
		docs[i] = Document{
			ID:       fmt.Sprintf("%s_%d", hash, i),
			FilePath: path,
			Content:  text,
			Hash:     hash,
			ModDate:  modDate,
			Metadata: map[string]interface{}{
				"file_path": path,
				"hash":      hash,
				"mod_date":  modDate,
				"chunk_id":  fmt.Sprintf("%s_%d", hash, i),
			},
		}
	}

	if err := col.ReplaceFile(ctx, path, docs); err != nil {
		return false, 0, err
	}
	return true, len(docs), nil
}

func fileFingerprint(path string) (hash, modDate string, err error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", "", err
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", "", err
	}
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:]), info.ModTime().UTC().Format(time.RFC3339Nano), nil
}
