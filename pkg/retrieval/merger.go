package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/harun/ally/internal/observability"
	"github.com/harun/ally/internal/tracing"
	"github.com/harun/ally/pkg/conversation"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultTopK is the global number of merged results
const DefaultTopK = 5

// RAGInstruction prefixes the merged documents in the synthetic message
const RAGInstruction = "\n\nAnswer only from these documents. If irrelevant, say 'I don't know' unless user allows outside knowledge.\n"

// Candidate is a single nearest-neighbor hit. Lower distance is more relevant.
type Candidate struct {
	Document   string                 `json:"document"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Distance   float64                `json:"distance"`
	Collection string                 `json:"collection,omitempty"`
}

// Searcher is a vector collection client
type Searcher interface {
	Query(ctx context.Context, text string, k int) ([]Candidate, error)
}

// SearcherSource resolves collection names to searchers
type SearcherSource interface {
	Searcher(name string) Searcher
}

// Searcher implements SearcherSource
func (s *Store) Searcher(name string) Searcher {
	return s.Collection(name)
}

// MergerConfig configures a Merger
type MergerConfig struct {
	Source SearcherSource
	TopK   int
	Logger zerolog.Logger
}

// Merger ranks candidates across every enabled collection
type Merger struct {
	source SearcherSource
	topK   int
	logger zerolog.Logger
}

// NewMerger creates a merger
func NewMerger(cfg MergerConfig) (*Merger, error) {
	if cfg.Source == nil {
		return nil, errors.New("searcher source is required")
	}
	topK := cfg.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &Merger{source: cfg.Source, topK: topK, logger: cfg.Logger}, nil
}

// TopK returns the global result bound
func (m *Merger) TopK() int {
	return m.topK
}

// Merge queries each enabled collection for up to K candidates, sorts all of
// them ascending by distance and keeps the first K. A failing collection
// aborts the merge with an error wrapping ErrDataAccess.
func (m *Merger) Merge(ctx context.Context, query string, enabled map[string]bool) ([]Candidate, error) {
	ctx, span := tracing.StartSpan(ctx, "ally.retrieval", "retrieval.merge",
		attribute.Int("top_k", m.topK),
	)
	logger := tracing.LoggerFromContext(ctx, m.logger)
	start := time.Now()

	names := make([]string, 0, len(enabled))
	for name, on := range enabled {
		if on {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var all []Candidate
	for _, name := range names {
		cands, err := m.source.Searcher(name).Query(ctx, query, m.topK)
		if err != nil {
			if !errors.Is(err, ErrDataAccess) {
				err = fmt.Errorf("%w: %v", ErrDataAccess, err)
			}
			err = fmt.Errorf("query collection %s: %w", name, err)
			observability.RecordRetrievalQuery(time.Since(start), false)
			tracing.EndSpan(span, err)
			return nil, err
		}
		all = append(all, cands...)
	}

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Distance < all[j].Distance
	})
	if len(all) > m.topK {
		all = all[:m.topK]
	}

	observability.RecordRetrievalQuery(time.Since(start), true)
	span.SetAttributes(attribute.Int("results", len(all)))
	tracing.EndSpan(span, nil)

	logger.Debug().
		Strs("collections", names).
		Int("results", len(all)).
		Msg("Retrieval merged")

	return all, nil
}

// WrapResults builds the synthetic message carrying the merged documents.
// ok is false when there is nothing to inject.
func WrapResults(cands []Candidate) (conversation.Message, bool) {
	if len(cands) == 0 {
		return conversation.Message{}, false
	}
	lines := make([]string, len(cands))
	for i, c := range cands {
		lines[i] = "- " + c.Document
	}
	return conversation.Synthetic(RAGInstruction + strings.Join(lines, "\n")), true
}

// References returns the distinct file_path metadata of cands, sorted
func References(cands []Candidate) []string {
	seen := make(map[string]bool)
	var refs []string
	for _, c := range cands {
		path, ok := c.Metadata["file_path"].(string)
		if !ok || path == "" || seen[path] {
			continue
		}
		seen[path] = true
		refs = append(refs, path)
	}
	sort.Strings(refs)
	return refs
}
