package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/harun/ally/pkg/toolexecutor"
)

// ToolRegistrar is the slice of the tool registry needed here
type ToolRegistrar interface {
	RegisterTool(def toolexecutor.ToolDefinition) error
}

// RegisterTools registers the search_documents tool, which queries the
// indexed collections on demand
func RegisterTools(reg ToolRegistrar, merger *Merger, index *IndexRegistry) error {
	return reg.RegisterTool(toolexecutor.ToolDefinition{
		Name:        "search_documents",
		Description: "Search the indexed document collections for passages relevant to a query",
		Category:    toolexecutor.CategoryRead,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "query", Type: "string", Description: "What to look for", Required: true},
			{Name: "collection", Type: "string", Description: "Restrict the search to one collection"},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			query, _ := params["query"].(string)
			if strings.TrimSpace(query) == "" {
				return nil, fmt.Errorf("query is required")
			}

			enabled := index.Enabled()
			if name, _ := params["collection"].(string); name != "" {
				enabled = map[string]bool{name: true}
			}
			if len(enabled) == 0 {
				return "No collections are indexed.", nil
			}

			cands, err := merger.Merge(ctx, query, enabled)
			if err != nil {
				return nil, err
			}
			return FormatCandidates(cands), nil
		},
	})
}

// FormatCandidates renders candidates as numbered passages with their source
func FormatCandidates(cands []Candidate) string {
	if len(cands) == 0 {
		return "No matching documents."
	}
	var b strings.Builder
	for i, c := range cands {
		source, _ := c.Metadata["file_path"].(string)
		fmt.Fprintf(&b, "[%d] %s (distance %.3f)\n%s\n\n", i+1, source, c.Distance, c.Document)
	}
	return strings.TrimRight(b.String(), "\n")
}
