package coretools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/harun/ally/pkg/toolexecutor"
	"github.com/rs/zerolog"
)

const (
	// DefaultSearchEndpoint is the Google Custom Search JSON API
	DefaultSearchEndpoint = "https://customsearch.googleapis.com/customsearch/v1"

	defaultSearchTimeout = 10 * time.Second
	defaultSearchResults = 5
	searchPageSize       = 10
	scrapeChars          = 8000

	// SearchUnavailableText is returned by web_search without credentials
	SearchUnavailableText = "[ERROR] Web search functionality is not available."
	searchIncompleteText  = "This answer is **possibly incomplete**. Consider refining search terms as needed.\n\n"
)

// ErrSearchUnavailable is returned when no API key or engine id is configured
var ErrSearchUnavailable = errors.New("web search requires GOOGLE_SEARCH_API_KEY and SEARCH_ENGINE_ID")

// SearchConfig configures a SearchClient
type SearchConfig struct {
	APIKey   string
	EngineID string
	// Endpoint overrides DefaultSearchEndpoint
	Endpoint   string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// SearchClient queries the Google Custom Search API
type SearchClient struct {
	cfg        SearchConfig
	httpClient *http.Client
}

// SearchResult is one hit of a web search
type SearchResult struct {
	Title string `json:"title"`
	Link  string `json:"link"`
}

// NewSearchClient creates a search client
func NewSearchClient(cfg SearchConfig) *SearchClient {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultSearchEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSearchTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &SearchClient{cfg: cfg, httpClient: client}
}

// Available reports whether credentials are configured
func (c *SearchClient) Available() bool {
	return c != nil && c.cfg.APIKey != "" && c.cfg.EngineID != ""
}

type searchResponse struct {
	Items []struct {
		Title string `json:"title"`
		Link  string `json:"link"`
	} `json:"items"`
	Queries map[string]json.RawMessage `json:"queries"`
}

// Search returns up to n results, paging ten at a time until the API reports
// no next page
func (c *SearchClient) Search(ctx context.Context, query string, n int) ([]SearchResult, error) {
	if !c.Available() {
		return nil, ErrSearchUnavailable
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("query is required")
	}
	if n <= 0 {
		n = defaultSearchResults
	}

	results := make([]SearchResult, 0, n)
	start := 1
	for len(results) < n {
		batch := min(searchPageSize, n-len(results))
		page, err := c.fetchPage(ctx, query, batch, start)
		if err != nil {
			return nil, err
		}

		for _, item := range page.Items {
			results = append(results, SearchResult{Title: item.Title, Link: item.Link})
			if len(results) == n {
				break
			}
		}

		start += batch
		if _, ok := page.Queries["nextPage"]; !ok {
			break
		}
	}

	c.cfg.Logger.Debug().Str("query", query).Int("results", len(results)).Msg("Web search finished")
	return results, nil
}

func (c *SearchClient) fetchPage(ctx context.Context, query string, num, start int) (*searchResponse, error) {
	params := url.Values{}
	params.Set("key", c.cfg.APIKey)
	params.Set("cx", c.cfg.EngineID)
	params.Set("q", query)
	params.Set("num", strconv.Itoa(num))
	params.Set("start", strconv.Itoa(start))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.Endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create search request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("search API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var page searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}
	return &page, nil
}

// Scraper returns the readable text of a URL. *PageFetcher implements it.
type Scraper interface {
	Fetch(ctx context.Context, target string, maxChars int) (*Page, error)
}

// SearchOptions configures the web research tools
type SearchOptions struct {
	Search  *SearchClient
	Scraper Scraper
	// Results is the number of pages scraped per query
	Results int
	Logger  zerolog.Logger
}

// RegisterSearchTools registers web_search, plus fetch_page when the scraper
// is a *PageFetcher
func RegisterSearchTools(registry *toolexecutor.Registry, opts SearchOptions) error {
	if registry == nil {
		return errors.New("tool registry is required")
	}

	tools := []toolexecutor.ToolDefinition{webSearchTool(opts)}
	if fetcher, ok := opts.Scraper.(*PageFetcher); ok && fetcher != nil {
		tools = append(tools, fetchPageTool(Options{Fetcher: fetcher, Logger: opts.Logger}))
	}

	for _, tool := range tools {
		if err := registry.RegisterTool(tool); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", tool.Name, err)
		}
	}
	return nil
}

// SearchAndScrape searches for query and returns the title and text of each
// top result. Pages that fail to load keep their title with an error note.
func SearchAndScrape(ctx context.Context, opts SearchOptions, query string) string {
	if !opts.Search.Available() || opts.Scraper == nil {
		return SearchUnavailableText
	}

	n := opts.Results
	if n <= 0 {
		n = defaultSearchResults
	}
	results, err := opts.Search.Search(ctx, query, n)
	if err != nil {
		opts.Logger.Warn().Err(err).Str("query", query).Msg("Web search failed")
		return fmt.Sprintf("[ERROR] Failed to perform web search: %v", err)
	}

	var b strings.Builder
	b.WriteString(searchIncompleteText)
	for _, r := range results {
		var text string
		page, err := opts.Scraper.Fetch(ctx, r.Link, scrapeChars)
		if err != nil {
			opts.Logger.Debug().Err(err).Str("url", r.Link).Msg("Failed to scrape search result")
			text = fmt.Sprintf("[ERROR] Failed to fetch %s: %v", r.Link, err)
		} else {
			text = page.Text
		}
		fmt.Fprintf(&b, "# Title: \n%s\n\n", r.Title)
		fmt.Fprintf(&b, "# Content: \n%s\n\n", text)
	}
	return b.String()
}

func webSearchTool(opts SearchOptions) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name: "web_search",
		Description: "Search the web and return the title and full text of the top results. " +
			"Use it for technical topics, current documentation, tutorials and best practices.",
		Category: toolexecutor.CategoryWeb,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "query", Type: "string", Description: "Search query", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			query, _ := params["query"].(string)
			return SearchAndScrape(ctx, opts, query), nil
		},
	}
}
