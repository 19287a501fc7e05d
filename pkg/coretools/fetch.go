package coretools

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/harun/ally/pkg/toolexecutor"
	"github.com/rs/zerolog"
)

const (
	defaultFetchTimeout = 30 * time.Second
	defaultFetchChars   = 20000
)

// FetcherConfig configures a PageFetcher
type FetcherConfig struct {
	// ChromePath overrides the browser binary rod downloads or finds
	ChromePath string
	// ControlURL attaches to a running browser instead of launching one
	ControlURL     string
	NoSandbox      bool
	AllowLocalhost bool
	Timeout        time.Duration
	Logger         zerolog.Logger
}

// PageFetcher renders pages in a headless browser, launched on first use
type PageFetcher struct {
	cfg FetcherConfig

	mu       sync.Mutex
	browser  *rod.Browser
	launcher *launcher.Launcher
}

// Page is the readable content of a fetched URL
type Page struct {
	URL       string `json:"url"`
	Title     string `json:"title"`
	Text      string `json:"text"`
	Truncated bool   `json:"truncated"`
}

// NewPageFetcher creates a fetcher. No browser starts until the first Fetch.
func NewPageFetcher(cfg FetcherConfig) *PageFetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultFetchTimeout
	}
	return &PageFetcher{cfg: cfg}
}

// ValidateURL accepts absolute http(s) URLs, refusing local hosts unless allowed
func (f *PageFetcher) ValidateURL(raw string) (*url.URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme %q", parsed.Scheme)
	}
	if parsed.Hostname() == "" {
		return nil, fmt.Errorf("URL %q has no host", raw)
	}
	if !f.cfg.AllowLocalhost && isLocalHost(parsed.Hostname()) {
		return nil, fmt.Errorf("local URLs are not allowed: %s", raw)
	}
	return parsed, nil
}

func isLocalHost(host string) bool {
	host = strings.ToLower(host)
	return host == "localhost" ||
		host == "::1" ||
		host == "0.0.0.0" ||
		strings.HasPrefix(host, "127.") ||
		strings.HasSuffix(host, ".localhost")
}

// Fetch loads target and returns its visible text, cut at maxChars runes
func (f *PageFetcher) Fetch(ctx context.Context, target string, maxChars int) (*Page, error) {
	parsed, err := f.ValidateURL(target)
	if err != nil {
		return nil, err
	}
	if maxChars <= 0 {
		maxChars = defaultFetchChars
	}

	browser, err := f.connect()
	if err != nil {
		return nil, err
	}

	page, err := browser.Context(ctx).Timeout(f.cfg.Timeout).Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, fmt.Errorf("failed to open page: %w", err)
	}
	defer page.Close()

	if err := page.Navigate(parsed.String()); err != nil {
		return nil, fmt.Errorf("failed to navigate to %s: %w", parsed, err)
	}
	if err := page.WaitLoad(); err != nil {
		return nil, fmt.Errorf("page load timeout: %w", err)
	}

	result := &Page{URL: parsed.String()}
	if info, err := page.Info(); err == nil {
		result.Title = info.Title
		result.URL = info.URL
	}

	text, err := page.Eval(`() => document.body ? document.body.innerText : ""`)
	if err != nil {
		return nil, fmt.Errorf("failed to extract text: %w", err)
	}
	result.Text, result.Truncated = truncateRunes(strings.TrimSpace(text.Value.String()), maxChars)

	f.cfg.Logger.Debug().Str("url", result.URL).Int("chars", len(result.Text)).Msg("Page fetched")
	return result, nil
}

func (f *PageFetcher) connect() (*rod.Browser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.browser != nil {
		return f.browser, nil
	}

	controlURL := f.cfg.ControlURL
	if controlURL == "" {
		l := launcher.New().Headless(true)
		if f.cfg.NoSandbox {
			l = l.NoSandbox(true)
		}
		if f.cfg.ChromePath != "" {
			l = l.Bin(f.cfg.ChromePath)
		}
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("failed to launch browser: %w", err)
		}
		f.launcher = l
		controlURL = u
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		if f.launcher != nil {
			f.launcher.Kill()
			f.launcher = nil
		}
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}
	f.browser = browser
	return browser, nil
}

// Close shuts the browser down if one was started
func (f *PageFetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var err error
	if f.browser != nil {
		err = f.browser.Close()
		f.browser = nil
	}
	if f.launcher != nil {
		f.launcher.Kill()
		f.launcher = nil
	}
	return err
}

func truncateRunes(s string, max int) (string, bool) {
	runes := []rune(s)
	if len(runes) <= max {
		return s, false
	}
	return string(runes[:max]), true
}

func fetchPageTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "fetch_page",
		Description: "Open a web page in a headless browser and return its title and visible text.",
		Category:    toolexecutor.CategoryWeb,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "url", Type: "string", Description: "Absolute http or https URL", Required: true},
			{Name: "max_chars", Type: "number", Description: "Maximum characters of text to return (default 20000)", Required: false, Default: defaultFetchChars},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			target, _ := params["url"].(string)
			return opts.Fetcher.Fetch(ctx, target, intParam(params["max_chars"], defaultFetchChars))
		},
	}
}
