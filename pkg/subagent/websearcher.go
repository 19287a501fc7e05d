package subagent

import (
	"errors"
	"time"

	"github.com/harun/ally/pkg/agent"
	"github.com/harun/ally/pkg/coretools"
	"github.com/harun/ally/pkg/toolexecutor"
	"github.com/rs/zerolog"
)

const (
	// WebSearcherAgent names the research helper in run records
	WebSearcherAgent = "web_searcher"
	// WebSearcherTool is the tool the main agent delegates research through
	WebSearcherTool = "ask_web_searcher"

	webSearcherRecursionLimit = 25
)

// DefaultWebSearcherPrompt is used when no web searcher prompt is configured
const DefaultWebSearcherPrompt = `You are a web research assistant.
Use web_search to find current information, and fetch_page to read a specific page in full.
Answer with a concise summary of what you found and list the URLs you relied on.
If the search tools report an error, say so instead of guessing.`

// WebSearcherConfig configures the research helper
type WebSearcherConfig struct {
	Provider     agent.LLMProvider
	Model        string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
	Search       *coretools.SearchClient
	Scraper      coretools.Scraper
	// Results is the number of pages web_search scrapes per query
	Results     int
	Checkpoints agent.CheckpointStore
	UI          agent.UI
	// Gate is shared with the main agent so one approval policy covers both
	Gate        *toolexecutor.Gate
	ToolTimeout time.Duration
	WorkingDir  string
	Logger      zerolog.Logger
}

// NewWebSearcher builds a session with its own prompt, model and search tools
func NewWebSearcher(cfg WebSearcherConfig) (*agent.Session, error) {
	if cfg.Provider == nil {
		return nil, errors.New("provider is required")
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultWebSearcherPrompt
	}
	logger := cfg.Logger.With().Str("agent", WebSearcherAgent).Logger()

	registry := toolexecutor.NewRegistry()
	if err := coretools.RegisterSearchTools(registry, coretools.SearchOptions{
		Search:  cfg.Search,
		Scraper: cfg.Scraper,
		Results: cfg.Results,
		Logger:  logger,
	}); err != nil {
		return nil, err
	}

	tools := toolexecutor.NewEngine(toolexecutor.EngineConfig{
		Registry:      registry,
		Gate:          cfg.Gate,
		SwallowErrors: true,
		WorkingDir:    cfg.WorkingDir,
		Timeout:       cfg.ToolTimeout,
		Logger:        logger,
	})

	machine, err := agent.NewMachine(agent.MachineConfig{
		Provider:       cfg.Provider,
		Model:          cfg.Model,
		SystemPrompt:   cfg.SystemPrompt,
		Temperature:    cfg.Temperature,
		MaxTokens:      cfg.MaxTokens,
		Tools:          tools,
		RecursionLimit: webSearcherRecursionLimit,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	return agent.NewSession(agent.SessionConfig{
		Machine:     machine,
		Checkpoints: cfg.Checkpoints,
		UI:          cfg.UI,
		WorkingDir:  cfg.WorkingDir,
		Logger:      logger,
	})
}

// RegisterWebSearcher builds the research helper and registers the tool the
// main agent delegates through
func RegisterWebSearcher(registry *toolexecutor.Registry, coordinator *Coordinator, cfg WebSearcherConfig) (*agent.Session, error) {
	if registry == nil {
		return nil, errors.New("tool registry is required")
	}

	searcher, err := NewWebSearcher(cfg)
	if err != nil {
		return nil, err
	}

	tool, err := NewDelegateTool(DelegateConfig{
		ToolName: WebSearcherTool,
		Description: "Ask the web research assistant to search the web and summarize what it finds. " +
			"Use it for current information, documentation, libraries and best practices.",
		Agent:       WebSearcherAgent,
		Invoker:     searcher,
		Coordinator: coordinator,
		Logger:      cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	if err := registry.RegisterTool(tool); err != nil {
		return nil, err
	}
	return searcher, nil
}
