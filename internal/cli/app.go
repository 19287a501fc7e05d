package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/harun/ally/internal/config"
	"github.com/harun/ally/internal/console"
	"github.com/harun/ally/internal/logger"
	"github.com/harun/ally/internal/observability"
	"github.com/harun/ally/internal/tracing"
	"github.com/harun/ally/pkg/agent"
	"github.com/harun/ally/pkg/conversation"
	"github.com/harun/ally/pkg/coretools"
	"github.com/harun/ally/pkg/retrieval"
	"github.com/harun/ally/pkg/session"
	"github.com/harun/ally/pkg/subagent"
	"github.com/harun/ally/pkg/toolexecutor"
	"github.com/rs/zerolog"
)

const (
	// databaseFile is the sqlite file inside the database directory
	databaseFile = "ally.db"
	// subagentRegistryFile records delegated runs inside the data directory
	subagentRegistryFile = "subagents.json"
)

// appOptions configures one command invocation
type appOptions struct {
	In         io.Reader
	Out        io.Writer
	WorkingDir string
	NoColor    bool
	// Agent builds the provider, tools, state machine and session
	Agent         bool
	AllowAllTools bool
	// ShowMessages renders AI messages and tool progress as they happen
	ShowMessages bool
	// Background starts the source watcher, resync scheduler and metrics endpoint
	Background bool
	// Provider and Embedder replace the configured ones when set
	Provider agent.LLMProvider
	Embedder retrieval.Embedder
}

// app holds the components wired for a command
type app struct {
	config  *config.Config
	logger  *logger.Logger
	log     zerolog.Logger
	console *console.Console

	checkpoints *session.Store

	// Retrieval components stay nil when no embedder is configured
	store       *retrieval.Store
	index       *retrieval.IndexRegistry
	merger      *retrieval.Merger
	ingestor    *retrieval.Ingestor
	watcher     *retrieval.Watcher
	scheduler   *retrieval.Scheduler
	collections *collectionCommands

	gate     *toolexecutor.Gate
	registry *toolexecutor.Registry
	tools    *toolexecutor.Engine
	fetcher  *coretools.PageFetcher
	machine  *agent.Machine
	session  *agent.Session

	// coordinator and webSearcher stay nil when web_search.enabled is off
	coordinator *subagent.Coordinator
	webSearcher *agent.Session

	metricsServer  *http.Server
	tracingEnabled bool
}

// loadConfig reads the configuration and applies the global flag overrides
func loadConfig() (*config.Config, []string, error) {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if metricsAddr != "" {
		cfg.Metrics.Addr = metricsAddr
	}
	return cfg, loader.Warnings(), nil
}

// newApp wires the components in dependency order. Close releases them.
func newApp(cfg *config.Config, opts appOptions) (*app, error) {
	a := &app{config: cfg}

	if err := a.initializeLogging(); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	a.console = console.New(console.Config{In: opts.In, Out: opts.Out, NoColor: opts.NoColor})

	checkpoints, err := session.NewStore(session.Config{Dir: cfg.Paths.HistoryDir, Logger: a.log})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.checkpoints = checkpoints

	if err := a.initializeRetrieval(opts); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize retrieval: %w", err)
	}

	if opts.Agent {
		if err := a.initializeAgent(opts); err != nil {
			a.Close()
			return nil, err
		}
	}

	if opts.Background {
		a.startBackground()
	}

	return a, nil
}

func (a *app) initializeLogging() error {
	logCfg := logger.DefaultConfig()
	logCfg.Level = a.config.Logging.Level
	logCfg.File = a.config.Logging.File
	logCfg.Console = a.config.Logging.Console
	logCfg.Redaction = a.config.Logging.Redaction
	logCfg.Compress = a.config.Logging.Compress
	if a.config.Logging.MaxSize > 0 {
		logCfg.MaxSize = a.config.Logging.MaxSize
	}
	if a.config.Logging.MaxAge > 0 {
		logCfg.MaxAge = a.config.Logging.MaxAge
	}

	log, err := logger.New(logCfg)
	if err != nil {
		return err
	}
	a.logger = log
	a.log = log.Zerolog()

	observability.EnsureRegistered()
	if err := tracing.InitOpenTelemetry("ally", version); err != nil {
		a.log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without it")
	} else {
		a.tracingEnabled = true
	}

	auditPath := filepath.Join(a.config.Paths.LogsDir, "audit.log")
	if err := observability.InitAuditLogger(auditPath); err != nil {
		a.log.Warn().Err(err).Msg("Failed to initialize audit logger")
	}
	return nil
}

// initializeRetrieval opens the vector store. A store that cannot be opened
// leaves retrieval unavailable instead of failing the command.
func (a *app) initializeRetrieval(opts appOptions) error {
	rc := a.config.Retrieval

	embedder := opts.Embedder
	if embedder == nil {
		baseURL := rc.EmbeddingBaseURL
		if rc.EmbeddingProvider == "ollama" && baseURL == "" {
			baseURL = agent.DefaultBaseURLs["ollama"]
		}
		if rc.EmbeddingProvider != "ollama" && rc.EmbeddingAPIKey == "" {
			a.log.Info().Str("provider", rc.EmbeddingProvider).Msg("No embedding credentials configured, retrieval unavailable")
			return nil
		}
		e, err := retrieval.NewOpenAIEmbedder(retrieval.EmbedderConfig{
			APIKey:    rc.EmbeddingAPIKey,
			BaseURL:   baseURL,
			Model:     rc.EmbeddingModel,
			Dimension: rc.EmbeddingDims,
		})
		if err != nil {
			return err
		}
		embedder = e
	}

	dir := a.config.Paths.DatabaseDir
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	store, err := retrieval.Open(retrieval.Config{
		DBPath:   filepath.Join(dir, databaseFile),
		Embedder: embedder,
		Logger:   a.log,
	})
	if err != nil {
		a.log.Error().Err(err).Str("dir", dir).Msg("Failed to open vector store")
		a.console.Error("Database access error occurred.")
		a.console.Warning("RAG features disabled.")
		return nil
	}
	a.store = store

	index, err := retrieval.LoadIndexRegistry(dir)
	if err != nil {
		a.log.Error().Err(err).Msg("Failed to load indexed collections")
		a.console.Error("Database access error occurred.")
		a.console.Warning("RAG features disabled.")
		_ = store.Close()
		a.store = nil
		return nil
	}
	a.index = index

	merger, err := retrieval.NewMerger(retrieval.MergerConfig{Source: store, TopK: rc.TopK, Logger: a.log})
	if err != nil {
		return err
	}
	a.merger = merger

	ingestor, err := retrieval.NewIngestor(retrieval.IngestorConfig{
		Store:        store,
		ChunkSize:    rc.ChunkSize,
		ChunkOverlap: rc.ChunkOverlap,
		OnFailure: func(path string, err error) {
			a.console.Error(fmt.Sprintf("Failed to embed %s: %v", path, err))
		},
		Logger: a.log,
	})
	if err != nil {
		return err
	}
	a.ingestor = ingestor

	a.collections = &collectionCommands{
		store:    store,
		index:    index,
		ingestor: ingestor,
		ui:       a.console,
		onEmbed:  a.watchSource,
	}
	return nil
}

func (a *app) initializeAgent(opts appOptions) error {
	cfg := a.config
	if opts.Provider == nil {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("missing required configuration: %w (run 'ally configure')", err)
		}
	}

	provider := opts.Provider
	if provider == nil {
		p, err := agent.NewProvider(agent.ProviderConfig{
			Name:    cfg.Provider.Name,
			APIKey:  cfg.Provider.APIKey,
			BaseURL: cfg.Provider.BaseURL,
		})
		if err != nil {
			return err
		}
		provider = p
	}

	workingDir := opts.WorkingDir
	if workingDir == "" {
		workingDir, _ = os.Getwd()
	}

	approval := toolexecutor.NewCLIApprovalHandler(a.console.LineReader(), a.console.Writer())
	a.gate = toolexecutor.NewGate(approval)
	a.gate.SetAlwaysAllow(opts.AllowAllTools)

	a.registry = toolexecutor.NewRegistry()
	a.fetcher = coretools.NewPageFetcher(coretools.FetcherConfig{Logger: a.log})
	if err := coretools.RegisterCoreTools(a.registry, coretools.Options{
		WorkingDir: workingDir,
		Fetcher:    a.fetcher,
		Logger:     a.log,
	}); err != nil {
		return fmt.Errorf("failed to register core tools: %w", err)
	}
	if a.merger != nil {
		if err := retrieval.RegisterTools(a.registry, a.merger, a.index); err != nil {
			return fmt.Errorf("failed to register retrieval tools: %w", err)
		}
	}
	if cfg.WebSearch.Enabled {
		if err := a.initializeWebSearcher(provider, workingDir); err != nil {
			return fmt.Errorf("failed to initialize web searcher: %w", err)
		}
	}

	var notifier toolexecutor.Notifier = toolexecutor.NopNotifier{}
	var onAIMessage func(conversation.Message)
	if opts.ShowMessages {
		notifier = a.console
		onAIMessage = a.showAIMessage
	}

	a.tools = toolexecutor.NewEngine(toolexecutor.EngineConfig{
		Registry:      a.registry,
		Gate:          a.gate,
		Notifier:      notifier,
		SwallowErrors: cfg.Agent.HandleToolErrors,
		WorkingDir:    workingDir,
		Timeout:       time.Duration(cfg.Agent.ToolTimeoutSeconds) * time.Second,
		Logger:        a.log,
	})

	machine, err := agent.NewMachine(agent.MachineConfig{
		Provider:       provider,
		Model:          cfg.Models.Default,
		SystemPrompt:   cfg.Agent.SystemPrompt,
		Temperature:    cfg.Models.Temperature,
		MaxTokens:      cfg.Models.MaxTokens,
		Tools:          a.tools,
		LastNTurns:     cfg.Agent.LastNTurns,
		RecursionLimit: cfg.Agent.RecursionLimit,
		OnAIMessage:    onAIMessage,
		Logger:         a.log,
	})
	if err != nil {
		return err
	}
	a.machine = machine

	sessCfg := agent.SessionConfig{
		Machine:          machine,
		Checkpoints:      a.checkpoints,
		UI:               a.console,
		RetrievalEnabled: cfg.Retrieval.Enabled,
		MaxRetries:       cfg.Agent.MaxRetries,
		WorkingDir:       workingDir,
		Logger:           a.log,
	}
	if a.merger != nil {
		sessCfg.Retriever = a.merger
		sessCfg.Index = a.index
	}
	sess, err := agent.NewSession(sessCfg)
	if err != nil {
		return err
	}
	a.session = sess

	if a.collections != nil {
		a.collections.register(sess)
	}
	return nil
}

// initializeWebSearcher registers ask_web_searcher, backed by a second agent
// that shares the provider, permission gate and browser with the main one
func (a *app) initializeWebSearcher(provider agent.LLMProvider, workingDir string) error {
	ws := a.config.WebSearch
	if !ws.SearchAvailable() {
		a.log.Info().Msg("No search credentials configured, web_search will report it is unavailable")
	}
	model := ws.Model
	if model == "" {
		model = a.config.Models.Default
	}

	a.coordinator = subagent.NewCoordinator(subagent.Config{
		RegistryPath: filepath.Join(a.config.Paths.DataDir, subagentRegistryFile),
		AutoSave:     true,
		Logger:       a.log,
	})
	if err := a.coordinator.Initialize(); err != nil {
		return err
	}
	a.coordinator.Cleanup(0)

	searcher, err := subagent.RegisterWebSearcher(a.registry, a.coordinator, subagent.WebSearcherConfig{
		Provider:     provider,
		Model:        model,
		SystemPrompt: ws.SystemPrompt,
		Temperature:  ws.Temperature,
		MaxTokens:    a.config.Models.MaxTokens,
		Search: coretools.NewSearchClient(coretools.SearchConfig{
			APIKey:   ws.APIKey,
			EngineID: ws.EngineID,
			Logger:   a.log,
		}),
		Scraper:     a.fetcher,
		Results:     ws.Results,
		Checkpoints: a.checkpoints,
		UI:          a.console,
		Gate:        a.gate,
		ToolTimeout: time.Duration(a.config.Agent.ToolTimeoutSeconds) * time.Second,
		WorkingDir:  workingDir,
		Logger:      a.log,
	})
	if err != nil {
		return err
	}
	a.webSearcher = searcher
	return nil
}

// showAIMessage renders intermediate and final AI text without think blocks
func (a *app) showAIMessage(msg conversation.Message) {
	text := agent.StripThinking(msg.Content)
	if strings.TrimSpace(text) == "" {
		return
	}
	a.console.AIResponse(text)
}

// startBackground starts the source watcher, the resync scheduler and the
// metrics endpoint. Failures are logged; the session runs without them.
func (a *app) startBackground() {
	if a.config.Metrics.Addr != "" {
		a.startMetrics(a.config.Metrics.Addr)
	}

	if a.store == nil || a.config.Retrieval.ResyncSchedule == "" {
		return
	}

	scheduler, err := retrieval.NewScheduler(retrieval.SchedulerConfig{
		Store:    a.store,
		Ingestor: a.ingestor,
		Schedule: a.config.Retrieval.ResyncSchedule,
		Logger:   a.log,
	})
	if err != nil {
		a.log.Warn().Err(err).Msg("Resync scheduler disabled")
		return
	}
	watcher, err := retrieval.NewWatcher(a.log, scheduler.MarkStale)
	if err != nil {
		a.log.Warn().Err(err).Msg("Source watcher disabled")
		return
	}
	a.scheduler = scheduler
	a.watcher = watcher

	sources, err := a.store.Sources(context.Background())
	if err != nil {
		a.log.Warn().Err(err).Msg("Failed to list embedded sources")
	}
	for _, src := range sources {
		a.watchSource(src.Dir)
	}

	if err := scheduler.Start(); err != nil {
		a.log.Warn().Err(err).Msg("Failed to start resync scheduler")
	}
}

// watchSource adds an embedded directory to the watcher, if one is running
func (a *app) watchSource(dir string) {
	if a.watcher == nil {
		return
	}
	if err := a.watcher.Watch(dir); err != nil {
		a.log.Warn().Err(err).Str("dir", dir).Msg("Failed to watch source")
	}
}

func (a *app) startMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	a.metricsServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error().Err(err).Str("addr", addr).Msg("Metrics server failed")
		}
	}()
	a.log.Info().Str("addr", addr).Msg("Metrics endpoint started")
}

// Close stops background work and releases stores, browser and log files
func (a *app) Close() {
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.watcher != nil {
		_ = a.watcher.Stop()
	}
	if a.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = a.metricsServer.Shutdown(ctx)
		cancel()
	}
	if a.coordinator != nil {
		if err := a.coordinator.Close(); err != nil {
			a.log.Warn().Err(err).Msg("Failed to save subagent registry")
		}
	}
	if a.fetcher != nil {
		if err := a.fetcher.Close(); err != nil {
			a.log.Warn().Err(err).Msg("Failed to close browser")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("Failed to close vector store")
		}
	}
	if a.tracingEnabled {
		_ = tracing.ShutdownOpenTelemetry(context.Background())
	}
	_ = observability.GetAuditLogger().Close()
	if a.logger != nil {
		_ = a.logger.Close()
	}
}
