package recovery

import (
	"context"
	"fmt"

	"github.com/harun/ally/internal/observability"
	"github.com/harun/ally/internal/tracing"
	"github.com/rs/zerolog"
)

// Operation is one attempt at producing a turn's output
type Operation func(ctx context.Context) (string, error)

// Plan is an operation plus its optional substitutes
type Plan struct {
	Op       Operation
	Reject   Operation // run after a permission denial
	Continue Operation // run after the recursion limit, if the user agrees
	// ContinueOnLimit enables the Continue substitution
	ContinueOnLimit bool
}

// Prompter is the slice of the UI the engine talks to
type Prompter interface {
	Warning(msg string)
	Error(msg string)
	Confirm(question string, def bool) bool
}

// ModelSwitcher recovers from an unknown model
type ModelSwitcher interface {
	HasPreviousModel() bool
	RevertModel() error
	PromptModel() error
}

// Result is the outcome of Run. Err is the last failure when OK is false.
type Result struct {
	Text    string
	OK      bool
	Kind    Kind
	Err     error
	Retries int
}

// Config configures an Engine
type Config struct {
	Prompter   Prompter
	Models     ModelSwitcher // optional
	MaxRetries int
	Logger     zerolog.Logger
}

// Engine drives a Plan through Decide until it finishes or fails
type Engine struct {
	prompter   Prompter
	models     ModelSwitcher
	maxRetries int
	logger     zerolog.Logger
}

// NewEngine creates an engine
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Prompter == nil {
		return nil, fmt.Errorf("prompter is required")
	}
	max := cfg.MaxRetries
	if max <= 0 {
		max = MaxRetries
	}
	return &Engine{
		prompter:   cfg.Prompter,
		models:     cfg.Models,
		maxRetries: max,
		logger:     cfg.Logger,
	}, nil
}

// Run executes plan.Op, applying Decide after every failure
func (e *Engine) Run(ctx context.Context, plan Plan) Result {
	if plan.Op == nil {
		return Result{Kind: KindUnknown, Err: fmt.Errorf("operation is required")}
	}
	logger := tracing.LoggerFromContext(ctx, e.logger)
	op := plan.Op
	retries := 0

	for {
		text, err := op(ctx)
		d := Decide(Input{
			Err:           err,
			Retries:       retries,
			MaxRetries:    e.maxRetries,
			HasReject:     plan.Reject != nil,
			HasContinue:   plan.Continue != nil,
			ContinueOK:    plan.ContinueOnLimit,
			HasPrevModel:  e.models != nil && e.models.HasPreviousModel(),
			ModelSwitcher: e.models != nil,
		})
		observability.RecordRecoveryDecision(string(d.Kind), string(d.Action))

		switch d.Action {
		case ActionDone:
			return Result{Text: text, OK: true, Retries: retries}

		case ActionReject:
			logger.Warn().Err(err).Msg("Permission denied for operation")
			op = plan.Reject
			continue

		case ActionConfirmContinue:
			logger.Warn().Err(err).Int("retries", retries).Msg("Recursion limit reached")
			e.prompter.Warning(d.Message)
			if e.prompter.Confirm("Continue from where the agent left off?", true) {
				op = plan.Continue
				retries++
				continue
			}
			e.prompter.Error("Max recursion limit reached. Operation cannot continue.")

		case ActionRevertModel:
			logger.Error().Err(err).Msg("Model not found")
			e.prompter.Error(d.Message)
			if rerr := e.models.RevertModel(); rerr != nil {
				logger.Error().Err(rerr).Msg("Failed to revert model")
			}

		case ActionPromptModel:
			logger.Error().Err(err).Msg("Model not found")
			e.prompter.Error(d.Message)
			if perr := e.models.PromptModel(); perr != nil {
				logger.Error().Err(perr).Msg("Failed to change model")
			}

		case ActionFail:
			switch d.Kind {
			case KindUnknown:
				logger.Error().Err(err).Msg("Unexpected error in agent operation")
			case KindCanceled:
				logger.Info().Msg("Operation canceled")
			default:
				logger.Warn().Err(err).Str("kind", string(d.Kind)).Msg("Operation failed")
			}
			if d.Message != "" {
				if d.Kind == KindRecursionLimit && retries >= e.maxRetries {
					e.prompter.Warning(d.Message)
				} else {
					e.prompter.Error(d.Message)
				}
			}
		}

		return Result{OK: false, Kind: d.Kind, Err: err, Retries: retries}
	}
}
