// Package engine runs the generate, sanitize and execute loop for one tool,
// feeding every failure back into the next prompt until a statement runs or
// the retry budget is spent.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nlqhq/nlq/internal/datasource"
	"github.com/nlqhq/nlq/internal/llm"
	"github.com/nlqhq/nlq/internal/sanitize"
	"github.com/nlqhq/nlq/internal/semantic"
	"github.com/nlqhq/nlq/pkg/types"
)

// Querier executes read-only SQL. *datasource.Source satisfies it.
type Querier interface {
	Query(ctx context.Context, query string) (*datasource.ResultSet, error)
}

// Sink receives one record per attempt. Record must not block.
type Sink interface {
	Record(rec types.AttemptRecord)
}

// Question is one natural-language request.
type Question struct {
	Text      string
	UserInput string
	Client    string
	// RequestID correlates attempts in the log; generated when empty.
	RequestID string
}

// Options are the per-tool limits.
type Options struct {
	Tool              string
	Generator         string
	MaxRetries        int
	GenerationTimeout time.Duration
	ExecutionTimeout  time.Duration
	// MaxResultRows caps the rows returned to the caller; 0 means no cap.
	MaxResultRows int
}

// State is a step of the retry loop.
type State int

const (
	StateBuildingPrompt State = iota
	StateGenerating
	StateSanitizing
	StateExecuting
	StateSuccess
	StateRetry
	StateExhausted
)

var stateNames = [...]string{"building_prompt", "generating", "sanitizing", "executing", "success", "retry", "exhausted"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Attempt is one generate, sanitize and execute cycle.
type Attempt struct {
	Number       int
	Prompt       string
	Raw          string
	SQL          string
	Err          error
	Result       *datasource.ResultSet
	InputTokens  int
	OutputTokens int
	// Elapsed runs from prompt-build start to execution end or failure.
	Elapsed  time.Duration
	ExecTime time.Duration
	// Failed is the state the attempt failed in.
	Failed State
}

// Engine is safe for concurrent use; each Run owns its own history.
type Engine struct {
	sc      *semantic.Context
	backend llm.Backend
	db      Querier
	sink    Sink
	opts    Options
	logger  *zap.Logger
	now     func() time.Time
}

// New wires an engine. A nil sink discards records.
func New(sc *semantic.Context, backend llm.Backend, db Querier, sink Sink, opts Options, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &Engine{
		sc:      sc,
		backend: backend,
		db:      db,
		sink:    sink,
		opts:    opts,
		logger:  logger.With(zap.String("tool", opts.Tool)),
		now:     time.Now,
	}
}

// Context returns the semantic context prompts are built from.
func (e *Engine) Context() *semantic.Context { return e.sc }

// Options returns the limits the engine was built with.
func (e *Engine) Options() Options { return e.opts }

// Run answers q. The outcome is always well-formed; the error is non-nil
// only when ctx ends before a terminal state, in which case no further
// attempts are made or recorded.
func (e *Engine) Run(ctx context.Context, q Question) (*types.QueryOutcome, error) {
	started := e.now()
	if q.RequestID == "" {
		q.RequestID = uuid.NewString()
	}
	if q.Client == "" {
		q.Client = "unknown"
	}
	logger := e.logger.With(zap.String("request_id", q.RequestID))
	out := &types.QueryOutcome{
		RequestID: q.RequestID,
		Columns:   []string{},
		Rows:      [][]any{},
		Diagnostics: types.Diagnostics{
			Errors: []types.FailedQuery{},
		},
	}
	var (
		history []types.FailedQuery
		elapsed time.Duration
	)

	for n := 1; ; n++ {
		if err := ctx.Err(); err != nil {
			return e.cancelled(out, elapsed, logger, err)
		}
		a := e.attempt(ctx, n, q.Text, history)
		if err := ctx.Err(); err != nil {
			return e.cancelled(out, elapsed, logger, err)
		}

		elapsed += a.Elapsed
		d := &out.Diagnostics
		d.Attempts = n
		d.RetryCount = n - 1
		d.SQL = a.SQL
		d.InputTokens += a.InputTokens
		d.OutputTokens += a.OutputTokens
		d.ElapsedMs = elapsed.Milliseconds()
		e.record(q, a, e.now().Sub(started))

		if a.Err == nil {
			out.Success = true
			out.Columns = a.Result.Columns
			out.RowCount = a.Result.Len()
			out.Rows = a.Result.Rows
			if limit := e.opts.MaxResultRows; limit > 0 && len(out.Rows) > limit {
				out.Rows = out.Rows[:limit]
				out.Truncated = true
			}
			logger.Info("query succeeded",
				zap.Int("attempts", n),
				zap.Int("rows", out.RowCount),
				zap.Int64("elapsed_ms", d.ElapsedMs))
			return out, nil
		}

		history = append(history, types.FailedQuery{SQL: a.SQL, Error: a.Err.Error()})
		d.Errors = append(d.Errors, history[len(history)-1])
		logger.Warn("attempt failed",
			zap.Int("attempt", n),
			zap.Stringer("state", a.Failed),
			zap.Error(a.Err))

		if n > e.opts.MaxRetries {
			logger.Warn("retries exhausted", zap.Int("attempts", n))
			return out, nil
		}
	}
}

func (e *Engine) cancelled(out *types.QueryOutcome, elapsed time.Duration, logger *zap.Logger, err error) (*types.QueryOutcome, error) {
	out.Success = false
	out.Columns = []string{}
	out.Rows = [][]any{}
	out.RowCount = 0
	out.Diagnostics.ElapsedMs = elapsed.Milliseconds()
	logger.Info("question cancelled", zap.Int("attempts", out.Diagnostics.Attempts), zap.Error(err))
	return out, err
}

// attempt runs one pass of the state machine. It stops at the first failing
// state.
func (e *Engine) attempt(ctx context.Context, n int, question string, history []types.FailedQuery) Attempt {
	began := e.now()
	a := Attempt{Number: n}
	finish := func(state State, err error) Attempt {
		a.Err = err
		if err != nil {
			a.Failed = state
		}
		a.Elapsed = e.now().Sub(began)
		return a
	}

	// StateBuildingPrompt
	a.Prompt = semantic.AssemblePrompt(e.sc, semantic.PromptInput{
		Question: question,
		Failures: history,
		Now:      began,
	})

	// StateGenerating
	gctx, cancel := withTimeout(ctx, e.opts.GenerationTimeout)
	res, err := e.backend.Generate(gctx, a.Prompt)
	timedOut := errors.Is(gctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()
	if err != nil {
		if timedOut {
			err = &TimeoutError{Stage: StageGeneration, After: e.opts.GenerationTimeout}
		}
		return finish(StateGenerating, err)
	}
	a.Raw = res.Text
	a.InputTokens = res.InputTokens
	a.OutputTokens = res.OutputTokens

	// StateSanitizing
	a.SQL = sanitize.SQL(res.Text)
	if err := sanitize.CheckReadOnly(a.SQL); err != nil {
		return finish(StateSanitizing, err)
	}

	// StateExecuting
	ectx, cancel := withTimeout(ctx, e.opts.ExecutionTimeout)
	execStart := e.now()
	rs, err := e.db.Query(ectx, a.SQL)
	a.ExecTime = e.now().Sub(execStart)
	timedOut = errors.Is(ectx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()
	if err != nil {
		if timedOut {
			return finish(StateExecuting, &TimeoutError{Stage: StageExecution, After: e.opts.ExecutionTimeout})
		}
		return finish(StateExecuting, &ExecutionError{SQL: a.SQL, Err: err})
	}
	a.Result = rs
	return finish(StateSuccess, nil)
}

func (e *Engine) record(q Question, a Attempt, sinceStart time.Duration) {
	if e.sink == nil {
		return
	}
	rec := types.AttemptRecord{
		RequestID:       q.RequestID,
		AttemptNumber:   a.Number,
		Timestamp:       e.now().UTC(),
		Client:          q.Client,
		UserInput:       q.UserInput,
		NLQ:             q.Text,
		SQL:             a.SQL,
		Success:         a.Err == nil,
		ExecutionTimeMs: a.ExecTime.Milliseconds(),
		InputTokens:     a.InputTokens,
		OutputTokens:    a.OutputTokens,
		ElapsedMs:       sinceStart.Milliseconds(),
		Generator:       e.opts.Generator,
		Prompt:          a.Prompt,
	}
	if a.Err != nil {
		rec.ErrorMessage = a.Err.Error()
	} else {
		rec.RowCount = a.Result.Len()
	}
	e.sink.Record(rec)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
