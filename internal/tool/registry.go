// Package tool turns configured tools into ready-to-query runtimes.
package tool

import (
	"context"
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nlqhq/nlq/internal/config"
	"github.com/nlqhq/nlq/internal/datasource"
	"github.com/nlqhq/nlq/internal/engine"
	"github.com/nlqhq/nlq/internal/llm"
	"github.com/nlqhq/nlq/internal/semantic"
)

// Runtime is one tool with its open source, built context and engine.
type Runtime struct {
	Name        string
	Description string
	Config      *config.ToolConfig
	Source      *datasource.Source
	Engine      *engine.Engine
}

// Context is the semantic context the engine prompts with.
func (r *Runtime) Context() *semantic.Context { return r.Engine.Context() }

// Registry holds every tool built at startup.
type Registry struct {
	tools map[string]*Runtime
	names []string
}

// Build opens all tools concurrently and fails on the first broken one,
// closing whatever was already opened.
func Build(ctx context.Context, cfg *config.Config, sink engine.Sink, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var (
		mu    sync.Mutex
		built = make(map[string]*Runtime, len(cfg.Tools))
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range cfg.ToolNames() {
		tc := cfg.Tools[name]
		g.Go(func() error {
			rt, err := buildOne(gctx, tc, sink, logger)
			if err != nil {
				return err
			}
			mu.Lock()
			built[name] = rt
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, rt := range built {
			_ = rt.Source.Close()
		}
		return nil, err
	}

	runtimes := make([]*Runtime, 0, len(built))
	for _, rt := range built {
		runtimes = append(runtimes, rt)
	}
	reg := NewRegistry(runtimes...)
	logger.Info("tools ready", zap.Strings("tools", reg.names))
	return reg, nil
}

func buildOne(ctx context.Context, tc *config.ToolConfig, sink engine.Sink, logger *zap.Logger) (*Runtime, error) {
	logger = logger.With(zap.String("tool", tc.Name))
	src, err := datasource.Open(ctx, tc.Name, tc.Database, logger)
	if err != nil {
		return nil, err
	}
	sc, err := semantic.Build(ctx, src, tc, logger)
	if err != nil {
		_ = src.Close()
		return nil, err
	}
	backend, err := llm.New(ctx, tc.LLM, logger)
	if err != nil {
		_ = src.Close()
		return nil, &config.ConfigError{Tool: tc.Name, What: "llm", Err: err}
	}
	eng := engine.New(sc, backend, src, sink, engine.Options{
		Tool:              tc.Name,
		Generator:         tc.LLM.GeneratorID(),
		MaxRetries:        tc.MaxRetries,
		GenerationTimeout: tc.LLM.Timeout.Std(),
		ExecutionTimeout:  tc.ExecutionTimeout.Std(),
		MaxResultRows:     tc.MaxResultRows,
	}, logger)
	return &Runtime{
		Name:        tc.Name,
		Description: tc.Description,
		Config:      tc,
		Source:      src,
		Engine:      eng,
	}, nil
}

// NewRegistry assembles a registry from runtimes that are already built.
func NewRegistry(runtimes ...*Runtime) *Registry {
	reg := &Registry{tools: make(map[string]*Runtime, len(runtimes))}
	for _, rt := range runtimes {
		reg.tools[rt.Name] = rt
		reg.names = append(reg.names, rt.Name)
	}
	sort.Strings(reg.names)
	return reg
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (*Runtime, bool) {
	rt, ok := r.tools[name]
	return rt, ok
}

// Names lists tools in sorted order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// Runtimes lists tools in name order.
func (r *Registry) Runtimes() []*Runtime {
	out := make([]*Runtime, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.tools[name])
	}
	return out
}

// Close releases every data source.
func (r *Registry) Close() error {
	var errs []error
	for _, rt := range r.tools {
		if rt.Source == nil {
			continue
		}
		if err := rt.Source.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
