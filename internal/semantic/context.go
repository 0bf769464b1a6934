// Package semantic builds the per-tool context that grounds generation and
// assembles it into prompts.
package semantic

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/nlqhq/nlq/internal/config"
	"github.com/nlqhq/nlq/internal/datasource"
)

// Introspector is the read-only view of a data source needed to build a
// Context. *datasource.Source satisfies it.
type Introspector interface {
	Table() string
	QuotedTable() string
	Columns(ctx context.Context) ([]datasource.Column, error)
	SampleRows(ctx context.Context, n int) (*datasource.ResultSet, error)
	Query(ctx context.Context, query string) (*datasource.ResultSet, error)
}

// Origin tells where a labeled result came from.
type Origin string

const (
	OriginAutoQuery Origin = "auto_query"
	OriginReference Origin = "reference_data"
)

// Labeled is a small result set attached to the context under a label.
type Labeled struct {
	Label   string
	Origin  Origin
	Columns []string
	Rows    [][]any
}

// Context is built once per tool and shared read-only between questions.
type Context struct {
	Tool    string
	Table   string
	Columns []datasource.Column
	// Samples is nil unless sample rows were requested.
	Samples *datasource.ResultSet
	// Results holds auto-query results followed by reference data, each in
	// configured order.
	Results []Labeled
	Static  []config.StaticSection
	Format  config.PromptFormat
}

// SampleRowsIncluded reports whether sample rows are part of the context.
func (c *Context) SampleRowsIncluded() bool { return c.Samples != nil }

// Build introspects src and runs the configured semantic layer. Any failure
// is a *config.ConfigError naming the failing piece.
func Build(ctx context.Context, src Introspector, tool *config.ToolConfig, logger *zap.Logger) (*Context, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fail := func(what string, err error) (*Context, error) {
		return nil, &config.ConfigError{Tool: tool.Name, What: what, Err: err}
	}

	cols, err := src.Columns(ctx)
	if err != nil {
		return fail("database", fmt.Errorf("introspect %s: %w", src.Table(), err))
	}
	out := &Context{
		Tool:    tool.Name,
		Table:   src.Table(),
		Columns: cols,
		Static:  append([]config.StaticSection(nil), tool.SemanticLayer.StaticContext...),
		Format:  tool.LLM.PromptFormat,
	}

	if f := tool.LLM.PromptFormat; f.IncludeSampleRows && f.SampleRowCount > 0 {
		rows, err := src.SampleRows(ctx, f.SampleRowCount)
		if err != nil {
			return fail("llm.prompt_format.include_sample_rows", err)
		}
		out.Samples = rows
	}

	for i, aq := range tool.SemanticLayer.AutoQueries {
		query := ExpandPlaceholders(aq.Query, src.Table(), src.QuotedTable())
		rs, err := src.Query(ctx, query)
		if err != nil {
			return fail(fmt.Sprintf("semantic_layer.auto_queries[%d]", i), fmt.Errorf("%q: %w", aq.Label, err))
		}
		out.Results = append(out.Results, Labeled{
			Label:   aq.Label,
			Origin:  OriginAutoQuery,
			Columns: rs.Columns,
			Rows:    rs.Rows,
		})
		logger.Debug("auto query loaded",
			zap.String("tool", tool.Name),
			zap.String("label", aq.Label),
			zap.Int("rows", rs.Len()))
	}

	refs, err := LoadReference(tool.Name, tool.SemanticLayer.ReferenceData)
	if err != nil {
		return nil, err
	}
	out.Results = append(out.Results, refs...)

	logger.Info("semantic context built",
		zap.String("tool", tool.Name),
		zap.String("table", out.Table),
		zap.Int("columns", len(cols)),
		zap.Int("results", len(out.Results)),
		zap.Int("static_sections", len(out.Static)))
	return out, nil
}

// ExpandPlaceholders substitutes {table_name} with the raw table name and
// {query_target} with its quoted form. {parquet_path} is an alias of
// {query_target}.
func ExpandPlaceholders(query, table, quoted string) string {
	return strings.NewReplacer("{table_name}", table, "{query_target}", quoted, "{parquet_path}", quoted).Replace(query)
}
