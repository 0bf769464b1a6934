package semantic

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nlqhq/nlq/internal/config"
	"github.com/nlqhq/nlq/internal/datasource"
)

func openHealth(t *testing.T) *datasource.Source {
	t.Helper()
	path := filepath.Join(t.TempDir(), "health.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	for _, stmt := range []string{
		`CREATE TABLE health (type TEXT, value REAL, start_date TEXT)`,
		`INSERT INTO health VALUES ('steps', 1200, '2024-12-03'), ('steps', 800, '2024-12-04'), ('heart_rate', 61, '2024-12-04')`,
	} {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	src, err := datasource.Open(context.Background(), "data_query", config.DatabaseConfig{DBPath: path}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = src.Close() })
	return src
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func healthTool() *config.ToolConfig {
	return &config.ToolConfig{
		Name: "data_query",
		LLM: config.LLMConfig{PromptFormat: config.PromptFormat{
			Structure:         config.StructureSQL,
			IncludeSampleRows: true,
			SampleRowCount:    2,
			HintStyle:         config.HintSQLComment,
		}},
		SemanticLayer: config.SemanticLayer{
			AutoQueries: []config.AutoQuery{
				{Label: "Record types", Query: `SELECT type, COUNT(*) AS n FROM {query_target} GROUP BY type ORDER BY type`},
				{Label: "Date range", Query: `SELECT MIN(start_date) AS first_date, MAX(start_date) AS last_date FROM {table_name}`},
			},
			StaticContext: []config.StaticSection{{Title: "Units", Body: "value is a count for steps"}},
		},
	}
}

func TestBuild(t *testing.T) {
	src := openHealth(t)
	tool := healthTool()
	tool.SemanticLayer.ReferenceData = []config.ReferenceData{
		{Label: "Categories", Path: writeFile(t, "categories.csv", "category,operation\nsteps,SUM\nheart_rate,AVG\n")},
	}

	c, err := Build(context.Background(), src, tool, nil)
	require.NoError(t, err)
	require.Equal(t, "health", c.Table)
	require.Len(t, c.Columns, 3)
	require.True(t, c.SampleRowsIncluded())
	require.Equal(t, 2, c.Samples.Len())

	require.Len(t, c.Results, 3)
	require.Equal(t, "Record types", c.Results[0].Label)
	require.Equal(t, OriginAutoQuery, c.Results[0].Origin)
	require.Equal(t, [][]any{{"heart_rate", int64(1)}, {"steps", int64(2)}}, c.Results[0].Rows)
	require.Equal(t, [][]any{{"2024-12-03", "2024-12-04"}}, c.Results[1].Rows)
	require.Equal(t, "Categories", c.Results[2].Label)
	require.Equal(t, OriginReference, c.Results[2].Origin)
	require.Equal(t, []string{"category", "operation"}, c.Results[2].Columns)
	require.Equal(t, []config.StaticSection{{Title: "Units", Body: "value is a count for steps"}}, c.Static)
}

func TestBuildWithoutSamples(t *testing.T) {
	tool := healthTool()
	tool.LLM.PromptFormat.IncludeSampleRows = false
	c, err := Build(context.Background(), openHealth(t), tool, nil)
	require.NoError(t, err)
	require.False(t, c.SampleRowsIncluded())
}

func TestBuildFailsOnBrokenAutoQuery(t *testing.T) {
	tool := healthTool()
	tool.SemanticLayer.AutoQueries = append(tool.SemanticLayer.AutoQueries, config.AutoQuery{Label: "Broken", Query: `SELECT * FROM missing_table`})

	_, err := Build(context.Background(), openHealth(t), tool, nil)
	var cfgErr *config.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	require.Equal(t, "data_query", cfgErr.Tool)
	require.Equal(t, "semantic_layer.auto_queries[2]", cfgErr.What)
	require.ErrorContains(t, err, `"Broken"`)
	require.ErrorContains(t, err, "missing_table")
}

func TestBuildFailsOnMissingReferenceFile(t *testing.T) {
	tool := healthTool()
	tool.SemanticLayer.ReferenceData = []config.ReferenceData{
		{Label: "Categories", Path: filepath.Join(t.TempDir(), "does-not-exist.csv")},
	}

	c, err := Build(context.Background(), openHealth(t), tool, nil)
	require.Nil(t, c)
	var cfgErr *config.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	require.Equal(t, "semantic_layer.reference_data[0]", cfgErr.What)
	require.True(t, errors.Is(err, os.ErrNotExist))
}

func TestExpandPlaceholders(t *testing.T) {
	got := ExpandPlaceholders(`SELECT '{table_name}' AS t, COUNT(*) FROM {query_target}`, `my data`, `"my data"`)
	require.Equal(t, `SELECT 'my data' AS t, COUNT(*) FROM "my data"`, got)
	require.Equal(t, `SELECT * FROM "data"`, ExpandPlaceholders(`SELECT * FROM {parquet_path}`, "data", `"data"`))
}
