package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nlqhq/nlq/internal/config"
	"github.com/nlqhq/nlq/pkg/types"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := &config.Config{}
	require.NoError(t, config.Parse([]byte(defaultConfigContent), cfg))
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())
	require.Equal(t, []string{"data_query", "log_query"}, cfg.ToolNames())
	require.Equal(t, cfg.QueryLog.Path, cfg.Tools["log_query"].Database.DBPath)
}

func TestInitCreatesConfigAndQueryLog(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	cfgFile := filepath.Join(home, "custom", "config.yaml")

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"--config", cfgFile, "init"})
	require.NoError(t, root.Execute())

	require.FileExists(t, cfgFile)
	require.FileExists(t, filepath.Join(home, ".nlq", "query_log.db"))
	require.Contains(t, out.String(), "created "+cfgFile)

	out.Reset()
	root = newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"--config", cfgFile, "init"})
	require.NoError(t, root.Execute())
	require.Contains(t, out.String(), "exists "+cfgFile)
}

func TestAskRendersOutcome(t *testing.T) {
	llm := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"content": "SELECT SUM(value) AS total FROM data WHERE type = 'steps';"}}},
		})
	}))
	defer llm.Close()

	dir := t.TempDir()
	csvPath := filepath.Join(dir, "health.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte("type,value\nsteps,1200\nsteps,800\nheart_rate,61\n"), 0o644))
	cfgFile := filepath.Join(dir, "config.yaml")
	cfgYAML := fmt.Sprintf(`tools:
  data_query:
    llm:
      provider: ollama
      model: qwen2.5-coder:7b
      base_url: %q
    database:
      csv_path: %q
query_log:
  path: %q
`, llm.URL, csvPath, filepath.Join(dir, "query_log.db"))
	require.NoError(t, os.WriteFile(cfgFile, []byte(cfgYAML), 0o644))

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"--config", cfgFile, "ask", "--format", "json", "how", "many", "steps?"})
	require.NoError(t, root.Execute())

	var outcome types.QueryOutcome
	require.NoError(t, json.Unmarshal(out.Bytes(), &outcome))
	require.True(t, outcome.Success)
	require.Equal(t, []string{"total"}, outcome.Columns)
	require.Equal(t, [][]any{{float64(2000)}}, outcome.Rows)
	require.Equal(t, "SELECT SUM(value) AS total FROM data WHERE type = 'steps'", outcome.Diagnostics.SQL)

	out.Reset()
	root = newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"--config", cfgFile, "logs", "--request", outcome.RequestID, "--format", "json"})
	require.NoError(t, root.Execute())
	var recs []types.AttemptRecord
	require.NoError(t, json.Unmarshal(out.Bytes(), &recs))
	require.Len(t, recs, 1)
	require.Equal(t, "nlq-cli", recs[0].Client)
	require.Equal(t, "how many steps?", recs[0].NLQ)
}

func TestAskUnknownTool(t *testing.T) {
	dir := t.TempDir()
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"--config", filepath.Join(dir, "missing.yaml"), "ask", "--tool", "nope", "q"})
	require.ErrorContains(t, root.Execute(), `unknown tool "nope"`)
}
