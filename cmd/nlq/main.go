package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nlqhq/nlq/internal/config"
	"github.com/nlqhq/nlq/internal/store"
)

const defaultConfigContent = `tools:
  data_query:
    description: "Query health metrics (steps, heart rate, sleep, workouts) in natural language."
    llm:
      provider: "openai"
      model: "gpt-4o-mini"
      api_key: ""
      max_tokens: 1024
      temperature: 0
      timeout: "60s"
      prompt_format:
        structure: "sql"
        include_sample_rows: true
        sample_row_count: 3
        hint_style: "sql_comment"
        response_prefix: ""
    database:
      csv_path: "~/.nlq/data.csv"
      view_name: "data"
    max_retries: 3
    execution_timeout: "30s"
    semantic_layer:
      auto_queries:
        - label: "Row count"
          query: "SELECT COUNT(*) AS row_count FROM {query_target}"
      static_context:
        - title: "Dates"
          body: "Dates are stored as ISO-8601 text. Compare them with DATE('YYYY-MM-DD')."
      reference_data: []

  log_query:
    description: "Query the history of generated SQL attempts in natural language."
    llm:
      provider: "openai"
      model: "gpt-4o-mini"
      api_key: ""
      max_tokens: 1024
      temperature: 0
      prompt_format:
        structure: "sql"
        include_sample_rows: true
        sample_row_count: 3
        hint_style: "sql_comment"
    database:
      db_path: "~/.nlq/query_log.db"
      table_name: "query_log"
    max_retries: 2
    semantic_layer:
      auto_queries:
        - label: "Attempts by client"
          query: "SELECT client, COUNT(*) AS attempts FROM {query_target} GROUP BY client ORDER BY attempts DESC"
      static_context:
        - title: "Columns"
          body: |
            request_id groups the attempts made for one question.
            attempt_number is 1 for the first try and 2 or more for retries.
            timestamp is UTC text formatted as YYYY-MM-DD HH:MM:SS.SSS.
            success is 1 when the SQL ran without error.
            elapsed_ms is cumulative since the question arrived.

query_log:
  path: "~/.nlq/query_log.db"
  queue_size: 256

server:
  host: "127.0.0.1"
  port: 3000

nats:
  url: ""
  subject_prefix: "nlq"
  queue_group: "nlq"

log:
  level: "info"
`

// app is shared by every command. cfg is loaded before any command runs.
type app struct {
	cfgPath string
	debug   bool
	cfg     *config.Config
	logger  *zap.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "nlq",
		Short:         "Answer questions about tabular data with generated SQL",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.cfgPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger, err = newLogger(cfg.Log.Level, a.debug)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	root.PersistentFlags().StringVar(&a.cfgPath, "config", "", "config file path (default ~/.nlq/config.yaml)")
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "enable debug logging")

	root.AddCommand(newInitCmd(a))
	root.AddCommand(newServeCmd(a))
	root.AddCommand(newAskCmd(a))
	root.AddCommand(newContextCmd(a))
	root.AddCommand(newToolsCmd(a))
	root.AddCommand(newLogsCmd(a))

	return root
}

// newLogger writes JSON logs to stderr so stdout stays clean for results.
func newLogger(level string, debug bool) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	if debug {
		lvl = zapcore.DebugLevel
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

func newInitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create ~/.nlq with a default config and an empty query log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgFile := a.cfgPath
			if cfgFile == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				cfgFile = filepath.Join(home, ".nlq", "config.yaml")
			}
			if err := os.MkdirAll(filepath.Dir(cfgFile), 0o755); err != nil {
				return err
			}

			if _, err := os.Stat(cfgFile); errors.Is(err, os.ErrNotExist) {
				if err := os.WriteFile(cfgFile, []byte(defaultConfigContent), 0o644); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "created", cfgFile)
			} else if err == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "exists", cfgFile)
			} else {
				return err
			}

			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			s, err := store.OpenLogStore(cfg.QueryLog.Path)
			if err != nil {
				return err
			}
			defer s.Close()
			fmt.Fprintln(cmd.OutOrStdout(), "query log ready", s.Path())
			fmt.Fprintln(cmd.OutOrStdout(), "please set llm.api_key (or NLQ_LLM_API_KEY) and database paths in", cfgFile)
			return nil
		},
	}
}
