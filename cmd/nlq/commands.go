package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nlqhq/nlq/internal/config"
	"github.com/nlqhq/nlq/internal/datasource"
	"github.com/nlqhq/nlq/internal/engine"
	"github.com/nlqhq/nlq/internal/render"
	"github.com/nlqhq/nlq/internal/semantic"
	"github.com/nlqhq/nlq/internal/store"
	"github.com/nlqhq/nlq/internal/tool"
	"github.com/nlqhq/nlq/pkg/types"
)

// toolConfig returns one validated tool.
func (a *app) toolConfig(name string) (*config.ToolConfig, error) {
	tc, ok := a.cfg.Tools[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool %q (configured: %s)", name, strings.Join(a.cfg.ToolNames(), ", "))
	}
	if err := tc.Validate(); err != nil {
		return nil, err
	}
	return tc, nil
}

func checkFormat(format string) error {
	for _, f := range render.Formats {
		if f == format {
			return nil
		}
	}
	return fmt.Errorf("--format must be one of %s", strings.Join(render.Formats, ", "))
}

func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

func newAskCmd(a *app) *cobra.Command {
	var toolName, format, userInput string
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Answer one question with a configured tool",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkFormat(format); err != nil {
				return err
			}
			tc, err := a.toolConfig(toolName)
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			logs, err := store.OpenLogStore(a.cfg.QueryLog.Path)
			if err != nil {
				return err
			}
			defer logs.Close()
			sink := store.NewAsyncSink(logs, a.cfg.QueryLog.QueueSize, a.logger)
			defer sink.Close()

			single := *a.cfg
			single.Tools = map[string]*config.ToolConfig{toolName: tc}
			reg, err := tool.Build(ctx, &single, sink, a.logger)
			if err != nil {
				return err
			}
			defer reg.Close()

			rt, _ := reg.Get(toolName)
			out, err := rt.Engine.Run(ctx, engine.Question{
				Text:      strings.Join(args, " "),
				UserInput: userInput,
				Client:    "nlq-cli",
			})
			if err != nil {
				return err
			}
			if err := render.Outcome(cmd.OutOrStdout(), format, out); err != nil {
				return err
			}
			if !out.Success {
				return fmt.Errorf("no statement succeeded after %d attempt(s)", out.Diagnostics.Attempts)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&toolName, "tool", "data_query", "tool name")
	cmd.Flags().StringVar(&format, "format", render.FormatTable, "output format: table, markdown, json, yaml")
	cmd.Flags().StringVar(&userInput, "user-input", "", "raw user text to store in the query log")
	return cmd
}

func newContextCmd(a *app) *cobra.Command {
	var toolName, question string
	cmd := &cobra.Command{
		Use:   "context",
		Short: "Print the semantic context a tool prompts with",
		RunE: func(cmd *cobra.Command, args []string) error {
			tc, err := a.toolConfig(toolName)
			if err != nil {
				return err
			}
			src, err := datasource.Open(cmd.Context(), toolName, tc.Database, a.logger)
			if err != nil {
				return err
			}
			defer src.Close()
			sc, err := semantic.Build(cmd.Context(), src, tc, a.logger)
			if err != nil {
				return err
			}
			text := semantic.FormatContext(sc)
			if question != "" {
				text = semantic.AssemblePrompt(sc, semantic.PromptInput{Question: question, Now: time.Now()})
			}
			fmt.Fprintln(cmd.OutOrStdout(), text)
			return nil
		},
	}
	cmd.Flags().StringVar(&toolName, "tool", "data_query", "tool name")
	cmd.Flags().StringVar(&question, "question", "", "print the full first-attempt prompt for this question")
	return cmd
}

func newToolsCmd(a *app) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List configured tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			rows := make([][]string, 0, len(a.cfg.Tools))
			for _, name := range a.cfg.ToolNames() {
				tc := a.cfg.Tools[name]
				source := tc.Database.DBPath
				if source == "" {
					source = tc.Database.ParquetPath
				}
				if source == "" {
					source = tc.Database.CSVPath
				}
				rows = append(rows, []string{name, tc.LLM.GeneratorID(), fmt.Sprint(tc.MaxRetries), source, tc.Description})
			}
			return render.Table(cmd.OutOrStdout(), format, []string{"name", "generator", "retries", "source", "description"}, rows)
		},
	}
	cmd.Flags().StringVar(&format, "format", render.FormatTable, "output format: table, markdown")
	return cmd
}

func newLogsCmd(a *app) *cobra.Command {
	var requestID, format string
	var limit int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show logged generation attempts",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkFormat(format); err != nil {
				return err
			}
			logs, err := store.OpenLogStore(a.cfg.QueryLog.Path)
			if err != nil {
				return err
			}
			defer logs.Close()

			var recs []types.AttemptRecord
			if requestID != "" {
				recs, err = logs.ListRequest(cmd.Context(), requestID)
			} else {
				recs, err = logs.ListAttempts(cmd.Context(), limit)
			}
			if err != nil {
				return err
			}
			a.logger.Debug("listed attempts", zap.Int("count", len(recs)))
			return render.Attempts(cmd.OutOrStdout(), format, recs)
		},
	}
	cmd.Flags().StringVar(&requestID, "request", "", "show every attempt of one request")
	cmd.Flags().IntVar(&limit, "limit", 50, "number of most recent attempts")
	cmd.Flags().StringVar(&format, "format", render.FormatTable, "output format: table, markdown, json, yaml")
	return cmd
}
