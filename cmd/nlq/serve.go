package main

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nlqhq/nlq/internal/natsrpc"
	"github.com/nlqhq/nlq/internal/server"
	"github.com/nlqhq/nlq/internal/store"
	"github.com/nlqhq/nlq/internal/tool"
)

func newServeCmd(a *app) *cobra.Command {
	var host string
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve every tool over HTTP and, when configured, NATS",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("host") {
				a.cfg.Server.Host = host
			}
			if cmd.Flags().Changed("port") {
				a.cfg.Server.Port = port
			}
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return a.serve(ctx)
		},
	}
	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "server host")
	cmd.Flags().IntVar(&port, "port", 3000, "server port")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	logs, err := store.OpenLogStore(a.cfg.QueryLog.Path)
	if err != nil {
		return err
	}
	defer logs.Close()
	sink := store.NewAsyncSink(logs, a.cfg.QueryLog.QueueSize, a.logger)
	defer func() {
		_ = sink.Close()
		a.logger.Info("query log flushed",
			zap.Int64("written", sink.Written()),
			zap.Int64("dropped", sink.Dropped()),
			zap.Int64("failed", sink.Failed()))
	}()

	reg, err := tool.Build(ctx, a.cfg, sink, a.logger)
	if err != nil {
		return err
	}
	defer reg.Close()

	srv, err := server.New(reg, logs, a.logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if url := a.cfg.NATS.URL; url != "" {
		nc, err := nats.Connect(url, nats.Name("nlq"))
		if err != nil {
			return fmt.Errorf("connect to nats: %w", err)
		}
		svc := natsrpc.New(nc, reg, a.cfg.NATS.SubjectPrefix, a.cfg.NATS.QueueGroup, a.logger)
		if err := svc.Start(gctx); err != nil {
			nc.Close()
			return fmt.Errorf("subscribe nats: %w", err)
		}
		g.Go(func() error {
			<-gctx.Done()
			err := svc.Close()
			nc.Close()
			return err
		})
	}

	addr := net.JoinHostPort(a.cfg.Server.Host, strconv.Itoa(a.cfg.Server.Port))
	g.Go(func() error {
		return srv.Serve(gctx, addr)
	})

	a.logger.Info("serving", zap.String("addr", addr), zap.Strings("tools", reg.Names()))
	return g.Wait()
}
