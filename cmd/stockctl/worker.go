package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"stockwatch/internal/pkg/taskqueue"
)

const workerGroup = "crawl-workers"

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume queued crawl requests (POST /admin/crawl with async=true).",
	RunE: func(cmd *cobra.Command, args []string) error {
		stream, _ := cmd.Flags().GetString("stream")
		block, _ := cmd.Flags().GetDuration("block")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()

		host, _ := os.Hostname()
		consumerID := fmt.Sprintf("%s-%d", host, os.Getpid())

		consumer, err := taskqueue.NewConsumer(ctx, rt.rdb, rt.logger, stream, workerGroup, consumerID,
			taskqueue.WithBlockTime(block),
		)
		if err != nil {
			return fmt.Errorf("init consumer: %w", err)
		}

		rt.logger.Info("crawl worker started",
			slog.String("group", consumer.GroupName()),
			slog.String("consumer", consumerID))

		return consumer.Consume(ctx, func(ctx context.Context, req *taskqueue.CrawlRequest) error {
			rep, err := rt.graph.Crawl.Run(ctx, req.Category)
			if err != nil {
				return err
			}
			rt.logger.Info("queued crawl finished",
				slog.String("request_id", req.RequestID),
				slog.String("source", req.Source),
				slog.String("category", rep.Category),
				slog.Int("new", len(rep.NewItems)),
				slog.Int("sold_out", len(rep.SoldOutItems)))
			return nil
		})
	},
}

func init() {
	workerCmd.Flags().String("stream", taskqueue.DefaultStream, "crawl request stream name")
	workerCmd.Flags().Duration("block", 5*time.Second, "XREADGROUP block time")
}
