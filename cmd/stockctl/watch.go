package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Poll a single favorite monitor task in the foreground until interrupted.",
	Long: `Poll a single favorite monitor task in the foreground.

An inactive task is activated first. On Ctrl-C the timer is stopped and
the task stays active unless --deactivate is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		taskID, _ := cmd.Flags().GetUint("task")
		deactivate, _ := cmd.Flags().GetBool("deactivate")
		if taskID == 0 {
			return fmt.Errorf("--task is required")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()

		runner := rt.graph.Runner
		if err := runner.Watch(ctx, taskID); err != nil {
			return fmt.Errorf("watch task %d: %w", taskID, err)
		}
		rt.logger.Info("watching task", slog.Uint64("task_id", uint64(taskID)))

		<-ctx.Done()

		if m, ok := runner.Get(taskID); ok {
			snap := m.State()
			for _, entry := range snap.Logs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", entry.At.Format("2006-01-02 15:04:05"), entry.Status, entry.Message)
			}
		}
		if deactivate {
			// 原上下文已取消，落库使用新的上下文。
			return runner.Unwatch(cmd.Context(), taskID)
		}
		runner.StopAll()
		return nil
	},
}

func init() {
	watchCmd.Flags().Uint("task", 0, "favorite monitor task ID")
	watchCmd.Flags().Bool("deactivate", false, "mark the task inactive on exit")
}
