package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"stockwatch/internal/model"
	"stockwatch/internal/schedule"
)

var crawlCmd = &cobra.Command{
	Use:   "crawl",
	Short: "Run one fetch-reconcile-dispatch cycle and print the report.",
	Long:  "Run one fetch-reconcile-dispatch cycle. Without --category every category is crawled in turn.",
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetString("category")
		category := ""
		if raw != "" {
			cat, ok := model.ParseCategory(raw)
			if !ok {
				return fmt.Errorf("unknown category %q", raw)
			}
			category = string(cat)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()

		rep, runErr := rt.graph.Crawl.Run(ctx, category)

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			return err
		}
		return runErr
	},
}

var cronCmd = &cobra.Command{
	Use:   "cron",
	Short: "Print the cron expression a polling interval maps to.",
	RunE: func(cmd *cobra.Command, args []string) error {
		minutes, _ := cmd.Flags().GetInt("minutes")
		if minutes <= 0 {
			return fmt.Errorf("--minutes must be positive")
		}
		fmt.Fprintln(cmd.OutOrStdout(), schedule.IntervalToCron(minutes))
		return nil
	},
}

func init() {
	crawlCmd.Flags().StringP("category", "c", "", "category to crawl (WOMEN, MEN, KIDS, BABY)")
	cronCmd.Flags().IntP("minutes", "m", 0, "polling interval in minutes")
}
