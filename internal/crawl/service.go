// Package crawl 串联 抓取 → 对账 → 新品推送 的完整流程。
package crawl

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"stockwatch/internal/catalog"
	"stockwatch/internal/dispatch"
	"stockwatch/internal/model"
	"stockwatch/internal/pkg/metrics"
	"stockwatch/internal/reconcile"
)

// Fetcher 是 catalog.Fetcher 的抓取能力。
type Fetcher interface {
	FetchCandidateCodes(ctx context.Context, category string) ([]string, error)
	FetchCatalogItems(ctx context.Context, codes []string, category string) ([]model.CatalogItem, error)
}

// Reconciler 是 reconcile.Engine 的对账能力。
type Reconciler interface {
	Reconcile(ctx context.Context, category string, fresh []model.CatalogItem) (reconcile.Result, error)
}

// Dispatcher 是 dispatch.Dispatcher 的推送能力。
type Dispatcher interface {
	DispatchNewArrivals(ctx context.Context, category string, newItems []model.CatalogItem) dispatch.Summary
}

// Report 是一次抓取的汇总结果。
type Report struct {
	RunID        string              `json:"run_id"`
	Category     string              `json:"category"`
	TotalFound   int                 `json:"total_found"`
	NewItems     []model.CatalogItem `json:"new_items"`
	SoldOutItems []model.CatalogItem `json:"sold_out_items"`
	Duration     time.Duration       `json:"duration"`
}

type Service struct {
	fetcher    Fetcher
	reconciler Reconciler
	dispatcher Dispatcher
	logger     *slog.Logger
}

func NewService(fetcher Fetcher, reconciler Reconciler, dispatcher Dispatcher, logger *slog.Logger) *Service {
	return &Service{
		fetcher:    fetcher,
		reconciler: reconciler,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Run 对一个类目执行一次完整抓取；category 为空时依次执行全部类目并汇总。
//
// 全部类目模式下某个类目失败不影响其他类目，错误在最后合并返回。
func (s *Service) Run(ctx context.Context, category string) (Report, error) {
	start := time.Now()
	runID := uuid.NewString()

	if category != "" {
		cat, ok := model.ParseCategory(category)
		if !ok {
			return Report{RunID: runID, Category: category}, fmt.Errorf("%w: %q", catalog.ErrUnknownCategory, category)
		}
		rep, err := s.runCategory(ctx, runID, cat)
		rep.Duration = time.Since(start)
		return rep, err
	}

	total := Report{RunID: runID}
	var failed []string
	var firstErr error
	for _, cat := range model.AllCategories {
		rep, err := s.runCategory(ctx, runID, cat)
		total.TotalFound += rep.TotalFound
		total.NewItems = append(total.NewItems, rep.NewItems...)
		total.SoldOutItems = append(total.SoldOutItems, rep.SoldOutItems...)
		if err != nil {
			failed = append(failed, string(cat))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	total.Duration = time.Since(start)
	if firstErr != nil {
		return total, fmt.Errorf("crawl failed for %v: %w", failed, firstErr)
	}
	return total, nil
}

func (s *Service) runCategory(ctx context.Context, runID string, cat model.Category) (rep Report, err error) {
	category := string(cat)
	rep = Report{RunID: runID, Category: category}
	start := time.Now()

	defer func() {
		status := "success"
		if err != nil {
			status = "failure"
		}
		metrics.CrawlRunsTotal.WithLabelValues(category, status).Inc()
		metrics.CrawlDuration.WithLabelValues(category).Observe(time.Since(start).Seconds())
	}()

	logger := s.logger.With(slog.String("run_id", runID), slog.String("category", category))

	codes, err := s.fetcher.FetchCandidateCodes(ctx, category)
	if err != nil {
		logger.Error("fetch candidate codes failed", slog.String("error", err.Error()))
		return rep, fmt.Errorf("fetch codes: %w", err)
	}

	items, err := s.fetcher.FetchCatalogItems(ctx, codes, category)
	if err != nil {
		logger.Error("fetch catalog items failed", slog.String("error", err.Error()))
		return rep, fmt.Errorf("fetch items: %w", err)
	}
	rep.TotalFound = len(items)

	res, err := s.reconciler.Reconcile(ctx, category, items)
	if err != nil {
		logger.Error("reconcile failed", slog.String("error", err.Error()))
		return rep, err
	}
	rep.NewItems = res.NewItems
	rep.SoldOutItems = res.SoldOutItems

	if s.dispatcher != nil && len(res.NewItems) > 0 {
		s.dispatcher.DispatchNewArrivals(ctx, category, res.NewItems)
	}

	logger.Info("crawl completed",
		slog.Int("codes", len(codes)),
		slog.Int("found", rep.TotalFound),
		slog.Int("new", len(rep.NewItems)),
		slog.Int("sold_out", len(rep.SoldOutItems)),
		slog.String("elapsed", time.Since(start).String()))
	return rep, nil
}
