// Package reconcile 把一次抓取结果与库中已有变体对账。
package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"stockwatch/internal/model"
	"stockwatch/internal/pkg/metrics"
)

const (
	DefaultBatchSize = 50
	DefaultPageSize  = 1000
)

// Store 是对账所需的持久化能力。
type Store interface {
	ListByCategory(ctx context.Context, category string, offset, limit int) ([]model.CatalogItem, error)
	DeleteByIDs(ctx context.Context, ids []uint) error
	UpdateItems(ctx context.Context, items []model.CatalogItem) error
	InsertItems(ctx context.Context, items []model.CatalogItem) error
}

// Result 是一次对账的分类结果。
//
// NewItems 与 ExistingItems 互不相交，并集为去重后的本轮抓取结果。
type Result struct {
	NewItems      []model.CatalogItem
	ExistingItems []model.CatalogItem
	SoldOutItems  []model.CatalogItem
	DuplicateRows int // 同一身份键的多余行，已删除
	FailedBatches int
}

type Engine struct {
	store     Store
	batchSize int
	pageSize  int
	logger    *slog.Logger
}

func NewEngine(store Store, batchSize, pageSize int, logger *slog.Logger) *Engine {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Engine{store: store, batchSize: batchSize, pageSize: pageSize, logger: logger}
}

// Reconcile 对一个类目执行对账。
//
// 写入顺序固定为 删除 → 更新 → 插入，按批提交，批次失败只记录不回滚。
// 只有加载已有数据失败时返回错误，此时不做任何写入。
func (e *Engine) Reconcile(ctx context.Context, category string, fresh []model.CatalogItem) (Result, error) {
	var res Result

	persisted, err := e.loadAll(ctx, category)
	if err != nil {
		return res, fmt.Errorf("load %s items: %w", category, err)
	}

	oldMap := make(map[string]model.CatalogItem, len(persisted))
	var dupIDs []uint
	for _, row := range persisted {
		key := row.Key()
		if _, ok := oldMap[key]; ok {
			dupIDs = append(dupIDs, row.ID)
			continue
		}
		oldMap[key] = row
	}
	res.DuplicateRows = len(dupIDs)

	freshKeys, newMap := dedupeFresh(fresh, category)

	var updates []model.CatalogItem
	for _, key := range freshKeys {
		item := newMap[key]
		item.IdentityKey = key
		if old, ok := oldMap[key]; ok {
			item.ID = old.ID
			item.CreatedAt = old.CreatedAt
			item.Status = model.StatusOld
			updates = append(updates, item)
			res.ExistingItems = append(res.ExistingItems, item)
			continue
		}
		item.ID = 0
		item.Status = model.StatusNew
		res.NewItems = append(res.NewItems, item)
	}

	var deleteIDs []uint
	for _, row := range persisted {
		if _, ok := newMap[row.Key()]; ok {
			continue
		}
		if old, ok := oldMap[row.Key()]; ok && old.ID == row.ID {
			res.SoldOutItems = append(res.SoldOutItems, row)
			deleteIDs = append(deleteIDs, row.ID)
		}
	}
	deleteIDs = append(deleteIDs, dupIDs...)

	res.FailedBatches += e.deleteAll(ctx, category, deleteIDs)
	res.FailedBatches += e.updateAll(ctx, category, updates)
	res.FailedBatches += e.insertAll(ctx, category, res.NewItems)

	metrics.ReconcileItemsTotal.WithLabelValues(category, "new").Add(float64(len(res.NewItems)))
	metrics.ReconcileItemsTotal.WithLabelValues(category, "existing").Add(float64(len(res.ExistingItems)))
	metrics.ReconcileItemsTotal.WithLabelValues(category, "sold_out").Add(float64(len(res.SoldOutItems)))

	e.logger.Info("reconcile completed",
		slog.String("category", category),
		slog.Int("persisted", len(persisted)),
		slog.Int("fresh", len(freshKeys)),
		slog.Int("new", len(res.NewItems)),
		slog.Int("existing", len(res.ExistingItems)),
		slog.Int("sold_out", len(res.SoldOutItems)),
		slog.Int("duplicates", res.DuplicateRows),
		slog.Int("failed_batches", res.FailedBatches))
	return res, nil
}

// loadAll 分页读取，直到返回不满一页。
func (e *Engine) loadAll(ctx context.Context, category string) ([]model.CatalogItem, error) {
	var all []model.CatalogItem
	for offset := 0; ; {
		page, err := e.store.ListByCategory(ctx, category, offset, e.pageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < e.pageSize {
			return all, nil
		}
		offset += len(page)
	}
}

// dedupeFresh 按身份键去重，保留首次出现的顺序，字段取最后一次观测。
func dedupeFresh(fresh []model.CatalogItem, category string) ([]string, map[string]model.CatalogItem) {
	keys := make([]string, 0, len(fresh))
	m := make(map[string]model.CatalogItem, len(fresh))
	for _, it := range fresh {
		it.Category = category
		key := it.Key()
		if _, ok := m[key]; !ok {
			keys = append(keys, key)
		}
		m[key] = it
	}
	return keys, m
}

func (e *Engine) deleteAll(ctx context.Context, category string, ids []uint) int {
	failed := 0
	for start := 0; start < len(ids); start += e.batchSize {
		chunk := ids[start:min(start+e.batchSize, len(ids))]
		if err := e.store.DeleteByIDs(ctx, chunk); err != nil {
			failed++
			e.batchFailed(category, "delete", start, len(chunk), err)
		}
	}
	return failed
}

func (e *Engine) updateAll(ctx context.Context, category string, items []model.CatalogItem) int {
	failed := 0
	for start := 0; start < len(items); start += e.batchSize {
		chunk := uniqueByID(items[start:min(start+e.batchSize, len(items))])
		if err := e.store.UpdateItems(ctx, chunk); err != nil {
			failed++
			e.batchFailed(category, "update", start, len(chunk), err)
		}
	}
	return failed
}

func (e *Engine) insertAll(ctx context.Context, category string, items []model.CatalogItem) int {
	failed := 0
	for start := 0; start < len(items); start += e.batchSize {
		chunk := items[start:min(start+e.batchSize, len(items))]
		if err := e.store.InsertItems(ctx, chunk); err != nil {
			failed++
			e.batchFailed(category, "insert", start, len(chunk), err)
		}
	}
	return failed
}

func (e *Engine) batchFailed(category, op string, offset, size int, err error) {
	metrics.ReconcileBatchFailuresTotal.WithLabelValues(op).Inc()
	e.logger.Error("reconcile batch failed",
		slog.String("category", category),
		slog.String("op", op),
		slog.Int("offset", offset),
		slog.Int("size", size),
		slog.String("error", err.Error()))
}

// uniqueByID 同一批内每个行号只保留最后一条。
func uniqueByID(items []model.CatalogItem) []model.CatalogItem {
	pos := make(map[uint]int, len(items))
	out := make([]model.CatalogItem, 0, len(items))
	for _, it := range items {
		if i, ok := pos[it.ID]; ok {
			out[i] = it
			continue
		}
		pos[it.ID] = len(out)
		out = append(out, it)
	}
	return out
}
