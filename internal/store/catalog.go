package store

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"stockwatch/internal/model"
)

// catalogRefreshColumns 是已存在变体每轮刷新的可变字段。
var catalogRefreshColumns = []string{
	"product_id", "name", "price", "min_price", "origin_price",
	"stock_count", "sku_id", "status", "identity_key", "updated_at",
}

// CatalogStore 是 catalog_items 表的访问层。
type CatalogStore struct {
	db *gorm.DB
}

func NewCatalogStore(db *gorm.DB) *CatalogStore {
	return &CatalogStore{db: db}
}

// ListByCategory 按行号顺序分页读取某类目的商品。
func (s *CatalogStore) ListByCategory(ctx context.Context, category string, offset, limit int) ([]model.CatalogItem, error) {
	var items []model.CatalogItem
	err := s.db.WithContext(ctx).
		Where("category = ?", category).
		Order("id ASC").
		Offset(offset).
		Limit(limit).
		Find(&items).Error
	return items, err
}

// DeleteByIDs 按行号删除。
func (s *CatalogStore) DeleteByIDs(ctx context.Context, ids []uint) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&model.CatalogItem{}).Error
}

// UpdateItems 以主键冲突的 upsert 一次性刷新一批已有行。
//
// 同一批内行号必须唯一，PostgreSQL 不允许一条语句两次更新同一行。
func (s *CatalogStore) UpdateItems(ctx context.Context, items []model.CatalogItem) error {
	if len(items) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(catalogRefreshColumns),
	}).Create(&items).Error
}

// InsertItems 批量插入新行。
func (s *CatalogStore) InsertItems(ctx context.Context, items []model.CatalogItem) error {
	if len(items) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Create(&items).Error
}

// CountByCode 统计某类目下某货号的行数。
func (s *CatalogStore) CountByCode(ctx context.Context, category, code string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.CatalogItem{}).
		Where("category = ? AND code = ?", category, code).
		Count(&n).Error
	return n, err
}
