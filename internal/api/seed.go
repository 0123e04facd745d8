package api

import (
	"context"
	"log/slog"

	"gorm.io/gorm/clause"

	"stockwatch/internal/model"
)

// SeedDefaults 初始化基础数据。
//
// 每个类目保证有一条调度记录（默认禁用），用户表为空时创建 1 号管理员，
// 方便首次部署后直接用 stockctl token --user 1 --role admin 登录管理端。
func (s *Server) SeedDefaults(ctx context.Context) error {
	for _, cat := range model.AllCategories {
		row := model.Schedule{Category: string(cat)}
		if err := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "category"}}, DoNothing: true}).
			Create(&row).Error; err != nil {
			return err
		}
	}

	var users int64
	if err := s.db.WithContext(ctx).Model(&model.User{}).Count(&users).Error; err != nil {
		return err
	}
	if users > 0 {
		return nil
	}
	admin := model.User{Nickname: "admin", Role: model.RoleAdmin}
	if err := s.db.WithContext(ctx).Create(&admin).Error; err != nil {
		return err
	}
	s.logger.Info("bootstrap admin created", slog.Uint64("user_id", uint64(admin.ID)))
	return nil
}
