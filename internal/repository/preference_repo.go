// Package repository 提供数据访问层的实现
package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"ia-chat-server/internal/model"
)

// PreferenceRepository 用户偏好数据访问层
type PreferenceRepository struct {
	db *gorm.DB
}

// NewPreferenceRepository 创建 PreferenceRepository 实例
func NewPreferenceRepository(db *gorm.DB) *PreferenceRepository {
	return &PreferenceRepository{db: db}
}

// GetByUserID 获取用户偏好
// 返回:
//   - *model.Preference: 偏好，不存在返回 nil
//   - error: 数据库错误
func (r *PreferenceRepository) GetByUserID(ctx context.Context, userID int64) (*model.Preference, error) {
	var pref model.Preference
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&pref).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &pref, nil
}

// CreateIfAbsent 插入偏好，user_id 已存在时什么都不做
// 并发首次访问时依赖唯一索引保证只有一行
func (r *PreferenceRepository) CreateIfAbsent(ctx context.Context, pref *model.Preference) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(pref).Error
}

// Update 保存偏好的全部字段
func (r *PreferenceRepository) Update(ctx context.Context, pref *model.Preference) error {
	return r.db.WithContext(ctx).Save(pref).Error
}

// CountByUserID 统计用户的偏好行数，正常情况下为 0 或 1
func (r *PreferenceRepository) CountByUserID(ctx context.Context, userID int64) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.Preference{}).Where("user_id = ?", userID).Count(&count).Error
	return count, err
}
