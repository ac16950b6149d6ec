// Package repository 提供数据访问层的实现
package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"ia-chat-server/internal/model"
)

// ConversationRepository 对话数据访问层
// 负责对话相关的所有数据库操作
type ConversationRepository struct {
	db *gorm.DB
}

// NewConversationRepository 创建 ConversationRepository 实例
func NewConversationRepository(db *gorm.DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

// WithTx 返回绑定到事务的副本
func (r *ConversationRepository) WithTx(tx *gorm.DB) *ConversationRepository {
	return &ConversationRepository{db: tx}
}

// Create 创建新对话
// 参数:
//   - ctx: 上下文
//   - conv: 对话对象，ID 和时间戳会被自动填充
//
// 返回:
//   - error: 数据库错误
func (r *ConversationRepository) Create(ctx context.Context, conv *model.Conversation) error {
	return r.db.WithContext(ctx).Create(conv).Error
}

// GetByID 根据 ID 获取对话
// 参数:
//   - ctx: 上下文
//   - id: 对话ID
//
// 返回:
//   - *model.Conversation: 对话对象，不存在返回 nil
//   - error: 数据库错误
func (r *ConversationRepository) GetByID(ctx context.Context, id int64) (*model.Conversation, error) {
	var conv model.Conversation
	err := r.db.WithContext(ctx).First(&conv, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &conv, nil
}

// ListByUserIDWithPagination 分页获取用户的对话，最近活动的在前
// 参数:
//   - ctx: 上下文
//   - userID: 用户ID
//   - page: 页码，从 1 开始
//   - pageSize: 每页数量
//
// 返回:
//   - []model.Conversation: 对话列表
//   - int64: 总数量
//   - error: 数据库错误
func (r *ConversationRepository) ListByUserIDWithPagination(ctx context.Context, userID int64, page, pageSize int) ([]model.Conversation, int64, error) {
	var convs []model.Conversation
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Conversation{}).Where("user_id = ?", userID)

	if err := query.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * pageSize
	err := query.Session(&gorm.Session{}).
		Order("updated_at DESC, id DESC").
		Offset(offset).
		Limit(pageSize).
		Find(&convs).Error

	return convs, total, err
}

// SetTitleIfEmpty 仅在标题为空时写入标题
// 返回是否真的写入
func (r *ConversationRepository) SetTitleIfEmpty(ctx context.Context, id int64, title string, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&model.Conversation{}).
		Where("id = ? AND title IS NULL", id).
		UpdateColumns(map[string]interface{}{
			"title":      title,
			"updated_at": at,
		})
	return result.RowsAffected > 0, result.Error
}

// Touch 刷新对话的最后活动时间
func (r *ConversationRepository) Touch(ctx context.Context, id int64, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&model.Conversation{}).
		Where("id = ?", id).
		UpdateColumn("updated_at", at).Error
}

// Delete 删除对话及其消息
func (r *ConversationRepository) Delete(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("conversation_id = ?", id).Delete(&model.Message{}).Error; err != nil {
			return err
		}
		return tx.Delete(&model.Conversation{}, id).Error
	})
}
