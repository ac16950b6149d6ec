// Package repository 提供数据访问层的实现
package repository

import (
	"context"

	"gorm.io/gorm"

	"ia-chat-server/internal/model"
)

// MessageRepository 消息数据访问层
// 负责消息相关的所有数据库操作
type MessageRepository struct {
	db *gorm.DB
}

// NewMessageRepository 创建 MessageRepository 实例
func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// WithTx 返回绑定到事务的副本
func (r *MessageRepository) WithTx(tx *gorm.DB) *MessageRepository {
	return &MessageRepository{db: tx}
}

// Create 创建新消息
// 参数:
//   - ctx: 上下文
//   - message: 消息对象，ID 和 CreatedAt 会被自动填充
//
// 返回:
//   - error: 数据库错误
func (r *MessageRepository) Create(ctx context.Context, message *model.Message) error {
	return r.db.WithContext(ctx).Create(message).Error
}

// GetByConversationID 获取对话的所有消息
// 按 (created_at, id) 正序排列（最早的在前）
func (r *MessageRepository) GetByConversationID(ctx context.Context, conversationID int64) ([]model.Message, error) {
	var messages []model.Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC, id ASC").
		Find(&messages).Error
	return messages, err
}

// GetByConversationIDWithPagination 分页获取对话的消息
// 参数:
//   - ctx: 上下文
//   - conversationID: 对话ID
//   - page: 页码，从 1 开始
//   - pageSize: 每页数量
//
// 返回:
//   - []model.Message: 消息列表
//   - int64: 总数量
//   - error: 数据库错误
func (r *MessageRepository) GetByConversationIDWithPagination(ctx context.Context, conversationID int64, page, pageSize int) ([]model.Message, int64, error) {
	var messages []model.Message
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Message{}).Where("conversation_id = ?", conversationID)

	if err := query.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * pageSize
	err := query.Session(&gorm.Session{}).
		Order("created_at ASC, id ASC").
		Offset(offset).
		Limit(pageSize).
		Find(&messages).Error

	return messages, total, err
}

// GetLatestByConversationID 获取对话的最新 N 条消息
// 参数:
//   - ctx: 上下文
//   - conversationID: 对话ID
//   - limit: 要获取的消息数量
//
// 返回:
//   - []model.Message: 消息列表（按时间正序）
//   - error: 数据库错误
func (r *MessageRepository) GetLatestByConversationID(ctx context.Context, conversationID int64, limit int) ([]model.Message, error) {
	var messages []model.Message
	if limit <= 0 {
		return messages, nil
	}

	// 子查询先倒序取最新的 N 条，外层再正序排列
	subQuery := r.db.WithContext(ctx).
		Model(&model.Message{}).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC, id DESC").
		Limit(limit)

	err := r.db.WithContext(ctx).
		Table("(?) as t", subQuery).
		Order("created_at ASC, id ASC").
		Find(&messages).Error

	return messages, err
}

// CountByConversationID 统计对话的消息数量
func (r *MessageRepository) CountByConversationID(ctx context.Context, conversationID int64) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.Message{}).Where("conversation_id = ?", conversationID).Count(&count).Error
	return count, err
}

// HasRole 判断对话中是否已有指定角色的消息
func (r *MessageRepository) HasRole(ctx context.Context, conversationID int64, role string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.Message{}).
		Where("conversation_id = ? AND role = ?", conversationID, role).
		Limit(1).
		Count(&count).Error
	return count > 0, err
}
