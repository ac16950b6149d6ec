// Package model 定义了与数据库表对应的数据结构
package model

import (
	"time"
)

// Conversation 对话模型
// 对应数据库表 conversations
// 一个用户可以拥有多个对话，每个对话绑定一个模型
type Conversation struct {
	// ID 对话唯一标识，自增主键
	ID int64 `gorm:"primaryKey" json:"id"`

	// UserID 所属用户ID，来自已签发的 JWT
	UserID int64 `gorm:"index;not null" json:"user_id"`

	// Title 对话标题
	// 为空时由第一条用户消息自动生成，生成后不再覆盖
	Title *string `gorm:"size:255" json:"title,omitempty"`

	// ModelUsed 对话使用的模型键，如 llama3
	ModelUsed string `gorm:"size:50;not null" json:"model_used"`

	// EnableHistory 是否把历史消息作为上下文发送给模型
	EnableHistory bool `gorm:"not null" json:"enable_history"`

	// CreatedAt 创建时间
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`

	// UpdatedAt 最后活动时间，每次追加消息时刷新
	UpdatedAt time.Time `gorm:"autoUpdateTime;index" json:"updated_at"`

	// Messages 对话中的消息（一对多关系）
	Messages []Message `gorm:"foreignKey:ConversationID" json:"messages,omitempty"`
}

// TableName 指定表名
func (Conversation) TableName() string {
	return "conversations"
}

// IsOwnedBy 判断对话是否属于指定用户
func (c *Conversation) IsOwnedBy(userID int64) bool {
	return c != nil && c.UserID == userID
}
