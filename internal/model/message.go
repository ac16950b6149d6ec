// Package model 定义了与数据库表对应的数据结构
package model

import (
	"time"
)

// MessageRole 消息角色常量
const (
	MessageRoleUser      = "user"      // 用户消息
	MessageRoleAssistant = "assistant" // 模型响应
	MessageRoleSystem    = "system"    // 系统提示
)

// Message 消息模型
// 对应数据库表 messages
// 同一对话内按 (created_at, id) 排序
type Message struct {
	// ID 消息唯一标识，自增主键
	ID int64 `gorm:"primaryKey" json:"id"`

	// ConversationID 所属对话ID，外键关联 conversations.id
	ConversationID int64 `gorm:"not null;index:idx_messages_conversation_created,priority:1" json:"conversation_id"`

	// Role 消息角色: user / assistant / system
	Role string `gorm:"size:20;not null" json:"role"`

	// Content 消息内容，不允许为空
	Content string `gorm:"type:text;not null" json:"content"`

	// TokensUsed 生成的 token 数，仅助手消息有值
	TokensUsed *int `json:"tokens_used"`

	// GenerationTime 生成耗时（秒），仅助手消息有值
	GenerationTime *float64 `json:"generation_time"`

	// CreatedAt 消息创建时间
	CreatedAt time.Time `gorm:"autoCreateTime;index:idx_messages_conversation_created,priority:2" json:"created_at"`
}

// TableName 指定表名
func (Message) TableName() string {
	return "messages"
}
