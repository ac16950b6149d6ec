// Package model 定义了与数据库表对应的数据结构
package model

import (
	"time"
)

// Preference 用户对话偏好
// 对应数据库表 conversation_preferences，每个用户最多一条
type Preference struct {
	ID int64 `gorm:"primaryKey" json:"-"`

	// UserID 所属用户，唯一
	UserID int64 `gorm:"uniqueIndex;not null" json:"user_id"`

	DefaultModel         string  `gorm:"size:50;not null" json:"default_model"`
	DefaultEnableHistory bool    `gorm:"not null" json:"default_enable_history"`
	MaxContextMessages   int     `gorm:"not null" json:"max_context_messages"` // >= 0
	Temperature          float64 `gorm:"not null" json:"temperature"`          // 0.0 - 1.0
	MaxTokens            int     `gorm:"not null" json:"max_tokens"`           // >= 50

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName 指定表名
func (Preference) TableName() string {
	return "conversation_preferences"
}
