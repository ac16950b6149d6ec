// Package service 提供业务逻辑层的实现
package service

import (
	"errors"
	"fmt"

	"ia-chat-server/internal/llm"
)

// 对话服务相关错误
var (
	ErrConversationNotFound  = errors.New("对话不存在")
	ErrConversationForbidden = errors.New("无权访问此对话")
	ErrEmptyResponse         = errors.New("model returned an empty response")
	ErrPreferenceMissing     = errors.New("用户偏好创建失败")
)

// ValidationError 输入不合法，不会修改任何状态
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// NewValidationError 创建 ValidationError
func NewValidationError(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// BackendError 推理后端失败，本次不会持久化助手消息
type BackendError struct {
	Model string
	Err   error
}

func (e *BackendError) Error() string {
	return e.Err.Error()
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// PublicMessage 返回可以展示给客户端的描述
// 资源类错误只暴露概要，细节写日志
func (e *BackendError) PublicMessage() string {
	var re *llm.ResourceError
	if errors.As(e.Err, &re) {
		return fmt.Sprintf("model %s is unavailable", e.Model)
	}
	if errors.Is(e.Err, llm.ErrQueueTimeout) {
		return fmt.Sprintf("model %s is busy, please retry", e.Model)
	}
	return e.Err.Error()
}
