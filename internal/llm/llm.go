// Package llm 定义推理后端的接入契约，并管理已加载的模型实例
//
// 后端被视为有状态、单线程的黑盒：Load 返回一个 Handle，
// Handle.Generate 返回按产出顺序读取的 ChunkStream。
// 同一个 Handle 同一时刻只服务一次生成，由 Registry 负责排队。
package llm

import (
	"context"
	"errors"
	"fmt"
)

// 消息角色
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage 发送给模型的一条上下文消息
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ModelSpec 模型加载参数
type ModelSpec struct {
	Key         string // 注册表中的模型键，如 llama3
	Name        string // 后端使用的模型名
	Path        string // 模型文件路径，可为空
	ContextSize int
	Threads     int
	BaseURL     string // 覆盖后端默认地址
}

// GenerateRequest 一次生成请求
type GenerateRequest struct {
	Messages    []ChatMessage
	MaxTokens   int
	Temperature float64
	Stream      bool
	Stop        []string
}

// ChunkStream 按产出顺序返回文本块
// 结束时 Recv 返回 io.EOF
type ChunkStream interface {
	Recv() (string, error)
	Close() error
}

// Handle 一个已加载的模型实例
type Handle interface {
	Generate(ctx context.Context, req GenerateRequest) (ChunkStream, error)
	Close() error
}

// Backend 负责把 ModelSpec 变成可用的 Handle
type Backend interface {
	Load(ctx context.Context, spec ModelSpec) (Handle, error)
}

var (
	// ErrUnknownModel 模型键未配置
	ErrUnknownModel = errors.New("unknown model")
	// ErrQueueTimeout 等待模型空闲超时
	ErrQueueTimeout = errors.New("timed out waiting for model")
)

// ResourceError 模型文件缺失、加载失败等资源类错误
type ResourceError struct {
	Model string
	Op    string
	Err   error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("model %s: %s: %v", e.Model, e.Op, e.Err)
}

func (e *ResourceError) Unwrap() error {
	return e.Err
}
