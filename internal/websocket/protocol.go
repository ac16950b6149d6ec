// Package websocket 提供对话会话的 WebSocket 通信功能
package websocket

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"ia-chat-server/internal/model"
	"ia-chat-server/pkg/util"
)

// 客户端 → 服务端消息类型
const (
	TypeMessage         = "message"          // 用户消息
	TypeNewConversation = "new_conversation" // 新建对话
	TypeLoadHistory     = "load_history"     // 加载历史
)

// 服务端 → 客户端消息类型
const (
	TypeConnectionEstablished = "connection_established"
	TypeConversationCreated   = "conversation_created"
	TypeMessageReceived       = "message_received"
	TypeAssistantThinking     = "assistant_thinking"
	TypeAssistantChunk        = "assistant_chunk"
	TypeAssistantComplete     = "assistant_complete"
	TypeHistoryLoaded         = "history_loaded"
	TypeError                 = "error"
)

// 自定义关闭码
const (
	CloseUnauthenticated        = 4001
	CloseConversationForbidden  = 4003
	CloseConversationNotFound   = 4004
	reasonUnauthenticated       = "unauthenticated"
	reasonConversationForbidden = "conversation-forbidden"
	reasonConversationNotFound  = "conversation-not-found"
)

// 文案
const (
	textConnected        = "Connected successfully"
	textThinking         = "Generating response..."
	textInvalidJSON      = "Invalid JSON format"
	textEmptyContent     = "Message content cannot be empty"
	textNoConversation   = "No active conversation"
	textConversationGone = "Conversation no longer exists"
	textGenerationFailed = "Failed to generate response: "
	textServerError      = "Server error: internal error"
)

// timestampLayout ISO 8601，保留微秒
const timestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// CommandKind 解码后的命令种类
type CommandKind int

const (
	CommandInvalid CommandKind = iota
	CommandChat
	CommandNewConversation
	CommandLoadHistory
)

// Command 解码后的入站命令
type Command struct {
	Kind          CommandKind
	Content       string  // CommandChat
	Model         *string // CommandNewConversation，nil 表示使用偏好
	EnableHistory *bool   // CommandNewConversation，nil 表示使用偏好
	Reason        string  // CommandInvalid
}

type inboundFrame struct {
	Type          string  `json:"type"`
	Content       string  `json:"content"`
	Model         *string `json:"model"`
	EnableHistory *bool   `json:"enable_history"`
}

// DecodeCommand 把一帧文本解码成命令
// 任何失败都以 CommandInvalid 返回，不会产生错误
func DecodeCommand(data []byte) Command {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return Command{Kind: CommandInvalid, Reason: textInvalidJSON}
	}

	switch f.Type {
	case "", TypeMessage:
		content := strings.TrimSpace(f.Content)
		if content == "" {
			return Command{Kind: CommandInvalid, Reason: textEmptyContent}
		}
		return Command{Kind: CommandChat, Content: content}
	case TypeNewConversation:
		return Command{Kind: CommandNewConversation, Model: f.Model, EnableHistory: f.EnableHistory}
	case TypeLoadHistory:
		return Command{Kind: CommandLoadHistory}
	default:
		return Command{Kind: CommandInvalid, Reason: fmt.Sprintf("Unknown message type: %s", f.Type)}
	}
}

// Encode 序列化出站事件
func Encode(event interface{}) ([]byte, error) {
	return json.Marshal(event)
}

// FormatTimestamp 出站时间戳格式
func FormatTimestamp(t time.Time) string {
	return t.Format(timestampLayout)
}

// ConnectionEstablishedEvent 连接建立
type ConnectionEstablishedEvent struct {
	Type           string `json:"type"`
	ConversationID *int64 `json:"conversation_id"`
	Message        string `json:"message"`
}

// ConversationCreatedEvent 对话创建
type ConversationCreatedEvent struct {
	Type           string `json:"type"`
	ConversationID int64  `json:"conversation_id"`
	Model          string `json:"model"`
	EnableHistory  bool   `json:"enable_history"`
}

// MessageReceivedEvent 用户消息已落库
type MessageReceivedEvent struct {
	Type      string `json:"type"`
	MessageID int64  `json:"message_id"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// AssistantThinkingEvent 开始生成
type AssistantThinkingEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// AssistantChunkEvent 一个流式块
type AssistantChunkEvent struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// AssistantCompleteEvent 生成完成
type AssistantCompleteEvent struct {
	Type           string  `json:"type"`
	MessageID      int64   `json:"message_id"`
	Content        string  `json:"content"`
	TokensUsed     int     `json:"tokens_used"`
	GenerationTime float64 `json:"generation_time"`
	Timestamp      string  `json:"timestamp"`
}

// HistoryItem 历史中的一条消息
type HistoryItem struct {
	ID             int64    `json:"id"`
	Role           string   `json:"role"`
	Content        string   `json:"content"`
	Timestamp      string   `json:"timestamp"`
	TokensUsed     *int     `json:"tokens_used"`
	GenerationTime *float64 `json:"generation_time"`
}

// HistoryLoadedEvent 历史消息
type HistoryLoadedEvent struct {
	Type     string        `json:"type"`
	Messages []HistoryItem `json:"messages"`
}

// ErrorEvent 错误
type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewConnectionEstablished 创建连接建立事件
func NewConnectionEstablished(conversationID *int64) *ConnectionEstablishedEvent {
	return &ConnectionEstablishedEvent{Type: TypeConnectionEstablished, ConversationID: conversationID, Message: textConnected}
}

// NewConversationCreated 创建对话创建事件
func NewConversationCreated(conv *model.Conversation) *ConversationCreatedEvent {
	return &ConversationCreatedEvent{
		Type:           TypeConversationCreated,
		ConversationID: conv.ID,
		Model:          conv.ModelUsed,
		EnableHistory:  conv.EnableHistory,
	}
}

// NewMessageReceived 创建消息已接收事件
func NewMessageReceived(msg *model.Message) *MessageReceivedEvent {
	return &MessageReceivedEvent{
		Type:      TypeMessageReceived,
		MessageID: msg.ID,
		Content:   msg.Content,
		Timestamp: FormatTimestamp(msg.CreatedAt),
	}
}

// NewAssistantThinking 创建生成中事件
func NewAssistantThinking() *AssistantThinkingEvent {
	return &AssistantThinkingEvent{Type: TypeAssistantThinking, Message: textThinking}
}

// NewAssistantChunk 创建流式块事件
func NewAssistantChunk(content string) *AssistantChunkEvent {
	return &AssistantChunkEvent{Type: TypeAssistantChunk, Content: content}
}

// NewAssistantComplete 创建生成完成事件，耗时保留两位小数
func NewAssistantComplete(msg *model.Message) *AssistantCompleteEvent {
	ev := &AssistantCompleteEvent{
		Type:      TypeAssistantComplete,
		MessageID: msg.ID,
		Content:   msg.Content,
		Timestamp: FormatTimestamp(msg.CreatedAt),
	}
	if msg.TokensUsed != nil {
		ev.TokensUsed = *msg.TokensUsed
	}
	if msg.GenerationTime != nil {
		ev.GenerationTime = util.Round(*msg.GenerationTime, 2)
	}
	return ev
}

// NewHistoryLoaded 创建历史事件
func NewHistoryLoaded(messages []model.Message) *HistoryLoadedEvent {
	items := make([]HistoryItem, 0, len(messages))
	for _, m := range messages {
		items = append(items, HistoryItem{
			ID:             m.ID,
			Role:           m.Role,
			Content:        m.Content,
			Timestamp:      FormatTimestamp(m.CreatedAt),
			TokensUsed:     m.TokensUsed,
			GenerationTime: m.GenerationTime,
		})
	}
	return &HistoryLoadedEvent{Type: TypeHistoryLoaded, Messages: items}
}

// NewError 创建错误事件
func NewError(message string) *ErrorEvent {
	return &ErrorEvent{Type: TypeError, Message: message}
}
