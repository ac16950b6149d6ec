// Package handler 提供 HTTP 请求处理器
package handler

import (
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"ia-chat-server/internal/middleware"
	"ia-chat-server/internal/model"
	"ia-chat-server/internal/service"
	"ia-chat-server/internal/websocket"
	"ia-chat-server/pkg/response"
)

// ConversationHandler 对话请求处理器
type ConversationHandler struct {
	conversationService *service.ConversationService
	logger              *slog.Logger
}

// NewConversationHandler 创建 ConversationHandler 实例
func NewConversationHandler(conversationService *service.ConversationService, logger *slog.Logger) *ConversationHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConversationHandler{
		conversationService: conversationService,
		logger:              logger,
	}
}

// ConversationResponse 对话信息
type ConversationResponse struct {
	ID            int64     `json:"id"`
	Title         *string   `json:"title"`
	ModelUsed     string    `json:"model_used"`
	EnableHistory bool      `json:"enable_history"`
	MessageCount  int64     `json:"message_count"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ConversationListResponse 对话列表响应
type ConversationListResponse struct {
	Conversations []ConversationResponse `json:"conversations"`
	Total         int64                  `json:"total"`
	Page          int                    `json:"page"`
	PageSize      int                    `json:"page_size"`
}

// MessageListResponse 消息列表响应
type MessageListResponse struct {
	Messages []websocket.HistoryItem `json:"messages"`
	Total    int64                   `json:"total"`
	Page     int                     `json:"page"`
	PageSize int                     `json:"page_size"`
}

// ListConversations 获取当前用户的对话列表
// @Summary 获取对话列表
// @Description 按最后活动时间倒序
// @Tags 对话
// @Security Bearer
// @Produce json
// @Param page query int false "页码" default(1)
// @Param page_size query int false "每页数量" default(20)
// @Success 200 {object} response.Response{data=ConversationListResponse}
// @Router /api/v1/conversations [get]
func (h *ConversationHandler) ListConversations(c *gin.Context) {
	userID := middleware.GetUserID(c)
	page, pageSize := pagination(c)
	ctx := c.Request.Context()

	conversations, total, err := h.conversationService.List(ctx, userID, page, pageSize)
	if err != nil {
		h.logger.Error("list conversations failed", "user_id", userID, "error", err)
		response.InternalError(c, "获取对话列表失败")
		return
	}

	items := make([]ConversationResponse, 0, len(conversations))
	for i := range conversations {
		conv := &conversations[i]
		count, err := h.conversationService.MessageCount(ctx, conv.ID)
		if err != nil {
			h.logger.Error("count messages failed", "conversation_id", conv.ID, "error", err)
			response.InternalError(c, "获取对话列表失败")
			return
		}
		items = append(items, toConversationResponse(conv, count))
	}

	response.Success(c, ConversationListResponse{
		Conversations: items,
		Total:         total,
		Page:          page,
		PageSize:      pageSize,
	})
}

// ListMessages 获取对话消息
// @Summary 获取对话消息
// @Tags 对话
// @Security Bearer
// @Produce json
// @Param id path int true "对话ID"
// @Success 200 {object} response.Response{data=MessageListResponse}
// @Router /api/v1/conversations/{id}/messages [get]
func (h *ConversationHandler) ListMessages(c *gin.Context) {
	userID := middleware.GetUserID(c)
	conversationID, ok := parseID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if _, err := h.conversationService.GetOwned(ctx, userID, conversationID); err != nil {
		h.writeConversationError(c, err)
		return
	}

	page, pageSize := pagination(c)
	messages, total, err := h.conversationService.Messages(ctx, conversationID, page, pageSize)
	if err != nil {
		h.logger.Error("list messages failed", "conversation_id", conversationID, "error", err)
		response.InternalError(c, "获取消息失败")
		return
	}

	response.Success(c, MessageListResponse{
		Messages: websocket.NewHistoryLoaded(messages).Messages,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	})
}

// DeleteConversation 删除对话及其消息
// @Summary 删除对话
// @Tags 对话
// @Security Bearer
// @Param id path int true "对话ID"
// @Success 204
// @Router /api/v1/conversations/{id} [delete]
func (h *ConversationHandler) DeleteConversation(c *gin.Context) {
	userID := middleware.GetUserID(c)
	conversationID, ok := parseID(c)
	if !ok {
		return
	}

	if err := h.conversationService.Delete(c.Request.Context(), userID, conversationID); err != nil {
		h.writeConversationError(c, err)
		return
	}
	response.NoContent(c)
}

// RegisterRoutes 注册对话路由
func (h *ConversationHandler) RegisterRoutes(r gin.IRouter) {
	conversations := r.Group("/conversations")
	{
		conversations.GET("", h.ListConversations)
		conversations.GET("/:id/messages", h.ListMessages)
		conversations.DELETE("/:id", h.DeleteConversation)
	}
}

func (h *ConversationHandler) writeConversationError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrConversationNotFound):
		response.ConversationNotFound(c)
	case errors.Is(err, service.ErrConversationForbidden):
		response.Forbidden(c, err.Error())
	default:
		h.logger.Error("conversation request failed", "error", err)
		response.InternalError(c, "服务器内部错误")
	}
}

func toConversationResponse(conv *model.Conversation, messageCount int64) ConversationResponse {
	return ConversationResponse{
		ID:            conv.ID,
		Title:         conv.Title,
		ModelUsed:     conv.ModelUsed,
		EnableHistory: conv.EnableHistory,
		MessageCount:  messageCount,
		CreatedAt:     conv.CreatedAt,
		UpdatedAt:     conv.UpdatedAt,
	}
}

// pagination 解析分页参数
func pagination(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return page, pageSize
}

func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		response.BadRequest(c, "无效的对话ID")
		return 0, false
	}
	return id, true
}
