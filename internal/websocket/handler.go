// Package websocket 提供对话会话的 WebSocket 通信功能
package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"ia-chat-server/pkg/util"
)

// TokenVerifier 校验访问令牌并返回用户ID
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (int64, error)
}

// HandlerOptions 连接参数
type HandlerOptions struct {
	AllowedOrigins []string // 为空或包含 "*" 时不限制
	SendBuffer     int      // 每个连接的发送缓冲
}

// Handler 处理 WebSocket 连接
type Handler struct {
	hub        *Hub
	verifier   TokenVerifier
	deps       SessionDeps
	upgrader   websocket.Upgrader
	sendBuffer int
	logger     *slog.Logger
}

// NewHandler 创建 WebSocket Handler
func NewHandler(hub *Hub, verifier TokenVerifier, deps SessionDeps, opts HandlerOptions, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		hub:      hub,
		verifier: verifier,
		deps:     deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(opts.AllowedOrigins),
		},
		sendBuffer: opts.SendBuffer,
		logger:     logger,
	}
}

// HandleChat 处理对话 WebSocket 连接
// 路由: GET /ws/chat, GET /ws/chat/:conversation_id
// 参数: token (query / Authorization / access_token cookie) - JWT token
// 认证或对话校验失败时仍完成升级，再以 4001 / 4003 / 4004 关闭
func (h *Handler) HandleChat(c *gin.Context) {
	var conversationID *int64
	if raw := c.Param("conversation_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			// 非法ID按不存在处理
			id = -1
		}
		conversationID = &id
	}

	var userID int64
	if token := tokenFromRequest(c.Request); token != "" {
		id, err := h.verifier.Verify(c.Request.Context(), token)
		if err != nil {
			h.logger.Warn("websocket token rejected", "error", err, "remote", c.ClientIP())
		} else {
			userID = id
		}
	}

	// 升级 HTTP 连接为 WebSocket
	wsConn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade connection", "error", err)
		return
	}

	client := NewClient(wsConn, h.sendBuffer, h.logger)
	go client.WritePump()

	// 会话生命周期跟随连接，而不是这次 HTTP 请求
	ctx, cancel := context.WithCancel(context.Background())
	session := NewSession(util.GenerateUUID(), userID, client, h.deps, h.logger)

	if err := session.Open(ctx, conversationID); err != nil {
		var ce *CloseError
		if errors.As(err, &ce) {
			client.CloseWith(ce.Code, ce.Reason)
		} else {
			h.logger.Error("failed to open session", "error", err)
			client.CloseWith(websocket.CloseInternalServerErr, "internal error")
		}
		cancel()
		session.Close()
		return
	}

	// 只登记已认证并通过对话校验的会话
	if !h.hub.Register(session, userID, client, cancel) {
		client.CloseWith(websocket.CloseGoingAway, "server shutting down")
		cancel()
		session.Close()
		return
	}

	go client.ReadPump()

	// 连接断开时中止正在进行的生成
	go func() {
		select {
		case <-client.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	go func() {
		defer h.hub.Unregister(session.ID())
		defer cancel()
		session.Run(ctx, client.Inbox())
		client.Close()
	}()
}

// RegisterRoutes 注册 WebSocket 路由
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	// WebSocket 路由不走认证中间件，token 在升级后校验
	ws := r.Group("/ws")
	{
		ws.GET("/chat", h.HandleChat)
		ws.GET("/chat/:conversation_id", h.HandleChat)
	}
}

// tokenFromRequest 依次从 query、Authorization 头、cookie 中取 token
func tokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return strings.TrimSpace(parts[1])
		}
	}
	if cookie, err := r.Cookie("access_token"); err == nil {
		return cookie.Value
	}
	return ""
}

func originChecker(allowed []string) func(r *http.Request) bool {
	for _, o := range allowed {
		if o == "*" {
			allowed = nil
			break
		}
	}
	return func(r *http.Request) bool {
		if len(allowed) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}
