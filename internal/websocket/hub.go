// Package websocket 提供对话会话的 WebSocket 通信功能
package websocket

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// conn 一个在线连接
type conn struct {
	session *Session
	userID  int64
	client  *Client
	cancel  func() // 取消会话上下文，中止正在进行的生成
}

// Presence 在线状态存储，多实例部署时共享
type Presence interface {
	SessionOnline(ctx context.Context, userID int64, sessionID string) error
	SessionOffline(ctx context.Context, userID int64, sessionID string) error
}

// Hub 是 WebSocket 连接的中心管理器
// 负责：
// 1. 管理所有在线会话
// 2. 按用户索引连接（同一用户可能多端同时在线）
// 3. 服务关闭时断开所有连接
type Hub struct {
	// 会话ID -> 连接
	conns map[string]*conn

	// 用户ID -> 会话ID 列表
	userSessions map[int64][]string

	// 关闭后不再接受新连接
	closed bool

	// 互斥锁，保护并发访问
	mu sync.RWMutex

	// 可选，nil 时只在本进程内记录
	presence Presence

	// 在线状态更新队列，由单个 worker 按入队顺序写入
	presenceMu    sync.Mutex
	presenceQueue []presenceUpdate
	presenceWake  chan struct{}
	presenceStop  chan struct{}
	presenceDone  chan struct{}

	logger *slog.Logger
}

// presenceUpdate 一次上线或下线
type presenceUpdate struct {
	userID    int64
	sessionID string
	online    bool
}

// NewHub 创建 Hub 实例
func NewHub(presence Presence, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		conns:        make(map[string]*conn),
		userSessions: make(map[int64][]string),
		presence:     presence,
		presenceWake: make(chan struct{}, 1),
		presenceStop: make(chan struct{}),
		presenceDone: make(chan struct{}),
		logger:       logger,
	}
	if presence != nil {
		go h.presenceLoop()
	} else {
		close(h.presenceDone)
	}
	return h
}

// Register 注册会话
// 返回 false 表示 Hub 已关闭，调用方应断开连接
func (h *Hub) Register(session *Session, userID int64, client *Client, cancel func()) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}

	h.conns[session.ID()] = &conn{session: session, userID: userID, client: client, cancel: cancel}
	h.userSessions[userID] = append(h.userSessions[userID], session.ID())
	h.logger.Info("session registered", "session_id", session.ID(), "user_id", userID, "online", len(h.conns))

	// 更新 Redis 在线状态
	h.syncPresence(userID, session.ID(), true)
	return true
}

// Unregister 注销会话，可重复调用
func (h *Hub) Unregister(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.conns[sessionID]
	if !ok {
		return
	}
	delete(h.conns, sessionID)

	ids := h.userSessions[c.userID]
	for i, id := range ids {
		if id == sessionID {
			h.userSessions[c.userID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	// 如果没有连接了，删除 key
	if len(h.userSessions[c.userID]) == 0 {
		delete(h.userSessions, c.userID)
	}

	h.logger.Info("session unregistered", "session_id", sessionID, "user_id", c.userID, "online", len(h.conns))

	h.syncPresence(c.userID, sessionID, false)
}

// syncPresence 把更新放入队列，调用方持有 h.mu，入队顺序与注册/注销顺序一致
func (h *Hub) syncPresence(userID int64, sessionID string, online bool) {
	if h.presence == nil {
		return
	}
	h.presenceMu.Lock()
	h.presenceQueue = append(h.presenceQueue, presenceUpdate{userID: userID, sessionID: sessionID, online: online})
	h.presenceMu.Unlock()

	select {
	case h.presenceWake <- struct{}{}:
	default:
	}
}

// presenceLoop 逐条写入在线状态，StopPresence 后写完剩余的更新再退出
func (h *Hub) presenceLoop() {
	defer close(h.presenceDone)
	for {
		for {
			h.presenceMu.Lock()
			if len(h.presenceQueue) == 0 {
				h.presenceMu.Unlock()
				break
			}
			u := h.presenceQueue[0]
			h.presenceQueue = h.presenceQueue[1:]
			h.presenceMu.Unlock()

			h.writePresence(u)
		}

		select {
		case <-h.presenceWake:
		case <-h.presenceStop:
			h.presenceMu.Lock()
			pending := len(h.presenceQueue)
			h.presenceMu.Unlock()
			if pending == 0 {
				return
			}
		}
	}
}

func (h *Hub) writePresence(u presenceUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var err error
	if u.online {
		err = h.presence.SessionOnline(ctx, u.userID, u.sessionID)
	} else {
		err = h.presence.SessionOffline(ctx, u.userID, u.sessionID)
	}
	if err != nil {
		h.logger.Warn("failed to update presence", "session_id", u.sessionID, "online", u.online, "error", err)
	}
}

// StopPresence 写完已入队的在线状态后停止 worker
// 之后的更新不再写入，由 Redis 过期时间清理
func (h *Hub) StopPresence(ctx context.Context) error {
	h.presenceMu.Lock()
	select {
	case <-h.presenceStop:
	default:
		close(h.presenceStop)
	}
	h.presenceMu.Unlock()

	select {
	case <-h.presenceDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Count 在线会话数
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// UserSessionCount 用户的在线会话数
func (h *Hub) UserSessionCount(userID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.userSessions[userID])
}

// Shutdown 断开所有连接
// 客户端收到 1001 关闭帧，正在进行的生成被取消
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.client.CloseWith(websocket.CloseGoingAway, "server shutting down")
		c.cancel()
	}
	h.logger.Info("hub shut down", "sessions", len(conns))
}
