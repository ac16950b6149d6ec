// Package websocket 提供对话会话的 WebSocket 通信功能
package websocket

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// 连接配置常量
const (
	// 写超时时间
	writeWait = 10 * time.Second

	// 等待 Pong 响应的超时时间
	pongWait = 60 * time.Second

	// 消息最大大小（1MB）
	maxMessageSize = 1024 * 1024

	// 入站命令缓冲
	inboxSize = 32
)

// ErrClientClosed 连接已关闭
var ErrClientClosed = errors.New("websocket client closed")

// Client 表示一个 WebSocket 客户端连接
// ReadPump 是唯一的读者，WritePump 是唯一的写者
type Client struct {
	conn   *websocket.Conn
	send   chan []byte   // 待发送帧
	inbox  chan []byte   // 已读取、待分发的帧
	done   chan struct{} // 关闭信号
	logger *slog.Logger

	// readWait 两次读之间允许的最长间隔，默认 pongWait
	readWait time.Duration

	closeOnce sync.Once
	mu        sync.Mutex
	closeCode int
	closeText string
}

// NewClient 创建新的客户端
func NewClient(conn *websocket.Conn, sendBuffer int, logger *slog.Logger) *Client {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		inbox:     make(chan []byte, inboxSize),
		done:      make(chan struct{}),
		logger:    logger,
		readWait:  pongWait,
		closeCode: websocket.CloseNormalClosure,
	}
}

// Inbox 返回入站帧通道，连接断开后关闭
func (c *Client) Inbox() <-chan []byte {
	return c.inbox
}

// Done 连接关闭后关闭
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// ReadPump 读取 WebSocket 消息的 goroutine
// 分发在别处进行，这里只负责读取，生成过程中也会继续读
func (c *Client) ReadPump() {
	defer func() {
		close(c.inbox)
		c.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.readWait))

	// 每次收到 Pong，重置读取超时
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.readWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.Warn("websocket read error", "error", err)
			}
			return
		}

		// 生成期间 inbox 可能被占满，等待分发的时间不算作连接空闲
		select {
		case c.inbox <- data:
			c.conn.SetReadDeadline(time.Now().Add(c.readWait))
		case <-c.done:
			return
		}
	}
}

// WritePump 写入 WebSocket 消息的 goroutine
// 负责从 send 通道读取消息并写入 WebSocket，定时发送 Ping
func (c *Client) WritePump() {
	// Ping 间隔必须小于读取超时
	ticker := time.NewTicker(c.readWait * 9 / 10)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.Close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}

		case <-c.done:
			c.mu.Lock()
			code, text := c.closeCode, c.closeText
			c.mu.Unlock()
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, text),
				time.Now().Add(writeWait))
			return
		}
	}
}

// Send 发送一帧，发送缓冲满时阻塞等待，不丢弃消息
func (c *Client) Send(ctx context.Context, data []byte) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Emit 编码并发送一个事件
func (c *Client) Emit(ctx context.Context, event interface{}) error {
	data, err := Encode(event)
	if err != nil {
		return err
	}
	return c.Send(ctx, data)
}

// Close 关闭连接，可重复调用
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// CloseWith 以指定关闭码关闭连接
func (c *Client) CloseWith(code int, text string) {
	c.mu.Lock()
	c.closeCode, c.closeText = code, text
	c.mu.Unlock()
	c.Close()
}
