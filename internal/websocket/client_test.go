package websocket

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// startReadPump 升级连接并只运行 ReadPump，返回服务端 Client 和客户端连接
func startReadPump(t *testing.T, readWait time.Duration) (*Client, *websocket.Conn) {
	t.Helper()
	clients := make(chan *Client, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := NewClient(conn, 1, nil)
		c.readWait = readWait
		go c.ReadPump()
		clients <- c
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	select {
	case c := <-clients:
		return c, conn
	case <-time.After(2 * time.Second):
		t.Fatal("server did not accept connection")
		return nil, nil
	}
}

func recvFrame(t *testing.T, c *Client) string {
	t.Helper()
	select {
	case data, ok := <-c.Inbox():
		require.True(t, ok, "inbox closed")
		return string(data)
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
		return ""
	}
}

func TestReadPumpSurvivesFullInbox(t *testing.T) {
	const readWait = 300 * time.Millisecond
	c, conn := startReadPump(t, readWait)

	total := inboxSize + 1
	for i := 0; i < total; i++ {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf("f%d", i))))
	}

	// inbox 已满，ReadPump 阻塞的时间超过读取超时
	time.Sleep(2 * readWait)

	for i := 0; i < total; i++ {
		require.Equal(t, fmt.Sprintf("f%d", i), recvFrame(t, c))
	}

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("after")))
	require.Equal(t, "after", recvFrame(t, c))
}

func TestReadPumpClosesIdleConnection(t *testing.T) {
	c, _ := startReadPump(t, 100*time.Millisecond)

	select {
	case _, ok := <-c.Inbox():
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("idle connection not closed")
	}
	select {
	case <-c.Done():
	default:
		t.Fatal("client not marked closed")
	}
}
