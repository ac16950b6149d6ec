package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"ia-chat-server/internal/model"
)

type staticVerifier map[string]int64

func (v staticVerifier) Verify(ctx context.Context, token string) (int64, error) {
	id, ok := v[token]
	if !ok {
		return 0, errors.New("invalid token")
	}
	return id, nil
}

type wsServer struct {
	env *testEnv
	hub *Hub
	url string
}

func newWSServer(t *testing.T, backend *chatBackend) *wsServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	env := newTestEnv(t, backend)
	hub := NewHub(nil, nil)
	h := NewHandler(hub, staticVerifier{"alice": 1, "bob": 2}, env.deps, HandlerOptions{SendBuffer: 16}, nil)

	r := gin.New()
	h.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &wsServer{env: env, hub: hub, url: "ws" + strings.TrimPrefix(srv.URL, "http")}
}

func (s *wsServer) dial(t *testing.T, path string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(s.url+path, header)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func readUntil(t *testing.T, conn *websocket.Conn, typ string) []map[string]interface{} {
	t.Helper()
	var events []map[string]interface{}
	for {
		ev := readEvent(t, conn)
		events = append(events, ev)
		if ev["type"] == typ {
			return events
		}
	}
}

func requireClosedWith(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.True(t, errors.As(err, &ce), "expected close error, got %v", err)
		require.Equal(t, code, ce.Code)
		return
	}
}

func TestHandlerChatEndToEnd(t *testing.T) {
	backend := &chatBackend{chunks: []string{"Hi", " from", " the", " model"}}
	s := newWSServer(t, backend)
	conn := s.dial(t, "/ws/chat?token=alice", nil)

	ev := readEvent(t, conn)
	require.Equal(t, TypeConnectionEstablished, ev["type"])
	require.Nil(t, ev["conversation_id"])

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "message", "content": "Hello"}))
	events := readUntil(t, conn, TypeAssistantComplete)

	var types []string
	chunks := 0
	for _, e := range events {
		types = append(types, e["type"].(string))
		if e["type"] == TypeAssistantChunk {
			chunks++
		}
	}
	require.Equal(t, TypeConversationCreated, types[0])
	require.Equal(t, TypeMessageReceived, types[1])
	require.Equal(t, TypeAssistantThinking, types[2])
	require.Equal(t, 4, chunks)

	complete := events[len(events)-1]
	require.Equal(t, "Hi from the model", complete["content"])
	require.EqualValues(t, chunks, complete["tokens_used"])

	convID := int64(events[0]["conversation_id"].(float64))
	var n int64
	require.NoError(t, s.env.db.Model(&model.Message{}).Where("conversation_id = ?", convID).Count(&n).Error)
	require.EqualValues(t, 2, n)

	// 重新连接到同一个对话并加载历史
	again := s.dial(t, "/ws/chat/"+strconv.FormatInt(convID, 10), http.Header{"Authorization": {"Bearer alice"}})
	ev = readEvent(t, again)
	require.EqualValues(t, convID, ev["conversation_id"])

	require.NoError(t, again.WriteJSON(map[string]string{"type": "load_history"}))
	ev = readEvent(t, again)
	require.Equal(t, TypeHistoryLoaded, ev["type"])
	require.Len(t, ev["messages"], 2)
}

func TestHandlerRejectsInvalidToken(t *testing.T) {
	s := newWSServer(t, &chatBackend{})

	requireClosedWith(t, s.dial(t, "/ws/chat?token=mallory", nil), CloseUnauthenticated)
	requireClosedWith(t, s.dial(t, "/ws/chat", nil), CloseUnauthenticated)
}

func TestHandlerRegistersOnlyOpenedSessions(t *testing.T) {
	gin.SetMode(gin.TestMode)
	env := newTestEnv(t, &chatBackend{})
	presence := &memoryPresence{online: map[string]int64{}}
	hub := NewHub(presence, nil)
	h := NewHandler(hub, staticVerifier{"alice": 1, "bob": 2}, env.deps, HandlerOptions{SendBuffer: 16}, nil)

	r := gin.New()
	h.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	s := &wsServer{env: env, hub: hub, url: "ws" + strings.TrimPrefix(srv.URL, "http")}

	conv, err := env.conversations.Create(context.Background(), 1, "llama3", true)
	require.NoError(t, err)

	requireClosedWith(t, s.dial(t, "/ws/chat", nil), CloseUnauthenticated)
	requireClosedWith(t, s.dial(t, "/ws/chat/"+strconv.FormatInt(conv.ID, 10)+"?token=bob", nil), CloseConversationForbidden)
	requireClosedWith(t, s.dial(t, "/ws/chat/424242?token=alice", nil), CloseConversationNotFound)

	readEvent(t, s.dial(t, "/ws/chat?token=alice", nil))
	require.Eventually(t, func() bool { return len(presence.onlineUsers()) == 1 }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, hub.StopPresence(ctx))
	require.Equal(t, []int64{1}, presence.onlineUsers())
}

func TestHandlerConversationAccess(t *testing.T) {
	s := newWSServer(t, &chatBackend{})
	conv, err := s.env.conversations.Create(context.Background(), 1, "llama3", true)
	require.NoError(t, err)
	path := "/ws/chat/" + strconv.FormatInt(conv.ID, 10)

	requireClosedWith(t, s.dial(t, path+"?token=bob", nil), CloseConversationForbidden)
	requireClosedWith(t, s.dial(t, "/ws/chat/424242?token=alice", nil), CloseConversationNotFound)
	requireClosedWith(t, s.dial(t, "/ws/chat/abc?token=alice", nil), CloseConversationNotFound)

	header := http.Header{"Cookie": {"access_token=alice"}}
	ev := readEvent(t, s.dial(t, path, header))
	require.Equal(t, TypeConnectionEstablished, ev["type"])
}

func TestHandlerBackendErrorOverWire(t *testing.T) {
	backend := &chatBackend{err: errors.New("out of memory")}
	s := newWSServer(t, backend)
	conn := s.dial(t, "/ws/chat?token=alice", nil)
	readEvent(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "message", "content": "Hello"}))
	events := readUntil(t, conn, TypeError)
	require.Equal(t, "Failed to generate response: out of memory", events[len(events)-1]["message"])

	// 连接仍然可用
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "load_history"}))
	ev := readEvent(t, conn)
	require.Equal(t, TypeHistoryLoaded, ev["type"])
	require.Len(t, ev["messages"], 1)
}

func TestHubShutdownClosesSessions(t *testing.T) {
	s := newWSServer(t, &chatBackend{})
	conn := s.dial(t, "/ws/chat?token=alice", nil)
	readEvent(t, conn)

	require.Eventually(t, func() bool { return s.hub.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, s.hub.UserSessionCount(1))

	s.hub.Shutdown()
	requireClosedWith(t, conn, websocket.CloseGoingAway)
	require.Eventually(t, func() bool { return s.hub.Count() == 0 }, 2*time.Second, 10*time.Millisecond)

	// 关闭后不再接受新连接
	requireClosedWith(t, s.dial(t, "/ws/chat?token=alice", nil), websocket.CloseGoingAway)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws/chat?token=q", nil)
	r.Header.Set("Authorization", "Bearer h")
	require.Equal(t, "q", tokenFromRequest(r))

	r = httptest.NewRequest(http.MethodGet, "/ws/chat", nil)
	r.Header.Set("Authorization", "Bearer h")
	require.Equal(t, "h", tokenFromRequest(r))

	r = httptest.NewRequest(http.MethodGet, "/ws/chat", nil)
	r.AddCookie(&http.Cookie{Name: "access_token", Value: "c"})
	require.Equal(t, "c", tokenFromRequest(r))

	r = httptest.NewRequest(http.MethodGet, "/ws/chat", nil)
	r.Header.Set("Authorization", "Basic xyz")
	require.Empty(t, tokenFromRequest(r))
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"http://app.local"})

	r := httptest.NewRequest(http.MethodGet, "/ws/chat", nil)
	require.True(t, check(r))
	r.Header.Set("Origin", "http://app.local")
	require.True(t, check(r))
	r.Header.Set("Origin", "http://evil.local")
	require.False(t, check(r))

	r.Header.Set("Origin", "http://evil.local")
	require.True(t, originChecker([]string{"*"})(r))
}
