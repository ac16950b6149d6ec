package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"ia-chat-server/internal/config"
	"ia-chat-server/internal/database"
	"ia-chat-server/internal/llm"
	"ia-chat-server/internal/repository"
	"ia-chat-server/internal/service"
)

type testAPI struct {
	db            *gorm.DB
	router        *gin.Engine
	registry      *llm.Registry
	conversations *service.ConversationService
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{}
	cfg.Server.Mode = "release"
	cfg.Database.Driver = database.DriverSQLite
	cfg.Database.SQLitePath = "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := database.Open(cfg)
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrate(db))
	t.Cleanup(func() { _ = database.Close(db) })

	registry := llm.NewRegistry(&llm.EchoBackend{}, []llm.ModelSpec{
		{Key: "llama3", Name: "Llama-3.2-3B-Instruct", ContextSize: 2048},
		{Key: "qwen", Name: "Qwen2-VL-7B-Instruct", ContextSize: 2048},
	}, 0, nil)
	conversations := service.NewConversationService(db,
		repository.NewConversationRepository(db),
		repository.NewMessageRepository(db),
		registry, service.DefaultTitleMaxLength)
	preferences := service.NewPreferenceService(
		repository.NewPreferenceRepository(db),
		service.DefaultPreferences("llama3"),
		registry)

	r := gin.New()
	api := r.Group("/api/v1")
	// 测试中用 X-User-ID 代替 JWT
	api.Use(func(c *gin.Context) {
		id, _ := strconv.ParseInt(c.GetHeader("X-User-ID"), 10, 64)
		c.Set("user_id", id)
		c.Next()
	})
	NewConversationHandler(conversations, nil).RegisterRoutes(api)
	NewPreferenceHandler(preferences, nil).RegisterRoutes(api)
	NewModelHandler(registry, nil).RegisterRoutes(api)

	return &testAPI{db: db, router: r, registry: registry, conversations: conversations}
}

type apiResponse struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (a *testAPI) do(t *testing.T, method, path string, userID int64, body string) (int, apiResponse) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("X-User-ID", strconv.FormatInt(userID, 10))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)

	var resp apiResponse
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w.Code, resp
}

func TestPreferencesGetAndUpdate(t *testing.T) {
	a := newTestAPI(t)

	code, resp := a.do(t, http.MethodGet, "/api/v1/preferences", 1, "")
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `"llama3"`, string(mustField(t, resp.Data, "default_model")))
	require.JSONEq(t, `512`, string(mustField(t, resp.Data, "max_tokens")))

	code, resp = a.do(t, http.MethodPut, "/api/v1/preferences", 1, `{"temperature":0.2,"default_model":"qwen"}`)
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `0.2`, string(mustField(t, resp.Data, "temperature")))
	require.JSONEq(t, `"qwen"`, string(mustField(t, resp.Data, "default_model")))

	code, resp = a.do(t, http.MethodPut, "/api/v1/preferences", 1, `{"max_tokens":10}`)
	require.Equal(t, http.StatusUnprocessableEntity, code)
	require.Contains(t, resp.Message, "max_tokens")

	code, resp = a.do(t, http.MethodPut, "/api/v1/preferences", 1, `{"default_model":"gpt-9"}`)
	require.Equal(t, http.StatusUnprocessableEntity, code)
	require.Equal(t, "Unknown model: gpt-9", resp.Message)

	code, _ = a.do(t, http.MethodPut, "/api/v1/preferences", 1, `{"temperature":"hot"}`)
	require.Equal(t, http.StatusBadRequest, code)

	// 被拒绝的更新不落库
	_, resp = a.do(t, http.MethodGet, "/api/v1/preferences", 1, "")
	require.JSONEq(t, `512`, string(mustField(t, resp.Data, "max_tokens")))
	require.JSONEq(t, `"qwen"`, string(mustField(t, resp.Data, "default_model")))
}

func TestConversationsListMessagesDelete(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()

	older, err := a.conversations.Create(ctx, 1, "llama3", true)
	require.NoError(t, err)
	newer, err := a.conversations.Create(ctx, 1, "qwen", false)
	require.NoError(t, err)
	_, err = a.conversations.Create(ctx, 2, "llama3", true)
	require.NoError(t, err)

	_, err = a.conversations.AppendUserMessage(ctx, older, "hello there")
	require.NoError(t, err)
	_, err = a.conversations.AppendAssistantMessage(ctx, older, "hi", 1, 0.5)
	require.NoError(t, err)

	code, resp := a.do(t, http.MethodGet, "/api/v1/conversations", 1, "")
	require.Equal(t, http.StatusOK, code)
	var list ConversationListResponse
	require.NoError(t, json.Unmarshal(resp.Data, &list))
	require.EqualValues(t, 2, list.Total)
	require.Len(t, list.Conversations, 2)
	// older 刚有新消息，排在最前
	require.Equal(t, older.ID, list.Conversations[0].ID)
	require.EqualValues(t, 2, list.Conversations[0].MessageCount)
	require.Equal(t, "hello there", *list.Conversations[0].Title)
	require.Equal(t, newer.ID, list.Conversations[1].ID)

	path := "/api/v1/conversations/" + strconv.FormatInt(older.ID, 10)
	code, resp = a.do(t, http.MethodGet, path+"/messages", 1, "")
	require.Equal(t, http.StatusOK, code)
	var messages MessageListResponse
	require.NoError(t, json.Unmarshal(resp.Data, &messages))
	require.Len(t, messages.Messages, 2)
	require.Equal(t, "user", messages.Messages[0].Role)
	require.Equal(t, 1, *messages.Messages[1].TokensUsed)

	code, _ = a.do(t, http.MethodGet, path+"/messages", 2, "")
	require.Equal(t, http.StatusForbidden, code)
	code, _ = a.do(t, http.MethodGet, "/api/v1/conversations/999/messages", 1, "")
	require.Equal(t, http.StatusNotFound, code)
	code, _ = a.do(t, http.MethodGet, "/api/v1/conversations/abc/messages", 1, "")
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = a.do(t, http.MethodDelete, path, 2, "")
	require.Equal(t, http.StatusForbidden, code)
	code, _ = a.do(t, http.MethodDelete, path, 1, "")
	require.Equal(t, http.StatusNoContent, code)
	code, _ = a.do(t, http.MethodDelete, path, 1, "")
	require.Equal(t, http.StatusNotFound, code)
}

func TestModelsListAndUnload(t *testing.T) {
	a := newTestAPI(t)

	lease, err := a.registry.Acquire(context.Background(), "qwen")
	require.NoError(t, err)
	lease.Release()

	code, resp := a.do(t, http.MethodGet, "/api/v1/models", 1, "")
	require.Equal(t, http.StatusOK, code)
	var models []ModelResponse
	require.NoError(t, json.Unmarshal(resp.Data, &models))
	require.Equal(t, []ModelResponse{
		{Key: "llama3", Name: "Llama-3.2-3B-Instruct", ContextSize: 2048, Loaded: false},
		{Key: "qwen", Name: "Qwen2-VL-7B-Instruct", ContextSize: 2048, Loaded: true},
	}, models)

	code, resp = a.do(t, http.MethodDelete, "/api/v1/models/qwen", 1, "")
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"key":"qwen","unloaded":true}`, string(resp.Data))
	require.Empty(t, a.registry.Loaded())

	code, resp = a.do(t, http.MethodDelete, "/api/v1/models/qwen", 1, "")
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"key":"qwen","unloaded":false}`, string(resp.Data))

	code, resp = a.do(t, http.MethodDelete, "/api/v1/models/gpt-9", 1, "")
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, "Unknown model: gpt-9", resp.Message)
}

func mustField(t *testing.T, data json.RawMessage, key string) json.RawMessage {
	t.Helper()
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &m))
	v, ok := m[key]
	require.True(t, ok, "missing field %s", key)
	return v
}
