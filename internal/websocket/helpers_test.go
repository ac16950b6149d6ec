package websocket

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"ia-chat-server/internal/config"
	"ia-chat-server/internal/database"
	"ia-chat-server/internal/llm"
	"ia-chat-server/internal/repository"
	"ia-chat-server/internal/service"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	cfg := &config.Config{}
	cfg.Server.Mode = "release"
	cfg.Database.Driver = database.DriverSQLite
	cfg.Database.SQLitePath = "file:" + uuid.NewString() + "?mode=memory&cache=shared"

	db, err := database.Open(cfg)
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrate(db))
	t.Cleanup(func() { _ = database.Close(db) })
	return db
}

// chatBackend 产出固定的块；err 不为空时在块之后返回该错误
// block 为 true 时第一个块之后一直等到 ctx 取消
type chatBackend struct {
	chunks []string
	err    error
	block  bool

	mu       sync.Mutex
	requests []llm.GenerateRequest
}

func (b *chatBackend) Load(ctx context.Context, spec llm.ModelSpec) (llm.Handle, error) {
	return &chatHandle{b: b}, nil
}

func (b *chatBackend) lastRequest() llm.GenerateRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requests[len(b.requests)-1]
}

func (b *chatBackend) requestCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

type chatHandle struct {
	b *chatBackend
}

func (h *chatHandle) Generate(ctx context.Context, req llm.GenerateRequest) (llm.ChunkStream, error) {
	h.b.mu.Lock()
	h.b.requests = append(h.b.requests, req)
	h.b.mu.Unlock()
	return &chatStream{ctx: ctx, b: h.b}, nil
}

func (h *chatHandle) Close() error { return nil }

type chatStream struct {
	ctx context.Context
	b   *chatBackend
	pos int
}

func (s *chatStream) Recv() (string, error) {
	if s.b.block && s.pos > 0 {
		<-s.ctx.Done()
		return "", s.ctx.Err()
	}
	if s.pos < len(s.b.chunks) {
		c := s.b.chunks[s.pos]
		s.pos++
		return c, nil
	}
	if s.b.err != nil {
		return "", s.b.err
	}
	return "", io.EOF
}

func (s *chatStream) Close() error { return nil }

type testEnv struct {
	db            *gorm.DB
	conversations *service.ConversationService
	preferences   *service.PreferenceService
	deps          SessionDeps
}

func newTestEnv(t *testing.T, backend llm.Backend) *testEnv {
	t.Helper()
	db := newTestDB(t)
	registry := llm.NewRegistry(backend, []llm.ModelSpec{{Key: "llama3"}, {Key: "qwen"}}, 0, nil)

	conversations := service.NewConversationService(
		db,
		repository.NewConversationRepository(db),
		repository.NewMessageRepository(db),
		registry,
		service.DefaultTitleMaxLength,
	)
	preferences := service.NewPreferenceService(
		repository.NewPreferenceRepository(db),
		service.DefaultPreferences("llama3"),
		registry,
	)
	generator := service.NewGenerationService(registry, service.GenerationOptions{}, nil)

	return &testEnv{
		db:            db,
		conversations: conversations,
		preferences:   preferences,
		deps: SessionDeps{
			Conversations: conversations,
			Preferences:   preferences,
			Generator:     generator,
		},
	}
}

// recorder 记录发出的事件
type recorder struct {
	mu     sync.Mutex
	events []map[string]interface{}
	onEmit func(ev map[string]interface{})
}

func (r *recorder) Emit(ctx context.Context, event interface{}) error {
	data, err := Encode(event)
	if err != nil {
		return err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	r.mu.Lock()
	r.events = append(r.events, m)
	hook := r.onEmit
	r.mu.Unlock()
	if hook != nil {
		hook(m)
	}
	return nil
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev["type"].(string))
	}
	return out
}

func (r *recorder) last() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func (r *recorder) ofType(typ string) []map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []map[string]interface{}
	for _, ev := range r.events {
		if ev["type"] == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
