package service

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"ia-chat-server/internal/config"
	"ia-chat-server/internal/database"
	"ia-chat-server/internal/llm"
	"ia-chat-server/internal/repository"
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

type staticCatalog map[string]bool

func (c staticCatalog) Has(key string) bool { return c[key] }

var testCatalog = staticCatalog{"llama3": true, "mistral": true, "qwen": true}

func newConversationService(t *testing.T) (*ConversationService, *gorm.DB) {
	db := newTestDB(t)
	svc := NewConversationService(
		db,
		repository.NewConversationRepository(db),
		repository.NewMessageRepository(db),
		testCatalog,
		DefaultTitleMaxLength,
	)
	return svc, db
}

// scriptedBackend 按脚本产出块，并记录每次生成的开始与结束
type scriptedBackend struct {
	chunks  []string
	failAt  int // >0 时在第 failAt 个块之前返回错误
	failErr error
	delay   time.Duration
	loadErr error

	mu       sync.Mutex
	events   []string
	requests []llm.GenerateRequest
}

func (b *scriptedBackend) Load(ctx context.Context, spec llm.ModelSpec) (llm.Handle, error) {
	if b.loadErr != nil {
		return nil, b.loadErr
	}
	return &scriptedHandle{b: b}, nil
}

func (b *scriptedBackend) record(ev string) {
	b.mu.Lock()
	b.events = append(b.events, ev)
	b.mu.Unlock()
}

func (b *scriptedBackend) snapshot() ([]string, []llm.GenerateRequest) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.events...), append([]llm.GenerateRequest(nil), b.requests...)
}

type scriptedHandle struct {
	b *scriptedBackend
}

func (h *scriptedHandle) Generate(ctx context.Context, req llm.GenerateRequest) (llm.ChunkStream, error) {
	tag := req.Messages[len(req.Messages)-1].Content
	h.b.mu.Lock()
	h.b.requests = append(h.b.requests, req)
	h.b.mu.Unlock()
	h.b.record("start:" + tag)
	return &scriptedStream{ctx: ctx, b: h.b, tag: tag}, nil
}

func (h *scriptedHandle) Close() error { return nil }

type scriptedStream struct {
	ctx context.Context
	b   *scriptedBackend
	tag string
	pos int
}

func (s *scriptedStream) Recv() (string, error) {
	if s.b.delay > 0 {
		select {
		case <-s.ctx.Done():
			return "", s.ctx.Err()
		case <-time.After(s.b.delay):
		}
	}
	if s.b.failAt > 0 && s.pos == s.b.failAt-1 {
		return "", s.b.failErr
	}
	if s.pos >= len(s.b.chunks) {
		s.b.record("end:" + s.tag)
		return "", io.EOF
	}
	c := s.b.chunks[s.pos]
	s.pos++
	s.b.record("chunk:" + s.tag)
	return c, nil
}

func (s *scriptedStream) Close() error { return nil }

func newRegistry(backend llm.Backend) *llm.Registry {
	return llm.NewRegistry(backend, []llm.ModelSpec{{Key: "llama3"}, {Key: "qwen"}}, 0, nil)
}
