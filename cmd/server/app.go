package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"ia-chat-server/internal/cache"
	"ia-chat-server/internal/config"
	"ia-chat-server/internal/database"
	"ia-chat-server/internal/handler"
	"ia-chat-server/internal/llm"
	"ia-chat-server/internal/middleware"
	"ia-chat-server/internal/repository"
	"ia-chat-server/internal/service"
	"ia-chat-server/internal/websocket"
	"ia-chat-server/pkg/jwt"
)

// 推理后端类型
const (
	backendOpenAI = "openai"
	backendEcho   = "echo"
)

// app 组装好的服务
type app struct {
	cfg      *config.Config
	db       *gorm.DB
	cache    *cache.RedisCache // redis 关闭时为 nil
	registry *llm.Registry
	hub      *websocket.Hub
	jwt      *jwt.JWTService
	router   *gin.Engine
}

// newApp 按配置初始化各层并注册路由
func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	backend, err := newBackend(cfg.LLM)
	if err != nil {
		return nil, err
	}

	// 初始化数据库
	db, err := database.Open(cfg)
	if err != nil {
		return nil, err
	}
	if err := database.AutoMigrate(db); err != nil {
		database.Close(db)
		return nil, err
	}

	// 初始化 Redis
	var redisCache *cache.RedisCache
	if cfg.Redis.Enabled {
		redisCache, err = cache.NewRedisCache(cfg.Redis)
		if err != nil {
			database.Close(db)
			return nil, err
		}
	}

	registry := llm.NewRegistry(backend, modelSpecs(cfg.LLM), cfg.LLM.QueueTimeout, logger)
	jwtService := jwt.NewJWTService(cfg.JWT.Secret, cfg.JWT.AccessExpire)

	// 初始化 Repository 层
	conversationRepo := repository.NewConversationRepository(db)
	messageRepo := repository.NewMessageRepository(db)
	preferenceRepo := repository.NewPreferenceRepository(db)

	// 初始化 Service 层
	conversationService := service.NewConversationService(db, conversationRepo, messageRepo, registry, cfg.Chat.TitleMaxLength)
	preferenceService := service.NewPreferenceService(preferenceRepo, service.DefaultPreferences(cfg.LLM.DefaultModel), registry)
	generationService := service.NewGenerationService(registry, service.GenerationOptions{
		SystemPrompt:  cfg.Chat.SystemPrompt,
		StopSequences: cfg.LLM.StopSequences,
		Timeout:       cfg.LLM.GenerationTimeout,
	}, logger)

	// nil 指针不能直接作为接口传入
	var blacklist middleware.TokenBlacklist
	var presence websocket.Presence
	if redisCache != nil {
		blacklist = redisCache
		presence = redisCache
	}
	verifier := middleware.NewTokenVerifier(jwtService, blacklist, logger)

	hub := websocket.NewHub(presence, logger)
	wsHandler := websocket.NewHandler(hub, verifier, websocket.SessionDeps{
		Conversations: conversationService,
		Preferences:   preferenceService,
		Generator:     generationService,
	}, websocket.HandlerOptions{
		AllowedOrigins: cfg.Server.CORS,
		SendBuffer:     cfg.Chat.SendBuffer,
	}, logger)

	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	// 全局中间件
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.LoggerMiddleware(logger))
	router.Use(middleware.CORSMiddleware(middleware.DefaultCORSConfig(cfg.Server.CORS)))

	// 健康检查
	router.GET("/health", func(c *gin.Context) {
		status := gin.H{"status": "ok", "sessions": hub.Count(), "models_loaded": registry.Loaded()}
		if redisCache != nil {
			if n, err := redisCache.OnlineUserCount(c.Request.Context()); err != nil {
				status["redis"] = "unavailable"
			} else {
				status["online_users"] = n
			}
		}
		c.JSON(http.StatusOK, status)
	})

	// API v1 路由组（需要登录）
	v1 := router.Group("/api/v1")
	v1.Use(middleware.AuthMiddleware(verifier))
	handler.NewConversationHandler(conversationService, logger).RegisterRoutes(v1)
	handler.NewPreferenceHandler(preferenceService, logger).RegisterRoutes(v1)
	handler.NewModelHandler(registry, logger).RegisterRoutes(v1)

	// WebSocket 路由
	wsHandler.RegisterRoutes(router)

	return &app{
		cfg:      cfg,
		db:       db,
		cache:    redisCache,
		registry: registry,
		hub:      hub,
		jwt:      jwtService,
		router:   router,
	}, nil
}

// shutdown 先断开所有会话，再卸载模型，最后关闭存储
func (a *app) shutdown(ctx context.Context) error {
	a.hub.Shutdown()

	var errs []error
	if err := a.registry.UnloadAll(ctx); err != nil {
		errs = append(errs, err)
	}
	// 关闭 Redis 之前写完已入队的在线状态
	if err := a.hub.StopPresence(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush presence: %w", err))
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if err := database.Close(a.db); err != nil {
		errs = append(errs, fmt.Errorf("close database: %w", err))
	}
	return errors.Join(errs...)
}

// newBackend 按配置创建推理后端
func newBackend(cfg config.LLMConfig) (llm.Backend, error) {
	switch cfg.Backend {
	case backendOpenAI, "":
		// 流式响应可能持续很久，超时由生成服务控制
		return llm.NewOpenAIBackend(cfg.APIKey, cfg.BaseURL, &http.Client{}), nil
	case backendEcho:
		return &llm.EchoBackend{}, nil
	default:
		return nil, fmt.Errorf("unsupported llm backend: %s", cfg.Backend)
	}
}

// modelSpecs 把配置转换成注册表使用的模型列表
func modelSpecs(cfg config.LLMConfig) []llm.ModelSpec {
	specs := make([]llm.ModelSpec, 0, len(cfg.Models))
	for _, key := range cfg.ModelKeys() {
		m := cfg.Models[key]
		name := m.Name
		if name == "" {
			name = key
		}
		specs = append(specs, llm.ModelSpec{
			Key:         key,
			Name:        name,
			Path:        m.Path,
			ContextSize: m.ContextSize,
			Threads:     m.Threads,
			BaseURL:     m.BaseURL,
		})
	}
	return specs
}
