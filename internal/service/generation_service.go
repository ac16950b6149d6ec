package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"ia-chat-server/internal/llm"
)

// ModelPool 提供模型实例的独占使用权
type ModelPool interface {
	Acquire(ctx context.Context, key string) (*llm.Lease, error)
}

// GenerationRequest 一次生成的输入
type GenerationRequest struct {
	Messages     []llm.ChatMessage // 历史上下文 + 当前用户消息
	Model        string
	Temperature  float64
	MaxTokens    int
	Stream       bool
	SystemPrompt string // 为空时使用服务默认值
}

// GenerationResult 一次成功生成的结果
type GenerationResult struct {
	Content    string
	TokensUsed int           // 产出的块数
	Duration   time.Duration // 从开始到流结束
}

// GenerationOptions 生成服务配置
type GenerationOptions struct {
	SystemPrompt  string        // 默认系统提示词
	StopSequences []string      // 停止词
	Timeout       time.Duration // 单次生成上限，0 表示不限制
}

// GenerationService 生成流水线
// 阻塞的后端调用在独立 goroutine 中执行，块按产出顺序经 channel 回到调用方
type GenerationService struct {
	pool   ModelPool
	opts   GenerationOptions
	logger *slog.Logger
}

// NewGenerationService 创建 GenerationService 实例
func NewGenerationService(pool ModelPool, opts GenerationOptions, logger *slog.Logger) *GenerationService {
	if logger == nil {
		logger = slog.Default()
	}
	return &GenerationService{pool: pool, opts: opts, logger: logger}
}

// Generate 执行一次生成
// 参数:
//   - ctx: 取消时后端调用随之取消，不返回结果
//   - req: 生成请求
//   - onChunk: 每个块到达时按顺序调用，返回错误会中止生成
//
// 返回:
//   - *GenerationResult: 完整回复、块数与耗时
//   - error: ValidationError / BackendError / ctx 错误 / onChunk 的错误
func (s *GenerationService) Generate(ctx context.Context, req GenerationRequest, onChunk func(string) error) (*GenerationResult, error) {
	start := time.Now()

	runCtx := ctx
	if s.opts.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancelTimeout()
	}
	runCtx, cancel := context.WithCancel(runCtx)
	defer cancel()

	lease, err := s.pool.Acquire(runCtx, req.Model)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, llm.ErrUnknownModel) {
			return nil, NewValidationError("model", "Unknown model: %s", req.Model)
		}
		return nil, &BackendError{Model: req.Model, Err: err}
	}

	backendReq := llm.GenerateRequest{
		Messages:    s.withSystemPrompt(req),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      req.Stream,
		Stop:        s.opts.StopSequences,
	}

	chunks := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer lease.Release()
		defer close(chunks)

		stream, err := lease.Handle().Generate(runCtx, backendReq)
		if err != nil {
			errc <- err
			return
		}
		defer stream.Close()

		for {
			text, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				errc <- err
				return
			}
			select {
			case chunks <- text:
			case <-runCtx.Done():
				errc <- runCtx.Err()
				return
			}
		}
	}()

	var b strings.Builder
	count := 0
	for text := range chunks {
		count++
		b.WriteString(text)
		if onChunk == nil {
			continue
		}
		if err := onChunk(text); err != nil {
			cancel()
			for range chunks {
			}
			return nil, err
		}
	}

	var streamErr error
	select {
	case streamErr = <-errc:
	default:
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if streamErr != nil {
		s.logger.Error("generation failed", "model", req.Model, "chunks", count, "error", streamErr)
		return nil, &BackendError{Model: req.Model, Err: streamErr}
	}
	if b.Len() == 0 {
		return nil, &BackendError{Model: req.Model, Err: ErrEmptyResponse}
	}

	result := &GenerationResult{
		Content:    b.String(),
		TokensUsed: count,
		Duration:   time.Since(start),
	}
	s.logger.Debug("generation completed", "model", req.Model, "chunks", count, "duration", result.Duration)
	return result, nil
}

// withSystemPrompt 没有 system 消息时在最前面补一条
func (s *GenerationService) withSystemPrompt(req GenerationRequest) []llm.ChatMessage {
	for _, m := range req.Messages {
		if m.Role == llm.RoleSystem {
			return req.Messages
		}
	}

	prompt := req.SystemPrompt
	if prompt == "" {
		prompt = s.opts.SystemPrompt
	}
	if prompt == "" {
		return req.Messages
	}

	out := make([]llm.ChatMessage, 0, len(req.Messages)+1)
	out = append(out, llm.ChatMessage{Role: llm.RoleSystem, Content: prompt})
	return append(out, req.Messages...)
}
