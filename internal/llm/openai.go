package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"

	"github.com/sashabaranov/go-openai"
)

// OpenAIBackend 通过 OpenAI 兼容接口访问推理服务（llama.cpp server、vLLM 等）
type OpenAIBackend struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewOpenAIBackend 创建 OpenAIBackend
// 参数:
//   - apiKey: 访问密钥，本地服务可为空
//   - baseURL: 默认服务地址，ModelSpec.BaseURL 非空时优先
//   - httpClient: 可为 nil
func NewOpenAIBackend(apiKey, baseURL string, httpClient *http.Client) *OpenAIBackend {
	return &OpenAIBackend{apiKey: apiKey, baseURL: baseURL, httpClient: httpClient}
}

// Load 校验模型文件并创建客户端
func (b *OpenAIBackend) Load(ctx context.Context, spec ModelSpec) (Handle, error) {
	if spec.Path != "" {
		if _, err := os.Stat(spec.Path); err != nil {
			return nil, &ResourceError{Model: spec.Key, Op: "stat model file", Err: err}
		}
	}

	cfg := openai.DefaultConfig(b.apiKey)
	cfg.BaseURL = b.baseURL
	if spec.BaseURL != "" {
		cfg.BaseURL = spec.BaseURL
	}
	if b.httpClient != nil {
		cfg.HTTPClient = b.httpClient
	}

	name := spec.Name
	if name == "" {
		name = spec.Key
	}
	return &openAIHandle{client: openai.NewClientWithConfig(cfg), model: name}, nil
}

type openAIHandle struct {
	client *openai.Client
	model  string
}

func (h *openAIHandle) Generate(ctx context.Context, req GenerateRequest) (ChunkStream, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	creq := openai.ChatCompletionRequest{
		Model:       h.model,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: float32(req.Temperature),
		Stop:        req.Stop,
		Stream:      req.Stream,
	}

	if !req.Stream {
		resp, err := h.client.CreateChatCompletion(ctx, creq)
		if err != nil {
			return nil, err
		}
		if len(resp.Choices) == 0 {
			return nil, errors.New("no choices in response")
		}
		return &onceStream{text: resp.Choices[0].Message.Content}, nil
	}

	stream, err := h.client.CreateChatCompletionStream(ctx, creq)
	if err != nil {
		return nil, fmt.Errorf("create stream: %w", err)
	}
	return &openAIStream{stream: stream}, nil
}

func (h *openAIHandle) Close() error {
	return nil
}

type openAIStream struct {
	stream *openai.ChatCompletionStream
}

// Recv 跳过空增量，只返回有内容的块
func (s *openAIStream) Recv() (string, error) {
	for {
		resp, err := s.stream.Recv()
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if text := resp.Choices[0].Delta.Content; text != "" {
			return text, nil
		}
	}
}

func (s *openAIStream) Close() error {
	return s.stream.Close()
}

// onceStream 非流式响应包装成只有一个块的流
type onceStream struct {
	mu   sync.Mutex
	text string
	done bool
}

func (s *onceStream) Recv() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done || s.text == "" {
		return "", io.EOF
	}
	s.done = true
	return s.text, nil
}

func (s *onceStream) Close() error {
	return nil
}
