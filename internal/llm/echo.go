package llm

import (
	"context"
	"io"
	"strings"
	"time"
)

// EchoBackend 开发用后端，把最后一条用户消息按词回显
type EchoBackend struct {
	// Delay 每个块之间的间隔
	Delay time.Duration
}

// Load 总是成功
func (b *EchoBackend) Load(ctx context.Context, spec ModelSpec) (Handle, error) {
	return &echoHandle{delay: b.Delay}, nil
}

type echoHandle struct {
	delay time.Duration
}

func (h *echoHandle) Generate(ctx context.Context, req GenerateRequest) (ChunkStream, error) {
	var last string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == RoleUser {
			last = req.Messages[i].Content
			break
		}
	}
	return &sliceStream{ctx: ctx, chunks: strings.SplitAfter(last, " "), delay: h.delay}, nil
}

func (h *echoHandle) Close() error {
	return nil
}

// sliceStream 逐个返回预先切好的块
type sliceStream struct {
	ctx    context.Context
	chunks []string
	delay  time.Duration
	pos    int
}

func (s *sliceStream) Recv() (string, error) {
	for s.pos < len(s.chunks) {
		if s.delay > 0 {
			select {
			case <-s.ctx.Done():
				return "", s.ctx.Err()
			case <-time.After(s.delay):
			}
		} else if err := s.ctx.Err(); err != nil {
			return "", err
		}
		chunk := s.chunks[s.pos]
		s.pos++
		if chunk != "" {
			return chunk, nil
		}
	}
	return "", io.EOF
}

func (s *sliceStream) Close() error {
	return nil
}
