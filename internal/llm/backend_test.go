package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, s ChunkStream) []string {
	t.Helper()
	defer s.Close()
	var out []string
	for {
		chunk, err := s.Recv()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, chunk)
	}
}

func sseChunk(content string) string {
	data, _ := json.Marshal(openai.ChatCompletionStreamResponse{
		ID:     "chatcmpl-1",
		Object: "chat.completion.chunk",
		Model:  "Llama-3.2-3B-Instruct",
		Choices: []openai.ChatCompletionStreamChoice{
			{Index: 0, Delta: openai.ChatCompletionStreamChoiceDelta{Content: content}},
		},
	})
	return "data: " + string(data) + "\n\n"
}

func TestOpenAIBackendStreamsChunks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)

		var req openai.ChatCompletionRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)
		assert.Equal(t, "Llama-3.2-3B-Instruct", req.Model)
		assert.Equal(t, 128, req.MaxTokens)
		assert.Equal(t, []string{"<|end|>"}, req.Stop)
		assert.Len(t, req.Messages, 2)

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, c := range []string{"", "Hel", "", "lo"} {
			fmt.Fprint(w, sseChunk(c))
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	defer srv.Close()

	backend := NewOpenAIBackend("", srv.URL+"/v1", srv.Client())
	h, err := backend.Load(context.Background(), ModelSpec{Key: "llama3", Name: "Llama-3.2-3B-Instruct"})
	require.NoError(t, err)

	stream, err := h.Generate(context.Background(), GenerateRequest{
		Messages: []ChatMessage{
			{Role: RoleSystem, Content: "be nice"},
			{Role: RoleUser, Content: "hi"},
		},
		MaxTokens:   128,
		Temperature: 0.7,
		Stream:      true,
		Stop:        []string{"<|end|>"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"Hel", "lo"}, drain(t, stream))
}

func TestOpenAIBackendNonStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			ID: "chatcmpl-2",
			Choices: []openai.ChatCompletionChoice{
				{Index: 0, Message: openai.ChatCompletionMessage{Role: RoleAssistant, Content: "full answer"}},
			},
		})
	}))
	defer srv.Close()

	h, err := NewOpenAIBackend("key", srv.URL, nil).Load(context.Background(), ModelSpec{Key: "qwen"})
	require.NoError(t, err)

	stream, err := h.Generate(context.Background(), GenerateRequest{
		Messages: []ChatMessage{{Role: RoleUser, Content: "q"}},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"full answer"}, drain(t, stream))
}

func TestOpenAIBackendServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"model crashed"}}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	h, err := NewOpenAIBackend("", srv.URL, nil).Load(context.Background(), ModelSpec{Key: "llama3"})
	require.NoError(t, err)

	_, err = h.Generate(context.Background(), GenerateRequest{
		Messages: []ChatMessage{{Role: RoleUser, Content: "q"}},
		Stream:   true,
	})
	require.Error(t, err)
}

func TestOpenAIBackendMissingModelFile(t *testing.T) {
	_, err := NewOpenAIBackend("", "http://localhost", nil).Load(context.Background(), ModelSpec{
		Key:  "mistral",
		Path: "/definitely/not/here.gguf",
	})

	var re *ResourceError
	require.ErrorAs(t, err, &re)
	require.Equal(t, "mistral", re.Model)
	require.ErrorIs(t, err, fs.ErrNotExist)
}

func TestEchoBackendRepeatsLastUserMessage(t *testing.T) {
	h, err := (&EchoBackend{}).Load(context.Background(), ModelSpec{Key: "llama3"})
	require.NoError(t, err)

	stream, err := h.Generate(context.Background(), GenerateRequest{Messages: []ChatMessage{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "old"},
		{Role: RoleAssistant, Content: "reply"},
		{Role: RoleUser, Content: "hello there world"},
	}})
	require.NoError(t, err)
	require.Equal(t, []string{"hello ", "there ", "world"}, drain(t, stream))
}

func TestEchoBackendStopsOnCancel(t *testing.T) {
	h, err := (&EchoBackend{Delay: 50 * time.Millisecond}).Load(context.Background(), ModelSpec{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := h.Generate(ctx, GenerateRequest{Messages: []ChatMessage{{Role: RoleUser, Content: "a b c"}}})
	require.NoError(t, err)

	cancel()
	_, err = stream.Recv()
	require.ErrorIs(t, err, context.Canceled)
}
