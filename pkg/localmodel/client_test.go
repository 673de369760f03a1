package localmodel

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/diagnosis-cli/internal/resilience"
)

func TestChatCompletion(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantErr       string
		wantTransient bool
		wantText      string
	}{
		{
			name:   "success",
			status: http.StatusOK,
			body: `{
				"id": "chatcmpl-1",
				"model": "llama3.1:8b",
				"choices": [{"index": 0, "message": {"role": "assistant", "content": "  안녕하세요  "}, "finish_reason": "stop"}],
				"usage": {"prompt_tokens": 10, "completion_tokens": 5}
			}`,
			wantText: "안녕하세요",
		},
		{
			name:    "empty content",
			status:  http.StatusOK,
			body:    `{"id": "x", "choices": [{"index": 0, "message": {"role": "assistant", "content": "   "}}]}`,
			wantErr: "empty completion",
		},
		{
			name:    "no choices",
			status:  http.StatusOK,
			body:    `{"id": "x", "choices": []}`,
			wantErr: "empty completion",
		},
		{
			name:          "overloaded",
			status:        http.StatusServiceUnavailable,
			body:          `{"error": "model loading"}`,
			wantErr:       "unexpected status 503",
			wantTransient: true,
		},
		{
			name:    "model not found",
			status:  http.StatusNotFound,
			body:    `{"error": "model not found"}`,
			wantErr: "unexpected status 404",
		},
		{
			name:    "malformed",
			status:  http.StatusOK,
			body:    `{invalid json`,
			wantErr: "unmarshal response",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "/v1/chat/completions", r.URL.Path)
				assert.Empty(t, r.Header.Get("Authorization"))

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			client := NewClient(WithBaseURL(srv.URL + "/v1/"))
			resp, err := client.ChatCompletion(context.Background(), ChatCompletionRequest{
				Messages: []Message{{Role: "user", Content: "hi"}},
			})

			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Equal(t, tt.wantTransient, resilience.IsTransient(err))
				assert.Nil(t, resp)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantText, resp.Text())
		})
	}
}

func TestChatCompletion_RequestBody(t *testing.T) {
	var got ChatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer lm-key", r.Header.Get("Authorization"))
		data, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(data, &got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`))
	}))
	defer srv.Close()

	client := NewClient(WithBaseURL(srv.URL), WithModel("qwen2.5:7b"), WithAPIKey("lm-key"))
	assert.Equal(t, "qwen2.5:7b", client.Model())

	temp := 0.2
	_, err := client.ChatCompletion(context.Background(), ChatCompletionRequest{
		Messages:    []Message{{Role: "system", Content: "sys"}, {Role: "user", Content: "q"}},
		Temperature: &temp,
		Stream:      true,
	})
	require.NoError(t, err)
	assert.Equal(t, "qwen2.5:7b", got.Model)
	assert.False(t, got.Stream)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	require.NotNil(t, got.Temperature)
	assert.InDelta(t, 0.2, *got.Temperature, 1e-9)
}

func TestChatCompletion_ContextDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewClient(WithBaseURL(srv.URL)).ChatCompletion(ctx, ChatCompletionRequest{
		Messages: []Message{{Role: "user", Content: "slow"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "send request")
}

func TestChatCompletion_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewClient(WithBaseURL(url)).ChatCompletion(context.Background(), ChatCompletionRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}
