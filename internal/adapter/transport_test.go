package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	m "cratewatch.dev/pkg/cratewatch/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransportError_Classification(t *testing.T) {
	tests := []struct {
		name      string
		err       TransportError
		quota     bool
		temporary bool
	}{
		{"network failure", TransportError{Err: errors.New("connection reset")}, false, true},
		{"too many requests", TransportError{Status: 429}, true, false},
		{"resource exhausted", TransportError{Status: 400, Code: "RESOURCE_EXHAUSTED"}, true, false},
		{"quota message", TransportError{Status: 403, Message: "Daily quota exceeded"}, true, false},
		{"server overload", TransportError{Status: 503}, false, true},
		{"request timeout", TransportError{Status: 408}, false, true},
		{"invalid request", TransportError{Status: 400, Message: "bad prompt"}, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.quota, tt.err.IsQuota())
			assert.Equal(t, tt.temporary, tt.err.Temporary())
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, 30*time.Second, ParseRetryAfter("30", now))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("", now))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("soon", now))
	assert.Equal(t, 90*time.Second, ParseRetryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now))
}

func TestGeminiTransport_Send(t *testing.T) {
	var captured geminiRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models/gemini-test:generateContent", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("x-goog-api-key"))

		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &captured)

		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"ANALYSIS: clean"}]},"finishReason":"STOP"}]}`))
	}))
	defer server.Close()

	transport := NewGeminiTransport(server.Client(), server.URL, "secret", 0.3, 4096)

	text, err := transport.Send(context.Background(), "analyze me", "gemini-test")
	require.NoError(t, err)
	assert.Equal(t, "ANALYSIS: clean", text)
	require.Len(t, captured.Contents, 1)
	assert.Equal(t, "analyze me", captured.Contents[0].Parts[0].Text)
}

func TestGeminiTransport_Errors(t *testing.T) {
	t.Run("quota with retry info", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"code":429,"message":"Quota exceeded","status":"RESOURCE_EXHAUSTED",
				"details":[{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"37s"}]}}`))
		}))
		defer server.Close()

		transport := NewGeminiTransport(server.Client(), server.URL, "k", 0, 0)

		_, err := transport.Send(context.Background(), "p", "m")

		var terr *TransportError
		require.ErrorAs(t, err, &terr)
		assert.True(t, terr.IsQuota())
		assert.Equal(t, 37*time.Second, terr.RetryAfter)
	})

	t.Run("retry-after header wins", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Retry-After", "12")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"code":429,"message":"slow down","status":"RESOURCE_EXHAUSTED"}}`))
		}))
		defer server.Close()

		transport := NewGeminiTransport(server.Client(), server.URL, "k", 0, 0)

		_, err := transport.Send(context.Background(), "p", "m")

		var terr *TransportError
		require.ErrorAs(t, err, &terr)
		assert.Equal(t, 12*time.Second, terr.RetryAfter)
	})

	t.Run("server overload is temporary", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("overloaded"))
		}))
		defer server.Close()

		transport := NewGeminiTransport(server.Client(), server.URL, "k", 0, 0)

		_, err := transport.Send(context.Background(), "p", "m")

		var terr *TransportError
		require.ErrorAs(t, err, &terr)
		assert.True(t, terr.Temporary())
		assert.Equal(t, "overloaded", terr.Message)
	})
}

func TestOpenAITransport_Send(t *testing.T) {
	status := http.StatusOK

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")

		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"Rate limit reached","type":"requests","code":"rate_limit_exceeded"}}`))

			return
		}

		_, _ = w.Write([]byte(`{"id":"x","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"ANALYSIS: ok"},"finish_reason":"stop"}]}`))
	}))
	defer server.Close()

	transport := NewOpenAITransport(server.URL+"/v1", "token", 0.3, 256)

	text, err := transport.Send(context.Background(), "prompt", "gpt-test")
	require.NoError(t, err)
	assert.Equal(t, "ANALYSIS: ok", text)

	status = http.StatusTooManyRequests

	_, err = transport.Send(context.Background(), "prompt", "gpt-test")

	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, http.StatusTooManyRequests, terr.Status)
	assert.True(t, terr.IsQuota())
}

func TestNewTransport(t *testing.T) {
	transport, err := NewTransport(m.AnalysisServiceSettings{Provider: "gemini"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "gemini", transport.Name())

	transport, err = NewTransport(m.AnalysisServiceSettings{Provider: "openai"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "openai", transport.Name())

	transport, err = NewTransport(m.AnalysisServiceSettings{Provider: "ollama", Endpoint: "http://127.0.0.1:11434"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ollama", transport.Name())

	_, err = NewTransport(m.AnalysisServiceSettings{Provider: "carrier-pigeon"}, nil)

	var cfgErr *m.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}
