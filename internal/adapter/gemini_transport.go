package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultGeminiEndpoint is the public Generative Language API.
const DefaultGeminiEndpoint = "https://generativelanguage.googleapis.com"

const geminiProvider = "gemini"

// GeminiTransport calls the generateContent endpoint of the Gemini API.
type GeminiTransport struct {
	client      *http.Client
	endpoint    string
	credential  string
	temperature float32
	maxTokens   int
	now         func() time.Time
}

// NewGeminiTransport constructs a GeminiTransport.
func NewGeminiTransport(client *http.Client, endpoint, credential string, temperature float32, maxTokens int) *GeminiTransport {
	if endpoint == "" {
		endpoint = DefaultGeminiEndpoint
	}

	if client == nil {
		client = http.DefaultClient
	}

	return &GeminiTransport{
		client:      client,
		endpoint:    strings.TrimRight(endpoint, "/"),
		credential:  credential,
		temperature: temperature,
		maxTokens:   maxTokens,
		now:         time.Now,
	}
}

// Name implements Transport.
func (g *GeminiTransport) Name() string {
	return geminiProvider
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiSafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type geminiRequest struct {
	Contents         []geminiContent       `json:"contents"`
	GenerationConfig map[string]any        `json:"generationConfig"`
	SafetySettings   []geminiSafetySetting `json:"safetySettings"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
}

type geminiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			Type       string `json:"@type"`
			RetryDelay string `json:"retryDelay"`
		} `json:"details"`
	} `json:"error"`
}

// Send implements Transport.
func (g *GeminiTransport) Send(ctx context.Context, prompt, model string) (string, error) {
	body := geminiRequest{
		Contents: []geminiContent{{Parts: []geminiPart{{Text: prompt}}}},
		GenerationConfig: map[string]any{
			"temperature":     g.temperature,
			"maxOutputTokens": g.maxTokens,
			"candidateCount":  1,
		},
		// Security analysis prompts quote hostile code; default filters block them.
		SafetySettings: []geminiSafetySetting{
			{Category: "HARM_CATEGORY_HARASSMENT", Threshold: "BLOCK_NONE"},
			{Category: "HARM_CATEGORY_HATE_SPEECH", Threshold: "BLOCK_NONE"},
			{Category: "HARM_CATEGORY_SEXUALLY_EXPLICIT", Threshold: "BLOCK_NONE"},
			{Category: "HARM_CATEGORY_DANGEROUS_CONTENT", Threshold: "BLOCK_NONE"},
		},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode gemini request: %w", err)
	}

	target := fmt.Sprintf("%s/v1beta/models/%s:generateContent", g.endpoint, url.PathEscape(model))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build gemini request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", g.credential)

	resp, err := g.client.Do(req)
	if err != nil {
		return "", &TransportError{Provider: geminiProvider, Err: err}
	}

	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Debug("failed to close gemini response body", "error", err)
		}
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &TransportError{Provider: geminiProvider, Status: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", g.decodeError(resp, raw)
	}

	var decoded geminiResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("decode gemini response: %w", err)
	}

	for _, candidate := range decoded.Candidates {
		for _, part := range candidate.Content.Parts {
			if strings.TrimSpace(part.Text) != "" {
				return part.Text, nil
			}
		}

		if candidate.FinishReason != "" && candidate.FinishReason != "STOP" {
			return "", &TransportError{
				Provider: geminiProvider,
				Status:   resp.StatusCode,
				Code:     candidate.FinishReason,
				Message:  "response blocked or truncated",
			}
		}
	}

	return "", errors.New("gemini returned no candidates")
}

func (g *GeminiTransport) decodeError(resp *http.Response, raw []byte) *TransportError {
	terr := &TransportError{
		Provider:   geminiProvider,
		Status:     resp.StatusCode,
		RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After"), g.now()),
	}

	var decoded geminiError
	if err := json.Unmarshal(raw, &decoded); err != nil {
		terr.Message = strings.TrimSpace(string(raw))
		return terr
	}

	terr.Code = decoded.Error.Status
	terr.Message = decoded.Error.Message

	if terr.RetryAfter == 0 {
		for _, detail := range decoded.Error.Details {
			if !strings.HasSuffix(detail.Type, "RetryInfo") {
				continue
			}

			if delay, err := time.ParseDuration(detail.RetryDelay); err == nil {
				terr.RetryAfter = delay
			}
		}
	}

	return terr
}
