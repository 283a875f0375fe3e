package adapter

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	m "cratewatch.dev/pkg/cratewatch/internal/model"
)

// Transport sends a prompt to the remote analysis service and returns the raw
// response text. Implementations do not retry; the gateway owns that policy.
type Transport interface {
	Send(ctx context.Context, prompt, model string) (string, error)
	// Name identifies the provider in logs and reports.
	Name() string
}

// TransportError describes a failed remote call.
type TransportError struct {
	Provider   string
	Status     int // HTTP status; 0 when the request never got a response
	Code       string
	Message    string
	RetryAfter time.Duration // service-suggested delay; 0 when unknown
	Err        error
}

func (e *TransportError) Error() string {
	var b strings.Builder

	b.WriteString(e.Provider)
	b.WriteString(" request failed")

	if e.Status > 0 {
		fmt.Fprintf(&b, " (status %d", e.Status)

		if e.Code != "" {
			fmt.Fprintf(&b, " %s", e.Code)
		}

		b.WriteString(")")
	}

	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}

	return b.String()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsQuota reports whether the service refused the call because a quota is exhausted.
func (e *TransportError) IsQuota() bool {
	if e.Status == http.StatusTooManyRequests || strings.EqualFold(e.Code, "RESOURCE_EXHAUSTED") {
		return true
	}

	return strings.Contains(strings.ToLower(e.Message), "quota")
}

// Temporary reports whether the failure is transient: no response at all,
// a request timeout, or a server-side error.
func (e *TransportError) Temporary() bool {
	if e.IsQuota() {
		return false
	}

	return e.Status == 0 || e.Status == http.StatusRequestTimeout || e.Status >= http.StatusInternalServerError
}

// ParseRetryAfter reads a Retry-After header given in seconds or as an HTTP date.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}

	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}

	if at, err := http.ParseTime(value); err == nil && at.After(now) {
		return at.Sub(now)
	}

	return 0
}

// NewTransport builds the transport selected by the analysis service settings.
func NewTransport(settings m.AnalysisServiceSettings, client *http.Client) (Transport, error) {
	switch settings.Provider {
	case "", "gemini":
		return NewGeminiTransport(client, settings.Endpoint, settings.Credential, settings.Temperature, settings.MaxTokens), nil
	case "openai":
		return NewOpenAITransport(settings.Endpoint, settings.Credential, settings.Temperature, settings.MaxTokens), nil
	case "ollama":
		return NewOllamaTransport(settings.Endpoint)
	default:
		return nil, &m.ConfigurationError{Problems: []string{fmt.Sprintf("unknown analysis provider %q", settings.Provider)}}
	}
}
