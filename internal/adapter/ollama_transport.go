package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/JexSrs/go-ollama"
)

// DefaultOllamaEndpoint is the local Ollama daemon.
const DefaultOllamaEndpoint = "http://localhost:11434"

const ollamaProvider = "ollama"

// OllamaTransport sends prompts to a local Ollama model.
type OllamaTransport struct {
	client *ollama.Ollama
}

// NewOllamaTransport constructs an OllamaTransport for the given host URL.
func NewOllamaTransport(endpoint string) (*OllamaTransport, error) {
	if endpoint == "" {
		endpoint = DefaultOllamaEndpoint
	}

	host, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama endpoint %q: %w", endpoint, err)
	}

	return &OllamaTransport{client: ollama.New(*host)}, nil
}

// Name implements Transport.
func (o *OllamaTransport) Name() string {
	return ollamaProvider
}

type ollamaResult struct {
	text string
	err  error
}

// Send implements Transport. The client library has no context support, so
// the call runs in its own goroutine and is abandoned when ctx ends.
func (o *OllamaTransport) Send(ctx context.Context, prompt, model string) (string, error) {
	done := make(chan ollamaResult, 1)

	go func() {
		res, err := o.client.Generate(
			o.client.Generate.WithModel(model),
			o.client.Generate.WithSystem(analysisSystemPrompt),
			o.client.Generate.WithPrompt(prompt),
		)
		if err != nil {
			done <- ollamaResult{err: &TransportError{Provider: ollamaProvider, Err: err}}
			return
		}

		if !res.Done {
			done <- ollamaResult{err: errors.New("ollama response not finished")}
			return
		}

		text := strings.TrimSpace(strings.Trim(res.Response, "`"))
		if text == "" {
			done <- ollamaResult{err: errors.New("ollama returned an empty response")}
			return
		}

		done <- ollamaResult{text: text}
	}()

	select {
	case <-ctx.Done():
		return "", &TransportError{Provider: ollamaProvider, Err: ctx.Err()}
	case result := <-done:
		return result.text, result.err
	}
}
