package providers

import (
	"net/http"
	"os"

	"github.com/c360studio/buildforge/llm"
)

// OllamaProvider talks to local OpenAI-compatible servers (Ollama, vLLM, the mock server).
type OllamaProvider struct {
	chatWire
}

func init() {
	llm.RegisterProvider(&OllamaProvider{})
}

// Name returns the provider identifier.
func (o *OllamaProvider) Name() string {
	return "ollama"
}

// BuildURL constructs the chat completions endpoint.
func (o *OllamaProvider) BuildURL(baseURL string) string {
	return chatURL(baseURL, "http://localhost:11434/v1")
}

// SetHeaders adds a bearer token when one is configured (vLLM, gateways).
func (o *OllamaProvider) SetHeaders(req *http.Request) {
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
}
