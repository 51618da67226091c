package providers

import (
	"net/http"
	"os"

	"github.com/c360studio/buildforge/llm"
	"github.com/c360studio/buildforge/model"
)

// XAIEnvKey holds the xAI API key.
const XAIEnvKey = "XAI_API_KEY"

// XAIProvider implements the xAI (Grok) chat completions API.
type XAIProvider struct {
	chatWire
}

func init() {
	llm.RegisterProvider(&XAIProvider{})
}

// Name returns the provider identifier.
func (x *XAIProvider) Name() string {
	return "xai"
}

// BuildURL constructs the xAI chat completions endpoint.
func (x *XAIProvider) BuildURL(baseURL string) string {
	return chatURL(baseURL, model.DefaultBaseURL)
}

// SetHeaders adds the xAI bearer token.
func (x *XAIProvider) SetHeaders(req *http.Request) {
	if apiKey := os.Getenv(XAIEnvKey); apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
}
