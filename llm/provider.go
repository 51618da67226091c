package llm

import (
	"net/http"
	"sort"
	"sync"
)

// Provider defines the wire format of one LLM API family.
type Provider interface {
	// Name returns the provider identifier (e.g., "xai", "ollama").
	Name() string

	// BuildURL constructs the chat completions URL from the API root.
	BuildURL(baseURL string) string

	// SetHeaders adds provider-specific headers (auth, attribution).
	SetHeaders(req *http.Request)

	// BuildRequestBody creates the JSON request body for the wire model.
	BuildRequestBody(wireModel string, req Request, stream bool) ([]byte, error)

	// ParseResponse extracts the reply from a non-streamed response body.
	ParseResponse(body []byte, wireModel string) (*Response, error)

	// ParseStreamChunk decodes the payload of one SSE data line.
	ParseStreamChunk(data []byte) (*StreamChunk, error)
}

// providerRegistry holds registered providers.
var (
	providerRegistry = make(map[string]Provider)
	providerMu       sync.RWMutex
)

// RegisterProvider adds a provider to the registry.
func RegisterProvider(p Provider) {
	providerMu.Lock()
	defer providerMu.Unlock()
	providerRegistry[p.Name()] = p
}

// GetProvider retrieves a provider by name.
func GetProvider(name string) Provider {
	providerMu.RLock()
	defer providerMu.RUnlock()
	return providerRegistry[name]
}

// ListProviders returns all registered provider names, sorted.
func ListProviders() []string {
	providerMu.RLock()
	defer providerMu.RUnlock()

	names := make([]string, 0, len(providerRegistry))
	for name := range providerRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
