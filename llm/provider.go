package llm

import (
	"net/http"
	"sort"
	"sync"
)

// Call is a single provider request after endpoint resolution.
type Call struct {
	Model       string
	Messages    []Message
	Temperature *float64
	MaxTokens   int
}

// Provider adapts one vendor wire format.
type Provider interface {
	// Name returns the provider identifier (e.g., "anthropic", "ollama").
	Name() string

	// BuildURL constructs the full API endpoint URL. An empty baseURL uses
	// the provider default.
	BuildURL(baseURL string) string

	// APIKeyEnv returns the environment variable conventionally holding the key.
	APIKeyEnv() string

	// SetHeaders adds provider-specific headers. apiKey may be empty.
	SetHeaders(req *http.Request, apiKey string)

	// BuildRequestBody creates the JSON request body.
	BuildRequestBody(call Call) ([]byte, error)

	// ParseResponse extracts the completion from a provider response.
	ParseResponse(body []byte) (*Response, error)
}

var (
	providerRegistry = make(map[string]Provider)
	providerMu       sync.RWMutex
)

// RegisterProvider adds a provider to the registry, replacing any provider
// with the same name.
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
