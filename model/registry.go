package model

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/c360studio/semcrew/workflow"
)

// CapabilityConfig defines endpoint preferences for a capability.
type CapabilityConfig struct {
	// Preferred lists endpoints in order of preference.
	Preferred []string `yaml:"preferred" json:"preferred"`

	// Fallback lists backup endpoints tried after every preferred one.
	Fallback []string `yaml:"fallback,omitempty" json:"fallback,omitempty"`
}

// EndpointConfig defines an available model endpoint.
type EndpointConfig struct {
	// Provider is the adapter name (anthropic, ollama, openai).
	Provider string `yaml:"provider" json:"provider"`

	// URL is the API base URL; empty uses the provider default.
	URL string `yaml:"url,omitempty" json:"url,omitempty"`

	// Model is the model identifier sent to the provider.
	Model string `yaml:"model" json:"model"`

	// MaxTokens caps completion length; 0 uses the provider default.
	MaxTokens int `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`

	// APIKeyEnv names the environment variable holding the API key; empty
	// uses the provider's conventional variable.
	APIKeyEnv string `yaml:"api_key_env,omitempty" json:"api_key_env,omitempty"`
}

// RegistryConfig is the serialized form of a Registry.
type RegistryConfig struct {
	Default      string                       `yaml:"default" json:"default"`
	Capabilities map[string]*CapabilityConfig `yaml:"capabilities" json:"capabilities"`
	Endpoints    map[string]*EndpointConfig   `yaml:"endpoints" json:"endpoints"`
}

// Validate checks that every referenced endpoint is defined.
func (c *RegistryConfig) Validate() error {
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("at least one endpoint is required")
	}
	if c.Default != "" {
		if _, ok := c.Endpoints[c.Default]; !ok {
			return fmt.Errorf("default endpoint %q is not defined", c.Default)
		}
	}
	for capName, capCfg := range c.Capabilities {
		if ParseCapability(capName) == "" {
			return fmt.Errorf("unknown capability %q", capName)
		}
		for _, name := range append(append([]string(nil), capCfg.Preferred...), capCfg.Fallback...) {
			if _, ok := c.Endpoints[name]; !ok {
				return fmt.Errorf("capability %s references undefined endpoint %q", capName, name)
			}
		}
	}
	for name, ep := range c.Endpoints {
		if ep.Provider == "" || ep.Model == "" {
			return fmt.Errorf("endpoint %s: provider and model are required", name)
		}
	}
	return nil
}

// DefaultRegistryConfig returns a configuration with Anthropic endpoints
// first and local Ollama models as fallbacks.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		Default: "qwen",
		Capabilities: map[string]*CapabilityConfig{
			string(CapabilityPlanning):  {Preferred: []string{"claude-opus", "claude-sonnet"}, Fallback: []string{"qwen"}},
			string(CapabilityWriting):   {Preferred: []string{"claude-sonnet"}, Fallback: []string{"qwen"}},
			string(CapabilityCoding):    {Preferred: []string{"claude-sonnet"}, Fallback: []string{"qwen"}},
			string(CapabilityReviewing): {Preferred: []string{"claude-sonnet"}, Fallback: []string{"qwen"}},
			string(CapabilityFast):      {Preferred: []string{"claude-haiku"}, Fallback: []string{"qwen"}},
		},
		Endpoints: map[string]*EndpointConfig{
			"claude-opus":   {Provider: "anthropic", Model: "claude-opus-4-5-20251101", MaxTokens: 8192},
			"claude-sonnet": {Provider: "anthropic", Model: "claude-sonnet-4-20250514", MaxTokens: 8192},
			"claude-haiku":  {Provider: "anthropic", Model: "claude-haiku-3-5-20241022", MaxTokens: 4096},
			"qwen":          {Provider: "ollama", URL: "http://localhost:11434/v1", Model: "qwen2.5-coder:14b"},
		},
	}
}

// Registry resolves capabilities to endpoint fallback chains and tracks
// endpoint health.
type Registry struct {
	mu           sync.RWMutex
	capabilities map[Capability]*CapabilityConfig
	endpoints    map[string]*EndpointConfig
	defaultName  string

	health *healthState
}

// NewRegistry builds a registry from configuration.
func NewRegistry(cfg RegistryConfig) *Registry {
	caps := make(map[Capability]*CapabilityConfig, len(cfg.Capabilities))
	for k, v := range cfg.Capabilities {
		caps[Capability(k)] = v
	}
	endpoints := make(map[string]*EndpointConfig, len(cfg.Endpoints))
	for k, v := range cfg.Endpoints {
		endpoints[k] = v
	}
	return &Registry{
		capabilities: caps,
		endpoints:    endpoints,
		defaultName:  cfg.Default,
		health:       newHealthState(DefaultHealthConfig(), time.Now),
	}
}

// FallbackChain returns all endpoints for a capability in order of
// preference, ending with the default endpoint if it is not already listed.
func (r *Registry) FallbackChain(c Capability) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var chain []string
	if cfg, ok := r.capabilities[c]; ok {
		chain = make([]string, 0, len(cfg.Preferred)+len(cfg.Fallback)+1)
		chain = append(chain, cfg.Preferred...)
		chain = append(chain, cfg.Fallback...)
	}
	if r.defaultName != "" {
		for _, name := range chain {
			if name == r.defaultName {
				return chain
			}
		}
		chain = append(chain, r.defaultName)
	}
	return chain
}

// ChainForAgent returns the fallback chain for an agent type's capability.
func (r *Registry) ChainForAgent(a workflow.AgentType) []string {
	return r.FallbackChain(CapabilityForAgent(a))
}

// Endpoint returns the endpoint configuration for a name, or nil.
func (r *Registry) Endpoint(name string) *EndpointConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.endpoints[name]
}

// SetEndpoint updates or adds an endpoint configuration.
func (r *Registry) SetEndpoint(name string, cfg *EndpointConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints[name] = cfg
}

// ListEndpoints returns all configured endpoint names, sorted.
func (r *Registry) ListEndpoints() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.endpoints))
	for name := range r.endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
