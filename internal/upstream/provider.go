// Package upstream dispatches canonical requests to provider SDKs and
// normalizes responses and chunk streams back into canonical form.
package upstream

import (
	"context"
	"strings"

	"github.com/gatebox-dev/gatebox/internal/pipeline"
	"github.com/gatebox-dev/gatebox/internal/protocol"
)

// Provider names as they appear in config and terminal records.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// DefaultMaxTokens is applied when a request omits max_tokens and the
// provider requires one.
const DefaultMaxTokens = 8192

// Provider is one upstream LLM API. Both operations speak canonical types;
// SDK shapes never cross this boundary.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *protocol.Request) (*protocol.Response, error)
	Stream(ctx context.Context, req *protocol.Request) (pipeline.Source, error)
}

// ProviderConfig carries per-provider connection overrides.
type ProviderConfig struct {
	BaseURL string
	APIKey  string
}

// Registry holds one client per provider and picks one per request.
type Registry struct {
	openai    *OpenAIProvider
	anthropic *AnthropicProvider
}

// NewRegistry builds SDK clients for both providers up front. Clients are
// cheap handles; an unconfigured provider fails at request time with the
// SDK's auth error rather than at startup.
func NewRegistry(openaiCfg, anthropicCfg ProviderConfig) *Registry {
	return &Registry{
		openai:    NewOpenAIProvider(openaiCfg),
		anthropic: NewAnthropicProvider(anthropicCfg),
	}
}

// ForModel selects the provider serving a model. Claude models route to
// Anthropic; everything else is treated as OpenAI-compatible.
func (r *Registry) ForModel(model string) Provider {
	if strings.HasPrefix(strings.ToLower(model), "claude") {
		return r.anthropic
	}
	return r.openai
}

// Provider returns the named provider, or nil for an unknown name.
func (r *Registry) Provider(name string) Provider {
	switch name {
	case ProviderOpenAI:
		return r.openai
	case ProviderAnthropic:
		return r.anthropic
	default:
		return nil
	}
}
