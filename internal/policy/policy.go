// Package policy defines the plug-in surface for stream policies: the hook
// interfaces a policy may implement, the executor that drives them, and the
// manager that owns the process-wide active policy.
package policy

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/gatebox-dev/gatebox/internal/protocol"
)

// Policy is the minimal surface every policy implements. Behavior comes from
// the optional hook interfaces below; a policy implements any subset.
//
// Instances are shared across transactions and must hold no per-request
// state; per-transaction memory lives in the scratchpad.
type Policy interface {
	Name() string
}

// RequestHook rewrites or rejects a request before upstream dispatch.
type RequestHook interface {
	OnRequest(ctx *Context, req *protocol.Request) (*protocol.Request, error)
}

// ResponseHook rewrites the final response on the non-streaming path.
type ResponseHook interface {
	OnResponse(ctx *Context, resp *protocol.Response) (*protocol.Response, error)
}

// ChunkReceivedHook sees every normalized chunk before assembly. Passthrough
// policies push here.
type ChunkReceivedHook interface {
	OnChunkReceived(ctx *StreamContext) error
}

// ContentDeltaHook fires after a content fragment merges into the state.
type ContentDeltaHook interface {
	OnContentDelta(ctx *StreamContext) error
}

// ContentCompleteHook fires when a content block closes.
type ContentCompleteHook interface {
	OnContentComplete(ctx *StreamContext) error
}

// ToolCallDeltaHook fires after a tool-call fragment merges into the state.
type ToolCallDeltaHook interface {
	OnToolCallDelta(ctx *StreamContext) error
}

// ToolCallCompleteHook fires when a tool-call block closes, with the complete
// arguments accumulated.
type ToolCallCompleteHook interface {
	OnToolCallComplete(ctx *StreamContext) error
}

// FinishReasonHook fires when a chunk carries a finish reason, after any
// block-completion hooks for the same chunk.
type FinishReasonHook interface {
	OnFinishReason(ctx *StreamContext) error
}

// StreamCompleteHook fires after the last upstream chunk. It may still push.
type StreamCompleteHook interface {
	OnStreamComplete(ctx *StreamContext) error
}

// StreamingPolicyCompleteHook fires exactly once after the egress queue has
// fully drained. Pure cleanup; pushing from it fails.
type StreamingPolicyCompleteHook interface {
	OnStreamingPolicyComplete(ctx *StreamContext)
}

// Factory builds a policy instance from its configuration map. Factories
// validate the configuration and return an error rather than a crippled
// policy.
type Factory func(config map[string]any) (Policy, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register adds a named policy factory. Builtin policies register from their
// package init functions.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// Build instantiates the named policy from its configuration map.
func Build(name string, config map[string]any) (Policy, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown policy: %s", name)
	}
	p, err := factory(config)
	if err != nil {
		return nil, fmt.Errorf("policy %s: %w", name, err)
	}
	return p, nil
}

// Names returns the registered policy names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DecodeConfig maps a loose configuration map onto a typed config struct via
// a JSON round trip.
func DecodeConfig(config map[string]any, out any) error {
	if len(config) == 0 {
		return nil
	}
	payload, err := json.Marshal(config)
	if err != nil {
		return err
	}
	return json.Unmarshal(payload, out)
}
