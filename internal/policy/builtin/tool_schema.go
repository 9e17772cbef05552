package builtin

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/gatebox-dev/gatebox/internal/fanout"
	"github.com/gatebox-dev/gatebox/internal/policy"
	"github.com/gatebox-dev/gatebox/internal/protocol"
	"github.com/gatebox-dev/gatebox/internal/stream"
)

// PolicyToolSchema buffers tool calls and validates their completed
// arguments against the JSON Schema each tool declared in the request.
const PolicyToolSchema = "tool_schema"

// Reactions to a failed validation.
const (
	ToolSchemaFlag  = "flag"
	ToolSchemaAbort = "abort"
)

const scratchToolSchemas = "tool_schema.schemas"

func init() {
	policy.Register(PolicyToolSchema, newToolSchema)
}

// ToolSchemaConfig is the tool_schema configuration map.
type ToolSchemaConfig struct {
	// Action on invalid arguments: flag (default) emits an error event and
	// forwards the call; abort fails the stream.
	Action string `json:"action,omitempty" yaml:"action,omitempty"`
	// FlagUnknown also flags calls to tools the request never declared.
	FlagUnknown *bool `json:"flag_unknown,omitempty" yaml:"flag_unknown,omitempty"`
}

// ToolSchema holds tool-call fragments back from the client, then validates
// and re-emits each call as one complete synthesized chunk.
type ToolSchema struct {
	abort       bool
	flagUnknown bool
}

func newToolSchema(config map[string]any) (policy.Policy, error) {
	var cfg ToolSchemaConfig
	if err := policy.DecodeConfig(config, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	switch cfg.Action {
	case "", ToolSchemaFlag, ToolSchemaAbort:
	default:
		return nil, fmt.Errorf("unknown action %q", cfg.Action)
	}
	flagUnknown := true
	if cfg.FlagUnknown != nil {
		flagUnknown = *cfg.FlagUnknown
	}
	return &ToolSchema{
		abort:       cfg.Action == ToolSchemaAbort,
		flagUnknown: flagUnknown,
	}, nil
}

func (t *ToolSchema) Name() string { return PolicyToolSchema }

// OnRequest compiles the declared tool schemas once per transaction. A tool
// declaring a malformed schema rejects the request.
func (t *ToolSchema) OnRequest(ctx *policy.Context, req *protocol.Request) (*protocol.Request, error) {
	if len(req.Tools) == 0 {
		return req, nil
	}
	compiler := jsonschema.NewCompiler()
	resources := make(map[string]string, len(req.Tools))
	schemas := make(map[string]*jsonschema.Schema, len(req.Tools))
	for _, tool := range req.Tools {
		name := tool.Function.Name
		if name == "" {
			continue
		}
		if len(tool.Function.Parameters) == 0 {
			// Declared without a schema; any arguments pass.
			schemas[name] = nil
			continue
		}
		var doc any
		if err := json.Unmarshal(tool.Function.Parameters, &doc); err != nil {
			return nil, &protocol.PolicyRejectionError{
				Policy:  PolicyToolSchema,
				Message: fmt.Sprintf("tool %s declares a malformed schema: %v", name, err),
			}
		}
		resource := fmt.Sprintf("tool_%s.json", name)
		if err := compiler.AddResource(resource, doc); err != nil {
			return nil, &protocol.PolicyRejectionError{
				Policy:  PolicyToolSchema,
				Message: fmt.Sprintf("tool %s: add schema resource: %v", name, err),
			}
		}
		resources[name] = resource
	}
	for name, resource := range resources {
		schema, err := compiler.Compile(resource)
		if err != nil {
			return nil, &protocol.PolicyRejectionError{
				Policy:  PolicyToolSchema,
				Message: fmt.Sprintf("tool %s declares an invalid schema: %v", name, err),
			}
		}
		schemas[name] = schema
	}
	ctx.Scratchpad().Set(scratchToolSchemas, schemas)
	return req, nil
}

// OnChunkReceived forwards chunks that carry neither tool fragments nor a
// finish reason. Tool fragments are buffered by the assembler; finish chunks
// are re-emitted in OnFinishReason after the completed call went out.
func (t *ToolSchema) OnChunkReceived(ctx *policy.StreamContext) error {
	if len(ctx.Chunk.ToolCallDeltas()) > 0 {
		return nil
	}
	if ctx.Chunk.FinishReason() != "" {
		return nil
	}
	return ctx.Push(ctx.Chunk)
}

// OnToolCallComplete validates the completed call and pushes it as one
// synthesized chunk carrying the full arguments.
func (t *ToolSchema) OnToolCallComplete(ctx *policy.StreamContext) error {
	block, ok := ctx.State.JustCompleted().(*stream.ToolCallBlock)
	if !ok {
		return nil
	}

	if err := t.check(ctx, block); err != nil {
		if t.abort {
			return &protocol.PolicyRejectionError{
				Policy:  PolicyToolSchema,
				Message: fmt.Sprintf("tool call %s: %v", block.Name, err),
			}
		}
		ctx.Emit("tool_schema.invalid", fmt.Sprintf("tool call %s: %v", block.Name, err),
			fanout.SeverityError, map[string]any{"tool": block.Name, "call_id": block.CallID})
	}

	return ctx.Push(protocol.NewToolCallChunk(
		uuid.NewString(), ctx.Model, block.Index, block.CallID, block.Name, block.Arguments))
}

// OnFinishReason re-emits the finish chunk, stripped of any tool fragments
// already delivered as a synthesized call.
func (t *ToolSchema) OnFinishReason(ctx *policy.StreamContext) error {
	out := ctx.Chunk.Clone()
	if choice := out.FirstChoice(); choice != nil {
		choice.Delta.ToolCalls = nil
	}
	return ctx.Push(out)
}

func (t *ToolSchema) check(ctx *policy.StreamContext, block *stream.ToolCallBlock) error {
	if !block.ArgumentsValid() {
		return fmt.Errorf("arguments are not valid JSON")
	}

	schemas, _ := ctx.Scratchpad().Get(scratchToolSchemas)
	compiled, _ := schemas.(map[string]*jsonschema.Schema)
	schema, known := compiled[block.Name]
	if !known {
		if t.flagUnknown {
			ctx.Emit("tool_schema.unknown_tool", fmt.Sprintf("tool %s was not declared by the request", block.Name),
				fanout.SeverityWarning, map[string]any{"tool": block.Name, "call_id": block.CallID})
		}
		return nil
	}
	if schema == nil {
		return nil
	}

	args := block.Arguments
	if args == "" {
		args = "{}"
	}
	var payload any
	if err := json.Unmarshal([]byte(args), &payload); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if err := schema.Validate(payload); err != nil {
		return fmt.Errorf("arguments failed schema validation: %v", err)
	}
	return nil
}
