package builtin

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/google/uuid"

	"github.com/gatebox-dev/gatebox/internal/fanout"
	"github.com/gatebox-dev/gatebox/internal/policy"
	"github.com/gatebox-dev/gatebox/internal/protocol"
)

// PolicyContentGuard filters generated text with compiled expressions.
const PolicyContentGuard = "content_guard"

// Guard actions, applied by the first matching rule.
const (
	GuardActionBlock  = "block"
	GuardActionRedact = "redact"
	GuardActionFlag   = "flag"
)

const (
	scratchGuardBlocked = "content_guard.blocked"

	defaultBlockMessage = "Content blocked by policy."
	defaultReplacement  = "[redacted]"
)

func init() {
	policy.Register(PolicyContentGuard, newContentGuard)
}

// GuardRuleConfig is one filter rule. Expr is an expression over the guard
// environment; it must evaluate to a boolean.
type GuardRuleConfig struct {
	Name        string `json:"name" yaml:"name"`
	Expr        string `json:"expr" yaml:"expr"`
	Action      string `json:"action,omitempty" yaml:"action,omitempty"`
	Message     string `json:"message,omitempty" yaml:"message,omitempty"`
	Replacement string `json:"replacement,omitempty" yaml:"replacement,omitempty"`
}

// ContentGuardConfig is the content_guard configuration map.
type ContentGuardConfig struct {
	Rules []GuardRuleConfig `json:"rules" yaml:"rules"`
}

// guardEnv is the expression environment. Content is the full assembled text
// including the current fragment; Delta is the current fragment alone and is
// empty on the non-streaming path.
type guardEnv struct {
	Content   string `expr:"content"`
	Delta     string `expr:"delta"`
	Model     string `expr:"model"`
	Streaming bool   `expr:"streaming"`
}

type guardRule struct {
	name        string
	action      string
	message     string
	replacement string
	program     *vm.Program
}

// ContentGuard evaluates each text fragment against its rules. The first
// matching rule decides: flag emits an event, redact rewrites the fragment,
// block replaces the rest of the stream with a refusal.
type ContentGuard struct {
	rules []guardRule
}

func newContentGuard(config map[string]any) (policy.Policy, error) {
	var cfg ContentGuardConfig
	if err := policy.DecodeConfig(config, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if len(cfg.Rules) == 0 {
		return nil, fmt.Errorf("rules cannot be empty")
	}

	g := &ContentGuard{rules: make([]guardRule, 0, len(cfg.Rules))}
	for i, rc := range cfg.Rules {
		if rc.Expr == "" {
			return nil, fmt.Errorf("rules[%d]: expr cannot be empty", i)
		}
		action := rc.Action
		if action == "" {
			action = GuardActionFlag
		}
		switch action {
		case GuardActionBlock, GuardActionRedact, GuardActionFlag:
		default:
			return nil, fmt.Errorf("rules[%d]: unknown action %q", i, rc.Action)
		}
		program, err := expr.Compile(rc.Expr, expr.Env(guardEnv{}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("rules[%d]: compile expr: %w", i, err)
		}
		name := rc.Name
		if name == "" {
			name = fmt.Sprintf("rule_%d", i)
		}
		g.rules = append(g.rules, guardRule{
			name:        name,
			action:      action,
			message:     rc.Message,
			replacement: rc.Replacement,
			program:     program,
		})
	}
	return g, nil
}

func (g *ContentGuard) Name() string { return PolicyContentGuard }

// OnChunkReceived forwards chunks that carry no text; content chunks are
// handled after assembly in OnContentDelta.
func (g *ContentGuard) OnChunkReceived(ctx *policy.StreamContext) error {
	if blocked(ctx) {
		return nil
	}
	if content, ok := ctx.Chunk.ContentDelta(); ok && content != "" {
		return nil
	}
	return ctx.Push(ctx.Chunk)
}

func (g *ContentGuard) OnContentDelta(ctx *policy.StreamContext) error {
	if blocked(ctx) {
		return nil
	}
	delta, _ := ctx.Chunk.ContentDelta()
	rule := g.match(guardEnv{
		Content:   ctx.State.ContentText(),
		Delta:     delta,
		Model:     ctx.Model,
		Streaming: true,
	}, ctx.Context)
	if rule == nil {
		return ctx.Push(ctx.Chunk)
	}

	switch rule.action {
	case GuardActionFlag:
		ctx.Emit("content_guard.flagged", fmt.Sprintf("rule %s matched", rule.name),
			fanout.SeverityInfo, map[string]any{"rule": rule.name})
		return ctx.Push(ctx.Chunk)

	case GuardActionRedact:
		ctx.Emit("content_guard.redacted", fmt.Sprintf("rule %s redacted a fragment", rule.name),
			fanout.SeverityWarning, map[string]any{"rule": rule.name})
		out := ctx.Chunk.Clone()
		replacement := rule.replacement
		if replacement == "" {
			replacement = defaultReplacement
		}
		out.FirstChoice().Delta.Content = &replacement
		return ctx.Push(out)

	default: // block
		ctx.Emit("content_guard.blocked", fmt.Sprintf("rule %s blocked the stream", rule.name),
			fanout.SeverityError, map[string]any{"rule": rule.name})
		ctx.Scratchpad().Set(scratchGuardBlocked, true)
		message := rule.message
		if message == "" {
			message = defaultBlockMessage
		}
		if err := ctx.Push(protocol.NewContentChunk(uuid.NewString(), ctx.Chunk.Model, message)); err != nil {
			return err
		}
		return ctx.Push(protocol.NewFinishChunk(uuid.NewString(), ctx.Chunk.Model, "content_filter"))
	}
}

// OnResponse applies the same rules to a complete non-streaming response. A
// block rule rejects the response outright.
func (g *ContentGuard) OnResponse(ctx *policy.Context, resp *protocol.Response) (*protocol.Response, error) {
	choice := resp.FirstChoice()
	if choice == nil {
		return resp, nil
	}
	content := choice.Message.Content.Flatten()
	rule := g.match(guardEnv{Content: content, Model: ctx.Model}, ctx)
	if rule == nil {
		return resp, nil
	}

	switch rule.action {
	case GuardActionFlag:
		ctx.Emit("content_guard.flagged", fmt.Sprintf("rule %s matched", rule.name),
			fanout.SeverityInfo, map[string]any{"rule": rule.name})
		return resp, nil

	case GuardActionRedact:
		ctx.Emit("content_guard.redacted", fmt.Sprintf("rule %s redacted the response", rule.name),
			fanout.SeverityWarning, map[string]any{"rule": rule.name})
		replacement := rule.replacement
		if replacement == "" {
			replacement = defaultReplacement
		}
		out := *resp
		out.Choices = append([]protocol.Choice(nil), resp.Choices...)
		out.Choices[0].Message.Content = protocol.Plain(replacement)
		return &out, nil

	default: // block
		message := rule.message
		if message == "" {
			message = defaultBlockMessage
		}
		return nil, &protocol.PolicyRejectionError{Policy: PolicyContentGuard, Message: message}
	}
}

// match returns the first rule whose expression evaluates true. Evaluation
// errors are reported and treated as no match.
func (g *ContentGuard) match(env guardEnv, ctx *policy.Context) *guardRule {
	for i := range g.rules {
		rule := &g.rules[i]
		out, err := expr.Run(rule.program, env)
		if err != nil {
			ctx.Emit("content_guard.eval_error", fmt.Sprintf("rule %s: %v", rule.name, err),
				fanout.SeverityWarning, map[string]any{"rule": rule.name})
			continue
		}
		if matched, ok := out.(bool); ok && matched {
			return rule
		}
	}
	return nil
}

func blocked(ctx *policy.StreamContext) bool {
	v, _ := ctx.Scratchpad().Get(scratchGuardBlocked)
	b, _ := v.(bool)
	return b
}
