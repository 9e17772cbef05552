package builtin

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gatebox-dev/gatebox/internal/fanout"
	"github.com/gatebox-dev/gatebox/internal/policy"
	"github.com/gatebox-dev/gatebox/internal/protocol"
)

// harness runs one builtin policy through a real executor, capturing pushes
// and events.
type harness struct {
	exec   *policy.Executor
	pushed []*protocol.Chunk
	events []fanout.PolicyEvent
}

func newHarness(t *testing.T, name string, config map[string]any) *harness {
	t.Helper()
	inst, err := policy.NewInstance(name, config, policy.SourceDefault)
	require.NoError(t, err)

	h := &harness{}
	tx := protocol.NewTransaction(protocol.WireFormatOpenAI, "gpt-test", "")
	h.exec = policy.NewExecutor(inst, tx, policy.Bindings{
		Push: func(c *protocol.Chunk) error {
			h.pushed = append(h.pushed, c)
			return nil
		},
		Emit: func(ev fanout.PolicyEvent) {
			h.events = append(h.events, ev)
		},
	})
	return h
}

func (h *harness) feed(t *testing.T, chunks ...*protocol.Chunk) {
	t.Helper()
	for _, c := range chunks {
		require.NoError(t, h.exec.ProcessChunk(c))
	}
}

func (h *harness) finish(t *testing.T) {
	t.Helper()
	require.NoError(t, h.exec.FinishStream())
	h.exec.Complete()
}

func (h *harness) eventTypes() []string {
	out := make([]string, 0, len(h.events))
	for _, ev := range h.events {
		out = append(out, ev.EventType)
	}
	return out
}

func contentChunk(text string) *protocol.Chunk {
	return protocol.NewContentChunk("c1", "gpt-test", text)
}

func finishChunk(reason string) *protocol.Chunk {
	return protocol.NewFinishChunk("c1", "gpt-test", reason)
}

func toolFragment(index int, id, name, args string) *protocol.Chunk {
	return &protocol.Chunk{
		ID:    "c1",
		Model: "gpt-test",
		Choices: []protocol.ChunkChoice{{
			Delta: protocol.Delta{ToolCalls: []protocol.ToolCallDelta{{
				Index:    index,
				ID:       id,
				Function: &protocol.ToolCallFunctionDelta{Name: name, Arguments: args},
			}}},
		}},
	}
}

func pushedContent(chunks []*protocol.Chunk) string {
	var out string
	for _, c := range chunks {
		if s, ok := c.ContentDelta(); ok {
			out += s
		}
	}
	return out
}
