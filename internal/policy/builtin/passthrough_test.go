package builtin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPassthroughForwardsEveryChunkUnchanged(t *testing.T) {
	h := newHarness(t, PolicyPassthrough, nil)

	c1 := contentChunk("Hel")
	c2 := contentChunk("lo")
	c3 := finishChunk("stop")
	h.feed(t, c1, c2, c3)
	h.finish(t)

	require.Len(t, h.pushed, 3)
	assert.Same(t, c1, h.pushed[0])
	assert.Same(t, c2, h.pushed[1])
	assert.Same(t, c3, h.pushed[2])
	assert.Empty(t, h.events)
}

func TestPassthroughForwardsToolFragments(t *testing.T) {
	h := newHarness(t, PolicyPassthrough, nil)

	h.feed(t,
		toolFragment(0, "call_1", "get_weather", ""),
		toolFragment(0, "", "", `{"loc":"NYC"}`),
		finishChunk("tool_calls"),
	)
	h.finish(t)

	assert.Len(t, h.pushed, 3)
}
