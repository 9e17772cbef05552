package recorder

import (
	"github.com/tiktoken-go/tokenizer"

	"github.com/gatebox-dev/gatebox/internal/protocol"
)

// countOrEstimate counts tokens with the o200k_base encoding, falling back
// to a character/4 estimate when the tokenizer is unavailable.
func countOrEstimate(text string) int {
	enc, err := tokenizer.Get(tokenizer.O200kBase)
	if err != nil {
		return len(text) / 4
	}
	c, err := enc.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return c
}

// EstimateRequestTokens approximates the prompt tokens of a canonical
// request: roles, text content, and tool-call arguments, plus a small
// request-format overhead.
func EstimateRequestTokens(req *protocol.Request) int {
	if req == nil {
		return 0
	}
	total := 0
	for _, msg := range req.Messages {
		total += countOrEstimate(msg.Role)
		total += countOrEstimate(msg.Content.Flatten())
		for _, tc := range msg.ToolCalls {
			total += countOrEstimate(tc.Function.Name)
			total += countOrEstimate(tc.Function.Arguments)
		}
	}
	// Request format overhead.
	total += 3
	return total
}

// EstimateResponseTokens approximates the completion tokens of a
// reconstructed response: text plus tool names and arguments.
func EstimateResponseTokens(resp *protocol.Response) int {
	choice := resp.FirstChoice()
	if choice == nil {
		return 0
	}
	total := countOrEstimate(choice.Message.Content.Flatten())
	for _, tc := range choice.Message.ToolCalls {
		total += countOrEstimate(tc.Function.Name)
		total += countOrEstimate(tc.Function.Arguments)
	}
	return total
}
