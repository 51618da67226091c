package llm

import (
	"sort"
	"strings"
)

// streamDoneSentinel terminates an OpenAI-compatible SSE stream.
const streamDoneSentinel = "[DONE]"

// StreamChunk is the decoded content of one streamed event.
type StreamChunk struct {
	Model        string
	Content      string
	ToolCalls    []ToolCallDelta
	Usage        *TokenUsage
	FinishReason string
}

// ToolCallDelta is a fragment of a tool call. Fragments with the same Index
// belong to the same call; ID and Name arrive once, Arguments arrive in pieces.
type ToolCallDelta struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

// streamAccumulator rebuilds a full Response from stream chunks.
type streamAccumulator struct {
	model        string
	content      strings.Builder
	calls        map[int]*ToolCall
	args         map[int]*strings.Builder
	usage        *TokenUsage
	finishReason string
}

func newStreamAccumulator(wireModel string) *streamAccumulator {
	return &streamAccumulator{
		model: wireModel,
		calls: make(map[int]*ToolCall),
		args:  make(map[int]*strings.Builder),
	}
}

func (a *streamAccumulator) add(chunk *StreamChunk) {
	if chunk.Model != "" {
		a.model = chunk.Model
	}
	a.content.WriteString(chunk.Content)

	for _, d := range chunk.ToolCalls {
		call, ok := a.calls[d.Index]
		if !ok {
			call = &ToolCall{}
			a.calls[d.Index] = call
			a.args[d.Index] = &strings.Builder{}
		}
		if d.ID != "" {
			call.ID = d.ID
		}
		if d.Name != "" {
			call.Name = d.Name
		}
		a.args[d.Index].WriteString(d.Arguments)
	}

	if chunk.Usage != nil {
		a.usage = chunk.Usage
	}
	if chunk.FinishReason != "" {
		a.finishReason = chunk.FinishReason
	}
}

func (a *streamAccumulator) response() *Response {
	resp := &Response{
		Content:      a.content.String(),
		Model:        a.model,
		FinishReason: a.finishReason,
	}

	if len(a.calls) > 0 {
		indexes := make([]int, 0, len(a.calls))
		for i := range a.calls {
			indexes = append(indexes, i)
		}
		sort.Ints(indexes)

		resp.ToolCalls = make([]ToolCall, 0, len(indexes))
		for _, i := range indexes {
			call := *a.calls[i]
			call.Arguments = a.args[i].String()
			if call.Arguments == "" {
				call.Arguments = "{}"
			}
			resp.ToolCalls = append(resp.ToolCalls, call)
		}
	}

	if a.usage != nil {
		resp.Usage = *a.usage
		resp.UsageReported = a.usage.TotalTokens > 0
	}
	return resp
}
