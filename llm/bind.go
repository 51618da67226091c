package llm

import (
	"context"

	"github.com/c360studio/buildforge/model"
)

// BoundModel is a gateway bound to one model, profile and tool set.
// It is a plain value: building one has no side effects and callers may cache it.
type BoundModel struct {
	Gateway Gateway
	Model   string
	Profile model.Profile
	Tools   []ToolDefinition
}

// Bind returns a BoundModel for a routing decision.
func Bind(gw Gateway, d model.Decision, tools []ToolDefinition) BoundModel {
	return BoundModel{
		Gateway: gw,
		Model:   d.Model,
		Profile: d.Profile,
		Tools:   tools,
	}
}

func (b BoundModel) request(system string, messages []Message) Request {
	return Request{
		Model:    b.Model,
		System:   system,
		Messages: messages,
		Tools:    b.Tools,
		Profile:  b.Profile,
	}
}

// Invoke sends the conversation and waits for the reply.
func (b BoundModel) Invoke(ctx context.Context, system string, messages []Message) (*Response, error) {
	return b.Gateway.Invoke(ctx, b.request(system, messages))
}

// Stream sends the conversation and forwards fragments to onChunk.
func (b BoundModel) Stream(ctx context.Context, system string, messages []Message, onChunk ChunkHandler) (*Response, error) {
	return b.Gateway.Stream(ctx, b.request(system, messages), onChunk)
}

// Factory binds routing decisions to a gateway.
type Factory struct {
	Gateway Gateway
}

// NewFactory returns a Factory over gw.
func NewFactory(gw Gateway) *Factory {
	return &Factory{Gateway: gw}
}

// For returns the bound model for a decision and tool set.
func (f *Factory) For(d model.Decision, tools []ToolDefinition) BoundModel {
	return Bind(f.Gateway, d, tools)
}
