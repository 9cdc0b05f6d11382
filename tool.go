package relay

import (
	"context"
)

// ToolHandler executes one tool call. args has already been validated and
// coerced against the tool's input schema. The agent session that issued
// the call, if any, is available via AgentSessionFromContext.
type ToolHandler func(ctx context.Context, args map[string]any) (any, error)

// Tool holds the metadata for a single callable capability exposed to the
// remote agent. A tool without a handler can be listed but not invoked.
type Tool struct {
	Name         string         `json:"name"`
	Title        string         `json:"title,omitempty"`
	Description  string         `json:"description,omitempty"`
	InputSchema  map[string]any `json:"inputSchema,omitempty"`
	OutputSchema map[string]any `json:"outputSchema,omitempty"`
	Handler      ToolHandler    `json:"-"`
}

// definition returns a handler-free copy suitable for advertising to the
// peer. Schema maps are shared; callers must not mutate them.
func (t Tool) definition() Tool {
	t.Handler = nil
	return t
}

// ToolResult is the structured result a handler returns to the agent.
type ToolResult struct {
	Content []any `json:"content"`
	IsError bool  `json:"isError,omitempty"`
}

// TextResult builds a ToolResult carrying a single text block.
func TextResult(text string) *ToolResult {
	return &ToolResult{Content: []any{map[string]any{"type": "text", "text": text}}}
}

// errorResult wraps a tool-execution failure as a flagged business-level
// result. The channel stays healthy; only this call failed.
func errorResult(text string) *ToolResult {
	r := TextResult(text)
	r.IsError = true
	return r
}

type agentSessionKey struct{}

func withAgentSession(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, agentSessionKey{}, id)
}

// AgentSessionFromContext reports the agent session id attached to a tool
// call's context.
func AgentSessionFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(agentSessionKey{}).(string)
	return id, ok
}
