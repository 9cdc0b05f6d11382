package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeInboundToolCall(t *testing.T) {
	t.Parallel()
	in := decodeInbound(map[string]any{
		"jsonrpc":        "2.0",
		"id":             float64(7),
		"method":         "tools/call",
		"params":         map[string]any{"name": "echo", "arguments": map[string]any{"text": "hi"}},
		"agentSessionId": "sess-1",
	})
	require.Equal(t, kindToolCall, in.Kind)
	require.NotNil(t, in.Call)
	assert.Equal(t, "echo", in.Call.ToolName)
	assert.Equal(t, float64(7), in.Call.ID)
	assert.Equal(t, "sess-1", in.Call.AgentSessionID)
	assert.Equal(t, map[string]any{"text": "hi"}, in.Call.Arguments)
}

func TestDecodeInboundToolCallRequiresSession(t *testing.T) {
	t.Parallel()
	in := decodeInbound(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params":  map[string]any{"name": "echo"},
	})
	assert.Equal(t, kindUnknown, in.Kind)
}

func TestDecodeInboundLifecycle(t *testing.T) {
	t.Parallel()
	in := decodeInbound(map[string]any{"type": "agent-connected", "agentSessionId": "sess-2"})
	assert.Equal(t, kindAgentConnected, in.Kind)
	assert.Equal(t, "sess-2", in.AgentSessionID)

	in = decodeInbound(map[string]any{"type": "agent-disconnected", "agentSessionId": "sess-2"})
	assert.Equal(t, kindAgentDisconnected, in.Kind)
}

func TestDecodeInboundConnectionInfo(t *testing.T) {
	t.Parallel()
	in := decodeInbound(map[string]any{
		"type":         "connection-info",
		"token":        "cred-1",
		"authRequired": true,
	})
	require.Equal(t, kindConnectionInfo, in.Kind)
	require.NotNil(t, in.Info)
	assert.Equal(t, "cred-1", in.Info.Token)
	assert.True(t, in.Info.AuthRequired)
}

func TestDecodeInboundUnknownFallback(t *testing.T) {
	t.Parallel()
	raw := map[string]any{"type": "telemetry", "n": 1.0}
	in := decodeInbound(raw)
	assert.Equal(t, kindUnknown, in.Kind)
	assert.Equal(t, raw, in.Raw)
}
