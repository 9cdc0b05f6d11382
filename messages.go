package relay

const (
	msgTypeToolsRegistration = "tools-registration"
	msgTypeAgentConnected    = "agent-connected"
	msgTypeAgentDisconnected = "agent-disconnected"
	msgTypeConnectionInfo    = "connection-info"

	jsonRPCVersion  = "2.0"
	methodToolsCall = "tools/call"
)

// JSON-RPC error codes used for protocol-level replies.
const (
	codeMethodNotFound = -32601
	codeInternalError  = -32603
)

// toolsRegistration advertises the current catalog to the relay.
type toolsRegistration struct {
	Type  string `json:"type"`
	Tools []Tool `json:"tools"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

// rpcResponse is the single outbound reply shape. Exactly one of Result
// and Error is set.
type rpcResponse struct {
	JSONRPC        string    `json:"jsonrpc"`
	ID             any       `json:"id"`
	Result         any       `json:"result,omitempty"`
	Error          *rpcError `json:"error,omitempty"`
	AgentSessionID string    `json:"agentSessionId,omitempty"`
}

type inboundKind int

const (
	kindUnknown inboundKind = iota
	kindToolCall
	kindAgentConnected
	kindAgentDisconnected
	kindConnectionInfo
)

type toolCallRequest struct {
	ID             any
	ToolName       string
	Arguments      map[string]any
	AgentSessionID string
}

type connectionInfo struct {
	Token        string
	AuthRequired bool
}

// inboundMessage is the decoded union over the known wire variants plus an
// unrecognized fallback carrying the raw frame.
type inboundMessage struct {
	Kind           inboundKind
	Call           *toolCallRequest
	AgentSessionID string
	Info           *connectionInfo
	Raw            map[string]any
}

// decodeInbound discriminates a parsed frame into one of the known message
// variants. A tool call requires the JSON-RPC version marker, the fixed
// method name, a named tool in params, and an agent session id; anything
// short of that falls through to the type-tagged variants or to unknown.
func decodeInbound(msg map[string]any) inboundMessage {
	if v, _ := msg["jsonrpc"].(string); v == jsonRPCVersion {
		if method, _ := msg["method"].(string); method == methodToolsCall {
			params, _ := msg["params"].(map[string]any)
			name, _ := params["name"].(string)
			session, _ := msg["agentSessionId"].(string)
			if name != "" && session != "" {
				args, _ := params["arguments"].(map[string]any)
				return inboundMessage{
					Kind: kindToolCall,
					Call: &toolCallRequest{
						ID:             msg["id"],
						ToolName:       name,
						Arguments:      args,
						AgentSessionID: session,
					},
				}
			}
		}
	}

	switch t, _ := msg["type"].(string); t {
	case msgTypeAgentConnected:
		session, _ := msg["agentSessionId"].(string)
		return inboundMessage{Kind: kindAgentConnected, AgentSessionID: session}
	case msgTypeAgentDisconnected:
		session, _ := msg["agentSessionId"].(string)
		return inboundMessage{Kind: kindAgentDisconnected, AgentSessionID: session}
	case msgTypeConnectionInfo:
		info := &connectionInfo{}
		info.Token, _ = msg["token"].(string)
		info.AuthRequired, _ = msg["authRequired"].(bool)
		return inboundMessage{Kind: kindConnectionInfo, Info: info}
	}

	return inboundMessage{Kind: kindUnknown, Raw: msg}
}
