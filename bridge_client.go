package relay

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// ConnectionInfo is the domain event emitted when the relay sends its
// connection-info frame.
type ConnectionInfo struct {
	Token        string
	EndpointURL  string
	AuthRequired bool
}

// BridgeHooks are the dispatcher's event callbacks. Every field is
// optional. Hooks are invoked from the connection's goroutine and must
// not block for long.
type BridgeHooks struct {
	OnOpen              func()
	OnError             func(err *BridgeError)
	OnAgentConnected    func(agentSessionID string)
	OnAgentDisconnected func(agentSessionID string)
	OnConnectionInfo    func(info ConnectionInfo)
	// OnMessage receives inbound frames that match no known variant.
	OnMessage func(msg map[string]any)
}

// BridgeClient wires the connection manager and the tool registry into a
// single facade: it advertises the catalog when the channel opens, routes
// inbound tool calls through validation and handlers, and serializes
// replies back over the channel.
type BridgeClient struct {
	cfg      *BridgeClientConfig
	registry *ToolRegistry
	conn     *ConnectionManager
	hooks    BridgeHooks
	logger   func(format string, args ...interface{})

	// Single current-session slot. Replies are tagged with the session id
	// captured per call, so this slot only drives lifecycle bookkeeping.
	mu             sync.Mutex
	agentSessionID string
}

// NewBridgeClient validates the config and builds the client. The config
// must not be mutated afterwards.
func NewBridgeClient(cfg *BridgeClientConfig, hooks *BridgeHooks) (*BridgeClient, error) {
	if cfg == nil {
		cfg = NewBridgeClientConfig()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	c := &BridgeClient{
		cfg:      cfg,
		registry: NewToolRegistry(cfg.Logger),
		logger:   cfg.Logger,
	}
	if hooks != nil {
		c.hooks = *hooks
	}
	conn := NewConnectionManager(cfg)
	conn.onOpen = c.handleOpen
	conn.onMessage = c.handleMessage
	conn.onError = c.emitError
	c.conn = conn
	return c, nil
}

// Tools returns the client's tool registry.
func (c *BridgeClient) Tools() *ToolRegistry { return c.registry }

// Status returns the connection status.
func (c *BridgeClient) Status() ConnectionStatus { return c.conn.Status() }

// Connect opens the channel. See ConnectionManager.Connect.
func (c *BridgeClient) Connect(ctx context.Context) error { return c.conn.Connect(ctx) }

// Disconnect closes the channel. See ConnectionManager.Disconnect.
func (c *BridgeClient) Disconnect(ctx context.Context) error { return c.conn.Disconnect(ctx) }

// RegisterTool adds a tool to the catalog and, if the channel is already
// open, re-advertises the catalog so the agent sees it without waiting
// for a reconnect.
func (c *BridgeClient) RegisterTool(t Tool) error {
	if err := c.registry.Register(t); err != nil {
		return err
	}
	switch c.conn.Status() {
	case StatusConnected, StatusBridged:
		c.sendToolCatalog()
	}
	return nil
}

func (c *BridgeClient) handleOpen() {
	c.sendToolCatalog()
	if c.hooks.OnOpen != nil {
		c.hooks.OnOpen()
	}
}

func (c *BridgeClient) sendToolCatalog() {
	msg := toolsRegistration{Type: msgTypeToolsRegistration, Tools: c.registry.GetAll()}
	if err := c.conn.Send(msg); err != nil {
		c.emitError(unknownError("failed to send tool catalog", err))
	}
}

func (c *BridgeClient) emitError(err *BridgeError) {
	if c.hooks.OnError != nil {
		c.hooks.OnError(err)
		return
	}
	c.logger("bridge error: %v", err)
}

func (c *BridgeClient) handleMessage(msg map[string]any) {
	in := decodeInbound(msg)
	switch in.Kind {
	case kindToolCall:
		c.mu.Lock()
		c.agentSessionID = in.Call.AgentSessionID
		c.mu.Unlock()
		// Handlers run concurrently so a slow tool does not stall the
		// read loop; each reply carries the session id captured here.
		go c.handleToolCall(in.Call)
	case kindAgentConnected:
		c.mu.Lock()
		c.agentSessionID = in.AgentSessionID
		c.mu.Unlock()
		c.conn.SetBridged(true)
		if c.hooks.OnAgentConnected != nil {
			c.hooks.OnAgentConnected(in.AgentSessionID)
		}
	case kindAgentDisconnected:
		c.mu.Lock()
		c.agentSessionID = ""
		c.mu.Unlock()
		c.conn.SetBridged(false)
		if c.hooks.OnAgentDisconnected != nil {
			c.hooks.OnAgentDisconnected(in.AgentSessionID)
		}
	case kindConnectionInfo:
		if c.hooks.OnConnectionInfo != nil {
			c.hooks.OnConnectionInfo(ConnectionInfo{
				Token:        in.Info.Token,
				EndpointURL:  c.endpointURL(),
				AuthRequired: in.Info.AuthRequired,
			})
		}
	default:
		if c.hooks.OnMessage != nil {
			c.hooks.OnMessage(msg)
		}
	}
}

// endpointURL is the HTTP endpoint the relay exposes for this app/user
// pair, surfaced with the connection-info event.
func (c *BridgeClient) endpointURL() string {
	base := strings.TrimSuffix(c.cfg.BaseURL, "/")
	return fmt.Sprintf("%s/agent/%s/%s", base, c.cfg.AppID, c.cfg.UserID)
}

// handleToolCall executes one inbound tool invocation. Unknown tools are
// protocol-level errors; everything that goes wrong with a known tool is
// a business-level error flagged inside a successful envelope, because
// the channel's health and a single call's success are independent.
func (c *BridgeClient) handleToolCall(call *toolCallRequest) {
	handler, ok := c.registry.GetHandler(call.ToolName)
	if !ok {
		c.reply(rpcResponse{
			JSONRPC: jsonRPCVersion,
			ID:      call.ID,
			Error: &rpcError{
				Code:    codeMethodNotFound,
				Message: "method not found",
				Data:    fmt.Sprintf("no handler registered for tool %q", call.ToolName),
			},
			AgentSessionID: call.AgentSessionID,
		})
		return
	}

	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}
	if res := c.registry.Validate(call.ToolName, args); !res.IsValid {
		parts := make([]string, 0, len(res.Errors))
		for _, issue := range res.Errors {
			parts = append(parts, fmt.Sprintf("%s: %s", issue.Path, issue.Message))
		}
		c.replyResult(call, errorResult("invalid arguments: "+strings.Join(parts, ", ")))
		return
	}

	out, err := c.runHandler(handler, call, args)
	if err != nil {
		c.replyResult(call, errorResult(err.Error()))
		return
	}
	result, ok := normalizeResult(out)
	if !ok {
		c.replyResult(call, errorResult("invalid tool result format: expected an object with a content array"))
		return
	}
	c.reply(rpcResponse{
		JSONRPC:        jsonRPCVersion,
		ID:             call.ID,
		Result:         result,
		AgentSessionID: call.AgentSessionID,
	})
}

func (c *BridgeClient) runHandler(handler ToolHandler, call *toolCallRequest, args map[string]any) (out any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("tool %q panicked: %v", call.ToolName, p)
		}
	}()
	ctx := withAgentSession(context.Background(), call.AgentSessionID)
	return handler(ctx, args)
}

func (c *BridgeClient) replyResult(call *toolCallRequest, result *ToolResult) {
	c.reply(rpcResponse{
		JSONRPC:        jsonRPCVersion,
		ID:             call.ID,
		Result:         result,
		AgentSessionID: call.AgentSessionID,
	})
}

// reply sends a response frame. Send failures are surfaced as error
// events, never thrown: replies happen on event paths with no caller to
// catch them.
func (c *BridgeClient) reply(resp rpcResponse) {
	if err := c.conn.Send(resp); err != nil {
		c.emitError(unknownError(fmt.Sprintf("failed to send reply for request %v", resp.ID), err))
	}
}

// normalizeResult checks that a handler result structurally carries a
// content list. Typed results pass through; anything else is round-tripped
// through JSON and inspected.
func normalizeResult(out any) (any, bool) {
	switch v := out.(type) {
	case nil:
		return nil, false
	case *ToolResult:
		if v == nil || v.Content == nil {
			return nil, false
		}
		return v, true
	case ToolResult:
		if v.Content == nil {
			return nil, false
		}
		return v, true
	case map[string]any:
		if _, ok := v["content"].([]any); !ok {
			return nil, false
		}
		return v, true
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, false
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, false
	}
	if _, ok := m["content"].([]any); !ok {
		return nil, false
	}
	return m, true
}
