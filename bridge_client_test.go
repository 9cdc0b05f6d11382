package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSocket is an in-memory Socket for dispatcher tests. Open succeeds
// synchronously; inbound frames are injected with receive.
type fakeSocket struct {
	mu       sync.Mutex
	state    ReadyState
	url      string
	frames   [][]byte
	failSend bool

	onOpen    func()
	onMessage func(data []byte)
	onClose   func(code int, reason string)
	onError   func(err error)
}

func (s *fakeSocket) OnOpen(fn func())                    { s.onOpen = fn }
func (s *fakeSocket) OnMessage(fn func(data []byte))      { s.onMessage = fn }
func (s *fakeSocket) OnClose(fn func(code int, r string)) { s.onClose = fn }
func (s *fakeSocket) OnError(fn func(err error))          { s.onError = fn }

func (s *fakeSocket) Open() {
	s.mu.Lock()
	s.state = StateOpen
	s.mu.Unlock()
	s.onOpen()
}

func (s *fakeSocket) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSend {
		return errors.New("write: broken pipe")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.frames = append(s.frames, cp)
	return nil
}

func (s *fakeSocket) Close(code int, reason string) error {
	s.mu.Lock()
	s.state = StateClosed
	cb := s.onClose
	s.mu.Unlock()
	if cb != nil {
		cb(code, reason)
	}
	return nil
}

func (s *fakeSocket) ReadyState() ReadyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeSocket) setFailSend(fail bool) {
	s.mu.Lock()
	s.failSend = fail
	s.mu.Unlock()
}

func (s *fakeSocket) receive(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	s.onMessage(data)
}

func (s *fakeSocket) sentFrames(t *testing.T) []map[string]any {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, 0, len(s.frames))
	for _, f := range s.frames {
		var m map[string]any
		require.NoError(t, json.Unmarshal(f, &m))
		out = append(out, m)
	}
	return out
}

// replyForID polls the sent frames for a JSON-RPC reply with the given id.
func (s *fakeSocket) replyForID(t *testing.T, id float64) map[string]any {
	t.Helper()
	var reply map[string]any
	require.Eventually(t, func() bool {
		for _, f := range s.sentFrames(t) {
			if got, ok := f["id"].(float64); ok && got == id {
				reply = f
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	return reply
}

func newTestClient(t *testing.T, hooks *BridgeHooks) (*BridgeClient, *fakeSocket) {
	t.Helper()
	sock := &fakeSocket{state: StateConnecting}
	cfg := NewBridgeClientConfig()
	cfg.BaseURL = "https://relay.example.com"
	cfg.AppID = "app-1"
	cfg.UserID = "user-1"
	cfg.AutoReconnect = false
	cfg.TokenSupplier = func(ctx context.Context) (string, error) { return "tok-123", nil }
	cfg.SocketFactory = func(url string) (Socket, error) {
		sock.url = url
		return sock, nil
	}
	client, err := NewBridgeClient(cfg, hooks)
	require.NoError(t, err)
	return client, sock
}

func toolCallFrame(id float64, name, session string, args map[string]any) map[string]any {
	return map[string]any{
		"jsonrpc":        "2.0",
		"id":             id,
		"method":         "tools/call",
		"params":         map[string]any{"name": name, "arguments": args},
		"agentSessionId": session,
	}
}

func TestClientConnectAdvertisesCatalog(t *testing.T) {
	t.Parallel()
	client, sock := newTestClient(t, nil)
	require.NoError(t, client.Tools().Register(echoTool()))

	require.NoError(t, client.Connect(context.Background()))
	assert.Equal(t, StatusConnected, client.Status())
	assert.Equal(t, "wss://relay.example.com/ws/app-1/user-1?token=tok-123", sock.url)

	frames := sock.sentFrames(t)
	require.NotEmpty(t, frames)
	assert.Equal(t, "tools-registration", frames[0]["type"])
	tools := frames[0]["tools"].([]any)
	require.Len(t, tools, 1)
	assert.Equal(t, "echo", tools[0].(map[string]any)["name"])
}

func TestClientConnectIsIdempotent(t *testing.T) {
	t.Parallel()
	client, _ := newTestClient(t, nil)
	require.NoError(t, client.Connect(context.Background()))
	require.NoError(t, client.Connect(context.Background()))
	assert.Equal(t, StatusConnected, client.Status())
}

func TestClientToolCallSuccess(t *testing.T) {
	t.Parallel()
	client, sock := newTestClient(t, nil)
	require.NoError(t, client.Tools().Register(echoTool()))
	require.NoError(t, client.Connect(context.Background()))

	sock.receive(t, toolCallFrame(1, "echo", "sess-1", map[string]any{"text": "hi"}))

	reply := sock.replyForID(t, 1)
	assert.Equal(t, "2.0", reply["jsonrpc"])
	assert.Equal(t, "sess-1", reply["agentSessionId"])
	require.Nil(t, reply["error"])
	result := reply["result"].(map[string]any)
	content := result["content"].([]any)
	require.Len(t, content, 1)
	assert.Equal(t, "hi", content[0].(map[string]any)["text"])
	_, flagged := result["isError"]
	assert.False(t, flagged)
}

func TestClientUnknownToolIsProtocolError(t *testing.T) {
	t.Parallel()
	client, sock := newTestClient(t, nil)
	require.NoError(t, client.Connect(context.Background()))

	sock.receive(t, toolCallFrame(2, "ghost", "sess-1", nil))

	reply := sock.replyForID(t, 2)
	require.Nil(t, reply["result"])
	rpcErr := reply["error"].(map[string]any)
	assert.Equal(t, float64(-32601), rpcErr["code"])
	assert.Equal(t, "method not found", rpcErr["message"])
}

func TestClientInvalidArgumentsIsBusinessError(t *testing.T) {
	t.Parallel()
	client, sock := newTestClient(t, nil)
	require.NoError(t, client.Tools().Register(echoTool()))
	require.NoError(t, client.Connect(context.Background()))

	sock.receive(t, toolCallFrame(3, "echo", "sess-1", map[string]any{"text": "hi", "extra": "x"}))

	reply := sock.replyForID(t, 3)
	require.Nil(t, reply["error"], "bad arguments to a known tool are not a protocol error")
	result := reply["result"].(map[string]any)
	assert.Equal(t, true, result["isError"])
	text := result["content"].([]any)[0].(map[string]any)["text"].(string)
	assert.Contains(t, text, "invalid arguments")
}

func TestClientHandlerErrorIsBusinessError(t *testing.T) {
	t.Parallel()
	client, sock := newTestClient(t, nil)
	require.NoError(t, client.Tools().Register(Tool{
		Name: "boom",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return nil, errors.New("boom")
		},
	}))
	require.NoError(t, client.Connect(context.Background()))

	sock.receive(t, toolCallFrame(4, "boom", "sess-1", nil))

	reply := sock.replyForID(t, 4)
	require.Nil(t, reply["error"])
	result := reply["result"].(map[string]any)
	assert.Equal(t, true, result["isError"])
	text := result["content"].([]any)[0].(map[string]any)["text"].(string)
	assert.Contains(t, text, "boom")
}

func TestClientHandlerPanicIsBusinessError(t *testing.T) {
	t.Parallel()
	client, sock := newTestClient(t, nil)
	require.NoError(t, client.Tools().Register(Tool{
		Name: "panicky",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			panic("kaboom")
		},
	}))
	require.NoError(t, client.Connect(context.Background()))

	sock.receive(t, toolCallFrame(5, "panicky", "sess-1", nil))

	reply := sock.replyForID(t, 5)
	result := reply["result"].(map[string]any)
	assert.Equal(t, true, result["isError"])
	text := result["content"].([]any)[0].(map[string]any)["text"].(string)
	assert.Contains(t, text, "kaboom")
}

func TestClientInvalidResultFormat(t *testing.T) {
	t.Parallel()
	client, sock := newTestClient(t, nil)
	require.NoError(t, client.Tools().Register(Tool{
		Name: "weird",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return 42, nil
		},
	}))
	require.NoError(t, client.Connect(context.Background()))

	sock.receive(t, toolCallFrame(6, "weird", "sess-1", nil))

	reply := sock.replyForID(t, 6)
	result := reply["result"].(map[string]any)
	assert.Equal(t, true, result["isError"])
	text := result["content"].([]any)[0].(map[string]any)["text"].(string)
	assert.Contains(t, text, "invalid tool result format")
}

func TestClientHandlerSeesCoercedArgsAndSession(t *testing.T) {
	t.Parallel()
	gotArgs := make(chan map[string]any, 1)
	gotSession := make(chan string, 1)
	client, sock := newTestClient(t, nil)
	require.NoError(t, client.Tools().Register(Tool{
		Name: "sum",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"n": map[string]any{"type": "number"}},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			gotArgs <- args
			if id, ok := AgentSessionFromContext(ctx); ok {
				gotSession <- id
			}
			return TextResult("ok"), nil
		},
	}))
	require.NoError(t, client.Connect(context.Background()))

	sock.receive(t, toolCallFrame(7, "sum", "sess-9", map[string]any{"n": "3"}))

	select {
	case args := <-gotArgs:
		assert.Equal(t, 3.0, args["n"], "handler must see the post-validation value")
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}
	assert.Equal(t, "sess-9", <-gotSession)
}

func TestClientAgentLifecycle(t *testing.T) {
	t.Parallel()
	connected := make(chan string, 1)
	disconnected := make(chan string, 1)
	client, sock := newTestClient(t, &BridgeHooks{
		OnAgentConnected:    func(id string) { connected <- id },
		OnAgentDisconnected: func(id string) { disconnected <- id },
	})
	require.NoError(t, client.Connect(context.Background()))

	sock.receive(t, map[string]any{"type": "agent-connected", "agentSessionId": "sess-1"})
	assert.Equal(t, "sess-1", <-connected)
	assert.Equal(t, StatusBridged, client.Status())

	sock.receive(t, map[string]any{"type": "agent-disconnected", "agentSessionId": "sess-1"})
	assert.Equal(t, "sess-1", <-disconnected)
	assert.Equal(t, StatusConnected, client.Status())
}

func TestClientConnectionInfoEvent(t *testing.T) {
	t.Parallel()
	infos := make(chan ConnectionInfo, 1)
	client, sock := newTestClient(t, &BridgeHooks{
		OnConnectionInfo: func(info ConnectionInfo) { infos <- info },
	})
	require.NoError(t, client.Connect(context.Background()))

	sock.receive(t, map[string]any{
		"type":         "connection-info",
		"token":        "cred-1",
		"authRequired": true,
	})

	info := <-infos
	assert.Equal(t, "cred-1", info.Token)
	assert.True(t, info.AuthRequired)
	assert.Equal(t, "https://relay.example.com/agent/app-1/user-1", info.EndpointURL)

	// The manager remembered the credential for out-of-band validation.
	client.conn.mu.Lock()
	cred := client.conn.lastCredential
	client.conn.mu.Unlock()
	assert.Equal(t, "cred-1", cred)
}

func TestClientPassthroughMessage(t *testing.T) {
	t.Parallel()
	raws := make(chan map[string]any, 1)
	client, sock := newTestClient(t, &BridgeHooks{
		OnMessage: func(msg map[string]any) { raws <- msg },
	})
	require.NoError(t, client.Connect(context.Background()))

	sock.receive(t, map[string]any{"type": "telemetry", "n": 1})
	raw := <-raws
	assert.Equal(t, "telemetry", raw["type"])
}

func TestClientMalformedFrameIsDropped(t *testing.T) {
	t.Parallel()
	raws := make(chan map[string]any, 1)
	client, sock := newTestClient(t, &BridgeHooks{
		OnMessage: func(msg map[string]any) { raws <- msg },
	})
	require.NoError(t, client.Connect(context.Background()))

	sock.onMessage([]byte("{not json"))
	select {
	case <-raws:
		t.Fatal("malformed frame must be dropped, not forwarded")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, StatusConnected, client.Status())
}

func TestClientReplySendFailureBecomesErrorEvent(t *testing.T) {
	t.Parallel()
	errs := make(chan *BridgeError, 1)
	client, sock := newTestClient(t, &BridgeHooks{
		OnError: func(err *BridgeError) { errs <- err },
	})
	require.NoError(t, client.Tools().Register(echoTool()))
	require.NoError(t, client.Connect(context.Background()))
	sock.setFailSend(true)

	sock.receive(t, toolCallFrame(8, "echo", "sess-1", map[string]any{"text": "hi"}))

	select {
	case err := <-errs:
		assert.Equal(t, ErrorUnknown, err.Type)
		assert.Contains(t, err.Message, "failed to send reply")
	case <-time.After(2 * time.Second):
		t.Fatal("send failure was not surfaced as an error event")
	}
}

func TestClientRegisterToolReAdvertisesWhileConnected(t *testing.T) {
	t.Parallel()
	client, sock := newTestClient(t, nil)
	require.NoError(t, client.Connect(context.Background()))

	require.NoError(t, client.RegisterTool(echoTool()))
	require.Eventually(t, func() bool {
		frames := sock.sentFrames(t)
		if len(frames) < 2 {
			return false
		}
		last := frames[len(frames)-1]
		return last["type"] == "tools-registration" && len(last["tools"].([]any)) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestClientSendWhileDisconnected(t *testing.T) {
	t.Parallel()
	client, _ := newTestClient(t, nil)
	err := client.conn.Send(map[string]any{"type": "ping"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClientDisconnect(t *testing.T) {
	t.Parallel()
	client, _ := newTestClient(t, nil)
	require.NoError(t, client.Connect(context.Background()))
	require.NoError(t, client.Disconnect(context.Background()))
	assert.Equal(t, StatusDisconnected, client.Status())
}
