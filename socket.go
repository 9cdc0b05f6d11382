// relay/socket.go
package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ReadyState mirrors the WebSocket ready-state constants.
type ReadyState int32

const (
	StateConnecting ReadyState = iota
	StateOpen
	StateClosing
	StateClosed
)

// Socket is the transport primitive the connection manager drives. All
// callbacks must be assigned before Open; they are invoked from the
// socket's own goroutine, one at a time.
type Socket interface {
	OnOpen(fn func())
	OnMessage(fn func(data []byte))
	OnClose(fn func(code int, reason string))
	OnError(fn func(err error))

	// Open starts the dial asynchronously. Exactly one of the open or
	// error callbacks fires; after open, message callbacks flow until the
	// close callback fires.
	Open()
	Send(data []byte) error
	Close(code int, reason string) error
	ReadyState() ReadyState
}

// SocketFactory builds an unopened socket for a URL. It must fail
// synchronously when no transport implementation is available.
type SocketFactory func(url string) (Socket, error)

// NewWebSocketFactory returns a factory backed by a gorilla dialer.
func NewWebSocketFactory(dialer *websocket.Dialer) SocketFactory {
	return func(url string) (Socket, error) {
		if dialer == nil {
			return nil, ErrNoSocketImplementation
		}
		ctx, cancel := context.WithCancel(context.Background())
		s := &wsSocket{url: url, dialer: dialer, ctx: ctx, cancel: cancel}
		s.state.Store(int32(StateConnecting))
		return s, nil
	}
}

func defaultSocketFactory() SocketFactory {
	return NewWebSocketFactory(&websocket.Dialer{HandshakeTimeout: 30 * time.Second})
}

const socketWriteWait = 5 * time.Second

type wsSocket struct {
	url    string
	dialer *websocket.Dialer
	ctx    context.Context
	cancel context.CancelFunc

	state   atomic.Int32
	mu      sync.Mutex // guards conn and writes
	conn    *websocket.Conn
	closeCB sync.Once

	onOpen    func()
	onMessage func(data []byte)
	onClose   func(code int, reason string)
	onError   func(err error)
}

func (s *wsSocket) OnOpen(fn func())                      { s.onOpen = fn }
func (s *wsSocket) OnMessage(fn func(data []byte))        { s.onMessage = fn }
func (s *wsSocket) OnClose(fn func(code int, r string))   { s.onClose = fn }
func (s *wsSocket) OnError(fn func(err error))            { s.onError = fn }
func (s *wsSocket) ReadyState() ReadyState                { return ReadyState(s.state.Load()) }

func (s *wsSocket) Open() {
	go func() {
		conn, resp, err := s.dialer.DialContext(s.ctx, s.url, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			s.state.Store(int32(StateClosed))
			if s.onError != nil {
				s.onError(err)
			}
			// Browser sockets follow a failed dial with an abnormal close;
			// the close-code classifier depends on seeing both.
			s.fireClose(websocket.CloseAbnormalClosure, err.Error())
			return
		}
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		s.state.Store(int32(StateOpen))
		if s.onOpen != nil {
			s.onOpen()
		}
		s.readLoop(conn)
	}()
}

func (s *wsSocket) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.state.Store(int32(StateClosed))
			conn.Close()
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				s.fireClose(ce.Code, ce.Text)
			} else {
				// Dropped without a close frame.
				s.fireClose(websocket.CloseAbnormalClosure, err.Error())
			}
			return
		}
		if s.onMessage != nil {
			s.onMessage(data)
		}
	}
}

func (s *wsSocket) fireClose(code int, reason string) {
	s.closeCB.Do(func() {
		s.state.Store(int32(StateClosed))
		if s.onClose != nil {
			s.onClose(code, reason)
		}
	})
}

func (s *wsSocket) Send(data []byte) error {
	if s.ReadyState() != StateOpen {
		return ErrNotConnected
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ErrNotConnected
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame and lets the read loop deliver the resulting
// close callback. A socket still dialing has its dial cancelled instead.
func (s *wsSocket) Close(code int, reason string) error {
	s.cancel()
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		s.state.Store(int32(StateClosed))
		return nil
	}
	s.state.Store(int32(StateClosing))
	s.mu.Lock()
	err := conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(socketWriteWait),
	)
	s.mu.Unlock()
	if err != nil {
		// Peer is already gone; tear the connection down so the read loop
		// unblocks and reports the close.
		return conn.Close()
	}
	return nil
}
