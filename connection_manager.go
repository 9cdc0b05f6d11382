package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ConnectionStatus is the lifecycle state of the managed channel.
type ConnectionStatus string

const (
	// StatusDisconnected means no channel is open. Initial state, and
	// reachable again after any close.
	StatusDisconnected ConnectionStatus = "disconnected"
	// StatusConnected means the channel is open with no agent attached.
	StatusConnected ConnectionStatus = "connected"
	// StatusBridged means a remote agent is attached on top of an open
	// channel. Set by the dispatcher; no transport meaning.
	StatusBridged ConnectionStatus = "bridged"
	// StatusError means the current attempt chain ended; no further
	// automatic reconnection.
	StatusError ConnectionStatus = "error"
)

const maxReconnectDelay = 30 * time.Second

// ConnectionManager owns the authenticated socket lifecycle: connect,
// disconnect, send, reconnection with backoff, and failure classification.
// At most one live socket and one pending reconnection timer exist at any
// time.
type ConnectionManager struct {
	cfg        *BridgeClientConfig
	logger     func(format string, args ...interface{})
	httpClient *http.Client

	mu                sync.Mutex
	status            ConnectionStatus
	socket            Socket
	reconnectAttempts int
	reconnectTimer    *time.Timer
	lastCredential    string
	connecting        bool
	closeWaiters      []chan struct{}

	onOpen    func()
	onMessage func(msg map[string]any)
	onError   func(err *BridgeError)
}

func NewConnectionManager(cfg *BridgeClientConfig) *ConnectionManager {
	return &ConnectionManager{
		cfg:        cfg,
		logger:     cfg.Logger,
		httpClient: cfg.HTTPClient,
		status:     StatusDisconnected,
	}
}

// Status returns the current connection status.
func (m *ConnectionManager) Status() ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// ReconnectAttempts returns the current attempt counter. Zero after every
// successful open.
func (m *ConnectionManager) ReconnectAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnectAttempts
}

// SetBridged layers the agent-attached state on top of an open channel.
// It has no effect unless the channel is open.
func (m *ConnectionManager) SetBridged(bridged bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if bridged && m.status == StatusConnected {
		m.status = StatusBridged
	} else if !bridged && m.status == StatusBridged {
		m.status = StatusConnected
	}
}

func (m *ConnectionManager) setStatus(s ConnectionStatus) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
}

func (m *ConnectionManager) emitError(err *BridgeError) {
	m.logger("connection error: %v", err)
	if m.onError != nil {
		m.onError(err)
	}
}

// failChain ends the current attempt chain with exactly one error event.
// The socket's error and close callbacks can both fire for one failure;
// whichever reaches the terminal state first wins.
func (m *ConnectionManager) failChain(berr *BridgeError) {
	m.mu.Lock()
	if m.status == StatusError {
		m.mu.Unlock()
		return
	}
	m.status = StatusError
	m.stopReconnectTimerLocked()
	m.mu.Unlock()
	m.emitError(berr)
}

// Connect fetches a fresh token, opens the socket, and races the open
// against the error and timeout paths. A no-op when already connected.
func (m *ConnectionManager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.socket != nil && m.socket.ReadyState() == StateOpen {
		m.mu.Unlock()
		return nil
	}
	if m.connecting {
		m.mu.Unlock()
		return ErrConnectInProgress
	}
	m.connecting = true
	firstAttempt := m.reconnectAttempts == 0
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.connecting = false
		m.mu.Unlock()
	}()

	attemptID := uuid.NewString()

	token, err := m.cfg.TokenSupplier(ctx)
	if err != nil {
		m.logger("token fetch failed (attempt %s): %v", attemptID, err)
		if firstAttempt && m.cfg.AutoReconnect {
			// Run the same classifier a scheduled retry runs: an
			// auth-flavored failure must stop the chain here instead of
			// burning an attempt first.
			m.handleReconnectFailure(err)
		}
		return fmt.Errorf("failed to fetch connection token: %w", err)
	}

	wsURL, err := m.buildSocketURL(token)
	if err != nil {
		return err
	}
	m.logger("connecting to %s (attempt %s)", redactToken(wsURL), attemptID)

	sock, err := m.cfg.SocketFactory(wsURL)
	if err != nil {
		return err
	}

	opened := make(chan struct{}, 1)
	dialErr := make(chan error, 1)
	sock.OnOpen(func() {
		select {
		case opened <- struct{}{}:
		default:
		}
	})
	sock.OnError(func(err error) {
		select {
		case dialErr <- err:
		default:
		}
	})
	sock.OnMessage(m.handleMessage)
	sock.OnClose(func(code int, reason string) {
		m.handleClose(sock, code, reason)
	})

	m.mu.Lock()
	m.socket = sock
	// Reset before the socket can deliver anything: the relay may greet
	// with connection-info the moment the dial completes, and that
	// credential must survive connect settling.
	m.lastCredential = ""
	m.mu.Unlock()
	sock.Open()

	timeout := time.NewTimer(m.cfg.ConnectTimeout)
	defer timeout.Stop()
	select {
	case <-opened:
		m.mu.Lock()
		if m.socket != sock {
			// Disconnect won the race while the dial was in flight.
			m.mu.Unlock()
			sock.Close(websocket.CloseNormalClosure, "client disconnect")
			return connectionError("connection attempt aborted by disconnect", nil)
		}
		m.reconnectAttempts = 0
		m.stopReconnectTimerLocked()
		m.status = StatusConnected
		m.mu.Unlock()
		m.logger("connected (attempt %s)", attemptID)
		if m.onOpen != nil {
			m.onOpen()
		}
		return nil
	case err := <-dialErr:
		berr := m.classifyClose(websocket.CloseAbnormalClosure, err.Error())
		berr.Err = err
		if !berr.CanRetry {
			m.failChain(berr)
		}
		return berr
	case <-timeout.C:
		sock.Close(websocket.CloseNormalClosure, "connection timeout")
		return connectionError(fmt.Sprintf("connection timed out after %s", m.cfg.ConnectTimeout), nil)
	case <-ctx.Done():
		sock.Close(websocket.CloseNormalClosure, "context cancelled")
		return ctx.Err()
	}
}

// Disconnect cancels any pending reconnection and closes the socket with a
// normal-closure frame, waiting for the close acknowledgment. Terminal for
// the current attempt chain: the close handler never reschedules for 1000.
func (m *ConnectionManager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	m.stopReconnectTimerLocked()
	sock := m.socket
	if sock == nil || sock.ReadyState() != StateOpen {
		m.socket = nil
		m.status = StatusDisconnected
		m.mu.Unlock()
		if sock != nil {
			// A socket still dialing must be torn down too, or the dial
			// completes later against a manager that disowned it.
			sock.Close(websocket.CloseNormalClosure, "client disconnect")
		}
		return nil
	}
	waiter := make(chan struct{})
	m.closeWaiters = append(m.closeWaiters, waiter)
	m.mu.Unlock()

	if err := sock.Close(websocket.CloseNormalClosure, "client disconnect"); err != nil {
		m.logger("close frame failed: %v", err)
	}
	select {
	case <-waiter:
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(socketWriteWait):
		// Peer never acknowledged; give up waiting.
	}
	m.setStatus(StatusDisconnected)
	return nil
}

// Send serializes message and writes it to the open socket. There is no
// queuing: sending while disconnected fails synchronously.
func (m *ConnectionManager) Send(message any) error {
	m.mu.Lock()
	sock := m.socket
	m.mu.Unlock()
	if sock == nil || sock.ReadyState() != StateOpen {
		return ErrNotConnected
	}
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return sock.Send(data)
}

func (m *ConnectionManager) buildSocketURL(token string) (string, error) {
	u, err := url.Parse(m.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL %q: %w", m.cfg.BaseURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	base := strings.TrimSuffix(u.String(), "/")
	return fmt.Sprintf("%s/ws/%s/%s?token=%s",
		base,
		url.PathEscape(m.cfg.AppID),
		url.PathEscape(m.cfg.UserID),
		url.QueryEscape(token),
	), nil
}

// redactToken replaces the token query value so the credential never
// reaches a log line.
func redactToken(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if q.Has("token") {
		q.Set("token", "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// handleMessage parses an inbound frame. Malformed JSON is logged and
// dropped; it must never terminate the connection. A connection-info frame
// has its credential remembered for later out-of-band validation before
// the message is forwarded.
func (m *ConnectionManager) handleMessage(data []byte) {
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		m.logger("dropping malformed frame: %v", err)
		return
	}
	if t, _ := msg["type"].(string); t == msgTypeConnectionInfo {
		if tok, ok := msg["token"].(string); ok && tok != "" {
			m.mu.Lock()
			m.lastCredential = tok
			m.mu.Unlock()
		}
	}
	if m.onMessage != nil {
		m.onMessage(msg)
	}
}

func (m *ConnectionManager) handleClose(sock Socket, code int, reason string) {
	m.mu.Lock()
	if m.socket != sock {
		// A close from a socket this manager already detached. Running the
		// classifier here would reschedule after a manual disconnect.
		m.mu.Unlock()
		return
	}
	m.socket = nil
	waiters := m.closeWaiters
	m.closeWaiters = nil
	autoReconnect := m.cfg.AutoReconnect
	m.mu.Unlock()
	m.logger("connection closed: code=%d reason=%q", code, reason)
	for _, w := range waiters {
		close(w)
	}

	if code == websocket.CloseNormalClosure {
		// Clean close. The classifier would call this retryable, but the
		// reconnection gate excludes 1000, so nothing is scheduled.
		m.setStatus(StatusDisconnected)
		return
	}
	if m.Status() == StatusError {
		// Chain already ended via the error path.
		return
	}

	berr := m.classifyClose(code, reason)
	if berr.CanRetry && autoReconnect && m.shouldReconnect(code) {
		m.setStatus(StatusDisconnected)
		m.scheduleReconnect()
		return
	}
	if berr.CanRetry && autoReconnect {
		// Retryable but the attempt budget is spent.
		berr = &BridgeError{
			Type:     ErrorConnectionFailed,
			Message:  fmt.Sprintf("failed to reconnect after %d attempts", m.ReconnectAttempts()),
			CanRetry: false,
		}
	}
	m.failChain(berr)
}

// classifyClose maps a close code (or an error event without one, reported
// as 1006) to the error taxonomy. The outward symptom of an unreachable
// relay, bad credentials, and a server fault is the same abrupt
// disconnect, so 1006 is disambiguated with the out-of-band credential
// check whenever a credential has been observed on this connection.
func (m *ConnectionManager) classifyClose(code int, reason string) *BridgeError {
	switch code {
	case websocket.CloseNormalClosure: // 1000
		return connectionError("connection closed", nil)
	case websocket.CloseProtocolError, websocket.ClosePolicyViolation: // 1002, 1008
		return authError(fmt.Sprintf("authentication failed (close code %d)", code), nil)
	case websocket.CloseAbnormalClosure: // 1006
		m.mu.Lock()
		credential := m.lastCredential
		m.mu.Unlock()
		if credential != "" {
			switch m.checkCredential(credential) {
			case credentialInvalid:
				return authError("connection dropped: credentials are no longer valid", nil)
			case credentialUnreachable:
				return unreachableError("connection dropped: relay unreachable during credential check", nil)
			default:
				// Credentials are fine; the socket layer failed. Transient.
				return connectionError("connection dropped despite valid credentials", nil)
			}
		}
		return m.classifyByReason(reason)
	case websocket.CloseInternalServerErr: // 1011
		return connectionError("relay reported an internal error", nil)
	default:
		return m.classifyByReason(reason)
	}
}

func (m *ConnectionManager) classifyByReason(reason string) *BridgeError {
	lower := strings.ToLower(reason)
	if strings.Contains(lower, "auth") || strings.Contains(lower, "unauthorized") {
		return authError(fmt.Sprintf("authentication failed: %s", reason), nil)
	}
	return unknownError(fmt.Sprintf("connection closed unexpectedly: %s", reason), nil)
}

func (m *ConnectionManager) checkCredential(credential string) credentialState {
	ctx, cancel := context.WithTimeout(context.Background(), socketWriteWait*2)
	defer cancel()
	return validateCredential(ctx, m.httpClient, m.cfg.BaseURL, credential, m.cfg.AppID, m.cfg.UserID)
}

// shouldReconnect gates scheduling by close code: never for a clean close
// or a policy violation, and only while the attempt budget lasts.
func (m *ConnectionManager) shouldReconnect(code int) bool {
	if code == websocket.CloseNormalClosure || code == websocket.ClosePolicyViolation {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnectAttempts < m.cfg.MaxReconnectAttempts
}

func (m *ConnectionManager) stopReconnectTimerLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

func (m *ConnectionManager) scheduleReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reconnectTimer != nil {
		return
	}
	delay := m.reconnectDelayLocked()
	m.logger("scheduling reconnection attempt %d in %s", m.reconnectAttempts+1, delay)
	m.reconnectTimer = time.AfterFunc(delay, m.runReconnect)
}

func (m *ConnectionManager) reconnectDelayLocked() time.Duration {
	if m.cfg.FastReconnect {
		return time.Millisecond
	}
	delay := m.cfg.ReconnectInterval
	for i := 0; i < m.reconnectAttempts; i++ {
		delay *= 2
		if delay >= maxReconnectDelay {
			return maxReconnectDelay
		}
	}
	if delay > maxReconnectDelay {
		delay = maxReconnectDelay
	}
	return delay
}

func (m *ConnectionManager) runReconnect() {
	m.mu.Lock()
	m.reconnectTimer = nil
	m.reconnectAttempts++
	attempt := m.reconnectAttempts
	m.mu.Unlock()
	m.logger("reconnection attempt %d", attempt)
	if err := m.Connect(context.Background()); err != nil {
		m.handleReconnectFailure(err)
	}
}

// handleReconnectFailure classifies an error thrown by a scheduled
// reconnection attempt (typically a token fetch failure) and decides
// between continuing the chain and stopping with a final error.
func (m *ConnectionManager) handleReconnectFailure(err error) {
	// Classify the root cause: the wrapped message says "failed to fetch",
	// which would read as a network signature for every token error.
	text := strings.ToLower(rootCause(err).Error())
	switch {
	case isNetworkErrorText(text):
		m.continueOrGiveUp()
	case isAuthErrorText(text):
		m.failChain(authError("reconnection stopped: credentials rejected", err))
	default:
		m.mu.Lock()
		credential := m.lastCredential
		m.mu.Unlock()
		if credential != "" && m.checkCredential(credential) == credentialInvalid {
			m.failChain(authError("reconnection stopped: credentials are no longer valid", err))
			return
		}
		// Unreachable or valid both mean the token fetch failure was not
		// the credentials' fault. Treat as transient.
		m.continueOrGiveUp()
	}
}

func (m *ConnectionManager) continueOrGiveUp() {
	m.mu.Lock()
	attempts := m.reconnectAttempts
	budget := m.cfg.MaxReconnectAttempts
	m.mu.Unlock()
	if attempts < budget {
		m.scheduleReconnect()
		return
	}
	m.failChain(&BridgeError{
		Type:     ErrorConnectionFailed,
		Message:  fmt.Sprintf("failed to reconnect after %d attempts", attempts),
		CanRetry: false,
	})
}

func rootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

func isNetworkErrorText(text string) bool {
	for _, sig := range []string{
		"fetch", "network", "connection refused", "no such host",
		"host not found", "timeout", "dial tcp",
	} {
		if strings.Contains(text, sig) {
			return true
		}
	}
	return false
}

func isAuthErrorText(text string) bool {
	if strings.Contains(text, "auth") || strings.Contains(text, "unauthorized") {
		return true
	}
	return strings.Contains(text, "invalid") && strings.Contains(text, "token")
}
