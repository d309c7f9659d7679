package collab

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"

	"golang.org/x/exp/slices"
)

// Logging convention for the `collab` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on
//     normal operation:
//     - dial/auth failures, unclean closes, dropped frames
//     - callback panics
// V(1):
//     key lifecycle events with ids that can be used to filter
// V(2):
//     frequent events - e.g. send, queue, receive - per message

type ConnectionState int

const (
	ConnectionStateDisconnected ConnectionState = iota
	ConnectionStateConnecting
	ConnectionStateConnected
	ConnectionStateAuthenticated
)

func (self ConnectionState) String() string {
	switch self {
	case ConnectionStateDisconnected:
		return "disconnected"
	case ConnectionStateConnecting:
		return "connecting"
	case ConnectionStateConnected:
		return "connected"
	case ConnectionStateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// (ctx, url)
type DialFunc func(ctx context.Context, url string) (*websocket.Conn, error)

type StateChangeFunction func(state ConnectionState)
type MessageFunction func(message Message)

type TransportSettings struct {
	// bound on the socket being open, per connection attempt
	ConnectTimeout time.Duration
	// bound on the server answering the auth handshake
	AuthTimeout  time.Duration
	WriteTimeout time.Duration
	// automatic reconnects after an unclean close. once exhausted the
	// transport stays disconnected until `Connect` is called again.
	MaxReconnectAttempts int
	// the delay before attempt n is n * ReconnectDelay
	ReconnectDelay time.Duration
	Clock          Clock
	DialFunc       DialFunc
}

func DefaultTransportSettings() *TransportSettings {
	return &TransportSettings{
		ConnectTimeout:       10 * time.Second,
		AuthTimeout:          10 * time.Second,
		WriteTimeout:         5 * time.Second,
		MaxReconnectAttempts: 5,
		ReconnectDelay:       1 * time.Second,
		Clock:                NewSystemClock(),
	}
}

// Transport owns the socket, the auth handshake, the outbound queue and
// the reconnect loop, and fans received messages out to listeners.
// Inbound messages are dispatched one at a time, in arrival order, on a
// single goroutine per connection. All cache writes downstream of
// `AddMessageCallback` inherit that single-writer discipline.
type Transport struct {
	ctx    context.Context
	cancel context.CancelFunc

	url      string
	auth     AuthProvider
	settings *TransportSettings

	stateCallbacks   *CallbackList[StateChangeFunction]
	messageCallbacks *CallbackList[MessageFunction]

	// guards the fields below. held only for state/queue access,
	// never across i/o or callbacks.
	mutex            sync.Mutex
	state            ConnectionState
	session          *Session
	ws               *websocket.Conn
	pending          []Message
	reconnectAttempt int
	connectResult    chan error
	running          bool

	// gorilla allows a single concurrent writer
	writeMutex sync.Mutex
}

func NewTransportWithDefaults(ctx context.Context, url string, auth AuthProvider) *Transport {
	return NewTransport(ctx, url, auth, DefaultTransportSettings())
}

func NewTransport(
	ctx context.Context,
	url string,
	auth AuthProvider,
	settings *TransportSettings,
) *Transport {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Transport{
		ctx:              cancelCtx,
		cancel:           cancel,
		url:              url,
		auth:             auth,
		settings:         settings,
		stateCallbacks:   NewCallbackList[StateChangeFunction](),
		messageCallbacks: NewCallbackList[MessageFunction](),
		state:            ConnectionStateDisconnected,
	}
}

func (self *Transport) State() ConnectionState {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.state
}

// nil until the first `Connect`
func (self *Transport) Session() *Session {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.session
}

func (self *Transport) AddStateCallback(callback StateChangeFunction) func() {
	callbackId := self.stateCallbacks.Add(callback)
	return func() {
		self.stateCallbacks.Remove(callbackId)
	}
}

func (self *Transport) AddMessageCallback(callback MessageFunction) func() {
	callbackId := self.messageCallbacks.Add(callback)
	return func() {
		self.messageCallbacks.Remove(callbackId)
	}
}

// typed subscription for a single message kind
func OnMessage[M Message](transport *Transport, callback func(message M)) func() {
	return transport.AddMessageCallback(func(message Message) {
		if m, ok := message.(M); ok {
			callback(m)
		}
	})
}

// Connect opens the socket and runs the auth handshake. It returns once
// the handshake settles: nil after `auth:success`, `*AuthenticationError`
// when no token is available or the server rejects it, and
// `*ConnectionError` when the socket cannot be opened in time.
// After an unclean close the transport keeps reconnecting on its own
// while attempts remain; calling Connect again resumes a transport whose
// attempts were exhausted.
func (self *Transport) Connect(ctx context.Context) error {
	token, err := self.auth.Token()
	if err != nil {
		return &AuthenticationError{Message: err.Error()}
	}
	if token == "" {
		return &AuthenticationError{Message: "no auth token available"}
	}
	session, err := SessionFromToken(token)
	if err != nil {
		return &AuthenticationError{Message: err.Error()}
	}

	self.mutex.Lock()
	if self.running {
		self.mutex.Unlock()
		return &ConnectionError{Message: "already connected"}
	}
	self.running = true
	self.state = ConnectionStateConnecting
	self.session = session
	self.reconnectAttempt = 0
	result := make(chan error, 1)
	self.connectResult = result
	self.mutex.Unlock()
	self.emitState(ConnectionStateConnecting)

	go self.run(token)

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return &ConnectionError{Message: "connect canceled", Cause: ctx.Err()}
	case <-self.ctx.Done():
		return &ConnectionError{Message: "transport closed"}
	}
}

// settle the pending `Connect` call, if any
func (self *Transport) sendConnectResult(err error) {
	self.mutex.Lock()
	result := self.connectResult
	self.connectResult = nil
	self.mutex.Unlock()
	if result != nil {
		result <- err
	}
}

type closeReason int

const (
	closeReasonDialFailed closeReason = iota
	closeReasonClean
	closeReasonUnclean
)

func (self *Transport) run(token string) {
	defer func() {
		self.setState(ConnectionStateDisconnected)
		self.mutex.Lock()
		self.running = false
		self.mutex.Unlock()
	}()

	for {
		reason := self.runOnce(token)

		select {
		case <-self.ctx.Done():
			return
		default:
		}

		switch reason {
		case closeReasonClean:
			self.sendConnectResult(&ConnectionError{Message: "connection closed"})
			return
		case closeReasonDialFailed:
			self.mutex.Lock()
			attempt := self.reconnectAttempt
			self.mutex.Unlock()
			if attempt == 0 {
				// the initial open failed. `Connect` has already been
				// failed by runOnce; recovery is a manual reconnect.
				return
			}
		}

		self.mutex.Lock()
		self.reconnectAttempt += 1
		attempt := self.reconnectAttempt
		self.mutex.Unlock()

		if self.settings.MaxReconnectAttempts < attempt {
			glog.Infof("[t]offline after %d reconnect attempts\n", attempt-1)
			self.sendConnectResult(&ConnectionError{Message: "reconnect attempts exhausted"})
			return
		}

		delay := time.Duration(attempt) * self.settings.ReconnectDelay
		glog.V(1).Infof("[t]reconnect %d in %s\n", attempt, delay)
		self.setState(ConnectionStateConnecting)
		select {
		case <-self.ctx.Done():
			return
		case <-self.settings.Clock.After(delay):
		}
	}
}

// one connection: dial, auth, then read until close.
// the read loop is the dispatch routine; nothing else decodes or applies
// inbound messages.
func (self *Transport) runOnce(token string) closeReason {
	dialCtx, dialCancel := context.WithTimeout(self.ctx, self.settings.ConnectTimeout)
	ws, err := self.dial(dialCtx, self.url)
	dialCancel()
	if err != nil {
		glog.Infof("[t]dial error = %s\n", err)
		self.sendConnectResult(&ConnectionError{Message: "socket open failed", Cause: err})
		return closeReasonDialFailed
	}

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()
	go func() {
		// unblock the read loop when the transport is closed
		<-handleCtx.Done()
		ws.Close()
	}()

	self.mutex.Lock()
	self.ws = ws
	self.state = ConnectionStateConnected
	self.mutex.Unlock()
	self.emitState(ConnectionStateConnected)

	if err := self.write(ws, &Auth{Token: token}); err != nil {
		glog.Infof("[t]auth write error = %s\n", err)
		return closeReasonUnclean
	}
	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))

	for {
		_, messageBytes, err := ws.ReadMessage()
		if err != nil {
			self.mutex.Lock()
			self.ws = nil
			self.mutex.Unlock()

			select {
			case <-self.ctx.Done():
				return closeReasonClean
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				glog.V(1).Infof("[t]closed = %s\n", err)
				return closeReasonClean
			}
			glog.Infof("[t]unclean close = %s\n", err)
			return closeReasonUnclean
		}

		message, err := DecodeMessage(messageBytes)
		if err != nil {
			// protocol errors are logged and dropped, never fatal
			glog.Infof("[t]drop frame = %s\n", err)
			continue
		}
		glog.V(2).Infof("[t]%s<-\n", message.MessageType())
		self.dispatch(ws, message)
	}
}

func (self *Transport) dispatch(ws *websocket.Conn, message Message) {
	switch m := message.(type) {
	case *AuthSuccess:
		ws.SetReadDeadline(time.Time{})
		self.mutex.Lock()
		self.state = ConnectionStateAuthenticated
		self.reconnectAttempt = 0
		pending := self.pending
		self.pending = nil
		self.mutex.Unlock()

		// flush in fifo order, holding the write lock for the whole flush
		// so that a racing `Send` cannot interleave ahead of the queue.
		// anything that cannot be written goes back to the front.
		self.writeMutex.Lock()
		for i, pendingMessage := range pending {
			if err := self.writeFrame(ws, pendingMessage); err != nil {
				glog.Infof("[t]flush error = %s\n", err)
				self.mutex.Lock()
				self.pending = append(slices.Clone(pending[i:]), self.pending...)
				self.mutex.Unlock()
				break
			}
		}
		self.writeMutex.Unlock()

		self.emitState(ConnectionStateAuthenticated)
		self.sendConnectResult(nil)
	case *AuthError:
		// the connection stays open but unauthenticated
		ws.SetReadDeadline(time.Time{})
		glog.Infof("[t]auth error = %s\n", m.Message)
		self.sendConnectResult(&AuthenticationError{Message: m.Message})
	case *ServerError:
		glog.Infof("[t]server error = %s\n", m.Message)
	}

	self.emitMessage(message)
}

func (self *Transport) dial(ctx context.Context, url string) (*websocket.Conn, error) {
	if self.settings.DialFunc != nil {
		return self.settings.DialFunc(ctx, url)
	}
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.ConnectTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	return ws, err
}

func (self *Transport) write(ws *websocket.Conn, message Message) error {
	self.writeMutex.Lock()
	defer self.writeMutex.Unlock()
	return self.writeFrame(ws, message)
}

// callers must hold writeMutex
func (self *Transport) writeFrame(ws *websocket.Conn, message Message) error {
	messageBytes, err := EncodeMessage(message)
	if err != nil {
		return err
	}
	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, messageBytes); err != nil {
		return err
	}
	glog.V(2).Infof("[t]%s->\n", message.MessageType())
	return nil
}

// Send delivers immediately when authenticated, otherwise appends to the
// unbounded fifo queue for the flush after the next `auth:success`.
// The queue does not deduplicate. Returns whether the message went to
// the wire now.
func (self *Transport) Send(message Message) bool {
	self.mutex.Lock()
	ws := self.ws
	authenticated := self.state == ConnectionStateAuthenticated
	if !authenticated || ws == nil {
		self.pending = append(self.pending, message)
		self.mutex.Unlock()
		glog.V(2).Infof("[t]queue %s\n", message.MessageType())
		return false
	}
	self.mutex.Unlock()

	if err := self.write(ws, message); err != nil {
		// the read loop will see the close and drive the reconnect
		glog.Infof("[t]send error = %s\n", err)
		return false
	}
	return true
}

// commands are fire and forget. each is a no-op returning false when the
// transport is not authenticated.
func (self *Transport) sendAuthenticated(message Message) bool {
	if self.State() != ConnectionStateAuthenticated {
		glog.V(1).Infof("[t]drop %s while not authenticated\n", message.MessageType())
		return false
	}
	return self.Send(message)
}

func (self *Transport) SendJoinSpace(spaceId Id) bool {
	return self.sendAuthenticated(&SpaceJoin{SpaceId: spaceId})
}

func (self *Transport) SendLeaveSpace(spaceId Id) bool {
	return self.sendAuthenticated(&SpaceLeave{SpaceId: spaceId})
}

func (self *Transport) SendCursorMove(position Point) bool {
	return self.sendAuthenticated(&CursorMove{Position: position})
}

func (self *Transport) SendLockCard(cardId Id) bool {
	return self.sendAuthenticated(&CardLock{CardId: cardId})
}

func (self *Transport) SendUnlockCard(cardId Id) bool {
	return self.sendAuthenticated(&CardUnlock{CardId: cardId})
}

func (self *Transport) SendSelectCard(cardId Id) bool {
	return self.sendAuthenticated(&CardSelect{CardId: cardId})
}

func (self *Transport) SendDeselectCard(cardId Id) bool {
	return self.sendAuthenticated(&CardDeselect{CardId: cardId})
}

func (self *Transport) SendClearSelection() bool {
	return self.sendAuthenticated(&ClearSelection{})
}

func (self *Transport) SendCardCreated(card *Card) bool {
	return self.sendAuthenticated(&CardCreated{Card: card})
}

func (self *Transport) SendCardUpdated(cardId Id, patch *CardPatch) bool {
	return self.sendAuthenticated(&CardUpdated{CardId: cardId, Patch: patch})
}

func (self *Transport) SendCardDeleted(cardId Id) bool {
	return self.sendAuthenticated(&CardDeleted{CardId: cardId})
}

func (self *Transport) SendConnectionCreated(connection *Connection) bool {
	return self.sendAuthenticated(&ConnectionCreated{Connection: connection})
}

func (self *Transport) SendConnectionDeleted(connectionId Id) bool {
	return self.sendAuthenticated(&ConnectionDeleted{ConnectionId: connectionId})
}

func (self *Transport) setState(state ConnectionState) {
	self.mutex.Lock()
	if self.state == state {
		self.mutex.Unlock()
		return
	}
	self.state = state
	self.mutex.Unlock()
	self.emitState(state)
}

func (self *Transport) emitState(state ConnectionState) {
	for _, callback := range self.stateCallbacks.Get() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					glog.Infof("[t]state callback panic = %v\n", r)
				}
			}()
			callback(state)
		}()
	}
}

// a panicking listener is logged and does not stop its siblings
func (self *Transport) emitMessage(message Message) {
	for _, callback := range self.messageCallbacks.Get() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					glog.Infof("[t]message callback panic = %v\n", r)
				}
			}()
			callback(message)
		}()
	}
}

func (self *Transport) Close() {
	self.cancel()
}
