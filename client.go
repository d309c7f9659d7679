package collab

import (
	"context"
)

type CanvasClientSettings struct {
	Transport *TransportSettings
	Canvas    *CanvasSettings
}

func DefaultCanvasClientSettings() *CanvasClientSettings {
	return &CanvasClientSettings{
		Transport: DefaultTransportSettings(),
		Canvas:    DefaultCanvasSettings(),
	}
}

// CanvasClient wires the realtime components for one connection. It is
// an explicitly constructed, owned object: callers inject it where
// needed instead of reaching for process-wide state.
type CanvasClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	auth AuthProvider

	transport  *Transport
	api        *CanvasApi
	spaces     *SpaceManager
	locks      *LockManager
	selections *SelectionManager
	canvas     *Canvas
}

func NewCanvasClientWithDefaults(
	ctx context.Context,
	connectUrl string,
	apiUrl string,
	auth AuthProvider,
) *CanvasClient {
	return NewCanvasClient(ctx, connectUrl, apiUrl, auth, DefaultCanvasClientSettings())
}

func NewCanvasClient(
	ctx context.Context,
	connectUrl string,
	apiUrl string,
	auth AuthProvider,
	settings *CanvasClientSettings,
) *CanvasClient {
	cancelCtx, cancel := context.WithCancel(ctx)

	transport := NewTransport(cancelCtx, connectUrl, auth, settings.Transport)
	api := NewCanvasApiWithContext(cancelCtx, apiUrl)
	spaces := NewSpaceManager(transport)
	locks := NewLockManager(transport, spaces)
	selections := NewSelectionManager(transport, spaces)
	canvas := NewCanvas(transport, api, spaces, settings.Canvas)

	return &CanvasClient{
		ctx:        cancelCtx,
		cancel:     cancel,
		auth:       auth,
		transport:  transport,
		api:        api,
		spaces:     spaces,
		locks:      locks,
		selections: selections,
		canvas:     canvas,
	}
}

// Connect runs the transport handshake and attaches the bearer token to
// the durable store client.
func (self *CanvasClient) Connect(ctx context.Context) error {
	token, err := self.auth.Token()
	if err != nil {
		return &AuthenticationError{Message: err.Error()}
	}
	self.api.SetToken(token)
	return self.transport.Connect(ctx)
}

func (self *CanvasClient) Transport() *Transport {
	return self.transport
}

func (self *CanvasClient) Api() *CanvasApi {
	return self.api
}

func (self *CanvasClient) Spaces() *SpaceManager {
	return self.spaces
}

func (self *CanvasClient) Locks() *LockManager {
	return self.locks
}

func (self *CanvasClient) Selections() *SelectionManager {
	return self.selections
}

func (self *CanvasClient) Canvas() *Canvas {
	return self.canvas
}

func (self *CanvasClient) Close() {
	self.canvas.Close()
	self.selections.Close()
	self.locks.Close()
	self.spaces.Close()
	self.transport.Close()
	self.api.Close()
	self.cancel()
}
