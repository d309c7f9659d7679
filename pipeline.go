package collab

import (
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/slices"
)

// durable entity store collaborator. `CanvasApi` is the production
// implementation.
type EntityStore interface {
	CreateCard(card *Card, callback ApiCallback[*Card])
	UpdateCard(cardId Id, patch *CardPatch, callback ApiCallback[*Card])
	DeleteCard(cardId Id, callback ApiCallback[*DeleteResult])
	CreateConnection(connection *Connection, callback ApiCallback[*Connection])
	DeleteConnection(connectionId Id, callback ApiCallback[*DeleteResult])
}

type CanvasSettings struct {
	// max undo snapshots. oldest evicted first.
	HistorySize int
}

func DefaultCanvasSettings() *CanvasSettings {
	return &CanvasSettings{
		HistorySize: 50,
	}
}

// Canvas is the optimistic mutation pipeline over the local card and
// connection caches.
//
// Every local mutation applies to the in-memory state immediately, then
// fires two independent, unordered side effects: an async durable-store
// write and a peer broadcast. Failure of either is logged and does not
// roll back the local mutation and is not retried. Whether a failed
// store write after a successful broadcast deserves compensation is a
// deliberate gap.
//
// Remote events merge by entity id: create is idempotent, update is a
// shallow field merge, delete cascades to connections referencing the
// card. Concurrent edits to the same field resolve last-write-wins.
type Canvas struct {
	transport *Transport
	store     EntityStore
	settings  *CanvasSettings

	mutex       sync.Mutex
	cards       map[Id]*Card
	connections map[Id]*Connection
	// ring of full snapshots. history[historyIndex] is the live state.
	history      []*canvasSnapshot
	historyIndex int

	unsubs []func()
}

type canvasSnapshot struct {
	cards       map[Id]*Card
	connections map[Id]*Connection
}

func NewCanvasWithDefaults(transport *Transport, store EntityStore, spaces *SpaceManager) *Canvas {
	return NewCanvas(transport, store, spaces, DefaultCanvasSettings())
}

func NewCanvas(
	transport *Transport,
	store EntityStore,
	spaces *SpaceManager,
	settings *CanvasSettings,
) *Canvas {
	canvas := &Canvas{
		transport:   transport,
		store:       store,
		settings:    settings,
		cards:       map[Id]*Card{},
		connections: map[Id]*Connection{},
	}
	canvas.history = []*canvasSnapshot{canvas.snapshotLocked()}
	canvas.historyIndex = 0
	canvas.unsubs = append(
		canvas.unsubs,
		transport.AddMessageCallback(canvas.handleMessage),
		spaces.AddSyncCallback(func(space *Space) {
			canvas.reset()
		}),
	)
	return canvas
}

// atomic space-scoped reset. entities repopulate from the durable store
// out of band.
func (self *Canvas) reset() {
	self.mutex.Lock()
	self.cards = map[Id]*Card{}
	self.connections = map[Id]*Connection{}
	self.history = []*canvasSnapshot{self.snapshotLocked()}
	self.historyIndex = 0
	self.mutex.Unlock()
}

func (self *Canvas) snapshotLocked() *canvasSnapshot {
	cards := make(map[Id]*Card, len(self.cards))
	for cardId, card := range self.cards {
		cardCopy := *card
		cards[cardId] = &cardCopy
	}
	connections := make(map[Id]*Connection, len(self.connections))
	for connectionId, connection := range self.connections {
		connectionCopy := *connection
		connections[connectionId] = &connectionCopy
	}
	return &canvasSnapshot{
		cards:       cards,
		connections: connections,
	}
}

func (self *Canvas) restoreLocked(snapshot *canvasSnapshot) {
	self.cards = make(map[Id]*Card, len(snapshot.cards))
	for cardId, card := range snapshot.cards {
		cardCopy := *card
		self.cards[cardId] = &cardCopy
	}
	self.connections = make(map[Id]*Connection, len(snapshot.connections))
	for connectionId, connection := range snapshot.connections {
		connectionCopy := *connection
		self.connections[connectionId] = &connectionCopy
	}
}

// appended after every local mutation only. remote mutations do not
// push snapshots.
func (self *Canvas) pushHistoryLocked() {
	self.history = append(self.history[0:self.historyIndex+1], self.snapshotLocked())
	self.historyIndex = len(self.history) - 1
	if self.settings.HistorySize < len(self.history) {
		evict := len(self.history) - self.settings.HistorySize
		self.history = slices.Clone(self.history[evict:])
		self.historyIndex -= evict
	}
}

func (self *Canvas) CreateCard(card *Card) *Card {
	created := *card
	if created.CardId.IsZero() {
		created.CardId = NewId()
	}

	self.mutex.Lock()
	stored := created
	self.cards[created.CardId] = &stored
	self.pushHistoryLocked()
	self.mutex.Unlock()

	self.persistCreateCard(created)
	broadcast := created
	self.transport.SendCardCreated(&broadcast)
	return &created
}

func (self *Canvas) UpdateCard(cardId Id, patch *CardPatch) bool {
	if patch == nil {
		return false
	}

	self.mutex.Lock()
	card, ok := self.cards[cardId]
	if !ok {
		self.mutex.Unlock()
		return false
	}
	patch.applyTo(card)
	self.pushHistoryLocked()
	self.mutex.Unlock()

	self.persistUpdateCard(cardId, patch)
	self.transport.SendCardUpdated(cardId, patch)
	return true
}

func (self *Canvas) MoveCard(cardId Id, position Point) bool {
	return self.UpdateCard(cardId, &CardPatch{Position: &position})
}

func (self *Canvas) DeleteCard(cardId Id) bool {
	self.mutex.Lock()
	if _, ok := self.cards[cardId]; !ok {
		self.mutex.Unlock()
		return false
	}
	delete(self.cards, cardId)
	self.cascadeDeleteLocked(cardId)
	self.pushHistoryLocked()
	self.mutex.Unlock()

	self.persistDeleteCard(cardId)
	self.transport.SendCardDeleted(cardId)
	return true
}

// removing a card removes every connection referencing it
func (self *Canvas) cascadeDeleteLocked(cardId Id) {
	for connectionId, connection := range self.connections {
		if connection.FromCardId == cardId || connection.ToCardId == cardId {
			delete(self.connections, connectionId)
		}
	}
}

func (self *Canvas) CreateConnection(fromCardId Id, toCardId Id) *Connection {
	self.mutex.Lock()
	fromCard, fromOk := self.cards[fromCardId]
	_, toOk := self.cards[toCardId]
	if !fromOk || !toOk {
		self.mutex.Unlock()
		return nil
	}
	created := Connection{
		ConnectionId: NewId(),
		SpaceId:      fromCard.SpaceId,
		FromCardId:   fromCardId,
		ToCardId:     toCardId,
	}
	stored := created
	self.connections[created.ConnectionId] = &stored
	self.pushHistoryLocked()
	self.mutex.Unlock()

	self.persistCreateConnection(created)
	broadcast := created
	self.transport.SendConnectionCreated(&broadcast)
	return &created
}

func (self *Canvas) DeleteConnection(connectionId Id) bool {
	self.mutex.Lock()
	if _, ok := self.connections[connectionId]; !ok {
		self.mutex.Unlock()
		return false
	}
	delete(self.connections, connectionId)
	self.pushHistoryLocked()
	self.mutex.Unlock()

	self.persistDeleteConnection(connectionId)
	self.transport.SendConnectionDeleted(connectionId)
	return true
}

func (self *Canvas) Undo() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.historyIndex == 0 {
		return false
	}
	self.historyIndex -= 1
	self.restoreLocked(self.history[self.historyIndex])
	return true
}

func (self *Canvas) Redo() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if len(self.history)-1 <= self.historyIndex {
		return false
	}
	self.historyIndex += 1
	self.restoreLocked(self.history[self.historyIndex])
	return true
}

func (self *Canvas) Card(cardId Id) (*Card, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	card, ok := self.cards[cardId]
	if !ok {
		return nil, false
	}
	cardCopy := *card
	return &cardCopy, true
}

func (self *Canvas) Cards() map[Id]*Card {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	cards := make(map[Id]*Card, len(self.cards))
	for cardId, card := range self.cards {
		cardCopy := *card
		cards[cardId] = &cardCopy
	}
	return cards
}

func (self *Canvas) Connection(connectionId Id) (*Connection, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	connection, ok := self.connections[connectionId]
	if !ok {
		return nil, false
	}
	connectionCopy := *connection
	return &connectionCopy, true
}

func (self *Canvas) Connections() map[Id]*Connection {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	connections := make(map[Id]*Connection, len(self.connections))
	for connectionId, connection := range self.connections {
		connectionCopy := *connection
		connections[connectionId] = &connectionCopy
	}
	return connections
}

// runs on the transport dispatch goroutine
func (self *Canvas) handleMessage(message Message) {
	switch m := message.(type) {
	case *CardCreated:
		if m.Card == nil || m.Card.CardId.IsZero() {
			return
		}
		self.mutex.Lock()
		if _, ok := self.cards[m.Card.CardId]; ok {
			// the echo of a locally optimistic create
			self.mutex.Unlock()
			return
		}
		cardCopy := *m.Card
		self.cards[cardCopy.CardId] = &cardCopy
		self.mutex.Unlock()
	case *CardUpdated:
		if m.Patch == nil {
			return
		}
		self.mutex.Lock()
		if card, ok := self.cards[m.CardId]; ok {
			m.Patch.applyTo(card)
		}
		// a stale update for a deleted card is dropped: delete wins
		self.mutex.Unlock()
	case *CardDeleted:
		self.mutex.Lock()
		delete(self.cards, m.CardId)
		self.cascadeDeleteLocked(m.CardId)
		self.mutex.Unlock()
	case *ConnectionCreated:
		if m.Connection == nil || m.Connection.ConnectionId.IsZero() {
			return
		}
		self.mutex.Lock()
		if _, ok := self.connections[m.Connection.ConnectionId]; ok {
			self.mutex.Unlock()
			return
		}
		// a cascade may have already removed an endpoint
		_, fromOk := self.cards[m.Connection.FromCardId]
		_, toOk := self.cards[m.Connection.ToCardId]
		if fromOk && toOk {
			connectionCopy := *m.Connection
			self.connections[connectionCopy.ConnectionId] = &connectionCopy
		}
		self.mutex.Unlock()
	case *ConnectionDeleted:
		self.mutex.Lock()
		delete(self.connections, m.ConnectionId)
		self.mutex.Unlock()
	}
}

// persistence failures are logged only. the local mutation stands and
// there is no retry.

func (self *Canvas) persistCreateCard(card Card) {
	self.store.CreateCard(&card, NewApiCallback(func(result *Card, err error) {
		if err != nil {
			glog.Infof("[cv]persist create card %s error = %s\n", card.CardId, err)
		}
	}))
}

func (self *Canvas) persistUpdateCard(cardId Id, patch *CardPatch) {
	self.store.UpdateCard(cardId, patch, NewApiCallback(func(result *Card, err error) {
		if err != nil {
			glog.Infof("[cv]persist update card %s error = %s\n", cardId, err)
		}
	}))
}

func (self *Canvas) persistDeleteCard(cardId Id) {
	self.store.DeleteCard(cardId, NewApiCallback(func(result *DeleteResult, err error) {
		if err != nil {
			glog.Infof("[cv]persist delete card %s error = %s\n", cardId, err)
		}
	}))
}

func (self *Canvas) persistCreateConnection(connection Connection) {
	self.store.CreateConnection(&connection, NewApiCallback(func(result *Connection, err error) {
		if err != nil {
			glog.Infof("[cv]persist create connection %s error = %s\n", connection.ConnectionId, err)
		}
	}))
}

func (self *Canvas) persistDeleteConnection(connectionId Id) {
	self.store.DeleteConnection(connectionId, NewApiCallback(func(result *DeleteResult, err error) {
		if err != nil {
			glog.Infof("[cv]persist delete connection %s error = %s\n", connectionId, err)
		}
	}))
}

func (self *Canvas) Close() {
	for _, unsub := range self.unsubs {
		unsub()
	}
}
