package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/golang/glog"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// the sim server is not a security boundary
var simTokenKey = []byte("collab-sim-insecure-key")

// SimToken mints a bearer token carrying the session identity, signed
// with the sim server's fixed key.
func SimToken(session *Session) string {
	claims := gojwt.MapClaims{
		"user_id":      session.UserId.String(),
		"display_name": session.DisplayName,
		"color":        session.Color,
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(simTokenKey)
	if err != nil {
		panic(err)
	}
	return signed
}

type SimServerSettings struct {
	// join creates unknown spaces on demand
	AutoCreateSpaces bool
	// tokens rejected at the handshake, for exercising auth:error
	RejectTokens   []string
	WriteTimeout   time.Duration
	SendBufferSize int
}

func DefaultSimServerSettings() *SimServerSettings {
	return &SimServerSettings{
		AutoCreateSpaces: true,
		WriteTimeout:     5 * time.Second,
		SendBufferSize:   32,
	}
}

// SimServer is a loopback implementation of the collaboration server:
// the realtime protocol over a websocket endpoint plus the durable
// entity store over REST. State is in memory. It exists for tests,
// local development and demos, and arbitrates locks exactly like the
// production server: first request wins, unlock only by the holder,
// everything released on disconnect.
type SimServer struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *SimServerSettings
	upgrader websocket.Upgrader

	mutex       sync.Mutex
	spaces      map[Id]*simSpace
	cards       map[Id]*Card
	connections map[Id]*Connection
}

type simSpace struct {
	space   *Space
	members map[*simClient]bool
	locks   map[Id]*LockHolder
	// userId -> cardId
	selections map[Id]Id
}

type simClient struct {
	server *SimServer
	ws     *websocket.Conn
	send   chan []byte

	// touched only by this client's read loop
	session       *Session
	authenticated bool
	space         *simSpace
}

func NewSimServerWithDefaults(ctx context.Context) *SimServer {
	return NewSimServer(ctx, DefaultSimServerSettings())
}

func NewSimServer(ctx context.Context, settings *SimServerSettings) *SimServer {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &SimServer{
		ctx:         cancelCtx,
		cancel:      cancel,
		settings:    settings,
		spaces:      map[Id]*simSpace{},
		cards:       map[Id]*Card{},
		connections: map[Id]*Connection{},
	}
}

func (self *SimServer) CreateSpace(name string, visibility Visibility) *Space {
	space := &Space{
		SpaceId:    NewId(),
		Name:       name,
		Visibility: visibility,
	}
	self.mutex.Lock()
	self.spaces[space.SpaceId] = &simSpace{
		space:      space,
		members:    map[*simClient]bool{},
		locks:      map[Id]*LockHolder{},
		selections: map[Id]Id{},
	}
	self.mutex.Unlock()
	return space
}

func (self *SimServer) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/ws", self.serveWs)
	router.HandleFunc("/cards", self.createCardHandler).Methods(http.MethodPost)
	router.HandleFunc("/cards/{cardId}", self.updateCardHandler).Methods(http.MethodPut)
	router.HandleFunc("/cards/{cardId}", self.deleteCardHandler).Methods(http.MethodDelete)
	router.HandleFunc("/connections", self.createConnectionHandler).Methods(http.MethodPost)
	router.HandleFunc("/connections/{connectionId}", self.deleteConnectionHandler).Methods(http.MethodDelete)
	return router
}

func (self *SimServer) ListenAndServe(addr string) error {
	server := &http.Server{
		Addr:    addr,
		Handler: self.Handler(),
	}
	go func() {
		<-self.ctx.Done()
		server.Close()
	}()
	return server.ListenAndServe()
}

func (self *SimServer) Close() {
	self.cancel()
}

// realtime

func (self *SimServer) serveWs(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[sim]upgrade error = %s\n", err)
		return
	}

	client := &simClient{
		server: self,
		ws:     ws,
		send:   make(chan []byte, self.settings.SendBufferSize),
	}
	go client.writePump()
	client.readLoop()
}

func (self *simClient) writePump() {
	defer self.ws.Close()
	for messageBytes := range self.send {
		self.ws.SetWriteDeadline(time.Now().Add(self.server.settings.WriteTimeout))
		if err := self.ws.WriteMessage(websocket.TextMessage, messageBytes); err != nil {
			glog.V(1).Infof("[sim]write error = %s\n", err)
			return
		}
	}
}

func (self *simClient) readLoop() {
	defer func() {
		self.server.mutex.Lock()
		self.server.leaveSpaceLocked(self)
		close(self.send)
		self.server.mutex.Unlock()
		self.ws.Close()
	}()

	for {
		select {
		case <-self.server.ctx.Done():
			return
		default:
		}

		_, messageBytes, err := self.ws.ReadMessage()
		if err != nil {
			return
		}
		message, err := DecodeMessage(messageBytes)
		if err != nil {
			glog.V(1).Infof("[sim]drop frame = %s\n", err)
			continue
		}
		self.handle(message)
	}
}

// under server mutex, or before the client is a member of any space
func (self *simClient) deliver(message Message) {
	messageBytes, err := EncodeMessage(message)
	if err != nil {
		glog.Infof("[sim]encode error = %s\n", err)
		return
	}
	select {
	case self.send <- messageBytes:
	default:
		glog.Infof("[sim]drop %s, send buffer full\n", message.MessageType())
	}
}

func (self *simClient) handle(message Message) {
	server := self.server

	if auth, ok := message.(*Auth); ok {
		self.handleAuth(auth)
		return
	}
	if !self.authenticated {
		self.deliver(&ServerError{Message: "not authenticated"})
		return
	}

	switch m := message.(type) {
	case *SpaceJoin:
		server.joinSpace(self, m.SpaceId)
	case *SpaceLeave:
		server.mutex.Lock()
		server.leaveSpaceLocked(self)
		server.mutex.Unlock()
	case *CursorMove:
		server.broadcastCursor(self, m.Position)
	case *CardLock:
		server.lockCard(self, m.CardId)
	case *CardUnlock:
		server.unlockCard(self, m.CardId)
	case *CardSelect:
		server.selectCard(self, m.CardId)
	case *CardDeselect:
		server.deselectCard(self)
	case *ClearSelection:
		server.clearSelection(self)
	case *CardCreated, *CardUpdated, *CardDeleted, *ConnectionCreated, *ConnectionDeleted:
		server.relayEntityEvent(self, message)
	default:
		glog.V(1).Infof("[sim]ignore %s\n", message.MessageType())
	}
}

func (self *simClient) handleAuth(auth *Auth) {
	if self.authenticated {
		return
	}
	if auth.Token == "" {
		self.deliver(&AuthError{Message: "missing token"})
		return
	}
	for _, rejectToken := range self.server.settings.RejectTokens {
		if auth.Token == rejectToken {
			self.deliver(&AuthError{Message: "invalid token"})
			return
		}
	}
	session, err := SessionFromToken(auth.Token)
	if err != nil {
		self.deliver(&AuthError{Message: fmt.Sprintf("invalid token: %s", err)})
		return
	}
	self.session = session
	self.authenticated = true
	glog.V(1).Infof("[sim]auth %s\n", session.UserId)
	self.deliver(&AuthSuccess{UserId: session.UserId})
}

func (self *SimServer) joinSpace(client *simClient, spaceId Id) {
	self.mutex.Lock()
	space, ok := self.spaces[spaceId]
	if !ok {
		if !self.settings.AutoCreateSpaces {
			self.mutex.Unlock()
			client.deliver(&ServerError{Message: fmt.Sprintf("no such space %s", spaceId)})
			return
		}
		space = &simSpace{
			space: &Space{
				SpaceId:    spaceId,
				Name:       spaceId.String(),
				Visibility: VisibilityPublic,
			},
			members:    map[*simClient]bool{},
			locks:      map[Id]*LockHolder{},
			selections: map[Id]Id{},
		}
		self.spaces[spaceId] = space
	}

	self.leaveSpaceLocked(client)
	space.members[client] = true
	client.space = space

	// snapshots to the joiner, membership delta to everyone else.
	// the snapshot goes out before any later incremental on this
	// connection, which is what lets the client skip buffering.
	users := userList{}
	for member := range space.members {
		users = append(users, &User{
			UserId:      member.session.UserId,
			DisplayName: member.session.DisplayName,
			Color:       member.session.Color,
		})
	}
	client.deliver(&SpaceJoined{Space: space.space})
	client.deliver(&UsersList{Users: users})
	client.deliver(&LocksList{Locks: space.locks})
	client.deliver(&SelectionsList{Selections: space.selections})

	joined := &UserJoined{
		User: &User{
			UserId:      client.session.UserId,
			DisplayName: client.session.DisplayName,
			Color:       client.session.Color,
		},
	}
	for member := range space.members {
		if member != client {
			member.deliver(joined)
		}
	}
	self.mutex.Unlock()
}

// releases membership, held locks and the selection, with broadcasts.
// callers must hold the server mutex.
func (self *SimServer) leaveSpaceLocked(client *simClient) {
	space := client.space
	if space == nil {
		return
	}
	delete(space.members, client)
	client.space = nil

	userId := client.session.UserId
	for cardId, holder := range space.locks {
		if holder.UserId == userId {
			delete(space.locks, cardId)
			self.broadcastLocked(space, &CardUnlocked{CardId: cardId})
		}
	}
	if _, ok := space.selections[userId]; ok {
		cardId := space.selections[userId]
		delete(space.selections, userId)
		self.broadcastLocked(space, &CardDeselected{CardId: cardId, UserId: userId})
	}
	self.broadcastLocked(space, &UserLeft{UserId: userId})
}

func (self *SimServer) broadcastLocked(space *simSpace, message Message) {
	for member := range space.members {
		member.deliver(message)
	}
}

// cursor goes to every member including the sender. receivers filter
// their own echo.
func (self *SimServer) broadcastCursor(client *simClient, position Point) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	space := client.space
	if space == nil {
		return
	}
	self.broadcastLocked(space, &CursorMove{
		UserId:   client.session.UserId,
		Position: position,
	})
}

// first request wins. the echo of the winning request is the requester's
// only confirmation.
func (self *SimServer) lockCard(client *simClient, cardId Id) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	space := client.space
	if space == nil {
		client.deliver(&ServerError{Message: "not in a space"})
		return
	}
	if holder, ok := space.locks[cardId]; ok {
		if holder.UserId != client.session.UserId {
			client.deliver(&ServerError{Message: fmt.Sprintf("card %s is locked by %s", cardId, holder.DisplayName)})
		}
		return
	}
	holder := &LockHolder{
		UserId:      client.session.UserId,
		DisplayName: client.session.DisplayName,
		Color:       client.session.Color,
	}
	space.locks[cardId] = holder
	self.broadcastLocked(space, &CardLocked{CardId: cardId, Holder: holder})
}

func (self *SimServer) unlockCard(client *simClient, cardId Id) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	space := client.space
	if space == nil {
		return
	}
	holder, ok := space.locks[cardId]
	if !ok || holder.UserId != client.session.UserId {
		// only the holder unlocks
		return
	}
	delete(space.locks, cardId)
	self.broadcastLocked(space, &CardUnlocked{CardId: cardId})
}

func (self *SimServer) selectCard(client *simClient, cardId Id) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	space := client.space
	if space == nil {
		return
	}
	space.selections[client.session.UserId] = cardId
	self.broadcastLocked(space, &CardSelected{
		CardId: cardId,
		UserId: client.session.UserId,
	})
}

func (self *SimServer) deselectCard(client *simClient) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	space := client.space
	if space == nil {
		return
	}
	userId := client.session.UserId
	cardId, ok := space.selections[userId]
	if !ok {
		return
	}
	delete(space.selections, userId)
	self.broadcastLocked(space, &CardDeselected{CardId: cardId, UserId: userId})
}

func (self *SimServer) clearSelection(client *simClient) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	space := client.space
	if space == nil {
		return
	}
	for userId, cardId := range space.selections {
		self.broadcastLocked(space, &CardDeselected{CardId: cardId, UserId: userId})
	}
	space.selections = map[Id]Id{}
}

// entity events relay to every member including the sender. the sender
// already applied the mutation locally; its pipeline dedups the echo.
func (self *SimServer) relayEntityEvent(client *simClient, message Message) {
	userId := client.session.UserId
	switch m := message.(type) {
	case *CardCreated:
		m.UserId = userId
	case *CardUpdated:
		m.UserId = userId
	case *CardDeleted:
		m.UserId = userId
	case *ConnectionCreated:
		m.UserId = userId
	case *ConnectionDeleted:
		m.UserId = userId
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()
	space := client.space
	if space == nil {
		return
	}
	self.broadcastLocked(space, message)
}

// durable entity store

func (self *SimServer) authorize(w http.ResponseWriter, r *http.Request) bool {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return false
	}
	if _, err := SessionFromToken(token); err != nil {
		http.Error(w, "invalid bearer token", http.StatusUnauthorized)
		return false
	}
	return true
}

func respondJson(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(result); err != nil {
		glog.Infof("[sim]respond error = %s\n", err)
	}
}

func (self *SimServer) createCardHandler(w http.ResponseWriter, r *http.Request) {
	if !self.authorize(w, r) {
		return
	}
	var card Card
	if err := json.NewDecoder(r.Body).Decode(&card); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if card.CardId.IsZero() {
		card.CardId = NewId()
	}
	self.mutex.Lock()
	self.cards[card.CardId] = &card
	self.mutex.Unlock()
	respondJson(w, &card)
}

func (self *SimServer) updateCardHandler(w http.ResponseWriter, r *http.Request) {
	if !self.authorize(w, r) {
		return
	}
	cardId, err := ParseId(mux.Vars(r)["cardId"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var patch CardPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	self.mutex.Lock()
	card, ok := self.cards[cardId]
	if ok {
		patch.applyTo(card)
		cardCopy := *card
		card = &cardCopy
	}
	self.mutex.Unlock()
	if !ok {
		http.Error(w, "no such card", http.StatusNotFound)
		return
	}
	respondJson(w, card)
}

func (self *SimServer) deleteCardHandler(w http.ResponseWriter, r *http.Request) {
	if !self.authorize(w, r) {
		return
	}
	cardId, err := ParseId(mux.Vars(r)["cardId"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	self.mutex.Lock()
	_, ok := self.cards[cardId]
	delete(self.cards, cardId)
	for connectionId, connection := range self.connections {
		if connection.FromCardId == cardId || connection.ToCardId == cardId {
			delete(self.connections, connectionId)
		}
	}
	self.mutex.Unlock()
	if !ok {
		http.Error(w, "no such card", http.StatusNotFound)
		return
	}
	respondJson(w, &DeleteResult{Deleted: true})
}

func (self *SimServer) createConnectionHandler(w http.ResponseWriter, r *http.Request) {
	if !self.authorize(w, r) {
		return
	}
	var connection Connection
	if err := json.NewDecoder(r.Body).Decode(&connection); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if connection.ConnectionId.IsZero() {
		connection.ConnectionId = NewId()
	}
	self.mutex.Lock()
	self.connections[connection.ConnectionId] = &connection
	self.mutex.Unlock()
	respondJson(w, &connection)
}

func (self *SimServer) deleteConnectionHandler(w http.ResponseWriter, r *http.Request) {
	if !self.authorize(w, r) {
		return
	}
	connectionId, err := ParseId(mux.Vars(r)["connectionId"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	self.mutex.Lock()
	_, ok := self.connections[connectionId]
	delete(self.connections, connectionId)
	self.mutex.Unlock()
	if !ok {
		http.Error(w, "no such connection", http.StatusNotFound)
		return
	}
	respondJson(w, &DeleteResult{Deleted: true})
}
