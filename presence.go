package collab

import (
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// called with the new space after `space:joined`, and with nil after a
// local leave. the entity pipeline registers here to reset its own
// space-scoped state.
type SpaceSyncFunction func(space *Space)

// SpaceManager tracks the current space and its roster.
//
// Joining is not assumed to succeed: caches stay invalid for the target
// space until the `space:joined` confirmation arrives, at which point
// every space-scoped cache is cleared before any snapshot is applied.
//
// Snapshot/incremental ordering: incrementals for the current space are
// applied whenever they arrive and a snapshot replaces the cache
// wholesale. The server sends the snapshot before any incrementals on
// the same connection, and the dispatch goroutine is the only writer, so
// no buffering is needed; an incremental the server raced ahead of the
// snapshot is healed by the snapshot itself.
type SpaceManager struct {
	transport *Transport

	syncCallbacks *CallbackList[SpaceSyncFunction]

	mutex  sync.Mutex
	space  *Space
	roster map[Id]*User

	unsub func()
}

func NewSpaceManager(transport *Transport) *SpaceManager {
	spaces := &SpaceManager{
		transport:     transport,
		syncCallbacks: NewCallbackList[SpaceSyncFunction](),
		roster:        map[Id]*User{},
	}
	spaces.unsub = transport.AddMessageCallback(spaces.handleMessage)
	return spaces
}

func (self *SpaceManager) AddSyncCallback(callback SpaceSyncFunction) func() {
	callbackId := self.syncCallbacks.Add(callback)
	return func() {
		self.syncCallbacks.Remove(callbackId)
	}
}

func (self *SpaceManager) emitSync(space *Space) {
	for _, callback := range self.syncCallbacks.Get() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					glog.Infof("[sp]sync callback panic = %v\n", r)
				}
			}()
			callback(space)
		}()
	}
}

// JoinSpace requests membership. The local caches are not touched until
// the server confirms with `space:joined`.
func (self *SpaceManager) JoinSpace(spaceId Id) bool {
	return self.transport.SendJoinSpace(spaceId)
}

// LeaveSpace clears the current space and all space-scoped caches
// locally without waiting for the server.
func (self *SpaceManager) LeaveSpace() bool {
	self.mutex.Lock()
	space := self.space
	self.space = nil
	self.roster = map[Id]*User{}
	self.mutex.Unlock()

	sent := false
	if space != nil {
		sent = self.transport.SendLeaveSpace(space.SpaceId)
	}
	self.emitSync(nil)
	return sent
}

func (self *SpaceManager) CurrentSpace() *Space {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.space
}

func (self *SpaceManager) User(userId Id) (*User, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	user, ok := self.roster[userId]
	return user, ok
}

func (self *SpaceManager) Users() map[Id]*User {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return maps.Clone(self.roster)
}

// runs on the transport dispatch goroutine
func (self *SpaceManager) handleMessage(message Message) {
	switch m := message.(type) {
	case *SpaceJoined:
		if m.Space == nil {
			glog.Infof("[sp]drop space:joined without space\n")
			return
		}
		self.mutex.Lock()
		self.space = m.Space
		self.roster = map[Id]*User{}
		self.mutex.Unlock()
		glog.V(1).Infof("[sp]joined %s\n", m.Space.SpaceId)
		self.emitSync(m.Space)
	case *UsersList:
		// full roster replacement. entries without an id are dropped.
		roster := map[Id]*User{}
		for _, user := range m.Users {
			if user == nil || user.UserId.IsZero() {
				glog.V(1).Infof("[sp]drop roster entry without id\n")
				continue
			}
			roster[user.UserId] = user
		}
		self.mutex.Lock()
		self.roster = roster
		self.mutex.Unlock()
	case *UserJoined:
		if m.User == nil || m.User.UserId.IsZero() {
			glog.V(1).Infof("[sp]drop user:joined without id\n")
			return
		}
		self.mutex.Lock()
		self.roster[m.User.UserId] = m.User
		self.mutex.Unlock()
	case *UserLeft:
		self.mutex.Lock()
		delete(self.roster, m.UserId)
		self.mutex.Unlock()
	case *CursorMove:
		session := self.transport.Session()
		if m.UserId.IsZero() || (session != nil && m.UserId == session.UserId) {
			return
		}
		self.mutex.Lock()
		if user, ok := self.roster[m.UserId]; ok {
			// readers hold roster values, so replace rather than mutate
			position := m.Position
			userCopy := *user
			userCopy.LastCursor = &position
			self.roster[m.UserId] = &userCopy
		}
		self.mutex.Unlock()
	}
}

func (self *SpaceManager) Close() {
	if self.unsub != nil {
		self.unsub()
	}
}
