package collab

import (
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// LockManager caches the server's advisory per-card locks.
//
// The server is the sole arbiter. Lock and unlock requests never touch
// the local map; it is updated only by the server's `card:locked` /
// `card:unlocked` broadcasts (including the echo of this client's own
// requests) and replaced wholesale by the `locks:list` snapshot on
// space join, which heals any drift from events missed while
// disconnected.
type LockManager struct {
	transport *Transport

	mutex sync.Mutex
	locks map[Id]*LockHolder

	unsubs []func()
}

func NewLockManager(transport *Transport, spaces *SpaceManager) *LockManager {
	locks := &LockManager{
		transport: transport,
		locks:     map[Id]*LockHolder{},
	}
	locks.unsubs = append(
		locks.unsubs,
		transport.AddMessageCallback(locks.handleMessage),
		spaces.AddSyncCallback(func(space *Space) {
			locks.reset()
		}),
	)
	return locks
}

func (self *LockManager) reset() {
	self.mutex.Lock()
	self.locks = map[Id]*LockHolder{}
	self.mutex.Unlock()
}

func (self *LockManager) LockCard(cardId Id) bool {
	return self.transport.SendLockCard(cardId)
}

func (self *LockManager) UnlockCard(cardId Id) bool {
	return self.transport.SendUnlockCard(cardId)
}

// there is no is-owner wire field. ownership is the holder id matching
// the local session id.
func (self *LockManager) IsLockedByMe(cardId Id) bool {
	session := self.transport.Session()
	if session == nil {
		return false
	}
	self.mutex.Lock()
	defer self.mutex.Unlock()
	holder, ok := self.locks[cardId]
	return ok && holder.UserId == session.UserId
}

func (self *LockManager) IsLockedByOthers(cardId Id) bool {
	session := self.transport.Session()
	self.mutex.Lock()
	defer self.mutex.Unlock()
	holder, ok := self.locks[cardId]
	if !ok {
		return false
	}
	return session == nil || holder.UserId != session.UserId
}

func (self *LockManager) LockHolder(cardId Id) (*LockHolder, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	holder, ok := self.locks[cardId]
	return holder, ok
}

func (self *LockManager) Locks() map[Id]*LockHolder {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return maps.Clone(self.locks)
}

// runs on the transport dispatch goroutine
func (self *LockManager) handleMessage(message Message) {
	switch m := message.(type) {
	case *CardLocked:
		if m.Holder == nil || m.Holder.UserId.IsZero() {
			glog.V(1).Infof("[lk]drop card:locked without holder\n")
			return
		}
		self.mutex.Lock()
		self.locks[m.CardId] = m.Holder
		self.mutex.Unlock()
	case *CardUnlocked:
		self.mutex.Lock()
		delete(self.locks, m.CardId)
		self.mutex.Unlock()
	case *LocksList:
		locks := map[Id]*LockHolder{}
		for cardId, holder := range m.Locks {
			if holder == nil || holder.UserId.IsZero() {
				continue
			}
			locks[cardId] = holder
		}
		self.mutex.Lock()
		self.locks = locks
		self.mutex.Unlock()
	}
}

func (self *LockManager) Close() {
	for _, unsub := range self.unsubs {
		unsub()
	}
}
