package collab

import (
	"sync"

	"golang.org/x/exp/maps"
)

// SelectionManager caches the ephemeral per-user selection and cursor
// maps.
//
// Selection is non-exclusive and independent of locking: any number of
// users may select the same card. At most one selection per user, last
// write wins, and an explicit deselect removes the entry. A
// `selections:list` snapshot on space join replaces the map wholesale,
// like locks.
//
// Cursors are the highest-frequency, lowest-importance signal: no
// snapshot on join, last value wins, and this client's own echoes are
// filtered out to avoid self-feedback.
type SelectionManager struct {
	transport *Transport

	mutex sync.Mutex
	// userId -> cardId
	selections map[Id]Id
	// userId -> position, peers only
	cursors map[Id]Point

	unsubs []func()
}

func NewSelectionManager(transport *Transport, spaces *SpaceManager) *SelectionManager {
	selections := &SelectionManager{
		transport:  transport,
		selections: map[Id]Id{},
		cursors:    map[Id]Point{},
	}
	selections.unsubs = append(
		selections.unsubs,
		transport.AddMessageCallback(selections.handleMessage),
		spaces.AddSyncCallback(func(space *Space) {
			selections.reset()
		}),
	)
	return selections
}

func (self *SelectionManager) reset() {
	self.mutex.Lock()
	self.selections = map[Id]Id{}
	self.cursors = map[Id]Point{}
	self.mutex.Unlock()
}

func (self *SelectionManager) SelectCard(cardId Id) bool {
	return self.transport.SendSelectCard(cardId)
}

func (self *SelectionManager) DeselectCard(cardId Id) bool {
	return self.transport.SendDeselectCard(cardId)
}

func (self *SelectionManager) ClearSelection() bool {
	return self.transport.SendClearSelection()
}

func (self *SelectionManager) MoveCursor(position Point) bool {
	return self.transport.SendCursorMove(position)
}

func (self *SelectionManager) IsSelectedByMe(cardId Id) bool {
	session := self.transport.Session()
	if session == nil {
		return false
	}
	self.mutex.Lock()
	defer self.mutex.Unlock()
	selectedCardId, ok := self.selections[session.UserId]
	return ok && selectedCardId == cardId
}

func (self *SelectionManager) IsSelectedByOthers(cardId Id) bool {
	session := self.transport.Session()
	self.mutex.Lock()
	defer self.mutex.Unlock()
	for userId, selectedCardId := range self.selections {
		if selectedCardId != cardId {
			continue
		}
		if session == nil || userId != session.UserId {
			return true
		}
	}
	return false
}

func (self *SelectionManager) Selections() map[Id]Id {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return maps.Clone(self.selections)
}

func (self *SelectionManager) Cursor(userId Id) (Point, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	position, ok := self.cursors[userId]
	return position, ok
}

func (self *SelectionManager) Cursors() map[Id]Point {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return maps.Clone(self.cursors)
}

// runs on the transport dispatch goroutine
func (self *SelectionManager) handleMessage(message Message) {
	switch m := message.(type) {
	case *CardSelected:
		if m.UserId.IsZero() {
			return
		}
		self.mutex.Lock()
		self.selections[m.UserId] = m.CardId
		self.mutex.Unlock()
	case *CardDeselected:
		if m.UserId.IsZero() {
			return
		}
		self.mutex.Lock()
		delete(self.selections, m.UserId)
		self.mutex.Unlock()
	case *SelectionsList:
		selections := map[Id]Id{}
		for userId, cardId := range m.Selections {
			if userId.IsZero() || cardId.IsZero() {
				continue
			}
			selections[userId] = cardId
		}
		self.mutex.Lock()
		self.selections = selections
		self.mutex.Unlock()
	case *CursorMove:
		session := self.transport.Session()
		if m.UserId.IsZero() {
			return
		}
		if session != nil && m.UserId == session.UserId {
			// self feedback
			return
		}
		self.mutex.Lock()
		self.cursors[m.UserId] = m.Position
		self.mutex.Unlock()
	}
}

func (self *SelectionManager) Close() {
	for _, unsub := range self.unsubs {
		unsub()
	}
}
