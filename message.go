package collab

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Wire protocol: json text frames, each a single object carrying a
// `type` discriminator next to the payload fields.

type MessageType string

const (
	MessageTypeAuth        MessageType = "auth"
	MessageTypeAuthSuccess MessageType = "auth:success"
	MessageTypeAuthError   MessageType = "auth:error"

	MessageTypeSpaceJoin   MessageType = "space:join"
	MessageTypeSpaceLeave  MessageType = "space:leave"
	MessageTypeSpaceJoined MessageType = "space:joined"

	MessageTypeUsersList  MessageType = "users:list"
	MessageTypeUserJoined MessageType = "user:joined"
	MessageTypeUserLeft   MessageType = "user:left"

	MessageTypeCursorMove MessageType = "cursor:move"

	MessageTypeCardLock     MessageType = "card:lock"
	MessageTypeCardUnlock   MessageType = "card:unlock"
	MessageTypeCardLocked   MessageType = "card:locked"
	MessageTypeCardUnlocked MessageType = "card:unlocked"
	MessageTypeLocksList    MessageType = "locks:list"

	MessageTypeCardSelect     MessageType = "card:select"
	MessageTypeCardDeselect   MessageType = "card:deselect"
	MessageTypeCardSelected   MessageType = "card:selected"
	MessageTypeCardDeselected MessageType = "card:deselected"
	MessageTypeSelectionsList MessageType = "selections:list"
	MessageTypeClearSelection MessageType = "canvas:clearSelection"

	MessageTypeCardCreated       MessageType = "card:created"
	MessageTypeCardUpdated       MessageType = "card:updated"
	MessageTypeCardDeleted       MessageType = "card:deleted"
	MessageTypeConnectionCreated MessageType = "connection:created"
	MessageTypeConnectionDeleted MessageType = "connection:deleted"

	MessageTypeError MessageType = "error"
)

// closed union of wire messages. receivers type switch on the concrete
// message instead of matching event name strings.
type Message interface {
	MessageType() MessageType
}

type Auth struct {
	Token string `json:"token"`
}

func (self *Auth) MessageType() MessageType { return MessageTypeAuth }

type AuthSuccess struct {
	UserId Id `json:"userId,omitempty"`
}

func (self *AuthSuccess) MessageType() MessageType { return MessageTypeAuthSuccess }

type AuthError struct {
	Message string `json:"message"`
}

func (self *AuthError) MessageType() MessageType { return MessageTypeAuthError }

type SpaceJoin struct {
	SpaceId Id `json:"spaceId"`
}

func (self *SpaceJoin) MessageType() MessageType { return MessageTypeSpaceJoin }

type SpaceLeave struct {
	SpaceId Id `json:"spaceId,omitempty"`
}

func (self *SpaceLeave) MessageType() MessageType { return MessageTypeSpaceLeave }

type SpaceJoined struct {
	Space *Space `json:"space"`
}

func (self *SpaceJoined) MessageType() MessageType { return MessageTypeSpaceJoined }

type UsersList struct {
	Users userList `json:"users"`
}

func (self *UsersList) MessageType() MessageType { return MessageTypeUsersList }

// some server builds send a single bare user object where a list is
// expected. tolerate both.
type userList []*User

func (self *userList) UnmarshalJSON(src []byte) error {
	var users []*User
	if err := json.Unmarshal(src, &users); err == nil {
		*self = users
		return nil
	}
	var user User
	if err := json.Unmarshal(src, &user); err != nil {
		return err
	}
	*self = userList{&user}
	return nil
}

type UserJoined struct {
	User *User `json:"user"`
}

func (self *UserJoined) MessageType() MessageType { return MessageTypeUserJoined }

type UserLeft struct {
	UserId Id `json:"userId"`
}

func (self *UserLeft) MessageType() MessageType { return MessageTypeUserLeft }

type CursorMove struct {
	// set by the server on rebroadcast, empty client->server
	UserId   Id    `json:"userId,omitempty"`
	Position Point `json:"position"`
}

func (self *CursorMove) MessageType() MessageType { return MessageTypeCursorMove }

type CardLock struct {
	CardId Id `json:"cardId"`
}

func (self *CardLock) MessageType() MessageType { return MessageTypeCardLock }

type CardUnlock struct {
	CardId Id `json:"cardId"`
}

func (self *CardUnlock) MessageType() MessageType { return MessageTypeCardUnlock }

type CardLocked struct {
	CardId Id          `json:"cardId"`
	Holder *LockHolder `json:"holder"`
}

func (self *CardLocked) MessageType() MessageType { return MessageTypeCardLocked }

type CardUnlocked struct {
	CardId Id `json:"cardId"`
}

func (self *CardUnlocked) MessageType() MessageType { return MessageTypeCardUnlocked }

type LocksList struct {
	Locks map[Id]*LockHolder `json:"locks"`
}

func (self *LocksList) MessageType() MessageType { return MessageTypeLocksList }

type CardSelect struct {
	CardId Id `json:"cardId"`
}

func (self *CardSelect) MessageType() MessageType { return MessageTypeCardSelect }

type CardDeselect struct {
	CardId Id `json:"cardId"`
}

func (self *CardDeselect) MessageType() MessageType { return MessageTypeCardDeselect }

type CardSelected struct {
	CardId Id `json:"cardId"`
	UserId Id `json:"userId"`
}

func (self *CardSelected) MessageType() MessageType { return MessageTypeCardSelected }

type CardDeselected struct {
	CardId Id `json:"cardId"`
	UserId Id `json:"userId"`
}

func (self *CardDeselected) MessageType() MessageType { return MessageTypeCardDeselected }

type SelectionsList struct {
	// userId -> cardId
	Selections map[Id]Id `json:"selections"`
}

func (self *SelectionsList) MessageType() MessageType { return MessageTypeSelectionsList }

type ClearSelection struct {
}

func (self *ClearSelection) MessageType() MessageType { return MessageTypeClearSelection }

type CardCreated struct {
	Card   *Card `json:"card"`
	UserId Id    `json:"userId,omitempty"`
}

func (self *CardCreated) MessageType() MessageType { return MessageTypeCardCreated }

type CardUpdated struct {
	CardId Id         `json:"cardId"`
	Patch  *CardPatch `json:"patch"`
	UserId Id         `json:"userId,omitempty"`
}

func (self *CardUpdated) MessageType() MessageType { return MessageTypeCardUpdated }

type CardDeleted struct {
	CardId Id `json:"cardId"`
	UserId Id `json:"userId,omitempty"`
}

func (self *CardDeleted) MessageType() MessageType { return MessageTypeCardDeleted }

type ConnectionCreated struct {
	Connection *Connection `json:"connection"`
	UserId     Id          `json:"userId,omitempty"`
}

func (self *ConnectionCreated) MessageType() MessageType { return MessageTypeConnectionCreated }

type ConnectionDeleted struct {
	ConnectionId Id `json:"connectionId"`
	UserId       Id `json:"userId,omitempty"`
}

func (self *ConnectionDeleted) MessageType() MessageType { return MessageTypeConnectionDeleted }

type ServerError struct {
	Message string `json:"message"`
}

func (self *ServerError) MessageType() MessageType { return MessageTypeError }

func EncodeMessage(message Message) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, err
	}
	// splice the type discriminator into the payload object
	var buf bytes.Buffer
	buf.WriteString(`{"type":`)
	typeBytes, err := json.Marshal(message.MessageType())
	if err != nil {
		return nil, err
	}
	buf.Write(typeBytes)
	if !bytes.Equal(payload, []byte("{}")) {
		buf.WriteByte(',')
		buf.Write(payload[1 : len(payload)-1])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func RequireEncodeMessage(message Message) []byte {
	messageBytes, err := EncodeMessage(message)
	if err != nil {
		panic(err)
	}
	return messageBytes
}

func DecodeMessage(messageBytes []byte) (Message, error) {
	var head struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(messageBytes, &head); err != nil {
		return nil, &ProtocolError{Message: "malformed frame", Cause: err}
	}

	var message Message
	switch head.Type {
	case MessageTypeAuth:
		message = &Auth{}
	case MessageTypeAuthSuccess:
		message = &AuthSuccess{}
	case MessageTypeAuthError:
		message = &AuthError{}
	case MessageTypeSpaceJoin:
		message = &SpaceJoin{}
	case MessageTypeSpaceLeave:
		message = &SpaceLeave{}
	case MessageTypeSpaceJoined:
		message = &SpaceJoined{}
	case MessageTypeUsersList:
		message = &UsersList{}
	case MessageTypeUserJoined:
		message = &UserJoined{}
	case MessageTypeUserLeft:
		message = &UserLeft{}
	case MessageTypeCursorMove:
		message = &CursorMove{}
	case MessageTypeCardLock:
		message = &CardLock{}
	case MessageTypeCardUnlock:
		message = &CardUnlock{}
	case MessageTypeCardLocked:
		message = &CardLocked{}
	case MessageTypeCardUnlocked:
		message = &CardUnlocked{}
	case MessageTypeLocksList:
		message = &LocksList{}
	case MessageTypeCardSelect:
		message = &CardSelect{}
	case MessageTypeCardDeselect:
		message = &CardDeselect{}
	case MessageTypeCardSelected:
		message = &CardSelected{}
	case MessageTypeCardDeselected:
		message = &CardDeselected{}
	case MessageTypeSelectionsList:
		message = &SelectionsList{}
	case MessageTypeClearSelection:
		message = &ClearSelection{}
	case MessageTypeCardCreated:
		message = &CardCreated{}
	case MessageTypeCardUpdated:
		message = &CardUpdated{}
	case MessageTypeCardDeleted:
		message = &CardDeleted{}
	case MessageTypeConnectionCreated:
		message = &ConnectionCreated{}
	case MessageTypeConnectionDeleted:
		message = &ConnectionDeleted{}
	case MessageTypeError:
		message = &ServerError{}
	default:
		return nil, &ProtocolError{Message: fmt.Sprintf("unknown message type %q", head.Type)}
	}

	if err := json.Unmarshal(messageBytes, message); err != nil {
		return nil, &ProtocolError{Message: fmt.Sprintf("malformed %s payload", head.Type), Cause: err}
	}
	return message, nil
}
