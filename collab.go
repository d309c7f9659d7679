package collab

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func RequireIdFromBytes(idBytes []byte) Id {
	id, err := IdFromBytes(idBytes)
	if err != nil {
		panic(err)
	}
	return id
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func (self Id) IsZero() bool {
	return self == Id{}
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return encodeUuid(self)
}

// text marshaling so that `Id` works both as a json value and a json map key

func (self Id) MarshalText() ([]byte, error) {
	return []byte(encodeUuid(self)), nil
}

func (self *Id) UnmarshalText(src []byte) error {
	buf, err := parseUuid(string(src))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// local user identity supplied by the auth collaborator.
// immutable for the lifetime of a connection.
type Session struct {
	UserId      Id     `json:"userId"`
	DisplayName string `json:"displayName"`
	Color       string `json:"color"`
}

type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

type Space struct {
	SpaceId    Id         `json:"spaceId"`
	Name       string     `json:"name"`
	Visibility Visibility `json:"visibility"`
}

// a member of the current space roster
type User struct {
	UserId      Id     `json:"userId"`
	DisplayName string `json:"displayName"`
	Color       string `json:"color"`
	LastCursor  *Point `json:"lastCursor,omitempty"`
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Card struct {
	CardId   Id     `json:"cardId"`
	SpaceId  Id     `json:"spaceId"`
	Title    string `json:"title"`
	Content  string `json:"content"`
	Color    string `json:"color"`
	Position Point  `json:"position"`
}

// a directed edge between two cards on the canvas
type Connection struct {
	ConnectionId Id `json:"connectionId"`
	SpaceId      Id `json:"spaceId"`
	FromCardId   Id `json:"fromCardId"`
	ToCardId     Id `json:"toCardId"`
}

type LockHolder struct {
	UserId      Id     `json:"userId"`
	DisplayName string `json:"displayName"`
	Color       string `json:"color"`
}

// partial card update. nil fields are left unchanged on merge.
type CardPatch struct {
	Title    *string `json:"title,omitempty"`
	Content  *string `json:"content,omitempty"`
	Color    *string `json:"color,omitempty"`
	Position *Point  `json:"position,omitempty"`
}

func (self *CardPatch) applyTo(card *Card) {
	if self.Title != nil {
		card.Title = *self.Title
	}
	if self.Content != nil {
		card.Content = *self.Content
	}
	if self.Color != nil {
		card.Color = *self.Color
	}
	if self.Position != nil {
		card.Position = *self.Position
	}
}
