package collab

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestMessageRoundTrip(t *testing.T) {
	cardId := NewId()
	holder := &LockHolder{
		UserId:      NewId(),
		DisplayName: "ada",
		Color:       "#ff0000",
	}

	messageBytes, err := EncodeMessage(&CardLocked{
		CardId: cardId,
		Holder: holder,
	})
	assert.Equal(t, err, nil)

	message, err := DecodeMessage(messageBytes)
	assert.Equal(t, err, nil)
	locked, ok := message.(*CardLocked)
	assert.Equal(t, true, ok)
	assert.Equal(t, cardId, locked.CardId)
	assert.Equal(t, holder.UserId, locked.Holder.UserId)
	assert.Equal(t, "ada", locked.Holder.DisplayName)
}

func TestMessageEmptyPayload(t *testing.T) {
	messageBytes, err := EncodeMessage(&ClearSelection{})
	assert.Equal(t, err, nil)
	assert.Equal(t, `{"type":"canvas:clearSelection"}`, string(messageBytes))

	message, err := DecodeMessage(messageBytes)
	assert.Equal(t, err, nil)
	assert.Equal(t, MessageTypeClearSelection, message.MessageType())
}

func TestMessageIdAsMapKey(t *testing.T) {
	userId := NewId()
	cardId := NewId()
	messageBytes, err := EncodeMessage(&SelectionsList{
		Selections: map[Id]Id{
			userId: cardId,
		},
	})
	assert.Equal(t, err, nil)

	message, err := DecodeMessage(messageBytes)
	assert.Equal(t, err, nil)
	selections := message.(*SelectionsList)
	assert.Equal(t, cardId, selections.Selections[userId])
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := DecodeMessage([]byte(`{"type":"card:explode"}`))
	var protocolErr *ProtocolError
	assert.Equal(t, true, errors.As(err, &protocolErr))
}

func TestDecodeMalformed(t *testing.T) {
	_, err := DecodeMessage([]byte(`{"type":`))
	var protocolErr *ProtocolError
	assert.Equal(t, true, errors.As(err, &protocolErr))

	_, err = DecodeMessage([]byte(`{"type":"card:locked","cardId":7}`))
	assert.Equal(t, true, errors.As(err, &protocolErr))
}

// some server builds send a bare user object where a list is expected
func TestUsersListBareObject(t *testing.T) {
	userId := NewId()
	messageBytes := []byte(fmt.Sprintf(
		`{"type":"users:list","users":{"userId":"%s","displayName":"solo"}}`,
		userId,
	))
	message, err := DecodeMessage(messageBytes)
	assert.Equal(t, err, nil)
	users := message.(*UsersList)
	assert.Equal(t, 1, len(users.Users))
	assert.Equal(t, userId, users.Users[0].UserId)
}
