package collab

import (
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func newApiFixture(t *testing.T) *CanvasApi {
	harness := newSimHarness(t, DefaultSimServerSettings())
	api := NewCanvasApi(harness.apiUrl)
	api.SetToken(SimToken(newTestSession("api")))
	t.Cleanup(api.Close)
	return api
}

func TestApiCardLifecycle(t *testing.T) {
	api := newApiFixture(t)

	card := &Card{
		CardId:  NewId(),
		SpaceId: NewId(),
		Title:   "draft",
		Content: "body",
	}

	createCallback, createResult := NewBlockingApiCallback[*Card]()
	api.CreateCard(card, createCallback)
	created := <-createResult
	assert.Equal(t, created.Error, nil)
	assert.Equal(t, card.CardId, created.Result.CardId)
	assert.Equal(t, "draft", created.Result.Title)

	title := "final"
	updateCallback, updateResult := NewBlockingApiCallback[*Card]()
	api.UpdateCard(card.CardId, &CardPatch{Title: &title}, updateCallback)
	updated := <-updateResult
	assert.Equal(t, updated.Error, nil)
	assert.Equal(t, "final", updated.Result.Title)
	// patch is shallow: untouched fields survive
	assert.Equal(t, "body", updated.Result.Content)

	deleteCallback, deleteResult := NewBlockingApiCallback[*DeleteResult]()
	api.DeleteCard(card.CardId, deleteCallback)
	deleted := <-deleteResult
	assert.Equal(t, deleted.Error, nil)
	assert.Equal(t, true, deleted.Result.Deleted)

	// gone now, surfaced as an application-level rejection
	missCallback, missResult := NewBlockingApiCallback[*Card]()
	api.UpdateCard(card.CardId, &CardPatch{Title: &title}, missCallback)
	miss := <-missResult
	var appErr *ApplicationError
	assert.Equal(t, true, errors.As(miss.Error, &appErr))
}

func TestApiConnectionLifecycle(t *testing.T) {
	api := newApiFixture(t)

	spaceId := NewId()
	from := &Card{CardId: NewId(), SpaceId: spaceId, Title: "from"}
	to := &Card{CardId: NewId(), SpaceId: spaceId, Title: "to"}
	for _, card := range []*Card{from, to} {
		callback, result := NewBlockingApiCallback[*Card]()
		api.CreateCard(card, callback)
		assert.Equal(t, (<-result).Error, nil)
	}

	connection := &Connection{
		ConnectionId: NewId(),
		SpaceId:      spaceId,
		FromCardId:   from.CardId,
		ToCardId:     to.CardId,
	}
	createCallback, createResult := NewBlockingApiCallback[*Connection]()
	api.CreateConnection(connection, createCallback)
	created := <-createResult
	assert.Equal(t, created.Error, nil)
	assert.Equal(t, connection.ConnectionId, created.Result.ConnectionId)

	deleteCallback, deleteResult := NewBlockingApiCallback[*DeleteResult]()
	api.DeleteConnection(connection.ConnectionId, deleteCallback)
	deleted := <-deleteResult
	assert.Equal(t, deleted.Error, nil)
	assert.Equal(t, true, deleted.Result.Deleted)
}

func TestApiRejectsMissingToken(t *testing.T) {
	harness := newSimHarness(t, DefaultSimServerSettings())
	api := NewCanvasApi(harness.apiUrl)
	defer api.Close()

	callback, result := NewBlockingApiCallback[*Card]()
	api.CreateCard(&Card{CardId: NewId(), Title: "anon"}, callback)
	select {
	case r := <-result:
		var appErr *ApplicationError
		assert.Equal(t, true, errors.As(r.Error, &appErr))
	case <-time.After(5 * time.Second):
		t.Fatal("no api result")
	}
}
