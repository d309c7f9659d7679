package collab

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func connectSimClient(t *testing.T, harness *simHarness, displayName string) (*Session, *CanvasClient) {
	session := newTestSession(displayName)
	client := NewCanvasClientWithDefaults(
		context.Background(),
		harness.wsUrl,
		harness.apiUrl,
		StaticToken(SimToken(session)),
	)
	t.Cleanup(client.Close)

	err := client.Connect(context.Background())
	assert.Equal(t, err, nil)
	return session, client
}

func joinSimSpace(t *testing.T, harness *simHarness, clients ...*CanvasClient) *Space {
	space := harness.server.CreateSpace("shared", VisibilityPublic)
	for _, client := range clients {
		sent := client.Transport().SendJoinSpace(space.SpaceId)
		assert.Equal(t, true, sent)
	}
	for _, client := range clients {
		client := client
		waitFor(t, 5*time.Second, func() bool {
			return len(client.Spaces().Users()) == len(clients)
		})
	}
	return space
}

func TestSimPresenceRoundTrip(t *testing.T) {
	harness := newSimHarness(t, DefaultSimServerSettings())
	adaSession, ada := connectSimClient(t, harness, "ada")
	_, bob := connectSimClient(t, harness, "bob")
	joinSimSpace(t, harness, ada, bob)

	// both see both
	user, ok := bob.Spaces().User(adaSession.UserId)
	assert.Equal(t, true, ok)
	assert.Equal(t, "ada", user.DisplayName)

	// leaving propagates
	sent := ada.Spaces().LeaveSpace()
	assert.Equal(t, true, sent)
	waitFor(t, 5*time.Second, func() bool {
		return len(bob.Spaces().Users()) == 1
	})
}

// two clients race for the same card. exactly one wins, and both agree
// on who.
func TestSimSingleLockHolder(t *testing.T) {
	harness := newSimHarness(t, DefaultSimServerSettings())
	adaSession, ada := connectSimClient(t, harness, "ada")
	bobSession, bob := connectSimClient(t, harness, "bob")
	joinSimSpace(t, harness, ada, bob)

	cardId := NewId()
	ada.Locks().LockCard(cardId)
	bob.Locks().LockCard(cardId)

	waitFor(t, 5*time.Second, func() bool {
		_, adaOk := ada.Locks().LockHolder(cardId)
		_, bobOk := bob.Locks().LockHolder(cardId)
		return adaOk && bobOk
	})

	adaView, _ := ada.Locks().LockHolder(cardId)
	bobView, _ := bob.Locks().LockHolder(cardId)
	assert.Equal(t, adaView.UserId, bobView.UserId)
	winner := adaView.UserId
	if winner != adaSession.UserId && winner != bobSession.UserId {
		t.Fatalf("unknown lock holder %s", winner)
	}
}

// dropping the holder's connection releases its locks for everyone else
func TestSimDisconnectReleasesLocks(t *testing.T) {
	harness := newSimHarness(t, DefaultSimServerSettings())
	_, ada := connectSimClient(t, harness, "ada")
	_, bob := connectSimClient(t, harness, "bob")
	joinSimSpace(t, harness, ada, bob)

	cardId := NewId()
	ada.Locks().LockCard(cardId)
	waitFor(t, 5*time.Second, func() bool {
		return bob.Locks().IsLockedByOthers(cardId)
	})

	ada.Close()
	waitFor(t, 5*time.Second, func() bool {
		return !bob.Locks().IsLockedByOthers(cardId)
	})
}

func TestSimLateJoinerGetsSnapshot(t *testing.T) {
	harness := newSimHarness(t, DefaultSimServerSettings())
	space := harness.server.CreateSpace("warm", VisibilityPublic)

	adaSession, ada := connectSimClient(t, harness, "ada")
	ada.Transport().SendJoinSpace(space.SpaceId)
	waitFor(t, 5*time.Second, func() bool {
		return ada.Spaces().CurrentSpace() != nil
	})

	lockedCardId := NewId()
	selectedCardId := NewId()
	ada.Locks().LockCard(lockedCardId)
	ada.Selections().SelectCard(selectedCardId)
	waitFor(t, 5*time.Second, func() bool {
		return ada.Locks().IsLockedByMe(lockedCardId)
	})

	// the snapshot alone hydrates the late joiner
	_, bob := connectSimClient(t, harness, "bob")
	bob.Transport().SendJoinSpace(space.SpaceId)
	waitFor(t, 5*time.Second, func() bool {
		return bob.Locks().IsLockedByOthers(lockedCardId) &&
			bob.Selections().IsSelectedByOthers(selectedCardId)
	})
	holder, _ := bob.Locks().LockHolder(lockedCardId)
	assert.Equal(t, adaSession.UserId, holder.UserId)
}

func TestSimCursorFanOut(t *testing.T) {
	harness := newSimHarness(t, DefaultSimServerSettings())
	adaSession, ada := connectSimClient(t, harness, "ada")
	_, bob := connectSimClient(t, harness, "bob")
	joinSimSpace(t, harness, ada, bob)

	ada.Selections().MoveCursor(Point{X: 7, Y: 11})
	waitFor(t, 5*time.Second, func() bool {
		position, ok := bob.Selections().Cursor(adaSession.UserId)
		return ok && position == Point{X: 7, Y: 11}
	})

	// the sender's own echo never surfaces
	time.Sleep(50 * time.Millisecond)
	_, ok := ada.Selections().Cursor(adaSession.UserId)
	assert.Equal(t, false, ok)
}

func TestSimEntityPropagation(t *testing.T) {
	harness := newSimHarness(t, DefaultSimServerSettings())
	_, ada := connectSimClient(t, harness, "ada")
	_, bob := connectSimClient(t, harness, "bob")
	space := joinSimSpace(t, harness, ada, bob)

	card := ada.Canvas().CreateCard(&Card{SpaceId: space.SpaceId, Title: "shared note"})
	waitFor(t, 5*time.Second, func() bool {
		_, ok := bob.Canvas().Card(card.CardId)
		return ok
	})

	ada.Canvas().MoveCard(card.CardId, Point{X: 42, Y: 17})
	waitFor(t, 5*time.Second, func() bool {
		got, ok := bob.Canvas().Card(card.CardId)
		return ok && got.Position == Point{X: 42, Y: 17}
	})

	// remote mutations never enter bob's undo history
	assert.Equal(t, false, bob.Canvas().Undo())

	ada.Canvas().DeleteCard(card.CardId)
	waitFor(t, 5*time.Second, func() bool {
		_, ok := bob.Canvas().Card(card.CardId)
		return !ok
	})
}

func TestSimConnectionPropagation(t *testing.T) {
	harness := newSimHarness(t, DefaultSimServerSettings())
	_, ada := connectSimClient(t, harness, "ada")
	_, bob := connectSimClient(t, harness, "bob")
	space := joinSimSpace(t, harness, ada, bob)

	from := ada.Canvas().CreateCard(&Card{SpaceId: space.SpaceId, Title: "from"})
	to := ada.Canvas().CreateCard(&Card{SpaceId: space.SpaceId, Title: "to"})
	waitFor(t, 5*time.Second, func() bool {
		return len(bob.Canvas().Cards()) == 2
	})

	connection := ada.Canvas().CreateConnection(from.CardId, to.CardId)
	assert.NotEqual(t, connection, nil)
	waitFor(t, 5*time.Second, func() bool {
		_, ok := bob.Canvas().Connection(connection.ConnectionId)
		return ok
	})

	// deleting an endpoint cascades on both sides
	bob.Canvas().DeleteCard(from.CardId)
	waitFor(t, 5*time.Second, func() bool {
		return len(ada.Canvas().Connections()) == 0 &&
			len(ada.Canvas().Cards()) == 1
	})
}

func TestSimClearSelection(t *testing.T) {
	harness := newSimHarness(t, DefaultSimServerSettings())
	_, ada := connectSimClient(t, harness, "ada")
	_, bob := connectSimClient(t, harness, "bob")
	joinSimSpace(t, harness, ada, bob)

	ada.Selections().SelectCard(NewId())
	bob.Selections().SelectCard(NewId())
	waitFor(t, 5*time.Second, func() bool {
		return len(ada.Selections().Selections()) == 2
	})

	ada.Selections().ClearSelection()
	waitFor(t, 5*time.Second, func() bool {
		return len(ada.Selections().Selections()) == 0 &&
			len(bob.Selections().Selections()) == 0
	})
}
