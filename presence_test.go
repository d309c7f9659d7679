package collab

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func testSpace(name string) *Space {
	return &Space{
		SpaceId:    NewId(),
		Name:       name,
		Visibility: VisibilityPublic,
	}
}

func testUser(displayName string) *User {
	return &User{
		UserId:      NewId(),
		DisplayName: displayName,
		Color:       "#238636",
	}
}

func TestSpaceJoinedResetsCaches(t *testing.T) {
	session := newTestSession("me")
	transport := newTestTransport(session)
	defer transport.Close()
	spaces := NewSpaceManager(transport)
	defer spaces.Close()

	syncedSpaces := []*Space{}
	spaces.AddSyncCallback(func(space *Space) {
		syncedSpaces = append(syncedSpaces, space)
	})

	// stale roster from a previous space
	transport.emitMessage(&SpaceJoined{Space: testSpace("old")})
	transport.emitMessage(&UsersList{Users: userList{testUser("ghost")}})
	assert.Equal(t, 1, len(spaces.Users()))

	space := testSpace("new")
	transport.emitMessage(&SpaceJoined{Space: space})

	// empty immediately after space:joined, before any snapshot
	assert.Equal(t, 0, len(spaces.Users()))
	assert.Equal(t, space.SpaceId, spaces.CurrentSpace().SpaceId)
	assert.Equal(t, 2, len(syncedSpaces))
	assert.Equal(t, space.SpaceId, syncedSpaces[1].SpaceId)
}

func TestRosterSnapshotAndDeltas(t *testing.T) {
	session := newTestSession("me")
	transport := newTestTransport(session)
	defer transport.Close()
	spaces := NewSpaceManager(transport)
	defer spaces.Close()

	transport.emitMessage(&SpaceJoined{Space: testSpace("room")})

	ada := testUser("ada")
	bob := testUser("bob")
	// an entry without an id is dropped, not fatal
	transport.emitMessage(&UsersList{Users: userList{ada, {DisplayName: "anon"}, bob}})
	assert.Equal(t, 2, len(spaces.Users()))

	carol := testUser("carol")
	transport.emitMessage(&UserJoined{User: carol})
	assert.Equal(t, 3, len(spaces.Users()))
	got, ok := spaces.User(carol.UserId)
	assert.Equal(t, true, ok)
	assert.Equal(t, "carol", got.DisplayName)

	transport.emitMessage(&UserLeft{UserId: bob.UserId})
	assert.Equal(t, 2, len(spaces.Users()))
	_, ok = spaces.User(bob.UserId)
	assert.Equal(t, false, ok)

	// a later snapshot fully replaces the roster
	transport.emitMessage(&UsersList{Users: userList{ada}})
	assert.Equal(t, 1, len(spaces.Users()))
}

func TestRosterNoDuplicateUserIds(t *testing.T) {
	transport := newTestTransport(newTestSession("me"))
	defer transport.Close()
	spaces := NewSpaceManager(transport)
	defer spaces.Close()

	ada := testUser("ada")
	adaAgain := &User{UserId: ada.UserId, DisplayName: "ada2", Color: ada.Color}
	transport.emitMessage(&UsersList{Users: userList{ada, adaAgain}})
	assert.Equal(t, 1, len(spaces.Users()))
}

func TestRosterLastCursor(t *testing.T) {
	session := newTestSession("me")
	transport := newTestTransport(session)
	defer transport.Close()
	spaces := NewSpaceManager(transport)
	defer spaces.Close()

	ada := testUser("ada")
	transport.emitMessage(&UsersList{Users: userList{ada}})
	transport.emitMessage(&CursorMove{UserId: ada.UserId, Position: Point{X: 3, Y: 4}})

	got, ok := spaces.User(ada.UserId)
	assert.Equal(t, true, ok)
	assert.Equal(t, Point{X: 3, Y: 4}, *got.LastCursor)

	// own echo never lands in the roster
	transport.emitMessage(&CursorMove{UserId: session.UserId, Position: Point{X: 9, Y: 9}})
	_, ok = spaces.User(session.UserId)
	assert.Equal(t, false, ok)
}

// a cursor update replaces the roster entry instead of writing through
// a pointer that readers may still hold
func TestRosterCursorCopyOnWrite(t *testing.T) {
	session := newTestSession("me")
	transport := newTestTransport(session)
	defer transport.Close()
	spaces := NewSpaceManager(transport)
	defer spaces.Close()

	ada := testUser("ada")
	transport.emitMessage(&UsersList{Users: userList{ada}})

	held, ok := spaces.User(ada.UserId)
	assert.Equal(t, true, ok)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i += 1 {
			transport.emitMessage(&CursorMove{
				UserId:   ada.UserId,
				Position: Point{X: float64(i)},
			})
		}
	}()
	// concurrent reads of the previously returned value must be safe
	for i := 0; i < 1000; i += 1 {
		_ = held.LastCursor
		_ = held.DisplayName
	}
	<-done

	// the held entry is a stale copy, never written through
	if held.LastCursor != nil {
		t.Fatal("held roster entry was mutated in place")
	}
	got, _ := spaces.User(ada.UserId)
	assert.Equal(t, Point{X: 999}, *got.LastCursor)
}

func TestLeaveSpaceClearsLocally(t *testing.T) {
	transport := newTestTransport(newTestSession("me"))
	defer transport.Close()
	spaces := NewSpaceManager(transport)
	defer spaces.Close()

	syncedSpaces := []*Space{}
	spaces.AddSyncCallback(func(space *Space) {
		syncedSpaces = append(syncedSpaces, space)
	})

	transport.emitMessage(&SpaceJoined{Space: testSpace("room")})
	transport.emitMessage(&UsersList{Users: userList{testUser("ada")}})

	// leaving clears immediately even though nothing went to the wire
	sent := spaces.LeaveSpace()
	assert.Equal(t, false, sent)
	assert.Equal(t, nil, spaces.CurrentSpace())
	assert.Equal(t, 0, len(spaces.Users()))
	assert.Equal(t, 2, len(syncedSpaces))
	if syncedSpaces[1] != nil {
		t.Fatal("expected nil space on leave")
	}
}
