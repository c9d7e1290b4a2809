package core

import "github.com/nevotalya/dj-server/internal/playback"

// EventKind is a notification the hub emits to sessions.
type EventKind int

const (
	// EventHello confirms an identify or rename with the canonical name.
	EventHello EventKind = iota
	// EventRequireName asks the client to supply a valid display name.
	EventRequireName
	// EventUsers delivers the viewer-specific user list.
	EventUsers
	// EventFriends delivers the friend list.
	EventFriends
	// EventPlayback relays a broadcaster's snapshot to a follower.
	EventPlayback
)

// Event is sent to sessions to describe what happened in the system.
type Event struct {
	Kind     EventKind
	Identity string        // hello: bound identity id
	Name     string        // hello: display name
	Reason   string        // requireName: reason code
	Users    []UserEntry   // users
	Friends  []FriendEntry // friends
	DJID     string        // playback: broadcaster identity
	Snapshot playback.Snapshot
}

// UserEntry is one row of a viewer's visible-user list, computed for that
// viewer at push time.
type UserEntry struct {
	ID          string
	DisplayName string
	IsDJ        bool
	Following   string
	Online      bool
}

// FriendEntry is one row of a friend list.
type FriendEntry struct {
	ID          string
	DisplayName string
}
