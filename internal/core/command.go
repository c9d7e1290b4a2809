package core

import "github.com/nevotalya/dj-server/internal/playback"

// CommandKind describes what the session wants to do.
type CommandKind int

const (
	// CommandIdentify binds the session to an identity.
	CommandIdentify CommandKind = iota
	// CommandSetName sets the identity's display name.
	CommandSetName
	// CommandSetDJ toggles broadcaster registry membership.
	CommandSetDJ
	// CommandFollow points the session at a broadcaster.
	CommandFollow
	// CommandUnfollow clears the session's follow target.
	CommandUnfollow
	// CommandAddFriend adds a symmetric friend edge.
	CommandAddFriend
	// CommandRemoveFriend removes a symmetric friend edge.
	CommandRemoveFriend
	// CommandListFriends requests the friend list.
	CommandListFriends
	// CommandListUsers requests the visible-user list.
	CommandListUsers
	// CommandPlayback publishes a playback snapshot for relaying.
	CommandPlayback
)

// Command represents an action requested by a session.
type Command struct {
	Kind     CommandKind
	Identity string // identify: supplied identity id
	Name     string // identify, setName: display name
	On       bool   // setDJ
	Target   string // follow: broadcaster id; addFriend, removeFriend: peer id
	Snapshot playback.Snapshot
}
