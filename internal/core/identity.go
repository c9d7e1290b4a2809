package core

// Identity is a known user as cached by the hub: the durable record plus
// whatever live sessions are currently bound to it. An identity with no
// sessions is offline but keeps its name, friendships and broadcaster
// status.
type Identity struct {
	ID          string
	DisplayName string
	sessions    map[*Session]struct{}
}

// NewIdentity constructs an identity with no live sessions.
func NewIdentity(id, name string) *Identity {
	return &Identity{
		ID:          id,
		DisplayName: name,
		sessions:    make(map[*Session]struct{}),
	}
}

// AddSession binds a live session to the identity.
func (i *Identity) AddSession(s *Session) {
	i.sessions[s] = struct{}{}
}

// RemoveSession detaches a session. Returns true if it was bound.
func (i *Identity) RemoveSession(s *Session) bool {
	if _, ok := i.sessions[s]; !ok {
		return false
	}
	delete(i.sessions, s)
	return true
}

// Online reports whether at least one live session is bound.
func (i *Identity) Online() bool {
	return len(i.sessions) > 0
}

// Named reports whether the identity has passed the naming gate.
func (i *Identity) Named() bool {
	return i.DisplayName != ""
}

// Following returns the broadcaster id one of this identity's sessions
// follows, or empty.
func (i *Identity) Following() string {
	for s := range i.sessions {
		if s.Following != "" {
			return s.Following
		}
	}
	return ""
}

// Broadcast sends an event to all live sessions of the identity.
func (i *Identity) Broadcast(ev *Event) {
	for s := range i.sessions {
		s.send(ev)
	}
}
