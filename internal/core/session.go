package core

import "github.com/google/uuid"

// Session is one live connection as seen by the hub. IdentityID stays empty
// until the session identifies. Following names the broadcaster identity
// this session listens to, or is empty.
//
// The transport owns Commands: closing it is the disconnect signal. The hub
// owns Events and closes it when the session is dropped.
type Session struct {
	SID        string
	IdentityID string
	Following  string
	Commands   chan *Command
	Events     chan *Event
}

// NewSession constructs a session with a fresh socket id and initialized
// channels.
func NewSession() *Session {
	return &Session{
		SID:      uuid.NewString(),
		Commands: make(chan *Command, 16),
		Events:   make(chan *Event, 32),
	}
}

// Identified reports whether the session has bound an identity.
func (s *Session) Identified() bool {
	return s.IdentityID != ""
}

// send delivers an event without ever blocking the hub loop.
func (s *Session) send(ev *Event) {
	select {
	case s.Events <- ev:
	default:
		// Drop if slow consumer.
	}
}
