package core

import (
	"context"
	"testing"
	"time"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := NewHub(nil, nil, nil, nil)
	go hub.Run(ctx)
	return hub
}

// identified registers a fresh session and identifies it under id with a
// valid display name, consuming the hello reply.
func identified(t *testing.T, hub *Hub, id, name string) *Session {
	t.Helper()
	s := NewSession()
	hub.Register(s)
	s.Commands <- &Command{Kind: CommandIdentify, Identity: id, Name: name}
	mustEvent(t, s.Events, EventHello)
	return s
}

func mustEvent(t *testing.T, ch <-chan *Event, kind EventKind) *Event {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("events channel closed while waiting for kind %v", kind)
			}
			if ev.Kind == kind {
				return ev
			}
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	t.Fatalf("expected event kind %v not received", kind)
	return nil
}

func mustNoEvent(t *testing.T, ch <-chan *Event, kind EventKind) {
	t.Helper()

	deadline := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(deadline) {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Kind == kind {
				t.Fatalf("unexpected event kind %v: %+v", kind, ev)
			}
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

// mustUsersWhere drains events until a users push satisfies cond.
func mustUsersWhere(t *testing.T, ch <-chan *Event, desc string, cond func([]UserEntry) bool) []UserEntry {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("events channel closed while waiting for users push: %s", desc)
			}
			if ev.Kind == EventUsers && cond(ev.Users) {
				return ev.Users
			}
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	t.Fatalf("no users push satisfied: %s", desc)
	return nil
}

// mustFriendsWhere drains events until a friends push satisfies cond.
func mustFriendsWhere(t *testing.T, ch <-chan *Event, desc string, cond func([]FriendEntry) bool) []FriendEntry {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("events channel closed while waiting for friends push: %s", desc)
			}
			if ev.Kind == EventFriends && cond(ev.Friends) {
				return ev.Friends
			}
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	t.Fatalf("no friends push satisfied: %s", desc)
	return nil
}

func findUser(users []UserEntry, id string) (UserEntry, bool) {
	for _, u := range users {
		if u.ID == id {
			return u, true
		}
	}
	return UserEntry{}, false
}

func waitStats(t *testing.T, hub *Hub, desc string, cond func(Stats) bool) Stats {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		st, err := hub.Stats(ctx)
		cancel()
		if err == nil && cond(st) {
			return st
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("stats never satisfied: %s", desc)
	return Stats{}
}
