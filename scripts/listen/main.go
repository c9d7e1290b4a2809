// Command listen is a follower simulator: it identifies against a relay,
// follows a broadcaster and lets the reconciler drive a fake local player,
// printing every control decision it makes.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nevotalya/dj-server/internal/client"
	"github.com/nevotalya/dj-server/internal/log"
	"github.com/nevotalya/dj-server/internal/playback"
	"github.com/nevotalya/dj-server/internal/proto"
)

// localPlayer is a fake player whose position advances on the wall clock
// while playing, so drift against the broadcaster behaves realistically.
type localPlayer struct {
	mu        sync.Mutex
	track     playback.TrackRef
	base      float64
	startedAt time.Time
	playing   bool
}

func (p *localPlayer) Position() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positionLocked()
}

func (p *localPlayer) positionLocked() float64 {
	if !p.playing {
		return p.base
	}
	return p.base + time.Since(p.startedAt).Seconds()
}

func (p *localPlayer) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

func (p *localPlayer) Seek(seconds float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.base = seconds
	p.startedAt = time.Now()
	fmt.Printf("player: seek %.2fs\n", seconds)
}

func (p *localPlayer) Play() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.playing {
		p.playing = true
		p.startedAt = time.Now()
		fmt.Println("player: play")
	}
}

func (p *localPlayer) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.playing {
		p.base = p.positionLocked()
		p.playing = false
		fmt.Println("player: pause")
	}
}

func (p *localPlayer) ReplaceQueue(track playback.TrackRef) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.track = track
	p.base = 0
	p.playing = false
	fmt.Printf("player: queued track %s\n", track.Key())
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "listen: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("addr", "ws://localhost:8080/ws", "relay WebSocket address")
	id := flag.String("id", "listener", "identity token")
	name := flag.String("name", "Listener", "display name")
	dj := flag.String("dj", "djsim", "broadcaster identity to follow")
	friend := flag.String("friend", "", "identity to add as a friend first")
	level := flag.String("log-level", "warn", "log level")
	flag.Parse()

	logger := log.New(*level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	player := &localPlayer{}
	cfg := client.DefaultConfig(*addr)
	cfg.Player = player

	cl, err := client.Dial(ctx, cfg, client.Handlers{
		OnHello: func(id, displayName string) {
			fmt.Printf("connected as %s (%s)\n", displayName, id)
		},
		OnRequireName: func(reason string) {
			fmt.Printf("relay wants a display name (%s)\n", reason)
		},
		OnFriends: func(friends []proto.FriendEntry) {
			for _, f := range friends {
				fmt.Printf("  friend %s (%s)\n", f.DisplayName, f.ID)
			}
		},
		OnPlayback: func(djID string, snap playback.Snapshot) {
			state := "paused"
			if snap.Playing {
				state = "playing"
			}
			fmt.Printf("dj %s: %q %s at %.1fs\n", djID, snap.Title, state, snap.Position)
		},
	}, logger)
	if err != nil {
		return err
	}
	defer cl.Close()

	if err := cl.Identify(*id, *name); err != nil {
		return err
	}
	if *friend != "" {
		if err := cl.AddFriend(*friend); err != nil {
			return err
		}
	}
	if err := cl.Follow(*dj); err != nil {
		return err
	}
	fmt.Printf("following %s, Ctrl+C to stop\n", *dj)

	select {
	case <-ctx.Done():
		_ = cl.Unfollow()
		return nil
	case <-cl.Done():
		return cl.Err()
	}
}
