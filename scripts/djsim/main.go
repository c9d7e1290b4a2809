// Command djsim is a broadcaster simulator: it identifies against a relay,
// flags itself as a DJ and streams snapshots from a fake advancing player.
// Stdin controls playback: play, pause, seek <seconds>, next.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nevotalya/dj-server/internal/client"
	"github.com/nevotalya/dj-server/internal/log"
	"github.com/nevotalya/dj-server/internal/playback"
	"github.com/nevotalya/dj-server/internal/proto"
)

type simTrack struct {
	id     string
	title  string
	artist string
	length float64
}

var setlist = []simTrack{
	{id: "cat-100", title: "Golden Hour", artist: "Nova Lane", length: 214},
	{id: "cat-101", title: "Wire Dreams", artist: "Sol Arcade", length: 187},
	{id: "cat-102", title: "Night Drive", artist: "Mara Vel", length: 243},
}

// simSource is the fake local player: position advances on the wall clock
// while playing.
type simSource struct {
	mu        sync.Mutex
	index     int
	base      float64
	startedAt time.Time
	playing   bool
}

func newSimSource() *simSource {
	return &simSource{playing: true, startedAt: time.Now()}
}

func (s *simSource) Position() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positionLocked()
}

func (s *simSource) positionLocked() float64 {
	if !s.playing {
		return s.base
	}
	return s.base + time.Since(s.startedAt).Seconds()
}

func (s *simSource) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

func (s *simSource) CurrentTrack() playback.TrackRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return playback.TrackRef{CatalogID: setlist[s.index].id}
}

func (s *simSource) TrackInfo() (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return setlist[s.index].title, setlist[s.index].artist
}

func (s *simSource) play() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.playing {
		return
	}
	s.playing = true
	s.startedAt = time.Now()
}

func (s *simSource) pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.playing {
		return
	}
	s.base = s.positionLocked()
	s.playing = false
}

func (s *simSource) seek(seconds float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.base = seconds
	s.startedAt = time.Now()
}

// next advances the setlist, wrapping at the end, and restarts at zero.
func (s *simSource) next() simTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index = (s.index + 1) % len(setlist)
	s.base = 0
	s.startedAt = time.Now()
	return setlist[s.index]
}

// trackDone reports whether the current position ran past the track length.
func (s *simSource) trackDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positionLocked() >= setlist[s.index].length
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "djsim: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("addr", "ws://localhost:8080/ws", "relay WebSocket address")
	id := flag.String("id", "djsim", "identity token")
	name := flag.String("name", "DJ Sim", "display name")
	period := flag.Duration("period", playback.DefaultEmitPeriod, "snapshot period")
	level := flag.String("log-level", "warn", "log level")
	flag.Parse()

	logger := log.New(*level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := client.DefaultConfig(*addr)
	cl, err := client.Dial(ctx, cfg, client.Handlers{
		OnHello: func(id, displayName string) {
			fmt.Printf("connected as %s (%s)\n", displayName, id)
		},
		OnRequireName: func(reason string) {
			fmt.Printf("relay wants a display name (%s)\n", reason)
		},
		OnUsers: func(users []proto.UserEntry) {
			for _, u := range users {
				if u.DisplayName == "" {
					continue
				}
				fmt.Printf("  user %s dj=%v online=%v\n", u.DisplayName, u.IsDJ, u.Online)
			}
		},
	}, logger)
	if err != nil {
		return err
	}
	defer cl.Close()

	if err := cl.Identify(*id, *name); err != nil {
		return err
	}

	src := newSimSource()
	fmt.Printf("broadcasting %q by %s, type play/pause/seek <s>/next\n", setlist[0].title, setlist[0].artist)

	broadcastErr := make(chan error, 1)
	go func() {
		broadcastErr <- cl.StartBroadcast(ctx, src, *period)
	}()

	go controlLoop(ctx, src)
	go advanceLoop(ctx, src)

	select {
	case <-ctx.Done():
		// let the emitter deliver its final paused snapshot
		<-broadcastErr
		return nil
	case err := <-broadcastErr:
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	case <-cl.Done():
		return cl.Err()
	}
}

// advanceLoop rolls the setlist forward when a track plays out.
func advanceLoop(ctx context.Context, src *simSource) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if src.Playing() && src.trackDone() {
				next := src.next()
				fmt.Printf("now playing %q by %s\n", next.title, next.artist)
			}
		}
	}
}

func controlLoop(ctx context.Context, src *simSource) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			fields := strings.Fields(line)
			if len(fields) == 0 {
				continue
			}
			switch fields[0] {
			case "play":
				src.play()
				fmt.Println("playing")
			case "pause":
				src.pause()
				fmt.Println("paused")
			case "seek":
				if len(fields) < 2 {
					fmt.Println("usage: seek <seconds>")
					continue
				}
				seconds, err := strconv.ParseFloat(fields[1], 64)
				if err != nil {
					fmt.Printf("bad seek position: %v\n", err)
					continue
				}
				src.seek(seconds)
				fmt.Printf("seeked to %.1fs\n", seconds)
			case "next":
				next := src.next()
				fmt.Printf("now playing %q by %s\n", next.title, next.artist)
			default:
				fmt.Println("commands: play, pause, seek <seconds>, next")
			}
		}
	}
}
