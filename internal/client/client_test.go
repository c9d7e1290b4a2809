package client

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/nevotalya/dj-server/internal/config"
	"github.com/nevotalya/dj-server/internal/core"
	"github.com/nevotalya/dj-server/internal/playback"
	"github.com/nevotalya/dj-server/internal/proto"
	"github.com/nevotalya/dj-server/internal/store/sqlite"
	transporthttp "github.com/nevotalya/dj-server/internal/transport/http"
)

func startRelay(t *testing.T) *httptest.Server {
	t.Helper()

	logger := zerolog.Nop()
	st, err := sqlite.New(filepath.Join(t.TempDir(), "dj.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	hub := core.NewHub(st, nil, nil, &logger)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	server := transporthttp.NewServer(hub, config.Default(), clockwork.NewRealClock(), &logger)
	ts := httptest.NewServer(server.Handler)
	t.Cleanup(ts.Close)

	return ts
}

func relayURL(ts *httptest.Server) string {
	return strings.Replace(ts.URL, "http", "ws", 1) + "/ws"
}

// testConfig shrinks the sync round so connects settle fast.
func testConfig(ts *httptest.Server) Config {
	cfg := DefaultConfig(relayURL(ts))
	cfg.SyncSamples = 2
	cfg.SyncSpacing = 50 * time.Millisecond
	return cfg
}

func dialClient(t *testing.T, cfg Config, handlers Handlers) *Client {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	logger := zerolog.Nop()
	c, err := Dial(ctx, cfg, handlers, &logger)
	if err != nil {
		t.Fatalf("dial client: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type helloNote struct {
	id   string
	name string
}

func awaitHello(t *testing.T, ch <-chan helloNote, what string) helloNote {
	t.Helper()

	select {
	case h := <-ch:
		return h
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
	return helloNote{}
}

func awaitUsersWhere(t *testing.T, ch <-chan []proto.UserEntry, what string, match func([]proto.UserEntry) bool) {
	t.Helper()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case users := <-ch:
			if match(users) {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

// fakePlayer records every control call the reconciler makes.
type fakePlayer struct {
	mu       sync.Mutex
	position float64
	playing  bool
	replaces []playback.TrackRef
	seeks    []float64
	plays    int
	pauses   int
}

func (p *fakePlayer) Position() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.position
}

func (p *fakePlayer) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

func (p *fakePlayer) Seek(seconds float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.position = seconds
	p.seeks = append(p.seeks, seconds)
}

func (p *fakePlayer) Play() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.playing = true
	p.plays++
}

func (p *fakePlayer) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.playing = false
	p.pauses++
}

func (p *fakePlayer) ReplaceQueue(track playback.TrackRef) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replaces = append(p.replaces, track)
	p.position = 0
	p.playing = false
	return nil
}

func (p *fakePlayer) replaceCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.replaces)
}

func (p *fakePlayer) lastReplaced() playback.TrackRef {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.replaces) == 0 {
		return playback.TrackRef{}
	}
	return p.replaces[len(p.replaces)-1]
}

func (p *fakePlayer) seekValues() []float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]float64, len(p.seeks))
	copy(out, p.seeks)
	return out
}

// fakeSource is a static broadcaster player; fields are set before the
// emitter starts.
type fakeSource struct {
	position float64
	playing  bool
	track    playback.TrackRef
	title    string
	artist   string
}

func (s *fakeSource) Position() float64                 { return s.position }
func (s *fakeSource) Playing() bool                     { return s.playing }
func (s *fakeSource) CurrentTrack() playback.TrackRef   { return s.track }
func (s *fakeSource) TrackInfo() (title, artist string) { return s.title, s.artist }

func TestEndToEndFollowAppliesCorrectedPosition(t *testing.T) {
	ts := startRelay(t)

	djHello := make(chan helloNote, 4)
	djUsers := make(chan []proto.UserEntry, 16)
	dj := dialClient(t, testConfig(ts), Handlers{
		OnHello: func(id, name string) { djHello <- helloNote{id, name} },
		OnUsers: func(users []proto.UserEntry) { djUsers <- users },
	})

	player := &fakePlayer{}
	fanCfg := testConfig(ts)
	fanCfg.Player = player
	fanHello := make(chan helloNote, 4)
	fanUsers := make(chan []proto.UserEntry, 16)
	fan := dialClient(t, fanCfg, Handlers{
		OnHello: func(id, name string) { fanHello <- helloNote{id, name} },
		OnUsers: func(users []proto.UserEntry) { fanUsers <- users },
	})

	if err := dj.Identify("dj", "DJ"); err != nil {
		t.Fatalf("identify dj: %v", err)
	}
	awaitHello(t, djHello, "dj hello")
	if err := fan.Identify("fan", "Fan"); err != nil {
		t.Fatalf("identify fan: %v", err)
	}
	awaitHello(t, fanHello, "fan hello")

	if err := dj.SetDJ(true); err != nil {
		t.Fatalf("setDJ: %v", err)
	}
	awaitUsersWhere(t, djUsers, "dj flagged", func(users []proto.UserEntry) bool {
		for _, u := range users {
			if u.ID == "dj" && u.IsDJ {
				return true
			}
		}
		return false
	})

	if err := fan.Follow("dj"); err != nil {
		t.Fatalf("follow: %v", err)
	}
	awaitUsersWhere(t, fanUsers, "follow applied", func(users []proto.UserEntry) bool {
		for _, u := range users {
			if u.ID == "fan" && u.Following == "dj" {
				return true
			}
		}
		return false
	})

	src := &fakeSource{
		position: 42.5,
		playing:  true,
		track:    playback.TrackRef{CatalogID: "cat-1"},
		title:    "One",
		artist:   "Anna",
	}
	bctx, bcancel := context.WithCancel(context.Background())
	t.Cleanup(bcancel)
	go func() { _ = dj.StartBroadcast(bctx, src, 100*time.Millisecond) }()

	waitFor(t, "queue replace", func() bool { return player.replaceCount() >= 1 })
	waitFor(t, "corrective seek", func() bool { return len(player.seekValues()) >= 1 })
	waitFor(t, "playback started", func() bool { return player.Playing() })

	if got := player.lastReplaced(); got.CatalogID != "cat-1" {
		t.Fatalf("unexpected replaced track: %+v", got)
	}

	// corrected = position + snapshot age + 0.1s lead; on loopback the age
	// stays well under a second
	seek := player.seekValues()[0]
	if seek < 42.5 || seek > 43.6 {
		t.Fatalf("corrected seek out of range: %v", seek)
	}
}

func TestRefollowRestartsTransition(t *testing.T) {
	ts := startRelay(t)

	djUsers := make(chan []proto.UserEntry, 16)
	djHello := make(chan helloNote, 4)
	dj := dialClient(t, testConfig(ts), Handlers{
		OnHello: func(id, name string) { djHello <- helloNote{id, name} },
		OnUsers: func(users []proto.UserEntry) { djUsers <- users },
	})

	player := &fakePlayer{}
	fanCfg := testConfig(ts)
	fanCfg.Player = player
	fanHello := make(chan helloNote, 4)
	fanUsers := make(chan []proto.UserEntry, 16)
	fan := dialClient(t, fanCfg, Handlers{
		OnHello: func(id, name string) { fanHello <- helloNote{id, name} },
		OnUsers: func(users []proto.UserEntry) { fanUsers <- users },
	})

	if err := dj.Identify("dj", "DJ"); err != nil {
		t.Fatalf("identify dj: %v", err)
	}
	awaitHello(t, djHello, "dj hello")
	if err := fan.Identify("fan", "Fan"); err != nil {
		t.Fatalf("identify fan: %v", err)
	}
	awaitHello(t, fanHello, "fan hello")

	if err := dj.SetDJ(true); err != nil {
		t.Fatalf("setDJ: %v", err)
	}
	awaitUsersWhere(t, djUsers, "dj flagged", func(users []proto.UserEntry) bool {
		for _, u := range users {
			if u.ID == "dj" && u.IsDJ {
				return true
			}
		}
		return false
	})

	if err := fan.Follow("dj"); err != nil {
		t.Fatalf("follow: %v", err)
	}
	awaitUsersWhere(t, fanUsers, "follow applied", func(users []proto.UserEntry) bool {
		for _, u := range users {
			if u.ID == "fan" && u.Following == "dj" {
				return true
			}
		}
		return false
	})

	src := &fakeSource{
		position: 10,
		playing:  true,
		track:    playback.TrackRef{CatalogID: "cat-1"},
	}
	bctx, bcancel := context.WithCancel(context.Background())
	t.Cleanup(bcancel)
	go func() { _ = dj.StartBroadcast(bctx, src, 100*time.Millisecond) }()

	waitFor(t, "first replace", func() bool { return player.replaceCount() >= 1 })

	// leaving and re-joining the timeline must replay the track transition
	// even though the track never changed
	if err := fan.Unfollow(); err != nil {
		t.Fatalf("unfollow: %v", err)
	}
	awaitUsersWhere(t, fanUsers, "unfollow applied", func(users []proto.UserEntry) bool {
		for _, u := range users {
			if u.ID == "fan" && u.Following == "" {
				return true
			}
		}
		return false
	})

	before := player.replaceCount()
	if err := fan.Follow("dj"); err != nil {
		t.Fatalf("re-follow: %v", err)
	}
	waitFor(t, "second replace", func() bool { return player.replaceCount() > before })
}

func TestClockSyncEstablishesOffset(t *testing.T) {
	ts := startRelay(t)

	cl := dialClient(t, testConfig(ts), Handlers{})

	waitFor(t, "sync round", func() bool {
		_, ok := cl.Offset()
		return ok
	})

	off, _ := cl.Offset()
	if off < -1 || off > 1 {
		t.Fatalf("implausible loopback offset: %v", off)
	}
}

func TestRequireNameThenRename(t *testing.T) {
	ts := startRelay(t)

	reasons := make(chan string, 4)
	hellos := make(chan helloNote, 4)
	cl := dialClient(t, testConfig(ts), Handlers{
		OnRequireName: func(reason string) { reasons <- reason },
		OnHello:       func(id, name string) { hellos <- helloNote{id, name} },
	})

	if err := cl.Identify("ghost", ""); err != nil {
		t.Fatalf("identify: %v", err)
	}

	select {
	case reason := <-reasons:
		if reason != proto.ReasonNameMissing {
			t.Fatalf("unexpected reason: %q", reason)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for requireName")
	}

	if err := cl.SetName("Ghost"); err != nil {
		t.Fatalf("setName: %v", err)
	}

	hello := awaitHello(t, hellos, "hello after setName")
	if hello.id != "ghost" || hello.name != "Ghost" {
		t.Fatalf("unexpected hello: %+v", hello)
	}
}
