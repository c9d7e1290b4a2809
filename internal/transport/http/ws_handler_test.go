package http

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/nevotalya/dj-server/internal/config"
	"github.com/nevotalya/dj-server/internal/core"
	"github.com/nevotalya/dj-server/internal/proto"
	"github.com/nevotalya/dj-server/internal/store/sqlite"
)

// startTestServer runs a full relay (sqlite store, hub, HTTP server) on an
// ephemeral port. frameBudget zero disables the per-connection cap.
func startTestServer(t *testing.T, frameBudget int) *httptest.Server {
	cfg := config.Default()
	cfg.FrameBudget = frameBudget
	return startTestServerWith(t, cfg)
}

func startTestServerWith(t *testing.T, cfg config.Config) *httptest.Server {
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

	server := NewServer(hub, cfg, clockwork.NewRealClock(), &logger)
	ts := httptest.NewServer(server.Handler)
	t.Cleanup(ts.Close)

	return ts
}

func dialWS(t *testing.T, ctx context.Context, ts *httptest.Server) *websocket.Conn {
	t.Helper()

	wsURL := strings.Replace(ts.URL, "http", "ws", 1) + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "done") })
	return conn
}

func send(t *testing.T, ctx context.Context, conn *websocket.Conn, frameType string, payload any) {
	t.Helper()

	frame, err := proto.NewFrame(frameType, payload)
	if err != nil {
		t.Fatalf("build %s frame: %v", frameType, err)
	}
	if err := wsjson.Write(ctx, conn, frame); err != nil {
		t.Fatalf("write %s frame: %v", frameType, err)
	}
}

// awaitFrame reads frames until one of the wanted type arrives, discarding
// interleaved pushes.
func awaitFrame(t *testing.T, ctx context.Context, conn *websocket.Conn, frameType string) proto.Frame {
	t.Helper()

	for {
		var frame proto.Frame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			t.Fatalf("waiting for %s frame: %v", frameType, err)
		}
		if frame.Type == frameType {
			return frame
		}
	}
}

func awaitUsersWhere(t *testing.T, ctx context.Context, conn *websocket.Conn, what string, match func(proto.UsersPayload) bool) proto.UsersPayload {
	t.Helper()

	for {
		frame := awaitFrame(t, ctx, conn, proto.TypeUsers)
		var users proto.UsersPayload
		if err := json.Unmarshal(frame.Payload, &users); err != nil {
			t.Fatalf("decode users while waiting for %s: %v", what, err)
		}
		if match(users) {
			return users
		}
	}
}

func awaitFriendsWhere(t *testing.T, ctx context.Context, conn *websocket.Conn, what string, match func(proto.FriendsPayload) bool) proto.FriendsPayload {
	t.Helper()

	for {
		frame := awaitFrame(t, ctx, conn, proto.TypeFriends)
		var friends proto.FriendsPayload
		if err := json.Unmarshal(frame.Payload, &friends); err != nil {
			t.Fatalf("decode friends while waiting for %s: %v", what, err)
		}
		if match(friends) {
			return friends
		}
	}
}

func TestIdentifyHelloRoundTrip(t *testing.T) {
	ts := startTestServer(t, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialWS(t, ctx, ts)
	send(t, ctx, conn, proto.TypeIdentify, proto.IdentifyPayload{ID: "ana", DisplayName: "Ana"})

	frame := awaitFrame(t, ctx, conn, proto.TypeHello)
	var hello proto.HelloPayload
	if err := json.Unmarshal(frame.Payload, &hello); err != nil {
		t.Fatalf("decode hello: %v", err)
	}
	if hello.ID != "ana" || hello.DisplayName != "Ana" {
		t.Fatalf("unexpected hello: %+v", hello)
	}

	// the handshake also seeds both lists
	awaitFrame(t, ctx, conn, proto.TypeUsers)
	awaitFrame(t, ctx, conn, proto.TypeFriends)
}

func TestNamelessIdentifyAsksForName(t *testing.T) {
	ts := startTestServer(t, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialWS(t, ctx, ts)
	send(t, ctx, conn, proto.TypeIdentify, proto.IdentifyPayload{ID: "ghost"})

	frame := awaitFrame(t, ctx, conn, proto.TypeRequireName)
	var req proto.RequireNamePayload
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		t.Fatalf("decode requireName: %v", err)
	}
	if req.Reason != proto.ReasonNameMissing {
		t.Fatalf("unexpected reason: %q", req.Reason)
	}

	send(t, ctx, conn, proto.TypeSetName, proto.SetNamePayload{DisplayName: "Ghost"})

	frame = awaitFrame(t, ctx, conn, proto.TypeHello)
	var hello proto.HelloPayload
	if err := json.Unmarshal(frame.Payload, &hello); err != nil {
		t.Fatalf("decode hello: %v", err)
	}
	if hello.DisplayName != "Ghost" {
		t.Fatalf("unexpected hello after setName: %+v", hello)
	}
}

func TestClockPingAnsweredInline(t *testing.T) {
	ts := startTestServer(t, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// clock probes need no identify
	conn := dialWS(t, ctx, ts)

	before := unixSeconds(time.Now())
	send(t, ctx, conn, proto.TypeClockPing, proto.ClockPingPayload{ClientTime: 123.456})

	frame := awaitFrame(t, ctx, conn, proto.TypeClockPong)
	var pong proto.ClockPongPayload
	if err := json.Unmarshal(frame.Payload, &pong); err != nil {
		t.Fatalf("decode pong: %v", err)
	}
	if pong.Echo != 123.456 {
		t.Fatalf("echo mismatch: %v", pong.Echo)
	}
	after := unixSeconds(time.Now())
	if pong.ServerTime < before || pong.ServerTime > after {
		t.Fatalf("implausible server time %v outside [%v, %v]", pong.ServerTime, before, after)
	}
}

func TestPlaybackReachesFollower(t *testing.T) {
	ts := startTestServer(t, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dj := dialWS(t, ctx, ts)
	fan := dialWS(t, ctx, ts)

	send(t, ctx, dj, proto.TypeIdentify, proto.IdentifyPayload{ID: "dj", DisplayName: "DJ"})
	awaitFrame(t, ctx, dj, proto.TypeHello)
	send(t, ctx, dj, proto.TypeSetDJ, proto.SetDJPayload{On: true})
	awaitUsersWhere(t, ctx, dj, "dj flagged", func(p proto.UsersPayload) bool {
		for _, u := range p.Users {
			if u.ID == "dj" && u.IsDJ {
				return true
			}
		}
		return false
	})

	send(t, ctx, fan, proto.TypeIdentify, proto.IdentifyPayload{ID: "fan", DisplayName: "Fan"})
	awaitFrame(t, ctx, fan, proto.TypeHello)
	send(t, ctx, fan, proto.TypeFollow, proto.FollowPayload{DJID: "dj"})
	awaitUsersWhere(t, ctx, fan, "follow applied", func(p proto.UsersPayload) bool {
		for _, u := range p.Users {
			if u.ID == "fan" && u.Following == "dj" {
				return true
			}
		}
		return false
	})

	send(t, ctx, dj, proto.TypePlayback, proto.PlaybackPayload{
		Position:  42.5,
		IsPlaying: true,
		CatalogID: "cat-1",
		Title:     "One",
	})

	frame := awaitFrame(t, ctx, fan, proto.TypePlayback)
	var relayed proto.PlaybackPayload
	if err := json.Unmarshal(frame.Payload, &relayed); err != nil {
		t.Fatalf("decode playback: %v", err)
	}
	if relayed.DJID != "dj" || relayed.Position != 42.5 || !relayed.IsPlaying || relayed.CatalogID != "cat-1" {
		t.Fatalf("unexpected relayed snapshot: %+v", relayed)
	}
	if relayed.ServerTimestamp == 0 {
		t.Fatal("relay did not stamp the snapshot")
	}
}

func TestFriendAddVisibleOnBothSockets(t *testing.T) {
	ts := startTestServer(t, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a := dialWS(t, ctx, ts)
	b := dialWS(t, ctx, ts)

	send(t, ctx, a, proto.TypeIdentify, proto.IdentifyPayload{ID: "a", DisplayName: "Ana"})
	awaitFrame(t, ctx, a, proto.TypeHello)
	send(t, ctx, b, proto.TypeIdentify, proto.IdentifyPayload{ID: "b", DisplayName: "Bo"})
	awaitFrame(t, ctx, b, proto.TypeHello)

	send(t, ctx, a, proto.TypeAddFriend, proto.FriendPayload{FriendID: "b"})

	awaitFriendsWhere(t, ctx, a, "a sees b", func(p proto.FriendsPayload) bool {
		return len(p.Friends) == 1 && p.Friends[0].ID == "b" && p.Friends[0].DisplayName == "Bo"
	})
	awaitFriendsWhere(t, ctx, b, "b sees a", func(p proto.FriendsPayload) bool {
		return len(p.Friends) == 1 && p.Friends[0].ID == "a" && p.Friends[0].DisplayName == "Ana"
	})
}

func TestUnknownFrameTypeKeepsConnectionOpen(t *testing.T) {
	ts := startTestServer(t, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialWS(t, ctx, ts)
	if err := wsjson.Write(ctx, conn, proto.Frame{Type: "poke", Payload: json.RawMessage(`{"x":1}`)}); err != nil {
		t.Fatalf("write unknown frame: %v", err)
	}

	send(t, ctx, conn, proto.TypeClockPing, proto.ClockPingPayload{ClientTime: 1})
	awaitFrame(t, ctx, conn, proto.TypeClockPong)
}

func TestMalformedPayloadKeepsConnectionOpen(t *testing.T) {
	ts := startTestServer(t, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialWS(t, ctx, ts)
	if err := wsjson.Write(ctx, conn, proto.Frame{Type: proto.TypeIdentify, Payload: json.RawMessage(`"gibberish"`)}); err != nil {
		t.Fatalf("write malformed frame: %v", err)
	}

	send(t, ctx, conn, proto.TypeClockPing, proto.ClockPingPayload{ClientTime: 2})
	awaitFrame(t, ctx, conn, proto.TypeClockPong)
}

func TestHeartbeatTimeoutClosesOnlyTheSilentConnection(t *testing.T) {
	cfg := config.Default()
	cfg.HeartbeatPeriod = 100 * time.Millisecond
	ts := startTestServerWith(t, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mute := dialWS(t, ctx, ts)
	send(t, ctx, mute, proto.TypeIdentify, proto.IdentifyPayload{ID: "mute", DisplayName: "Mute"})
	awaitFrame(t, ctx, mute, proto.TypeHello)

	healthy := dialWS(t, ctx, ts)
	frames := make(chan proto.Frame, 32)
	go func() {
		for {
			var frame proto.Frame
			if err := wsjson.Read(ctx, healthy, &frame); err != nil {
				close(frames)
				return
			}
			frames <- frame
		}
	}()

	// Pings are only acknowledged while a connection is being read, so the
	// mute one misses its heartbeat while the pumped one keeps answering.
	time.Sleep(time.Second)

	var frame proto.Frame
	err := wsjson.Read(ctx, mute, &frame)
	if err == nil {
		t.Fatalf("silent connection still alive: %+v", frame)
	}
	if got := websocket.CloseStatus(err); got != websocket.StatusInternalError {
		t.Fatalf("close status = %v, want %v", got, websocket.StatusInternalError)
	}

	send(t, ctx, healthy, proto.TypeClockPing, proto.ClockPingPayload{ClientTime: 7})
	for {
		select {
		case fr, ok := <-frames:
			if !ok {
				t.Fatal("healthy connection closed alongside the silent one")
			}
			if fr.Type == proto.TypeClockPong {
				return
			}
		case <-ctx.Done():
			t.Fatal("no pong on the healthy connection")
		}
	}
}

func TestFrameBudgetDropsExcess(t *testing.T) {
	ts := startTestServer(t, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialWS(t, ctx, ts)

	send(t, ctx, conn, proto.TypeClockPing, proto.ClockPingPayload{ClientTime: 1})
	awaitFrame(t, ctx, conn, proto.TypeClockPong)
	send(t, ctx, conn, proto.TypeClockPing, proto.ClockPingPayload{ClientTime: 2})
	awaitFrame(t, ctx, conn, proto.TypeClockPong)

	send(t, ctx, conn, proto.TypeClockPing, proto.ClockPingPayload{ClientTime: 3})
	readCtx, readCancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer readCancel()
	var frame proto.Frame
	if err := wsjson.Read(readCtx, conn, &frame); err == nil {
		t.Fatalf("frame over budget was answered: %+v", frame)
	}
}
