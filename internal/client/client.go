// Package client is the connection engine for followers and broadcasters:
// one relay socket, one read loop dispatching pushes, clock sync rounds on
// the engine's own timeline, and optional local playback reconciliation.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/nevotalya/dj-server/internal/clocksync"
	"github.com/nevotalya/dj-server/internal/playback"
	"github.com/nevotalya/dj-server/internal/proto"
)

// DefaultResyncInterval is how often the clock offset is re-estimated.
const DefaultResyncInterval = 30 * time.Second

// Config tunes one client connection.
type Config struct {
	URL            string
	Player         playback.Player // optional; enables local reconciliation
	Reconciler     playback.Config
	ResyncInterval time.Duration
	SyncSamples    int
	SyncSpacing    time.Duration
	Clock          clockwork.Clock // nil means the real clock
}

// DefaultConfig returns client defaults for the given relay URL.
func DefaultConfig(url string) Config {
	return Config{
		URL:            url,
		Reconciler:     playback.DefaultConfig(),
		ResyncInterval: DefaultResyncInterval,
		SyncSamples:    clocksync.DefaultSampleCount,
		SyncSpacing:    clocksync.DefaultSampleInterval,
	}
}

// Handlers receives server pushes. Callbacks run on the read loop goroutine;
// nil fields are skipped.
type Handlers struct {
	OnHello       func(id, displayName string)
	OnRequireName func(reason string)
	OnUsers       func(users []proto.UserEntry)
	OnFriends     func(friends []proto.FriendEntry)
	OnPlayback    func(djID string, snap playback.Snapshot)
}

// Client is one live relay connection. Reconnecting is the caller's loop: a
// fresh Dial means a fresh identify and a fresh reconciliation baseline.
type Client struct {
	conn     *websocket.Conn
	clock    clockwork.Clock
	cfg      Config
	handlers Handlers
	log      zerolog.Logger
	baseLog  *zerolog.Logger

	est *clocksync.Estimator
	rec *playback.Reconciler

	runCtx context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	closed bool
	err    error
}

// Dial connects to the relay and starts the read and clock sync loops. ctx
// bounds the handshake only; the connection lives until Close.
func Dial(ctx context.Context, cfg Config, handlers Handlers, logger *zerolog.Logger) (*Client, error) {
	if cfg.ResyncInterval <= 0 {
		cfg.ResyncInterval = DefaultResyncInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	conn, _, err := websocket.Dial(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}

	lg := zerolog.Nop()
	if logger != nil {
		lg = logger.With().Str("component", "client").Logger()
	}

	c := &Client{
		conn:     conn,
		clock:    cfg.Clock,
		cfg:      cfg,
		handlers: handlers,
		log:      lg,
		baseLog:  logger,
		done:     make(chan struct{}),
	}
	c.est = clocksync.NewEstimator(c, cfg.Clock, logger)
	if cfg.Player != nil {
		c.rec = playback.NewReconciler(cfg.Player, cfg.Reconciler, cfg.Clock, logger)
	}

	c.runCtx, c.cancel = context.WithCancel(context.Background())
	go c.readLoop()
	go c.syncLoop()

	return c, nil
}

// Close tears the connection down and waits for the read loop to stop. Safe
// to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	_ = c.conn.Close(websocket.StatusNormalClosure, "bye")
	<-c.done
	return nil
}

// Done is closed once the connection is gone, whichever side ended it.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the read loop stopped; nil after a clean Close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Identify binds this connection to an identity. The id is the caller's
// stable opaque token; displayName may be empty for a returning identity.
func (c *Client) Identify(id, displayName string) error {
	return c.send(proto.TypeIdentify, proto.IdentifyPayload{ID: id, DisplayName: displayName})
}

// SetName sets or replaces the identity's display name.
func (c *Client) SetName(displayName string) error {
	return c.send(proto.TypeSetName, proto.SetNamePayload{DisplayName: displayName})
}

// SetDJ toggles broadcaster status for this identity.
func (c *Client) SetDJ(on bool) error {
	return c.send(proto.TypeSetDJ, proto.SetDJPayload{On: on})
}

// Follow attaches this session to a broadcaster's timeline. Local smoothing
// state is cleared first so the next snapshot applies as a fresh transition.
func (c *Client) Follow(djID string) error {
	if c.rec != nil {
		c.rec.Reset()
	}
	return c.send(proto.TypeFollow, proto.FollowPayload{DJID: djID})
}

// Unfollow detaches from the current broadcaster and clears smoothing state.
func (c *Client) Unfollow() error {
	if c.rec != nil {
		c.rec.Reset()
	}
	return c.send(proto.TypeUnfollow, nil)
}

// AddFriend adds a symmetric friend edge to the given identity.
func (c *Client) AddFriend(friendID string) error {
	return c.send(proto.TypeAddFriend, proto.FriendPayload{FriendID: friendID})
}

// RemoveFriend removes the symmetric friend edge to the given identity.
func (c *Client) RemoveFriend(friendID string) error {
	return c.send(proto.TypeRemoveFriend, proto.FriendPayload{FriendID: friendID})
}

// ListUsers requests a fresh visible-user list push.
func (c *Client) ListUsers() error {
	return c.send(proto.TypeListUsers, nil)
}

// ListFriends requests a fresh friend list push.
func (c *Client) ListFriends() error {
	return c.send(proto.TypeListFriends, nil)
}

// StartBroadcast flags the identity as a broadcaster and streams snapshots
// from src until ctx is cancelled. It blocks for the duration; the registry
// entry deliberately survives the stream ending, use SetDJ(false) to clear
// it.
func (c *Client) StartBroadcast(ctx context.Context, src playback.Source, period time.Duration) error {
	if err := c.SetDJ(true); err != nil {
		return err
	}

	emitter := playback.NewEmitter(src, period, c.clock, c.Offset, c.baseLog)
	return emitter.Run(ctx, c.sendPlayback)
}

// Offset returns the current clock offset estimate (remote minus local, in
// seconds) and whether a sync round has completed yet.
func (c *Client) Offset() (float64, bool) {
	est, ok := c.est.Last()
	if !ok {
		return 0, false
	}
	return est.Offset, true
}

// SendProbe sends one clock probe frame. It is the clocksync.Prober hookup
// and not meant to be called directly.
func (c *Client) SendProbe(clientTime float64) error {
	return c.send(proto.TypeClockPing, proto.ClockPingPayload{ClientTime: clientTime})
}

func (c *Client) send(frameType string, payload any) error {
	frame, err := proto.NewFrame(frameType, payload)
	if err != nil {
		return fmt.Errorf("build %s frame: %w", frameType, err)
	}
	if err := wsjson.Write(c.runCtx, c.conn, frame); err != nil {
		return fmt.Errorf("send %s: %w", frameType, err)
	}
	return nil
}

func (c *Client) sendPlayback(snap playback.Snapshot) error {
	return c.send(proto.TypePlayback, proto.PlaybackPayload{
		Position:        snap.Position,
		IsPlaying:       snap.Playing,
		ServerTimestamp: snap.ServerTime,
		CatalogID:       snap.Track.CatalogID,
		LocalID:         snap.Track.LocalID,
		Title:           snap.Title,
		Artist:          snap.Artist,
	})
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer c.cancel()

	for {
		var frame proto.Frame
		if err := wsjson.Read(c.runCtx, c.conn, &frame); err != nil {
			if c.runCtx.Err() == nil {
				c.log.Debug().Err(err).Msg("connection ended")
				c.mu.Lock()
				if c.err == nil {
					c.err = err
				}
				c.mu.Unlock()
			}
			return
		}
		c.dispatch(frame)
	}
}

func (c *Client) dispatch(frame proto.Frame) {
	switch frame.Type {
	case proto.TypeHello:
		var p proto.HelloPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			c.log.Debug().Err(err).Msg("dropping malformed hello")
			return
		}
		if c.handlers.OnHello != nil {
			c.handlers.OnHello(p.ID, p.DisplayName)
		}
	case proto.TypeRequireName:
		var p proto.RequireNamePayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			c.log.Debug().Err(err).Msg("dropping malformed requireName")
			return
		}
		if c.handlers.OnRequireName != nil {
			c.handlers.OnRequireName(p.Reason)
		}
	case proto.TypeUsers:
		var p proto.UsersPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			c.log.Debug().Err(err).Msg("dropping malformed users")
			return
		}
		if c.handlers.OnUsers != nil {
			c.handlers.OnUsers(p.Users)
		}
	case proto.TypeFriends:
		var p proto.FriendsPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			c.log.Debug().Err(err).Msg("dropping malformed friends")
			return
		}
		if c.handlers.OnFriends != nil {
			c.handlers.OnFriends(p.Friends)
		}
	case proto.TypeClockPong:
		var p proto.ClockPongPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			c.log.Debug().Err(err).Msg("dropping malformed clock pong")
			return
		}
		c.est.HandleProbeReply(p.Echo, p.ServerTime, unixSeconds(c.clock.Now()))
	case proto.TypePlayback:
		var p proto.PlaybackPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			c.log.Debug().Err(err).Msg("dropping malformed playback")
			return
		}
		snap := playback.Snapshot{
			Position:   p.Position,
			Playing:    p.IsPlaying,
			ServerTime: p.ServerTimestamp,
			Track:      playback.TrackRef{CatalogID: p.CatalogID, LocalID: p.LocalID},
			Title:      p.Title,
			Artist:     p.Artist,
		}
		if c.rec != nil {
			off, _ := c.Offset()
			c.rec.Apply(snap, off)
		}
		if c.handlers.OnPlayback != nil {
			c.handlers.OnPlayback(p.DJID, snap)
		}
	default:
		c.log.Debug().Str("type", frame.Type).Msg("dropping unknown frame")
	}
}

// syncLoop runs a clock sync round at connect, then once per resync
// interval.
func (c *Client) syncLoop() {
	c.syncOnce()

	ticker := c.clock.NewTicker(c.cfg.ResyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.runCtx.Done():
			return
		case <-ticker.Chan():
			c.syncOnce()
		}
	}
}

func (c *Client) syncOnce() {
	est, err := c.est.PerformSync(c.runCtx, c.cfg.SyncSamples, c.cfg.SyncSpacing)
	if err != nil {
		if c.runCtx.Err() == nil {
			c.log.Warn().Err(err).Msg("clock sync failed")
		}
		return
	}
	c.log.Debug().
		Float64("offset", est.Offset).
		Float64("jitter", est.Jitter).
		Int("samples", est.Samples).
		Msg("clock synced")
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
