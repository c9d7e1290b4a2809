package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	stdhttp "net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/nevotalya/dj-server/internal/core"
	"github.com/nevotalya/dj-server/internal/proto"
)

// WSHandler upgrades HTTP connections and bridges them to core sessions.
type WSHandler struct {
	hub       *core.Hub
	clock     clockwork.Clock
	heartbeat time.Duration
	budget    int
	log       *zerolog.Logger
}

// NewWSHandler builds a new WebSocket handler. heartbeat is the ping period
// (zero disables pings); budget caps inbound frames per connection per
// minute (zero disables the cap).
func NewWSHandler(hub *core.Hub, clock clockwork.Clock, heartbeat time.Duration, budget int, logger *zerolog.Logger) stdhttp.Handler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &WSHandler{hub: hub, clock: clock, heartbeat: heartbeat, budget: budget, log: logger}
}

func (h *WSHandler) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	ctx := r.Context()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "internal error")

	session := core.NewSession()
	h.hub.Register(session)
	// Closing Commands is the disconnect signal; the read loop is the only
	// sender and has exited by the time the deferred close runs.
	defer close(session.Commands)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 3)
	go func() {
		errCh <- h.readLoop(ctx, conn, session)
	}()
	go func() {
		errCh <- h.writeLoop(ctx, conn, session)
	}()
	go func() {
		errCh <- h.heartbeatLoop(ctx, conn)
	}()

	err = <-errCh
	cancel() // stop the other goroutines
	<-errCh
	<-errCh

	status := websocket.StatusNormalClosure
	reason := "closing"
	if err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, io.EOF) {
			err = nil
		}
		if s := websocket.CloseStatus(err); s != -1 {
			status = s
			if s == websocket.StatusNormalClosure || s == websocket.StatusGoingAway {
				err = nil
			}
		}
		if err != nil {
			if status == websocket.StatusNormalClosure {
				status = websocket.StatusInternalError
			}
			reason = err.Error()
			h.log.Warn().Err(err).Str("sid", session.SID).Msg("ws connection closed with error")
		}
	}

	conn.Close(status, reason)
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, session *core.Session) error {
	limiter := newFrameLimiter(h.budget)
	limiter.startReset(ctx, h.clock)

	for {
		var frame proto.Frame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return err
		}
		if !limiter.allow() {
			h.log.Warn().Str("sid", session.SID).Str("type", frame.Type).Msg("frame budget exceeded, dropping")
			continue
		}

		// Clock probes are answered from the read loop so the stamped time
		// reflects frame receipt, not hub scheduling.
		if frame.Type == proto.TypeClockPing {
			if err := h.answerClockPing(ctx, conn, session, frame); err != nil {
				return err
			}
			continue
		}

		cmd, err := frameToCommand(frame)
		if err != nil {
			h.log.Debug().Err(err).Str("sid", session.SID).Msg("dropping unreadable frame")
			continue
		}

		select {
		case session.Commands <- cmd:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (h *WSHandler) answerClockPing(ctx context.Context, conn *websocket.Conn, session *core.Session, frame proto.Frame) error {
	received := unixSeconds(h.clock.Now())

	var ping proto.ClockPingPayload
	if err := json.Unmarshal(frame.Payload, &ping); err != nil {
		h.log.Debug().Err(err).Str("sid", session.SID).Msg("dropping malformed clock ping")
		return nil
	}

	pong, err := proto.NewFrame(proto.TypeClockPong, proto.ClockPongPayload{
		ServerTime: received,
		Echo:       ping.ClientTime,
	})
	if err != nil {
		return err
	}
	return wsjson.Write(ctx, conn, pong)
}

func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, session *core.Session) error {
	for {
		select {
		case ev, ok := <-session.Events:
			if !ok {
				return nil
			}
			frame, err := eventToFrame(ev)
			if err != nil {
				h.log.Error().Err(err).Str("sid", session.SID).Msg("unmappable event")
				continue
			}
			if err := wsjson.Write(ctx, conn, frame); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// heartbeatLoop pings the peer every period and gives up on the connection
// when a ping is not acknowledged within one period.
func (h *WSHandler) heartbeatLoop(ctx context.Context, conn *websocket.Conn) error {
	if h.heartbeat <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := h.clock.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			pingCtx, cancel := context.WithTimeout(ctx, h.heartbeat)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
		}
	}
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
