package playback

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// DefaultEmitPeriod is how often a broadcasting session samples its player.
const DefaultEmitPeriod = 500 * time.Millisecond

// Emitter periodically samples a playback source and hands snapshots to a
// send function. Snapshots are stamped with the estimated remote time when
// an offset is available; otherwise ServerTime stays zero and the receiving
// side stamps on accept.
type Emitter struct {
	src    Source
	period time.Duration
	clock  clockwork.Clock
	offset func() (float64, bool)
	log    zerolog.Logger
}

// NewEmitter builds an emitter over src. offset reports the current clock
// offset estimate and whether one exists; it may be nil. A nil clock means
// the real clock; logger may be nil.
func NewEmitter(src Source, period time.Duration, clock clockwork.Clock, offset func() (float64, bool), logger *zerolog.Logger) *Emitter {
	if period <= 0 {
		period = DefaultEmitPeriod
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if offset == nil {
		offset = func() (float64, bool) { return 0, false }
	}
	lg := zerolog.Nop()
	if logger != nil {
		lg = logger.With().Str("component", "emitter").Logger()
	}
	return &Emitter{
		src:    src,
		period: period,
		clock:  clock,
		offset: offset,
		log:    lg,
	}
}

// Run emits one snapshot right away, then one per period until ctx is
// cancelled. On cancellation it sends a final snapshot with Playing forced
// false so listeners pause instead of drifting on, then returns ctx.Err().
// A send failure mid-stream stops the loop and is returned.
func (e *Emitter) Run(ctx context.Context, send func(Snapshot) error) error {
	if err := send(e.snapshot()); err != nil {
		return err
	}

	ticker := e.clock.NewTicker(e.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			final := e.snapshot()
			final.Playing = false
			if err := send(final); err != nil {
				e.log.Debug().Err(err).Msg("final snapshot not delivered")
			}
			return ctx.Err()
		case <-ticker.Chan():
			if err := send(e.snapshot()); err != nil {
				return err
			}
		}
	}
}

func (e *Emitter) snapshot() Snapshot {
	title, artist := e.src.TrackInfo()
	snap := Snapshot{
		Position: e.src.Position(),
		Playing:  e.src.Playing(),
		Track:    e.src.CurrentTrack(),
		Title:    title,
		Artist:   artist,
	}
	if off, ok := e.offset(); ok {
		snap.ServerTime = unixSeconds(e.clock.Now()) + off
	}
	return snap
}
