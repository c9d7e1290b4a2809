package playback

import (
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Config holds the reconciler's correction thresholds. Positions and drifts
// are in seconds. LeadBias is negative: the corrector aims slightly ahead of
// the literal reported position to absorb apply latency.
type Config struct {
	DriftTolerance  float64
	SmallDrift      float64
	MinSeekInterval time.Duration
	MinControlGap   time.Duration
	LeadBias        float64
	NudgeDelay      time.Duration
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{
		DriftTolerance:  0.35,
		SmallDrift:      0.08,
		MinSeekInterval: 1200 * time.Millisecond,
		MinControlGap:   800 * time.Millisecond,
		LeadBias:        -0.10,
		NudgeDelay:      1600 * time.Millisecond,
	}
}

// Reconciler turns inbound snapshots plus a clock offset into bounded local
// player corrections: replace track, seek, toggle play/pause, or nothing.
// All entry points serialize on one internal lock so a correction and an
// overlapping apply can never race; only the blocking ReplaceQueue call runs
// outside it.
type Reconciler struct {
	mu     sync.Mutex
	player Player
	clock  clockwork.Clock
	cfg    Config
	log    zerolog.Logger

	applied    TrackRef
	hasApplied bool
	lastSeek   time.Time
	lastToggle time.Time
	desired    *bool
	pending    *pendingReplace
	nudge      *nudgeTask
}

// pendingReplace tracks one in-flight queue replacement. cancelled is only
// touched under the reconciler lock.
type pendingReplace struct {
	track     TrackRef
	cancelled bool
}

// nudgeTask is the armed one-shot recheck that re-issues seek+play when the
// initial play command after a replace never landed.
type nudgeTask struct {
	track TrackRef
	timer clockwork.Timer
}

// NewReconciler builds a reconciler over the given player. A nil clock means
// the real clock; logger may be nil.
func NewReconciler(player Player, cfg Config, clock clockwork.Clock, logger *zerolog.Logger) *Reconciler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	lg := zerolog.Nop()
	if logger != nil {
		lg = logger.With().Str("component", "reconciler").Logger()
	}
	return &Reconciler{
		player: player,
		clock:  clock,
		cfg:    cfg,
		log:    lg,
	}
}

// Apply reconciles the local player against one snapshot. offset is the
// current clock offset estimate in seconds (remote minus local), zero when
// no sync has completed yet.
func (r *Reconciler) Apply(snap Snapshot, offset float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !snap.Track.IsZero() && (!r.hasApplied || !snap.Track.Same(r.applied)) {
		r.beginReplace(snap, offset)
		return
	}
	r.align(snap, offset)
}

// Reset clears all smoothing state so the next snapshot is handled as a
// fresh track transition. It must be called whenever the session starts or
// stops following a broadcaster.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pending != nil {
		r.pending.cancelled = true
		r.pending = nil
	}
	if r.nudge != nil {
		r.nudge.timer.Stop()
		r.nudge = nil
	}
	r.applied = TrackRef{}
	r.hasApplied = false
	r.lastSeek = time.Time{}
	r.lastToggle = time.Time{}
	r.desired = nil
}

// target computes the corrected position for a snapshot: the reported
// position advanced by the snapshot's age on the remote clock, then nudged
// ahead by the lead bias, floored at zero.
func (r *Reconciler) target(snap Snapshot, offset float64) float64 {
	pos := snap.Position
	if snap.ServerTime > 0 {
		age := unixSeconds(r.clock.Now()) - snap.ServerTime - offset
		if age > 0 {
			pos += age
		}
	}
	pos -= r.cfg.LeadBias
	return math.Max(0, pos)
}

func (r *Reconciler) beginReplace(snap Snapshot, offset float64) {
	if r.pending != nil {
		if r.pending.track.Same(snap.Track) {
			// Same identity already resolving; treat as satisfied.
			return
		}
		r.pending.cancelled = true
	}
	if r.nudge != nil && !r.nudge.track.Same(snap.Track) {
		r.nudge.timer.Stop()
		r.nudge = nil
	}

	p := &pendingReplace{track: snap.Track}
	r.pending = p
	r.log.Debug().Str("track", snap.Track.Key()).Msg("replacing queue")
	go r.resolve(p, snap, offset)
}

// resolve runs the potentially slow queue replacement off the timeline and
// commits the outcome back under the lock.
func (r *Reconciler) resolve(p *pendingReplace, snap Snapshot, offset float64) {
	err := r.player.ReplaceQueue(snap.Track)

	r.mu.Lock()
	defer r.mu.Unlock()
	if p.cancelled || r.pending != p {
		return
	}
	r.pending = nil
	if err != nil {
		// Abort silently; previously applied state stands.
		r.log.Debug().Err(err).Str("track", snap.Track.Key()).Msg("replace aborted")
		return
	}

	now := r.clock.Now()
	r.player.Seek(r.target(snap, offset))
	if snap.Playing {
		r.player.Play()
	} else {
		r.player.Pause()
	}
	r.applied = snap.Track
	r.hasApplied = true
	r.lastSeek = now
	r.lastToggle = now
	playing := snap.Playing
	r.desired = &playing

	if snap.Playing {
		r.armNudge(snap, offset)
	}
}

// armNudge schedules the one-shot recheck bound to this replace's track.
func (r *Reconciler) armNudge(snap Snapshot, offset float64) {
	if r.nudge != nil {
		r.nudge.timer.Stop()
	}
	task := &nudgeTask{track: snap.Track}
	task.timer = r.clock.AfterFunc(r.cfg.NudgeDelay, func() {
		r.fireNudge(task, snap, offset)
	})
	r.nudge = task
}

func (r *Reconciler) fireNudge(task *nudgeTask, snap Snapshot, offset float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.nudge != task {
		return
	}
	r.nudge = nil
	if r.desired == nil || !*r.desired {
		// Playback was paused on purpose since the replace.
		return
	}
	if r.player.Playing() {
		return
	}

	now := r.clock.Now()
	r.log.Debug().Str("track", task.track.Key()).Msg("play never started, nudging")
	r.player.Seek(r.target(snap, offset))
	r.player.Play()
	r.lastSeek = now
	r.lastToggle = now
}

// align smooths position and play state on the current track without
// touching the queue.
func (r *Reconciler) align(snap Snapshot, offset float64) {
	now := r.clock.Now()
	target := r.target(snap, offset)
	drift := target - r.player.Position()

	tolerance := r.cfg.SmallDrift
	if snap.Playing {
		tolerance = r.cfg.DriftTolerance
	}
	if math.Abs(drift) > tolerance && now.Sub(r.lastSeek) > r.cfg.MinSeekInterval {
		r.player.Seek(target)
		r.lastSeek = now
		r.log.Debug().Float64("drift", drift).Float64("target", target).Msg("corrected drift")
	}

	if (r.desired == nil || *r.desired != snap.Playing) && now.Sub(r.lastToggle) > r.cfg.MinControlGap {
		if snap.Playing {
			r.player.Play()
		} else {
			r.player.Pause()
		}
		r.lastToggle = now
		playing := snap.Playing
		r.desired = &playing
	}
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
