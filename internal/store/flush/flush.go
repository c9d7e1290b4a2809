// Package flush batches store writes behind a debounce timer so the callers
// that produce them never block on disk.
package flush

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/nevotalya/dj-server/internal/store"
)

const (
	// DefaultDelay is the quiet period before a flush.
	DefaultDelay = 750 * time.Millisecond

	writeTimeout = 5 * time.Second
)

// edgeOp is one queued friend-graph mutation. Order matters: an add followed
// by a remove of the same pair must land in that order.
type edgeOp struct {
	add  bool
	a, b string
}

// Debouncer is a write-behind persister. Marking methods only record dirt
// and (re)arm the timer; actual writes happen on the timer's goroutine.
// Identity saves coalesce by id, the latest record wins. Close forces a
// final flush.
type Debouncer struct {
	mu      sync.Mutex
	st      store.Store
	clock   clockwork.Clock
	delay   time.Duration
	log     zerolog.Logger
	timer   clockwork.Timer
	pending map[string]store.Identity
	edges   []edgeOp
	closed  bool
}

// NewDebouncer wraps st. delay <= 0 means DefaultDelay; a nil clock means
// the real clock; logger may be nil.
func NewDebouncer(st store.Store, delay time.Duration, clock clockwork.Clock, logger *zerolog.Logger) *Debouncer {
	if delay <= 0 {
		delay = DefaultDelay
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	lg := zerolog.Nop()
	if logger != nil {
		lg = logger.With().Str("component", "flush").Logger()
	}
	return &Debouncer{
		st:      st,
		clock:   clock,
		delay:   delay,
		log:     lg,
		pending: make(map[string]store.Identity),
	}
}

// SaveIdentity marks rec dirty for the next flush.
func (d *Debouncer) SaveIdentity(rec store.Identity) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.pending[rec.ID] = rec
	d.arm()
}

// AddFriend queues a symmetric edge addition.
func (d *Debouncer) AddFriend(a, b string) {
	d.queueEdge(edgeOp{add: true, a: a, b: b})
}

// RemoveFriend queues a symmetric edge removal.
func (d *Debouncer) RemoveFriend(a, b string) {
	d.queueEdge(edgeOp{add: false, a: a, b: b})
}

func (d *Debouncer) queueEdge(op edgeOp) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.edges = append(d.edges, op)
	d.arm()
}

// arm starts or restarts the debounce window. Caller holds the lock.
func (d *Debouncer) arm() {
	if d.timer == nil {
		d.timer = d.clock.AfterFunc(d.delay, d.flushNow)
		return
	}
	d.timer.Reset(d.delay)
}

func (d *Debouncer) flushNow() {
	d.mu.Lock()
	idents := d.pending
	edges := d.edges
	d.pending = make(map[string]store.Identity)
	d.edges = nil
	d.mu.Unlock()

	d.write(idents, edges)
}

// write performs the actual store IO. Identities go first so edge rows never
// point at records the same batch was about to create.
func (d *Debouncer) write(idents map[string]store.Identity, edges []edgeOp) {
	if len(idents) == 0 && len(edges) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	for _, rec := range idents {
		if err := d.st.SaveIdentity(ctx, rec); err != nil {
			d.log.Error().Err(err).Str("identity", rec.ID).Msg("identity flush failed")
		}
	}
	for _, op := range edges {
		var err error
		if op.add {
			err = d.st.AddFriendEdge(ctx, op.a, op.b)
		} else {
			err = d.st.RemoveFriendEdge(ctx, op.a, op.b)
		}
		if err != nil {
			d.log.Error().Err(err).Str("a", op.a).Str("b", op.b).Msg("friend edge flush failed")
		}
	}
	d.log.Debug().Int("identities", len(idents)).Int("edges", len(edges)).Msg("flushed")
}

// Close stops the timer and flushes whatever is still dirty. The underlying
// store is not closed.
func (d *Debouncer) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	if d.timer != nil {
		d.timer.Stop()
	}
	idents := d.pending
	edges := d.edges
	d.pending = make(map[string]store.Identity)
	d.edges = nil
	d.mu.Unlock()

	d.write(idents, edges)
	return nil
}
