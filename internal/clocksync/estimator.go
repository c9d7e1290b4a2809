// Package clocksync estimates the offset between the local wall clock and a
// remote peer's clock from echoed time probes. All wire times are unix
// seconds as float64.
package clocksync

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const (
	// DefaultSampleCount probes per sync round.
	DefaultSampleCount = 5
	// DefaultSampleInterval between probes within a round.
	DefaultSampleInterval = 300 * time.Millisecond
)

// ErrNoSamples means a sync round finished without a single usable reply.
var ErrNoSamples = errors.New("clocksync: no samples collected")

// Prober sends one time probe carrying the local send time. The peer is
// expected to echo that value back together with its own receive time.
type Prober interface {
	SendProbe(clientTime float64) error
}

// Sample is one completed probe round trip.
type Sample struct {
	ClientSend    float64
	ServerReceive float64
	ClientReceive float64
}

// RTT is the round trip in seconds. A zero send time degrades to the raw
// receive time so a half-formed sample still yields a finite value.
func (s Sample) RTT() float64 {
	if s.ClientSend == 0 {
		return s.ClientReceive
	}
	return s.ClientReceive - s.ClientSend
}

// OffsetEstimate assumes a symmetric path: remote "now" at the moment the
// reply lands is the server receive time plus half the round trip.
func (s Sample) OffsetEstimate() float64 {
	return s.ServerReceive + s.RTT()/2 - s.ClientReceive
}

// Estimate is the aggregate of one sync round. Offset is remote minus local
// in seconds, Jitter the median round trip.
type Estimate struct {
	Offset  float64
	Jitter  float64
	Samples int
}

// Estimator runs probe rounds against a peer and aggregates replies.
// HandleProbeReply is safe to call from the transport read loop while
// PerformSync is in progress.
type Estimator struct {
	mu          sync.Mutex
	prober      Prober
	clock       clockwork.Clock
	log         zerolog.Logger
	outstanding map[float64]struct{}
	samples     []Sample
	last        *Estimate
}

// NewEstimator builds an estimator probing through p. A nil clock means the
// real clock; logger may be nil.
func NewEstimator(p Prober, clock clockwork.Clock, logger *zerolog.Logger) *Estimator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	lg := zerolog.Nop()
	if logger != nil {
		lg = logger.With().Str("component", "clocksync").Logger()
	}
	return &Estimator{
		prober:      p,
		clock:       clock,
		log:         lg,
		outstanding: make(map[float64]struct{}),
	}
}

// PerformSync runs one full sync round: samples probes, the first sent
// immediately and the rest spaced by interval, then one extra interval for
// stragglers before aggregating. Prior samples are discarded at the start of
// every round. Probes that never receive a reply simply drop out of the
// sample set.
func (e *Estimator) PerformSync(ctx context.Context, samples int, interval time.Duration) (Estimate, error) {
	if samples <= 0 {
		samples = DefaultSampleCount
	}
	if interval <= 0 {
		interval = DefaultSampleInterval
	}

	e.mu.Lock()
	e.samples = e.samples[:0]
	e.outstanding = make(map[float64]struct{})
	e.mu.Unlock()

	if err := e.sendProbe(); err != nil {
		return Estimate{}, err
	}

	ticker := e.clock.NewTicker(interval)
	defer ticker.Stop()
	for sent := 1; sent < samples; {
		select {
		case <-ctx.Done():
			return Estimate{}, ctx.Err()
		case <-ticker.Chan():
			if err := e.sendProbe(); err != nil {
				return Estimate{}, err
			}
			sent++
		}
	}

	// One settle interval so the last probe has a chance to come back.
	select {
	case <-ctx.Done():
		return Estimate{}, ctx.Err()
	case <-ticker.Chan():
	}

	return e.aggregate()
}

// HandleProbeReply feeds one reply into the current round. echo must match
// an outstanding probe's send time exactly; anything else (late, duplicate,
// never sent) is dropped.
func (e *Estimator) HandleProbeReply(echo, serverTime, clientReceive float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.outstanding[echo]; !ok {
		e.log.Debug().Float64("echo", echo).Msg("dropping unmatched probe reply")
		return
	}
	delete(e.outstanding, echo)
	e.samples = append(e.samples, Sample{
		ClientSend:    echo,
		ServerReceive: serverTime,
		ClientReceive: clientReceive,
	})
}

// Last returns the most recent completed estimate, if any.
func (e *Estimator) Last() (Estimate, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return Estimate{}, false
	}
	return *e.last, true
}

func (e *Estimator) sendProbe() error {
	now := unixSeconds(e.clock.Now())

	e.mu.Lock()
	e.outstanding[now] = struct{}{}
	e.mu.Unlock()

	if err := e.prober.SendProbe(now); err != nil {
		e.mu.Lock()
		delete(e.outstanding, now)
		e.mu.Unlock()
		return err
	}
	return nil
}

func (e *Estimator) aggregate() (Estimate, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.samples) == 0 {
		return Estimate{}, ErrNoSamples
	}

	offsets := make([]float64, 0, len(e.samples))
	rtts := make([]float64, 0, len(e.samples))
	for _, s := range e.samples {
		offsets = append(offsets, s.OffsetEstimate())
		rtts = append(rtts, s.RTT())
	}

	est := Estimate{
		Offset:  median(offsets),
		Jitter:  median(rtts),
		Samples: len(e.samples),
	}
	e.last = &est
	e.log.Debug().
		Float64("offset", est.Offset).
		Float64("jitter", est.Jitter).
		Int("samples", est.Samples).
		Msg("sync round complete")
	return est, nil
}

// median sorts in place. Even counts average the middle two.
func median(values []float64) float64 {
	sort.Float64s(values)
	n := len(values)
	if n%2 == 1 {
		return values[n/2]
	}
	return (values[n/2-1] + values[n/2]) / 2
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
