// Package poller drives the acquisition loop: it samples the configured
// source on a fixed interval and publishes every result, successful or not,
// to the in-memory store and the persisted log.
package poller

import (
	"context"
	"log/slog"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/gridsight/gridsight/pkg/log"
	"github.com/gridsight/gridsight/pkg/source"
	"github.com/gridsight/gridsight/pkg/storage"
	"github.com/gridsight/gridsight/pkg/types"
)

// Poller samples one source on a fixed cadence.
type Poller struct {
	src      source.Source
	store    *storage.Store
	interval time.Duration
}

// Configured sets up the poller for the given source and store based on
// flags.
func Configured(srcs *source.Sources, store *storage.Store) *Poller {
	interval := lflag.Duration("poll-interval", 5*time.Second, "How often to sample the telemetry source")

	p := &Poller{}

	lflag.Do(func() {
		p.src = srcs.Source
		p.store = store
		p.interval = *interval
	})

	return p
}

// New creates a poller without flags, for tests.
func New(src source.Source, store *storage.Store, interval time.Duration) *Poller {
	return &Poller{src: src, store: store, interval: interval}
}

// Interval returns the configured poll interval.
func (p *Poller) Interval() time.Duration {
	return p.interval
}

// Run polls until ctx is canceled. It never returns a non-ctx error: a failed
// or timed-out sample becomes a disconnected reading so consumers always see
// fresh state.
func (p *Poller) Run(ctx context.Context) error {
	log.Ctx(ctx).InfoContext(ctx, "starting poll loop",
		slog.Duration("interval", p.interval))

	// first sample immediately, then on the ticker
	p.cycle(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.cycle(ctx)
		}
	}
}

// cycle takes one sample and publishes it. The sample gets a deadline
// strictly shorter than the interval so a wedged source cannot make cycles
// pile up; an over-deadline sample is abandoned and recorded as disconnected.
func (p *Poller) cycle(ctx context.Context) {
	budget := p.interval * 4 / 5
	if budget <= 0 {
		budget = p.interval
	}
	sampleCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	type result struct {
		reading types.Reading
		err     error
	}
	ch := make(chan result, 1)
	go func() {
		r, err := p.src.Sample(sampleCtx)
		ch <- result{reading: r, err: err}
	}()

	var res result
	select {
	case res = <-ch:
	case <-sampleCtx.Done():
		res.err = sampleCtx.Err()
	}

	if res.err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Ctx(ctx).WarnContext(ctx, "sample failed",
			slog.Any("error", res.err))
		res.reading = types.Reading{
			Timestamp: time.Now(),
			Connected: false,
		}
	}

	p.store.Memory.Publish(res.reading)
	p.store.Log.Append(res.reading)
	log.Ctx(ctx).DebugContext(ctx, "published reading",
		slog.Bool("connected", res.reading.Connected),
		slog.Float64("solarKW", res.reading.SolarKW),
		slog.Float64("loadKW", res.reading.LoadKW))
}
