// Package poller runs the telemetry resolver on a fixed period and
// holds the single current snapshot. Consumers read or subscribe
// without ever blocking on a slow resolve.
package poller

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/flippermon/internal/errors"
	"codeberg.org/mutker/flippermon/internal/logger"
	"codeberg.org/mutker/flippermon/internal/metrics"
)

const (
	MinInterval = 1 * time.Second
	MaxInterval = 1 * time.Hour
)

// Resolver produces one consistent snapshot per run.
type Resolver interface {
	Resolve(ctx context.Context) *metrics.Snapshot
}

// Poller owns the current snapshot exclusively and replaces it
// atomically; readers never observe a torn snapshot.
type Poller struct {
	resolver   Resolver
	staleAfter time.Duration

	interval atomic.Int64 // nanoseconds; mutable at runtime
	current  atomic.Pointer[metrics.Snapshot]
	kick     chan struct{}

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

func New(resolver Resolver, interval, staleAfter time.Duration) (*Poller, error) {
	errFactory := errors.New()
	if interval < MinInterval || interval > MaxInterval {
		return nil, errFactory.WithData(errors.ErrInvalidInterval, interval)
	}

	p := &Poller{
		resolver:   resolver,
		staleAfter: staleAfter,
		kick:       make(chan struct{}, 1),
		subs:       make(map[*subscriber]struct{}),
	}
	p.interval.Store(int64(interval))
	return p, nil
}

// Run polls until the context is canceled. The first resolve happens
// immediately so consumers have a snapshot before the first tick.
func (p *Poller) Run(ctx context.Context) error {
	p.cycle(ctx)

	timer := time.NewTimer(p.Interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			p.closeSubscribers()
			return nil
		case <-timer.C:
			p.cycle(ctx)
		case <-p.kick:
			p.cycle(ctx)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		// Re-arm from the current interval so SetInterval takes
		// effect without restarting the loop.
		timer.Reset(p.Interval())
	}
}

// Current returns the latest snapshot, or nil before the first cycle.
func (p *Poller) Current() *metrics.Snapshot {
	return p.current.Load()
}

// Interval returns the active poll period.
func (p *Poller) Interval() time.Duration {
	return time.Duration(p.interval.Load())
}

// SetInterval changes the poll period for subsequent cycles without
// restarting the loop.
func (p *Poller) SetInterval(interval time.Duration) error {
	if interval < MinInterval || interval > MaxInterval {
		return errors.New().WithData(errors.ErrInvalidInterval, interval)
	}
	p.interval.Store(int64(interval))
	logger.Info().Dur("interval", interval).Msg("Poll interval changed")
	return nil
}

// PollNow schedules an immediate resolve ahead of the next tick.
func (p *Poller) PollNow() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Subscribe registers a listener for new snapshots. The channel holds
// only the latest snapshot; a slow consumer sees drops, never a queue.
func (p *Poller) Subscribe() (<-chan *metrics.Snapshot, func()) {
	sub := newSubscriber()

	p.mu.Lock()
	p.subs[sub] = struct{}{}
	p.mu.Unlock()

	if snapshot := p.Current(); snapshot != nil {
		sub.send(snapshot)
	}

	unsubscribe := func() {
		p.mu.Lock()
		delete(p.subs, sub)
		p.mu.Unlock()
		sub.close()
	}
	return sub.channel(), unsubscribe
}

func (p *Poller) cycle(ctx context.Context) {
	snapshot := p.resolver.Resolve(ctx)
	if ctx.Err() != nil {
		return
	}

	if snapshot.AllUnavailable() {
		if previous := p.current.Load(); previous != nil {
			// Keep serving the last good snapshot with a stale
			// marker instead of replacing it with nothing.
			retained := previous.Clone()
			retained.Stale = true
			retained.Degraded = time.Since(previous.Timestamp) > p.staleAfter
			p.publish(retained)
			return
		}
		snapshot.Degraded = true
	}

	p.publish(snapshot)
}

func (p *Poller) publish(snapshot *metrics.Snapshot) {
	p.current.Store(snapshot)

	p.mu.Lock()
	targets := make([]*subscriber, 0, len(p.subs))
	for sub := range p.subs {
		targets = append(targets, sub)
	}
	p.mu.Unlock()

	for _, sub := range targets {
		sub.send(snapshot)
	}
}

func (p *Poller) closeSubscribers() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for sub := range p.subs {
		sub.close()
	}
	p.subs = make(map[*subscriber]struct{})
}

type subscriber struct {
	ch     chan *metrics.Snapshot
	mu     sync.Mutex
	closed bool
}

func newSubscriber() *subscriber {
	return &subscriber{ch: make(chan *metrics.Snapshot, 1)}
}

func (s *subscriber) channel() <-chan *metrics.Snapshot {
	return s.ch
}

func (s *subscriber) send(snapshot *metrics.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- snapshot:
		return
	default:
	}
	// Drop the superseded snapshot; the peripheral only ever needs
	// the latest state.
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- snapshot:
	default:
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	close(s.ch)
	s.closed = true
}
