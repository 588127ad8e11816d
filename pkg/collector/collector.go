// Package collector polls every catalog series from the tag source on a
// fixed cadence and writes one raw point per series per tick. Tick timing is
// anchored to the wall clock so a slow read never drifts the schedule, and
// ticks are strictly serialized: the next one waits for the one in flight.
package collector

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"github.com/loopscope/historian/pkg/catalog"
	"github.com/loopscope/historian/pkg/db/historian"
	"github.com/loopscope/historian/pkg/retry"
	"github.com/loopscope/historian/pkg/source"
)

// State is the collector's connection state toward the tag source.
type State int32

const (
	// StateConnected is normal operation: every tick polls and writes.
	StateConnected State = iota
	// StateDegraded suspends polling until a backoff deadline passes.
	StateDegraded
	// StateReconnecting is the probe tick after a backoff deadline.
	StateReconnecting
	// StateStopped is terminal, reached only through Run returning.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// RawWriter persists a batch of raw points. *historian.Store satisfies it.
type RawWriter interface {
	InsertRaw(ctx context.Context, points []historian.Point) error
}

// Publisher pushes freshly collected points onto a live bus for dashboards
// tailing current values. Publishing is best effort; a bus outage never
// affects collection.
type Publisher interface {
	PublishPoint(ctx context.Context, point historian.Point) error
}

// Snapshotter hands out immutable catalog views. *catalog.Registry
// satisfies it.
type Snapshotter interface {
	Snapshot() *catalog.Snapshot
}

// Stats is a point-in-time view of the collector's counters.
type Stats struct {
	Ticks        uint64
	SkippedTicks uint64
	Points       uint64
	DroppedWrite uint64
	FieldFaults  uint64
	// LossesByLoop counts points dropped per loop after write retries ran
	// out.
	LossesByLoop map[string]int64
}

// Collector owns the tick loop.
type Collector struct {
	log     *zap.Logger
	reader  source.Reader
	writer  RawWriter
	catalog Snapshotter
	pub     Publisher

	interval   time.Duration
	workers    int
	writeRetry retry.Config

	state    atomic.Int32
	backoff  *retry.Backoff
	resumeAt time.Time

	ticks        *xsync.Counter
	skipped      *xsync.Counter
	points       *xsync.Counter
	dropped      *xsync.Counter
	fieldFaults  *xsync.Counter
	lossesByLoop *xsync.Map[string, *xsync.Counter]

	now func() time.Time
}

// Option tunes a Collector.
type Option func(*Collector)

// WithWorkers bounds concurrent source reads within one tick.
func WithWorkers(n int) Option {
	return func(c *Collector) { c.workers = n }
}

// WithPublisher attaches a live bus.
func WithPublisher(p Publisher) Option {
	return func(c *Collector) { c.pub = p }
}

// WithWriteRetry overrides the store-write retry policy.
func WithWriteRetry(cfg retry.Config) Option {
	return func(c *Collector) { c.writeRetry = cfg }
}

// WithReconnectBackoff overrides the degraded-state backoff policy.
func WithReconnectBackoff(cfg retry.Config) Option {
	return func(c *Collector) { c.backoff = retry.NewBackoff(cfg) }
}

// WithClock overrides the schedule clock.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

// New builds a Collector polling at the given interval.
func New(logger *zap.Logger, reader source.Reader, writer RawWriter, snap Snapshotter, interval time.Duration, opts ...Option) *Collector {
	c := &Collector{
		log:          logger,
		reader:       reader,
		writer:       writer,
		catalog:      snap,
		interval:     interval,
		workers:      8,
		writeRetry:   retry.Config{MaxRetries: 3, InitialDelay: 50 * time.Millisecond, MaxDelay: 500 * time.Millisecond, Multiplier: 2.0, JitterEnabled: true},
		backoff:      retry.NewBackoff(retry.DefaultConfig()),
		ticks:        xsync.NewCounter(),
		skipped:      xsync.NewCounter(),
		points:       xsync.NewCounter(),
		dropped:      xsync.NewCounter(),
		fieldFaults:  xsync.NewCounter(),
		lossesByLoop: xsync.NewMap[string, *xsync.Counter](),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current connection state.
func (c *Collector) State() State {
	return State(c.state.Load())
}

// Stats returns current counter values.
func (c *Collector) Stats() Stats {
	s := Stats{
		Ticks:        uint64(c.ticks.Value()),
		SkippedTicks: uint64(c.skipped.Value()),
		Points:       uint64(c.points.Value()),
		DroppedWrite: uint64(c.dropped.Value()),
		FieldFaults:  uint64(c.fieldFaults.Value()),
		LossesByLoop: make(map[string]int64),
	}
	c.lossesByLoop.Range(func(loop string, counter *xsync.Counter) bool {
		s.LossesByLoop[loop] = counter.Value()
		return true
	})
	return s
}

// Run drives the tick loop until ctx is cancelled, then finishes the
// in-flight tick and returns. Cancellation is observed only between ticks:
// a tick that has started runs to completion, reads and write included, on
// a context detached from the caller's, so shutdown never tears a sample
// mid-write. Ticks fire on wall-clock multiples of the interval; a tick
// that overruns makes the next one fire immediately, and falling further
// behind re-anchors the schedule instead of replaying missed ticks.
func (c *Collector) Run(ctx context.Context) error {
	defer c.state.Store(int32(StateStopped))

	next := c.now().Truncate(c.interval).Add(c.interval)
	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		tickCtx, cancelTick := context.WithTimeout(context.WithoutCancel(ctx), c.tickBudget())
		c.tick(tickCtx, next)
		cancelTick()

		next = next.Add(c.interval)
		if behind := c.now().Sub(next); behind > c.interval {
			next = c.now().Truncate(c.interval).Add(c.interval)
		}
		timer.Reset(time.Until(next))
	}
}

// tickBudget bounds how long one tick may run once started. Generous enough
// for the slowest legitimate tick (straggling reads plus a full round of
// write retries); its only job is to keep a detached tick from hanging the
// loop forever.
func (c *Collector) tickBudget() time.Duration {
	budget := 10 * c.interval
	for attempt := 1; attempt <= c.writeRetry.MaxRetries; attempt++ {
		budget += c.writeRetry.Delay(attempt)
	}
	if budget < 30*time.Second {
		budget = 30 * time.Second
	}
	return budget
}

// tick polls every series once and writes the resulting points. at is the
// schedule instant, used as every point's timestamp so the raw series stays
// on-grid even when individual reads straggle.
func (c *Collector) tick(ctx context.Context, at time.Time) {
	c.ticks.Inc()

	switch c.State() {
	case StateDegraded:
		if c.now().Before(c.resumeAt) {
			c.skipped.Inc()
			return
		}
		c.state.Store(int32(StateReconnecting))
		c.log.Info("Attempting source reconnect", zap.Int("attempt", c.backoff.Attempt()))
	}

	snap := c.catalog.Snapshot()
	if len(snap.Series) == 0 {
		return
	}

	points, connFault := c.poll(ctx, snap.Series, at)

	if connFault {
		delay := c.backoff.Next()
		c.resumeAt = c.now().Add(delay)
		c.state.Store(int32(StateDegraded))
		c.log.Warn("Source connection fault, suspending polls",
			zap.Duration("resume_in", delay),
			zap.Int("attempt", c.backoff.Attempt()))
	} else if c.State() != StateConnected {
		c.state.Store(int32(StateConnected))
		c.backoff.Reset()
		c.log.Info("Source connection recovered")
	}

	if len(points) == 0 {
		return
	}
	c.write(ctx, points)
}

// poll reads every series concurrently. Series whose read hit a connection
// fault contribute no point; per-address faults shrink a point's field map
// without dropping it.
func (c *Collector) poll(ctx context.Context, series []catalog.Series, at time.Time) ([]historian.Point, bool) {
	results := make([]*historian.Point, len(series))
	var connFault atomic.Bool

	pool := pond.NewPool(c.workers, pond.WithQueueSize(len(series)+1))
	defer pool.StopAndWait()
	group := pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	for i, s := range series {
		i, s := i, s
		group.Submit(func() {
			if groupCtx.Err() != nil {
				return
			}
			roles := s.Roles()
			addresses := make([]string, len(roles))
			for j, role := range roles {
				addresses[j] = s.Addresses[role]
			}

			readings, err := c.reader.Read(groupCtx, addresses)
			if err != nil {
				if source.IsConnectionError(err) {
					connFault.Store(true)
				} else {
					c.fieldFaults.Add(int64(len(roles)))
					c.log.Warn("Series read failed",
						zap.String("series", s.Key()),
						zap.Error(err))
				}
				return
			}

			fields := make(map[string]float64, len(roles))
			for j, r := range readings {
				if j >= len(roles) {
					break
				}
				if r.Ok() {
					fields[roles[j]] = r.Value
				} else {
					c.fieldFaults.Inc()
				}
			}
			if len(fields) == 0 {
				return
			}
			results[i] = &historian.Point{
				Time:      at,
				LoopID:    s.LoopID,
				MachineID: s.MachineID,
				Fields:    fields,
			}
		})
	}
	_ = group.Wait()

	points := make([]historian.Point, 0, len(series))
	for _, p := range results {
		if p != nil {
			points = append(points, *p)
		}
	}
	return points, connFault.Load()
}

// write persists one tick's points, retrying briefly. Points that still
// cannot be written are dropped and counted: this is a live stream, not a
// queue, and buffering across a long store outage would only move the
// failure.
func (c *Collector) write(ctx context.Context, points []historian.Point) {
	err := retry.WithBackoff(ctx, c.writeRetry, c.log, "raw_write", func() error {
		return c.writer.InsertRaw(ctx, points)
	})
	if err != nil {
		c.dropped.Add(int64(len(points)))
		for _, p := range points {
			counter, _ := c.lossesByLoop.LoadOrStore(p.LoopID, xsync.NewCounter())
			counter.Inc()
		}
		c.log.Error("Dropping tick after write retries",
			zap.Int("points", len(points)),
			zap.Error(err))
		return
	}
	c.points.Add(int64(len(points)))

	if c.pub != nil {
		for _, p := range points {
			if pubErr := c.pub.PublishPoint(ctx, p); pubErr != nil {
				c.log.Debug("Live publish failed", zap.Error(pubErr))
				break
			}
		}
	}
}
