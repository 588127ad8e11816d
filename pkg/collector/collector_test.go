package collector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/loopscope/historian/pkg/catalog"
	"github.com/loopscope/historian/pkg/db/historian"
	"github.com/loopscope/historian/pkg/retry"
	"github.com/loopscope/historian/pkg/source"
)

type fakeReader struct {
	mu    sync.Mutex
	calls int
	// fn decides the outcome of each call; calls is 1-based.
	fn func(call int, addresses []string) ([]source.Reading, error)
}

func (f *fakeReader) Read(_ context.Context, addresses []string) ([]source.Reading, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	fn := f.fn
	f.mu.Unlock()
	return fn(call, addresses)
}

func goodReadings(addresses []string) []source.Reading {
	out := make([]source.Reading, len(addresses))
	for i, addr := range addresses {
		out[i] = source.Reading{Address: addr, Value: float64(i + 1), Quality: source.QualityGood, Timestamp: time.Now()}
	}
	return out
}

type fakeWriter struct {
	mu     sync.Mutex
	points []historian.Point
	err    error
}

func (f *fakeWriter) InsertRaw(_ context.Context, points []historian.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.points = append(f.points, points...)
	return nil
}

func (f *fakeWriter) all() []historian.Point {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]historian.Point, len(f.points))
	copy(out, f.points)
	return out
}

func (f *fakeWriter) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type fixedCatalog struct{ snap *catalog.Snapshot }

func (f *fixedCatalog) Snapshot() *catalog.Snapshot { return f.snap }

func twoSeriesCatalog() Snapshotter {
	return &fixedCatalog{snap: &catalog.Snapshot{Series: []catalog.Series{
		{LoopID: "TIC-101", MachineID: "MachineA", Addresses: map[string]string{
			"PV": "tag://MachineA/Temp",
			"SP": "tag://MachineA/TempSetpoint",
			"CO": "tag://MachineA/ValveOut",
		}},
		{LoopID: "TIC-101", MachineID: "MachineB", Addresses: map[string]string{
			"PV": "tag://MachineB/Temp",
			"SP": "tag://MachineB/TempSetpoint",
			"CO": "tag://MachineB/ValveOut",
		}},
	}}}
}

func fastRetry() retry.Config {
	return retry.Config{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2.0}
}

func runFor(t *testing.T, c *Collector, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	err := c.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateStopped, c.State())
}

func TestCollector_TicksOnScheduleAndOnGrid(t *testing.T) {
	reader := &fakeReader{fn: func(_ int, addrs []string) ([]source.Reading, error) {
		return goodReadings(addrs), nil
	}}
	writer := &fakeWriter{}
	interval := 10 * time.Millisecond

	c := New(zap.NewNop(), reader, writer, twoSeriesCatalog(), interval, WithWriteRetry(fastRetry()))
	runFor(t, c, 300*time.Millisecond)

	points := writer.all()
	require.NotEmpty(t, points)

	// Two series per tick, a healthy share of the ~30 scheduled ticks.
	assert.GreaterOrEqual(t, len(points), 30)

	// Point timestamps sit on the schedule grid regardless of read latency.
	ticks := make(map[time.Time]int)
	for _, p := range points {
		assert.True(t, p.Time.Equal(p.Time.Truncate(interval)), "timestamp off grid: %s", p.Time)
		assert.Len(t, p.Fields, 3)
		ticks[p.Time]++
	}
	for at, n := range ticks {
		assert.Equal(t, 2, n, "tick %s", at)
	}
}

func TestCollector_TicksNeverOverlap(t *testing.T) {
	var mu sync.Mutex
	var inFlight, maxInFlight int

	reader := &fakeReader{fn: func(_ int, addrs []string) ([]source.Reading, error) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		time.Sleep(25 * time.Millisecond) // overruns the 10ms interval
		mu.Lock()
		inFlight--
		mu.Unlock()
		return goodReadings(addrs), nil
	}}
	writer := &fakeWriter{}

	snap := &fixedCatalog{snap: &catalog.Snapshot{Series: []catalog.Series{
		{LoopID: "TIC-101", MachineID: "MachineA", Addresses: map[string]string{"PV": "tag://MachineA/Temp"}},
	}}}

	c := New(zap.NewNop(), reader, writer, snap, 10*time.Millisecond, WithWriteRetry(fastRetry()))
	runFor(t, c, 200*time.Millisecond)

	assert.Equal(t, 1, maxInFlight)
	assert.NotEmpty(t, writer.all())
}

func TestCollector_PartialReadKeepsPoint(t *testing.T) {
	reader := &fakeReader{fn: func(_ int, addrs []string) ([]source.Reading, error) {
		out := goodReadings(addrs)
		// First address of every batch is unreadable.
		out[0] = source.Reading{Address: addrs[0], Err: &source.AddressError{Address: addrs[0], Reason: "device offline"}}
		return out, nil
	}}
	writer := &fakeWriter{}

	c := New(zap.NewNop(), reader, writer, twoSeriesCatalog(), 10*time.Millisecond, WithWriteRetry(fastRetry()))
	runFor(t, c, 100*time.Millisecond)

	points := writer.all()
	require.NotEmpty(t, points)
	for _, p := range points {
		assert.Len(t, p.Fields, 2, "faulted field must shrink the map, not drop the point")
		assert.NotContains(t, p.Fields, "CO") // roles sort CO, PV, SP; CO is first
	}
	assert.Greater(t, c.Stats().FieldFaults, uint64(0))
}

func TestCollector_ConnectionFaultDegradesThenRecovers(t *testing.T) {
	down := errors.New("gateway unreachable")
	reader := &fakeReader{}
	reader.fn = func(call int, addrs []string) ([]source.Reading, error) {
		if call <= 4 {
			return nil, &source.ConnectionError{Err: down}
		}
		return goodReadings(addrs), nil
	}
	writer := &fakeWriter{}

	c := New(zap.NewNop(), reader, writer, twoSeriesCatalog(), 10*time.Millisecond,
		WithWriteRetry(fastRetry()),
		WithReconnectBackoff(retry.Config{MaxRetries: 10, InitialDelay: 20 * time.Millisecond, MaxDelay: 40 * time.Millisecond, Multiplier: 2.0}))
	runFor(t, c, 400*time.Millisecond)

	stats := c.Stats()
	assert.Greater(t, stats.SkippedTicks, uint64(0), "degraded ticks must be skipped")
	assert.NotEmpty(t, writer.all(), "collection resumes after reconnect")
	assert.Zero(t, stats.DroppedWrite)

	// Nothing was written while the source was down.
	for _, p := range writer.all() {
		assert.Len(t, p.Fields, 3)
	}
}

func TestCollector_WriteFailureDropsAndCounts(t *testing.T) {
	reader := &fakeReader{fn: func(_ int, addrs []string) ([]source.Reading, error) {
		return goodReadings(addrs), nil
	}}
	writer := &fakeWriter{}
	writer.setErr(errors.New("store down"))

	c := New(zap.NewNop(), reader, writer, twoSeriesCatalog(), 10*time.Millisecond, WithWriteRetry(fastRetry()))
	runFor(t, c, 150*time.Millisecond)

	stats := c.Stats()
	assert.Greater(t, stats.DroppedWrite, uint64(0))
	assert.Greater(t, stats.LossesByLoop["TIC-101"], int64(0))
	assert.Empty(t, writer.all())
	assert.Zero(t, stats.Points)
}

func TestCollector_StopCompletesInFlightTick(t *testing.T) {
	started := make(chan struct{}, 64)
	release := make(chan struct{})
	reader := &fakeReader{fn: func(_ int, addrs []string) ([]source.Reading, error) {
		started <- struct{}{}
		<-release
		return goodReadings(addrs), nil
	}}
	writer := &fakeWriter{}
	snap := &fixedCatalog{snap: &catalog.Snapshot{Series: []catalog.Series{
		{LoopID: "TIC-101", MachineID: "MachineA", Addresses: map[string]string{"PV": "tag://MachineA/Temp"}},
	}}}

	c := New(zap.NewNop(), reader, writer, snap, 10*time.Millisecond, WithWriteRetry(fastRetry()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	// Cancel while a read is held mid-tick, then let it finish.
	<-started
	cancel()
	close(release)

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("collector did not stop")
	}
	assert.Equal(t, StateStopped, c.State())

	// The in-flight tick ran to completion: its sample was written, not
	// dropped as a write loss.
	stats := c.Stats()
	assert.NotEmpty(t, writer.all(), "in-flight tick's point must be persisted")
	assert.Zero(t, stats.DroppedWrite)
	assert.Greater(t, stats.Points, uint64(0))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "degraded", StateDegraded.String())
	assert.Equal(t, "reconnecting", StateReconnecting.String())
	assert.Equal(t, "stopped", StateStopped.String())
}
