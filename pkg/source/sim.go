package source

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// Process model constants: first-order plus dead time driven by a PI(D)
// controller, with a slow sinusoidal load disturbance. Values chosen so a
// 1-second cadence produces a realistic-looking control loop.
const (
	simProcessGain     = 1.1
	simProcessTau      = 180.0
	simDeadSteps       = 20
	simNoiseStd        = 0.15
	simDisturbanceAmp  = 2.0
	simDisturbancePerS = 8 * 60 * 60

	simPidKc = 2.2
	simPidTi = 220.0
	simPidTd = 12.0
	simBias  = 50.0
	simCoMin = 0.0
	simCoMax = 100.0

	simSpMin      = 80.0
	simSpMax      = 120.0
	simSpStepMinS = 45 * 60
	simSpStepMaxS = 75 * 60
)

// simLoop is the per-machine closed-loop state.
type simLoop struct {
	rng        *rand.Rand
	step       int
	sp         float64
	pv         float64
	co         float64
	integral   float64
	prevErr    float64
	coBuffer   []float64
	nextSpStep int
}

func newSimLoop(seed int64) *simLoop {
	rng := rand.New(rand.NewSource(seed))
	sp := simSpMin + rng.Float64()*(simSpMax-simSpMin)
	buf := make([]float64, simDeadSteps)
	for i := range buf {
		buf[i] = simBias
	}
	return &simLoop{
		rng:        rng,
		sp:         sp,
		pv:         sp - 10.0,
		co:         simBias,
		coBuffer:   buf,
		nextSpStep: simSpStepMinS + rng.Intn(simSpStepMaxS-simSpStepMinS),
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// advance steps the loop by one sample interval.
func (l *simLoop) advance() {
	const dt = 1.0

	if l.step >= l.nextSpStep {
		l.sp = simSpMin + l.rng.Float64()*(simSpMax-simSpMin)
		l.nextSpStep += simSpStepMinS + l.rng.Intn(simSpStepMaxS-simSpStepMinS)
	}

	err := l.sp - l.pv
	l.integral += (err * dt) / simPidTi
	derivative := (err - l.prevErr) / dt
	l.co = clamp(simBias+simPidKc*(err+l.integral+simPidTd*derivative), simCoMin, simCoMax)

	delayed := l.coBuffer[0]
	copy(l.coBuffer, l.coBuffer[1:])
	l.coBuffer[len(l.coBuffer)-1] = l.co

	disturbance := simDisturbanceAmp * math.Sin(2.0*math.Pi*float64(l.step)/simDisturbancePerS)
	noise := l.rng.NormFloat64() * simNoiseStd
	l.pv += dt * ((simProcessGain*delayed + disturbance - l.pv) / simProcessTau)
	l.pv += noise

	l.prevErr = err
	l.step++
}

// Simulator is an in-process Reader producing a deterministic synthetic PID
// loop per machine. It exists for development and tests; address parsing
// follows the catalog's template convention, with the machine and signal as
// the last two address components.
type Simulator struct {
	mu     sync.Mutex
	seed   int64
	loops  map[string]*simLoop
	now    func() time.Time
	failed map[string]bool
}

// NewSimulator creates a simulator. The seed makes every run reproducible.
func NewSimulator(seed int64) *Simulator {
	return &Simulator{
		seed:   seed,
		loops:  make(map[string]*simLoop),
		failed: make(map[string]bool),
	}
}

// SetClock overrides the timestamp source, for tests.
func (s *Simulator) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// FailAddress makes a single address report a per-address fault until
// restored, to exercise partial-point handling.
func (s *Simulator) FailAddress(addr string, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[addr] = failed
}

// splitAddress extracts (machine, signal) from an address such as
// "ns=2;s=ReactorA.TempSetpoint" or "tag://ReactorA/TempSetpoint".
func splitAddress(addr string) (machine, signal string) {
	trimmed := addr
	if i := strings.Index(trimmed, "://"); i >= 0 {
		trimmed = trimmed[i+3:]
	}
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		head, tail := trimmed[:i], trimmed[i+1:]
		if j := strings.LastIndex(head, "/"); j >= 0 {
			head = head[j+1:]
		}
		return head, tail
	}
	if i := strings.LastIndex(trimmed, "="); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	if i := strings.LastIndex(trimmed, "."); i >= 0 {
		return trimmed[:i], trimmed[i+1:]
	}
	return trimmed, ""
}

// roleOf classifies a signal name into the loop variable it backs.
func roleOf(signal string) string {
	lower := strings.ToLower(signal)
	switch {
	case strings.Contains(lower, "setpoint") || lower == "sp":
		return "SP"
	case strings.Contains(lower, "out") || strings.Contains(lower, "valve") || lower == "co":
		return "CO"
	default:
		return "PV"
	}
}

func (s *Simulator) loopFor(machine string) *simLoop {
	l, ok := s.loops[machine]
	if !ok {
		// Derive a stable per-machine seed so machines differ but runs repeat.
		var h int64
		for _, c := range machine {
			h = h*31 + int64(c)
		}
		l = newSimLoop(s.seed ^ h)
		s.loops[machine] = l
	}
	return l
}

// Read implements Reader. Each call advances every machine referenced in the
// batch by one sample interval, then reports the post-step values.
func (s *Simulator) Read(_ context.Context, addresses []string) ([]Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := time.Now().UTC()
	if s.now != nil {
		ts = s.now()
	}

	advanced := make(map[string]bool)
	readings := make([]Reading, len(addresses))
	for i, addr := range addresses {
		if s.failed[addr] {
			readings[i] = Reading{Address: addr, Err: &AddressError{Address: addr, Reason: "simulated address fault"}}
			continue
		}

		machine, signal := splitAddress(addr)
		l := s.loopFor(machine)
		if !advanced[machine] {
			l.advance()
			advanced[machine] = true
		}

		var v float64
		switch roleOf(signal) {
		case "SP":
			v = l.sp
		case "CO":
			v = l.co
		default:
			v = l.pv
		}
		readings[i] = Reading{Address: addr, Value: v, Quality: QualityGood, Timestamp: ts}
	}
	return readings, nil
}
