// ABOUTME: Per-node time keeper with raw, corrected and fixed-step cursors
// ABOUTME: Retargets smoothly toward authority time and never reads backward
package sync

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	evbus "github.com/asaskevich/EventBus"
	"go.uber.org/zap"
)

// TopicTimeSetFromAuthority is the event bus topic fired by SetFromAuthority.
const TopicTimeSetFromAuthority = "time:set_from_authority"

// TimeSetFromAuthorityFunc receives the cursor value before the retarget and
// the authority value it is converging on.
type TimeSetFromAuthorityFunc func(fromSeconds, toSeconds float64, fromTicks, toTicks Tick)

// TimeKeeperState is a consistent snapshot of a TimeKeeper.
type TimeKeeperState struct {
	RawElapsedTicks            Tick
	ElapsedTicks               Tick
	TargetTicks                Tick
	InterpolationStartTicks    Tick
	InterpolationDurationTicks Tick
	FixedElapsedTicks          Tick
	UpdateCount                int64
	FixedUpdateCount           int64
	LastDeltaSeconds           float32
	LastFixedDeltaSeconds      float32
	Interpolating              bool
	AdjustmentCount            int64
}

// retarget is the writer-side bookkeeping of one SetFromAuthority.
type retarget struct {
	active   bool
	gap      Tick // total correction owed, signed
	applied  Tick
	progress Tick // keeper time spent in the window
}

// TimeKeeper holds one node's notion of elapsed time. Update and FixedUpdate
// are called from the simulation loop; every read is a single atomic load
// and may happen on any goroutine.
type TimeKeeper struct {
	clock  TickSource
	logger *zap.Logger
	bus    evbus.Bus

	maxDelta      Tick
	fixedStep     Tick
	maxFixedDelta Tick
	window        Tick
	maxGap        Tick
	backwardRate  float64

	rawBase Tick

	// held by SetFromAuthority from commit through publish, so events are
	// delivered in commit order. Update does not take it.
	setMu sync.Mutex

	// writer state, guarded by mu
	mu               sync.Mutex
	started          bool
	lastUpdateRaw    Tick
	rt               retarget
	fixedStarted     bool
	lastCatchUpFrame int64

	// published
	elapsed        atomic.Int64
	fixedElapsed   atomic.Int64
	target         atomic.Int64
	interpStart    atomic.Int64
	interpDuration atomic.Int64
	updateCount    atomic.Int64
	fixedCount     atomic.Int64
	delta          atomic.Uint32
	fixedDelta     atomic.Uint32
	interpolating  atomic.Bool
	adjustments    atomic.Int64
}

// NewTimeKeeper creates a keeper whose raw baseline is clock's current value.
// Settings that Validate would reject fall back to their defaults.
func NewTimeKeeper(clock TickSource, cfg Config, opts ...Option) *TimeKeeper {
	cfg = cfg.sanitized()
	o := buildOptions(opts)
	k := &TimeKeeper{
		clock:            clock,
		logger:           o.logger,
		bus:              evbus.New(),
		maxDelta:         TicksFromDuration(cfg.MaxDelta),
		fixedStep:        TicksFromDuration(cfg.FixedStep),
		maxFixedDelta:    TicksFromDuration(cfg.MaxFixedDelta),
		window:           TicksFromDuration(cfg.InterpolationWindow),
		maxGap:           TicksFromDuration(cfg.MaxInterpolatedGap),
		backwardRate:     cfg.MinBackwardRate,
		rawBase:          clock.Now(),
		lastCatchUpFrame: -1,
	}
	k.interpDuration.Store(int64(k.window))
	return k
}

// NewTimeKeeperFromAuthority creates a keeper on clock that starts
// converging on authority's current elapsed time, as SetFromAuthority does.
// The time-set event fires before the caller can subscribe.
func NewTimeKeeperFromAuthority(clock TickSource, authority *TimeKeeper, cfg Config, opts ...Option) *TimeKeeper {
	k := NewTimeKeeper(clock, cfg, opts...)
	k.Update()
	k.SetFromAuthority(authority.ElapsedTicks())
	return k
}

// Update advances the variable-rate cursor by the real time since the
// previous Update, clamped to MaxDelta, plus this frame's share of any
// retarget in progress. The first call only establishes the baseline.
func (k *TimeKeeper) Update() {
	now := k.clock.Now()

	k.mu.Lock()
	defer k.mu.Unlock()

	prev := Tick(k.elapsed.Load())
	k.updateCount.Add(1)

	if !k.started {
		k.started = true
		k.lastUpdateRaw = now
		if base := subTicks(now, k.rawBase); !k.rt.active && base > prev {
			k.elapsed.Store(int64(base))
		}
		storeFloat32(&k.delta, 0)
		return
	}

	d := subTicks(now, k.lastUpdateRaw)
	k.lastUpdateRaw = now
	if d < 0 {
		d = 0
	}
	if d > k.maxDelta {
		d = k.maxDelta
	}

	next := addTicks(prev, d)
	if k.rt.active {
		next = addTicks(next, k.stepRetarget(d))
	}
	if next < prev {
		next = prev
	}
	k.elapsed.Store(int64(next))
	storeFloat32(&k.delta, float32((next - prev).Seconds()))
}

// stepRetarget returns the correction to add for a frame of length d and
// advances the retarget bookkeeping. Caller holds mu.
func (k *TimeKeeper) stepRetarget(d Tick) Tick {
	rt := &k.rt
	rt.progress = addTicks(rt.progress, d)
	remaining := rt.gap - rt.applied

	var corr Tick
	if rt.progress >= k.window {
		corr = remaining
	} else {
		scheduled := Tick(float64(rt.gap) * float64(rt.progress) / float64(k.window))
		corr = scheduled - rt.applied
	}

	if rt.gap >= 0 {
		corr = min(max(corr, 0), remaining)
	} else {
		// Slow down, never reverse: keep at least backwardRate of real time.
		floor := -Tick(float64(d) * (1 - k.backwardRate))
		corr = min(max(corr, floor, remaining), 0)
	}

	rt.applied += corr
	if rt.applied == rt.gap {
		rt.active = false
		k.interpolating.Store(false)
	}
	return corr
}

// FixedUpdate advances the fixed-step cursor. The first call anchors it to the
// variable cursor. The first call in each frame also closes any shortfall
// against the variable cursor; later calls in the same frame are plain steps.
func (k *TimeKeeper) FixedUpdate() {
	k.mu.Lock()
	defer k.mu.Unlock()

	elapsed := Tick(k.elapsed.Load())
	frame := k.updateCount.Load()
	k.fixedCount.Add(1)

	if !k.fixedStarted {
		k.fixedStarted = true
		k.lastCatchUpFrame = frame
		k.fixedElapsed.Store(int64(elapsed))
		storeFloat32(&k.fixedDelta, float32(k.fixedStep.Seconds()))
		return
	}

	prev := Tick(k.fixedElapsed.Load())
	inc := k.fixedStep
	if frame != k.lastCatchUpFrame {
		k.lastCatchUpFrame = frame
		if elapsed > prev {
			inc = addTicks(inc, elapsed-prev)
		}
	}
	k.fixedElapsed.Store(int64(addTicks(prev, inc)))
	storeFloat32(&k.fixedDelta, float32(min(inc, k.maxFixedDelta).Seconds()))
}

// SetFromAuthority starts converging the elapsed cursor on authorityTicks.
// Forward gaps are eased over the interpolation window; gaps beyond
// MaxInterpolatedGap snap forward at once. Backward gaps never move the
// cursor back: it runs slower than real time until the surplus is absorbed.
//
// Subscribers are notified synchronously after the retarget is committed,
// in the order concurrent calls committed. A subscriber must not call
// SetFromAuthority on the same keeper.
func (k *TimeKeeper) SetFromAuthority(authorityTicks Tick) {
	authorityTicks = max(clampTick(authorityTicks), 0)
	k.setMu.Lock()
	defer k.setMu.Unlock()

	now := k.clock.Now()

	k.mu.Lock()
	from := Tick(k.elapsed.Load())
	gap := subTicks(authorityTicks, from)

	switch {
	case gap > k.maxGap:
		k.elapsed.Store(int64(authorityTicks))
		k.rt = retarget{}
		k.interpolating.Store(false)
		// force the next FixedUpdate to catch up even within this frame
		k.lastCatchUpFrame = -1
	case gap == 0:
		k.rt = retarget{}
		k.interpolating.Store(false)
	default:
		if gap < -k.maxGap {
			gap = -k.maxGap
		}
		k.rt = retarget{active: true, gap: gap}
		k.interpolating.Store(true)
	}
	k.target.Store(int64(authorityTicks))
	k.interpStart.Store(int64(subTicks(now, k.rawBase)))
	k.adjustments.Add(1)
	k.mu.Unlock()

	k.logger.Info("time set from authority",
		zap.Float64("from_seconds", from.Seconds()),
		zap.Float64("to_seconds", authorityTicks.Seconds()),
		zap.Float64("diff_ms", gap.Seconds()*1000),
		zap.Bool("snapped", gap > k.maxGap))

	k.bus.Publish(TopicTimeSetFromAuthority, from.Seconds(), authorityTicks.Seconds(), from, authorityTicks)
}

// Subscribe registers fn for TopicTimeSetFromAuthority.
func (k *TimeKeeper) Subscribe(fn TimeSetFromAuthorityFunc) error {
	if fn == nil {
		return fmt.Errorf("nil subscriber")
	}
	return k.bus.Subscribe(TopicTimeSetFromAuthority, fn)
}

// Unsubscribe removes a function previously passed to Subscribe.
func (k *TimeKeeper) Unsubscribe(fn TimeSetFromAuthorityFunc) error {
	return k.bus.Unsubscribe(TopicTimeSetFromAuthority, fn)
}

// ElapsedTicks is the corrected network time.
func (k *TimeKeeper) ElapsedTicks() Tick { return Tick(k.elapsed.Load()) }

// ElapsedSeconds is ElapsedTicks in seconds.
func (k *TimeKeeper) ElapsedSeconds() float64 { return k.ElapsedTicks().Seconds() }

// SimulationElapsedTicks is network time lagged by lead, the buffer kept
// between received remote values and the time they are blended at. It never
// goes below zero.
func (k *TimeKeeper) SimulationElapsedTicks(lead time.Duration) Tick {
	return max(subTicks(k.ElapsedTicks(), TicksFromDuration(max(lead, 0))), 0)
}

// SimulationElapsedSeconds is SimulationElapsedTicks in seconds.
func (k *TimeKeeper) SimulationElapsedSeconds(lead time.Duration) float64 {
	return k.SimulationElapsedTicks(lead).Seconds()
}

// RawElapsedTicks is the uncorrected monotonic time since the keeper was
// created. Authority corrections never touch it, which makes it the safe
// basis for round-trip measurement.
func (k *TimeKeeper) RawElapsedTicks() Tick {
	return max(subTicks(k.clock.Now(), k.rawBase), 0)
}

// FixedElapsedTicks is the fixed-step cursor.
func (k *TimeKeeper) FixedElapsedTicks() Tick { return Tick(k.fixedElapsed.Load()) }

// FixedElapsedSeconds is FixedElapsedTicks in seconds.
func (k *TimeKeeper) FixedElapsedSeconds() float64 { return k.FixedElapsedTicks().Seconds() }

// DeltaTime is how far the last Update moved the elapsed cursor, in seconds.
func (k *TimeKeeper) DeltaTime() float32 { return loadFloat32(&k.delta) }

// FixedDeltaTime is the last fixed step in seconds, capped at MaxFixedDelta.
func (k *TimeKeeper) FixedDeltaTime() float32 { return loadFloat32(&k.fixedDelta) }

// UpdateCount is the number of Update calls so far.
func (k *TimeKeeper) UpdateCount() int64 { return k.updateCount.Load() }

// FixedUpdateCount is the number of FixedUpdate calls so far.
func (k *TimeKeeper) FixedUpdateCount() int64 { return k.fixedCount.Load() }

// TargetTicks is the authority value of the latest retarget.
func (k *TimeKeeper) TargetTicks() Tick { return Tick(k.target.Load()) }

// IsInterpolating reports whether a retarget is still being applied.
func (k *TimeKeeper) IsInterpolating() bool { return k.interpolating.Load() }

// AdjustmentCount is the number of SetFromAuthority calls so far.
func (k *TimeKeeper) AdjustmentCount() int64 { return k.adjustments.Load() }

// AdjustmentStatus reports whether the last retarget has been fully applied
// and, if not, roughly how much longer it needs.
func (k *TimeKeeper) AdjustmentStatus() (settled bool, remaining time.Duration) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.rt.active {
		return true, 0
	}
	left := max(k.window-k.rt.progress, 0)
	if owed := k.rt.gap - k.rt.applied; owed < 0 {
		left = max(left, Tick(float64(-owed)/(1-k.backwardRate)))
	}
	return false, left.Duration()
}

// State returns a consistent snapshot of every field.
func (k *TimeKeeper) State() TimeKeeperState {
	k.mu.Lock()
	defer k.mu.Unlock()
	return TimeKeeperState{
		RawElapsedTicks:            k.RawElapsedTicks(),
		ElapsedTicks:               k.ElapsedTicks(),
		TargetTicks:                k.TargetTicks(),
		InterpolationStartTicks:    Tick(k.interpStart.Load()),
		InterpolationDurationTicks: Tick(k.interpDuration.Load()),
		FixedElapsedTicks:          k.FixedElapsedTicks(),
		UpdateCount:                k.UpdateCount(),
		FixedUpdateCount:           k.FixedUpdateCount(),
		LastDeltaSeconds:           k.DeltaTime(),
		LastFixedDeltaSeconds:      k.FixedDeltaTime(),
		Interpolating:              k.rt.active,
		AdjustmentCount:            k.AdjustmentCount(),
	}
}

// DebugState renders State on one line.
func (k *TimeKeeper) DebugState() string {
	s := k.State()
	return fmt.Sprintf("elapsed=%.6fs raw=%.6fs fixed=%.6fs target=%.6fs interpolating=%v updates=%d fixed_updates=%d adjustments=%d dt=%.4f fdt=%.4f",
		s.ElapsedTicks.Seconds(), s.RawElapsedTicks.Seconds(), s.FixedElapsedTicks.Seconds(), s.TargetTicks.Seconds(),
		s.Interpolating, s.UpdateCount, s.FixedUpdateCount, s.AdjustmentCount, s.LastDeltaSeconds, s.LastFixedDeltaSeconds)
}

func storeFloat32(a *atomic.Uint32, v float32) { a.Store(math.Float32bits(v)) }

func loadFloat32(a *atomic.Uint32) float32 { return math.Float32frombits(a.Load()) }
