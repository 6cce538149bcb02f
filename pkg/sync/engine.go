// ABOUTME: One node's sync state: keeper, RTT ring, processor, scheduler
// ABOUTME: Correlates responses with requests and tracks sync quality
package sync

import (
	"sync/atomic"

	"go.uber.org/zap"
)

// Stats is a point-in-time view of an Engine for status displays.
type Stats struct {
	ElapsedSeconds    float64
	RawElapsedSeconds float64
	FixedSeconds      float64
	Rtt               RttStats
	LastDiffSeconds   float64
	Interpolating     bool
	Aggressive        bool
	Quality           Quality
	Outstanding       int
	Evicted           int64
	Adjustments       int64
	Results           map[Outcome]int64
}

// Engine owns the sync components of one node. Components are created
// once and shared by every goroutine that uses the engine.
type Engine struct {
	cfg    Config
	clock  TickSource
	logger *zap.Logger

	keeper    *TimeKeeper
	rtt       *RttEstimator
	processor *SyncProcessor
	scheduler *SyncScheduler
	history   *RequestHistory

	synced       atomic.Bool
	lastAccepted atomic.Int64 // clock ticks
	lastDiff     atomic.Int64
}

// NewEngine wires a fresh set of components on clock.
func NewEngine(cfg Config, clock TickSource, opts ...Option) *Engine {
	cfg = cfg.sanitized()
	o := buildOptions(opts)
	rtt := NewRttEstimator(clock)
	e := &Engine{
		cfg:       cfg,
		clock:     clock,
		logger:    o.logger,
		keeper:    NewTimeKeeper(clock, cfg, opts...),
		rtt:       rtt,
		processor: NewSyncProcessor(rtt, cfg, opts...),
		scheduler: NewSyncScheduler(clock, cfg, opts...),
		history:   NewRequestHistory(cfg.RequestHistory),
	}
	e.lastAccepted.Store(never)
	return e
}

// Keeper returns the node's time keeper.
func (e *Engine) Keeper() *TimeKeeper { return e.keeper }

// Rtt returns the round-trip estimator.
func (e *Engine) Rtt() *RttEstimator { return e.rtt }

// Processor returns the response processor.
func (e *Engine) Processor() *SyncProcessor { return e.processor }

// Scheduler returns the sync scheduler.
func (e *Engine) Scheduler() *SyncScheduler { return e.scheduler }

// Requests returns the outstanding request history.
func (e *Engine) Requests() *RequestHistory { return e.history }

// Config returns the tunables the engine was built with, defaults filled.
func (e *Engine) Config() Config { return e.cfg }

// Synced reports whether any response has been accepted since construction.
func (e *Engine) Synced() bool { return e.synced.Load() }

// LastDiffTicks is adjusted authority minus local elapsed at the last accepted response.
func (e *Engine) LastDiffTicks() Tick { return Tick(e.lastDiff.Load()) }

// BeginSync asks the scheduler for a slot and, if granted, returns a new
// tracked request stamped with the keeper's raw elapsed time.
func (e *Engine) BeginSync() (RequestRecord, bool) {
	if !e.scheduler.ShouldSyncNow() {
		return RequestRecord{}, false
	}
	return e.BeginSyncNow(), true
}

// BeginSyncNow creates a tracked request without consulting the scheduler.
func (e *Engine) BeginSyncNow() RequestRecord {
	return e.history.New(e.keeper.RawElapsedTicks())
}

// HandleResponse processes the reply to a request made by BeginSync. The
// first accepted response always retargets the keeper. While the remaining
// difference is larger than GapClosedThreshold the scheduler stays in
// aggressive mode.
func (e *Engine) HandleResponse(uid uint64, serverTicks Tick) Result {
	req, ok := e.history.Take(uid)
	if !ok {
		res := Result{Outcome: OutcomeRejectedInvalid}
		e.processor.finish(res, uid)
		return res
	}

	res := e.processor.ProcessTimeSync(uid, serverTicks, req, e.keeper, !e.synced.Load())
	if !res.Outcome.Accepted() {
		return res
	}

	e.lastAccepted.Store(int64(e.clock.Now()))
	e.lastDiff.Store(int64(res.DiffTicks))
	if e.synced.CompareAndSwap(false, true) {
		e.logger.Info("initial sync",
			zap.Float64("server_seconds", serverTicks.Seconds()),
			zap.Float64("diff_ms", res.DiffTicks.Seconds()*1000),
			zap.Float32("rtt", res.RTTSeconds))
	}
	if absTicks(res.DiffTicks) > TicksFromDuration(e.cfg.GapClosedThreshold) {
		e.scheduler.EnableAggressiveMode("gap")
	}
	return res
}

// Connected prepares the engine for a new connection. Outstanding requests
// are dropped and the next response is forced, since a restarted authority
// may report smaller ticks than before. The scheduler goes aggressive.
func (e *Engine) Connected() {
	e.history.Clear()
	e.synced.Store(false)
	e.processor.lastProcessed.Store(never)
	e.scheduler.ResetOnConnection()
}

// Quality classifies the current sync health.
func (e *Engine) Quality() Quality {
	last := e.lastAccepted.Load()
	if last == never || subTicks(e.clock.Now(), Tick(last)) > TicksFromDuration(e.cfg.LostAfter) {
		return QualityLost
	}
	if float64(e.rtt.MedianRtt()) > e.cfg.DegradedRtt.Seconds() {
		return QualityDegraded
	}
	return QualityGood
}

// Stats returns a snapshot for status displays.
func (e *Engine) Stats() Stats {
	results := make(map[Outcome]int64, numOutcomes)
	for o := Outcome(0); o < numOutcomes; o++ {
		results[o] = e.processor.Count(o)
	}
	return Stats{
		ElapsedSeconds:    e.keeper.ElapsedSeconds(),
		RawElapsedSeconds: e.keeper.RawElapsedTicks().Seconds(),
		FixedSeconds:      e.keeper.FixedElapsedSeconds(),
		Rtt:               e.rtt.Stats(),
		LastDiffSeconds:   e.LastDiffTicks().Seconds(),
		Interpolating:     e.keeper.IsInterpolating(),
		Aggressive:        e.scheduler.InAggressiveMode(),
		Quality:           e.Quality(),
		Outstanding:       e.history.Len(),
		Evicted:           e.history.Evicted(),
		Adjustments:       e.keeper.AdjustmentCount(),
		Results:           results,
	}
}

// ResetForTesting returns every shared component to its initial state. The
// keeper is left alone since it is owned per node, not shared.
func (e *Engine) ResetForTesting() {
	e.rtt.ResetForTesting()
	e.processor.ResetForTesting()
	e.scheduler.ResetForTesting()
	e.history.ResetForTesting()
	e.synced.Store(false)
	e.lastAccepted.Store(never)
	e.lastDiff.Store(0)
}
