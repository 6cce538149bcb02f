// ABOUTME: Turns one request/response exchange into a retarget of a TimeKeeper
// ABOUTME: Projects server time by half the median RTT and drops stale replies
package sync

import (
	"sync/atomic"

	"go.uber.org/zap"
)

// Outcome is what ProcessTimeSync did with a response.
type Outcome int

const (
	OutcomeAdjusted Outcome = iota
	OutcomeWithinThreshold
	OutcomeRejectedStale
	OutcomeRejectedInvalid

	numOutcomes
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAdjusted:
		return "adjusted"
	case OutcomeWithinThreshold:
		return "within_threshold"
	case OutcomeRejectedStale:
		return "rejected_stale"
	case OutcomeRejectedInvalid:
		return "rejected_invalid"
	}
	return "unknown"
}

// Accepted reports whether the response updated the processed bookkeeping.
func (o Outcome) Accepted() bool {
	return o == OutcomeAdjusted || o == OutcomeWithinThreshold
}

// Result describes one processed response.
type Result struct {
	Outcome          Outcome
	RTTSeconds       float32
	RTTRecorded      bool
	MedianRTTSeconds float32
	AdjustedTicks    Tick
	DiffTicks        Tick // adjusted minus keeper elapsed before the retarget
}

// SyncProcessor applies time responses to a TimeKeeper. It is safe for
// concurrent use.
type SyncProcessor struct {
	rtt           *RttEstimator
	minCorrection Tick
	maxAuthority  Tick
	logger        *zap.Logger

	lastProcessed atomic.Int64
	counts        [numOutcomes]atomic.Int64
}

// NewSyncProcessor creates a processor recording round trips into rtt.
func NewSyncProcessor(rtt *RttEstimator, cfg Config, opts ...Option) *SyncProcessor {
	cfg = cfg.sanitized()
	o := buildOptions(opts)
	p := &SyncProcessor{
		rtt:           rtt,
		minCorrection: TicksFromDuration(cfg.MinCorrection),
		maxAuthority:  clampTick(cfg.MaxAuthorityTicks),
		logger:        o.logger,
	}
	p.lastProcessed.Store(never)
	return p
}

// ProcessTimeSync handles the response to request. serverTicks is the
// authority's elapsed time when it composed the reply. A response no newer
// than the last accepted one is dropped unless force is set. The keeper is
// retargeted when forced or when the projected authority time differs from
// its elapsed time by more than the minimum correction.
func (p *SyncProcessor) ProcessTimeSync(requestUID uint64, serverTicks Tick, request RequestRecord, keeper *TimeKeeper, force bool) Result {
	var res Result
	if keeper == nil || requestUID != request.UID || serverTicks < 0 || serverTicks > p.maxAuthority {
		res.Outcome = OutcomeRejectedInvalid
		p.finish(res, requestUID)
		return res
	}

	rttTicks := subTicks(keeper.RawElapsedTicks(), request.SentAtTicks)
	res.RTTSeconds = float32(rttTicks.Seconds())
	if rttTicks >= 0 && rttTicks <= TicksFromSeconds(MaxRttSeconds) {
		res.RTTRecorded = p.rtt.Record(res.RTTSeconds)
	}

	res.MedianRTTSeconds = p.rtt.MedianRtt()
	oneWay := TicksFromSeconds(float64(res.MedianRTTSeconds) / 2)
	res.AdjustedTicks = min(addTicks(serverTicks, oneWay), p.maxAuthority)

	if !p.claim(serverTicks, force) {
		res.Outcome = OutcomeRejectedStale
		p.finish(res, requestUID)
		return res
	}

	res.DiffTicks = subTicks(res.AdjustedTicks, keeper.ElapsedTicks())
	if force || absTicks(res.DiffTicks) > p.minCorrection {
		keeper.SetFromAuthority(res.AdjustedTicks)
		res.Outcome = OutcomeAdjusted
	} else {
		res.Outcome = OutcomeWithinThreshold
	}
	p.finish(res, requestUID)
	return res
}

// claim advances the last-processed mark to serverTicks. Unforced claims
// fail when serverTicks is not newer; forced claims always succeed but
// never move the mark backward.
func (p *SyncProcessor) claim(serverTicks Tick, force bool) bool {
	for {
		last := p.lastProcessed.Load()
		if int64(serverTicks) <= last {
			return force
		}
		if p.lastProcessed.CompareAndSwap(last, int64(serverTicks)) {
			return true
		}
	}
}

func (p *SyncProcessor) finish(res Result, uid uint64) {
	p.counts[res.Outcome].Add(1)
	p.logger.Debug("time sync processed",
		zap.Uint64("uid", uid),
		zap.Stringer("outcome", res.Outcome),
		zap.Float32("rtt", res.RTTSeconds),
		zap.Float32("median_rtt", res.MedianRTTSeconds),
		zap.Float64("diff_ms", res.DiffTicks.Seconds()*1000))
}

// LastProcessedTicks returns the newest accepted server ticks and whether
// any response has been accepted.
func (p *SyncProcessor) LastProcessedTicks() (Tick, bool) {
	v := p.lastProcessed.Load()
	if v == never {
		return 0, false
	}
	return Tick(v), true
}

// Count returns how many responses ended with outcome o.
func (p *SyncProcessor) Count(o Outcome) int64 {
	if o < 0 || o >= numOutcomes {
		return 0
	}
	return p.counts[o].Load()
}

// ResetForTesting clears the last-processed mark and counters.
func (p *SyncProcessor) ResetForTesting() {
	p.lastProcessed.Store(never)
	for i := range p.counts {
		p.counts[i].Store(0)
	}
}
