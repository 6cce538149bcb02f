// ABOUTME: In-process simulation of clients syncing to one authoritative server
// ABOUTME: Runs in virtual time so results are reproducible from the seed
package sim

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	netsync "github.com/Resonate-Protocol/netclock-go/pkg/sync"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Config describes one simulation run
type Config struct {
	Duration  time.Duration
	FrameRate int
	Clients   int
	Seed      uint64

	Latency time.Duration // one way
	Jitter  time.Duration
	Loss    float64
	Reorder float64

	// Offset is how far the server's clock is ahead of the clients' at start.
	// Negative values put the clients ahead.
	Offset time.Duration
	// Tolerance is the error below which a client counts as converged
	Tolerance time.Duration

	Sync   netsync.Config
	Logger *zap.Logger

	// Progress is called once per simulated second
	Progress func(Snapshot)
}

// DefaultConfig returns a run with moderate network trouble
func DefaultConfig() Config {
	return Config{
		Duration:  30 * time.Second,
		FrameRate: 60,
		Clients:   1,
		Seed:      1,
		Latency:   25 * time.Millisecond,
		Jitter:    10 * time.Millisecond,
		Loss:      0.05,
		Reorder:   0.05,
		Offset:    10 * time.Second,
		Tolerance: 20 * time.Millisecond,
		Sync:      netsync.DefaultConfig(),
	}
}

// Validate checks the run parameters
func (c Config) Validate() error {
	switch {
	case c.Duration <= 0:
		return fmt.Errorf("duration must be positive")
	case c.FrameRate <= 0:
		return fmt.Errorf("frame rate must be positive")
	case c.Clients <= 0:
		return fmt.Errorf("need at least one client")
	case c.Latency < 0 || c.Jitter < 0:
		return fmt.Errorf("latency and jitter must not be negative")
	case c.Loss < 0 || c.Loss >= 1:
		return fmt.Errorf("loss must be in [0, 1)")
	case c.Reorder < 0 || c.Reorder > 1:
		return fmt.Errorf("reorder must be in [0, 1]")
	case c.Tolerance <= 0:
		return fmt.Errorf("tolerance must be positive")
	}
	return c.Sync.Validate()
}

// ClientSnapshot is one client's state at a progress point
type ClientSnapshot struct {
	Name           string
	ElapsedSeconds float64
	ErrorSeconds   float64
	Quality        netsync.Quality
	Interpolating  bool
}

// Snapshot is passed to Config.Progress
type Snapshot struct {
	SimSeconds    float64
	ServerSeconds float64
	Clients       []ClientSnapshot
}

// ClientReport summarizes one client over the run
type ClientReport struct {
	Name string
	// FinalError is client minus server network time at the end
	FinalError time.Duration
	// MaxLateError is the largest absolute error over the second half
	MaxLateError time.Duration
	// ConvergedAt is when the error last came within Tolerance for good.
	// Negative if it never did.
	ConvergedAt time.Duration
	// Backsteps counts frames where network time read smaller than before
	Backsteps int64
	Stats     netsync.Stats
	Up        LinkStats
	Down      LinkStats
}

// Report is the result of Run
type Report struct {
	Duration      time.Duration
	ServerSeconds float64
	Clients       []ClientReport
}

type node struct {
	name   string
	clock  *netsync.ManualClock
	engine *netsync.Engine
	up     *link
	down   *link

	fixedAcc    netsync.Tick
	last        netsync.Tick
	backsteps   int64
	lastOutside netsync.Tick // sim time of the last frame outside tolerance, -1 if none
	err         netsync.Tick
	maxLate     netsync.Tick
}

// Run simulates cfg.Duration of traffic and reports how each client fared
func Run(ctx context.Context, cfg Config) (*Report, error) {
	cfg.Sync = cfg.Sync.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid simulation config: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	frame := netsync.TicksFromDuration(time.Second / time.Duration(cfg.FrameRate))
	fixedStep := netsync.TicksFromDuration(cfg.Sync.FixedStep)
	duration := netsync.TicksFromDuration(cfg.Duration)
	tolerance := netsync.TicksFromDuration(cfg.Tolerance)
	linkCfg := LinkConfig{
		Latency: netsync.TicksFromDuration(cfg.Latency),
		Jitter:  netsync.TicksFromDuration(cfg.Jitter),
		Loss:    cfg.Loss,
		Reorder: cfg.Reorder,
	}

	serverClock := netsync.NewManualClock(0)
	server := netsync.NewTimeKeeper(serverClock, cfg.Sync)
	if cfg.Offset > 0 {
		serverClock.Advance(cfg.Offset)
	}
	server.Update()

	nodes := make([]*node, cfg.Clients)
	for i := range nodes {
		clock := netsync.NewManualClock(0)
		rng := rand.New(rand.NewPCG(cfg.Seed, uint64(i)))
		n := &node{
			name:        fmt.Sprintf("client-%d", i+1),
			clock:       clock,
			engine:      netsync.NewEngine(cfg.Sync, clock, netsync.WithLogger(logger.Named(fmt.Sprintf("client-%d", i+1)))),
			up:          newLink(linkCfg, rng),
			down:        newLink(linkCfg, rng),
			lastOutside: -1,
		}
		if cfg.Offset < 0 {
			clock.Advance(-cfg.Offset)
		}
		n.engine.Keeper().Update()
		n.engine.Keeper().FixedUpdate()
		n.engine.Connected()
		req := n.engine.BeginSyncNow()
		n.up.send(0, req.UID, req.SentAtTicks)
		n.last = n.engine.Keeper().ElapsedTicks()
		nodes[i] = n
	}

	framesPerSecond := int64(cfg.FrameRate)
	var now netsync.Tick
	for step := int64(1); now < duration; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		now += frame

		serverClock.AdvanceTicks(frame)
		server.Update()
		serverTicks := server.ElapsedTicks()

		var g errgroup.Group
		for _, n := range nodes {
			g.Go(func() error {
				n.step(now, frame, fixedStep, server)
				n.record(now, duration, tolerance, serverTicks)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		if cfg.Progress != nil && step%framesPerSecond == 0 {
			cfg.Progress(snapshot(now, serverTicks, nodes))
		}
	}

	report := &Report{
		Duration:      now.Duration(),
		ServerSeconds: server.ElapsedSeconds(),
	}
	for _, n := range nodes {
		converged := time.Duration(-1)
		switch {
		case n.lastOutside < 0:
			converged = 0
		case n.lastOutside < now:
			converged = (n.lastOutside + frame).Duration()
		}
		report.Clients = append(report.Clients, ClientReport{
			Name:         n.name,
			FinalError:   n.err.Duration(),
			MaxLateError: n.maxLate.Duration(),
			ConvergedAt:  converged,
			Backsteps:    n.backsteps,
			Stats:        n.engine.Stats(),
			Up:           n.up.stats,
			Down:         n.down.stats,
		})
		logger.Info("client finished",
			zap.String("client", n.name),
			zap.Duration("final_error", n.err.Duration()),
			zap.Duration("converged_at", converged),
			zap.Int64("backsteps", n.backsteps))
	}
	return report, nil
}

// step runs one frame of a client. server is only read.
func (n *node) step(now, frame, fixedStep netsync.Tick, server *netsync.TimeKeeper) {
	keeper := n.engine.Keeper()
	n.clock.AdvanceTicks(frame)
	keeper.Update()

	n.fixedAcc += frame
	for n.fixedAcc >= fixedStep {
		keeper.FixedUpdate()
		n.fixedAcc -= fixedStep
	}

	for _, p := range n.down.due(now) {
		n.engine.HandleResponse(p.uid, p.ticks)
	}

	if req, ok := n.engine.BeginSync(); ok {
		n.up.send(now, req.UID, req.SentAtTicks)
	}

	for _, p := range n.up.due(now) {
		n.down.send(now, p.uid, server.ElapsedTicks())
	}
}

func (n *node) record(now, duration, tolerance, serverTicks netsync.Tick) {
	elapsed := n.engine.Keeper().ElapsedTicks()
	if elapsed < n.last {
		n.backsteps++
	}
	n.last = elapsed

	n.err = elapsed - serverTicks
	if absTick(n.err) > tolerance {
		n.lastOutside = now
	}
	if now >= duration/2 {
		n.maxLate = max(n.maxLate, absTick(n.err))
	}
}

func snapshot(now, serverTicks netsync.Tick, nodes []*node) Snapshot {
	s := Snapshot{
		SimSeconds:    now.Seconds(),
		ServerSeconds: serverTicks.Seconds(),
	}
	for _, n := range nodes {
		keeper := n.engine.Keeper()
		s.Clients = append(s.Clients, ClientSnapshot{
			Name:           n.name,
			ElapsedSeconds: keeper.ElapsedSeconds(),
			ErrorSeconds:   n.err.Seconds(),
			Quality:        n.engine.Quality(),
			Interpolating:  keeper.IsInterpolating(),
		})
	}
	return s
}

func absTick(t netsync.Tick) netsync.Tick {
	if t < 0 {
		return -t
	}
	return t
}
