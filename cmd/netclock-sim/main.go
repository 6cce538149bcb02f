// ABOUTME: Entry point for the netclock network simulation
// ABOUTME: Runs clients against a virtual server over a lossy link and prints a report
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Resonate-Protocol/netclock-go/internal/config"
	"github.com/Resonate-Protocol/netclock-go/internal/logging"
	"github.com/Resonate-Protocol/netclock-go/internal/sim"
	"github.com/Resonate-Protocol/netclock-go/internal/version"
	netsync "github.com/Resonate-Protocol/netclock-go/pkg/sync"
	"go.uber.org/zap"
)

var (
	configFile = flag.String("config", "", "YAML config file")
	showVer    = flag.Bool("version", false, "Print version and exit")
	duration   = flag.Duration("duration", 30*time.Second, "Simulated run length")
	clients    = flag.Int("clients", 1, "Number of clients")
	seed       = flag.Int64("seed", 1, "Random seed")
	latency    = flag.Duration("latency", 25*time.Millisecond, "One way latency")
	jitter     = flag.Duration("jitter", 10*time.Millisecond, "Latency jitter (+/-)")
	loss       = flag.Float64("loss", 0.05, "Packet loss probability")
	reorder    = flag.Float64("reorder", 0.05, "Packet reorder probability")
	offset     = flag.Duration("offset", 10*time.Second, "Server clock lead over clients at start")
	tolerance  = flag.Duration("tolerance", 20*time.Millisecond, "Error below which a client counts as converged")
	frameRate  = flag.Int("frame-rate", 60, "Simulated frames per second")
	logLevel   = flag.String("log-level", "warn", "Log level (debug, info, warn, error)")
	quiet      = flag.Bool("quiet", false, "Only print the final report")
)

func main() {
	flag.Parse()
	if *showVer {
		fmt.Println(version.String())
		return
	}

	cfg := config.Default()
	if *configFile != "" {
		loaded, err := config.Load(*configFile)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}
	cfg.Log.Level = *logLevel
	applyFlags(cfg)

	logCfg := cfg.Log
	logCfg.File = ""
	logger, err := logging.New(logCfg)
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	undo := logging.Install(logger)
	defer undo()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	simCfg := sim.Config{
		Duration:  cfg.Sim.Duration,
		FrameRate: cfg.Sim.FrameRate,
		Clients:   cfg.Sim.Clients,
		Seed:      uint64(cfg.Sim.Seed),
		Latency:   cfg.Sim.Latency,
		Jitter:    cfg.Sim.Jitter,
		Loss:      cfg.Sim.Loss,
		Reorder:   cfg.Sim.Reorder,
		Offset:    cfg.Sim.Offset,
		Tolerance: cfg.Sim.Tolerance,
		Sync:      cfg.Sync,
		Logger:    logger.Named("sim"),
	}
	if !*quiet {
		simCfg.Progress = printProgress
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Simulating %v: %d client(s), latency %v +/- %v, loss %.0f%%, reorder %.0f%%, offset %v\n",
		simCfg.Duration, simCfg.Clients, simCfg.Latency, simCfg.Jitter,
		simCfg.Loss*100, simCfg.Reorder*100, simCfg.Offset)

	report, err := sim.Run(ctx, simCfg)
	if err != nil {
		logger.Fatal("simulation failed", zap.Error(err))
	}
	printReport(report, simCfg.Tolerance)
}

// applyFlags overrides file values with flags given on the command line
func applyFlags(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "duration":
			cfg.Sim.Duration = *duration
		case "clients":
			cfg.Sim.Clients = *clients
		case "seed":
			cfg.Sim.Seed = *seed
		case "latency":
			cfg.Sim.Latency = *latency
		case "jitter":
			cfg.Sim.Jitter = *jitter
		case "loss":
			cfg.Sim.Loss = *loss
		case "reorder":
			cfg.Sim.Reorder = *reorder
		case "offset":
			cfg.Sim.Offset = *offset
		case "tolerance":
			cfg.Sim.Tolerance = *tolerance
		case "frame-rate":
			cfg.Sim.FrameRate = *frameRate
		}
	})
}

func printProgress(s sim.Snapshot) {
	fmt.Printf("t=%5.1fs server=%9.3fs", s.SimSeconds, s.ServerSeconds)
	for _, c := range s.Clients {
		marker := ""
		if c.Interpolating {
			marker = "*"
		}
		fmt.Printf("  %s %+8.2fms %s%s", c.Name, c.ErrorSeconds*1000, c.Quality, marker)
	}
	fmt.Println()
}

func printReport(r *sim.Report, tolerance time.Duration) {
	fmt.Printf("\nRan %v, server at %.3fs\n", r.Duration, r.ServerSeconds)
	for _, c := range r.Clients {
		converged := "never"
		if c.ConvergedAt >= 0 {
			converged = c.ConvergedAt.String()
		}
		fmt.Printf("%s:\n", c.Name)
		fmt.Printf("  final error      %v\n", c.FinalError)
		fmt.Printf("  max late error   %v (tolerance %v)\n", c.MaxLateError, tolerance)
		fmt.Printf("  converged at     %s\n", converged)
		fmt.Printf("  backward steps   %d\n", c.Backsteps)
		fmt.Printf("  median rtt       %.2fms over %d samples\n", c.Stats.Rtt.Median*1000, c.Stats.Rtt.Count)
		fmt.Printf("  adjustments      %d\n", c.Stats.Adjustments)
		for _, o := range []netsync.Outcome{
			netsync.OutcomeAdjusted,
			netsync.OutcomeWithinThreshold,
			netsync.OutcomeRejectedStale,
			netsync.OutcomeRejectedInvalid,
		} {
			fmt.Printf("    %-18s %d\n", o, c.Stats.Results[o])
		}
		fmt.Printf("  up   sent %d dropped %d reordered %d\n", c.Up.Sent, c.Up.Dropped, c.Up.Reordered)
		fmt.Printf("  down sent %d dropped %d reordered %d\n", c.Down.Sent, c.Down.Dropped, c.Down.Reordered)
	}
}
