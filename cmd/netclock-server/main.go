// ABOUTME: Entry point for the netclock authoritative server
// ABOUTME: Parses CLI flags over an optional YAML config and starts the server
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/Resonate-Protocol/netclock-go/internal/config"
	"github.com/Resonate-Protocol/netclock-go/internal/logging"
	"github.com/Resonate-Protocol/netclock-go/internal/server"
	"github.com/Resonate-Protocol/netclock-go/internal/version"
	"go.uber.org/zap"
)

var (
	configFile = flag.String("config", "", "YAML config file")
	showVer    = flag.Bool("version", false, "Print version and exit")
	port       = flag.Int("port", 8927, "WebSocket server port")
	name       = flag.String("name", "", "Server friendly name (default: hostname-netclock-server)")
	frameRate  = flag.Int("frame-rate", 100, "Authoritative clock frames per second")
	rps        = flag.Float64("rps", 20, "Per-client time requests per second")
	burst      = flag.Int("burst", 5, "Per-client request burst")
	logFile    = flag.String("log-file", "netclock-server.log", "Log file path")
	logLevel   = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	noMDNS     = flag.Bool("no-mdns", false, "Disable mDNS advertisement")
	noTUI      = flag.Bool("no-tui", false, "Disable TUI, use streaming logs instead")
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
	applyFlags(cfg)

	useTUI := !*noTUI

	// TUI mode: log only to file
	logCfg := cfg.Log
	logCfg.Console = logCfg.Console && !useTUI
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

	serverName := cfg.Server.Name
	if serverName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		serverName = fmt.Sprintf("%s-netclock-server", hostname)
	}

	zap.S().Infof("Starting netclock server: %s on port %d", serverName, cfg.Server.Port)
	if logCfg.File != "" {
		zap.S().Infof("Logging to: %s", logCfg.File)
	}

	srv := server.New(server.Config{
		Port:              cfg.Server.Port,
		Name:              serverName,
		EnableMDNS:        cfg.Server.MDNS,
		UseTUI:            useTUI,
		FrameRate:         cfg.Server.FrameRate,
		RequestsPerSecond: cfg.Server.RequestsPerSecond,
		Burst:             cfg.Server.Burst,
		Sync:              cfg.Sync,
		Logger:            logger.Named("sync"),
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		zap.S().Infof("Received %v signal, shutting down gracefully...", sig)
		srv.Stop()
	}()

	if err := srv.Start(); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}

	zap.S().Info("Server stopped")
}

// applyFlags overrides file values with flags given on the command line
func applyFlags(cfg *config.Config) {
	if cfg.Log.File == "" {
		cfg.Log.File = *logFile
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "log-file":
			cfg.Log.File = *logFile
		case "log-level":
			cfg.Log.Level = *logLevel
		case "port":
			cfg.Server.Port = *port
		case "name":
			cfg.Server.Name = *name
		case "frame-rate":
			cfg.Server.FrameRate = *frameRate
		case "rps":
			cfg.Server.RequestsPerSecond = *rps
		case "burst":
			cfg.Server.Burst = *burst
		case "no-mdns":
			cfg.Server.MDNS = !*noMDNS
		}
	})
}
