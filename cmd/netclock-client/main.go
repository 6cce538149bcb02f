// ABOUTME: Entry point for a netclock client node
// ABOUTME: Parses CLI flags over an optional YAML config and keeps network time
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/Resonate-Protocol/netclock-go/internal/app"
	"github.com/Resonate-Protocol/netclock-go/internal/config"
	"github.com/Resonate-Protocol/netclock-go/internal/logging"
	"github.com/Resonate-Protocol/netclock-go/internal/version"
	"go.uber.org/zap"
)

var (
	configFile  = flag.String("config", "", "YAML config file")
	showVer     = flag.Bool("version", false, "Print version and exit")
	serverAddr  = flag.String("server", "", "Manual server address (skip mDNS)")
	name        = flag.String("name", "", "Client friendly name (default: hostname-netclock-client)")
	frameRate   = flag.Int("frame-rate", 60, "Frames per second")
	ntpServer   = flag.String("ntp", "", "NTP server for the wall clock view (default: system clock)")
	metricsAddr = flag.String("metrics", "", "Serve /metrics on this address")
	logFile     = flag.String("log-file", "netclock-client.log", "Log file path")
	logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	noTUI       = flag.Bool("no-tui", false, "Disable TUI, use streaming logs instead")
	streamLogs  = flag.Bool("stream-logs", false, "Alias for -no-tui")
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

	useTUI := !(*noTUI || *streamLogs)

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

	clientName := cfg.Client.Name
	if clientName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		clientName = fmt.Sprintf("%s-netclock-client", hostname)
	}

	zap.S().Infof("Starting netclock client: %s", clientName)
	if cfg.Client.Server == "" {
		zap.S().Info("No server given, discovering via mDNS")
	}

	node := app.New(app.Config{
		ServerAddr:  cfg.Client.Server,
		Name:        clientName,
		FrameRate:   cfg.Client.FrameRate,
		UseTUI:      useTUI,
		NTPServer:   cfg.Client.NTPServer,
		MetricsAddr: cfg.Client.MetricsAddr,
		Sync:        cfg.Sync,
		Logger:      logger.Named("sync"),
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		zap.S().Infof("Received %v signal, shutting down...", sig)
		node.Stop()
	}()

	if err := node.Start(); err != nil {
		logger.Fatal("client error", zap.Error(err))
	}
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
		case "server":
			cfg.Client.Server = *serverAddr
		case "name":
			cfg.Client.Name = *name
		case "frame-rate":
			cfg.Client.FrameRate = *frameRate
		case "ntp":
			cfg.Client.NTPServer = *ntpServer
		case "metrics":
			cfg.Client.MetricsAddr = *metricsAddr
		}
	})
}
