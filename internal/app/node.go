// ABOUTME: Client node application orchestration
// ABOUTME: Runs the frame loop, the sync loop, discovery, metrics and the TUI
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Resonate-Protocol/netclock-go/internal/client"
	"github.com/Resonate-Protocol/netclock-go/internal/discovery"
	"github.com/Resonate-Protocol/netclock-go/internal/protocol"
	"github.com/Resonate-Protocol/netclock-go/internal/ui"
	"github.com/Resonate-Protocol/netclock-go/internal/version"
	netsync "github.com/Resonate-Protocol/netclock-go/pkg/sync"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	statusEveryFrames = 15
	reconnectInitial  = time.Second
	reconnectMax      = 30 * time.Second
)

// Config holds client node configuration
type Config struct {
	ServerAddr  string // empty browses mDNS
	Name        string
	FrameRate   int
	UseTUI      bool
	NTPServer   string // empty uses the system wall clock
	MetricsAddr string // empty disables /metrics

	Sync   netsync.Config
	Logger *zap.Logger
}

// Node is a non-authoritative participant that keeps network time
type Node struct {
	config   Config
	clientID string

	clock  *netsync.MonotonicClock
	wall   *netsync.NTPWall
	engine *netsync.Engine

	clientMu   sync.RWMutex
	client     *client.Client
	serverName string
	connected  atomic.Bool

	discovery *discovery.Manager
	registry  *prometheus.Registry
	metrics   *http.Server

	tuiProg *tea.Program
	control *ui.Control

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new client node
func New(config Config) *Node {
	if config.FrameRate <= 0 {
		config.FrameRate = 60
	}
	if config.Name == "" {
		config.Name = "netclock-client"
	}
	ctx, cancel := context.WithCancel(context.Background())

	var wall *netsync.NTPWall
	var source netsync.WallSource
	if config.NTPServer != "" {
		wall = netsync.NewNTPWall(config.NTPServer, config.Logger)
		source = wall
	}
	clock := netsync.NewMonotonicClock(source)
	engine := netsync.NewEngine(config.Sync, clock, netsync.WithLogger(config.Logger))

	registry := prometheus.NewRegistry()
	registry.MustRegister(netsync.NewCollector(engine, "client"))

	n := &Node{
		config:   config,
		clientID: uuid.New().String(),
		clock:    clock,
		wall:     wall,
		engine:   engine,
		registry: registry,
		control:  ui.NewControl(),
		ctx:      ctx,
		cancel:   cancel,
	}

	// Subscribe only fails on a nil func
	_ = engine.Keeper().Subscribe(n.onTimeSet)

	return n
}

// Engine returns the node's sync engine
func (n *Node) Engine() *netsync.Engine {
	return n.engine
}

// Connected reports whether the node has a live server connection
func (n *Node) Connected() bool {
	return n.connected.Load()
}

// Start runs the node until Stop is called or the TUI quits
func (n *Node) Start() error {
	if n.config.UseTUI {
		n.tuiProg = ui.Run(n.control)
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if _, err := n.tuiProg.Run(); err != nil {
				zap.S().Errorf("TUI error: %v", err)
			}
			n.cancel()
		}()
	}

	if n.wall != nil {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.wall.Run(n.ctx)
		}()
	}

	if n.config.MetricsAddr != "" {
		if err := n.startMetrics(); err != nil {
			n.cancel()
			return err
		}
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.frameLoop()
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.connectionLoop()
	}()

	select {
	case <-n.ctx.Done():
	case <-n.control.Quit:
		n.cancel()
	}

	n.shutdown()
	return nil
}

// Stop stops the node
func (n *Node) Stop() {
	n.cancel()
}

func (n *Node) shutdown() {
	if c := n.currentClient(); c != nil {
		c.Close()
	}
	if n.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = n.metrics.Shutdown(ctx)
		cancel()
	}
	if n.tuiProg != nil {
		n.tuiProg.Quit()
	}
	n.wg.Wait()
	if n.discovery != nil {
		n.discovery.Stop()
	}
	zap.S().Infof("Client stopped at network time %.3fs", n.engine.Keeper().ElapsedSeconds())
}

func (n *Node) startMetrics() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(n.registry, promhttp.HandlerOpts{}))
	n.metrics = &http.Server{
		Addr:              n.config.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		if err := n.metrics.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("metrics server failed: %w", err)
	case <-time.After(50 * time.Millisecond):
		zap.S().Infof("Metrics available on http://%s/metrics", n.config.MetricsAddr)
		return nil
	}
}

// frameLoop advances the keeper and issues scheduled sync requests
func (n *Node) frameLoop() {
	keeper := n.engine.Keeper()

	frames := time.NewTicker(time.Second / time.Duration(n.config.FrameRate))
	defer frames.Stop()
	fixed := time.NewTicker(n.engine.Config().FixedStep)
	defer fixed.Stop()

	keeper.Update()

	for {
		select {
		case <-frames.C:
			keeper.Update()
			if n.connected.Load() {
				if req, ok := n.engine.BeginSync(); ok {
					n.send(req)
				}
			}
			if keeper.UpdateCount()%statusEveryFrames == 0 {
				n.pushStatus()
			}

		case <-fixed.C:
			keeper.FixedUpdate()

		case <-n.control.SyncNow:
			if n.connected.Load() {
				n.send(n.engine.BeginSyncNow())
			}

		case <-n.ctx.Done():
			return
		}
	}
}

// connectionLoop keeps a server connection up, reconnecting with backoff
func (n *Node) connectionLoop() {
	backoff := reconnectInitial
	for {
		addr, err := n.resolveServer()
		if err != nil {
			return
		}

		c, err := n.connect(addr)
		if err != nil {
			zap.S().Warnf("Connection to %s failed: %v (retry in %v)", addr, err, backoff)
			select {
			case <-time.After(backoff):
			case <-n.ctx.Done():
				return
			}
			backoff = min(backoff*2, reconnectMax)
			continue
		}
		backoff = reconnectInitial

		n.receive(c)

		n.connected.Store(false)
		n.pushStatus()
		select {
		case <-n.ctx.Done():
			return
		default:
			zap.S().Warnf("Disconnected from %s, reconnecting", addr)
		}
	}
}

// resolveServer returns the configured address or waits for mDNS to find one
func (n *Node) resolveServer() (string, error) {
	if n.config.ServerAddr != "" {
		return n.config.ServerAddr, nil
	}

	if n.discovery == nil {
		n.discovery = discovery.NewManager(discovery.Config{ServiceName: n.config.Name})
		n.discovery.Browse()
		zap.S().Infof("Browsing for %s servers", discovery.ServerService)
	}

	select {
	case server := <-n.discovery.Servers():
		return server.Addr(), nil
	case <-n.ctx.Done():
		return "", n.ctx.Err()
	}
}

// connect establishes a connection and forces the first sync
func (n *Node) connect(addr string) (*client.Client, error) {
	c := client.NewClient(client.Config{
		ServerAddr: addr,
		ClientID:   n.clientID,
		Name:       n.config.Name,
		DeviceInfo: version.DeviceInfo(),
	})

	if err := c.Connect(); err != nil {
		return nil, err
	}

	hello := c.ServerHello()
	n.clientMu.Lock()
	n.client = c
	n.serverName = hello.Name
	n.clientMu.Unlock()

	n.engine.Connected()
	n.connected.Store(true)
	zap.S().Infof("Connected to server %s at %s (wall %s)", hello.Name, addr, n.clock.WallNow().Format(time.RFC3339Nano))

	n.send(n.engine.BeginSyncNow())
	n.pushStatus()
	return c, nil
}

// receive feeds time responses into the engine until the connection drops
func (n *Node) receive(c *client.Client) {
	for {
		select {
		case resp := <-c.TimeResponses:
			res := n.engine.HandleResponse(resp.UID, netsync.Tick(resp.ServerTicks))
			if !res.Outcome.Accepted() {
				zap.S().Debugf("Time response %d %s", resp.UID, res.Outcome)
			}

		case serverErr := <-c.Errors:
			if serverErr.Code == protocol.ErrRateLimited {
				zap.S().Debugf("Sync request rate limited by server")
			}

		case <-c.Done():
			return

		case <-n.ctx.Done():
			c.Close()
			return
		}
	}
}

func (n *Node) send(req netsync.RequestRecord) {
	c := n.currentClient()
	if c == nil {
		return
	}
	if err := c.SendTimeRequest(req); err != nil {
		zap.S().Debugf("Failed to send time request: %v", err)
	}
}

func (n *Node) currentClient() *client.Client {
	n.clientMu.RLock()
	defer n.clientMu.RUnlock()
	return n.client
}

// onTimeSet runs synchronously inside SetFromAuthority
func (n *Node) onTimeSet(fromSeconds, toSeconds float64, _, _ netsync.Tick) {
	zap.S().Debugf("Network time retargeted %.6fs -> %.6fs", fromSeconds, toSeconds)
}

// pushStatus sends the current state to the TUI
func (n *Node) pushStatus() {
	if n.tuiProg == nil {
		return
	}

	connected := n.connected.Load()
	stats := n.engine.Stats()
	msg := ui.StatusMsg{
		Connected:  &connected,
		Stats:      &stats,
		DebugState: n.engine.Keeper().DebugState(),
	}
	n.clientMu.RLock()
	msg.ServerName = n.serverName
	n.clientMu.RUnlock()

	if n.wall != nil {
		if offset, lastSync, _ := n.wall.Health(); !lastSync.IsZero() {
			msg.NTPOffset = &offset
		}
	}

	n.tuiProg.Send(msg)
}
