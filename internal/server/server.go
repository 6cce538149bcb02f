// ABOUTME: Authoritative netclock server
// ABOUTME: Manages WebSocket connections and answers time requests from its own keeper
package server

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Resonate-Protocol/netclock-go/internal/discovery"
	"github.com/Resonate-Protocol/netclock-go/internal/protocol"
	netsync "github.com/Resonate-Protocol/netclock-go/pkg/sync"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// Path is the WebSocket endpoint
	Path = "/netclock"

	writeDeadline = 10 * time.Second
	pingInterval  = 30 * time.Second
)

// Config holds server configuration
type Config struct {
	Port       int
	Name       string
	EnableMDNS bool
	UseTUI     bool
	FrameRate  int

	// Per-client limit on client/time messages
	RequestsPerSecond float64
	Burst             int

	Sync netsync.Config
	// Clock drives the authoritative keeper. Nil uses a MonotonicClock.
	Clock netsync.TickSource
	// Logger is handed to the sync engine. Nil disables engine logging.
	Logger *zap.Logger
}

// Server represents the netclock server
type Server struct {
	config   Config
	serverID string

	// WebSocket upgrader
	upgrader websocket.Upgrader

	// HTTP server
	httpServer *http.Server
	mux        *http.ServeMux

	// Client management
	clients   map[string]*Client
	clientsMu sync.RWMutex

	// Authoritative time
	engine    *netsync.Engine
	clockLoop *ClockLoop

	metrics     *metrics
	answered    atomic.Int64
	rateLimited atomic.Int64

	// mDNS discovery
	mdnsManager *discovery.Manager

	// TUI
	tui       *ServerTUI
	startTime time.Time

	// Control
	stopChan   chan struct{}
	stopOnce   sync.Once
	shutdownMu sync.RWMutex
	isShutdown bool
	wg         sync.WaitGroup
}

// Client represents a connected client
type Client struct {
	ID          string
	Name        string
	Conn        *websocket.Conn
	RemoteAddr  string
	ConnectedAt time.Time

	limiter *rate.Limiter

	mu          sync.Mutex
	answered    int64
	rateLimited int64

	// Output channel for messages
	sendChan chan protocol.Message
}

// New creates a new server instance
func New(config Config) *Server {
	if config.Name == "" {
		config.Name = "netclock-server"
	}
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 20
	}
	if config.Burst <= 0 {
		config.Burst = 5
	}
	clock := config.Clock
	if clock == nil {
		clock = netsync.NewMonotonicClock(nil)
	}

	engine := netsync.NewEngine(config.Sync, clock, netsync.WithLogger(config.Logger))

	s := &Server{
		config:   config,
		serverID: uuid.New().String(),
		mux:      http.NewServeMux(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Non-browser clients send no Origin. The server is meant for
				// trusted local networks, so browser origins are logged and allowed.
				if origin := r.Header.Get("Origin"); origin != "" {
					zap.S().Warnf("Accepting WebSocket from origin: %s", origin)
				}
				return true
			},
		},
		clients:   make(map[string]*Client),
		engine:    engine,
		startTime: time.Now(),
		stopChan:  make(chan struct{}),
	}
	s.metrics = newMetrics(engine)
	s.clockLoop = NewClockLoop(engine.Keeper(), config.FrameRate, engine.Config().FixedStep)
	s.clockLoop.onFrame = s.onFrame

	s.mux.HandleFunc(Path, s.handleWebSocket)
	s.mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}))

	return s
}

// Handler returns the HTTP handler serving the WebSocket and metrics endpoints
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Engine returns the server's authoritative sync engine
func (s *Server) Engine() *netsync.Engine {
	return s.engine
}

// ServerTicks is the authoritative time reported to clients
func (s *Server) ServerTicks() netsync.Tick {
	return s.engine.Keeper().ElapsedTicks()
}

// Start starts the server
func (s *Server) Start() error {
	if s.config.UseTUI {
		s.tui = NewServerTUI(s.config.Name, s.config.Port)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.tui.Start(); err != nil {
				zap.S().Errorf("TUI error: %v", err)
			}
		}()

		// Give TUI time to initialize
		time.Sleep(100 * time.Millisecond)
	}

	zap.S().Infof("Server starting: %s (ID: %s)", s.config.Name, s.serverID)

	if s.config.EnableMDNS {
		s.mdnsManager = discovery.NewManager(discovery.Config{
			ServiceName: s.config.Name,
			Port:        s.config.Port,
			ServerMode:  true,
			Path:        Path,
		})

		if err := s.mdnsManager.Advertise(); err != nil {
			zap.S().Warnf("Failed to start mDNS advertisement: %v", err)
		} else {
			zap.S().Infof("mDNS advertisement started")
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.clockLoop.Start()
	}()

	addr := fmt.Sprintf(":%d", s.config.Port)
	zap.S().Infof("WebSocket server listening on %s%s", addr, Path)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	var serverErr error
	var tuiQuitChan <-chan struct{}
	if s.tui != nil {
		tuiQuitChan = s.tui.QuitChan()
	}

	select {
	case <-s.stopChan:
		zap.S().Infof("Server shutting down...")
	case <-tuiQuitChan:
		zap.S().Infof("TUI quit requested, shutting down...")
	case err := <-errChan:
		zap.S().Errorf("HTTP server error: %v", err)
		serverErr = err
	}

	s.shutdownMu.Lock()
	s.isShutdown = true
	s.shutdownMu.Unlock()

	if s.tui != nil {
		s.tui.Stop()
	}

	s.clockLoop.Stop()

	if s.mdnsManager != nil {
		s.mdnsManager.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		zap.S().Warnf("HTTP server shutdown error: %v", err)
	}

	s.closeClients()
	s.wg.Wait()
	zap.S().Infof("Server stopped cleanly")

	if serverErr != nil {
		return fmt.Errorf("HTTP server failed: %w", serverErr)
	}
	return nil
}

// Stop stops the server
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
}

// closeClients closes hijacked connections, which http.Server.Shutdown leaves open
func (s *Server) closeClients() {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for _, c := range s.clients {
		c.Conn.Close()
	}
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		zap.S().Warnf("WebSocket upgrade error: %v", err)
		return
	}

	zap.S().Infof("New WebSocket connection from %s", r.RemoteAddr)

	s.handleConnection(conn, r.RemoteAddr)
}

// handleConnection manages a client connection
func (s *Server) handleConnection(conn *websocket.Conn, remoteAddr string) {
	defer conn.Close()

	s.shutdownMu.RLock()
	if s.isShutdown {
		s.shutdownMu.RUnlock()
		zap.S().Infof("Rejecting connection during shutdown")
		return
	}
	s.shutdownMu.RUnlock()

	_ = conn.SetReadDeadline(time.Now().Add(writeDeadline))
	var env protocol.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		zap.S().Warnf("Error reading hello: %v", err)
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	if env.Type != protocol.TypeClientHello {
		zap.S().Warnf("Expected client/hello, got %s", env.Type)
		return
	}

	var hello protocol.ClientHello
	if err := env.Decode(&hello); err != nil {
		zap.S().Warnf("Error decoding client hello: %v", err)
		return
	}

	if hello.ClientID == "" {
		zap.S().Warnf("Client hello missing ClientID")
		writeError(conn, protocol.ErrBadRequest, "client_id required")
		return
	}
	if hello.Name == "" {
		hello.Name = hello.ClientID
	}

	zap.S().Infof("Client hello: %s (ID: %s, version %d)", hello.Name, hello.ClientID, hello.Version)

	client := &Client{
		ID:          hello.ClientID,
		Name:        hello.Name,
		Conn:        conn,
		RemoteAddr:  remoteAddr,
		ConnectedAt: time.Now(),
		limiter:     rate.NewLimiter(rate.Limit(s.config.RequestsPerSecond), s.config.Burst),
		sendChan:    make(chan protocol.Message, 64),
	}

	// Check for duplicate client ID and register atomically
	s.clientsMu.Lock()
	if existing, exists := s.clients[hello.ClientID]; exists {
		s.clientsMu.Unlock()
		zap.S().Warnf("Client ID %s already connected (name: %s), rejecting duplicate", hello.ClientID, existing.Name)
		writeError(conn, "duplicate_client_id", "Client ID already connected")
		return
	}
	s.clients[client.ID] = client
	s.clientsMu.Unlock()

	s.metrics.clients.Inc()
	s.updateTUI()

	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, client.ID)
		s.clientsMu.Unlock()
		close(client.sendChan)
		s.metrics.clients.Dec()
		zap.S().Infof("Client disconnected: %s", client.Name)
		s.updateTUI()
	}()

	serverHello := protocol.ServerHello{
		ServerID:       s.serverID,
		Name:           s.config.Name,
		Version:        protocol.Version,
		TicksPerSecond: int64(netsync.TicksPerSecond),
		ServerTicks:    int64(s.ServerTicks()),
	}
	if err := s.sendMessage(client, protocol.TypeServerHello, serverHello); err != nil {
		zap.S().Warnf("Error sending server hello: %v", err)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.clientWriter(client)
	}()

	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				zap.S().Debugf("WebSocket error: %v", err)
			}
			return
		}
		s.handleClientMessage(client, env)
	}
}

// clientWriter sends messages to the client
func (s *Server) clientWriter(client *Client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-client.sendChan:
			if !ok {
				return
			}
			_ = client.Conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := client.Conn.WriteJSON(msg); err != nil {
				zap.S().Debugf("Error writing message to %s: %v", client.Name, err)
				return
			}

		case <-ticker.C:
			if err := client.Conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeDeadline)); err != nil {
				return
			}
		}
	}
}

// handleClientMessage processes messages from clients
func (s *Server) handleClientMessage(client *Client, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeClientTime:
		s.handleTimeRequest(client, env)
	default:
		zap.S().Debugf("Unknown message type from %s: %s", client.Name, env.Type)
	}
}

// handleTimeRequest answers client/time with the authoritative elapsed time
func (s *Server) handleTimeRequest(client *Client, env protocol.Envelope) {
	if !client.limiter.Allow() {
		client.mu.Lock()
		client.rateLimited++
		client.mu.Unlock()
		s.rateLimited.Add(1)
		s.metrics.requests.WithLabelValues(resultRateLimited).Inc()
		_ = s.sendMessage(client, protocol.TypeServerError, protocol.ServerError{
			Code:    protocol.ErrRateLimited,
			Message: "time request dropped",
		})
		return
	}

	var req protocol.TimeRequest
	if err := env.Decode(&req); err != nil || req.UID == 0 {
		s.metrics.requests.WithLabelValues(resultInvalid).Inc()
		_ = s.sendMessage(client, protocol.TypeServerError, protocol.ServerError{
			Code:    protocol.ErrBadRequest,
			Message: "malformed time request",
		})
		return
	}

	resp := protocol.TimeResponse{
		UID:         req.UID,
		SentAtTicks: req.SentAtTicks,
		ServerTicks: int64(s.ServerTicks()),
	}
	if err := s.sendMessage(client, protocol.TypeServerTime, resp); err != nil {
		zap.S().Warnf("Error sending server time to %s: %v", client.Name, err)
		return
	}

	client.mu.Lock()
	client.answered++
	client.mu.Unlock()
	s.answered.Add(1)
	s.metrics.requests.WithLabelValues(resultAnswered).Inc()
}

// sendMessage queues a JSON message for a client
func (s *Server) sendMessage(client *Client, msgType string, payload interface{}) error {
	msg := protocol.Message{
		Type:    msgType,
		Payload: payload,
	}

	select {
	case client.sendChan <- msg:
		return nil
	default:
		return fmt.Errorf("client send buffer full")
	}
}

// writeError writes a server/error directly, before the writer goroutine exists
func writeError(conn *websocket.Conn, code, message string) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	_ = conn.WriteJSON(protocol.Message{
		Type:    protocol.TypeServerError,
		Payload: protocol.ServerError{Code: code, Message: message},
	})
}

// Clients returns a snapshot of connected clients sorted by name
func (s *Server) Clients() []ClientInfo {
	s.clientsMu.RLock()
	clients := make([]ClientInfo, 0, len(s.clients))
	for _, c := range s.clients {
		c.mu.Lock()
		clients = append(clients, ClientInfo{
			Name:        c.Name,
			ID:          c.ID,
			Addr:        c.RemoteAddr,
			Connected:   time.Since(c.ConnectedAt),
			Answered:    c.answered,
			RateLimited: c.rateLimited,
		})
		c.mu.Unlock()
	}
	s.clientsMu.RUnlock()

	sort.Slice(clients, func(i, j int) bool { return clients[i].Name < clients[j].Name })
	return clients
}
