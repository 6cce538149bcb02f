// ABOUTME: WebSocket client for the netclock protocol
// ABOUTME: Handles connection, handshake, and routing of time responses
package client

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/Resonate-Protocol/netclock-go/internal/protocol"
	netsync "github.com/Resonate-Protocol/netclock-go/pkg/sync"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	handshakeTimeout = 5 * time.Second
	writeTimeout     = time.Second
)

// Config holds client configuration
type Config struct {
	ServerAddr string
	Path       string
	ClientID   string
	Name       string
	DeviceInfo protocol.DeviceInfo
	// WriteTimeout bounds each write so a stalled socket cannot block the caller
	WriteTimeout time.Duration
}

// Client represents a WebSocket client
type Client struct {
	config Config
	conn   *websocket.Conn
	mu     sync.RWMutex
	// gorilla connections allow one concurrent writer
	writeMu sync.Mutex

	// Message channels
	TimeResponses chan protocol.TimeResponse
	Errors        chan protocol.ServerError

	// State
	hello     protocol.ServerHello
	connected bool
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewClient creates a new WebSocket client
func NewClient(config Config) *Client {
	if config.Path == "" {
		config.Path = "/netclock"
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = writeTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		config:        config,
		TimeResponses: make(chan protocol.TimeResponse, 16),
		Errors:        make(chan protocol.ServerError, 4),
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
}

// Connect establishes WebSocket connection and performs handshake
func (c *Client) Connect() error {
	u := url.URL{Scheme: "ws", Host: c.config.ServerAddr, Path: c.config.Path}
	zap.S().Infof("Connecting to %s", u.String())

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = handshakeTimeout
	conn, _, err := dialer.DialContext(c.ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	if err := c.handshake(); err != nil {
		c.Close()
		return fmt.Errorf("handshake failed: %w", err)
	}

	go c.readMessages()

	return nil
}

// handshake sends client/hello and waits for server/hello
func (c *Client) handshake() error {
	hello := protocol.ClientHello{
		ClientID:   c.config.ClientID,
		Name:       c.config.Name,
		Version:    protocol.Version,
		DeviceInfo: &c.config.DeviceInfo,
	}

	if err := c.sendJSON(protocol.Message{Type: protocol.TypeClientHello, Payload: hello}); err != nil {
		return fmt.Errorf("failed to send client/hello: %w", err)
	}

	_ = c.conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var env protocol.Envelope
	if err := c.conn.ReadJSON(&env); err != nil {
		return fmt.Errorf("failed to read server/hello: %w", err)
	}
	_ = c.conn.SetReadDeadline(time.Time{})

	if env.Type != protocol.TypeServerHello {
		return fmt.Errorf("expected server/hello, got %s", env.Type)
	}
	var serverHello protocol.ServerHello
	if err := env.Decode(&serverHello); err != nil {
		return err
	}
	if serverHello.Version != protocol.Version {
		return fmt.Errorf("unsupported protocol version %d", serverHello.Version)
	}
	if serverHello.TicksPerSecond != int64(netsync.TicksPerSecond) {
		return fmt.Errorf("server uses %d ticks per second, want %d", serverHello.TicksPerSecond, int64(netsync.TicksPerSecond))
	}

	c.mu.Lock()
	c.hello = serverHello
	c.mu.Unlock()

	zap.S().Infof("Handshake complete with server %s (%s)", serverHello.Name, serverHello.ServerID)
	return nil
}

// sendJSON sends a JSON message
func (c *Client) sendJSON(msg protocol.Message) error {
	c.mu.RLock()
	conn, connected := c.conn, c.connected
	c.mu.RUnlock()

	if !connected {
		return fmt.Errorf("not connected")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	return conn.WriteJSON(msg)
}

// readMessages reads and routes incoming messages
func (c *Client) readMessages() {
	defer close(c.done)
	defer c.Close()

	for {
		var env protocol.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			select {
			case <-c.ctx.Done():
			default:
				zap.S().Warnf("Read error: %v", err)
			}
			return
		}
		c.handleMessage(env)
	}
}

// handleMessage routes JSON messages
func (c *Client) handleMessage(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeServerTime:
		var resp protocol.TimeResponse
		if err := env.Decode(&resp); err != nil {
			zap.S().Warnf("Dropping malformed time response: %v", err)
			return
		}
		select {
		case c.TimeResponses <- resp:
		case <-c.ctx.Done():
		}

	case protocol.TypeServerError:
		var serverErr protocol.ServerError
		if err := env.Decode(&serverErr); err != nil {
			zap.S().Warnf("Dropping malformed server error: %v", err)
			return
		}
		zap.S().Warnf("Server error: %s: %s", serverErr.Code, serverErr.Message)
		select {
		case c.Errors <- serverErr:
		default:
		}

	default:
		zap.S().Debugf("Unknown message type: %s", env.Type)
	}
}

// SendTimeRequest sends a client/time message for a recorded request
func (c *Client) SendTimeRequest(r netsync.RequestRecord) error {
	return c.sendJSON(protocol.Message{
		Type: protocol.TypeClientTime,
		Payload: protocol.TimeRequest{
			UID:         r.UID,
			SentAtTicks: int64(r.SentAtTicks),
		},
	})
}

// ServerHello returns the hello received during the handshake
func (c *Client) ServerHello() protocol.ServerHello {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hello
}

// Done is closed once the read loop has exited
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		c.connected = false
		c.cancel()
		c.conn.Close()
		zap.S().Infof("Connection closed")
	}
}

// IsConnected returns connection status
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}
