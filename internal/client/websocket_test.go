// ABOUTME: Tests for WebSocket client implementation
// ABOUTME: Tests connection, handshake, and message routing against a fake server
package client

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Resonate-Protocol/netclock-go/internal/protocol"
	netsync "github.com/Resonate-Protocol/netclock-go/pkg/sync"
	"github.com/gorilla/websocket"
)

// fakeServer answers the handshake with hello and every time request with
// a response carrying serverTicks.
func fakeServer(t *testing.T, hello protocol.ServerHello, serverTicks int64) string {
	t.Helper()
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil || env.Type != protocol.TypeClientHello {
			return
		}
		if err := conn.WriteJSON(protocol.Message{Type: protocol.TypeServerHello, Payload: hello}); err != nil {
			return
		}

		for {
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			var req protocol.TimeRequest
			if err := env.Decode(&req); err != nil {
				continue
			}
			if req.UID == 0 {
				_ = conn.WriteJSON(protocol.Message{
					Type:    protocol.TypeServerError,
					Payload: protocol.ServerError{Code: protocol.ErrBadRequest, Message: "uid required"},
				})
				continue
			}
			_ = conn.WriteJSON(protocol.Message{
				Type: protocol.TypeServerTime,
				Payload: protocol.TimeResponse{
					UID:         req.UID,
					SentAtTicks: req.SentAtTicks,
					ServerTicks: serverTicks,
				},
			})
		}
	}))
	t.Cleanup(srv.Close)

	return strings.TrimPrefix(srv.URL, "http://")
}

func validHello() protocol.ServerHello {
	return protocol.ServerHello{
		ServerID:       "srv-1",
		Name:           "Test Server",
		Version:        protocol.Version,
		TicksPerSecond: int64(netsync.TicksPerSecond),
	}
}

func TestNewClient(t *testing.T) {
	config := Config{
		ServerAddr: "localhost:8927",
		ClientID:   "test-client",
		Name:       "Test Node",
	}

	client := NewClient(config)
	if client == nil {
		t.Fatal("expected client to be created")
	}

	if client.config.ServerAddr != "localhost:8927" {
		t.Errorf("expected server addr localhost:8927, got %s", client.config.ServerAddr)
	}
	if client.config.Path != "/netclock" {
		t.Errorf("expected default path /netclock, got %s", client.config.Path)
	}
	if client.IsConnected() {
		t.Error("expected new client to be disconnected")
	}
}

func TestConnectAndRoundTrip(t *testing.T) {
	addr := fakeServer(t, validHello(), 123_456)

	c := NewClient(Config{ServerAddr: addr, Path: "/", ClientID: "c1", Name: "Test"})
	if err := c.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer c.Close()

	if c.ServerHello().Name != "Test Server" {
		t.Errorf("expected server name Test Server, got %s", c.ServerHello().Name)
	}

	if err := c.SendTimeRequest(netsync.RequestRecord{UID: 7, SentAtTicks: 99}); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	select {
	case resp := <-c.TimeResponses:
		if resp.UID != 7 || resp.SentAtTicks != 99 || resp.ServerTicks != 123_456 {
			t.Errorf("unexpected response: %+v", resp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for time response")
	}
}

func TestServerErrorRouted(t *testing.T) {
	addr := fakeServer(t, validHello(), 0)

	c := NewClient(Config{ServerAddr: addr, Path: "/"})
	if err := c.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer c.Close()

	if err := c.SendTimeRequest(netsync.RequestRecord{UID: 0}); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	select {
	case serverErr := <-c.Errors:
		if serverErr.Code != protocol.ErrBadRequest {
			t.Errorf("expected code %s, got %s", protocol.ErrBadRequest, serverErr.Code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server error")
	}
}

func TestHandshakeRejectsTickRateMismatch(t *testing.T) {
	hello := validHello()
	hello.TicksPerSecond = 1_000_000
	addr := fakeServer(t, hello, 0)

	c := NewClient(Config{ServerAddr: addr, Path: "/"})
	if err := c.Connect(); err == nil {
		c.Close()
		t.Fatal("expected handshake to fail")
	}
	if c.IsConnected() {
		t.Error("expected client to be disconnected after failed handshake")
	}
}

func TestCloseEndsReadLoop(t *testing.T) {
	addr := fakeServer(t, validHello(), 0)

	c := NewClient(Config{ServerAddr: addr, Path: "/"})
	if err := c.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	c.Close()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not exit")
	}
	if err := c.SendTimeRequest(netsync.RequestRecord{UID: 1}); err == nil {
		t.Error("expected send on closed client to fail")
	}
}

func TestHelloCarriesDeviceInfo(t *testing.T) {
	hellos := make(chan protocol.ClientHello, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		var hello protocol.ClientHello
		if err := env.Decode(&hello); err == nil {
			hellos <- hello
		}
		_ = conn.WriteJSON(protocol.Message{Type: protocol.TypeServerHello, Payload: validHello()})
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	info := protocol.DeviceInfo{ProductName: "netclock", Manufacturer: "Acme", SoftwareVersion: "1.2.3"}
	c := NewClient(Config{
		ServerAddr: strings.TrimPrefix(srv.URL, "http://"),
		Path:       "/",
		ClientID:   "c1",
		Name:       "Kitchen",
		DeviceInfo: info,
	})
	if err := c.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer c.Close()

	select {
	case hello := <-hellos:
		if hello.ClientID != "c1" || hello.Name != "Kitchen" || hello.Version != protocol.Version {
			t.Errorf("unexpected hello: %+v", hello)
		}
		if hello.DeviceInfo == nil || *hello.DeviceInfo != info {
			t.Errorf("expected device info %+v, got %+v", info, hello.DeviceInfo)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received client/hello")
	}
}

func TestSendFailsWhenWriteDeadlinePasses(t *testing.T) {
	addr := fakeServer(t, validHello(), 1)

	c := NewClient(Config{ServerAddr: addr, Path: "/", ClientID: "c1", Name: "Test"})
	if c.config.WriteTimeout != writeTimeout {
		t.Errorf("expected default write timeout %v, got %v", writeTimeout, c.config.WriteTimeout)
	}
	if err := c.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer c.Close()

	// a deadline that has already passed when the frame is written
	c.config.WriteTimeout = time.Nanosecond

	start := time.Now()
	if err := c.SendTimeRequest(netsync.RequestRecord{UID: 1, SentAtTicks: 1}); err == nil {
		t.Error("expected write to fail once its deadline passed")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("expected send to return promptly, took %v", elapsed)
	}
}
