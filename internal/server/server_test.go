// ABOUTME: Tests for the netclock server
// ABOUTME: Tests time responses, rate limiting, duplicates and the metrics endpoint
package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Resonate-Protocol/netclock-go/internal/client"
	"github.com/Resonate-Protocol/netclock-go/internal/protocol"
	netsync "github.com/Resonate-Protocol/netclock-go/pkg/sync"
)

func newTestServer(t *testing.T, config Config) (*Server, string) {
	t.Helper()
	clock := netsync.NewManualClock(0)
	config.Clock = clock
	s := New(config)

	keeper := s.Engine().Keeper()
	keeper.Update()
	clock.Advance(50 * time.Millisecond)
	keeper.Update()

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return s, strings.TrimPrefix(srv.URL, "http://")
}

func connect(t *testing.T, addr, id string) *client.Client {
	t.Helper()
	c := client.NewClient(client.Config{ServerAddr: addr, Path: Path, ClientID: id, Name: id})
	if err := c.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestTimeRequestAnswered(t *testing.T) {
	s, addr := newTestServer(t, Config{Name: "Test Server"})
	c := connect(t, addr, "c1")

	if hello := c.ServerHello(); hello.Name != "Test Server" || hello.ServerTicks != int64(s.ServerTicks()) {
		t.Errorf("unexpected server hello: %+v", hello)
	}

	if err := c.SendTimeRequest(netsync.RequestRecord{UID: 11, SentAtTicks: 5}); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	select {
	case resp := <-c.TimeResponses:
		if resp.UID != 11 || resp.SentAtTicks != 5 {
			t.Errorf("expected echo of uid 11 and sent ticks 5, got %+v", resp)
		}
		if resp.ServerTicks != int64(s.ServerTicks()) {
			t.Errorf("expected server ticks %d, got %d", s.ServerTicks(), resp.ServerTicks)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for time response")
	}

	if got := s.Status().Answered; got != 1 {
		t.Errorf("expected 1 answered request, got %d", got)
	}
}

func TestTimeRequestsRateLimited(t *testing.T) {
	s, addr := newTestServer(t, Config{RequestsPerSecond: 0.001, Burst: 1})
	c := connect(t, addr, "c1")

	for uid := uint64(1); uid <= 3; uid++ {
		if err := c.SendTimeRequest(netsync.RequestRecord{UID: uid}); err != nil {
			t.Fatalf("send failed: %v", err)
		}
	}

	timeout := time.After(2 * time.Second)
	responses, limited := 0, 0
	for responses+limited < 3 {
		select {
		case <-c.TimeResponses:
			responses++
		case serverErr := <-c.Errors:
			if serverErr.Code != protocol.ErrRateLimited {
				t.Errorf("expected code %s, got %s", protocol.ErrRateLimited, serverErr.Code)
			}
			limited++
		case <-timeout:
			t.Fatalf("timed out with %d responses and %d limited", responses, limited)
		}
	}

	if responses != 1 || limited != 2 {
		t.Errorf("expected 1 response and 2 limited, got %d and %d", responses, limited)
	}
	if got := s.Status().RateLimited; got != 2 {
		t.Errorf("expected 2 rate limited in status, got %d", got)
	}
}

func TestDuplicateClientRejected(t *testing.T) {
	s, addr := newTestServer(t, Config{})
	connect(t, addr, "same")

	dup := client.NewClient(client.Config{ServerAddr: addr, Path: Path, ClientID: "same"})
	if err := dup.Connect(); err == nil {
		dup.Close()
		t.Fatal("expected duplicate client to be rejected")
	}

	if clients := s.Clients(); len(clients) != 1 || clients[0].ID != "same" {
		t.Errorf("expected only the first client registered, got %+v", clients)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := New(Config{Clock: netsync.NewManualClock(0)})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}

	for _, want := range []string{
		`netclock_server_time_requests_total{result="answered"} 0`,
		"netclock_server_clients 0",
		`netclock_elapsed_seconds{role="server"}`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("expected metrics to contain %q", want)
		}
	}
	if strings.Contains(string(body), "netclock_quality") {
		t.Error("expected no quality metric for the authority")
	}
}

func TestClockLoopAdvancesKeeper(t *testing.T) {
	keeper := netsync.NewTimeKeeper(netsync.NewMonotonicClock(nil), netsync.DefaultConfig())
	loop := NewClockLoop(keeper, 200, 5*time.Millisecond)

	frames := make(chan int64, 100)
	loop.onFrame = func(frame int64) {
		select {
		case frames <- frame:
		default:
		}
	}

	done := make(chan struct{})
	go func() {
		loop.Start()
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	loop.Stop()
	loop.Stop()
	<-done

	if keeper.UpdateCount() < 2 {
		t.Errorf("expected several updates, got %d", keeper.UpdateCount())
	}
	if keeper.FixedUpdateCount() < 1 {
		t.Errorf("expected fixed updates, got %d", keeper.FixedUpdateCount())
	}
	if keeper.ElapsedTicks() <= 0 {
		t.Errorf("expected elapsed time to advance, got %d", keeper.ElapsedTicks())
	}
	if len(frames) == 0 {
		t.Error("expected onFrame to be called")
	}
}

func TestTUIViewListsClients(t *testing.T) {
	m := tuiModel{
		status: ServerStatus{
			Name:          "lab",
			Port:          8927,
			ServerSeconds: 12.5,
			Clients: []ClientInfo{
				{Name: "desk", Addr: "10.0.0.2:5000", Answered: 4, RateLimited: 1},
			},
		},
		startTime: time.Now(),
	}

	view := m.View()
	for _, want := range []string{"Netclock Server", "lab", "12.500s", "desk", "1 limited"} {
		if !strings.Contains(view, want) {
			t.Errorf("expected view to contain %q", want)
		}
	}
}
