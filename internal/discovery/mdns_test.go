// ABOUTME: Tests for mDNS discovery
// ABOUTME: Tests manager setup and parsing of discovered entries
package discovery

import (
	"net"
	"testing"

	"github.com/hashicorp/mdns"
)

func TestNewManager(t *testing.T) {
	mgr := NewManager(Config{
		ServiceName: "Test Server",
		Port:        8927,
		ServerMode:  true,
	})
	if mgr == nil {
		t.Fatal("expected manager to be created")
	}
	if mgr.config.Path != "/netclock" {
		t.Errorf("expected default path /netclock, got %s", mgr.config.Path)
	}
	if mgr.serviceType() != ServerService {
		t.Errorf("expected %s, got %s", ServerService, mgr.serviceType())
	}
	mgr.Stop()
}

func TestParseEntry(t *testing.T) {
	entry := &mdns.ServiceEntry{
		Name:       "lab." + ServerService + ".local.",
		AddrV4:     net.ParseIP("192.168.1.20"),
		Port:       9000,
		InfoFields: []string{"path=/clock"},
	}

	info := parseEntry(entry)
	if info == nil {
		t.Fatal("expected entry to parse")
	}
	if info.Name != "lab" {
		t.Errorf("expected name lab, got %s", info.Name)
	}
	if info.Addr() != "192.168.1.20:9000" {
		t.Errorf("expected addr 192.168.1.20:9000, got %s", info.Addr())
	}
	if info.Path != "/clock" {
		t.Errorf("expected path /clock, got %s", info.Path)
	}
}

func TestParseEntryWithoutAddress(t *testing.T) {
	if parseEntry(&mdns.ServiceEntry{Name: "x", Port: 1}) != nil {
		t.Error("expected nil for entry without address")
	}
	if parseEntry(nil) != nil {
		t.Error("expected nil for nil entry")
	}
}
