// ABOUTME: Tests for version identification
// ABOUTME: Tests the -version banner and the device info sent in client/hello
package version

import (
	"regexp"
	"strings"
	"testing"

	"github.com/Resonate-Protocol/netclock-go/internal/protocol"
)

func TestVersionIsSemver(t *testing.T) {
	if !regexp.MustCompile(`^\d+\.\d+\.\d+(-[0-9A-Za-z.-]+)?$`).MatchString(Version) {
		t.Errorf("expected semantic version, got %q", Version)
	}
}

func TestString(t *testing.T) {
	s := String()
	for _, want := range []string{Product, Version, Manufacturer, "protocol v1"} {
		if !strings.Contains(s, want) {
			t.Errorf("expected %q in banner, got %q", want, s)
		}
	}
}

func TestStringFollowsBuildOverride(t *testing.T) {
	orig := Version
	defer func() { Version = orig }()

	Version = "2.3.4-rc.1"
	if !strings.Contains(String(), "2.3.4-rc.1") {
		t.Errorf("expected overridden version in banner, got %q", String())
	}
	if got := DeviceInfo().SoftwareVersion; got != "2.3.4-rc.1" {
		t.Errorf("expected overridden software version, got %q", got)
	}
}

func TestDeviceInfo(t *testing.T) {
	want := protocol.DeviceInfo{
		ProductName:     "netclock",
		Manufacturer:    "Resonate Protocol",
		SoftwareVersion: Version,
	}
	if got := DeviceInfo(); got != want {
		t.Errorf("expected %+v, got %+v", want, got)
	}
}
