// ABOUTME: Version and product identification
// ABOUTME: Sent in client/hello device info and shown by -version
package version

import (
	"fmt"

	"github.com/Resonate-Protocol/netclock-go/internal/protocol"
)

// Version is overridden at build time with -ldflags "-X ...version.Version=..."
var Version = "0.1.0"

const (
	Product      = "netclock"
	Manufacturer = "Resonate Protocol"
)

// String is the banner printed by -version
func String() string {
	return fmt.Sprintf("%s %s (%s, protocol v%d)", Product, Version, Manufacturer, protocol.Version)
}

// DeviceInfo describes this build in client/hello
func DeviceInfo() protocol.DeviceInfo {
	return protocol.DeviceInfo{
		ProductName:     Product,
		Manufacturer:    Manufacturer,
		SoftwareVersion: Version,
	}
}
